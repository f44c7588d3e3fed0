// Package feed turns station data into observations: the key/value text
// files written by weather stations, JSON files, and AMQP deliveries.
package feed

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/segmentio/encoding/json"

	"github.com/i474232898/lamport-weather-aggregation/internal/weather"
)

// ErrParse wraps every line-level parse failure.
var ErrParse = errors.New("feed: parse error")

type setter func(o *weather.Observation, v string) error

func str(f func(o *weather.Observation) *string) setter {
	return func(o *weather.Observation, v string) error {
		*f(o) = v
		return nil
	}
}

func float(f func(o *weather.Observation) *float64) setter {
	return func(o *weather.Observation, v string) error {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*f(o) = n
		return nil
	}
}

func integer(f func(o *weather.Observation) *int) setter {
	return func(o *weather.Observation, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*f(o) = n
		return nil
	}
}

var fields = map[string]setter{
	"id":                   str(func(o *weather.Observation) *string { return &o.ID }),
	"name":                 str(func(o *weather.Observation) *string { return &o.Name }),
	"state":                str(func(o *weather.Observation) *string { return &o.State }),
	"time_zone":            str(func(o *weather.Observation) *string { return &o.TimeZone }),
	"lat":                  float(func(o *weather.Observation) *float64 { return &o.Lat }),
	"lon":                  float(func(o *weather.Observation) *float64 { return &o.Lon }),
	"local_date_time":      str(func(o *weather.Observation) *string { return &o.LocalDateTime }),
	"local_date_time_full": str(func(o *weather.Observation) *string { return &o.LocalDateTimeFull }),
	"air_temp":             float(func(o *weather.Observation) *float64 { return &o.AirTemp }),
	"apparent_t":           float(func(o *weather.Observation) *float64 { return &o.ApparentTemp }),
	"cloud":                str(func(o *weather.Observation) *string { return &o.Cloud }),
	"dewpt":                float(func(o *weather.Observation) *float64 { return &o.DewPoint }),
	"press":                float(func(o *weather.Observation) *float64 { return &o.Pressure }),
	"rel_hum":              integer(func(o *weather.Observation) *int { return &o.RelHumidity }),
	"wind_dir":             str(func(o *weather.Observation) *string { return &o.WindDir }),
	"wind_spd_kmh":         integer(func(o *weather.Observation) *int { return &o.WindSpeedKmh }),
	"wind_spd_kt":          integer(func(o *weather.Observation) *int { return &o.WindSpeedKt }),
}

// ParseText reads "key: value" lines. Only the first colon separates key
// from value, so times such as "03:30pm" survive. Blank lines, lines
// without a colon and unknown keys are skipped.
func ParseText(r io.Reader) (weather.Observation, error) {
	var obs weather.Observation

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		set, known := fields[strings.TrimSpace(key)]
		if !known {
			continue
		}
		if err := set(&obs, strings.TrimSpace(value)); err != nil {
			return weather.Observation{}, fmt.Errorf("%w: line %d (%s): %v", ErrParse, lineNo, strings.TrimSpace(key), err)
		}
	}
	if err := sc.Err(); err != nil {
		return weather.Observation{}, fmt.Errorf("read feed: %w", err)
	}
	return obs, nil
}

// ReadFile loads one observation from path. Files ending in .json are
// decoded as JSON; anything else is parsed with ParseText.
func ReadFile(path string) (weather.Observation, error) {
	f, err := os.Open(path)
	if err != nil {
		return weather.Observation{}, err
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".json") {
		var obs weather.Observation
		if err := json.NewDecoder(f).Decode(&obs); err != nil {
			return weather.Observation{}, fmt.Errorf("%w: %s: %v", ErrParse, path, err)
		}
		return obs, nil
	}

	obs, err := ParseText(f)
	if err != nil {
		return weather.Observation{}, fmt.Errorf("%s: %w", path, err)
	}
	return obs, nil
}
