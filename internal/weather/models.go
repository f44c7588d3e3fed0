package weather

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalidRecord is returned when an observation cannot enter the store,
	// either because its body could not be decoded or because it has no id.
	ErrInvalidRecord = errors.New("invalid observation record")

	// ErrStale is returned by lookups that filter at read time when the entry
	// is older than the staleness threshold.
	ErrStale = errors.New("observation is stale")
)

var validate = validator.New()

// Observation is the latest reading pushed by one content server.
// Field names match the station feed; absent fields keep their zero value.
type Observation struct {
	ID                string  `json:"id" validate:"required"`
	Name              string  `json:"name"`
	State             string  `json:"state"`
	TimeZone          string  `json:"time_zone"`
	Lat               float64 `json:"lat"`
	Lon               float64 `json:"lon"`
	LocalDateTime     string  `json:"local_date_time"`
	LocalDateTimeFull string  `json:"local_date_time_full"`
	AirTemp           float64 `json:"air_temp"`
	ApparentTemp      float64 `json:"apparent_t"`
	Cloud             string  `json:"cloud"`
	DewPoint          float64 `json:"dewpt"`
	Pressure          float64 `json:"press"`
	RelHumidity       int     `json:"rel_hum"`
	WindDir           string  `json:"wind_dir"`
	WindSpeedKmh      int     `json:"wind_spd_kmh"`
	WindSpeedKt       int     `json:"wind_spd_kt"`
}

// Validate reports ErrInvalidRecord when the observation has no id.
func (o Observation) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}
