package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"time"

	"github.com/i474232898/lamport-weather-aggregation/internal/client"
	"github.com/i474232898/lamport-weather-aggregation/internal/common"
	"github.com/i474232898/lamport-weather-aggregation/internal/weather"
)

func main() {
	timeout := flag.Duration("timeout", 30*time.Second, "overall request timeout")
	level := flag.String("log-level", "warn", "log level")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <host:port>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	addr := flag.Arg(0)
	if addr == "" {
		flag.Usage()
		os.Exit(2)
	}

	logger, err := common.NewLogger("dev", *level)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c := client.New(client.DefaultConfig(addr), logger.Named("client"))
	observations, err := c.Get(ctx)
	if err != nil {
		logger.Fatalw("request failed", "addr", addr, "error", err)
	}

	printObservations(os.Stdout, observations)
	fmt.Printf("Lamport clock: %d\n", c.Clock())
}

func printObservations(w io.Writer, observations map[string]weather.Observation) {
	if len(observations) == 0 {
		fmt.Fprintln(w, "No weather data available.")
		return
	}

	ids := make([]string, 0, len(observations))
	for id := range observations {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		obs := observations[id]
		fmt.Fprintf(w, "Station:     %s\n", id)
		fmt.Fprintf(w, "Name:        %s\n", obs.Name)
		fmt.Fprintf(w, "Local time:  %s\n", obs.LocalDateTime)
		fmt.Fprintf(w, "Temperature: %.1f°C (feels like %.1f°C)\n", obs.AirTemp, obs.ApparentTemp)
		fmt.Fprintf(w, "Cloud:       %s\n", obs.Cloud)
		fmt.Fprintf(w, "Wind:        %s %d km/h\n", obs.WindDir, obs.WindSpeedKmh)
		fmt.Fprintln(w)
	}
}
