package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/i474232898/lamport-weather-aggregation/internal/client"
	"github.com/i474232898/lamport-weather-aggregation/internal/common"
	"github.com/i474232898/lamport-weather-aggregation/internal/feed"
	"github.com/i474232898/lamport-weather-aggregation/internal/weather"
)

func main() {
	interval := flag.Duration("interval", 0, "re-send the file this often (0 sends once)")
	amqpDSN := flag.String("amqp-dsn", "", "forward observations from this AMQP broker instead of a file")
	exchange := flag.String("exchange", "amq.topic", "AMQP exchange to bind to")
	topics := flag.String("topics", "#", "comma separated AMQP routing keys")
	useTLS := flag.Bool("tls", false, "dial the AMQP broker over TLS")
	env := flag.String("env", "dev", "logging environment (dev or prod)")
	level := flag.String("log-level", "info", "log level")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <host:port> <file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	addr := flag.Arg(0)
	file := flag.Arg(1)
	if addr == "" || (file == "" && *amqpDSN == "") {
		flag.Usage()
		os.Exit(2)
	}

	logger, err := common.NewLogger(*env, *level)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(client.DefaultConfig(addr), logger.Named("client"))

	if *amqpDSN != "" {
		cfg := feed.AMQPConfig{
			Tag:      fmt.Sprintf("content-server-%d", os.Getpid()),
			Exchange: *exchange,
			DSN:      *amqpDSN,
			TLS:      *useTLS,
		}
		if err := forward(ctx, c, cfg, strings.Split(*topics, ","), logger); err != nil {
			logger.Fatalw("amqp forwarding stopped", "error", err)
		}
		return
	}

	if err := send(ctx, c, file, logger); err != nil {
		logger.Fatalw("upload failed", "file", file, "error", err)
	}
	if *interval <= 0 {
		return
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := send(ctx, c, file, logger); err != nil {
				logger.Errorw("upload failed", "file", file, "error", err)
			}
		}
	}
}

// send reads the file again on every call so edits are picked up.
func send(ctx context.Context, c *client.Client, file string, logger *zap.SugaredLogger) error {
	obs, err := feed.ReadFile(file)
	if err != nil {
		return err
	}
	code, err := c.Put(ctx, obs)
	if err != nil {
		return err
	}
	logger.Infow("observation uploaded", "id", obs.ID, "status", code, "clock", c.Clock())
	return nil
}

func forward(ctx context.Context, c *client.Client, cfg feed.AMQPConfig, topics []string, logger *zap.SugaredLogger) error {
	sub := feed.NewSubscriber(cfg, topics, logger.Named("subscriber"))
	deliveries, err := sub.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := sub.Shutdown(); err != nil {
			logger.Warnw("subscriber shutdown failed", "error", err)
		}
	}()

	err = sub.Consume(ctx, deliveries, func(ctx context.Context, obs weather.Observation) error {
		code, err := c.Put(ctx, obs)
		if err != nil {
			return err
		}
		logger.Infow("observation forwarded", "id", obs.ID, "status", code, "clock", c.Clock())
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}
