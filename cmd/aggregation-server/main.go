package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/segmentio/encoding/json"

	httpapi "github.com/i474232898/lamport-weather-aggregation/internal/api/http"
	"github.com/i474232898/lamport-weather-aggregation/internal/clock"
	"github.com/i474232898/lamport-weather-aggregation/internal/common"
	"github.com/i474232898/lamport-weather-aggregation/internal/config"
	"github.com/i474232898/lamport-weather-aggregation/internal/scheduler"
	"github.com/i474232898/lamport-weather-aggregation/internal/server"
	"github.com/i474232898/lamport-weather-aggregation/internal/store"
	"github.com/i474232898/lamport-weather-aggregation/internal/weather"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	port := flag.Int("port", 0, "protocol port (overrides config)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config file.yaml] [-port N] [port]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	// Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if arg := flag.Arg(0); arg != "" {
		n, err := strconv.Atoi(arg)
		if err != nil {
			log.Fatalf("invalid port %q", arg)
		}
		cfg.Port = n
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger, err := common.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	if cfg.AdminPortDropped() {
		logger.Warnw("admin api disabled: protocol port took its default port; set ADMIN_PORT to move it", "port", cfg.Port)
	}

	// Shared state: one store, one clock.
	memStore := store.NewMemoryStore()
	lamport := clock.New()
	service := weather.NewService(memStore, cfg.StaleAfter, cfg.FilterStaleOnRead, logger.Named("service"))

	// Sweeper that periodically evicts silent sources.
	sched := scheduler.New(service, cfg.SweepInterval, logger.Named("sweeper"))
	if err := sched.Start(); err != nil {
		logger.Fatalw("failed to start sweeper", "error", err)
	}
	defer sched.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg.Server(), service, lamport, logger.Named("server"))
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe(ctx)
	}()

	var app *fiber.App
	if addr := cfg.AdminAddr(); addr != "" {
		app = newAdminApp(service, lamport, srv)
		go func() {
			if err := app.Listen(addr); err != nil {
				logger.Errorw("admin api stopped", "error", err)
			}
		}()
	}

	logger.Infow("aggregation server started",
		"addr", cfg.ListenAddr(),
		"admin", cfg.AdminAddr(),
		"stale_after", cfg.StaleAfter,
		"sweep_interval", cfg.SweepInterval,
		"filter_stale_on_read", cfg.FilterStaleOnRead,
	)

	// Wait for termination signal or a listener failure.
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Fatalw("protocol listener failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("error during shutdown", "error", err)
	}
	if app != nil {
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.Warnw("error during admin shutdown", "error", err)
		}
	}

	stats := srv.Stats()
	logger.Infow("aggregation server stopped", "served", stats.Served, "clock", lamport.Current())
}

func newAdminApp(service *weather.Service, lamport *clock.Lamport, srv *server.Server) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "aggregation-server",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ErrorHandler:          httpapi.ErrorHandler,
	})

	// Global middleware
	app.Use(fiberlogger.New())
	app.Use(recover.New())

	httpapi.RegisterRoutes(app, service, lamport, srv)
	return app
}
