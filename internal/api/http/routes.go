package httpapi

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/lamport-weather-aggregation/internal/clock"
	"github.com/i474232898/lamport-weather-aggregation/internal/server"
	"github.com/i474232898/lamport-weather-aggregation/internal/store"
	"github.com/i474232898/lamport-weather-aggregation/internal/weather"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "aggregation-server"

// StatsSource reports protocol listener counters.
type StatsSource interface {
	Stats() server.Stats
}

// RegisterRoutes wires the admin handlers into the Fiber app. None of them
// advance the Lamport clock; they only read it. stats may be nil.
func RegisterRoutes(app *fiber.App, service *weather.Service, clk *clock.Lamport, stats StatsSource) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":       "ok",
			"service":      ServiceName,
			"observations": service.Count(),
		})
	})

	v1 := app.Group("/api/v1")

	v1.Get("/observations", func(c *fiber.Ctx) error {
		return c.JSON(service.Latest())
	})

	v1.Get("/observations/:id", func(c *fiber.Ctx) error {
		id := c.Params("id")
		if id == "" {
			return fiber.NewError(fiber.StatusBadRequest, "station id is required")
		}

		obs, err := service.Lookup(id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) || errors.Is(err, weather.ErrStale) {
				return fiber.NewError(fiber.StatusNotFound, "no observation for station "+id)
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch observation")
		}

		return c.JSON(obs)
	})

	v1.Get("/clock", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"lamport": clk.Current()})
	})

	v1.Get("/stats", func(c *fiber.Ctx) error {
		if stats == nil {
			return fiber.NewError(fiber.StatusServiceUnavailable, "protocol listener not running")
		}
		return c.JSON(stats.Stats())
	})
}

// ErrorHandler renders every error as {"error":true,"message":...}.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{
		"error":   true,
		"message": err.Error(),
	})
}
