package main

import (
	"time"

	"github.com/gofiber/fiber/v2"

	jsrunner "github.com/boomhut/goja-netloop"
)

// newAdmin serves the runner's health and counters. stats must be safe to
// call from the server's goroutines.
func newAdmin(stats func() jsrunner.Stats, started time.Time) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	app.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"runner":   stats(),
			"uptimeMs": time.Since(started).Milliseconds(),
		})
	})

	return app
}
