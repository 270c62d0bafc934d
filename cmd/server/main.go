package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pulse-backend/internal/auth"
	"pulse-backend/internal/config"
	"pulse-backend/internal/engine"
	"pulse-backend/internal/store"
)

func main() {
	ctx := context.Background()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (port: %d, db: %s)", cfg.Server.Port, cfg.Database.Driver)

	// 2. Connect to database and bootstrap engine tables
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.Bootstrap(ctx); err != nil {
		log.Fatalf("Failed to bootstrap system tables: %v", err)
	}
	log.Println("Database ready")

	// 3. Event log writer
	events := engine.NewEventLogger(db, cfg.EventLog.BufferSize, cfg.EventLog.FlushInterval())
	defer events.Stop()

	// 4. Core components
	dispatcher := engine.NewDispatcher(db, events, cfg.Webhooks.Timeout(), cfg.Webhooks.FailureThreshold, cfg.Webhooks.MaxAttempts)
	meter := engine.NewMeter(db, events, cfg.Credits.DailyCharge)
	ingestor := engine.NewIngestor(db, events, dispatcher, meter)

	// 5. Staleness monitor: periodic poll plus push invalidation where the
	// database supports it
	monitor := engine.NewMonitor(db, cfg.Liveness.StaleThreshold(), cfg.Liveness.PollInterval())
	monitor.Start()
	defer monitor.Stop()
	if listener := db.NewListener(store.InstanceChangeChannel); listener != nil {
		listener.Start(ctx, monitor.Invalidate)
		defer listener.Stop()
	}

	// 6. Webhook retry scheduler
	scheduler := engine.NewWebhookScheduler(db, dispatcher, cfg.Webhooks.RetryInterval())
	scheduler.Start()
	defer scheduler.Stop()

	// 7. Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	// 8. Health and metrics
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// 9. Auth routes (before middleware, no auth required)
	authHandler := auth.NewHandler(db, cfg.JWTSecret)
	auth.RegisterRoutes(app, authHandler)

	// 10. Engine routes behind auth
	authMW := auth.Middleware(cfg.JWTSecret)
	handler := engine.NewHandler(db, ingestor, dispatcher, monitor)
	engine.RegisterRoutes(app, handler, authMW)

	// 11. Start server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Printf("Starting server on %s", addr)
	log.Fatal(app.Listen(addr))
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
	}

	var appErr *engine.AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(engine.ErrorResponse{Error: appErr})
	}

	log.Printf("ERROR: %v", err)
	return c.Status(code).JSON(engine.ErrorResponse{
		Error: &engine.AppError{
			Code:    "INTERNAL_ERROR",
			Message: "Internal server error",
		},
	})
}
