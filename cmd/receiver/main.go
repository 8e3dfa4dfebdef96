// Package main runs the webhook receiver for webhooks.cc. The receiver
// captures incoming HTTP requests at /w/{slug} endpoints, meters them
// against per-user quotas in Redis, buffers them for batch capture, and
// returns cached mock responses.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"webhooks.cc/receiver/internal/breaker"
	"webhooks.cc/receiver/internal/cache"
	"webhooks.cc/receiver/internal/clickhouse"
	"webhooks.cc/receiver/internal/config"
	"webhooks.cc/receiver/internal/convex"
	"webhooks.cc/receiver/internal/flusher"
	"webhooks.cc/receiver/internal/handlers"
	"webhooks.cc/receiver/internal/metrics"
	"webhooks.cc/receiver/internal/warmer"
)

const (
	maxBodySize     = 100 * 1024 // 100KB max body for webhooks
	shutdownTimeout = 10 * time.Second
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal(err)
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			TracesSampleRate: 0.1,
		}); err != nil {
			log.Printf("Sentry init failed: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	store, err := cache.New(cfg.RedisAddr(), cfg.RedisPassword, cfg.RedisDB, cfg.EndpointCacheTTL, cfg.QuotaCacheTTL)
	if err != nil {
		log.Fatalf("Redis connection failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	circuit := breaker.New(store.Client())
	convexClient := convex.New(cfg.ConvexSiteURL, cfg.CaptureSharedSecret, store, circuit)

	var ch *clickhouse.Conn
	if cfg.SearchEnabled() {
		ch, err = clickhouse.Open(cfg.ClickHouseAddr, cfg.ClickHouseDatabase, cfg.ClickHouseUser, cfg.ClickHousePassword)
		if err != nil {
			log.Printf("ClickHouse unavailable, search disabled: %v", err)
			ch = nil
		} else {
			defer func() { _ = ch.Close() }()
		}
	}

	m := metrics.New()
	app := handlers.New(store, convexClient, ch, cfg.CaptureSharedSecret, m, cfg.Debug)

	srv := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             maxBodySize,
	})

	srv.Use(recover.New())

	// CORS: allow any origin. The webhook capture routes are public, and the
	// admin routes (/cache/invalidate, /search) authenticate by bearer token,
	// not by browser credentials.
	srv.Use(cors.New(cors.Config{
		AllowOriginsFunc: func(origin string) bool {
			return true
		},
		AllowMethods: "GET,POST,PUT,PATCH,DELETE,OPTIONS",
		AllowHeaders: "Content-Type",
	}))
	srv.Use(logger.New(logger.Config{
		Format: "${time} ${method} ${path} ${status} ${latency}\n",
	}))

	app.Register(srv)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	fl := flusher.New(store, convexClient, cfg.FlushWorkers, cfg.BatchMaxSize, cfg.FlushInterval, func() {
		m.FlushFailures.Inc()
	})

	go warmer.Run(rootCtx, store, convexClient)
	go fl.Run(rootCtx)
	go watchCircuitState(rootCtx, circuit, m)

	// Graceful shutdown handling
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-shutdownCh
		log.Println("Shutdown signal received, flushing pending requests...")

		rootCancel()

		done := make(chan struct{})
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			fl.FlushAll(ctx)
			close(done)
		}()

		select {
		case <-done:
			log.Println("All pending requests flushed successfully")
		case <-time.After(shutdownTimeout):
			log.Println("Shutdown timeout exceeded, some requests may be lost")
		}

		if err := srv.Shutdown(); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	}()

	log.Printf("Webhook receiver starting on :%d", cfg.Port)
	if err := srv.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// watchCircuitState mirrors the shared breaker state into the local gauge.
func watchCircuitState(ctx context.Context, circuit *breaker.Breaker, m *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			switch circuit.CurrentState(ctx) {
			case breaker.Open:
				m.CircuitState.Set(2)
			case breaker.HalfOpen:
				m.CircuitState.Set(1)
			default:
				m.CircuitState.Set(0)
			}
		}
	}
}
