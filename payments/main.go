package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/timour/stripe-checkout/common/config"
	"github.com/timour/stripe-checkout/common/logger"
	"github.com/timour/stripe-checkout/common/tracing"
)

func main() {
	log := logger.NewLogger(config.GetEnv("SERVICE_NAME", "payments"))

	cfg, err := LoadConfig()
	if err != nil {
		log.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	log.Info("starting service",
		slog.String("instance_id", cfg.InstanceID),
		slog.String("store", cfg.StoreDriver),
	)

	if cfg.TracingOn {
		shutdown, err := tracing.InitTracer(cfg.ServiceName, cfg.OTLPEndpoint, log)
		if err != nil {
			log.Error("failed to initialize tracer", slog.Any("error", err))
			os.Exit(1)
		}
		defer shutdown()
	} else {
		tracing.InitPropagator()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg, log)
	if err != nil {
		log.Error("failed to create app", slog.Any("error", err))
		os.Exit(1)
	}

	runErr := app.Start(ctx)
	if runErr != nil {
		log.Error("service stopped", slog.Any("error", runErr))
	} else {
		log.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		log.Error("error during shutdown", slog.Any("error", err))
	}

	if runErr != nil {
		os.Exit(1)
	}
}
