package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/lcalzada-xor/fullmac/internal/app"
	"github.com/lcalzada-xor/fullmac/internal/config"
	"github.com/lcalzada-xor/fullmac/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: fullmac.yaml on the search path)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.Error(err))
	}

	logger, err := buildLogger(cfg.Debug)
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	// Initialize Tracing
	shutdownTracer, err := telemetry.InitTracer()
	if err != nil {
		logger.Error("failed to init tracer", zap.Error(err))
	} else {
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", zap.Error(err))
			}
		}()
	}

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize driver", zap.Error(err))
	}

	// Root context with cancellation on interrupt
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("fullmac starting")
	if err := application.Run(ctx); err != nil {
		logger.Error("driver error", zap.Error(err))
		cancel()
		os.Exit(1)
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
