// cmd/api/main.go
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"locallend/internal/config"
	"locallend/internal/gateway"
	"locallend/internal/server"
	"locallend/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg config.Gateway
	if err := config.ParseEnv(&cfg); err != nil {
		slog.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := telemetry.NewLogger("api-gateway", cfg.LogLevel)

	router, err := gateway.NewRouter(gateway.Upstreams{
		Catalog:    cfg.CatalogServiceURL,
		Booking:    cfg.BookingServiceURL,
		Membership: cfg.MembershipServiceURL,
	}, logger)
	if err != nil {
		logger.Error("build gateway", slog.Any("error", err))
		os.Exit(1)
	}

	if err := server.Run(ctx, logger, ":"+cfg.Port, router); err != nil {
		logger.Error("api gateway failed", slog.Any("error", err))
		os.Exit(1)
	}
}
