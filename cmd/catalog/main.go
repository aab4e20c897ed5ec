// cmd/catalog/main.go
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"

	"locallend/internal/auth"
	"locallend/internal/catalog"
	"locallend/internal/config"
	"locallend/internal/events"
	"locallend/internal/server"
	"locallend/internal/telemetry"
	"locallend/pkg/eventstore"
)

const serviceName = "catalog"

func main() {
	if err := run(); err != nil {
		slog.Error("catalog service failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg config.Catalog
	if err := config.ParseEnv(&cfg); err != nil {
		return err
	}
	logger := telemetry.NewLogger(serviceName, cfg.LogLevel)

	shutdown, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	journal := eventstore.NewEventStore(db)
	store := catalog.NewPostgresStore(db)
	if err := journal.Migrate(ctx); err != nil {
		return err
	}
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	bus := events.NewBus(logger)
	bus.Subscribe(eventstore.NewHandler(journal, logger, serviceName))
	defer bus.Wait()
	publisher := events.NewPublisher(bus, logger)

	svc := catalog.NewService(store, publisher, logger)
	tokens := auth.NewTokens(cfg.JWTSecret, 0)
	router := catalog.NewRouter(catalog.NewHandler(svc), tokens)

	return server.Run(ctx, logger, ":"+cfg.Port, router)
}
