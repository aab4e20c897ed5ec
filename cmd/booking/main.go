// cmd/booking/main.go
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"locallend/internal/auth"
	"locallend/internal/booking"
	"locallend/internal/clients"
	"locallend/internal/config"
	"locallend/internal/events"
	"locallend/internal/server"
	"locallend/internal/telemetry"
	"locallend/pkg/eventstore"
)

const serviceName = "booking"

func main() {
	if err := run(); err != nil {
		slog.Error("booking service failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg config.Booking
	if err := config.ParseEnv(&cfg); err != nil {
		return err
	}
	logger := telemetry.NewLogger(serviceName, cfg.LogLevel)

	shutdown, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	db, err := sqlx.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	journal := eventstore.NewEventStore(db.DB)
	repo := booking.NewPostgresRepository(db)
	if err := journal.Migrate(ctx); err != nil {
		return err
	}
	if err := repo.Migrate(ctx); err != nil {
		return err
	}

	bus := events.NewBus(logger)
	bus.Subscribe(eventstore.NewHandler(journal, logger, serviceName))
	defer bus.Wait()
	publisher := events.NewPublisher(bus, logger)

	httpClient := &http.Client{Timeout: cfg.ClientTimeout}
	catalogClient := clients.NewCatalogClient(cfg.CatalogServiceURL, httpClient)
	membershipClient := clients.NewMembershipClient(cfg.MembershipServiceURL, httpClient)

	svc := booking.NewService(repo, catalogClient, membershipClient, publisher, logger)
	go booking.NewSweeper(svc, logger, cfg.OverdueSweepInterval).Run(ctx)

	tokens := auth.NewTokens(cfg.JWTSecret, 0)
	router := booking.NewRouter(booking.NewHandler(svc), tokens)

	return server.Run(ctx, logger, ":"+cfg.Port, router)
}
