// internal/booking/sweeper.go
package booking

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically marks active bookings past their end date as overdue.
type Sweeper struct {
	service  Service
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
}

func NewSweeper(service Service, logger *slog.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		service:  service,
		logger:   logger,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (w *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.sweep(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Sweeper) sweep(ctx context.Context) {
	n, err := w.service.ProcessOverdue(ctx, w.now())
	if err != nil {
		w.logger.ErrorContext(ctx, "overdue sweep failed", slog.Any("error", err))
		return
	}
	if n > 0 {
		w.logger.InfoContext(ctx, "marked bookings overdue", slog.Int("count", n))
	}
}
