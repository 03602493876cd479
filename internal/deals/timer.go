package deals

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically tells sellers about confirmed payments they have not
// heard about yet. Each deal is announced exactly once.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new payment notification sweep.
func NewTimer(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in deal notification sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep runs one pass and returns the number of sellers notified.
func (t *Timer) Sweep(ctx context.Context) int {
	pending, err := t.store.ListAwaitingNotification(ctx, 100)
	if err != nil {
		t.logger.Warn("failed to list deals awaiting notification", "error", err)
		return 0
	}

	sent := 0
	for _, d := range pending {
		ok, err := t.service.NotifyPaymentConfirmed(ctx, d)
		if err != nil {
			t.logger.Warn("failed to mark payment notified", "dealId", d.ID, "error", err)
			continue
		}
		if ok {
			sent++
			t.logger.Info("seller notified of payment", "dealId", d.ID, "seller", d.SellerID, "amount", d.Amount)
		}
	}
	return sent
}
