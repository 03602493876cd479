package p2p

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer cancels deals nobody moved past created within the TTL, releasing
// their freeze.
type Timer struct {
	service  *Service
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new stale deal sweep.
func NewTimer(service *Service, ttl time.Duration, logger *slog.Logger) *Timer {
	interval := ttl / 4
	if interval < 10*time.Second {
		interval = 10 * time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	return &Timer{
		service:  service,
		ttl:      ttl,
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
			t.safeExpire(ctx)
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

func (t *Timer) safeExpire(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in p2p timer", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx, time.Now())
}

// Sweep cancels deals created before now − TTL and returns how many.
func (t *Timer) Sweep(ctx context.Context, now time.Time) int {
	n, err := t.service.ExpireStale(ctx, now.Add(-t.ttl), 100)
	if err != nil {
		t.logger.Warn("failed to list stale p2p deals", "error", err)
		return 0
	}
	if n > 0 {
		t.logger.Info("expired stale p2p deals", "count", n, "ttl", t.ttl)
	}
	return n
}
