package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is used when no interval is configured.
const DefaultInterval = 5 * time.Minute

// RunState summarizes the most recent scheduled run.
type RunState struct {
	At         time.Time `json:"at"`
	Err        string    `json:"error,omitempty"`
	Mismatches int       `json:"mismatches"`
	Unresolved int       `json:"unresolved"`
	Finalized  int       `json:"finalized"`
	Stale      int       `json:"stale,omitempty"`
}

// Timer runs reconciliation on a schedule, once immediately and then every
// interval, and logs whatever needs an operator. It never repairs frozen
// totals; that takes an explicit Apply.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	last     atomic.Pointer[RunState]
}

// NewTimer creates a reconciliation timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the loop is live.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Last returns the most recent run, or nil before the first one finishes.
func (t *Timer) Last() *RunState {
	return t.last.Load()
}

// Start blocks until ctx is done or Stop is called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)
	t.logger.Info("reconciliation timer started", "interval", t.interval)

	t.safeRun(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop ends the loop. Safe to call more than once or before Start.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeRun(ctx context.Context) {
	state := &RunState{At: time.Now()}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
			state.Err = fmt.Sprintf("panic: %v", r)
		}
		t.last.Store(state)
	}()

	report, err := t.service.Run(ctx)
	if err != nil {
		state.Err = err.Error()
		t.logger.Warn("reconciliation run failed", "error", err)
		return
	}
	state.Mismatches = len(report.Mismatches)
	state.Unresolved = len(report.Unresolved)
	state.Finalized = report.Finalized
	state.Stale = report.Stale

	for _, m := range report.Mismatches {
		t.logger.Error("frozen total mismatch", "user_id", m.UserID,
			"frozen", m.Frozen, "expected", m.Expected, "diff", m.Diff)
	}
	for _, r := range report.Unresolved {
		t.logger.Warn("settlement needs operator", "settlement_key", r.Key,
			"status", r.Status, "deal_id", r.DealID, "tx_hash", r.TxHash)
	}
	if report.Stale > 0 {
		t.logger.Warn("stale settlements marked unknown", "count", report.Stale)
	}
	if report.Finalized > 0 {
		t.logger.Info("finalized settled payouts", "count", report.Finalized)
	}
}
