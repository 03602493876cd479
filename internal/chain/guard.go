package chain

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	callsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custodia",
		Subsystem: "chain",
		Name:      "calls_total",
		Help:      "Chain provider calls by operation and result.",
	}, []string{"op", "result"})

	callDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "custodia",
		Subsystem: "chain",
		Name:      "call_duration_seconds",
		Help:      "Chain provider call latency.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"op"})

	breakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "custodia",
		Subsystem: "chain",
		Name:      "breaker_open",
		Help:      "1 while the chain provider circuit is open.",
	})
)

func init() {
	prometheus.MustRegister(callsTotal, callDuration, breakerState)
}

// Guarded wraps a Client with a circuit breaker and metrics. While the
// circuit is open, reads fail with ErrUnavailable and transfers fail before
// broadcast, so callers can roll back safely.
type Guarded struct {
	next    Client
	breaker *breaker
	logger  *slog.Logger
}

var _ Client = (*Guarded)(nil)

// NewGuarded trips after threshold consecutive provider failures and probes
// again after cooldown.
func NewGuarded(next Client, threshold int, cooldown time.Duration, logger *slog.Logger) *Guarded {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guarded{next: next, logger: logger}
	g.breaker = newBreaker(threshold, cooldown, func(open bool) {
		if open {
			breakerState.Set(1)
			logger.Warn("chain circuit opened")
		} else {
			breakerState.Set(0)
			logger.Info("chain circuit closed")
		}
	})
	return g
}

func (g *Guarded) IsValidAddress(address string) bool {
	return g.next.IsValidAddress(address)
}

func (g *Guarded) BalanceOf(ctx context.Context, address string) (*big.Int, error) {
	if !g.breaker.allow() {
		callsTotal.WithLabelValues("balance", "rejected").Inc()
		return nil, ErrUnavailable
	}
	start := time.Now()
	bal, err := g.next.BalanceOf(ctx, address)
	g.observe("balance", start, err, providerFault(err))
	return bal, err
}

func (g *Guarded) Transfer(ctx context.Context, privateKeyHex, to string, amount *big.Int) (*TransferResult, error) {
	if !g.breaker.allow() {
		callsTotal.WithLabelValues("transfer", "rejected").Inc()
		return nil, &TransferError{Op: OpBreaker, Err: ErrUnavailable}
	}
	start := time.Now()
	res, err := g.next.Transfer(ctx, privateKeyHex, to, amount)
	g.observe("transfer", start, err, transferFault(err))
	return res, err
}

func (g *Guarded) EstimateFee(ctx context.Context, to string) (*FeeEstimate, error) {
	if !g.breaker.allow() {
		callsTotal.WithLabelValues("fee", "rejected").Inc()
		return nil, ErrUnavailable
	}
	start := time.Now()
	fee, err := g.next.EstimateFee(ctx, to)
	g.observe("fee", start, err, providerFault(err))
	return fee, err
}

func (g *Guarded) observe(op string, start time.Time, err error, fault bool) {
	callDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
		callsTotal.WithLabelValues(op, "ok").Inc()
		g.breaker.success()
	case fault:
		callsTotal.WithLabelValues(op, "error").Inc()
		g.breaker.failure()
	default:
		callsTotal.WithLabelValues(op, "rejected_input").Inc()
		g.breaker.success()
	}
}

// providerFault separates provider outages from caller mistakes, which must
// not trip the circuit.
func providerFault(err error) bool {
	if err == nil || errors.Is(err, ErrInvalidAddress) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

func transferFault(err error) bool {
	var te *TransferError
	if errors.As(err, &te) {
		switch te.Op {
		case OpKey, OpPack, OpSign:
			return false
		case OpBalance:
			return !errors.Is(err, ErrInsufficientBalance)
		}
	}
	return providerFault(err)
}

// breaker is a single-endpoint closed/open/half-open circuit.
type breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	openedAt  time.Time
	state     int // 0 closed, 1 open, 2 half-open
	onChange  func(open bool)
}

func newBreaker(threshold int, cooldown time.Duration, onChange func(open bool)) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breaker{threshold: threshold, cooldown: cooldown, onChange: onChange}
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case 1:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = 2
			return true
		}
		return false
	case 2:
		return false
	default:
		return true
	}
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state != 0 {
		b.state = 0
		b.onChange(false)
	}
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == 2 || (b.state == 0 && b.failures >= b.threshold) {
		b.state = 1
		b.openedAt = time.Now()
		b.onChange(true)
	}
}
