// Package notify tells counterparties about deal events. Delivery is
// fire-and-forget: Notify never blocks the caller's transaction and sink
// failures are only logged and counted.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/custodia/internal/idgen"
	"github.com/mbd888/custodia/internal/metrics"
)

// EventType names a deal event.
type EventType string

const (
	EventDealInvited          EventType = "deal.invited"
	EventDealAccepted         EventType = "deal.accepted"
	EventDealPaymentConfirmed EventType = "deal.payment_confirmed"
	EventDealReceiptConfirmed EventType = "deal.receipt_confirmed"
	EventDealCompleted        EventType = "deal.completed"
	EventDealCancelled        EventType = "deal.cancelled"

	EventP2PDealStarted     EventType = "p2p.deal_started"
	EventP2PCryptoDeposited EventType = "p2p.crypto_deposited"
	EventP2PFiatSent        EventType = "p2p.fiat_sent"
	EventP2PCompleted       EventType = "p2p.completed"
	EventP2PCancelled       EventType = "p2p.cancelled"
	EventP2PPayoutStuck     EventType = "p2p.payout_stuck"

	EventArbitrationOpened    EventType = "arbitration.opened"
	EventArbitrationAssigned  EventType = "arbitration.assigned"
	EventArbitrationResolved  EventType = "arbitration.resolved"
	EventArbitrationCancelled EventType = "arbitration.cancelled"
)

// Notification is one event addressed to one user.
type Notification struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	UserID    string         `json:"userId"`
	DealKind  string         `json:"dealKind,omitempty"`
	DealID    string         `json:"dealId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Notifier is what the engines depend on.
type Notifier interface {
	Notify(ctx context.Context, userID string, event EventType, dealKind, dealID string, data map[string]any)
}

// Sink delivers a notification over one channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n *Notification) error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, string, EventType, string, string, map[string]any) {}

// Dispatcher queues notifications and fans them out to sinks from a
// background worker.
type Dispatcher struct {
	sinks   []Sink
	queue   chan *Notification
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
	once    sync.Once
}

// NewDispatcher creates a dispatcher with a bounded queue.
func NewDispatcher(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sinks:   sinks,
		queue:   make(chan *Notification, 1024),
		logger:  logger,
		timeout: 30 * time.Second,
	}
}

// AddSink registers another sink. Call before Start.
func (d *Dispatcher) AddSink(s Sink) {
	d.sinks = append(d.sinks, s)
}

// Notify enqueues a notification. A full queue drops it.
func (d *Dispatcher) Notify(ctx context.Context, userID string, event EventType, dealKind, dealID string, data map[string]any) {
	if userID == "" {
		return
	}
	n := &Notification{
		ID:        idgen.WithPrefix(idgen.PrefixEvent),
		Type:      event,
		UserID:    userID,
		DealKind:  dealKind,
		DealID:    dealID,
		Timestamp: time.Now(),
		Data:      data,
	}
	select {
	case d.queue <- n:
	default:
		metrics.NotificationsTotal.WithLabelValues("queue", "dropped").Inc()
		d.logger.Warn("notification queue full, dropping", "event", event, "user_id", userID)
	}
}

// Start runs the delivery loop until ctx is done, then drains the queue.
// Call in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		case n := <-d.queue:
			d.deliver(n)
		}
	}
}

// Wait blocks until Start has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) drain() {
	d.once.Do(func() {
		for {
			select {
			case n := <-d.queue:
				d.deliver(n)
			default:
				return
			}
		}
	})
}

func (d *Dispatcher) deliver(n *Notification) {
	for _, s := range d.sinks {
		d.safeDeliver(s, n)
	}
}

func (d *Dispatcher) safeDeliver(s Sink, n *Notification) {
	defer func() {
		if r := recover(); r != nil {
			metrics.NotificationsTotal.WithLabelValues(s.Name(), "panic").Inc()
			d.logger.Error("panic in notification sink", "sink", s.Name(), "panic", fmt.Sprint(r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := s.Deliver(ctx, n); err != nil {
		metrics.NotificationsTotal.WithLabelValues(s.Name(), "error").Inc()
		d.logger.Warn("notification delivery failed",
			"sink", s.Name(), "event", n.Type, "user_id", n.UserID, "deal_id", n.DealID, "error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(s.Name(), "ok").Inc()
}
