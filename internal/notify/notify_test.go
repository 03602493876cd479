package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/custodia/internal/retry"
)

var fastRetry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

type recordingSink struct {
	mu   sync.Mutex
	got  []*Notification
	fail bool
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Deliver(ctx context.Context, n *Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	if r.fail {
		return errors.New("boom")
	}
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

type panicSink struct{}

func (panicSink) Name() string                                   { return "panic" }
func (panicSink) Deliver(context.Context, *Notification) error { panic("sink exploded") }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatcher_FansOutToAllSinks(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{fail: true}
	d := NewDispatcher(quietLogger(), panicSink{}, a)
	d.AddSink(b)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Start(ctx)

	d.Notify(context.Background(), "u1", EventDealInvited, "deal", "dl_1", map[string]any{"amount": "10.000000"})
	d.Notify(context.Background(), "", EventDealInvited, "deal", "dl_1", nil)

	require.Eventually(t, func() bool { return a.count() == 1 && b.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	d.Wait()

	n := a.got[0]
	assert.Equal(t, "u1", n.UserID)
	assert.Equal(t, EventDealInvited, n.Type)
	assert.Equal(t, "dl_1", n.DealID)
	assert.NotEmpty(t, n.ID)
}

func TestDispatcher_DrainsOnShutdown(t *testing.T) {
	a := &recordingSink{}
	d := NewDispatcher(quietLogger(), a)
	for i := 0; i < 5; i++ {
		d.Notify(context.Background(), "u1", EventP2PFiatSent, "p2p", "p2p_1", nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Start(ctx)
	assert.Equal(t, 5, a.count())
}

func TestWebhookSink_SignsAndRetries(t *testing.T) {
	var calls atomic.Int32
	var gotSig, gotEvent string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		gotSig = r.Header.Get("X-Custodia-Signature")
		gotEvent = r.Header.Get("X-Custodia-Event")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "whsec").WithPolicy(fastRetry)
	n := &Notification{ID: "evt_1", Type: EventP2PCompleted, UserID: "u1", DealID: "p2p_1", Timestamp: time.Now()}
	require.NoError(t, sink.Deliver(context.Background(), n))

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, string(EventP2PCompleted), gotEvent)
	assert.Equal(t, Sign(body, "whsec"), gotSig)

	var decoded Notification
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "p2p_1", decoded.DealID)
}

func TestWebhookSink_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "").WithPolicy(fastRetry)
	err := sink.Deliver(context.Background(), &Notification{ID: "evt_1", Type: EventDealCancelled, Timestamp: time.Now()})
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

type fakeSender struct {
	sent []tgbotapi.MessageConfig
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m)
	}
	return tgbotapi.Message{}, nil
}

func TestTelegramSink(t *testing.T) {
	fs := &fakeSender{}
	sink := &TelegramSink{bot: fs}

	require.NoError(t, sink.Deliver(context.Background(), &Notification{
		Type: EventP2PFiatSent, UserID: "123456", DealID: "p2p_9", Data: map[string]any{"amount": "25.000000"},
	}))
	require.NoError(t, sink.Deliver(context.Background(), &Notification{Type: EventP2PFiatSent, UserID: "web-user"}))

	require.Len(t, fs.sent, 1)
	assert.Equal(t, int64(123456), fs.sent[0].ChatID)
	assert.Contains(t, fs.sent[0].Text, "fiat payment as sent")
	assert.Contains(t, fs.sent[0].Text, "p2p_9")
	assert.Contains(t, fs.sent[0].Text, "25.000000 USDC")
}

func TestRender_UnknownEvent(t *testing.T) {
	assert.Equal(t, "custom.event", Render(&Notification{Type: "custom.event"}))
}
