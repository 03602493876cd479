package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/custodia/internal/retry"
)

// WebhookSink posts every notification to the presentation gateway,
// signed with HMAC-SHA256 over the body.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
	policy retry.Policy
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(url, secret string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		policy: retry.Delivery,
	}
}

// WithClient overrides the HTTP client.
func (w *WebhookSink) WithClient(c *http.Client) *WebhookSink {
	w.client = c
	return w
}

// WithPolicy overrides the retry policy.
func (w *WebhookSink) WithPolicy(p retry.Policy) *WebhookSink {
	w.policy = p
	return w
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Deliver(ctx context.Context, n *Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal notification: %w", err))
	}

	return retry.Do(ctx, w.policy, func(ctx context.Context, attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Custodia-Event", string(n.Type))
		req.Header.Set("X-Custodia-Delivery", n.ID)
		req.Header.Set("X-Custodia-Timestamp", strconv.FormatInt(n.Timestamp.Unix(), 10))
		if w.secret != "" {
			req.Header.Set("X-Custodia-Signature", Sign(payload, w.secret))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
			return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		default:
			return fmt.Errorf("status %d", resp.StatusCode)
		}
	})
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
