package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/custodia/internal/auth"
	"github.com/mbd888/custodia/internal/reconciliation"
	"github.com/mbd888/custodia/internal/settlement"
)

// client calls the admin API of a running server.
type client struct {
	base     string
	key      string
	admin    string
	operator string
	http     *http.Client
}

func newClient(base, key, admin, operator string, timeout time.Duration) *client {
	return &client{
		base:     strings.TrimRight(base, "/"),
		key:      key,
		admin:    admin,
		operator: operator,
		http:     &http.Client{Timeout: timeout},
	}
}

type apiError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}
	req.Header.Set(auth.HeaderAdminSecret, c.admin)
	req.Header.Set(auth.HeaderCaller, c.operator)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		e := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, e)
		return e
	}
	return json.Unmarshal(data, out)
}

func (c *client) unresolved(ctx context.Context, limit int) ([]*settlement.Record, error) {
	var out struct {
		Settlements []*settlement.Record `json:"settlements"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/admin/settlements?limit="+strconv.Itoa(limit), nil, &out)
	return out.Settlements, err
}

func (c *client) resolve(ctx context.Context, key, txHash, detail string) (*settlement.Record, error) {
	var out struct {
		Settlement *settlement.Record `json:"settlement"`
	}
	body := map[string]string{"txHash": txHash, "detail": detail}
	err := c.do(ctx, http.MethodPost, "/v1/admin/settlements/"+key+"/resolve", body, &out)
	return out.Settlement, err
}

func (c *client) reconcile(ctx context.Context, apply bool, reason string) (*reconciliation.Report, error) {
	var out struct {
		Report *reconciliation.Report `json:"report"`
	}
	if apply {
		err := c.do(ctx, http.MethodPost, "/v1/admin/reconciliation/apply", map[string]string{"reason": reason}, &out)
		return out.Report, err
	}
	err := c.do(ctx, http.MethodGet, "/v1/admin/reconciliation", nil, &out)
	return out.Report, err
}
