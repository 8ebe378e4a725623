// Package gateway talks to the Pesapal v3 API: token exchange, IPN callback
// registration and order submission. Each call is a single blocking request
// bounded by the client timeout; nothing is retried or cached here.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/example/loan-payments-gateway/internal/config"
	perr "github.com/example/loan-payments-gateway/pkg/errors"
	m "github.com/example/loan-payments-gateway/pkg/metrics"
)

const maxResponseBody = 1 << 20

const (
	stepToken    = "token"
	stepRegister = "register_ipn"
	stepSubmit   = "submit_order"
)

// Client is the shared HTTP plumbing for all gateway calls.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client for cfg. When hc is nil a client with cfg.Timeout is used.
func NewClient(cfg config.Gateway, hc *http.Client) *Client {
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = config.DefaultGatewayTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: cfg.BaseURL, http: hc}
}

type response struct {
	status int
	body   []byte
}

func (r response) ok() bool { return r.status >= 200 && r.status < 300 }

// apiError is the error object the gateway embeds in otherwise 2xx bodies.
type apiError struct {
	Type    string `json:"error_type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// envelope holds the fields shared by every gateway response.
type envelope struct {
	Error  *apiError `json:"error"`
	Status string    `json:"status"`
}

// statusOr returns the numeric status the gateway reported in its body when
// it is an error status, otherwise fallback.
func (e envelope) statusOr(fallback int) int {
	if n, err := strconv.Atoi(e.Status); err == nil && n >= 400 {
		return n
	}
	return fallback
}

func (e envelope) failed() bool {
	return e.Error != nil && (e.Error.Code != "" || e.Error.Message != "" || e.Error.Type != "")
}

// post sends in as JSON. A transport failure is returned as an upstream
// error; any HTTP response, including non-2xx, is handed back for the caller
// to classify.
func (c *Client) post(ctx context.Context, step, path, token string, in any) (response, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return response{}, fmt.Errorf("encode %s request: %w", step, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return response{}, fmt.Errorf("build %s request: %w", step, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			m.IncGatewayCall(step, "timeout")
			slog.Warn("gateway_timeout", "step", step, "elapsed", time.Since(start).String())
			return response{}, perr.UpstreamTimeout(step+" timed out", err)
		}
		m.IncGatewayCall(step, "error")
		slog.Warn("gateway_unreachable", "step", step, "error", err.Error())
		return response{}, perr.Upstream(step+" request failed", 0, nil, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		m.IncGatewayCall(step, "error")
		return response{}, perr.Upstream("read "+step+" response", res.StatusCode, nil, err)
	}

	out := response{status: res.StatusCode, body: body}
	outcome := "success"
	if !out.ok() {
		outcome = "error"
	}
	m.IncGatewayCall(step, outcome)
	slog.Info("gateway_call",
		"step", step,
		"status", res.StatusCode,
		"elapsed", time.Since(start).String(),
	)
	return out, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
