package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	perr "github.com/example/loan-payments-gateway/pkg/errors"
)

// NotificationType is how the gateway delivers IPN callbacks to a registered URL.
type NotificationType string

const (
	NotifyPOST NotificationType = "POST"
	NotifyGET  NotificationType = "GET"
)

// ParseNotificationType accepts POST or GET in any case. Empty input returns
// ("", nil) so callers can fall back to their default. A GET registration
// needs a receiver that reads the query string; the api-gateway's own
// /notifications webhook accepts POST only.
func ParseNotificationType(s string) (NotificationType, error) {
	switch NotificationType(strings.ToUpper(strings.TrimSpace(s))) {
	case "":
		return "", nil
	case NotifyPOST:
		return NotifyPOST, nil
	case NotifyGET:
		return NotifyGET, nil
	}
	return "", perr.Validation("notification_type must be POST or GET")
}

// Registration is one successful IPN URL registration. Registering the same
// URL again yields a different ID.
type Registration struct {
	ID   string
	URL  string
	Type NotificationType
}

type registerRequest struct {
	URL              string           `json:"url"`
	NotificationType NotificationType `json:"ipn_notification_type"`
}

type registerResponse struct {
	envelope
	IPNID string `json:"ipn_id"`
	URL   string `json:"url"`
}

// Registrar registers webhook URLs with the gateway.
type Registrar struct {
	client      *Client
	defaultType NotificationType
}

// NewRegistrar uses defaultType when Register is called without one.
func NewRegistrar(c *Client, defaultType NotificationType) *Registrar {
	if defaultType == "" {
		defaultType = NotifyPOST
	}
	return &Registrar{client: c, defaultType: defaultType}
}

// ValidateCallbackURL requires an absolute http(s) URL with a host.
func ValidateCallbackURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return perr.Validation("callback_url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return perr.Validation("callback_url must be an absolute http(s) URL")
	}
	return nil
}

// Register must succeed before an order referencing the returned ID is submitted.
func (r *Registrar) Register(ctx context.Context, callbackURL string, nt NotificationType, token string) (Registration, error) {
	if err := ValidateCallbackURL(callbackURL); err != nil {
		return Registration{}, err
	}
	nt, err := ParseNotificationType(string(nt))
	if err != nil {
		return Registration{}, err
	}
	if nt == "" {
		nt = r.defaultType
	}
	if token == "" {
		return Registration{}, perr.Validation("token is required")
	}

	res, err := r.client.post(ctx, stepRegister, "/api/URLSetup/RegisterIPN", token, registerRequest{
		URL:              callbackURL,
		NotificationType: nt,
	})
	if err != nil {
		return Registration{}, err
	}
	if !res.ok() {
		return Registration{}, perr.Upstream("ipn registration failed", res.status, res.body, nil)
	}

	var out registerResponse
	if err := json.Unmarshal(res.body, &out); err != nil {
		return Registration{}, perr.Upstream("ipn registration response is not JSON", http.StatusBadGateway, res.body, err)
	}
	if out.failed() {
		return Registration{}, perr.Upstream("ipn registration rejected", out.statusOr(http.StatusBadGateway), res.body, nil)
	}
	if out.IPNID == "" {
		return Registration{}, perr.Upstream("ipn registration returned no ipn_id", http.StatusBadGateway, res.body, nil)
	}
	return Registration{ID: out.IPNID, URL: callbackURL, Type: nt}, nil
}
