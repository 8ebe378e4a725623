package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/example/loan-payments-gateway/internal/config"
	perr "github.com/example/loan-payments-gateway/pkg/errors"
)

// AuthToken is a short-lived bearer token. Raw is the gateway body as received.
type AuthToken struct {
	Value      string
	ExpiryDate string
	Raw        json.RawMessage
}

type tokenRequest struct {
	ConsumerKey    string `json:"consumer_key"`
	ConsumerSecret string `json:"consumer_secret"`
}

type tokenResponse struct {
	envelope
	Token      string `json:"token"`
	ExpiryDate string `json:"expiryDate"`
}

// Broker exchanges the long-lived credential for a bearer token.
type Broker struct {
	client *Client
	cred   config.Credential
}

func NewBroker(c *Client, cred config.Credential) *Broker {
	return &Broker{client: c, cred: cred}
}

// Token requests a fresh token. Tokens are neither cached nor persisted.
func (b *Broker) Token(ctx context.Context) (AuthToken, error) {
	if b.cred.Key == "" || b.cred.Secret == "" {
		return AuthToken{}, perr.Configuration("missing gateway credentials")
	}

	res, err := b.client.post(ctx, stepToken, "/api/Auth/RequestToken", "", tokenRequest{
		ConsumerKey:    b.cred.Key,
		ConsumerSecret: b.cred.Secret,
	})
	if err != nil {
		return AuthToken{}, err
	}
	if !res.ok() {
		return AuthToken{}, perr.UpstreamAuth("gateway rejected credentials", res.status, res.body)
	}

	var out tokenResponse
	if err := json.Unmarshal(res.body, &out); err != nil {
		return AuthToken{}, perr.Protocol("token response is not JSON", res.body)
	}
	if out.failed() || out.Token == "" {
		return AuthToken{}, perr.UpstreamAuth("gateway rejected credentials", out.statusOr(http.StatusUnauthorized), res.body)
	}
	return AuthToken{Value: out.Token, ExpiryDate: out.ExpiryDate, Raw: res.body}, nil
}
