package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/loan-payments-gateway/internal/config"
	perr "github.com/example/loan-payments-gateway/pkg/errors"
)

// fakeGateway records every request body by path and answers with the
// configured status and body.
type fakeGateway struct {
	mu     sync.Mutex
	calls  map[string][]map[string]any
	auth   map[string]string
	status map[string]int
	reply  map[string]string
	delay  time.Duration
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		calls:  map[string][]map[string]any{},
		auth:   map[string]string{},
		status: map[string]int{},
		reply:  map[string]string{},
	}
}

func (f *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	f.mu.Lock()
	f.calls[r.URL.Path] = append(f.calls[r.URL.Path], body)
	f.auth[r.URL.Path] = r.Header.Get("Authorization")
	status, ok := f.status[r.URL.Path]
	reply := f.reply[r.URL.Path]
	f.mu.Unlock()

	if !ok {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(reply))
}

func (f *fakeGateway) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls[path])
}

func (f *fakeGateway) last(path string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.calls[path]
	if len(c) == 0 {
		return nil
	}
	return c[len(c)-1]
}

const (
	tokenPath    = "/api/Auth/RequestToken"
	registerPath = "/api/URLSetup/RegisterIPN"
	submitPath   = "/api/Transactions/SubmitOrderRequest"
)

func setup(t *testing.T) (*fakeGateway, *Client) {
	t.Helper()
	fg := newFakeGateway()
	srv := httptest.NewServer(fg)
	t.Cleanup(srv.Close)
	return fg, NewClient(config.Gateway{BaseURL: srv.URL, Timeout: time.Second}, nil)
}

func testOrders() config.Orders {
	return config.Orders{
		MerchantRefPrefix:   "test",
		DefaultCountryCode:  "KE",
		DefaultBillingEmail: "billing@example.com",
		DefaultDescription:  "Activation",
	}
}

func TestRoundAmount(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"150", "150.00"},
		{"149.999", "150.00"},
		{"99.999", "100.00"},
		{"10.005", "10.01"},
		{"10.004", "10.00"},
		{"0.125", "0.13"},
		{"1.5", "1.50"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, RoundAmount(decimal.RequireFromString(tt.in)).String())
		})
	}
}

func TestAmount_MarshalJSON(t *testing.T) {
	b, err := json.Marshal(RoundAmount(decimal.NewFromInt(150)))
	require.NoError(t, err)
	assert.Equal(t, `"150.00"`, string(b))
}

func TestBroker_Token(t *testing.T) {
	fg, c := setup(t)
	fg.reply[tokenPath] = `{"token":"tok123","expiryDate":"2026-10-14T10:00:00Z","error":null,"status":"200"}`

	tok, err := NewBroker(c, config.Credential{Key: "k", Secret: "s"}).Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok123", tok.Value)
	assert.JSONEq(t, fg.reply[tokenPath], string(tok.Raw))

	body := fg.last(tokenPath)
	assert.Equal(t, "k", body["consumer_key"])
	assert.Equal(t, "s", body["consumer_secret"])
}

func TestBroker_MissingCredentialsMakesNoCall(t *testing.T) {
	fg, c := setup(t)

	_, err := NewBroker(c, config.Credential{Key: "k"}).Token(context.Background())
	assert.True(t, perr.Is(err, perr.KindConfiguration))
	assert.Zero(t, fg.count(tokenPath))
}

func TestBroker_RejectedCredentials(t *testing.T) {
	t.Run("non-2xx keeps status", func(t *testing.T) {
		fg, c := setup(t)
		fg.status[tokenPath] = http.StatusForbidden
		fg.reply[tokenPath] = `{"message":"nope"}`

		_, err := NewBroker(c, config.Credential{Key: "k", Secret: "s"}).Token(context.Background())
		e, ok := perr.As(err)
		require.True(t, ok)
		assert.Equal(t, perr.KindUpstreamAuth, e.Kind)
		assert.Equal(t, http.StatusForbidden, e.Status)
		assert.JSONEq(t, `{"message":"nope"}`, string(e.Body))
	})

	t.Run("2xx with error object", func(t *testing.T) {
		fg, c := setup(t)
		fg.reply[tokenPath] = `{"token":null,"error":{"error_type":"api_error","code":"invalid_consumer_key_or_secret_provided","message":""},"status":"500"}`

		_, err := NewBroker(c, config.Credential{Key: "k", Secret: "s"}).Token(context.Background())
		e, ok := perr.As(err)
		require.True(t, ok)
		assert.Equal(t, perr.KindUpstreamAuth, e.Kind)
		assert.Equal(t, 500, e.Status)
	})
}

func TestRegistrar_Register(t *testing.T) {
	fg, c := setup(t)
	fg.reply[registerPath] = `{"url":"https://example.com/cb","ipn_id":"R1","error":null,"status":"200"}`

	reg, err := NewRegistrar(c, NotifyPOST).Register(context.Background(), "https://example.com/cb", "", "tok123")
	require.NoError(t, err)
	assert.Equal(t, "R1", reg.ID)
	assert.Equal(t, NotifyPOST, reg.Type)

	body := fg.last(registerPath)
	assert.Equal(t, "https://example.com/cb", body["url"])
	assert.Equal(t, "POST", body["ipn_notification_type"])
	assert.Equal(t, "Bearer tok123", fg.auth[registerPath])
}

func TestRegistrar_SupportsGET(t *testing.T) {
	fg, c := setup(t)
	fg.reply[registerPath] = `{"ipn_id":"R2"}`

	nt, err := ParseNotificationType("get")
	require.NoError(t, err)
	reg, err := NewRegistrar(c, NotifyPOST).Register(context.Background(), "https://example.com/cb", nt, "tok")
	require.NoError(t, err)
	assert.Equal(t, NotifyGET, reg.Type)
	assert.Equal(t, "GET", fg.last(registerPath)["ipn_notification_type"])
}

func TestRegistrar_ValidationMakesNoCall(t *testing.T) {
	fg, c := setup(t)
	r := NewRegistrar(c, NotifyPOST)

	tests := []struct {
		name  string
		url   string
		nt    NotificationType
		token string
	}{
		{"missing url", "", "", "tok"},
		{"relative url", "/ipn", "", "tok"},
		{"bad scheme", "ftp://example.com/ipn", "", "tok"},
		{"bad type", "https://example.com/cb", "PUT", "tok"},
		{"missing token", "https://example.com/cb", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Register(context.Background(), tt.url, tt.nt, tt.token)
			assert.True(t, perr.Is(err, perr.KindValidation), "got %v", err)
		})
	}
	assert.Zero(t, fg.count(registerPath))
}

func TestRegistrar_UpstreamFailures(t *testing.T) {
	t.Run("4xx", func(t *testing.T) {
		fg, c := setup(t)
		fg.status[registerPath] = http.StatusUnauthorized
		fg.reply[registerPath] = `{"error":"expired"}`

		_, err := NewRegistrar(c, NotifyPOST).Register(context.Background(), "https://example.com/cb", "", "tok")
		e, ok := perr.As(err)
		require.True(t, ok)
		assert.Equal(t, perr.KindUpstream, e.Kind)
		assert.Equal(t, http.StatusUnauthorized, e.Status)
	})

	t.Run("missing ipn_id", func(t *testing.T) {
		fg, c := setup(t)
		fg.reply[registerPath] = `{"url":"https://example.com/cb"}`

		_, err := NewRegistrar(c, NotifyPOST).Register(context.Background(), "https://example.com/cb", "", "tok")
		e, ok := perr.As(err)
		require.True(t, ok)
		assert.Equal(t, perr.KindUpstream, e.Kind)
		assert.Equal(t, http.StatusBadGateway, e.Status)
	})
}

func TestRegistrar_Timeout(t *testing.T) {
	fg := newFakeGateway()
	fg.delay = 200 * time.Millisecond
	srv := httptest.NewServer(fg)
	defer srv.Close()
	c := NewClient(config.Gateway{BaseURL: srv.URL, Timeout: 20 * time.Millisecond}, nil)

	_, err := NewRegistrar(c, NotifyPOST).Register(context.Background(), "https://example.com/cb", "", "tok")
	e, ok := perr.As(err)
	require.True(t, ok)
	assert.Equal(t, perr.KindUpstream, e.Kind)
	assert.True(t, e.Timeout)
}

func TestSubmitter_Prepare(t *testing.T) {
	_, c := setup(t)
	s := NewSubmitter(c, testOrders(), "https://pay.example.com/payment")

	p, err := s.Prepare(Order{
		Currency:    "kes",
		Amount:      decimal.RequireFromString("99.999"),
		CallbackURL: "https://example.com/cb",
		AccountID:   "acct-1",
	}, "R1")
	require.NoError(t, err)

	assert.Equal(t, "100.00", p.Amount.String())
	assert.Equal(t, "KES", p.Currency)
	assert.Equal(t, "R1", p.NotificationID)
	assert.Equal(t, "KE", p.BillingAddress.CountryCode)
	assert.Equal(t, "billing@example.com", p.BillingAddress.EmailAddress)
	assert.Equal(t, "Activation", p.Description)
	assert.Regexp(t, `^test_[0-9a-f]{32}$`, p.MerchantReference)
	assert.LessOrEqual(t, len(p.MerchantReference), 50)
	assert.Equal(t, "acct-1", p.AccountID)
}

func TestSubmitter_PrepareKeepsCallerBilling(t *testing.T) {
	_, c := setup(t)
	s := NewSubmitter(c, testOrders(), "")

	p, err := s.Prepare(Order{
		Currency:    "USD",
		Amount:      decimal.NewFromInt(5),
		CallbackURL: "https://example.com/cb",
		BillingAddress: BillingAddress{
			PhoneNumber: "0700000000",
			CountryCode: "UG",
			FirstName:   "Wanjiru",
		},
	}, "R1")
	require.NoError(t, err)
	assert.Equal(t, "UG", p.BillingAddress.CountryCode)
	assert.Equal(t, "Wanjiru", p.BillingAddress.FirstName)
	assert.Empty(t, p.BillingAddress.EmailAddress)
}

func TestSubmitter_MerchantReferencesAreUnique(t *testing.T) {
	_, c := setup(t)
	s := NewSubmitter(c, testOrders(), "")
	seen := map[string]bool{}
	for i := 0; i < 500; i++ {
		p, err := s.Prepare(Order{Currency: "KES", Amount: decimal.NewFromInt(1), CallbackURL: "https://example.com/cb"}, "R1")
		require.NoError(t, err)
		require.False(t, seen[p.MerchantReference])
		seen[p.MerchantReference] = true
	}
}

func TestSubmitter_ValidationMakesNoCall(t *testing.T) {
	fg, c := setup(t)
	s := NewSubmitter(c, testOrders(), "")

	tests := []struct {
		name  string
		order Order
		regID string
		token string
	}{
		{"missing currency", Order{Amount: decimal.NewFromInt(1), CallbackURL: "https://example.com/cb"}, "R1", "tok"},
		{"zero amount", Order{Currency: "KES", CallbackURL: "https://example.com/cb"}, "R1", "tok"},
		{"negative amount", Order{Currency: "KES", Amount: decimal.NewFromInt(-3), CallbackURL: "https://example.com/cb"}, "R1", "tok"},
		{"rounds to zero", Order{Currency: "KES", Amount: decimal.RequireFromString("0.001"), CallbackURL: "https://example.com/cb"}, "R1", "tok"},
		{"missing registration", Order{Currency: "KES", Amount: decimal.NewFromInt(1), CallbackURL: "https://example.com/cb"}, "", "tok"},
		{"missing token", Order{Currency: "KES", Amount: decimal.NewFromInt(1), CallbackURL: "https://example.com/cb"}, "R1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Submit(context.Background(), tt.order, tt.regID, tt.token)
			assert.True(t, perr.Is(err, perr.KindValidation), "got %v", err)
		})
	}
	assert.Zero(t, fg.count(submitPath))
}

func TestSubmitter_Submit(t *testing.T) {
	fg, c := setup(t)
	fg.reply[submitPath] = `{"order_tracking_id":"T1","merchant_reference":"x","redirect_url":"","error":null,"status":"200"}`
	s := NewSubmitter(c, testOrders(), "https://pay.example.com/payment")

	res, err := s.Submit(context.Background(), Order{
		Currency:    "KES",
		Amount:      decimal.RequireFromString("149.999"),
		CallbackURL: "https://example.com/cb",
	}, "R1", "tok123")
	require.NoError(t, err)
	assert.Equal(t, "T1", res.TrackingID)
	assert.Equal(t, "https://pay.example.com/payment/T1", res.RedirectURL)

	body := fg.last(submitPath)
	assert.Equal(t, "150.00", body["amount"])
	assert.Equal(t, "R1", body["notification_id"])
	assert.Equal(t, res.MerchantReference, body["id"])
	assert.Equal(t, "Bearer tok123", fg.auth[submitPath])
}

func TestSubmitter_MissingTrackingIDIsProtocolError(t *testing.T) {
	fg, c := setup(t)
	fg.reply[submitPath] = `{"merchant_reference":"x","status":"200"}`
	s := NewSubmitter(c, testOrders(), "")

	_, err := s.Submit(context.Background(), Order{Currency: "KES", Amount: decimal.NewFromInt(1), CallbackURL: "https://example.com/cb"}, "R1", "tok")
	assert.True(t, perr.Is(err, perr.KindProtocol), "got %v", err)
}

func TestSubmitter_UpstreamError(t *testing.T) {
	fg, c := setup(t)
	fg.status[submitPath] = http.StatusBadRequest
	fg.reply[submitPath] = `{"error":{"code":"invalid_amount"}}`
	s := NewSubmitter(c, testOrders(), "")

	_, err := s.Submit(context.Background(), Order{Currency: "KES", Amount: decimal.NewFromInt(1), CallbackURL: "https://example.com/cb"}, "R1", "tok")
	e, ok := perr.As(err)
	require.True(t, ok)
	assert.Equal(t, perr.KindUpstream, e.Kind)
	assert.Equal(t, http.StatusBadRequest, e.Status)
}
