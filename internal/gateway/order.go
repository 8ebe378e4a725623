package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/loan-payments-gateway/internal/config"
	perr "github.com/example/loan-payments-gateway/pkg/errors"
)

type BillingAddress struct {
	EmailAddress string `json:"email_address,omitempty"`
	PhoneNumber  string `json:"phone_number,omitempty"`
	CountryCode  string `json:"country_code,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	MiddleName   string `json:"middle_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	Line1        string `json:"line_1,omitempty"`
	Line2        string `json:"line_2,omitempty"`
	City         string `json:"city,omitempty"`
	State        string `json:"state,omitempty"`
	PostalCode   string `json:"postal_code,omitempty"`
	ZipCode      string `json:"zip_code,omitempty"`
}

// Order is what a caller asks to be paid. Any caller-supplied id is replaced
// by a generated merchant reference.
type Order struct {
	AccountID       string          `json:"account_id,omitempty"`
	Currency        string          `json:"currency"`
	Amount          decimal.Decimal `json:"amount"`
	Description     string          `json:"description,omitempty"`
	CallbackURL     string          `json:"callback_url"`
	CancellationURL string          `json:"cancellation_url,omitempty"`
	// NotificationID lets a caller that already registered a callback skip registration.
	NotificationID string         `json:"notification_id,omitempty"`
	Branch         string         `json:"branch,omitempty"`
	BillingAddress BillingAddress `json:"billing_address"`
}

// ValidateOrder checks what must hold before any gateway call is made.
func ValidateOrder(o Order) error {
	if strings.TrimSpace(o.Currency) == "" {
		return perr.Validation("currency is required")
	}
	if !o.Amount.IsPositive() {
		return perr.Validation("amount must be greater than 0")
	}
	if RoundAmount(o.Amount).Decimal().IsZero() {
		return perr.Validation("amount rounds to 0.00")
	}
	return ValidateCallbackURL(o.CallbackURL)
}

// PreparedOrder is the exact body sent to SubmitOrderRequest.
type PreparedOrder struct {
	MerchantReference string         `json:"id"`
	Currency          string         `json:"currency"`
	Amount            Amount         `json:"amount"`
	Description       string         `json:"description"`
	CallbackURL       string         `json:"callback_url"`
	CancellationURL   string         `json:"cancellation_url,omitempty"`
	NotificationID    string         `json:"notification_id"`
	Branch            string         `json:"branch,omitempty"`
	BillingAddress    BillingAddress `json:"billing_address"`

	AccountID string `json:"-"`
}

// SubmissionResult is what the gateway assigned to an accepted order.
type SubmissionResult struct {
	TrackingID        string
	MerchantReference string
	RedirectURL       string
	Raw               json.RawMessage
}

type submitResponse struct {
	envelope
	OrderTrackingID   string `json:"order_tracking_id"`
	MerchantReference string `json:"merchant_reference"`
	RedirectURL       string `json:"redirect_url"`
}

// Submitter builds and sends payment orders.
type Submitter struct {
	client  *Client
	orders  config.Orders
	pageURL string
	newRef  func() string
}

func NewSubmitter(c *Client, orders config.Orders, paymentPageURL string) *Submitter {
	s := &Submitter{client: c, orders: orders, pageURL: strings.TrimRight(paymentPageURL, "/")}
	s.newRef = s.merchantReference
	return s
}

// merchantReference is "<prefix>_<32 hex>", unique for the process lifetime
// and well inside the gateway's 50 character limit.
func (s *Submitter) merchantReference() string {
	ref := strings.ReplaceAll(uuid.NewString(), "-", "")
	if s.orders.MerchantRefPrefix == "" {
		return ref
	}
	return s.orders.MerchantRefPrefix + "_" + ref
}

// Prepare validates o, rounds its amount and merges in the derived fields.
// It is the only place an amount is rounded.
func (s *Submitter) Prepare(o Order, registrationID string) (PreparedOrder, error) {
	if err := ValidateOrder(o); err != nil {
		return PreparedOrder{}, err
	}
	if strings.TrimSpace(registrationID) == "" {
		return PreparedOrder{}, perr.Validation("registration id is required")
	}

	billing := o.BillingAddress
	if billing.CountryCode == "" {
		billing.CountryCode = s.orders.DefaultCountryCode
	}
	if billing.FirstName == "" {
		billing.FirstName = "Customer"
	}
	if billing.EmailAddress == "" && billing.PhoneNumber == "" {
		billing.EmailAddress = s.orders.DefaultBillingEmail
	}
	desc := o.Description
	if desc == "" {
		desc = s.orders.DefaultDescription
	}

	return PreparedOrder{
		MerchantReference: s.newRef(),
		Currency:          strings.ToUpper(strings.TrimSpace(o.Currency)),
		Amount:            RoundAmount(o.Amount),
		Description:       desc,
		CallbackURL:       o.CallbackURL,
		CancellationURL:   o.CancellationURL,
		NotificationID:    registrationID,
		Branch:            o.Branch,
		BillingAddress:    billing,
		AccountID:         o.AccountID,
	}, nil
}

// Send submits a prepared order. A 2xx response without a tracking id is a
// protocol violation, never a success.
func (s *Submitter) Send(ctx context.Context, p PreparedOrder, token string) (SubmissionResult, error) {
	if token == "" {
		return SubmissionResult{}, perr.Validation("token is required")
	}
	if p.NotificationID == "" {
		return SubmissionResult{}, perr.Validation("registration id is required")
	}

	res, err := s.client.post(ctx, stepSubmit, "/api/Transactions/SubmitOrderRequest", token, p)
	if err != nil {
		return SubmissionResult{}, err
	}
	if !res.ok() {
		return SubmissionResult{}, perr.Upstream("order submission failed", res.status, res.body, nil)
	}

	var out submitResponse
	if err := json.Unmarshal(res.body, &out); err != nil {
		return SubmissionResult{}, perr.Protocol("order response is not JSON", res.body)
	}
	if out.failed() {
		return SubmissionResult{}, perr.Upstream("order submission rejected", out.statusOr(http.StatusBadGateway), res.body, nil)
	}
	if out.OrderTrackingID == "" {
		slog.Error("order_missing_tracking_id", "merchant_ref", p.MerchantReference)
		return SubmissionResult{}, perr.Protocol("order response has no order_tracking_id", res.body)
	}

	redirect := out.RedirectURL
	if redirect == "" {
		redirect = s.pageURL + "/" + out.OrderTrackingID
	}
	return SubmissionResult{
		TrackingID:        out.OrderTrackingID,
		MerchantReference: p.MerchantReference,
		RedirectURL:       redirect,
		Raw:               res.body,
	}, nil
}

// Submit is Prepare followed by Send.
func (s *Submitter) Submit(ctx context.Context, o Order, registrationID, token string) (SubmissionResult, error) {
	p, err := s.Prepare(o, registrationID)
	if err != nil {
		return SubmissionResult{}, err
	}
	return s.Send(ctx, p, token)
}
