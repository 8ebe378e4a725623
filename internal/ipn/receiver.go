// Package ipn receives the gateway's asynchronous payment notifications,
// persists every delivery and reconciles COMPLETED payments against the
// ledger. Deliveries are at-least-once and may arrive in any order, including
// before the submitting request has returned.
package ipn

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/loan-payments-gateway/internal/ledger"
	"github.com/example/loan-payments-gateway/internal/queue"
	perr "github.com/example/loan-payments-gateway/pkg/errors"
	m "github.com/example/loan-payments-gateway/pkg/metrics"
)

// CreditOutcome describes what happened to the ledger for one delivery.
type CreditOutcome string

const (
	CreditNone      CreditOutcome = "none"
	CreditApplied   CreditOutcome = "applied"
	CreditDuplicate CreditOutcome = "duplicate"
	// CreditDeferred means the credit failed for a transient reason and is
	// left to the ledger worker.
	CreditDeferred CreditOutcome = "deferred"
	// CreditUnmatched means no creditable order exists for the delivery.
	CreditUnmatched CreditOutcome = "unmatched"
)

// Ack is returned for every persisted delivery.
type Ack struct {
	Notification ledger.Notification
	Credit       CreditOutcome
}

// Publisher is satisfied by *queue.Bus.
type Publisher interface {
	PublishNotification(ctx context.Context, ev queue.NotificationRecorded) error
}

// PublishTimeout bounds the event publish on the webhook path.
const PublishTimeout = 2 * time.Second

type Receiver struct {
	store          ledger.Store
	origins        map[string]bool
	events         Publisher
	now            func() time.Time
	publishTimeout time.Duration
}

// NewReceiver trusts allowedOrigins as notification senders. events may be nil.
func NewReceiver(store ledger.Store, allowedOrigins []string, events Publisher) *Receiver {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[strings.TrimRight(o, "/")] = true
	}
	return &Receiver{store: store, origins: origins, events: events, now: time.Now, publishTimeout: PublishTimeout}
}

// AllowedOrigin reports whether origin may deliver notifications. An empty
// origin is allowed because the gateway does not always send one.
func (r *Receiver) AllowedOrigin(origin string) bool {
	return origin == "" || r.origins[strings.TrimRight(origin, "/")]
}

// Receive persists one delivery and, for COMPLETED payments, applies the
// ledger credit at most once. Only a persistence failure is returned as an
// error; credit problems are reported in the Ack.
func (r *Receiver) Receive(ctx context.Context, origin string, raw []byte) (Ack, error) {
	if !r.AllowedOrigin(origin) {
		slog.Warn("ipn_origin_rejected", "origin", origin)
		return Ack{}, perr.Forbidden("origin not allowed")
	}

	n := Parse(raw)
	n.ReceivedAt = r.now().UTC()

	if err := r.store.RecordNotification(ctx, n); err != nil {
		slog.Error("ipn_persist_failed",
			"merchant_ref", n.MerchantReference,
			"tracking_id", n.TrackingID,
			"status", string(n.Status),
			"error", err.Error(),
		)
		return Ack{}, perr.Persistence("failed to save payment notification", err)
	}
	m.IncNotification(statusLabel(n.Status))

	ack := Ack{Notification: n, Credit: CreditNone}
	if n.Status == ledger.StatusCompleted {
		ack.Credit = r.credit(ctx, n)
	}

	slog.Info("ipn_persisted",
		"merchant_ref", n.MerchantReference,
		"tracking_id", n.TrackingID,
		"status", string(n.Status),
		"credit", string(ack.Credit),
	)
	r.publish(ctx, n, ack.Credit)
	return ack, nil
}

func (r *Receiver) credit(ctx context.Context, n ledger.Notification) CreditOutcome {
	if n.MerchantReference == "" || n.TrackingID == "" {
		slog.Warn("ipn_credit_skipped_missing_ids",
			"merchant_ref", n.MerchantReference,
			"tracking_id", n.TrackingID,
		)
		m.IncCredit(string(CreditUnmatched))
		return CreditUnmatched
	}

	outcome := Credit(ctx, r.store, n.MerchantReference, n.TrackingID)
	m.IncCredit(string(outcome))
	return outcome
}

// Credit applies the ledger credit for a COMPLETED payment and classifies the
// result. It is shared with the ledger worker.
func Credit(ctx context.Context, store ledger.Store, merchantRef, trackingID string) CreditOutcome {
	res, err := store.ApplyCredit(ctx, merchantRef, trackingID)
	switch {
	case err == nil && res.Applied:
		slog.Info("ledger_credit_applied",
			"merchant_ref", merchantRef,
			"tracking_id", trackingID,
			"account_id", res.AccountID,
			"amount", res.Amount.StringFixed(2),
		)
		return CreditApplied
	case err == nil:
		return CreditDuplicate
	case errors.Is(err, ledger.ErrOrderNotFound),
		errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, ledger.ErrTrackingMismatch):
		slog.Warn("ledger_credit_unmatched",
			"merchant_ref", merchantRef,
			"tracking_id", trackingID,
			"error", err.Error(),
		)
		return CreditUnmatched
	default:
		slog.Error("ledger_credit_failed",
			"merchant_ref", merchantRef,
			"tracking_id", trackingID,
			"error", err.Error(),
		)
		return CreditDeferred
	}
}

func (r *Receiver) publish(ctx context.Context, n ledger.Notification, outcome CreditOutcome) {
	if r.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	defer cancel()
	err := r.events.PublishNotification(ctx, queue.NotificationRecorded{
		MerchantReference: n.MerchantReference,
		TrackingID:        n.TrackingID,
		Status:            string(n.Status),
		CreditPending:     outcome == CreditDeferred,
		ReceivedAt:        n.ReceivedAt,
	})
	if err != nil {
		slog.Warn("ipn_event_publish_failed",
			"merchant_ref", n.MerchantReference,
			"tracking_id", n.TrackingID,
			"error", err.Error(),
		)
	}
}

// statusLabel keeps metric cardinality bounded.
func statusLabel(s ledger.PaymentStatus) string {
	if s.Known() {
		return string(s)
	}
	return "OTHER"
}

/******************** Payload ********************/

// flexString accepts a JSON string, number or bool.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	*f = flexString(strings.TrimSpace(string(b)))
	return nil
}

type payload struct {
	OrderTrackingID               flexString `json:"OrderTrackingId"`
	OrderMerchantReference        flexString `json:"OrderMerchantReference"`
	OrderNotificationType         flexString `json:"OrderNotificationType"`
	OrderPaymentStatus            flexString `json:"OrderPaymentStatus"`
	OrderPaymentStatusDescription flexString `json:"OrderPaymentStatusDescription"`
	OrderPaymentMethod            flexString `json:"OrderPaymentMethod"`
	OrderPaymentAccount           flexString `json:"OrderPaymentAccount"`
	OrderAmount                   flexString `json:"OrderAmount"`
}

// Parse normalizes a gateway notification body. Every field is optional;
// a body that is not JSON yields a notification holding only Raw.
func Parse(raw []byte) ledger.Notification {
	n := ledger.Notification{Raw: append([]byte(nil), raw...)}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		slog.Warn("ipn_payload_unparseable", "error", err.Error(), "bytes", len(raw))
		return n
	}

	n.TrackingID = string(p.OrderTrackingID)
	n.MerchantReference = string(p.OrderMerchantReference)
	n.NotificationType = string(p.OrderNotificationType)
	n.Status = ledger.NormalizeStatus(string(p.OrderPaymentStatus))
	n.StatusDescription = string(p.OrderPaymentStatusDescription)
	n.PaymentMethod = string(p.OrderPaymentMethod)
	n.PaymentAccount = string(p.OrderPaymentAccount)
	if p.OrderAmount != "" {
		if d, err := decimal.NewFromString(string(p.OrderAmount)); err == nil {
			n.Amount = decimal.NewNullDecimal(d)
		} else {
			slog.Warn("ipn_amount_unparseable", "merchant_ref", n.MerchantReference, "amount", string(p.OrderAmount))
		}
	}
	return n
}
