// Package payments is the one orchestration path from a caller's order to a
// hosted payment page: token, IPN registration, order submission. Every
// transport adapter calls into Service rather than talking to the gateway
// itself.
package payments

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/example/loan-payments-gateway/internal/gateway"
	"github.com/example/loan-payments-gateway/internal/ledger"
	perr "github.com/example/loan-payments-gateway/pkg/errors"
)

type TokenSource interface {
	Token(ctx context.Context) (gateway.AuthToken, error)
}

type CallbackRegistrar interface {
	Register(ctx context.Context, callbackURL string, nt gateway.NotificationType, token string) (gateway.Registration, error)
}

type OrderSubmitter interface {
	Prepare(o gateway.Order, registrationID string) (gateway.PreparedOrder, error)
	Send(ctx context.Context, p gateway.PreparedOrder, token string) (gateway.SubmissionResult, error)
}

type Service struct {
	tokens    TokenSource
	registrar CallbackRegistrar
	submitter OrderSubmitter
	store     ledger.Store
}

func NewService(tokens TokenSource, registrar CallbackRegistrar, submitter OrderSubmitter, store ledger.Store) *Service {
	return &Service{tokens: tokens, registrar: registrar, submitter: submitter, store: store}
}

// GetToken acquires a fresh bearer token. Callers re-acquire one per run.
func (s *Service) GetToken(ctx context.Context) (gateway.AuthToken, error) {
	tok, err := s.tokens.Token(ctx)
	if err != nil {
		slog.Error("token_request_failed", "error", err.Error())
		return gateway.AuthToken{}, err
	}
	return tok, nil
}

func (s *Service) RegisterCallback(ctx context.Context, callbackURL string, nt gateway.NotificationType, token string) (gateway.Registration, error) {
	reg, err := s.registrar.Register(ctx, callbackURL, nt, token)
	if err != nil {
		slog.Error("ipn_registration_failed", "callback_url", callbackURL, "error", err.Error())
		return gateway.Registration{}, err
	}
	slog.Info("ipn_registered", "callback_url", callbackURL, "registration_id", reg.ID, "type", string(reg.Type))
	return reg, nil
}

// SubmitOrder registers the order's callback URL (unless the caller already
// holds a registration id), records the order intent and submits it.
// Registration always completes before submission starts; if it fails no
// submission call is made.
func (s *Service) SubmitOrder(ctx context.Context, token string, o gateway.Order) (gateway.SubmissionResult, error) {
	if strings.TrimSpace(token) == "" {
		return gateway.SubmissionResult{}, perr.Validation("token is required")
	}
	if err := gateway.ValidateOrder(o); err != nil {
		return gateway.SubmissionResult{}, err
	}

	registrationID := strings.TrimSpace(o.NotificationID)
	if registrationID == "" {
		reg, err := s.RegisterCallback(ctx, o.CallbackURL, "", token)
		if err != nil {
			return gateway.SubmissionResult{}, err
		}
		registrationID = reg.ID
	}

	p, err := s.submitter.Prepare(o, registrationID)
	if err != nil {
		return gateway.SubmissionResult{}, err
	}

	if err := s.store.RecordOrder(ctx, ledger.OrderRecord{
		MerchantReference: p.MerchantReference,
		AccountID:         p.AccountID,
		Amount:            p.Amount.Decimal(),
		Currency:          p.Currency,
		RegistrationID:    registrationID,
	}); err != nil {
		slog.Error("order_record_failed", "merchant_ref", p.MerchantReference, "error", err.Error())
		return gateway.SubmissionResult{}, perr.Persistence("failed to record order", err)
	}

	res, err := s.submitter.Send(ctx, p, token)
	if err != nil {
		slog.Error("order_submission_failed",
			"merchant_ref", p.MerchantReference,
			"registration_id", registrationID,
			"error", err.Error(),
		)
		return gateway.SubmissionResult{}, err
	}

	// The order is live at the gateway at this point; a failure here only
	// loses the tracking id cross-check, so it is logged and not returned.
	if err := s.store.AttachTracking(ctx, p.MerchantReference, res.TrackingID); err != nil {
		slog.Error("order_tracking_attach_failed",
			"merchant_ref", p.MerchantReference,
			"tracking_id", res.TrackingID,
			"error", err.Error(),
		)
	}

	slog.Info("order_submitted",
		"merchant_ref", p.MerchantReference,
		"tracking_id", res.TrackingID,
		"registration_id", registrationID,
		"amount", p.Amount.String(),
		"currency", p.Currency,
	)
	return res, nil
}

// StatusView is the latest known state of one order.
type StatusView struct {
	MerchantReference string               `json:"merchantReference"`
	TrackingID        string               `json:"trackingId,omitempty"`
	Status            ledger.PaymentStatus `json:"status"`
	StatusDescription string               `json:"statusDescription,omitempty"`
	PaymentMethod     string               `json:"paymentMethod,omitempty"`
	Notified          bool                 `json:"notified"`
	CreditApplied     bool                 `json:"creditApplied"`
	UpdatedAt         *time.Time           `json:"updatedAt,omitempty"`
}

// PaymentStatus reads the persisted notifications for merchantRef. Before
// the first delivery the order is reported as PENDING. Once a COMPLETED
// delivery or a credit exists the view stays COMPLETED, whatever arrives later.
func (s *Service) PaymentStatus(ctx context.Context, merchantRef string) (StatusView, error) {
	merchantRef = strings.TrimSpace(merchantRef)
	if merchantRef == "" {
		return StatusView{}, perr.Validation("merchant_reference is required")
	}
	view := StatusView{MerchantReference: merchantRef, Status: ledger.StatusPending}

	n, err := s.store.LatestNotification(ctx, merchantRef)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
	case err != nil:
		return StatusView{}, perr.Persistence("failed to read payment status", err)
	default:
		view.Notified = true
		view.TrackingID = n.TrackingID
		if n.Status != "" {
			view.Status = n.Status
		}
		view.StatusDescription = n.StatusDescription
		view.PaymentMethod = n.PaymentMethod
		at := n.ReceivedAt
		view.UpdatedAt = &at
	}

	applied, err := s.store.CreditApplied(ctx, merchantRef)
	if err != nil {
		return StatusView{}, perr.Persistence("failed to read credit state", err)
	}
	view.CreditApplied = applied
	if applied {
		view.Status = ledger.StatusCompleted
	}
	return view, nil
}
