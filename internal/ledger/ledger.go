// Package ledger is the external store of payment orders, payment
// notifications and account balances. Correctness under concurrent and
// duplicate deliveries rests on constraints enforced here, not on in-process
// locking in callers.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound         = errors.New("ledger: not found")
	ErrDuplicateOrder   = errors.New("ledger: merchant reference already recorded")
	ErrOrderNotFound    = errors.New("ledger: no order for merchant reference")
	ErrAccountNotFound  = errors.New("ledger: no account to credit")
	ErrTrackingMismatch = errors.New("ledger: tracking id does not match order")
)

// PaymentStatus is the gateway's payment status for an order.
type PaymentStatus string

const (
	StatusPending   PaymentStatus = "PENDING"
	StatusCompleted PaymentStatus = "COMPLETED"
	StatusFailed    PaymentStatus = "FAILED"
	StatusInvalid   PaymentStatus = "INVALID"
)

// NormalizeStatus upper-cases s. Values outside the known set are kept as-is
// so the stored record reflects what the gateway sent.
func NormalizeStatus(s string) PaymentStatus {
	return PaymentStatus(strings.ToUpper(strings.TrimSpace(s)))
}

func (s PaymentStatus) Known() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusInvalid:
		return true
	}
	return false
}

// OrderRecord is written once when an order is about to be submitted.
type OrderRecord struct {
	MerchantReference string
	AccountID         string
	Amount            decimal.Decimal
	Currency          string
	RegistrationID    string
	TrackingID        string
	CreatedAt         time.Time
}

// Notification is one IPN delivery. Records are append-only.
type Notification struct {
	TrackingID        string
	MerchantReference string
	NotificationType  string
	Status            PaymentStatus
	StatusDescription string
	PaymentMethod     string
	PaymentAccount    string
	Amount            decimal.NullDecimal
	Raw               []byte
	ReceivedAt        time.Time
}

// CreditResult reports what ApplyCredit did. Applied is false when the
// credit for the merchant reference already existed.
type CreditResult struct {
	Applied   bool
	AccountID string
	Amount    decimal.Decimal
}

type Store interface {
	// RecordOrder fails with ErrDuplicateOrder when the merchant reference exists.
	RecordOrder(ctx context.Context, o OrderRecord) error
	AttachTracking(ctx context.Context, merchantRef, trackingID string) error
	RecordNotification(ctx context.Context, n Notification) error
	// ApplyCredit credits the order's account with the order amount at most
	// once per merchant reference.
	ApplyCredit(ctx context.Context, merchantRef, trackingID string) (CreditResult, error)
	CreditApplied(ctx context.Context, merchantRef string) (bool, error)
	// LatestNotification returns the newest COMPLETED delivery for
	// merchantRef, or the newest delivery when none completed. A late
	// PENDING never hides a completion.
	LatestNotification(ctx context.Context, merchantRef string) (Notification, error)
	// UncreditedCompleted lists up to limit orders that have a COMPLETED
	// delivery with a matching tracking id but no credit yet.
	UncreditedCompleted(ctx context.Context, limit int) ([]PendingCredit, error)
	Ping(ctx context.Context) error
}

// PendingCredit names one order the reconciler should try to credit.
type PendingCredit struct {
	MerchantReference string
	TrackingID        string
}
