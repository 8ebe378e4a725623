package ipn

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/loan-payments-gateway/internal/ledger"
	"github.com/example/loan-payments-gateway/internal/queue"
	m "github.com/example/loan-payments-gateway/pkg/metrics"
)

// errStillDeferred makes the consumer retry the event.
var errStillDeferred = errors.New("ledger credit still deferred")

// DeferredCredits returns the ledger worker's event handler. It retries the
// credit for COMPLETED deliveries the receiver could not credit inline. Every
// other event is acknowledged untouched.
func DeferredCredits(store ledger.Store) queue.Handler {
	return func(ctx context.Context, ev queue.NotificationRecorded) error {
		if !ev.CreditPending || ledger.NormalizeStatus(ev.Status) != ledger.StatusCompleted {
			return nil
		}
		if ev.MerchantReference == "" || ev.TrackingID == "" {
			slog.Warn("deferred_credit_missing_ids", "merchant_ref", ev.MerchantReference, "tracking_id", ev.TrackingID)
			return nil
		}

		outcome := Credit(ctx, store, ev.MerchantReference, ev.TrackingID)
		m.IncCredit(string(outcome))
		if outcome == CreditDeferred {
			return errStillDeferred
		}
		slog.Info("deferred_credit_resolved",
			"merchant_ref", ev.MerchantReference,
			"tracking_id", ev.TrackingID,
			"credit", string(outcome),
		)
		return nil
	}
}
