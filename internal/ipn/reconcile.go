package ipn

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/loan-payments-gateway/internal/ledger"
	m "github.com/example/loan-payments-gateway/pkg/metrics"
)

// Reconciler periodically credits COMPLETED deliveries that have no ledger
// credit. It is the durable path behind the inline credit and the Kafka
// retries: the gateway got its 200 long ago and will not redeliver.
type Reconciler struct {
	Store    ledger.Store
	Interval time.Duration
	Batch    int
}

func NewReconciler(store ledger.Store, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{Store: store, Interval: interval, Batch: 100}
}

// SweepResult counts credit outcomes for one sweep.
type SweepResult struct {
	Scanned  int
	Applied  int
	Deferred int
}

// Sweep makes one pass over uncredited completions.
func (r *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	pending, err := r.Store.UncreditedCompleted(ctx, r.Batch)
	if err != nil {
		return SweepResult{}, err
	}

	res := SweepResult{Scanned: len(pending)}
	for _, pc := range pending {
		if ctx.Err() != nil {
			break
		}
		outcome := Credit(ctx, r.Store, pc.MerchantReference, pc.TrackingID)
		m.IncCredit(string(outcome))
		switch outcome {
		case CreditApplied:
			res.Applied++
		case CreditDeferred:
			res.Deferred++
		}
	}
	if res.Scanned > 0 {
		slog.Info("ledger_sweep",
			"scanned", res.Scanned,
			"applied", res.Applied,
			"deferred", res.Deferred,
		)
	}
	return res, nil
}

// Run sweeps every Interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	t := time.NewTicker(r.Interval)
	defer t.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			slog.Error("ledger_sweep_failed", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
