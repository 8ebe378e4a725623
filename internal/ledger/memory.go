package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Memory is a Store held in process memory. It mirrors the Postgres
// constraints and exists for tests.
type Memory struct {
	mu            sync.Mutex
	orders        map[string]OrderRecord
	notifications []Notification
	credits       map[string]CreditResult
	balances      map[string]decimal.Decimal

	// FailNotifications makes RecordNotification return this error.
	FailNotifications error
	// FailCredits makes ApplyCredit return this error.
	FailCredits error
}

func NewMemory() *Memory {
	return &Memory{
		orders:   map[string]OrderRecord{},
		credits:  map[string]CreditResult{},
		balances: map[string]decimal.Decimal{},
	}
}

// OpenAccount creates an account with the given balance.
func (m *Memory) OpenAccount(accountID string, balance decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[accountID] = balance
}

func (m *Memory) Balance(_ context.Context, accountID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[accountID]
	if !ok {
		return decimal.Zero, ErrAccountNotFound
	}
	return b, nil
}

func (m *Memory) Order(merchantRef string) (OrderRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[merchantRef]
	return o, ok
}

func (m *Memory) Notifications() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.notifications...)
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) RecordOrder(_ context.Context, o OrderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.MerchantReference]; ok {
		return ErrDuplicateOrder
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	m.orders[o.MerchantReference] = o
	return nil
}

func (m *Memory) AttachTracking(_ context.Context, merchantRef, trackingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[merchantRef]
	if !ok {
		return ErrOrderNotFound
	}
	if o.TrackingID != "" && o.TrackingID != trackingID {
		return ErrTrackingMismatch
	}
	o.TrackingID = trackingID
	m.orders[merchantRef] = o
	return nil
}

func (m *Memory) RecordNotification(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNotifications != nil {
		return m.FailNotifications
	}
	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = time.Now()
	}
	m.notifications = append(m.notifications, n)
	return nil
}

func (m *Memory) ApplyCredit(_ context.Context, merchantRef, trackingID string) (CreditResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCredits != nil {
		return CreditResult{}, m.FailCredits
	}
	o, ok := m.orders[merchantRef]
	if !ok {
		return CreditResult{}, ErrOrderNotFound
	}
	if o.TrackingID != "" && o.TrackingID != trackingID {
		return CreditResult{}, ErrTrackingMismatch
	}
	if o.AccountID == "" {
		return CreditResult{}, ErrAccountNotFound
	}
	if prev, ok := m.credits[merchantRef]; ok {
		prev.Applied = false
		return prev, nil
	}
	bal, ok := m.balances[o.AccountID]
	if !ok {
		return CreditResult{}, ErrAccountNotFound
	}
	m.balances[o.AccountID] = bal.Add(o.Amount)
	res := CreditResult{Applied: true, AccountID: o.AccountID, Amount: o.Amount}
	m.credits[merchantRef] = res
	return res, nil
}

func (m *Memory) CreditApplied(_ context.Context, merchantRef string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.credits[merchantRef]
	return ok, nil
}

func (m *Memory) LatestNotification(_ context.Context, merchantRef string) (Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := -1
	for i := len(m.notifications) - 1; i >= 0; i-- {
		n := m.notifications[i]
		if n.MerchantReference != merchantRef {
			continue
		}
		if n.Status == StatusCompleted {
			return n, nil
		}
		if latest < 0 {
			latest = i
		}
	}
	if latest < 0 {
		return Notification{}, ErrNotFound
	}
	return m.notifications[latest], nil
}

func (m *Memory) UncreditedCompleted(_ context.Context, limit int) ([]PendingCredit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := map[string]bool{}
	var out []PendingCredit
	for i := len(m.notifications) - 1; i >= 0; i-- {
		n := m.notifications[i]
		if n.Status != StatusCompleted || n.TrackingID == "" || seen[n.MerchantReference] {
			continue
		}
		if _, done := m.credits[n.MerchantReference]; done {
			continue
		}
		o, ok := m.orders[n.MerchantReference]
		if !ok || (o.TrackingID != "" && o.TrackingID != n.TrackingID) {
			continue
		}
		seen[n.MerchantReference] = true
		out = append(out, PendingCredit{MerchantReference: n.MerchantReference, TrackingID: n.TrackingID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MerchantReference < out[j].MerchantReference })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
