package ledger

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schema string

// Open creates a pool for databaseURL and verifies it with a ping.
func Open(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Postgres is the production Store.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	slog.Info("ledger_schema_applied")
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) RecordOrder(ctx context.Context, o OrderRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO payment_orders (merchant_reference, account_id, amount, currency, registration_id)
		VALUES ($1, $2, $3::numeric, $4, $5)`,
		o.MerchantReference, o.AccountID, o.Amount.String(), o.Currency, o.RegistrationID,
	)
	if isPgDuplicateKeyError(err) {
		return ErrDuplicateOrder
	}
	return err
}

func (p *Postgres) AttachTracking(ctx context.Context, merchantRef, trackingID string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE payment_orders SET tracking_id = $2
		WHERE merchant_reference = $1 AND (tracking_id IS NULL OR tracking_id = $2)`,
		merchantRef, trackingID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := p.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM payment_orders WHERE merchant_reference = $1)`, merchantRef,
		).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrTrackingMismatch
		}
		return ErrOrderNotFound
	}
	return nil
}

func (p *Postgres) RecordNotification(ctx context.Context, n Notification) error {
	var amount *string
	if n.Amount.Valid {
		s := n.Amount.Decimal.String()
		amount = &s
	}
	// Raw is kept as bytes: a delivery need not be valid UTF-8.
	raw := n.Raw
	if raw == nil {
		raw = []byte{}
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO payment_notifications (
			tracking_id, merchant_reference, notification_type, payment_status,
			status_description, payment_method, payment_account, amount, raw_payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9)`,
		n.TrackingID, n.MerchantReference, n.NotificationType, string(n.Status),
		n.StatusDescription, n.PaymentMethod, n.PaymentAccount, amount, raw,
	)
	return err
}

// ApplyCredit inserts the credit marker and moves the balance in one
// transaction. The primary key on ledger_credits makes a concurrent duplicate
// wait for the first transaction and then insert nothing.
func (p *Postgres) ApplyCredit(ctx context.Context, merchantRef, trackingID string) (CreditResult, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return CreditResult{}, err
	}
	defer tx.Rollback(ctx)

	var (
		accountID  string
		amountText string
		orderTrack *string
	)
	err = tx.QueryRow(ctx, `
		SELECT account_id, amount::text, tracking_id
		FROM payment_orders WHERE merchant_reference = $1`, merchantRef,
	).Scan(&accountID, &amountText, &orderTrack)
	if errors.Is(err, pgx.ErrNoRows) {
		return CreditResult{}, ErrOrderNotFound
	}
	if err != nil {
		return CreditResult{}, err
	}
	if orderTrack != nil && *orderTrack != trackingID {
		return CreditResult{}, ErrTrackingMismatch
	}
	if accountID == "" {
		return CreditResult{}, ErrAccountNotFound
	}
	amount, err := decimal.NewFromString(amountText)
	if err != nil {
		return CreditResult{}, fmt.Errorf("order amount %q: %w", amountText, err)
	}
	res := CreditResult{AccountID: accountID, Amount: amount}

	tag, err := tx.Exec(ctx, `
		INSERT INTO ledger_credits (merchant_reference, tracking_id, account_id, amount)
		VALUES ($1, $2, $3, $4::numeric)
		ON CONFLICT (merchant_reference) DO NOTHING`,
		merchantRef, trackingID, accountID, amountText,
	)
	if err != nil {
		return CreditResult{}, err
	}
	if tag.RowsAffected() == 0 {
		return res, nil
	}

	tag, err = tx.Exec(ctx, `
		UPDATE user_profiles SET account_balance = account_balance + $2::numeric
		WHERE auth_id = $1`, accountID, amountText,
	)
	if err != nil {
		return CreditResult{}, err
	}
	if tag.RowsAffected() == 0 {
		return CreditResult{}, ErrAccountNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return CreditResult{}, err
	}
	res.Applied = true
	return res, nil
}

func (p *Postgres) CreditApplied(ctx context.Context, merchantRef string) (bool, error) {
	var ok bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_credits WHERE merchant_reference = $1)`, merchantRef,
	).Scan(&ok)
	return ok, err
}

func (p *Postgres) LatestNotification(ctx context.Context, merchantRef string) (Notification, error) {
	var (
		n      Notification
		status string
		amount *string
		raw    []byte
	)
	err := p.pool.QueryRow(ctx, `
		SELECT tracking_id, merchant_reference, notification_type, payment_status,
		       status_description, payment_method, payment_account, amount::text,
		       raw_payload, received_at
		FROM payment_notifications
		WHERE merchant_reference = $1
		ORDER BY (payment_status = 'COMPLETED') DESC, received_at DESC, id DESC
		LIMIT 1`, merchantRef,
	).Scan(&n.TrackingID, &n.MerchantReference, &n.NotificationType, &status,
		&n.StatusDescription, &n.PaymentMethod, &n.PaymentAccount, &amount,
		&raw, &n.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Notification{}, ErrNotFound
	}
	if err != nil {
		return Notification{}, err
	}
	n.Status = PaymentStatus(status)
	n.Raw = raw
	if amount != nil {
		d, err := decimal.NewFromString(*amount)
		if err != nil {
			return Notification{}, fmt.Errorf("notification amount %q: %w", *amount, err)
		}
		n.Amount = decimal.NewNullDecimal(d)
	}
	return n, nil
}

func (p *Postgres) UncreditedCompleted(ctx context.Context, limit int) ([]PendingCredit, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT DISTINCT ON (n.merchant_reference) n.merchant_reference, n.tracking_id
		FROM payment_notifications n
		JOIN payment_orders o ON o.merchant_reference = n.merchant_reference
		LEFT JOIN ledger_credits c ON c.merchant_reference = n.merchant_reference
		WHERE n.payment_status = 'COMPLETED'
		  AND n.tracking_id <> ''
		  AND c.merchant_reference IS NULL
		  AND (o.tracking_id IS NULL OR o.tracking_id = n.tracking_id)
		ORDER BY n.merchant_reference, n.received_at DESC
		LIMIT $1`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingCredit
	for rows.Next() {
		var pc PendingCredit
		if err := rows.Scan(&pc.MerchantReference, &pc.TrackingID); err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}

// Balance reads an account balance. Used by operators and tests.
func (p *Postgres) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var s string
	err := p.pool.QueryRow(ctx,
		`SELECT account_balance::text FROM user_profiles WHERE auth_id = $1`, accountID,
	).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(s)
}

// isPgDuplicateKeyError checks if error is a PostgreSQL unique violation.
func isPgDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
