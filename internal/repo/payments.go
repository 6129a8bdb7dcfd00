package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const paymentColumns = `id, tenant_id, bot_id, counterpart, transaction_id, amount_minor, gateway, status, status_updated_at, last_webhook_at, last_polling_at, created_at, updated_at`

// UpsertPaymentSession registers a payment intent. The session is keyed by
// (tenant, bot, counterpart); re-registering refreshes amount, gateway and
// transaction id but never touches an already-set status.
func (r *Repository) UpsertPaymentSession(ctx context.Context, session PaymentSession) (*PaymentSession, error) {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}

	const q = `
INSERT INTO payment_sessions (id, tenant_id, bot_id, counterpart, transaction_id, amount_minor, gateway, status, status_updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', NOW())
ON CONFLICT (tenant_id, bot_id, counterpart) DO UPDATE SET
    transaction_id = EXCLUDED.transaction_id,
    amount_minor = EXCLUDED.amount_minor,
    gateway = EXCLUDED.gateway,
    updated_at = NOW()
RETURNING ` + paymentColumns + `;`

	row := r.pool.QueryRow(ctx, q,
		session.ID,
		session.TenantID,
		session.BotID,
		session.Counterpart,
		session.TransactionID,
		session.AmountMinor,
		session.Gateway,
	)
	return scanPayment(row)
}

// GetPaymentSession loads a session by its key.
func (r *Repository) GetPaymentSession(ctx context.Context, tenantID, botID, counterpart string) (*PaymentSession, error) {
	const q = `
SELECT ` + paymentColumns + `
FROM payment_sessions
WHERE tenant_id = $1 AND bot_id = $2 AND counterpart = $3
LIMIT 1;`

	session, err := scanPayment(r.pool.QueryRow(ctx, q, tenantID, botID, counterpart))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("payment session %s/%s/%s: %w", tenantID, botID, counterpart, ErrNotFound)
		}
		return nil, err
	}
	return session, nil
}

// TouchPaymentSource records when an update arrived from a source, applied
// regardless of whether the status transition itself lands.
func (r *Repository) TouchPaymentSource(ctx context.Context, tenantID, botID, counterpart string, source PaymentSource, at time.Time) error {
	column := "last_webhook_at"
	if source == SourcePolling {
		column = "last_polling_at"
	}

	q := fmt.Sprintf(`
UPDATE payment_sessions
SET %s = $4, updated_at = NOW()
WHERE tenant_id = $1 AND bot_id = $2 AND counterpart = $3;`, column)

	ct, err := r.pool.Exec(ctx, q, tenantID, botID, counterpart, at)
	if err != nil {
		return fmt.Errorf("touch payment source: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("payment session %s/%s/%s: %w", tenantID, botID, counterpart, ErrNotFound)
	}
	return nil
}

// ApplyPaymentStatus moves a session out of pending. The filter makes the
// write conditional: a session already in a terminal status is never
// overwritten. Returns whether the transition landed and the status the row
// holds afterwards.
func (r *Repository) ApplyPaymentStatus(ctx context.Context, tenantID, botID, counterpart string, next PaymentStatus) (bool, PaymentStatus, error) {
	const q = `
UPDATE payment_sessions
SET status = $4, status_updated_at = NOW(), updated_at = NOW()
WHERE tenant_id = $1 AND bot_id = $2 AND counterpart = $3 AND status = 'pending';`

	ct, err := r.pool.Exec(ctx, q, tenantID, botID, counterpart, string(next))
	if err != nil {
		return false, "", fmt.Errorf("apply payment status: %w", err)
	}
	if ct.RowsAffected() == 1 {
		return true, next, nil
	}

	session, err := r.GetPaymentSession(ctx, tenantID, botID, counterpart)
	if err != nil {
		return false, "", err
	}
	return false, session.Status, nil
}

// ListPendingPayments returns sessions still awaiting reconciliation, oldest
// first, for the polling job.
func (r *Repository) ListPendingPayments(ctx context.Context, limit int) ([]PaymentSession, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT ` + paymentColumns + `
FROM payment_sessions
WHERE status = 'pending'
ORDER BY created_at ASC
LIMIT $1;`

	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending payments: %w", err)
	}
	defer rows.Close()

	var sessions []PaymentSession
	for rows.Next() {
		session, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending payments: %w", err)
	}
	return sessions, nil
}

// InsertRefund records a reimbursement issued against a payment.
func (r *Repository) InsertRefund(ctx context.Context, refund Refund) (*Refund, error) {
	if refund.ID == "" {
		refund.ID = uuid.NewString()
	}
	if refund.Status == "" {
		refund.Status = "pending"
	}

	const q = `
INSERT INTO refunds (id, tenant_id, payment_id, transaction_id, amount_minor, reason, gateway, status, refunded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
RETURNING refunded_at, created_at;`

	err := r.pool.QueryRow(ctx, q,
		refund.ID,
		refund.TenantID,
		refund.PaymentID,
		refund.TransactionID,
		refund.AmountMinor,
		refund.Reason,
		refund.Gateway,
		refund.Status,
	).Scan(&refund.RefundedAt, &refund.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert refund: %w", err)
	}
	return &refund, nil
}

// ListRefundsByTenant returns a tenant's refunds, newest first.
func (r *Repository) ListRefundsByTenant(ctx context.Context, tenantID string) ([]Refund, error) {
	const q = `
SELECT id, tenant_id, payment_id, transaction_id, amount_minor, reason, gateway, status, refunded_at, created_at
FROM refunds
WHERE tenant_id = $1
ORDER BY created_at DESC;`

	rows, err := r.pool.Query(ctx, q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list refunds: %w", err)
	}
	defer rows.Close()

	var refunds []Refund
	for rows.Next() {
		var ref Refund
		if err := rows.Scan(&ref.ID, &ref.TenantID, &ref.PaymentID, &ref.TransactionID, &ref.AmountMinor, &ref.Reason, &ref.Gateway, &ref.Status, &ref.RefundedAt, &ref.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan refund: %w", err)
		}
		refunds = append(refunds, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refunds: %w", err)
	}
	return refunds, nil
}

func scanPayment(row pgx.Row) (*PaymentSession, error) {
	var p PaymentSession
	var status string
	err := row.Scan(
		&p.ID,
		&p.TenantID,
		&p.BotID,
		&p.Counterpart,
		&p.TransactionID,
		&p.AmountMinor,
		&p.Gateway,
		&status,
		&p.StatusUpdatedAt,
		&p.LastWebhookAt,
		&p.LastPollingAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan payment session: %w", err)
	}
	p.Status = PaymentStatus(status)
	return &p, nil
}
