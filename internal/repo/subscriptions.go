package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const subscriptionColumns = `id, tenant_id, plan_name, status, start_date, expires_at, payment_id, slots_expire_at, extra_slots, created_at, updated_at`

// CreateSubscription opens a new active subscription for a tenant.
func (r *Repository) CreateSubscription(ctx context.Context, tenantID string, plan PlanName, paymentID string, start, expiresAt time.Time) (*Subscription, error) {
	const q = `
INSERT INTO subscriptions (id, tenant_id, plan_name, status, start_date, expires_at, payment_id, slots_expire_at, extra_slots)
VALUES ($1, $2, $3, 'active', $4, $5, $6, $5, '[]'::jsonb)
RETURNING ` + subscriptionColumns + `;`

	row := r.pool.QueryRow(ctx, q, uuid.NewString(), tenantID, string(plan), start, expiresAt, paymentID)
	return scanSubscription(row)
}

// GetActiveSubscription returns the tenant's most recent active subscription.
func (r *Repository) GetActiveSubscription(ctx context.Context, tenantID string) (*Subscription, error) {
	const q = `
SELECT ` + subscriptionColumns + `
FROM subscriptions
WHERE tenant_id = $1 AND status = 'active'
ORDER BY created_at DESC
LIMIT 1;`

	sub, err := scanSubscription(r.pool.QueryRow(ctx, q, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("active subscription for %s: %w", tenantID, ErrNotFound)
		}
		return nil, err
	}
	return sub, nil
}

// ExpireSubscriptionIfDue flips a subscription to expired only when its
// expiry has passed. Shared by the lazy read path and the periodic sweep.
func (r *Repository) ExpireSubscriptionIfDue(ctx context.Context, subscriptionID string) (bool, error) {
	const q = `
UPDATE subscriptions
SET status = 'expired', updated_at = NOW()
WHERE id = $1 AND status = 'active' AND expires_at < NOW();`

	ct, err := r.pool.Exec(ctx, q, subscriptionID)
	if err != nil {
		return false, fmt.Errorf("expire subscription: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// ExpireOutdatedSubscriptions bulk-expires every overdue active subscription.
func (r *Repository) ExpireOutdatedSubscriptions(ctx context.Context) (int64, error) {
	const q = `
UPDATE subscriptions
SET status = 'expired', updated_at = NOW()
WHERE status = 'active' AND expires_at < NOW();`

	ct, err := r.pool.Exec(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("expire outdated subscriptions: %w", err)
	}
	return ct.RowsAffected(), nil
}

// UpgradeSubscription switches the plan of the active subscription and
// restarts its period.
func (r *Repository) UpgradeSubscription(ctx context.Context, tenantID string, plan PlanName, paymentID string, start, expiresAt time.Time) (*Subscription, error) {
	const q = `
UPDATE subscriptions
SET plan_name = $2, payment_id = $3, start_date = $4, expires_at = $5, slots_expire_at = $5, updated_at = NOW()
WHERE tenant_id = $1 AND status = 'active'
RETURNING ` + subscriptionColumns + `;`

	sub, err := scanSubscription(r.pool.QueryRow(ctx, q, tenantID, string(plan), paymentID, start, expiresAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("active subscription for %s: %w", tenantID, ErrNotFound)
		}
		return nil, err
	}
	return sub, nil
}

// RenewSubscription extends the active subscription. With keepSlots the slot
// expiry follows the new period; without it the purchased slots are dropped.
func (r *Repository) RenewSubscription(ctx context.Context, tenantID, paymentID string, start, expiresAt time.Time, keepSlots bool) (*Subscription, error) {
	var q string
	if keepSlots {
		q = `
UPDATE subscriptions
SET payment_id = $2, start_date = $3, expires_at = $4, slots_expire_at = $4, updated_at = NOW()
WHERE tenant_id = $1 AND status = 'active'
RETURNING ` + subscriptionColumns + `;`
	} else {
		q = `
UPDATE subscriptions
SET payment_id = $2, start_date = $3, expires_at = $4, extra_slots = '[]'::jsonb, updated_at = NOW()
WHERE tenant_id = $1 AND status = 'active'
RETURNING ` + subscriptionColumns + `;`
	}

	sub, err := scanSubscription(r.pool.QueryRow(ctx, q, tenantID, paymentID, start, expiresAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("active subscription for %s: %w", tenantID, ErrNotFound)
		}
		return nil, err
	}
	return sub, nil
}

// CancelSubscription marks the active subscription cancelled.
func (r *Repository) CancelSubscription(ctx context.Context, tenantID string) (*Subscription, error) {
	const q = `
UPDATE subscriptions
SET status = 'cancelled', updated_at = NOW()
WHERE tenant_id = $1 AND status = 'active'
RETURNING ` + subscriptionColumns + `;`

	sub, err := scanSubscription(r.pool.QueryRow(ctx, q, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("active subscription for %s: %w", tenantID, ErrNotFound)
		}
		return nil, err
	}
	return sub, nil
}

// AddExtraSlots appends a slot top-up entry; slot expiry is aligned to the
// subscription period.
func (r *Repository) AddExtraSlots(ctx context.Context, tenantID string, count int, paymentID string) (*Subscription, error) {
	const q = `
UPDATE subscriptions
SET extra_slots = extra_slots || jsonb_build_array(jsonb_build_object('count', $2::int, 'payment_id', $3::text)),
    slots_expire_at = expires_at,
    updated_at = NOW()
WHERE tenant_id = $1 AND status = 'active'
RETURNING ` + subscriptionColumns + `;`

	sub, err := scanSubscription(r.pool.QueryRow(ctx, q, tenantID, count, paymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("active subscription for %s: %w", tenantID, ErrNotFound)
		}
		return nil, err
	}
	return sub, nil
}

// RemoveExtraSlotsByPayment drops every slot entry purchased with paymentID.
func (r *Repository) RemoveExtraSlotsByPayment(ctx context.Context, tenantID, paymentID string) (*Subscription, error) {
	const q = `
UPDATE subscriptions
SET extra_slots = COALESCE(
        (SELECT jsonb_agg(slot)
         FROM jsonb_array_elements(extra_slots) AS slot
         WHERE slot->>'payment_id' <> $2),
        '[]'::jsonb),
    updated_at = NOW()
WHERE tenant_id = $1 AND status = 'active'
RETURNING ` + subscriptionColumns + `;`

	sub, err := scanSubscription(r.pool.QueryRow(ctx, q, tenantID, paymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("active subscription for %s: %w", tenantID, ErrNotFound)
		}
		return nil, err
	}
	return sub, nil
}

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var s Subscription
	var plan string
	var slotsJSON []byte
	err := row.Scan(
		&s.ID,
		&s.TenantID,
		&plan,
		&s.Status,
		&s.StartDate,
		&s.ExpiresAt,
		&s.PaymentID,
		&s.SlotsExpireAt,
		&slotsJSON,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	s.PlanName = PlanName(plan)
	if len(slotsJSON) > 0 {
		if err := jsonUnmarshal(slotsJSON, &s.ExtraSlots); err != nil {
			return nil, fmt.Errorf("decode extra slots: %w", err)
		}
	}
	return &s, nil
}
