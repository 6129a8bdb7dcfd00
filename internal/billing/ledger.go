// Package billing tracks tenant subscriptions and bot slot entitlements.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatfunnel/internal/metrics"
	"chatfunnel/internal/repo"
)

// expiryWarningWindow is how far ahead of expiry a subscription counts as
// expiring soon.
const expiryWarningWindow = 7 * 24 * time.Hour

// planSlots maps each plan to its included bot slots.
var planSlots = map[repo.PlanName]int{
	repo.PlanNone:       0,
	repo.PlanStandard:   1,
	repo.PlanBusiness:   2,
	repo.PlanEnterprise: 4,
}

// planRank orders plans for upgrade comparisons.
var planRank = map[repo.PlanName]int{
	repo.PlanNone:       0,
	repo.PlanStandard:   1,
	repo.PlanBusiness:   2,
	repo.PlanEnterprise: 3,
}

// BaseSlots returns the slot count included in a plan.
func BaseSlots(plan repo.PlanName) int {
	return planSlots[plan]
}

// PlanLevel returns the ordering rank of a plan; higher means bigger.
func PlanLevel(plan repo.PlanName) int {
	return planRank[plan]
}

// Store is the persistence slice the ledger needs.
type Store interface {
	CreateSubscription(ctx context.Context, tenantID string, plan repo.PlanName, paymentID string, start, expiresAt time.Time) (*repo.Subscription, error)
	GetActiveSubscription(ctx context.Context, tenantID string) (*repo.Subscription, error)
	ExpireSubscriptionIfDue(ctx context.Context, subscriptionID string) (bool, error)
	ExpireOutdatedSubscriptions(ctx context.Context) (int64, error)
	UpgradeSubscription(ctx context.Context, tenantID string, plan repo.PlanName, paymentID string, start, expiresAt time.Time) (*repo.Subscription, error)
	RenewSubscription(ctx context.Context, tenantID, paymentID string, start, expiresAt time.Time, keepSlots bool) (*repo.Subscription, error)
	CancelSubscription(ctx context.Context, tenantID string) (*repo.Subscription, error)
	AddExtraSlots(ctx context.Context, tenantID string, count int, paymentID string) (*repo.Subscription, error)
	RemoveExtraSlotsByPayment(ctx context.Context, tenantID, paymentID string) (*repo.Subscription, error)
}

// Ledger answers entitlement questions and drives the subscription lifecycle.
type Ledger struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewLedger(store Store, logger *slog.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{
		store:   store,
		logger:  logger.With(slog.String("component", "billing")),
		metrics: m,
		now:     time.Now,
	}
}

// active loads the tenant's active subscription and lazily expires it when
// overdue. Reads always see correct validity even between sweep runs.
func (l *Ledger) active(ctx context.Context, tenantID string) (*repo.Subscription, error) {
	sub, err := l.store.GetActiveSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if sub.ExpiresAt.After(l.now()) {
		return sub, nil
	}

	expired, err := l.store.ExpireSubscriptionIfDue(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	if expired {
		l.logger.Info("subscription lazily expired",
			slog.String("tenant", tenantID), slog.String("subscription", sub.ID))
	}
	return nil, fmt.Errorf("active subscription for %s: %w", tenantID, repo.ErrNotFound)
}

// IsSubscriptionValid reports whether the tenant currently holds an unexpired
// active subscription.
func (l *Ledger) IsSubscriptionValid(ctx context.Context, tenantID string) (bool, error) {
	_, err := l.active(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// AllowAutomation gates calling execution on subscription validity.
func (l *Ledger) AllowAutomation(ctx context.Context, tenantID string) (bool, error) {
	return l.IsSubscriptionValid(ctx, tenantID)
}

// GetTotalSlots returns plan slots plus unexpired purchased extras. A tenant
// without a valid subscription has zero slots.
func (l *Ledger) GetTotalSlots(ctx context.Context, tenantID string) (int, error) {
	sub, err := l.active(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}

	total := BaseSlots(sub.PlanName)
	if sub.SlotsExpireAt.After(l.now()) {
		for _, slot := range sub.ExtraSlots {
			total += slot.Count
		}
	}
	return total, nil
}

// HasAvailableSlots reports whether the tenant can run one more bot on top of
// usedSlots.
func (l *Ledger) HasAvailableSlots(ctx context.Context, tenantID string, usedSlots int) (bool, error) {
	total, err := l.GetTotalSlots(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return usedSlots < total, nil
}

// IsExpiringSoon reports whether the active subscription ends within the
// warning window.
func (l *Ledger) IsExpiringSoon(ctx context.Context, tenantID string) (bool, error) {
	sub, err := l.active(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return sub.ExpiresAt.Before(l.now().Add(expiryWarningWindow)), nil
}

// Subscribe opens a subscription for a tenant that has none. A tenant with a
// live subscription must upgrade or renew instead.
func (l *Ledger) Subscribe(ctx context.Context, tenantID string, plan repo.PlanName, paymentID string, duration time.Duration) (*repo.Subscription, error) {
	if BaseSlots(plan) == 0 {
		return nil, fmt.Errorf("plan %q cannot be subscribed to", plan)
	}
	if _, err := l.active(ctx, tenantID); err == nil {
		return nil, fmt.Errorf("tenant %s already subscribed: %w", tenantID, repo.ErrConflict)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	start := l.now()
	return l.store.CreateSubscription(ctx, tenantID, plan, paymentID, start, start.Add(duration))
}

// Upgrade moves the active subscription to a bigger plan and restarts its
// period.
func (l *Ledger) Upgrade(ctx context.Context, tenantID string, plan repo.PlanName, paymentID string, duration time.Duration) (*repo.Subscription, error) {
	sub, err := l.active(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if PlanLevel(plan) <= PlanLevel(sub.PlanName) {
		return nil, fmt.Errorf("plan %q is not an upgrade from %q", plan, sub.PlanName)
	}

	start := l.now()
	return l.store.UpgradeSubscription(ctx, tenantID, plan, paymentID, start, start.Add(duration))
}

// Renew extends the active subscription on the same plan. With keepSlots the
// purchased extra slots follow the new period; without it they are dropped.
func (l *Ledger) Renew(ctx context.Context, tenantID, paymentID string, duration time.Duration, keepSlots bool) (*repo.Subscription, error) {
	if _, err := l.active(ctx, tenantID); err != nil {
		return nil, err
	}
	start := l.now()
	return l.store.RenewSubscription(ctx, tenantID, paymentID, start, start.Add(duration), keepSlots)
}

// Cancel ends the active subscription immediately.
func (l *Ledger) Cancel(ctx context.Context, tenantID string) (*repo.Subscription, error) {
	return l.store.CancelSubscription(ctx, tenantID)
}

// BuySlots adds purchased slots to the active subscription. Their lifetime is
// tied to the current period.
func (l *Ledger) BuySlots(ctx context.Context, tenantID string, count int, paymentID string) (*repo.Subscription, error) {
	if count <= 0 {
		return nil, fmt.Errorf("slot count must be positive")
	}
	if _, err := l.active(ctx, tenantID); err != nil {
		return nil, err
	}
	return l.store.AddExtraSlots(ctx, tenantID, count, paymentID)
}

// HandlePaymentRefunded revokes slot purchases made with the refunded payment.
func (l *Ledger) HandlePaymentRefunded(ctx context.Context, tenantID, paymentID string) error {
	_, err := l.store.RemoveExtraSlotsByPayment(ctx, tenantID, paymentID)
	if errors.Is(err, repo.ErrNotFound) {
		// No active subscription: nothing to revoke.
		return nil
	}
	return err
}

// SweepExpired bulk-expires overdue subscriptions. Run periodically; the lazy
// check in active covers the gap between runs.
func (l *Ledger) SweepExpired(ctx context.Context) (int64, error) {
	n, err := l.store.ExpireOutdatedSubscriptions(ctx)
	if err != nil {
		l.metrics.Errors.WithLabelValues("billing").Inc()
		return 0, err
	}
	if n > 0 {
		l.logger.Info("expired overdue subscriptions", slog.Int64("count", n))
	}
	return n, nil
}
