// Package payments reconciles payment status updates arriving concurrently
// from gateway webhooks and the polling job. The first terminal status wins;
// everything after it is either an idempotent duplicate or a logged anomaly.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatfunnel/internal/calling"
	"chatfunnel/internal/metrics"
	"chatfunnel/internal/repo"
)

// Update is one status report for a payment session, from either source.
type Update struct {
	TenantID      string
	BotID         string
	Counterpart   string
	TransactionID string
	AmountMinor   int64
	Recipient     string
	Gateway       string
	Status        repo.PaymentStatus
	Source        repo.PaymentSource
}

// ApplyOutcome classifies what happened to one update.
type ApplyOutcome string

const (
	// OutcomeApplied means this update won the race and moved the session.
	OutcomeApplied ApplyOutcome = "applied"
	// OutcomeIdempotent means the session already held this exact status.
	OutcomeIdempotent ApplyOutcome = "idempotent"
	// OutcomeConflict means the session reached a different terminal status
	// first. The update is dropped and the anomaly logged.
	OutcomeConflict ApplyOutcome = "conflict"
)

// ApplyResult reports the decision and the status the session holds now.
type ApplyResult struct {
	Outcome ApplyOutcome
	Status  repo.PaymentStatus
}

// Store is the persistence slice the reconciler needs.
type Store interface {
	UpsertPaymentSession(ctx context.Context, session repo.PaymentSession) (*repo.PaymentSession, error)
	GetPaymentSession(ctx context.Context, tenantID, botID, counterpart string) (*repo.PaymentSession, error)
	TouchPaymentSource(ctx context.Context, tenantID, botID, counterpart string, source repo.PaymentSource, at time.Time) error
	ApplyPaymentStatus(ctx context.Context, tenantID, botID, counterpart string, next repo.PaymentStatus) (bool, repo.PaymentStatus, error)
	ListPendingPayments(ctx context.Context, limit int) ([]repo.PaymentSession, error)
	InsertRefund(ctx context.Context, refund repo.Refund) (*repo.Refund, error)
}

// Automations runs the payment_made calling for a reconciliation outcome.
type Automations interface {
	TriggerPaymentOutcome(ctx context.Context, tenantID, botID, counterpart string, outcome calling.PaymentOutcome) error
	PaymentValidationFor(ctx context.Context, tenantID, botID string) (calling.PaymentValidation, bool, error)
}

// SlotLedger is notified when a payment is refunded so slot purchases made
// with it can be revoked. Nil disables the hook.
type SlotLedger interface {
	HandlePaymentRefunded(ctx context.Context, tenantID, paymentID string) error
}

// Reconciler applies payment updates with terminal-status stickiness.
type Reconciler struct {
	store       Store
	automations Automations
	ledger      SlotLedger
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

func NewReconciler(store Store, automations Automations, ledger SlotLedger, logger *slog.Logger, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		store:       store,
		automations: automations,
		ledger:      ledger,
		logger:      logger.With(slog.String("component", "payments")),
		metrics:     m,
	}
}

// RegisterIntent opens (or refreshes) the pending session an update will later
// resolve.
func (r *Reconciler) RegisterIntent(ctx context.Context, session repo.PaymentSession) (*repo.PaymentSession, error) {
	return r.store.UpsertPaymentSession(ctx, session)
}

// Apply processes one status update. The source timestamp is always recorded,
// even when the status transition loses the race; that trail is what makes
// webhook/polling disagreements diagnosable.
func (r *Reconciler) Apply(ctx context.Context, u Update) (ApplyResult, error) {
	started := time.Now()
	defer func() {
		r.metrics.PaymentLatency.WithLabelValues(string(u.Source)).Observe(time.Since(started).Seconds())
	}()

	if !u.Status.Terminal() {
		return ApplyResult{}, fmt.Errorf("payment update status %q is not terminal", u.Status)
	}

	if err := r.touch(ctx, u); err != nil {
		return ApplyResult{}, err
	}

	applied, current, err := r.store.ApplyPaymentStatus(ctx, u.TenantID, u.BotID, u.Counterpart, u.Status)
	if err != nil {
		return ApplyResult{}, err
	}

	res := ApplyResult{Status: current}
	switch {
	case applied:
		res.Outcome = OutcomeApplied
	case current == u.Status:
		res.Outcome = OutcomeIdempotent
	default:
		res.Outcome = OutcomeConflict
		r.logger.Warn("payment update lost race to different terminal status",
			slog.String("counterpart", u.Counterpart),
			slog.String("source", string(u.Source)),
			slog.String("reported", string(u.Status)),
			slog.String("settled", string(current)))
	}
	r.metrics.PaymentUpdates.WithLabelValues(string(u.Source), string(res.Outcome)).Inc()

	if applied {
		r.react(ctx, u)
	}
	return res, nil
}

// touch records the source timestamp, creating the session on the fly when an
// update arrives before the intent was registered.
func (r *Reconciler) touch(ctx context.Context, u Update) error {
	err := r.store.TouchPaymentSource(ctx, u.TenantID, u.BotID, u.Counterpart, u.Source, time.Now())
	if err == nil {
		return nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return err
	}

	if _, err := r.store.UpsertPaymentSession(ctx, repo.PaymentSession{
		TenantID:      u.TenantID,
		BotID:         u.BotID,
		Counterpart:   u.Counterpart,
		TransactionID: u.TransactionID,
		AmountMinor:   u.AmountMinor,
		Gateway:       u.Gateway,
	}); err != nil {
		return fmt.Errorf("register session for early update: %w", err)
	}
	return r.store.TouchPaymentSource(ctx, u.TenantID, u.BotID, u.Counterpart, u.Source, time.Now())
}

// react runs side effects of a transition that landed.
func (r *Reconciler) react(ctx context.Context, u Update) {
	switch u.Status {
	case repo.PaymentPaid:
		r.reactPaid(ctx, u)
	case repo.PaymentRefunded:
		r.reactRefunded(ctx, u)
	}
}

func (r *Reconciler) reactPaid(ctx context.Context, u Update) {
	if r.automations == nil {
		return
	}
	validation, configured, err := r.automations.PaymentValidationFor(ctx, u.TenantID, u.BotID)
	if err != nil {
		r.logger.Error("load payment validation failed", "error", err)
		r.metrics.Errors.WithLabelValues("payments").Inc()
		return
	}
	if !configured {
		return
	}
	outcome := Classify(validation, u.AmountMinor, u.Recipient)
	if outcome != calling.OutcomeSuccess {
		r.logger.Info("payment validation mismatch",
			slog.String("counterpart", u.Counterpart),
			slog.String("outcome", string(outcome)),
			slog.String("paid", FormatAmount(u.AmountMinor)),
			slog.String("expected", FormatAmount(validation.ExpectedAmount)))
	}
	if err := r.automations.TriggerPaymentOutcome(ctx, u.TenantID, u.BotID, u.Counterpart, outcome); err != nil {
		r.logger.Error("payment automation failed", "outcome", outcome, "error", err)
		r.metrics.Errors.WithLabelValues("payments").Inc()
	}
}

func (r *Reconciler) reactRefunded(ctx context.Context, u Update) {
	session, err := r.store.GetPaymentSession(ctx, u.TenantID, u.BotID, u.Counterpart)
	if err != nil {
		r.logger.Error("load refunded session failed", "error", err)
		r.metrics.Errors.WithLabelValues("payments").Inc()
		return
	}
	if _, err := r.store.InsertRefund(ctx, repo.Refund{
		TenantID:      u.TenantID,
		PaymentID:     session.ID,
		TransactionID: u.TransactionID,
		AmountMinor:   u.AmountMinor,
		Gateway:       u.Gateway,
	}); err != nil {
		r.logger.Error("record refund failed", "error", err)
		r.metrics.Errors.WithLabelValues("payments").Inc()
	}
	if r.ledger != nil {
		if err := r.ledger.HandlePaymentRefunded(ctx, u.TenantID, session.ID); err != nil {
			r.logger.Error("revoke refunded slots failed", "error", err)
			r.metrics.Errors.WithLabelValues("payments").Inc()
		}
	}
}

// Classify maps a paid amount and recipient against the configured thresholds.
// Recipient mismatch trumps any amount check. A minimum of zero disables the
// floor; an expected amount of zero disables the overpay check.
func Classify(v calling.PaymentValidation, amountMinor int64, recipient string) calling.PaymentOutcome {
	if v.ExpectedRecipient != "" && recipient != "" && recipient != v.ExpectedRecipient {
		return calling.OutcomeValidationFailure
	}
	if v.MinimumAmount > 0 && amountMinor < v.MinimumAmount {
		return calling.OutcomeValueBelow
	}
	if v.ExpectedAmount > 0 && amountMinor > v.ExpectedAmount {
		return calling.OutcomeValueAbove
	}
	return calling.OutcomeSuccess
}
