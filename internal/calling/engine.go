package calling

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chatfunnel/internal/cache"
	"chatfunnel/internal/metrics"
	"chatfunnel/internal/sched"
)

const configCacheTTL = 5 * time.Minute

// PaymentOutcome selects which action bundle of a payment config runs.
type PaymentOutcome string

const (
	OutcomeSuccess           PaymentOutcome = "success"
	OutcomeValueBelow        PaymentOutcome = "value_below"
	OutcomeValueAbove        PaymentOutcome = "value_above"
	OutcomeValidationFailure PaymentOutcome = "validation_failure"
)

// BundleFor maps a reconciliation outcome to its configured bundle.
func (p *PaymentConfig) BundleFor(outcome PaymentOutcome) *ActionBundle {
	switch outcome {
	case OutcomeSuccess:
		return &p.OnSuccess
	case OutcomeValueBelow:
		return &p.OnValueBelow
	case OutcomeValueAbove:
		return &p.OnValueAbove
	default:
		return &p.OnValidationFailure
	}
}

// ConfigStore persists per-bot calling configuration.
type ConfigStore interface {
	SaveCallingConfig(ctx context.Context, tenantID, botID string, callings []Calling) error
	GetCallingConfig(ctx context.Context, tenantID, botID string) ([]Calling, error)
	BulkSetCallingEnabled(ctx context.Context, tenantID, botID string, updates []StatusUpdate) (int64, error)
	DeleteCallingConfig(ctx context.Context, tenantID, botID string) error
}

// Transport sends chat messages to a counterpart.
type Transport interface {
	SendText(ctx context.Context, counterpart, text string) error
}

// Tagger attaches tags to a contact record.
type Tagger interface {
	AddContactTag(ctx context.Context, tenantID, botID, counterpart, tag string) error
}

// Handoff notifies a human operator to take over a conversation.
type Handoff interface {
	TransferToHuman(ctx context.Context, tenantID, botID, counterpart string) error
}

// Scheduler enqueues delayed messages.
type Scheduler interface {
	Schedule(ctx context.Context, job sched.Job) error
}

// Gate decides whether a tenant may run automations at all. Nil means no
// gating.
type Gate interface {
	AllowAutomation(ctx context.Context, tenantID string) (bool, error)
}

// Engine resolves calling configuration and executes the configured actions.
// Action execution is best effort: a failing action is logged and counted, the
// remaining actions still run.
type Engine struct {
	store     ConfigStore
	cache     *cache.Redis
	transport Transport
	tagger    Tagger
	handoff   Handoff
	scheduler Scheduler
	gate      Gate
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Options carries the optional collaborators of the engine.
type Options struct {
	Cache *cache.Redis
	Gate  Gate
}

func NewEngine(store ConfigStore, transport Transport, tagger Tagger, handoff Handoff, scheduler Scheduler, logger *slog.Logger, m *metrics.Metrics, opts Options) *Engine {
	return &Engine{
		store:     store,
		cache:     opts.Cache,
		transport: transport,
		tagger:    tagger,
		handoff:   handoff,
		scheduler: scheduler,
		gate:      opts.Gate,
		logger:    logger.With(slog.String("component", "calling")),
		metrics:   m,
	}
}

func configCacheKey(tenantID, botID string) string {
	return "callings:" + tenantID + ":" + botID
}

// SaveConfig validates and replaces the bot's calling configuration.
func (e *Engine) SaveConfig(ctx context.Context, tenantID, botID string, callings []Calling) error {
	for i := range callings {
		if err := callings[i].Validate(); err != nil {
			return err
		}
	}
	if err := e.store.SaveCallingConfig(ctx, tenantID, botID, callings); err != nil {
		return err
	}
	e.invalidate(ctx, tenantID, botID)
	return nil
}

// GetConfig returns the bot's callings, served from cache when warm.
func (e *Engine) GetConfig(ctx context.Context, tenantID, botID string) ([]Calling, error) {
	key := configCacheKey(tenantID, botID)
	if e.cache != nil {
		var cached []Calling
		found, err := e.cache.GetJSON(ctx, key, &cached)
		if err != nil {
			e.logger.Warn("calling cache read failed", "error", err)
		} else if found {
			return cached, nil
		}
	}

	callings, err := e.store.GetCallingConfig(ctx, tenantID, botID)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		if err := e.cache.SetJSON(ctx, key, callings, configCacheTTL); err != nil {
			e.logger.Warn("calling cache write failed", "error", err)
		}
	}
	return callings, nil
}

// UpdateStatuses toggles enabled flags in bulk and reports how many callings
// changed. An empty update list is a no-op.
func (e *Engine) UpdateStatuses(ctx context.Context, tenantID, botID string, updates []StatusUpdate) (int64, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	n, err := e.store.BulkSetCallingEnabled(ctx, tenantID, botID, updates)
	if err != nil {
		return 0, err
	}
	e.invalidate(ctx, tenantID, botID)
	return n, nil
}

// DeleteConfig removes the bot's calling configuration.
func (e *Engine) DeleteConfig(ctx context.Context, tenantID, botID string) error {
	if err := e.store.DeleteCallingConfig(ctx, tenantID, botID); err != nil {
		return err
	}
	e.invalidate(ctx, tenantID, botID)
	return nil
}

func (e *Engine) invalidate(ctx context.Context, tenantID, botID string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Del(ctx, configCacheKey(tenantID, botID)); err != nil {
		e.logger.Warn("calling cache invalidation failed", "error", err)
	}
}

// Trigger runs the action bundle of a non-payment calling. An absent or
// disabled calling is a silent no-op. The payment_made calling never fires
// here; it only fires through payment reconciliation outcomes.
func (e *Engine) Trigger(ctx context.Context, tenantID, botID, counterpart, key string) error {
	if key == PaymentMadeKey {
		e.metrics.CallingTriggers.WithLabelValues(key, "payment_only").Inc()
		return nil
	}
	c, err := e.resolve(ctx, tenantID, botID, key)
	if err != nil || c == nil {
		return err
	}
	bundle, ok := c.Actions()
	if !ok {
		return fmt.Errorf("calling %q has no action bundle", key)
	}
	e.metrics.CallingTriggers.WithLabelValues(key, "fired").Inc()
	e.executeBundle(ctx, tenantID, botID, counterpart, key, bundle)
	return nil
}

// TriggerPaymentOutcome runs the bundle configured for a payment
// reconciliation outcome.
func (e *Engine) TriggerPaymentOutcome(ctx context.Context, tenantID, botID, counterpart string, outcome PaymentOutcome) error {
	c, err := e.resolve(ctx, tenantID, botID, PaymentMadeKey)
	if err != nil || c == nil {
		return err
	}
	cfg, ok := c.Payment()
	if !ok {
		return fmt.Errorf("calling %q has no payment config", PaymentMadeKey)
	}
	e.metrics.CallingTriggers.WithLabelValues(PaymentMadeKey, string(outcome)).Inc()
	e.executeBundle(ctx, tenantID, botID, counterpart, PaymentMadeKey, cfg.BundleFor(outcome))
	return nil
}

// PaymentValidationFor returns the configured thresholds for the bot, or
// false when the payment calling is absent or disabled.
func (e *Engine) PaymentValidationFor(ctx context.Context, tenantID, botID string) (PaymentValidation, bool, error) {
	c, err := e.resolve(ctx, tenantID, botID, PaymentMadeKey)
	if err != nil || c == nil {
		return PaymentValidation{}, false, err
	}
	cfg, ok := c.Payment()
	if !ok {
		return PaymentValidation{}, false, nil
	}
	return cfg.Validation, true, nil
}

// resolve returns the enabled calling for key, or nil when the trigger should
// be skipped.
func (e *Engine) resolve(ctx context.Context, tenantID, botID, key string) (*Calling, error) {
	if e.gate != nil {
		allowed, err := e.gate.AllowAutomation(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("automation gate: %w", err)
		}
		if !allowed {
			e.metrics.CallingTriggers.WithLabelValues(key, "gated").Inc()
			return nil, nil
		}
	}

	callings, err := e.GetConfig(ctx, tenantID, botID)
	if err != nil {
		return nil, err
	}
	c, found := Find(callings, key)
	if !found {
		e.metrics.CallingTriggers.WithLabelValues(key, "absent").Inc()
		return nil, nil
	}
	if !c.Enabled {
		e.metrics.CallingTriggers.WithLabelValues(key, "disabled").Inc()
		return nil, nil
	}
	return c, nil
}

func (e *Engine) executeBundle(ctx context.Context, tenantID, botID, counterpart, key string, bundle *ActionBundle) {
	if a := bundle.SendMessage; a != nil && a.Enabled && a.Message != "" {
		e.runAction(ctx, "send_message", counterpart, func() error {
			return e.transport.SendText(ctx, counterpart, a.Message)
		})
	}
	if a := bundle.AddTag; a != nil && a.Enabled && a.Tag != "" {
		e.runAction(ctx, "add_tag", counterpart, func() error {
			return e.tagger.AddContactTag(ctx, tenantID, botID, counterpart, a.Tag)
		})
	}
	if a := bundle.TransferToHuman; a != nil && a.Enabled {
		e.runAction(ctx, "transfer_to_human", counterpart, func() error {
			return e.handoff.TransferToHuman(ctx, tenantID, botID, counterpart)
		})
	}
	if a := bundle.ScheduleFollowup; a != nil && a.Enabled && a.Message != "" {
		e.scheduleDelayed(ctx, "followup", tenantID, botID, counterpart, key, a)
	}
	if a := bundle.ScheduleReminder; a != nil && a.Enabled && a.Message != "" {
		e.scheduleDelayed(ctx, "reminder", tenantID, botID, counterpart, key, a)
	}
}

func (e *Engine) scheduleDelayed(ctx context.Context, kind, tenantID, botID, counterpart, key string, a *DelayedMessageAction) {
	e.runAction(ctx, "schedule_"+kind, counterpart, func() error {
		return e.scheduler.Schedule(ctx, sched.Job{
			Kind:        kind,
			TenantID:    tenantID,
			BotID:       botID,
			Counterpart: counterpart,
			CallingKey:  key,
			Message:     a.Message,
			DueAt:       time.Now().Add(time.Duration(a.DelayMinutes) * time.Minute),
		})
	})
}

func (e *Engine) runAction(ctx context.Context, name, counterpart string, fn func() error) {
	if err := fn(); err != nil {
		e.metrics.ActionsExecuted.WithLabelValues(name, "failed").Inc()
		e.logger.Error("calling action failed",
			slog.String("action", name),
			slog.String("counterpart", counterpart),
			slog.Any("error", err))
		return
	}
	e.metrics.ActionsExecuted.WithLabelValues(name, "ok").Inc()
}
