package payments

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"chatfunnel/internal/metrics"
	"chatfunnel/internal/repo"
)

// webhookEnvelope is the gateway's notification payload.
type webhookEnvelope struct {
	Event         string `json:"event"`
	TenantID      string `json:"tenant_id"`
	BotID         string `json:"bot_id"`
	Counterpart   string `json:"counterpart"`
	TransactionID string `json:"transaction_id"`
	AmountMinor   int64  `json:"amount"`
	Recipient     string `json:"recipient"`
	Gateway       string `json:"gateway"`
	Status        string `json:"status"`
}

// Processor applies a webhook-sourced payment update.
type Processor interface {
	Apply(ctx context.Context, u Update) (ApplyResult, error)
}

// WebhookHandler verifies gateway webhook auth and forwards status updates to
// the reconciler.
type WebhookHandler struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	token     string
	processor Processor
}

// NewWebhookHandler creates the payment webhook endpoint. token is the shared
// secret the gateway sends back.
func NewWebhookHandler(logger *slog.Logger, m *metrics.Metrics, token string, processor Processor) *WebhookHandler {
	return &WebhookHandler{
		logger:    logger.With("component", "payment_webhook"),
		metrics:   m,
		token:     token,
		processor: processor,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.validateAuth(r) {
		h.metrics.Errors.WithLabelValues("payment_webhook_auth").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.metrics.Errors.WithLabelValues("payment_webhook").Inc()
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		h.metrics.Errors.WithLabelValues("payment_webhook").Inc()
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	update, err := envelope.toUpdate()
	if err != nil {
		h.logger.Warn("rejected webhook payload", "error", err, "event", envelope.Event)
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	result, err := h.processor.Apply(r.Context(), update)
	if err != nil {
		h.logger.Error("failed processing payment webhook", "error", err, "event", envelope.Event)
		h.metrics.Errors.WithLabelValues("payment_webhook_process").Inc()
		http.Error(w, "failed to process", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": string(result.Outcome),
	})
}

func (h *WebhookHandler) validateAuth(r *http.Request) bool {
	candidate := strings.TrimSpace(r.Header.Get("X-Webhook-Token"))
	if candidate == "" {
		candidate = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))
	}
	if candidate == "" || h.token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(h.token)) == 1
}

func (e webhookEnvelope) toUpdate() (Update, error) {
	status := repo.PaymentStatus(strings.ToLower(e.Status))
	u := Update{
		TenantID:      e.TenantID,
		BotID:         e.BotID,
		Counterpart:   e.Counterpart,
		TransactionID: e.TransactionID,
		AmountMinor:   e.AmountMinor,
		Recipient:     e.Recipient,
		Gateway:       e.Gateway,
		Status:        status,
		Source:        repo.SourceWebhook,
	}
	if e.TenantID == "" || e.BotID == "" || e.Counterpart == "" {
		return Update{}, errMissingSessionKey
	}
	if !status.Valid() {
		return Update{}, errUnknownStatus
	}
	if !status.Terminal() {
		return Update{}, errNonTerminalStatus
	}
	return u, nil
}

var (
	errMissingSessionKey = validationError("payload missing tenant_id, bot_id or counterpart")
	errUnknownStatus     = validationError("unrecognized payment status")
	errNonTerminalStatus = validationError("status must be paid, refunded, expired or failed")
)

type validationError string

func (e validationError) Error() string { return string(e) }

// StatusProbe is the gateway's answer for one session. Amount and recipient
// are zero-valued when the gateway does not report them.
type StatusProbe struct {
	Status      repo.PaymentStatus
	AmountMinor int64
	Recipient   string
}

// Checker queries the gateway for the current status of a session. A pending
// answer means nothing changed yet.
type Checker interface {
	CheckStatus(ctx context.Context, session repo.PaymentSession) (StatusProbe, error)
}

// Poller drives the reconciliation race from the other side: it sweeps
// pending sessions and asks the gateway directly.
type Poller struct {
	store      Store
	checker    Checker
	reconciler *Reconciler
	batchSize  int
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func NewPoller(store Store, checker Checker, reconciler *Reconciler, batchSize int, logger *slog.Logger, m *metrics.Metrics) *Poller {
	return &Poller{
		store:      store,
		checker:    checker,
		reconciler: reconciler,
		batchSize:  batchSize,
		logger:     logger.With("component", "payment_poller"),
		metrics:    m,
	}
}

// SweepPending checks every pending session once and applies any terminal
// answer. Returns how many sessions were moved out of pending.
func (p *Poller) SweepPending(ctx context.Context) (int, error) {
	sessions, err := p.store.ListPendingPayments(ctx, p.batchSize)
	if err != nil {
		return 0, err
	}

	var moved int
	for _, session := range sessions {
		probe, err := p.checker.CheckStatus(ctx, session)
		if err != nil {
			p.logger.Warn("gateway status check failed",
				"counterpart", session.Counterpart, "error", err)
			p.metrics.Errors.WithLabelValues("payment_poller").Inc()
			continue
		}
		if !probe.Status.Terminal() {
			continue
		}

		// A zero probe amount means the gateway did not report one.
		amount := probe.AmountMinor
		if amount == 0 {
			amount = session.AmountMinor
		}
		result, err := p.reconciler.Apply(ctx, Update{
			TenantID:      session.TenantID,
			BotID:         session.BotID,
			Counterpart:   session.Counterpart,
			TransactionID: session.TransactionID,
			AmountMinor:   amount,
			Recipient:     probe.Recipient,
			Gateway:       session.Gateway,
			Status:        probe.Status,
			Source:        repo.SourcePolling,
		})
		if err != nil {
			p.logger.Error("apply polled status failed",
				"counterpart", session.Counterpart, "error", err)
			p.metrics.Errors.WithLabelValues("payment_poller").Inc()
			continue
		}
		if result.Outcome == OutcomeApplied {
			moved++
		}
	}

	if len(sessions) > 0 {
		p.logger.Debug("pending sweep finished", "checked", len(sessions), "moved", moved)
	}
	return moved, nil
}
