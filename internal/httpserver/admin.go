package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"chatfunnel/internal/calling"
	"chatfunnel/internal/funnel"
	"chatfunnel/internal/payments"
	"chatfunnel/internal/repo"
)

// FunnelStore is the persistence slice the admin API needs.
type FunnelStore interface {
	PublishFunnel(ctx context.Context, tenantID, botID string, nodes []funnel.Node) (*funnel.Graph, error)
	SetFunnelActive(ctx context.Context, tenantID, botID string, active bool) error
	GetFunnelStatus(ctx context.Context, tenantID, botID string) (bool, int, error)
	DeleteFunnel(ctx context.Context, tenantID, botID string) error
	DeleteStatesByBot(ctx context.Context, tenantID, botID string) error
	ListContacts(ctx context.Context, tenantID, botID string, page, limit int) (*repo.ContactPage, error)
	ListRefundsByTenant(ctx context.Context, tenantID string) ([]repo.Refund, error)
}

// CallingAdmin manages per-bot calling configuration.
type CallingAdmin interface {
	SaveConfig(ctx context.Context, tenantID, botID string, callings []calling.Calling) error
	GetConfig(ctx context.Context, tenantID, botID string) ([]calling.Calling, error)
	UpdateStatuses(ctx context.Context, tenantID, botID string, updates []calling.StatusUpdate) (int64, error)
	DeleteConfig(ctx context.Context, tenantID, botID string) error
}

// BillingAdmin manages subscriptions and slots.
type BillingAdmin interface {
	Subscribe(ctx context.Context, tenantID string, plan repo.PlanName, paymentID string, duration time.Duration) (*repo.Subscription, error)
	Upgrade(ctx context.Context, tenantID string, plan repo.PlanName, paymentID string, duration time.Duration) (*repo.Subscription, error)
	Renew(ctx context.Context, tenantID, paymentID string, duration time.Duration, keepSlots bool) (*repo.Subscription, error)
	Cancel(ctx context.Context, tenantID string) (*repo.Subscription, error)
	BuySlots(ctx context.Context, tenantID string, count int, paymentID string) (*repo.Subscription, error)
	GetTotalSlots(ctx context.Context, tenantID string) (int, error)
	IsSubscriptionValid(ctx context.Context, tenantID string) (bool, error)
	IsExpiringSoon(ctx context.Context, tenantID string) (bool, error)
}

// PaymentAdmin opens gateway charges for a counterpart.
type PaymentAdmin interface {
	Open(ctx context.Context, intent payments.ChargeIntent) (*payments.OpenedCharge, error)
}

// ConversationAdmin restarts or force-finishes conversations.
type ConversationAdmin interface {
	Restart(ctx context.Context, tenantID, botID, counterpart string) error
	Complete(ctx context.Context, tenantID, botID, counterpart string) error
}

// Dependencies exposes core collaborators to the admin API.
type Dependencies struct {
	Store         FunnelStore
	Callings      CallingAdmin
	Billing       BillingAdmin
	Payments      PaymentAdmin
	Conversations ConversationAdmin
}

type adminAPI struct {
	deps   Dependencies
	logger *slog.Logger
}

func newAdminAPI(deps Dependencies, logger *slog.Logger) *adminAPI {
	return &adminAPI{deps: deps, logger: logger.With("component", "admin_api")}
}

func (a *adminAPI) mount(mux *http.ServeMux) {
	mux.HandleFunc("POST /admin/funnel", a.handlePublishFunnel)
	mux.HandleFunc("POST /admin/funnel/activate", a.handleActivateFunnel)
	mux.HandleFunc("GET /admin/funnel/status", a.handleFunnelStatus)
	mux.HandleFunc("DELETE /admin/funnel", a.handleDeleteFunnel)

	mux.HandleFunc("GET /admin/contacts", a.handleListContacts)
	mux.HandleFunc("POST /admin/conversation/reset", a.handleResetConversation)
	mux.HandleFunc("POST /admin/conversation/complete", a.handleCompleteConversation)

	mux.HandleFunc("PUT /admin/callings", a.handleSaveCallings)
	mux.HandleFunc("GET /admin/callings", a.handleGetCallings)
	mux.HandleFunc("POST /admin/callings/status", a.handleCallingStatuses)
	mux.HandleFunc("DELETE /admin/callings", a.handleDeleteCallings)

	mux.HandleFunc("POST /admin/subscription", a.handleSubscribe)
	mux.HandleFunc("POST /admin/subscription/upgrade", a.handleUpgrade)
	mux.HandleFunc("POST /admin/subscription/renew", a.handleRenew)
	mux.HandleFunc("POST /admin/subscription/cancel", a.handleCancel)
	mux.HandleFunc("POST /admin/subscription/slots", a.handleBuySlots)
	mux.HandleFunc("GET /admin/subscription", a.handleSubscriptionInfo)

	mux.HandleFunc("POST /admin/payments/charge", a.handleOpenCharge)
	mux.HandleFunc("GET /admin/refunds", a.handleListRefunds)
}

type botScope struct {
	TenantID string `json:"tenant_id"`
	BotID    string `json:"bot_id"`
}

func (s botScope) valid() bool { return s.TenantID != "" && s.BotID != "" }

func (a *adminAPI) handlePublishFunnel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		botScope
		Nodes []funnel.Node `json:"nodes"`
	}
	if !decodeBody(w, r, &req) || !requireScope(w, req.botScope) {
		return
	}

	graph, err := a.deps.Store.PublishFunnel(r.Context(), req.TenantID, req.BotID, req.Nodes)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": graph.Version,
		"active":  graph.Active,
	})
}

func (a *adminAPI) handleActivateFunnel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		botScope
		Active bool `json:"active"`
	}
	if !decodeBody(w, r, &req) || !requireScope(w, req.botScope) {
		return
	}

	if err := a.deps.Store.SetFunnelActive(r.Context(), req.TenantID, req.BotID, req.Active); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": req.Active})
}

func (a *adminAPI) handleFunnelStatus(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromQuery(w, r)
	if !ok {
		return
	}
	active, version, err := a.deps.Store.GetFunnelStatus(r.Context(), scope.TenantID, scope.BotID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": active, "version": version})
}

func (a *adminAPI) handleDeleteFunnel(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromQuery(w, r)
	if !ok {
		return
	}
	if err := a.deps.Store.DeleteFunnel(r.Context(), scope.TenantID, scope.BotID); err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.deps.Store.DeleteStatesByBot(r.Context(), scope.TenantID, scope.BotID); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (a *adminAPI) handleListContacts(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromQuery(w, r)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	contacts, err := a.deps.Store.ListContacts(r.Context(), scope.TenantID, scope.BotID, page, limit)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contacts)
}

func (a *adminAPI) handleResetConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		botScope
		Counterpart string `json:"counterpart"`
	}
	if !decodeBody(w, r, &req) || !requireScope(w, req.botScope) {
		return
	}
	if req.Counterpart == "" {
		http.Error(w, "counterpart is required", http.StatusBadRequest)
		return
	}
	if err := a.deps.Conversations.Restart(r.Context(), req.TenantID, req.BotID, req.Counterpart); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (a *adminAPI) handleCompleteConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		botScope
		Counterpart string `json:"counterpart"`
	}
	if !decodeBody(w, r, &req) || !requireScope(w, req.botScope) {
		return
	}
	if req.Counterpart == "" {
		http.Error(w, "counterpart is required", http.StatusBadRequest)
		return
	}
	if err := a.deps.Conversations.Complete(r.Context(), req.TenantID, req.BotID, req.Counterpart); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (a *adminAPI) handleOpenCharge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		botScope
		Counterpart string `json:"counterpart"`
		AmountMinor int64  `json:"amount_minor"`
		Method      string `json:"method"`
		Description string `json:"description"`
	}
	if !decodeBody(w, r, &req) || !requireScope(w, req.botScope) {
		return
	}
	if req.Counterpart == "" {
		http.Error(w, "counterpart is required", http.StatusBadRequest)
		return
	}
	if req.AmountMinor <= 0 {
		http.Error(w, "amount_minor must be positive", http.StatusBadRequest)
		return
	}

	opened, err := a.deps.Payments.Open(r.Context(), payments.ChargeIntent{
		TenantID:    req.TenantID,
		BotID:       req.BotID,
		Counterpart: req.Counterpart,
		AmountMinor: req.AmountMinor,
		Method:      req.Method,
		Description: req.Description,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":     opened.Session.ID,
		"transaction_id": opened.Session.TransactionID,
		"status":         opened.Session.Status,
		"checkout_url":   opened.CheckoutURL,
		"qr_string":      opened.QRString,
		"expires_at":     opened.ExpiresAt,
	})
}

func (a *adminAPI) handleSaveCallings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		botScope
		Callings []calling.Calling `json:"callings"`
	}
	if !decodeBody(w, r, &req) || !requireScope(w, req.botScope) {
		return
	}
	if err := a.deps.Callings.SaveConfig(r.Context(), req.TenantID, req.BotID, req.Callings); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"saved": len(req.Callings)})
}

func (a *adminAPI) handleGetCallings(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromQuery(w, r)
	if !ok {
		return
	}
	callings, err := a.deps.Callings.GetConfig(r.Context(), scope.TenantID, scope.BotID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"callings": callings})
}

func (a *adminAPI) handleCallingStatuses(w http.ResponseWriter, r *http.Request) {
	var req struct {
		botScope
		Updates []calling.StatusUpdate `json:"updates"`
	}
	if !decodeBody(w, r, &req) || !requireScope(w, req.botScope) {
		return
	}
	updated, err := a.deps.Callings.UpdateStatuses(r.Context(), req.TenantID, req.BotID, req.Updates)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": updated})
}

func (a *adminAPI) handleDeleteCallings(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromQuery(w, r)
	if !ok {
		return
	}
	if err := a.deps.Callings.DeleteConfig(r.Context(), scope.TenantID, scope.BotID); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type subscribeRequest struct {
	TenantID  string `json:"tenant_id"`
	Plan      string `json:"plan"`
	PaymentID string `json:"payment_id"`
	Days      int    `json:"days"`
	KeepSlots bool   `json:"keep_slots"`
	Count     int    `json:"count"`
}

func (r subscribeRequest) duration() time.Duration {
	days := r.Days
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

func (a *adminAPI) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !decodeBody(w, r, &req) || !requireTenant(w, req.TenantID) {
		return
	}
	sub, err := a.deps.Billing.Subscribe(r.Context(), req.TenantID, repo.PlanName(req.Plan), req.PaymentID, req.duration())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (a *adminAPI) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !decodeBody(w, r, &req) || !requireTenant(w, req.TenantID) {
		return
	}
	sub, err := a.deps.Billing.Upgrade(r.Context(), req.TenantID, repo.PlanName(req.Plan), req.PaymentID, req.duration())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (a *adminAPI) handleRenew(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !decodeBody(w, r, &req) || !requireTenant(w, req.TenantID) {
		return
	}
	sub, err := a.deps.Billing.Renew(r.Context(), req.TenantID, req.PaymentID, req.duration(), req.KeepSlots)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (a *adminAPI) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !decodeBody(w, r, &req) || !requireTenant(w, req.TenantID) {
		return
	}
	sub, err := a.deps.Billing.Cancel(r.Context(), req.TenantID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (a *adminAPI) handleBuySlots(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !decodeBody(w, r, &req) || !requireTenant(w, req.TenantID) {
		return
	}
	sub, err := a.deps.Billing.BuySlots(r.Context(), req.TenantID, req.Count, req.PaymentID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (a *adminAPI) handleSubscriptionInfo(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if !requireTenant(w, tenantID) {
		return
	}
	ctx := r.Context()

	valid, err := a.deps.Billing.IsSubscriptionValid(ctx, tenantID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	slots, err := a.deps.Billing.GetTotalSlots(ctx, tenantID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	expiringSoon, err := a.deps.Billing.IsExpiringSoon(ctx, tenantID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":         valid,
		"total_slots":   slots,
		"expiring_soon": expiringSoon,
	})
}

func (a *adminAPI) handleListRefunds(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if !requireTenant(w, tenantID) {
		return
	}
	refunds, err := a.deps.Store.ListRefundsByTenant(r.Context(), tenantID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refunds": refunds})
}

func (a *adminAPI) writeError(w http.ResponseWriter, err error) {
	var verr *funnel.ValidationError
	switch {
	case errors.As(err, &verr):
		http.Error(w, verr.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, repo.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, repo.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		a.logger.Error("admin request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return false
	}
	return true
}

func requireScope(w http.ResponseWriter, scope botScope) bool {
	if !scope.valid() {
		http.Error(w, "tenant_id and bot_id are required", http.StatusBadRequest)
		return false
	}
	return true
}

func requireTenant(w http.ResponseWriter, tenantID string) bool {
	if tenantID == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return false
	}
	return true
}

func scopeFromQuery(w http.ResponseWriter, r *http.Request) (botScope, bool) {
	scope := botScope{
		TenantID: r.URL.Query().Get("tenant_id"),
		BotID:    r.URL.Query().Get("bot_id"),
	}
	return scope, requireScope(w, scope)
}
