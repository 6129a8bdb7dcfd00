package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatfunnel/internal/calling"
	"chatfunnel/internal/funnel"
	"chatfunnel/internal/payments"
	"chatfunnel/internal/repo"
)

type fakeFunnelStore struct {
	published   []funnel.Node
	active      *bool
	deleted     bool
	statesWiped bool
}

func (f *fakeFunnelStore) PublishFunnel(ctx context.Context, tenantID, botID string, nodes []funnel.Node) (*funnel.Graph, error) {
	if err := funnel.Validate(nodes); err != nil {
		return nil, err
	}
	f.published = nodes
	return &funnel.Graph{TenantID: tenantID, BotID: botID, Version: 2, Nodes: nodes}, nil
}

func (f *fakeFunnelStore) SetFunnelActive(ctx context.Context, tenantID, botID string, active bool) error {
	f.active = &active
	return nil
}

func (f *fakeFunnelStore) GetFunnelStatus(ctx context.Context, tenantID, botID string) (bool, int, error) {
	if botID == "missing" {
		return false, 0, repo.ErrNotFound
	}
	return true, 3, nil
}

func (f *fakeFunnelStore) DeleteFunnel(ctx context.Context, tenantID, botID string) error {
	f.deleted = true
	return nil
}

func (f *fakeFunnelStore) DeleteStatesByBot(ctx context.Context, tenantID, botID string) error {
	f.statesWiped = true
	return nil
}

func (f *fakeFunnelStore) ListContacts(ctx context.Context, tenantID, botID string, page, limit int) (*repo.ContactPage, error) {
	return &repo.ContactPage{Page: page, Limit: limit, Total: 1}, nil
}

func (f *fakeFunnelStore) ListRefundsByTenant(ctx context.Context, tenantID string) ([]repo.Refund, error) {
	return []repo.Refund{{TenantID: tenantID}}, nil
}

type fakeCallingAdmin struct {
	saved   []calling.Calling
	updated []calling.StatusUpdate
}

func (f *fakeCallingAdmin) SaveConfig(ctx context.Context, tenantID, botID string, callings []calling.Calling) error {
	f.saved = callings
	return nil
}

func (f *fakeCallingAdmin) GetConfig(ctx context.Context, tenantID, botID string) ([]calling.Calling, error) {
	return f.saved, nil
}

func (f *fakeCallingAdmin) UpdateStatuses(ctx context.Context, tenantID, botID string, updates []calling.StatusUpdate) (int64, error) {
	f.updated = updates
	return int64(len(updates)), nil
}

func (f *fakeCallingAdmin) DeleteConfig(ctx context.Context, tenantID, botID string) error {
	return nil
}

type fakeBillingAdmin struct{}

func (fakeBillingAdmin) Subscribe(ctx context.Context, tenantID string, plan repo.PlanName, paymentID string, duration time.Duration) (*repo.Subscription, error) {
	return &repo.Subscription{TenantID: tenantID, PlanName: plan}, nil
}

func (fakeBillingAdmin) Upgrade(ctx context.Context, tenantID string, plan repo.PlanName, paymentID string, duration time.Duration) (*repo.Subscription, error) {
	return &repo.Subscription{TenantID: tenantID, PlanName: plan}, nil
}

func (fakeBillingAdmin) Renew(ctx context.Context, tenantID, paymentID string, duration time.Duration, keepSlots bool) (*repo.Subscription, error) {
	return &repo.Subscription{TenantID: tenantID}, nil
}

func (fakeBillingAdmin) Cancel(ctx context.Context, tenantID string) (*repo.Subscription, error) {
	return &repo.Subscription{TenantID: tenantID, Status: repo.SubscriptionCancelled}, nil
}

func (fakeBillingAdmin) BuySlots(ctx context.Context, tenantID string, count int, paymentID string) (*repo.Subscription, error) {
	return &repo.Subscription{TenantID: tenantID}, nil
}

func (fakeBillingAdmin) GetTotalSlots(ctx context.Context, tenantID string) (int, error) {
	return 2, nil
}

func (fakeBillingAdmin) IsSubscriptionValid(ctx context.Context, tenantID string) (bool, error) {
	return true, nil
}

func (fakeBillingAdmin) IsExpiringSoon(ctx context.Context, tenantID string) (bool, error) {
	return false, nil
}

type fakeConversationAdmin struct {
	resets    []string
	completed []string
}

func (f *fakeConversationAdmin) Restart(ctx context.Context, tenantID, botID, counterpart string) error {
	f.resets = append(f.resets, counterpart)
	return nil
}

func (f *fakeConversationAdmin) Complete(ctx context.Context, tenantID, botID, counterpart string) error {
	f.completed = append(f.completed, counterpart)
	return nil
}

type fakePaymentAdmin struct{ intents []payments.ChargeIntent }

func (f *fakePaymentAdmin) Open(ctx context.Context, intent payments.ChargeIntent) (*payments.OpenedCharge, error) {
	f.intents = append(f.intents, intent)
	return &payments.OpenedCharge{
		Session:     &repo.PaymentSession{ID: "pay-1", TransactionID: "tx-1", Status: repo.PaymentPending},
		CheckoutURL: "https://pay.example/tx-1",
	}, nil
}

func newTestMux() (*http.ServeMux, *fakeFunnelStore, *fakeCallingAdmin, *fakeConversationAdmin) {
	store := &fakeFunnelStore{}
	callings := &fakeCallingAdmin{}
	conversations := &fakeConversationAdmin{}
	api := newAdminAPI(Dependencies{
		Store:         store,
		Callings:      callings,
		Billing:       fakeBillingAdmin{},
		Payments:      &fakePaymentAdmin{},
		Conversations: conversations,
	}, slog.New(slog.DiscardHandler))

	mux := http.NewServeMux()
	api.mount(mux)
	return mux, store, callings, conversations
}

func TestPublishFunnel(t *testing.T) {
	mux, store, _, _ := newTestMux()

	body := `{"tenant_id":"t1","bot_id":"b1","nodes":[{"id":"1","type":"message","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/admin/funnel", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(store.published) != 1 {
		t.Fatalf("expected publish, got %+v", store.published)
	}
}

func TestPublishFunnelValidationFailure(t *testing.T) {
	mux, _, _, _ := newTestMux()

	// Edge points at a node that does not exist.
	body := `{"tenant_id":"t1","bot_id":"b1","nodes":[{"id":"1","edges":[{"target":"9","handle":"x"}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/admin/funnel", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestPublishFunnelRequiresScope(t *testing.T) {
	mux, _, _, _ := newTestMux()

	req := httptest.NewRequest(http.MethodPost, "/admin/funnel", strings.NewReader(`{"nodes":[]}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestFunnelStatusNotFound(t *testing.T) {
	mux, _, _, _ := newTestMux()

	req := httptest.NewRequest(http.MethodGet, "/admin/funnel/status?tenant_id=t1&bot_id=missing", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDeleteFunnelWipesStates(t *testing.T) {
	mux, store, _, _ := newTestMux()

	req := httptest.NewRequest(http.MethodDelete, "/admin/funnel?tenant_id=t1&bot_id=b1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !store.deleted || !store.statesWiped {
		t.Fatalf("expected funnel and states removed: %+v", store)
	}
}

func TestSaveCallingsRoundTrip(t *testing.T) {
	mux, _, callings, _ := newTestMux()

	body := `{"tenant_id":"t1","bot_id":"b1","callings":[
		{"key":"interested","enabled":true,"actions":{"send_message":{"enabled":true,"message":"hi"}}},
		{"key":"payment_made","enabled":true,"payment_config":{"validation":{"expected_amount":50000}}}
	]}`
	req := httptest.NewRequest(http.MethodPut, "/admin/callings", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(callings.saved) != 2 {
		t.Fatalf("expected 2 callings saved, got %d", len(callings.saved))
	}
	if _, ok := callings.saved[1].Payment(); !ok {
		t.Fatal("payment_made calling lost its payment config")
	}
}

func TestResetConversation(t *testing.T) {
	mux, _, _, conversations := newTestMux()

	body := `{"tenant_id":"t1","bot_id":"b1","counterpart":"p1"}`
	req := httptest.NewRequest(http.MethodPost, "/admin/conversation/reset", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(conversations.resets) != 1 || conversations.resets[0] != "p1" {
		t.Fatalf("unexpected resets: %v", conversations.resets)
	}
}

func TestCompleteConversation(t *testing.T) {
	mux, _, _, conversations := newTestMux()

	body := `{"tenant_id":"t1","bot_id":"b1","counterpart":"p1"}`
	req := httptest.NewRequest(http.MethodPost, "/admin/conversation/complete", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(conversations.completed) != 1 || conversations.completed[0] != "p1" {
		t.Fatalf("unexpected completions: %v", conversations.completed)
	}
}

func TestOpenChargeRoute(t *testing.T) {
	paymentAdmin := &fakePaymentAdmin{}
	api := newAdminAPI(Dependencies{
		Store:         &fakeFunnelStore{},
		Callings:      &fakeCallingAdmin{},
		Billing:       fakeBillingAdmin{},
		Payments:      paymentAdmin,
		Conversations: &fakeConversationAdmin{},
	}, slog.New(slog.DiscardHandler))
	mux := http.NewServeMux()
	api.mount(mux)

	body := `{"tenant_id":"t1","bot_id":"b1","counterpart":"p1","amount_minor":50000,"description":"order 12"}`
	req := httptest.NewRequest(http.MethodPost, "/admin/payments/charge", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(paymentAdmin.intents) != 1 || paymentAdmin.intents[0].AmountMinor != 50000 {
		t.Fatalf("unexpected intents: %+v", paymentAdmin.intents)
	}
	if !strings.Contains(rec.Body.String(), `"checkout_url":"https://pay.example/tx-1"`) {
		t.Fatalf("body missing checkout url: %s", rec.Body.String())
	}

	// Zero amount never reaches the gateway.
	req = httptest.NewRequest(http.MethodPost, "/admin/payments/charge",
		strings.NewReader(`{"tenant_id":"t1","bot_id":"b1","counterpart":"p1"}`))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(paymentAdmin.intents) != 1 {
		t.Fatalf("invalid request reached payments: %+v", paymentAdmin.intents)
	}
}

func TestSubscriptionInfo(t *testing.T) {
	mux, _, _, _ := newTestMux()

	req := httptest.NewRequest(http.MethodGet, "/admin/subscription?tenant_id=t1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	for _, want := range []string{`"valid":true`, `"total_slots":2`} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Fatalf("body missing %s: %s", want, rec.Body.String())
		}
	}
}
