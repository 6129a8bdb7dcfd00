package calling

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"chatfunnel/internal/metrics"
	"chatfunnel/internal/sched"
)

type fakeConfigStore struct {
	callings []Calling
	saved    []Calling
	updates  []StatusUpdate
	deleted  bool
}

func (f *fakeConfigStore) SaveCallingConfig(ctx context.Context, tenantID, botID string, callings []Calling) error {
	f.saved = callings
	f.callings = callings
	return nil
}

func (f *fakeConfigStore) GetCallingConfig(ctx context.Context, tenantID, botID string) ([]Calling, error) {
	return f.callings, nil
}

func (f *fakeConfigStore) BulkSetCallingEnabled(ctx context.Context, tenantID, botID string, updates []StatusUpdate) (int64, error) {
	f.updates = updates
	return int64(len(updates)), nil
}

func (f *fakeConfigStore) DeleteCallingConfig(ctx context.Context, tenantID, botID string) error {
	f.deleted = true
	return nil
}

type fakeTransport struct {
	sent    []string
	sendErr error
}

func (f *fakeTransport) SendText(ctx context.Context, counterpart, text string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

type fakeTagger struct{ tags []string }

func (f *fakeTagger) AddContactTag(ctx context.Context, tenantID, botID, counterpart, tag string) error {
	f.tags = append(f.tags, tag)
	return nil
}

type fakeHandoff struct{ transfers int }

func (f *fakeHandoff) TransferToHuman(ctx context.Context, tenantID, botID, counterpart string) error {
	f.transfers++
	return nil
}

type fakeScheduler struct{ jobs []sched.Job }

func (f *fakeScheduler) Schedule(ctx context.Context, job sched.Job) error {
	f.jobs = append(f.jobs, job)
	return nil
}

type env struct {
	store     *fakeConfigStore
	transport *fakeTransport
	tagger    *fakeTagger
	handoff   *fakeHandoff
	scheduler *fakeScheduler
	engine    *Engine
}

func newEnv(callings []Calling) *env {
	e := &env{
		store:     &fakeConfigStore{callings: callings},
		transport: &fakeTransport{},
		tagger:    &fakeTagger{},
		handoff:   &fakeHandoff{},
		scheduler: &fakeScheduler{},
	}
	e.engine = NewEngine(e.store, e.transport, e.tagger, e.handoff, e.scheduler,
		slog.New(slog.DiscardHandler), metrics.Registry("test"), Options{})
	return e
}

func TestTriggerExecutesConfiguredActions(t *testing.T) {
	env := newEnv([]Calling{{
		Key:     "interested",
		Enabled: true,
		Spec: &ActionBundle{
			SendMessage:     &SendMessageAction{Enabled: true, Message: "thanks!"},
			AddTag:          &AddTagAction{Enabled: true, Tag: "hot-lead"},
			TransferToHuman: &TransferToHumanAction{Enabled: true},
		},
	}})

	if err := env.engine.Trigger(context.Background(), "t1", "b1", "p1", "interested"); err != nil {
		t.Fatal(err)
	}
	if len(env.transport.sent) != 1 || env.transport.sent[0] != "thanks!" {
		t.Fatalf("unexpected sends: %v", env.transport.sent)
	}
	if len(env.tagger.tags) != 1 || env.tagger.tags[0] != "hot-lead" {
		t.Fatalf("unexpected tags: %v", env.tagger.tags)
	}
	if env.handoff.transfers != 1 {
		t.Fatalf("expected one transfer, got %d", env.handoff.transfers)
	}
}

func TestTriggerSkipsDisabledActions(t *testing.T) {
	env := newEnv([]Calling{{
		Key:     "interested",
		Enabled: true,
		Spec: &ActionBundle{
			SendMessage: &SendMessageAction{Enabled: false, Message: "never"},
			AddTag:      &AddTagAction{Enabled: true, Tag: "kept"},
		},
	}})

	if err := env.engine.Trigger(context.Background(), "t1", "b1", "p1", "interested"); err != nil {
		t.Fatal(err)
	}
	if len(env.transport.sent) != 0 {
		t.Fatalf("disabled action fired: %v", env.transport.sent)
	}
	if len(env.tagger.tags) != 1 {
		t.Fatalf("enabled action did not fire: %v", env.tagger.tags)
	}
}

func TestTriggerAbsentOrDisabledCallingIsNoOp(t *testing.T) {
	env := newEnv([]Calling{{
		Key:     "interested",
		Enabled: false,
		Spec:    &ActionBundle{SendMessage: &SendMessageAction{Enabled: true, Message: "x"}},
	}})
	ctx := context.Background()

	if err := env.engine.Trigger(ctx, "t1", "b1", "p1", "interested"); err != nil {
		t.Fatal(err)
	}
	if err := env.engine.Trigger(ctx, "t1", "b1", "p1", "unknown"); err != nil {
		t.Fatal(err)
	}
	if len(env.transport.sent) != 0 {
		t.Fatalf("unexpected sends: %v", env.transport.sent)
	}
}

func TestTriggerPaymentKeyOnlyFiresViaOutcome(t *testing.T) {
	env := newEnv([]Calling{{
		Key:     PaymentMadeKey,
		Enabled: true,
		Spec: &PaymentConfig{
			OnSuccess: ActionBundle{SendMessage: &SendMessageAction{Enabled: true, Message: "paid"}},
		},
	}})
	ctx := context.Background()

	if err := env.engine.Trigger(ctx, "t1", "b1", "p1", PaymentMadeKey); err != nil {
		t.Fatal(err)
	}
	if len(env.transport.sent) != 0 {
		t.Fatalf("payment calling fired from classification: %v", env.transport.sent)
	}

	if err := env.engine.TriggerPaymentOutcome(ctx, "t1", "b1", "p1", OutcomeSuccess); err != nil {
		t.Fatal(err)
	}
	if len(env.transport.sent) != 1 || env.transport.sent[0] != "paid" {
		t.Fatalf("unexpected sends: %v", env.transport.sent)
	}
}

func TestTriggerPaymentOutcomeSelectsBundle(t *testing.T) {
	env := newEnv([]Calling{{
		Key:     PaymentMadeKey,
		Enabled: true,
		Spec: &PaymentConfig{
			OnSuccess:           ActionBundle{SendMessage: &SendMessageAction{Enabled: true, Message: "ok"}},
			OnValueBelow:        ActionBundle{SendMessage: &SendMessageAction{Enabled: true, Message: "short"}},
			OnValidationFailure: ActionBundle{SendMessage: &SendMessageAction{Enabled: true, Message: "bad"}},
		},
	}})

	if err := env.engine.TriggerPaymentOutcome(context.Background(), "t1", "b1", "p1", OutcomeValueBelow); err != nil {
		t.Fatal(err)
	}
	if len(env.transport.sent) != 1 || env.transport.sent[0] != "short" {
		t.Fatalf("unexpected sends: %v", env.transport.sent)
	}
}

func TestDelayedActionsEnqueueJobs(t *testing.T) {
	env := newEnv([]Calling{{
		Key:     "no_reply",
		Enabled: true,
		Spec: &ActionBundle{
			ScheduleFollowup: &DelayedMessageAction{Enabled: true, DelayMinutes: 30, Message: "still there?"},
			ScheduleReminder: &DelayedMessageAction{Enabled: true, DelayMinutes: 1440, Message: "last call"},
		},
	}})

	before := time.Now()
	if err := env.engine.Trigger(context.Background(), "t1", "b1", "p1", "no_reply"); err != nil {
		t.Fatal(err)
	}
	if len(env.scheduler.jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(env.scheduler.jobs))
	}

	followup := env.scheduler.jobs[0]
	if followup.Kind != "followup" || followup.Message != "still there?" {
		t.Fatalf("unexpected followup job: %+v", followup)
	}
	if due := followup.DueAt.Sub(before); due < 29*time.Minute || due > 31*time.Minute {
		t.Fatalf("followup due in %v, want ~30m", due)
	}
	if env.scheduler.jobs[1].Kind != "reminder" {
		t.Fatalf("unexpected reminder job: %+v", env.scheduler.jobs[1])
	}
}

func TestFailedActionDoesNotBlockOthers(t *testing.T) {
	env := newEnv([]Calling{{
		Key:     "interested",
		Enabled: true,
		Spec: &ActionBundle{
			SendMessage: &SendMessageAction{Enabled: true, Message: "x"},
			AddTag:      &AddTagAction{Enabled: true, Tag: "kept"},
		},
	}})
	env.transport.sendErr = errors.New("transport down")

	if err := env.engine.Trigger(context.Background(), "t1", "b1", "p1", "interested"); err != nil {
		t.Fatal(err)
	}
	if len(env.tagger.tags) != 1 {
		t.Fatalf("later action skipped after failure: %v", env.tagger.tags)
	}
}

func TestSaveConfigRejectsMismatchedVariant(t *testing.T) {
	env := newEnv(nil)
	err := env.engine.SaveConfig(context.Background(), "t1", "b1", []Calling{
		{Key: PaymentMadeKey, Enabled: true, Spec: &ActionBundle{}},
	})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if env.store.saved != nil {
		t.Fatal("invalid config must not be persisted")
	}
}

func TestUpdateStatusesEmptyIsNoOp(t *testing.T) {
	env := newEnv(nil)
	n, err := env.engine.UpdateStatuses(context.Background(), "t1", "b1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 || env.store.updates != nil {
		t.Fatalf("expected store untouched, got n=%d updates=%v", n, env.store.updates)
	}
}

// memConfigStore applies status updates the way the persisted store does:
// only callings whose key matches an update change.
type memConfigStore struct{ callings []Calling }

func (m *memConfigStore) SaveCallingConfig(ctx context.Context, tenantID, botID string, callings []Calling) error {
	m.callings = callings
	return nil
}

func (m *memConfigStore) GetCallingConfig(ctx context.Context, tenantID, botID string) ([]Calling, error) {
	return m.callings, nil
}

func (m *memConfigStore) BulkSetCallingEnabled(ctx context.Context, tenantID, botID string, updates []StatusUpdate) (int64, error) {
	var n int64
	for _, u := range updates {
		for i := range m.callings {
			if m.callings[i].Key == u.Key {
				m.callings[i].Enabled = u.Enabled
				n++
			}
		}
	}
	return n, nil
}

func (m *memConfigStore) DeleteCallingConfig(ctx context.Context, tenantID, botID string) error {
	m.callings = nil
	return nil
}

func TestUpdateStatusesOnlyTouchesMatchedKeys(t *testing.T) {
	store := &memConfigStore{}
	engine := NewEngine(store, &fakeTransport{}, &fakeTagger{}, &fakeHandoff{}, &fakeScheduler{},
		slog.New(slog.DiscardHandler), metrics.Registry("test"), Options{})
	ctx := context.Background()

	err := engine.SaveConfig(ctx, "t1", "b1", []Calling{
		{
			Key:     "interested",
			Enabled: true,
			Spec:    &ActionBundle{SendMessage: &SendMessageAction{Enabled: true, Message: "hi"}},
		},
		{
			Key:     PaymentMadeKey,
			Enabled: true,
			Spec:    &PaymentConfig{Validation: PaymentValidation{ExpectedAmount: 50000}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	n, err := engine.UpdateStatuses(ctx, "t1", "b1", []StatusUpdate{{Key: PaymentMadeKey, Enabled: false}})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 calling changed, got %d", n)
	}

	callings, err := engine.GetConfig(ctx, "t1", "b1")
	if err != nil {
		t.Fatal(err)
	}
	payment, _ := Find(callings, PaymentMadeKey)
	if payment.Enabled {
		t.Fatal("payment_made still enabled after bulk disable")
	}
	interested, _ := Find(callings, "interested")
	if !interested.Enabled {
		t.Fatal("bulk disable of payment_made touched another calling")
	}
	bundle, ok := interested.Actions()
	if !ok || bundle.SendMessage == nil || bundle.SendMessage.Message != "hi" {
		t.Fatalf("unmatched calling lost its bundle: %+v", interested)
	}
}

func TestBundleForOutcomeMapping(t *testing.T) {
	cfg := &PaymentConfig{
		OnSuccess:           ActionBundle{AddTag: &AddTagAction{Tag: "a"}},
		OnValueBelow:        ActionBundle{AddTag: &AddTagAction{Tag: "b"}},
		OnValueAbove:        ActionBundle{AddTag: &AddTagAction{Tag: "c"}},
		OnValidationFailure: ActionBundle{AddTag: &AddTagAction{Tag: "d"}},
	}

	cases := []struct {
		outcome PaymentOutcome
		tag     string
	}{
		{OutcomeSuccess, "a"},
		{OutcomeValueBelow, "b"},
		{OutcomeValueAbove, "c"},
		{OutcomeValidationFailure, "d"},
	}
	for _, tc := range cases {
		if got := cfg.BundleFor(tc.outcome).AddTag.Tag; got != tc.tag {
			t.Errorf("outcome %s: got tag %q, want %q", tc.outcome, got, tc.tag)
		}
	}
}
