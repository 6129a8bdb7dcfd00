package engine

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"chatfunnel/internal/funnel"
	"chatfunnel/internal/metrics"
	"chatfunnel/internal/repo"
)

func testGraph() *funnel.Graph {
	return &funnel.Graph{
		TenantID: "t1",
		BotID:    "b1",
		Active:   true,
		Version:  1,
		Nodes: []funnel.Node{
			{ID: "1", Type: "message", Edges: []funnel.Edge{{Target: "2", Handle: "yes"}, {Target: "3", Handle: "no"}}},
			{ID: "2", Type: "message", Edges: []funnel.Edge{{Target: "4", Handle: "confirm"}}},
			{ID: "3", Type: "message"},
			{ID: "4", Type: "end"},
		},
	}
}

func TestTransitionMatchedHandleMoves(t *testing.T) {
	state := &repo.ConversationState{CurrentNodeID: "1"}
	res := Transition(state, testGraph(), InboundEvent{MatchedHandle: "yes"})

	if !res.Moved || res.ToNode != "2" {
		t.Fatalf("expected move to node 2, got %+v", res)
	}
	if res.Waiting || res.Completed {
		t.Fatalf("unexpected flags: %+v", res)
	}
}

func TestTransitionNoMatchHoldsAndWaits(t *testing.T) {
	state := &repo.ConversationState{CurrentNodeID: "2"}
	res := Transition(state, testGraph(), InboundEvent{MatchedHandle: "maybe"})

	if res.Moved || res.ToNode != "2" {
		t.Fatalf("expected hold at node 2, got %+v", res)
	}
	if !res.Waiting {
		t.Fatal("expected waiting flag")
	}
}

func TestTransitionEmptyHandleHolds(t *testing.T) {
	state := &repo.ConversationState{CurrentNodeID: "1"}
	res := Transition(state, testGraph(), InboundEvent{Text: "hello"})

	if res.Moved || !res.Waiting {
		t.Fatalf("expected hold with waiting, got %+v", res)
	}
}

func TestTransitionEndNodeCompletes(t *testing.T) {
	state := &repo.ConversationState{CurrentNodeID: "2"}
	res := Transition(state, testGraph(), InboundEvent{MatchedHandle: "confirm"})

	if !res.Moved || res.ToNode != "4" {
		t.Fatalf("expected move to node 4, got %+v", res)
	}
	if !res.Completed {
		t.Fatal("expected completion on end node")
	}
}

func TestTransitionCompletedFunnelIsNoOp(t *testing.T) {
	state := &repo.ConversationState{CurrentNodeID: "4", CompletedFunnel: true}
	res := Transition(state, testGraph(), InboundEvent{MatchedHandle: "yes"})

	if !res.NoOp {
		t.Fatalf("expected no-op, got %+v", res)
	}
}

func TestTransitionUnknownNodeHolds(t *testing.T) {
	state := &repo.ConversationState{CurrentNodeID: "99"}
	res := Transition(state, testGraph(), InboundEvent{MatchedHandle: "yes"})

	if res.Moved || !res.Waiting || res.ToNode != "99" {
		t.Fatalf("expected hold at stale node, got %+v", res)
	}
}

type fakeStore struct {
	graph  *funnel.Graph
	state  *repo.ConversationState
	denies int // number of ApplyTransition calls to reject before accepting
	raceTo string

	applied []string
}

func (f *fakeStore) GetFunnel(ctx context.Context, tenantID, botID string) (*funnel.Graph, error) {
	if f.graph == nil {
		return nil, repo.ErrNotFound
	}
	return f.graph, nil
}

func (f *fakeStore) EnsureState(ctx context.Context, tenantID, botID, counterpart, displayName string) (*repo.ConversationState, error) {
	if f.state == nil {
		f.state = &repo.ConversationState{
			TenantID:      tenantID,
			BotID:         botID,
			Counterpart:   counterpart,
			DisplayName:   displayName,
			CurrentNodeID: funnel.StartNodeID,
		}
	}
	return f.state, nil
}

func (f *fakeStore) GetState(ctx context.Context, tenantID, botID, counterpart string) (*repo.ConversationState, error) {
	if f.state == nil {
		return nil, repo.ErrNotFound
	}
	return f.state, nil
}

func (f *fakeStore) ApplyTransition(ctx context.Context, tenantID, botID, counterpart, fromNode, toNode string, waiting, completed bool, variables map[string]any) (bool, error) {
	if f.denies > 0 {
		f.denies--
		if f.raceTo != "" {
			f.state = &repo.ConversationState{CurrentNodeID: f.raceTo}
		}
		return false, nil
	}
	f.applied = append(f.applied, fromNode+"->"+toNode)
	f.state = &repo.ConversationState{
		CurrentNodeID:   toNode,
		WaitingForReply: waiting,
		CompletedFunnel: completed,
	}
	return true, nil
}

func (f *fakeStore) ResetState(ctx context.Context, tenantID, botID, counterpart string) error {
	f.state = &repo.ConversationState{CurrentNodeID: funnel.StartNodeID}
	return nil
}

func (f *fakeStore) MarkFunnelCompleted(ctx context.Context, tenantID, botID, counterpart string) error {
	if f.state == nil {
		return repo.ErrNotFound
	}
	f.state.CompletedFunnel = true
	return nil
}

func newTestEngine(store Store) *Engine {
	return New(store, slog.New(slog.DiscardHandler), metrics.Registry("test"))
}

func TestHandleInboundFirstContactThenAdvance(t *testing.T) {
	store := &fakeStore{graph: testGraph()}
	eng := newTestEngine(store)
	ctx := context.Background()

	// First contact with no matching handle: contact is created at the
	// start node and holds there.
	res, err := eng.HandleInbound(ctx, "t1", "b1", "p1", "P", InboundEvent{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if res.ToNode != "1" || !res.Waiting {
		t.Fatalf("expected hold at start node, got %+v", res)
	}

	res, err = eng.HandleInbound(ctx, "t1", "b1", "p1", "P", InboundEvent{MatchedHandle: "yes"})
	if err != nil {
		t.Fatal(err)
	}
	if res.ToNode != "2" || !res.Moved {
		t.Fatalf("expected move to node 2, got %+v", res)
	}

	// Unmatched reply at node 2 holds and flags waiting.
	res, err = eng.HandleInbound(ctx, "t1", "b1", "p1", "P", InboundEvent{Text: "???"})
	if err != nil {
		t.Fatal(err)
	}
	if res.ToNode != "2" || !res.Waiting {
		t.Fatalf("expected hold at node 2 with waiting, got %+v", res)
	}
}

func TestHandleInboundNoFunnelStillTracksContact(t *testing.T) {
	store := &fakeStore{}
	eng := newTestEngine(store)

	res, err := eng.HandleInbound(context.Background(), "t1", "b1", "p1", "P", InboundEvent{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.NoOp {
		t.Fatalf("expected no-op without funnel, got %+v", res)
	}
	if store.state == nil {
		t.Fatal("expected contact state to be created")
	}
}

func TestHandleInboundInactiveFunnelIsNoOp(t *testing.T) {
	graph := testGraph()
	graph.Active = false
	store := &fakeStore{graph: graph}
	eng := newTestEngine(store)

	res, err := eng.HandleInbound(context.Background(), "t1", "b1", "p1", "P", InboundEvent{MatchedHandle: "yes"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.NoOp {
		t.Fatalf("expected no-op for inactive funnel, got %+v", res)
	}
}

func TestHandleInboundRetriesAfterLostRace(t *testing.T) {
	store := &fakeStore{graph: testGraph(), denies: 1, raceTo: "2"}
	eng := newTestEngine(store)

	res, err := eng.HandleInbound(context.Background(), "t1", "b1", "p1", "P", InboundEvent{MatchedHandle: "confirm"})
	if err != nil {
		t.Fatal(err)
	}
	if res.FromNode != "2" || res.ToNode != "4" || !res.Completed {
		t.Fatalf("expected retry to advance from raced node, got %+v", res)
	}
	if len(store.applied) != 1 || store.applied[0] != "2->4" {
		t.Fatalf("unexpected applied transitions: %v", store.applied)
	}
}

func TestHandleInboundGivesUpUnderContention(t *testing.T) {
	store := &fakeStore{graph: testGraph(), denies: 10}
	eng := newTestEngine(store)

	_, err := eng.HandleInbound(context.Background(), "t1", "b1", "p1", "P", InboundEvent{MatchedHandle: "yes"})
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
}
