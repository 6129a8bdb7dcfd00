package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"chatfunnel/internal/funnel"
	"chatfunnel/internal/metrics"
	"chatfunnel/internal/repo"
)

// maxRetries bounds the optimistic-update loop for one inbound event.
const maxRetries = 3

// Store is the persistence slice the engine needs.
type Store interface {
	GetFunnel(ctx context.Context, tenantID, botID string) (*funnel.Graph, error)
	EnsureState(ctx context.Context, tenantID, botID, counterpart, displayName string) (*repo.ConversationState, error)
	GetState(ctx context.Context, tenantID, botID, counterpart string) (*repo.ConversationState, error)
	ApplyTransition(ctx context.Context, tenantID, botID, counterpart, fromNode, toNode string, waiting, completed bool, variables map[string]any) (bool, error)
	ResetState(ctx context.Context, tenantID, botID, counterpart string) error
	MarkFunnelCompleted(ctx context.Context, tenantID, botID, counterpart string) error
}

// Engine advances conversation state against the published funnel graph.
type Engine struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(store Store, logger *slog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		store:   store,
		logger:  logger.With(slog.String("component", "engine")),
		metrics: m,
	}
}

// HandleInbound records the contact and advances the conversation for one
// classified message. The state write is a compare-and-swap on the current
// node; a lost race reloads the state and re-decides, so concurrent messages
// from the same counterpart serialize instead of clobbering each other.
//
// A missing or inactive funnel still upserts the contact but performs no
// transition.
func (e *Engine) HandleInbound(ctx context.Context, tenantID, botID, counterpart, displayName string, evt InboundEvent) (Result, error) {
	state, err := e.store.EnsureState(ctx, tenantID, botID, counterpart, displayName)
	if err != nil {
		return Result{}, fmt.Errorf("ensure state: %w", err)
	}

	graph, err := e.store.GetFunnel(ctx, tenantID, botID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			e.metrics.Transitions.WithLabelValues("no_funnel").Inc()
			return Result{FromNode: state.CurrentNodeID, ToNode: state.CurrentNodeID, NoOp: true}, nil
		}
		return Result{}, fmt.Errorf("load funnel: %w", err)
	}
	if !graph.Active {
		e.metrics.Transitions.WithLabelValues("no_funnel").Inc()
		return Result{FromNode: state.CurrentNodeID, ToNode: state.CurrentNodeID, NoOp: true}, nil
	}

	for attempt := 0; ; attempt++ {
		res := Transition(state, graph, evt)
		if res.NoOp {
			e.metrics.Transitions.WithLabelValues("noop").Inc()
			return res, nil
		}

		applied, err := e.store.ApplyTransition(ctx,
			tenantID, botID, counterpart,
			res.FromNode, res.ToNode, res.Waiting, res.Completed, evt.Variables)
		if err != nil {
			return Result{}, fmt.Errorf("apply transition: %w", err)
		}
		if applied {
			e.metrics.Transitions.WithLabelValues(res.label()).Inc()
			if res.Moved {
				e.logger.Debug("conversation advanced",
					slog.String("counterpart", counterpart),
					slog.String("from", res.FromNode),
					slog.String("to", res.ToNode),
					slog.Bool("completed", res.Completed))
			}
			return res, nil
		}

		if attempt+1 >= maxRetries {
			e.metrics.Transitions.WithLabelValues("contention").Inc()
			return Result{}, fmt.Errorf("transition for %s: %w", counterpart, repo.ErrConflict)
		}
		state, err = e.store.GetState(ctx, tenantID, botID, counterpart)
		if err != nil {
			return Result{}, fmt.Errorf("reload state: %w", err)
		}
	}
}

// CurrentNode returns the node the counterpart's conversation sits on, or nil
// when the node id is not in the current graph version.
func (e *Engine) CurrentNode(ctx context.Context, tenantID, botID, counterpart string) (*funnel.Node, error) {
	state, err := e.store.GetState(ctx, tenantID, botID, counterpart)
	if err != nil {
		return nil, err
	}
	graph, err := e.store.GetFunnel(ctx, tenantID, botID)
	if err != nil {
		return nil, err
	}
	return graph.FindNode(state.CurrentNodeID), nil
}

// Restart puts the counterpart back at the start node with a clean slate.
func (e *Engine) Restart(ctx context.Context, tenantID, botID, counterpart string) error {
	if err := e.store.ResetState(ctx, tenantID, botID, counterpart); err != nil {
		return fmt.Errorf("restart conversation: %w", err)
	}
	e.metrics.Transitions.WithLabelValues("restart").Inc()
	return nil
}

// Complete force-finishes the conversation regardless of its current node.
// Further inbound messages become no-ops until a restart.
func (e *Engine) Complete(ctx context.Context, tenantID, botID, counterpart string) error {
	if err := e.store.MarkFunnelCompleted(ctx, tenantID, botID, counterpart); err != nil {
		return fmt.Errorf("complete conversation: %w", err)
	}
	e.metrics.Transitions.WithLabelValues("force_completed").Inc()
	return nil
}

func (r Result) label() string {
	switch {
	case r.Completed:
		return "completed"
	case r.Moved:
		return "moved"
	default:
		return "held"
	}
}
