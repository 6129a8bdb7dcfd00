package engine

import (
	"chatfunnel/internal/funnel"
	"chatfunnel/internal/repo"
)

// InboundEvent is a classified inbound chat message. MatchedHandle is filled
// by the classification layer when the message resolved to a funnel edge
// label; CallingKey when it resolved to an automation category.
type InboundEvent struct {
	Text          string
	MatchedHandle string
	CallingKey    string
	Variables     map[string]any
}

// Result describes what a transition decided. The store write is performed
// separately so the decision itself stays pure and testable.
type Result struct {
	FromNode  string
	ToNode    string
	Waiting   bool
	Completed bool
	Moved     bool
	NoOp      bool
}

// Transition computes the next conversation position for an inbound event.
//
// A completed funnel is a pass-through. When no outgoing edge matches the
// event's handle the conversation holds its node and flags waiting; state is
// never dropped. A matching edge moves the conversation and completes the
// funnel when the target is an end node. Node ids missing from the current
// graph version are tolerated: in-flight conversations hold until an edge of
// a known node matches again.
func Transition(state *repo.ConversationState, graph *funnel.Graph, evt InboundEvent) Result {
	res := Result{FromNode: state.CurrentNodeID, ToNode: state.CurrentNodeID}

	if state.CompletedFunnel {
		res.NoOp = true
		res.Completed = true
		return res
	}

	node := graph.FindNode(state.CurrentNodeID)
	if node == nil {
		res.Waiting = true
		return res
	}

	if evt.MatchedHandle == "" {
		res.Waiting = true
		return res
	}

	edge, ok := node.Next(evt.MatchedHandle)
	if !ok {
		res.Waiting = true
		return res
	}

	res.ToNode = edge.Target
	res.Moved = true
	if target := graph.FindNode(edge.Target); target != nil && target.IsEnd() {
		res.Completed = true
	}
	return res
}
