package funnel

import (
	"errors"
	"testing"
)

func TestValidateAcceptsEmptyGraph(t *testing.T) {
	if err := Validate(nil); err != nil {
		t.Fatalf("empty graph should validate, got %v", err)
	}
}

func TestValidateRejectsDuplicateIDs(t *testing.T) {
	nodes := []Node{
		{ID: "1", Type: "message"},
		{ID: "1", Type: "message"},
	}
	err := Validate(nodes)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestValidateRejectsMissingStartNode(t *testing.T) {
	nodes := []Node{{ID: "2", Type: "message"}}
	if err := Validate(nodes); err == nil {
		t.Fatal("expected error for missing start node")
	}
}

func TestValidateRejectsDanglingEdge(t *testing.T) {
	nodes := []Node{
		{ID: "1", Type: "message", Edges: []Edge{{Target: "99", Handle: "yes"}}},
	}
	if err := Validate(nodes); err == nil {
		t.Fatal("expected error for unresolvable edge target")
	}
}

func TestValidateAcceptsWellFormedGraph(t *testing.T) {
	nodes := []Node{
		{ID: "1", Type: "message", Edges: []Edge{{Target: "2", Handle: "yes"}, {Target: "3", Handle: "no"}}},
		{ID: "2", Type: "message", Edges: []Edge{{Target: "3", Handle: "done"}}},
		{ID: "3", Type: "end"},
	}
	if err := Validate(nodes); err != nil {
		t.Fatalf("expected valid graph, got %v", err)
	}
}

func TestNextMatchesHandle(t *testing.T) {
	node := Node{ID: "1", Edges: []Edge{{Target: "2", Handle: "yes"}}}
	edge, ok := node.Next("yes")
	if !ok || edge.Target != "2" {
		t.Fatalf("expected edge to 2, got %+v ok=%v", edge, ok)
	}
	if _, ok := node.Next("no"); ok {
		t.Fatal("expected no match for unknown handle")
	}
}

func TestIsEnd(t *testing.T) {
	if !(&Node{Type: "END"}).IsEnd() {
		t.Fatal("end type should be case-insensitive")
	}
	if (&Node{Type: "message"}).IsEnd() {
		t.Fatal("message node is not terminal")
	}
}
