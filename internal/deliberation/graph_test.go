package deliberation

import (
	"testing"
)

func TestNewGraph_Valid(t *testing.T) {
	g, err := NewGraph()
	if err != nil {
		t.Fatalf("NewGraph() error = %v", err)
	}
	if g.Start() != NodeDecompose {
		t.Fatalf("Start() = %s, want %s", g.Start(), NodeDecompose)
	}
}

func TestGraph_Legal(t *testing.T) {
	g, err := NewGraph()
	if err != nil {
		t.Fatalf("NewGraph() error = %v", err)
	}

	legal := [][2]Node{
		{NodeDecompose, NodeSelectPanel},
		{NodeFacilitatorDecide, NodeVote},
		{NodeFacilitatorDecide, NodeFacilitatorDecide}, // clarification self-loop
		{NodeCheckConvergence, NodeVote},
		{NodeNextSubproblem, NodeMetaSynthesize},
		{NodeMetaSynthesize, NodeTerminal},
	}
	for _, e := range legal {
		if !g.Legal(e[0], e[1]) {
			t.Errorf("Legal(%s, %s) = false, want true", e[0], e[1])
		}
	}

	illegal := [][2]Node{
		{NodeDecompose, NodeVote},
		{NodeVote, NodeContribute},       // voting never reopens debate
		{NodeTerminal, NodeDecompose},    // terminal has no successors
		{NodeSynthesize, NodeContribute}, // synthesis never reopens debate
		{NodeContribute, NodeFacilitatorDecide},
	}
	for _, e := range illegal {
		if g.Legal(e[0], e[1]) {
			t.Errorf("Legal(%s, %s) = true, want false", e[0], e[1])
		}
	}
}

func TestGraphValidate_UndefinedTarget(t *testing.T) {
	g := &Graph{
		start: "a",
		edges: map[Node][]Node{
			"a": {"ghost"},
		},
	}
	if err := g.Validate(); err == nil {
		t.Fatal("expected error for edge to undefined node")
	}
}

func TestGraphValidate_UnreachableNode(t *testing.T) {
	g := &Graph{
		start: "a",
		edges: map[Node][]Node{
			"a":          {NodeTerminal},
			"orphan":     {NodeTerminal},
			NodeTerminal: {},
		},
	}
	if err := g.Validate(); err == nil {
		t.Fatal("expected error for node unreachable from start")
	}
}

func TestGraphValidate_CycleWithoutExit(t *testing.T) {
	g := &Graph{
		start: "a",
		edges: map[Node][]Node{
			"a":          {"b", NodeTerminal},
			"b":          {"c"},
			"c":          {"b"}, // b <-> c can never reach terminal
			NodeTerminal: {},
		},
	}
	if err := g.Validate(); err == nil {
		t.Fatal("expected error for cycle with no path to terminal")
	}
}

func TestGraphValidate_CycleWithExitAllowed(t *testing.T) {
	g := &Graph{
		start: "a",
		edges: map[Node][]Node{
			"a":          {"b"},
			"b":          {"a", NodeTerminal}, // cycle, but with an exit
			NodeTerminal: {},
		},
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("Validate() error = %v, want nil for cycle with exit", err)
	}
}
