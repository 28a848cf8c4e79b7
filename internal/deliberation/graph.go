package deliberation

import (
	"fmt"
)

// Node identifies a state-machine node. The set is closed: routing picks
// successors from a static table validated at construction, never from an
// open-ended lookup.
type Node string

const (
	NodeDecompose          Node = "decompose"
	NodeSelectPanel        Node = "select_panel"
	NodeInitialRound       Node = "initial_round"
	NodeContribute         Node = "contribute"
	NodeFacilitatorDecide  Node = "facilitator_decide"
	NodeCheckConvergence   Node = "check_convergence"
	NodeModeratorIntervene Node = "moderator_intervene"
	NodeResearch           Node = "research"
	NodeVote               Node = "vote"
	NodeSynthesize         Node = "synthesize"
	NodeNextSubproblem     Node = "next_subproblem"
	NodeMetaSynthesize     Node = "meta_synthesize"
	NodeTerminal           Node = "terminal"
)

// panelCallNodes are the nodes that invoke panel members or the
// facilitator. Once the termination flag is set these are skipped; only
// synthesis and export nodes still run.
var panelCallNodes = map[Node]bool{
	NodeInitialRound:       true,
	NodeContribute:         true,
	NodeFacilitatorDecide:  true,
	NodeModeratorIntervene: true,
	NodeResearch:           true,
	NodeVote:               true,
}

// Graph is the static control-flow graph: each node's set of legal
// successors. Routing functions may only return successors listed here;
// anything else is a logic fault that fails the session.
type Graph struct {
	start Node
	edges map[Node][]Node
}

// NewGraph builds the deliberation graph and validates it (the topology
// safety layer). Validation runs once, at construction, not per session.
func NewGraph() (*Graph, error) {
	g := &Graph{
		start: NodeDecompose,
		edges: map[Node][]Node{
			NodeDecompose:          {NodeSelectPanel},
			NodeSelectPanel:        {NodeInitialRound},
			NodeInitialRound:       {NodeFacilitatorDecide, NodeSynthesize},
			NodeFacilitatorDecide:  {NodeContribute, NodeModeratorIntervene, NodeResearch, NodeVote, NodeSynthesize, NodeFacilitatorDecide},
			NodeModeratorIntervene: {NodeContribute, NodeSynthesize},
			NodeResearch:           {NodeContribute, NodeSynthesize},
			NodeContribute:         {NodeCheckConvergence, NodeSynthesize},
			NodeCheckConvergence:   {NodeFacilitatorDecide, NodeVote, NodeSynthesize},
			NodeVote:               {NodeSynthesize},
			NodeSynthesize:         {NodeNextSubproblem},
			NodeNextSubproblem:     {NodeInitialRound, NodeMetaSynthesize},
			NodeMetaSynthesize:     {NodeTerminal},
			NodeTerminal:           {},
		},
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Start returns the entry node.
func (g *Graph) Start() Node {
	return g.start
}

// Legal reports whether to is a legal successor of from.
func (g *Graph) Legal(from, to Node) bool {
	for _, n := range g.edges[from] {
		if n == to {
			return true
		}
	}
	return false
}

// Validate proves the graph cannot trap a session: every edge target is a
// defined node, every node is reachable from the start, and the terminal
// node is reachable from every node. Terminal-reachability from every node
// implies every cycle has a reachable exit edge.
func (g *Graph) Validate() error {
	for from, succs := range g.edges {
		for _, to := range succs {
			if _, ok := g.edges[to]; !ok {
				return fmt.Errorf("graph edge %s -> %s targets undefined node", from, to)
			}
		}
	}

	reachable := g.reachableFrom(g.start)
	for node := range g.edges {
		if !reachable[node] {
			return fmt.Errorf("node %s is unreachable from %s", node, g.start)
		}
	}

	reverse := make(map[Node][]Node, len(g.edges))
	for from, succs := range g.edges {
		for _, to := range succs {
			reverse[to] = append(reverse[to], from)
		}
	}
	canExit := make(map[Node]bool)
	var mark func(Node)
	mark = func(n Node) {
		if canExit[n] {
			return
		}
		canExit[n] = true
		for _, pred := range reverse[n] {
			mark(pred)
		}
	}
	mark(NodeTerminal)
	for node := range g.edges {
		if !canExit[node] {
			return fmt.Errorf("node %s has no path to %s: cycle without exit", node, NodeTerminal)
		}
	}
	return nil
}

func (g *Graph) reachableFrom(start Node) map[Node]bool {
	seen := make(map[Node]bool)
	stack := []Node{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g.edges[n]...)
	}
	return seen
}
