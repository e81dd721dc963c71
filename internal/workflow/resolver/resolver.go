package resolver

import (
	"fmt"

	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/graph"
)

// NodeState represents the resolver's understanding of a stage's readiness.
type NodeState string

const (
	NodeStateUnknown     NodeState = "unknown"
	NodeStateReady       NodeState = "ready"
	NodeStateBlocked     NodeState = "blocked"
	NodeStateUnreachable NodeState = "unreachable"
	NodeStateRunning     NodeState = "running"
	NodeStateComplete    NodeState = "complete"
	NodeStateFailed      NodeState = "failed"
	NodeStateSkipped     NodeState = "skipped"
)

// Node captures a workflow stage plus its dependency metadata.
type Node struct {
	ID           string
	Stage        workflow.Stage
	Index        int
	Layer        int
	Dependencies []string
	Dependents   []string

	State NodeState
	// BlockedBy lists unfinished dependencies for blocked nodes, or the
	// failed/skipped dependencies for unreachable ones.
	BlockedBy []string
}

// Resolver evaluates stage readiness for one workflow definition.
type Resolver struct {
	definition workflow.WorkflowDefinition
	graph      *graph.Graph
	nodes      map[string]*Node
	orderedIDs []string
	topo       []string
}

// New constructs a resolver. The definition must be acyclic.
func New(def workflow.WorkflowDefinition) (*Resolver, error) {
	g := graph.Build(def)
	layers, err := g.Layers()
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", def.ID, err)
	}
	nodes := make(map[string]*Node, len(def.Stages))
	var topo []string
	for layerIdx, layer := range layers {
		for _, id := range layer {
			stage, _ := def.Stage(id)
			nodes[id] = &Node{
				ID:           id,
				Stage:        stage,
				Index:        g.Index(id),
				Layer:        layerIdx,
				Dependencies: g.Dependencies(id),
				Dependents:   g.Dependents(id),
				State:        NodeStateUnknown,
			}
			topo = append(topo, id)
		}
	}
	return &Resolver{
		definition: def,
		graph:      g,
		nodes:      nodes,
		orderedIDs: g.Order(),
		topo:       topo,
	}, nil
}

// Definition returns a clone of the resolver's workflow definition.
func (r *Resolver) Definition() workflow.WorkflowDefinition {
	return r.definition.Clone()
}

// Graph returns the dependency graph backing the resolver.
func (r *Resolver) Graph() *graph.Graph {
	return r.graph
}

// Nodes returns the nodes in workflow declaration order.
func (r *Resolver) Nodes() []*Node {
	out := make([]*Node, 0, len(r.orderedIDs))
	for _, id := range r.orderedIDs {
		if node, ok := r.nodes[id]; ok {
			out = append(out, node)
		}
	}
	return out
}

// Node retrieves a specific stage node.
func (r *Resolver) Node(id string) (*Node, bool) {
	node, ok := r.nodes[id]
	return node, ok
}

// Refresh re-evaluates every node against the persisted stage statuses.
// Stages missing from statuses are treated as pending.
func (r *Resolver) Refresh(statuses map[string]workflow.StageStatus) {
	for _, id := range r.topo {
		node := r.nodes[id]
		node.BlockedBy = nil
		switch statuses[id] {
		case workflow.StageSucceeded:
			node.State = NodeStateComplete
			continue
		case workflow.StageFailed:
			node.State = NodeStateFailed
			continue
		case workflow.StageSkipped:
			node.State = NodeStateSkipped
			continue
		case workflow.StageRunning:
			node.State = NodeStateRunning
			continue
		}
		if doomed := r.doomedBy(node); len(doomed) > 0 {
			node.State = NodeStateUnreachable
			node.BlockedBy = doomed
			continue
		}
		if blockers := r.blockers(node); len(blockers) > 0 {
			node.State = NodeStateBlocked
			node.BlockedBy = blockers
			continue
		}
		node.State = NodeStateReady
	}
}

// Ready returns nodes whose dependencies have all succeeded, in declaration
// order.
func (r *Resolver) Ready() []*Node {
	return r.inState(NodeStateReady)
}

// Unreachable returns pending nodes that can never run because an upstream
// stage failed or was skipped.
func (r *Resolver) Unreachable() []*Node {
	return r.inState(NodeStateUnreachable)
}

// Complete reports whether every stage succeeded.
func (r *Resolver) Complete() bool {
	for _, node := range r.nodes {
		if node.State != NodeStateComplete {
			return false
		}
	}
	return true
}

func (r *Resolver) inState(state NodeState) []*Node {
	var out []*Node
	for _, id := range r.orderedIDs {
		if node := r.nodes[id]; node.State == state {
			out = append(out, node)
		}
	}
	return out
}

func (r *Resolver) blockers(node *Node) []string {
	if len(node.Dependencies) == 0 {
		return nil
	}
	blockers := make([]string, 0, len(node.Dependencies))
	for _, depID := range node.Dependencies {
		dep, ok := r.nodes[depID]
		if !ok || dep.State != NodeStateComplete {
			blockers = append(blockers, depID)
		}
	}
	if len(blockers) == 0 {
		return nil
	}
	return blockers
}

func (r *Resolver) doomedBy(node *Node) []string {
	var doomed []string
	for _, depID := range node.Dependencies {
		switch r.nodes[depID].State {
		case NodeStateFailed, NodeStateSkipped, NodeStateUnreachable:
			doomed = append(doomed, depID)
		}
	}
	return doomed
}
