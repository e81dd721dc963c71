package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kingrea/stageflow/internal/workflow"
)

// Graph is the stage dependency DAG derived from a definition. Edges come
// from "stage.output" input references and explicit after lists. References
// to unknown stages are dropped; the validator reports them separately.
type Graph struct {
	order      []string
	index      map[string]int
	deps       map[string][]string
	dependents map[string][]string
	selfLoops  map[string]bool
}

// Build derives the graph for a definition.
func Build(def workflow.WorkflowDefinition) *Graph {
	g := &Graph{
		index:      make(map[string]int, len(def.Stages)),
		deps:       make(map[string][]string, len(def.Stages)),
		dependents: make(map[string][]string, len(def.Stages)),
		selfLoops:  map[string]bool{},
	}
	for _, stage := range def.Stages {
		if _, dup := g.index[stage.Name]; dup {
			continue
		}
		g.index[stage.Name] = len(g.order)
		g.order = append(g.order, stage.Name)
	}
	seen := map[string]bool{}
	for _, stage := range def.Stages {
		if seen[stage.Name] {
			continue
		}
		seen[stage.Name] = true
		upstream := map[string]struct{}{}
		for _, raw := range stage.Inputs {
			ref := workflow.ParseInputRef(raw)
			if ref.Stage != "" {
				upstream[ref.Stage] = struct{}{}
			}
		}
		for _, after := range stage.After {
			upstream[strings.TrimSpace(after)] = struct{}{}
		}
		for dep := range upstream {
			if _, ok := g.index[dep]; !ok {
				continue
			}
			if dep == stage.Name {
				g.selfLoops[dep] = true
			}
			g.deps[stage.Name] = append(g.deps[stage.Name], dep)
			g.dependents[dep] = append(g.dependents[dep], stage.Name)
		}
	}
	for name := range g.deps {
		g.sortByOrder(g.deps[name])
	}
	for name := range g.dependents {
		g.sortByOrder(g.dependents[name])
	}
	return g
}

// Order returns stage names in definition order.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Index returns the definition position of a stage, or -1.
func (g *Graph) Index(name string) int {
	if idx, ok := g.index[name]; ok {
		return idx
	}
	return -1
}

// Dependencies returns the direct upstream stages in definition order.
func (g *Graph) Dependencies(name string) []string {
	return append([]string(nil), g.deps[name]...)
}

// Dependents returns the direct downstream stages in definition order.
func (g *Graph) Dependents(name string) []string {
	return append([]string(nil), g.dependents[name]...)
}

// CycleError reports every dependency cycle in the graph.
type CycleError struct {
	Cycles [][]string
}

func (e *CycleError) Error() string {
	parts := make([]string, 0, len(e.Cycles))
	for _, cycle := range e.Cycles {
		parts = append(parts, "["+strings.Join(cycle, ", ")+"]")
	}
	return fmt.Sprintf("graph: dependency cycle among %s", strings.Join(parts, ", "))
}

// Layers groups stages into execution layers with Kahn's algorithm. Stages in
// layer N depend only on stages in earlier layers; within a layer, stages keep
// definition order.
func (g *Graph) Layers() ([][]string, error) {
	if cycles := g.Cycles(); len(cycles) > 0 {
		return nil, &CycleError{Cycles: cycles}
	}
	indegree := make(map[string]int, len(g.order))
	for _, name := range g.order {
		indegree[name] = len(g.deps[name])
	}
	var current []string
	for _, name := range g.order {
		if indegree[name] == 0 {
			current = append(current, name)
		}
	}
	var layers [][]string
	for len(current) > 0 {
		layers = append(layers, current)
		var next []string
		for _, name := range current {
			for _, child := range g.dependents[name] {
				indegree[child]--
				if indegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		g.sortByOrder(next)
		current = next
	}
	return layers, nil
}

// Cycles returns the membership of every dependency cycle: each strongly
// connected component with more than one stage, plus self-loops. Members are
// listed in definition order and cycles are ordered by their first member.
func (g *Graph) Cycles() [][]string {
	t := tarjan{
		g:       g,
		index:   map[string]int{},
		lowlink: map[string]int{},
		onStack: map[string]bool{},
	}
	for _, name := range g.order {
		if _, visited := t.index[name]; !visited {
			t.connect(name)
		}
	}
	var cycles [][]string
	for _, component := range t.components {
		if len(component) == 1 && !g.selfLoops[component[0]] {
			continue
		}
		g.sortByOrder(component)
		cycles = append(cycles, component)
	}
	sort.SliceStable(cycles, func(i, j int) bool {
		return g.index[cycles[i][0]] < g.index[cycles[j][0]]
	})
	return cycles
}

type tarjan struct {
	g          *Graph
	counter    int
	index      map[string]int
	lowlink    map[string]int
	onStack    map[string]bool
	stack      []string
	components [][]string
}

func (t *tarjan) connect(v string) {
	t.index[v] = t.counter
	t.lowlink[v] = t.counter
	t.counter++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	for _, w := range t.g.deps[v] {
		if _, visited := t.index[w]; !visited {
			t.connect(w)
			t.lowlink[v] = min(t.lowlink[v], t.lowlink[w])
		} else if t.onStack[w] {
			t.lowlink[v] = min(t.lowlink[v], t.index[w])
		}
	}

	if t.lowlink[v] != t.index[v] {
		return
	}
	var component []string
	for {
		top := t.stack[len(t.stack)-1]
		t.stack = t.stack[:len(t.stack)-1]
		t.onStack[top] = false
		component = append(component, top)
		if top == v {
			break
		}
	}
	t.components = append(t.components, component)
}

func (g *Graph) sortByOrder(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		return g.index[names[i]] < g.index[names[j]]
	})
}
