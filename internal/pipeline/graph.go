package pipeline

import (
	"fmt"
	"sort"

	"git.home.luguber.info/inful/sitesync/internal/store"
)

// Graph is the registry of all stages plus their declared dependency edges.
// Register all stages, then Validate once; after successful validation the
// graph is immutable and TopologicalOrder is available.
type Graph struct {
	stages    map[string]Stage
	order     []string
	validated bool
}

// NewGraph creates an empty stage registry.
func NewGraph() *Graph {
	return &Graph{stages: make(map[string]Stage)}
}

// Register adds a stage. Duplicate names and self-dependencies are rejected
// immediately; dangling dependency references surface later in Validate.
func (g *Graph) Register(s Stage) error {
	if g.validated {
		return &GraphError{Kind: KindGraphFrozen, Stage: s.Name()}
	}
	name := s.Name()
	if _, exists := g.stages[name]; exists {
		return &GraphError{Kind: KindDuplicateStage, Stage: name}
	}
	for _, dep := range s.Dependencies() {
		if dep == name {
			return &GraphError{Kind: KindSelfDependency, Stage: name}
		}
	}
	g.stages[name] = s
	return nil
}

// Validate checks that every dependency edge references a registered stage,
// that the graph is acyclic, and that every record variant has at most one
// writer stage. On success it freezes the graph and computes the execution
// order.
func (g *Graph) Validate() error {
	if g.validated {
		return nil
	}

	for _, name := range g.sortedNames() {
		for _, dep := range g.stages[name].Dependencies() {
			if _, ok := g.stages[dep]; !ok {
				return &GraphError{
					Kind:   KindUnknownDependency,
					Stage:  name,
					Detail: fmt.Sprintf("unknown dependency %q", dep),
				}
			}
		}
	}

	if err := g.checkOwnership(); err != nil {
		return err
	}

	order, err := g.topoSort()
	if err != nil {
		return err
	}

	g.order = order
	g.validated = true
	return nil
}

// checkOwnership enforces the single-writer-per-variant rule statically,
// before any stage runs.
func (g *Graph) checkOwnership() error {
	owners := make(map[store.Variant]string)
	for _, name := range g.sortedNames() {
		for _, v := range g.stages[name].OwnedVariants() {
			if other, claimed := owners[v]; claimed {
				return &GraphError{
					Kind:   KindOwnershipConflict,
					Stage:  name,
					Detail: fmt.Sprintf("variant %q claimed by both %q and %q", v, other, name),
				}
			}
			owners[v] = name
		}
	}
	return nil
}

// topoSort runs Kahn's algorithm. Ties between independent stages are broken
// by stage name so the order is reproducible across builds.
func (g *Graph) topoSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.stages))
	dependents := make(map[string][]string, len(g.stages))
	for name, s := range g.stages {
		inDegree[name] += 0
		for _, dep := range s.Dependencies() {
			inDegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(g.stages))
	for len(ready) > 0 {
		sort.Strings(ready)
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, dep := range dependents[next] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(g.stages) {
		return nil, &GraphError{Kind: KindCycleDetected, Cycle: g.findCycle(inDegree)}
	}
	return order, nil
}

// findCycle walks the leftover nodes of a failed Kahn pass until a node
// repeats, yielding one concrete cycle for the error message.
func (g *Graph) findCycle(inDegree map[string]int) []string {
	remaining := make(map[string]bool)
	for name, deg := range inDegree {
		if deg > 0 {
			remaining[name] = true
		}
	}

	var start string
	for _, name := range g.sortedNames() {
		if remaining[name] {
			start = name
			break
		}
	}

	seen := map[string]int{}
	path := []string{}
	current := start
	for {
		if idx, ok := seen[current]; ok {
			cycle := append([]string(nil), path[idx:]...)
			return append(cycle, current)
		}
		seen[current] = len(path)
		path = append(path, current)

		deps := g.stages[current].Dependencies()
		next := ""
		sorted := append([]string(nil), deps...)
		sort.Strings(sorted)
		for _, dep := range sorted {
			if remaining[dep] {
				next = dep
				break
			}
		}
		if next == "" {
			return path // should not happen: every remaining node sits on a cycle
		}
		current = next
	}
}

// TopologicalOrder returns the deterministic execution order. It panics if
// the graph has not been validated; that is a programming error.
func (g *Graph) TopologicalOrder() []string {
	if !g.validated {
		panic("pipeline: TopologicalOrder called before Validate")
	}
	return append([]string(nil), g.order...)
}

// Stage returns a registered stage by name.
func (g *Graph) Stage(name string) (Stage, bool) {
	s, ok := g.stages[name]
	return s, ok
}

// Len returns the number of registered stages.
func (g *Graph) Len() int { return len(g.stages) }

// Dependents returns the names of stages that directly depend on the given
// stage, sorted by name.
func (g *Graph) Dependents(name string) []string {
	var out []string
	for _, candidate := range g.sortedNames() {
		for _, dep := range g.stages[candidate].Dependencies() {
			if dep == name {
				out = append(out, candidate)
				break
			}
		}
	}
	return out
}

// Descriptors returns descriptors for all stages in topological order.
func (g *Graph) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(g.order))
	for _, name := range g.TopologicalOrder() {
		out = append(out, Describe(g.stages[name]))
	}
	return out
}

func (g *Graph) sortedNames() []string {
	names := make([]string, 0, len(g.stages))
	for name := range g.stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
