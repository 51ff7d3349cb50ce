package registry

import (
	"fmt"
	"strings"
)

// Graph is the validated, immutable DAG of a template's steps.
type Graph struct {
	steps      []*Step
	byID       map[string]*Step
	dependents map[string][]string
}

// NewGraph validates steps and returns a Graph. Returns ErrInvalidTemplate
// for empty or duplicate ids, unknown or self dependencies and malformed
// conditions, and ErrCyclicWorkflow when the dependencies form a cycle.
// Zero steps is a valid, empty graph.
func NewGraph(steps ...*Step) (*Graph, error) {
	g := &Graph{
		steps:      make([]*Step, 0, len(steps)),
		byID:       make(map[string]*Step, len(steps)),
		dependents: make(map[string][]string, len(steps)),
	}

	for _, s := range steps {
		if s == nil {
			return nil, invalid("nil step")
		}
		if err := s.validate(); err != nil {
			return nil, err
		}
		if _, exists := g.byID[s.id]; exists {
			return nil, invalid("duplicate step id %q", s.id)
		}
		g.byID[s.id] = s
		g.steps = append(g.steps, s)
	}

	for _, s := range g.steps {
		seen := make(map[string]bool, len(s.dependsOn))
		deduped := s.dependsOn[:0:0]
		for _, dep := range s.dependsOn {
			if dep == s.id {
				return nil, invalid("step %s depends on itself", s.id)
			}
			if _, ok := g.byID[dep]; !ok {
				return nil, invalid("step %s depends on unknown step %q", s.id, dep)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			deduped = append(deduped, dep)
			g.dependents[dep] = append(g.dependents[dep], s.id)
		}
		s.dependsOn = deduped
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	return g, nil
}

// Len returns the number of steps.
func (g *Graph) Len() int {
	if g == nil {
		return 0
	}
	return len(g.steps)
}

// Steps returns the steps in declaration order.
func (g *Graph) Steps() []*Step {
	if g == nil {
		return nil
	}
	out := make([]*Step, len(g.steps))
	copy(out, g.steps)
	return out
}

// Step returns the step with the given id.
func (g *Graph) Step(id string) (*Step, bool) {
	if g == nil {
		return nil, false
	}
	s, ok := g.byID[id]
	return s, ok
}

// Roots returns the steps with no dependencies, in declaration order.
func (g *Graph) Roots() []*Step {
	var roots []*Step
	for _, s := range g.Steps() {
		if len(s.dependsOn) == 0 {
			roots = append(roots, s)
		}
	}
	return roots
}

// DependenciesOf returns the steps the given step depends on, in
// declaration order of its dependsOn list.
func (g *Graph) DependenciesOf(id string) []*Step {
	s, ok := g.Step(id)
	if !ok {
		return nil
	}
	deps := make([]*Step, 0, len(s.dependsOn))
	for _, dep := range s.dependsOn {
		deps = append(deps, g.byID[dep])
	}
	return deps
}

// DependentsOf returns the steps that depend on the given step.
func (g *Graph) DependentsOf(id string) []*Step {
	if g == nil {
		return nil
	}
	ids := g.dependents[id]
	out := make([]*Step, 0, len(ids))
	for _, dep := range ids {
		out = append(out, g.byID[dep])
	}
	return out
}

// TopologicalOrder returns the steps ordered so every step follows all of
// its dependencies. Ties keep declaration order. Returns ErrCyclicWorkflow
// if no such order exists.
func (g *Graph) TopologicalOrder() ([]*Step, error) {
	if g == nil {
		return nil, nil
	}
	indegree := make(map[string]int, len(g.steps))
	for _, s := range g.steps {
		indegree[s.id] = len(s.dependsOn)
	}

	order := make([]*Step, 0, len(g.steps))
	placed := make(map[string]bool, len(g.steps))
	for len(order) < len(g.steps) {
		progressed := false
		for _, s := range g.steps {
			if placed[s.id] || indegree[s.id] > 0 {
				continue
			}
			placed[s.id] = true
			order = append(order, s)
			for _, dep := range g.dependents[s.id] {
				indegree[dep]--
			}
			progressed = true
		}
		if !progressed {
			return nil, fmt.Errorf("%w: %d steps unreachable", ErrCyclicWorkflow, len(g.steps)-len(order))
		}
	}
	return order, nil
}

// detectCycles uses DFS with a recursion stack to detect cycles. The error
// names the full cycle path.
func (g *Graph) detectCycles() error {
	visited := make(map[string]bool, len(g.steps))
	recStack := make(map[string]bool, len(g.steps))
	var path []string

	var dfs func(id string) error
	dfs = func(id string) error {
		visited[id] = true
		recStack[id] = true
		path = append(path, id)

		for _, dep := range g.byID[id].dependsOn {
			if !visited[dep] {
				if err := dfs(dep); err != nil {
					return err
				}
			} else if recStack[dep] {
				return fmt.Errorf("%w: %s", ErrCyclicWorkflow, cyclePath(path, dep))
			}
		}

		recStack[id] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, s := range g.steps {
		if !visited[s.id] {
			if err := dfs(s.id); err != nil {
				return err
			}
		}
	}
	return nil
}

// cyclePath renders the portion of path starting at the repeated id, e.g.
// "a -> b -> c -> a".
func cyclePath(path []string, repeated string) string {
	start := 0
	for i, id := range path {
		if id == repeated {
			start = i
			break
		}
	}
	cycle := append(append([]string{}, path[start:]...), repeated)
	return strings.Join(cycle, " -> ")
}
