// Package dag converts a pipeline spec into a validated job graph with
// forward and reverse adjacency and a stable topological order.
package dag

import (
	"github.com/papforge/pap/pkg/api"
)

// Graph is an arena of jobs indexed by stable integer id. Adjacency is kept
// as index lists in both directions so status propagation never needs owning
// cyclic references. The graph is immutable once built and may be shared
// read-only by the scheduler and status consumers.
type Graph struct {
	jobs    []api.Job
	index   map[string]int
	forward [][]int // i -> jobs depending on i
	reverse [][]int // i -> jobs i depends on
	topo    []int
}

// Build validates the spec and constructs its graph. It reports duplicate
// job names, references to unknown jobs, malformed steps, and dependency
// cycles, naming the members of the first cycle found.
func Build(spec *api.PipelineSpec) (*Graph, error) {
	if spec == nil || len(spec.Jobs) == 0 {
		return nil, &api.ValidationError{Kind: api.ValidationEmptySpec, Message: "spec has no jobs"}
	}

	g := &Graph{
		jobs:    spec.Jobs,
		index:   make(map[string]int, len(spec.Jobs)),
		forward: make([][]int, len(spec.Jobs)),
		reverse: make([][]int, len(spec.Jobs)),
	}

	for i, job := range spec.Jobs {
		if _, dup := g.index[job.Name]; dup {
			return nil, &api.ValidationError{Kind: api.ValidationDuplicateJob, Job: job.Name}
		}
		g.index[job.Name] = i

		if err := validateSteps(&job); err != nil {
			return nil, err
		}
	}

	for i, job := range spec.Jobs {
		for _, need := range job.Needs {
			j, ok := g.index[need]
			if !ok {
				return nil, &api.ValidationError{
					Kind:       api.ValidationUnknownDependency,
					Job:        job.Name,
					Dependency: need,
				}
			}
			g.reverse[i] = append(g.reverse[i], j)
			g.forward[j] = append(g.forward[j], i)
		}
	}

	topo, cycle := g.sort()
	if cycle != nil {
		return nil, &api.ValidationError{Kind: api.ValidationCycle, Cycle: cycle}
	}
	g.topo = topo

	return g, nil
}

func validateSteps(job *api.Job) error {
	if len(job.Steps) == 0 {
		return &api.ValidationError{
			Kind:    api.ValidationUnknownStepKind,
			Job:     job.Name,
			Message: "job has no steps",
		}
	}
	for _, step := range job.Steps {
		var ok bool
		switch step.Kind {
		case api.StepProcess:
			ok = step.Process != nil
		case api.StepScript:
			ok = step.Script != nil
		case api.StepFuzz:
			ok = step.Fuzz != nil
		}
		if !ok {
			return &api.ValidationError{
				Kind:    api.ValidationUnknownStepKind,
				Job:     job.Name,
				Message: "step " + step.Name + " has kind " + string(step.Kind) + " without a matching body",
			}
		}
	}
	return nil
}

// DFS coloring for cycle detection and topological ordering.
const (
	white = iota // unvisited
	gray         // on the current DFS stack
	black        // finished
)

// sort returns a topological order, or the member names of the first cycle.
func (g *Graph) sort() ([]int, []string) {
	color := make([]int, len(g.jobs))
	order := make([]int, 0, len(g.jobs))
	stack := make([]int, 0, len(g.jobs))

	var cycle []string
	var visit func(i int) bool
	visit = func(i int) bool {
		color[i] = gray
		stack = append(stack, i)
		for _, dep := range g.reverse[i] {
			switch color[dep] {
			case gray:
				// Extract the cycle from the back-edge target forward.
				start := 0
				for k, v := range stack {
					if v == dep {
						start = k
						break
					}
				}
				for _, v := range stack[start:] {
					cycle = append(cycle, g.jobs[v].Name)
				}
				return false
			case white:
				if !visit(dep) {
					return false
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[i] = black
		order = append(order, i)
		return true
	}

	for i := range g.jobs {
		if color[i] == white && !visit(i) {
			return nil, cycle
		}
	}
	return order, nil
}

// Len returns the number of jobs in the graph.
func (g *Graph) Len() int { return len(g.jobs) }

// Job returns the job at index i.
func (g *Graph) Job(i int) *api.Job { return &g.jobs[i] }

// Index returns the index of the named job.
func (g *Graph) Index(name string) (int, bool) {
	i, ok := g.index[name]
	return i, ok
}

// Dependencies returns the indices job i depends on.
func (g *Graph) Dependencies(i int) []int { return g.reverse[i] }

// Dependents returns the indices of jobs depending on job i.
func (g *Graph) Dependents(i int) []int { return g.forward[i] }

// TopoOrder returns job indices in dependency order: every job appears
// after all of its dependencies.
func (g *Graph) TopoOrder() []int { return g.topo }

// Downstream returns the transitive closure of jobs reachable from i.
func (g *Graph) Downstream(i int) []int {
	seen := make(map[int]bool)
	var out []int
	queue := append([]int(nil), g.forward[i]...)
	for len(queue) > 0 {
		j := queue[0]
		queue = queue[1:]
		if seen[j] {
			continue
		}
		seen[j] = true
		out = append(out, j)
		queue = append(queue, g.forward[j]...)
	}
	return out
}
