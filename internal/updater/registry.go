package updater

import (
	"fmt"
	"sort"
)

// Step names one unit of work inside a workflow.
type Step string

type StepKind int

const (
	KindNormal StepKind = iota
	// KindEntry steps start a run and are the only ones that may take maintenance mode.
	KindEntry
	// KindFinish steps end a run. Maintenance mode is always released after them.
	KindFinish
)

func (k StepKind) String() string {
	switch k {
	case KindEntry:
		return "entry"
	case KindFinish:
		return "finish"
	default:
		return "normal"
	}
}

// Handler runs one step. A returned error that is a *ProtocolError rejects the
// request, any other error is treated as an unrecoverable failure.
type Handler func(sc *StepContext) (Result, error)

type StepDef struct {
	Step       Step
	Kind       StepKind
	Status     string // status shown while the step runs
	Permission string
	Handler    Handler
}

// Definition is the static catalog of one workflow type.
type Definition struct {
	Workflow string
	Steps    []StepDef
	// Transitions lists, per step, the steps it may hand over to. Retrying the
	// same step is always allowed.
	Transitions map[Step][]Step
}

type catalog struct {
	def   Definition
	steps map[Step]StepDef
	next  map[Step]map[Step]bool
}

// Registry maps workflow type and step name to a step definition. It is
// populated once at startup and read only afterwards.
type Registry struct {
	workflows map[string]*catalog
}

func NewRegistry(defs ...Definition) *Registry {
	r := &Registry{workflows: make(map[string]*catalog)}
	for _, def := range defs {
		r.Register(def)
	}
	return r
}

// Register adds a workflow catalog. It panics on an inconsistent definition.
func (r *Registry) Register(def Definition) {
	if def.Workflow == "" {
		panic("workflow definition without a name")
	}
	if _, exists := r.workflows[def.Workflow]; exists {
		panic(fmt.Sprintf("workflow %s registered twice", def.Workflow))
	}
	c := &catalog{def: def, steps: make(map[Step]StepDef), next: make(map[Step]map[Step]bool)}
	entries := 0
	for _, s := range def.Steps {
		if s.Handler == nil {
			panic(fmt.Sprintf("step %s/%s has no handler", def.Workflow, s.Step))
		}
		if _, dup := c.steps[s.Step]; dup {
			panic(fmt.Sprintf("step %s/%s declared twice", def.Workflow, s.Step))
		}
		if s.Kind == KindEntry {
			entries++
		}
		c.steps[s.Step] = s
	}
	if entries == 0 {
		panic(fmt.Sprintf("workflow %s has no entry step", def.Workflow))
	}
	for from, targets := range def.Transitions {
		if _, ok := c.steps[from]; !ok {
			panic(fmt.Sprintf("transition from undeclared step %s/%s", def.Workflow, from))
		}
		c.next[from] = make(map[Step]bool, len(targets))
		for _, to := range targets {
			if _, ok := c.steps[to]; !ok {
				panic(fmt.Sprintf("transition %s -> %s names an undeclared step in %s", from, to, def.Workflow))
			}
			c.next[from][to] = true
		}
	}
	r.workflows[def.Workflow] = c
}

// Lookup returns the definition of step within workflow. Unknown names are
// rejected as protocol errors.
func (r *Registry) Lookup(workflow string, step Step) (StepDef, error) {
	c, ok := r.workflows[workflow]
	if !ok {
		return StepDef{}, Reject(codeFor(ErrUnknownWorkflow), fmt.Errorf("%w: %q", ErrUnknownWorkflow, workflow))
	}
	def, ok := c.steps[step]
	if !ok {
		return StepDef{}, Reject(codeFor(ErrUnknownStep), fmt.Errorf("%w: %q in %s", ErrUnknownStep, step, workflow))
	}
	return def, nil
}

// StatusFor returns the status message registered for a step.
func (r *Registry) StatusFor(workflow string, step Step) (string, error) {
	def, err := r.Lookup(workflow, step)
	if err != nil {
		return "", err
	}
	return def.Status, nil
}

// Allowed reports whether a result of step from may point at step to.
func (r *Registry) Allowed(workflow string, from, to Step) bool {
	c, ok := r.workflows[workflow]
	if !ok {
		return false
	}
	if _, ok := c.steps[to]; !ok {
		return false
	}
	return from == to || c.next[from][to]
}

// Workflows returns the registered workflow types, sorted.
func (r *Registry) Workflows() []string {
	out := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
