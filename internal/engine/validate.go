package engine

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// ErrCycle is reported when the dependency graph has a cycle that does not
// pass through a reflexive edge.
var ErrCycle = errors.New("dependency cycle")

// objectError ties a validation failure to the object that caused it.
type objectError struct {
	id  string
	err error
}

func (e *objectError) Error() string { return e.id + ": " + e.err.Error() }

func (e *objectError) Unwrap() error { return e.err }

// Validate checks the hydrated graph without executing anything. Every
// failure is reported; the returned error combines them.
func (r *Run) Validate() error {
	return r.validate()
}

func (r *Run) validate() error {
	var errs error
	for _, o := range r.objects {
		c := o.core()
		var missing []string
		for _, dep := range c.deps {
			if r.get(dep) == nil {
				missing = append(missing, dep)
			}
		}
		if v, ok := o.(vertexObject); ok {
			for _, id := range append(append([]string{}, v.vertexCore().incoming...), v.vertexCore().outgoing...) {
				if _, ok := r.get(id).(edgeObject); !ok {
					missing = append(missing, id)
				}
			}
			for _, id := range v.vertexCore().groups {
				if _, ok := r.get(id).(*group); !ok {
					missing = append(missing, id)
				}
			}
		}
		if len(missing) > 0 {
			errs = multierr.Append(errs, &objectError{id: c.id,
				err: fmt.Errorf("references unknown objects: %s", strings.Join(missing, ", "))})
			continue
		}
		if err := o.validate(r); err != nil {
			errs = multierr.Append(errs, &objectError{id: c.id, err: err})
		}
	}
	if err := r.checkCycles(); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// checkCycles walks the dependency graph depth first, stepping over reflexive edges.
func (r *Run) checkCycles() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(r.objects))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		o := r.get(id)
		if o == nil {
			return nil
		}
		if e, ok := o.(edgeObject); ok && e.edgeCore().reflexive {
			return nil
		}
		switch state[id] {
		case visiting:
			start := 0
			for i, s := range stack {
				if s == id {
					start = i
				}
			}
			cycle := append(append([]string{}, stack[start:]...), id)
			return fmt.Errorf("%w: %s", ErrCycle, strings.Join(cycle, " -> "))
		case done:
			return nil
		}
		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range o.core().deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, o := range r.objects {
		if err := visit(o.core().id); err != nil {
			return err
		}
	}
	return nil
}

// checkReentry fails when a path leaves g and comes back into it. Reaching a
// group also reaches its members.
func (r *Run) checkReentry(g *group) error {
	seen := make(map[string]bool)
	var visit func(id string) error
	visit = func(id string) error {
		if seen[id] {
			return nil
		}
		seen[id] = true
		if id == g.id || r.insideGroup(id, g.id) {
			return fmt.Errorf("a path leaves group %q and re-enters it at %q", g.id, id)
		}
		v, ok := r.get(id).(vertexObject)
		if !ok {
			return nil
		}
		if inner, ok := v.(*group); ok {
			for _, m := range inner.members {
				if err := visit(m); err != nil {
					return err
				}
			}
		}
		return r.visitTargets(v.vertexCore(), visit)
	}

	for _, o := range r.objects {
		v, ok := o.(vertexObject)
		if !ok || !v.vertexCore().inGroup(g.id) {
			continue
		}
		for _, id := range v.vertexCore().outgoing {
			eo, ok := r.get(id).(edgeObject)
			if !ok {
				continue
			}
			e := eo.edgeCore()
			if e.reflexive || e.target == g.id || r.insideGroup(e.target, g.id) {
				continue
			}
			if err := visit(e.target); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Run) visitTargets(v *vertex, visit func(string) error) error {
	for _, id := range v.outgoing {
		eo, ok := r.get(id).(edgeObject)
		if !ok || eo.edgeCore().reflexive {
			continue
		}
		if err := visit(eo.edgeCore().target); err != nil {
			return err
		}
	}
	return nil
}
