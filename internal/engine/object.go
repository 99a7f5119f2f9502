package engine

import (
	"github.com/aescanero/cannoli/pkg/domain"
)

// Object is one entry of the run arena. Behavior that differs per variant is
// reached through this interface; shared behavior lives on *object and on Run.
type Object interface {
	core() *object

	execute(r *Run)
	reset(r *Run)
	validate(r *Run) error

	dependencyCompleted(r *Run, dep Object)
	dependencyRejected(r *Run, dep Object)
	dependencyExecuting(r *Run, dep Object)
	dependencyVersionComplete(r *Run, dep Object)
}

// object holds the fields every graph object carries.
type object struct {
	id     string
	text   string
	kind   domain.Kind
	typ    string
	status domain.Status
	deps   []string

	// gen increases on every reset so late async results can be discarded.
	gen int
}

func (o *object) core() *object { return o }

func (o *object) execute(r *Run) {
	r.setStatus(o, domain.StatusExecuting, "")
	r.setStatus(o, domain.StatusComplete, "")
}

func (o *object) reset(r *Run) {
	o.gen++
	r.setStatus(o, domain.StatusPending, "")
}

func (o *object) validate(r *Run) error { return nil }

func (o *object) dependencyCompleted(r *Run, dep Object) {
	if o.status == domain.StatusPending && r.allDependenciesComplete(o) {
		r.execute(o.id)
	}
}

func (o *object) dependencyRejected(r *Run, dep Object) {
	r.tryReject(o, o.deps)
}

func (o *object) dependencyExecuting(r *Run, dep Object) {}

func (o *object) dependencyVersionComplete(r *Run, dep Object) {}

// vertex is the shared part of nodes and groups.
type vertex struct {
	object
	incoming []string
	outgoing []string

	// groups lists ancestor groups nearest first.
	groups []string
}

func (v *vertex) inGroup(id string) bool {
	for _, g := range v.groups {
		if g == id {
			return true
		}
	}
	return false
}

// allDependenciesComplete reports whether o is ready to execute. A dependency
// edge that is not complete is still satisfied when another dependency edge
// with the same label and type is complete.
func (r *Run) allDependenciesComplete(o *object) bool {
	return r.dependenciesComplete(o.deps)
}

func (r *Run) dependenciesComplete(deps []string) bool {
	for _, id := range deps {
		dep := r.obj(id)
		if dep == nil {
			return false
		}
		if dep.status == domain.StatusComplete {
			continue
		}
		if dep.kind != domain.KindEdge || !r.hasCompleteTwin(deps, dep) {
			return false
		}
	}
	return true
}

func (r *Run) hasCompleteTwin(deps []string, dep *object) bool {
	for _, id := range deps {
		if id == dep.id {
			continue
		}
		other := r.obj(id)
		if other == nil || other.kind != domain.KindEdge {
			continue
		}
		if other.text == dep.text && other.typ == dep.typ && other.status == domain.StatusComplete {
			return true
		}
	}
	return false
}

// tryReject rejects o when one of deps is rejected and no other, not-rejected
// dependency edge shares its label.
func (r *Run) tryReject(o *object, deps []string) {
	if o.status != domain.StatusPending && o.status != domain.StatusExecuting {
		return
	}
	for _, id := range deps {
		dep := r.obj(id)
		if dep == nil || dep.status != domain.StatusRejected {
			continue
		}
		if r.hasLiveTwin(deps, dep) {
			continue
		}
		r.reject(o)
		return
	}
}

func (r *Run) hasLiveTwin(deps []string, dep *object) bool {
	if dep.kind != domain.KindEdge {
		return false
	}
	for _, id := range deps {
		if id == dep.id {
			continue
		}
		other := r.obj(id)
		if other == nil || other.kind != domain.KindEdge {
			continue
		}
		if other.text == dep.text && other.status != domain.StatusRejected {
			return true
		}
	}
	return false
}
