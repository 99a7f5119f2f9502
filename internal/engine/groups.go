package engine

import (
	"errors"
	"fmt"

	"github.com/aescanero/cannoli/pkg/domain"
	"go.uber.org/zap"
)

// MaxLoops bounds the iteration count of repeat and foreach groups.
const MaxLoops = 100

// group scopes its members. Repeat and foreach groups run their members
// several times.
type group struct {
	vertex
	groupType   domain.GroupType
	members     []string
	maxLoops    int
	currentLoop int
}

func (g *group) reset(r *Run) {
	g.object.reset(r)
	g.currentLoop = 0
}

func (g *group) execute(r *Run) {
	r.setStatus(&g.object, domain.StatusExecuting, "")
	g.check(r)
}

func (g *group) dependencyExecuting(r *Run, dep Object) {
	if g.status == domain.StatusPending && g.isInternal(r, dep.core().id) {
		r.setStatus(&g.object, domain.StatusExecuting, "")
	}
}

func (g *group) dependencyCompleted(r *Run, dep Object) {
	g.check(r)
}

func (g *group) dependencyRejected(r *Run, dep Object) {
	if !g.isInternal(r, dep.core().id) {
		r.tryReject(&g.object, g.externalDeps(r))
	}
	g.check(r)
}

func (g *group) dependencyVersionComplete(r *Run, dep Object) {}

// isInternal reports whether a dependency is a member or a reflexive edge.
func (g *group) isInternal(r *Run, id string) bool {
	for _, m := range g.members {
		if m == id {
			return true
		}
	}
	e, ok := r.get(id).(edgeObject)
	return ok && e.edgeCore().reflexive
}

func (g *group) internalDeps(r *Run) []string {
	var out []string
	for _, id := range g.deps {
		if g.isInternal(r, id) {
			out = append(out, id)
		}
	}
	return out
}

func (g *group) externalDeps(r *Run) []string {
	var out []string
	for _, id := range g.deps {
		if !g.isInternal(r, id) {
			out = append(out, id)
		}
	}
	return out
}

func (g *group) edgeDeps(r *Run) []string {
	var out []string
	for _, id := range g.deps {
		if _, ok := r.get(id).(edgeObject); ok {
			out = append(out, id)
		}
	}
	return out
}

// check runs membersFinished once every internal dependency has finished and
// every external input is complete.
func (g *group) check(r *Run) {
	if g.status.IsTerminal() || g.status == domain.StatusError {
		return
	}
	for _, id := range g.internalDeps(r) {
		if o := r.obj(id); o == nil || !o.status.IsTerminal() {
			return
		}
	}
	if !r.dependenciesComplete(g.externalDeps(r)) {
		return
	}
	g.membersFinished(r)
}

func (g *group) membersFinished(r *Run) {
	if g.status == domain.StatusPending {
		r.setStatus(&g.object, domain.StatusExecuting, "")
	}
	if g.groupType == domain.GroupTypeBasic {
		g.conclude(r)
		return
	}
	if g.groupType == domain.GroupTypeForEach {
		r.deliverVersion(g)
	}
	if g.currentLoop < g.limit(r)-1 && r.dependenciesComplete(g.edgeDeps(r)) {
		g.currentLoop++
		r.logger.Debug("group iteration",
			zap.String("group_id", g.id),
			zap.Int("loop", g.currentLoop+1),
			zap.Int("limit", g.limit(r)))
		r.resetMembers(g)
		r.executeMembers(g)
		return
	}
	g.conclude(r)
}

// conclude completes g, or rejects it when every member was rejected.
func (g *group) conclude(r *Run) {
	if len(g.members) > 0 {
		rejected := true
		for _, id := range g.members {
			if o := r.obj(id); o == nil || o.status != domain.StatusRejected {
				rejected = false
				break
			}
		}
		if rejected {
			r.reject(&g.object)
			return
		}
	}
	r.complete(&g.object)
}

// limit is the number of iterations the group runs.
func (g *group) limit(r *Run) int {
	switch g.groupType {
	case domain.GroupTypeBasic:
		return 1
	case domain.GroupTypeForEach:
		if e := g.listEdge(r); e != nil && e.loaded {
			if n := len(splitItems(e.content)); n > 0 {
				return n
			}
			return 1
		}
	}
	if g.maxLoops < 1 {
		return 1
	}
	return g.maxLoops
}

func (g *group) listEdge(r *Run) *edge {
	for _, id := range g.incoming {
		if eo, ok := r.get(id).(edgeObject); ok {
			if e := eo.edgeCore(); e.edgeType == domain.EdgeTypeList && !e.reflexive {
				return e
			}
		}
	}
	return nil
}

func (g *group) validate(r *Run) error {
	if g.maxLoops < 1 || g.maxLoops > MaxLoops {
		return fmt.Errorf("max loops must be between 1 and %d, got %d", MaxLoops, g.maxLoops)
	}
	for _, id := range g.members {
		v, ok := r.get(id).(vertexObject)
		if !ok {
			return fmt.Errorf("member %q is not a vertex", id)
		}
		if !v.vertexCore().inGroup(g.id) {
			return fmt.Errorf("member %q does not list group %q among its groups", id, g.id)
		}
	}

	var lists int
	for _, id := range g.incoming {
		if e, ok := r.get(id).(edgeObject); ok && e.edgeCore().edgeType == domain.EdgeTypeList {
			lists++
		}
	}
	switch g.groupType {
	case domain.GroupTypeRepeat:
		if len(g.members) == 0 {
			return errors.New("repeat group has no members")
		}
		if lists > 0 {
			return errors.New("repeat group cannot have an incoming list edge")
		}
		if len(g.outgoing) > 0 {
			return errors.New("repeat group cannot have outgoing edges")
		}
	case domain.GroupTypeForEach:
		if len(g.members) == 0 {
			return errors.New("foreach group has no members")
		}
		if lists > 1 {
			return errors.New("foreach group accepts at most one list edge")
		}
	}
	return r.checkReentry(g)
}

// deliverVersion hands a finished foreach iteration to the group's listeners
// before its members are reset, then reports it.
func (r *Run) deliverVersion(g *group) {
	for _, id := range r.listeners[g.id] {
		if dependent := r.get(id); dependent != nil {
			dependent.dependencyVersionComplete(r, g)
		}
	}
	r.queue = append(r.queue, event{id: g.id, status: domain.StatusVersionComplete, gen: g.gen, delivered: true})
}

func (r *Run) insideGroup(id, groupID string) bool {
	v, ok := r.get(id).(vertexObject)
	return ok && v.vertexCore().inGroup(groupID)
}

// resetMembers returns everything inside g to Pending: contained vertices,
// edges between them and reflexive edges into g.
func (r *Run) resetMembers(g *group) {
	for _, o := range r.objects {
		switch v := o.(type) {
		case edgeObject:
			e := v.edgeCore()
			if r.insideGroup(e.source, g.id) && (e.target == g.id || r.insideGroup(e.target, g.id)) {
				v.reset(r)
			}
		case vertexObject:
			if v.vertexCore().inGroup(g.id) {
				v.reset(r)
			}
		}
	}
}

// executeMembers starts every contained vertex that is ready.
func (r *Run) executeMembers(g *group) {
	for _, o := range r.objects {
		v, ok := o.(vertexObject)
		if !ok || !v.vertexCore().inGroup(g.id) {
			continue
		}
		c := v.core()
		if c.status == domain.StatusPending && r.allDependenciesComplete(c) {
			r.execute(c.id)
		}
	}
}
