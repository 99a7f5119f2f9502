package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aescanero/cannoli/pkg/domain"
	"github.com/aescanero/cannoli/pkg/ports"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrNothingToExecute is reported when no object is ready at run start.
	ErrNothingToExecute = errors.New("nothing to execute")

	// ErrStalled is reported when objects remain unresolved with no work in flight.
	ErrStalled = errors.New("execution stalled")

	// ErrAlreadyStarted is reported when Run is called twice.
	ErrAlreadyStarted = errors.New("run already started")
)

const tracerName = "github.com/aescanero/cannoli/internal/engine"

// Options carries the collaborators a run uses.
type Options struct {
	LLM      ports.LLMClient
	Fetcher  ports.Fetcher
	Vault    ports.Vault
	Progress ports.ProgressSink
	Pricer   ports.Pricer
	Metrics  ports.MetricsCollector
	Logger   *zap.Logger
	Tracer   trace.Tracer
}

// event is a status change waiting on the run queue.
type event struct {
	id      string
	status  domain.Status
	message string
	gen     int

	// delivered events were already handed to listeners and only need reporting.
	delivered bool
}

// completion is posted by async work back onto the run loop.
type completion struct {
	apply func()
	final bool
}

// Run executes one graph. It is not reusable.
type Run struct {
	objects   []Object
	index     map[string]int
	listeners map[string][]string
	floating  map[string]*floatingNode

	queue       []event
	completions chan completion
	stopCh      chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
	inflight    int
	started     bool
	finished    *domain.Stoppage

	usage map[string]*domain.ModelUsage

	ctx      context.Context
	llm      ports.LLMClient
	fetcher  ports.Fetcher
	vault    ports.Vault
	progress ports.ProgressSink
	pricer   ports.Pricer
	metrics  ports.MetricsCollector
	logger   *zap.Logger
	tracer   trace.Tracer
}

func newRun(opts Options) *Run {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Run{
		index:       make(map[string]int),
		listeners:   make(map[string][]string),
		floating:    make(map[string]*floatingNode),
		completions: make(chan completion, 64),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		usage:       make(map[string]*domain.ModelUsage),
		ctx:         context.Background(),
		llm:         opts.LLM,
		fetcher:     opts.Fetcher,
		vault:       opts.Vault,
		progress:    opts.Progress,
		pricer:      opts.Pricer,
		metrics:     opts.Metrics,
		logger:      logger,
		tracer:      tracer,
	}
}

// Run resets every object, validates the graph, executes it and returns the
// Stoppage describing how it ended.
func (r *Run) Run(ctx context.Context) domain.Stoppage {
	if r.started {
		return domain.Stoppage{Reason: domain.StopReasonError, Message: ErrAlreadyStarted.Error()}
	}
	r.started = true
	defer close(r.done)

	ctx, span := r.tracer.Start(ctx, "cannoli.run", trace.WithAttributes(
		attribute.Int("cannoli.objects", len(r.objects)),
	))
	defer span.End()
	r.ctx = ctx

	start := time.Now()
	r.logger.Info("run starting", zap.Int("objects", len(r.objects)))

	stoppage := r.start(ctx)

	span.SetAttributes(attribute.String("cannoli.reason", string(stoppage.Reason)))
	if stoppage.Reason == domain.StopReasonError {
		span.SetStatus(codes.Error, stoppage.Message)
	}
	r.logger.Info("run stopped",
		zap.String("reason", string(stoppage.Reason)),
		zap.Float64("total_cost", stoppage.TotalCost),
		zap.Duration("duration", time.Since(start)),
		zap.String("message", stoppage.Message))
	return stoppage
}

func (r *Run) start(ctx context.Context) domain.Stoppage {
	for _, o := range r.objects {
		o.reset(r)
	}
	r.queue = r.queue[:0]

	if err := r.validate(); err != nil {
		for _, e := range multierr.Errors(err) {
			var oe *objectError
			if errors.As(e, &oe) && r.progress != nil {
				r.progress.Annotate(oe.id, domain.StatusError, oe.err.Error())
			}
		}
		return r.stoppage(domain.StopReasonError, fmt.Sprintf("validation failed: %v", err))
	}

	var frontier []string
	for _, o := range r.objects {
		c := o.core()
		if len(c.deps) == 0 && c.status == domain.StatusPending {
			frontier = append(frontier, c.id)
		}
	}
	if len(frontier) == 0 {
		return r.stoppage(domain.StopReasonError, ErrNothingToExecute.Error())
	}
	for _, id := range frontier {
		if r.finished != nil {
			break
		}
		r.execute(id)
	}

	return r.loop(ctx)
}

func (r *Run) loop(ctx context.Context) domain.Stoppage {
	for {
		r.drain()
		if r.finished != nil {
			return *r.finished
		}
		if r.stopped() {
			return r.stoppage(domain.StopReasonUser, "")
		}
		if r.allTerminal() {
			return r.stoppage(domain.StopReasonComplete, "")
		}
		if r.inflight == 0 {
			return r.stoppage(domain.StopReasonError, fmt.Sprintf("%v: unresolved objects %s",
				ErrStalled, strings.Join(r.unresolved(), ", ")))
		}

		select {
		case c := <-r.completions:
			if c.final {
				r.inflight--
			}
			c.apply()
		case <-r.stopCh:
			return r.stoppage(domain.StopReasonUser, "")
		case <-ctx.Done():
			return r.stoppage(domain.StopReasonUser, ctx.Err().Error())
		}
	}
}

// Stop ends the run early with reason "user". In-flight calls are not
// aborted; their results are ignored. Safe to call from any goroutine.
func (r *Run) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Run) stopped() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// drain processes queued events until the queue is empty or the run ended.
func (r *Run) drain() {
	for len(r.queue) > 0 {
		if r.finished != nil || r.stopped() {
			return
		}
		ev := r.queue[0]
		r.queue = r.queue[1:]
		r.dispatch(ev)
	}
}

func (r *Run) dispatch(ev event) {
	o := r.get(ev.id)
	if o == nil {
		return
	}
	c := o.core()
	r.report(c, ev)

	if ev.status == domain.StatusError {
		msg := ev.message
		if msg == "" {
			msg = "object failed"
		}
		r.finish(r.stoppage(domain.StopReasonError, fmt.Sprintf("%s: %s", c.id, msg)))
		return
	}
	if ev.delivered {
		return
	}

	// A complete or rejected event is stale once a loop has reset the object.
	if (ev.status == domain.StatusComplete || ev.status == domain.StatusRejected) &&
		(c.status != ev.status || c.gen != ev.gen) {
		return
	}

	for _, depID := range r.listeners[c.id] {
		if r.finished != nil {
			return
		}
		dependent := r.get(depID)
		if dependent == nil {
			continue
		}
		switch ev.status {
		case domain.StatusComplete:
			dependent.dependencyCompleted(r, o)
		case domain.StatusRejected:
			dependent.dependencyRejected(r, o)
		case domain.StatusExecuting:
			dependent.dependencyExecuting(r, o)
		case domain.StatusVersionComplete:
			dependent.dependencyVersionComplete(r, o)
		}
	}
}

// report forwards an event to the progress sink and metrics.
func (r *Run) report(c *object, ev event) {
	r.logger.Debug("object status",
		zap.String("object_id", c.id),
		zap.String("kind", string(c.kind)),
		zap.String("type", c.typ),
		zap.String("status", string(ev.status)),
		zap.String("message", ev.message))

	if r.progress != nil && c.kind != domain.KindEdge {
		switch ev.status {
		case domain.StatusError, domain.StatusWarning:
			r.progress.Annotate(c.id, ev.status, ev.message)
		case domain.StatusVersionComplete:
		default:
			r.progress.SetStatus(c.id, ev.status)
		}
	}
	if r.metrics != nil {
		switch ev.status {
		case domain.StatusComplete, domain.StatusRejected, domain.StatusError:
			r.metrics.RecordObjectFinished(string(c.kind), c.typ, string(ev.status))
		}
	}
}

func (r *Run) finish(s domain.Stoppage) {
	if r.finished == nil {
		r.finished = &s
	}
}

// emit queues an event without changing the stored status.
func (r *Run) emit(o *object, status domain.Status, message string) {
	r.queue = append(r.queue, event{id: o.id, status: status, message: message, gen: o.gen})
}

// setStatus moves o to status and queues the matching event.
func (r *Run) setStatus(o *object, status domain.Status, message string) {
	if o.status == status {
		return
	}
	if !domain.CanTransition(o.status, status) {
		r.finish(r.stoppage(domain.StopReasonError,
			fmt.Sprintf("%s: illegal transition %s -> %s", o.id, o.status, status)))
		return
	}
	o.status = status
	r.emit(o, status, message)
}

func (r *Run) execute(id string) {
	o := r.get(id)
	if o == nil || o.core().status != domain.StatusPending || r.finished != nil {
		return
	}
	o.execute(r)
}

func (r *Run) complete(o *object) {
	if o.status == domain.StatusPending {
		r.setStatus(o, domain.StatusExecuting, "")
	}
	r.setStatus(o, domain.StatusComplete, "")
}

func (r *Run) reject(o *object) {
	if o.status.IsTerminal() || o.status == domain.StatusError {
		return
	}
	r.setStatus(o, domain.StatusRejected, "")
}

func (r *Run) fail(o *object, err error) {
	if o.status == domain.StatusError {
		return
	}
	r.setStatus(o, domain.StatusError, err.Error())
}

// warn attaches a non-fatal annotation to o.
func (r *Run) warn(o *object, message string) {
	r.emit(o, domain.StatusWarning, message)
}

// async runs fn off the loop and applies its result on the loop, provided o
// has not been reset or finished in the meantime.
func (r *Run) async(o *object, op string, fn func(ctx context.Context) (func(), error)) {
	gen := o.gen
	r.inflight++
	go func() {
		ctx, span := r.tracer.Start(r.ctx, "cannoli."+op, trace.WithAttributes(
			attribute.String("cannoli.object_id", o.id),
		))
		apply, err := fn(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		r.send(completion{final: true, apply: func() {
			if o.gen != gen || o.status != domain.StatusExecuting {
				return
			}
			if err != nil {
				r.fail(o, err)
				return
			}
			if apply != nil {
				apply()
			}
		}})
	}()
}

// post delivers an intermediate result (a streamed token) for o.
func (r *Run) post(o *object, gen int, apply func()) {
	r.send(completion{apply: func() {
		if o.gen == gen && o.status == domain.StatusExecuting {
			apply()
		}
	}})
}

func (r *Run) send(c completion) {
	select {
	case r.completions <- c:
	case <-r.done:
	}
}

func (r *Run) allTerminal() bool {
	for _, o := range r.objects {
		if !o.core().status.IsTerminal() {
			return false
		}
	}
	return true
}

func (r *Run) unresolved() []string {
	var ids []string
	for _, o := range r.objects {
		if c := o.core(); !c.status.IsTerminal() {
			ids = append(ids, c.id)
		}
	}
	return ids
}

// stoppage assembles the terminal report.
func (r *Run) stoppage(reason domain.StopReason, message string) domain.Stoppage {
	s := domain.Stoppage{
		Reason:  reason,
		Usage:   make(map[string]*domain.ModelUsage, len(r.usage)),
		Results: r.results(),
		Message: message,
	}
	for model, u := range r.usage {
		cp := *u
		s.Usage[model] = &cp
		s.TotalCost += u.Cost
	}
	return s
}

// recordUsage adds one call's token usage to the run totals.
func (r *Run) recordUsage(usage domain.TokenUsage, latency time.Duration) {
	key := usage.Model
	if key == "" {
		key = "unknown"
	}
	u, ok := r.usage[key]
	if !ok {
		u = &domain.ModelUsage{Provider: usage.Provider, Model: usage.Model}
		r.usage[key] = u
	}
	var cost float64
	if r.pricer != nil {
		cost = r.pricer.Cost(usage)
	}
	u.Calls++
	u.InputTokens += usage.InputTokens
	u.OutputTokens += usage.OutputTokens
	u.Cost += cost

	if r.metrics != nil {
		r.metrics.RecordLLMCall(key, latency, usage.InputTokens, usage.OutputTokens, cost)
	}
}

// results reads floating variables and bracket-keyed content nodes.
func (r *Run) results() map[string]string {
	results := make(map[string]string)
	for _, o := range r.objects {
		switch n := o.(type) {
		case *floatingNode:
			results[n.name()] = n.value()
		case *contentNode:
			if key, value, ok := splitBracketed(n.displayText()); ok {
				results[key] = value
			}
		}
	}
	return results
}

// Snapshot reports every object's final status and content. Call it after Run returns.
func (r *Run) Snapshot() []domain.ObjectState {
	states := make([]domain.ObjectState, 0, len(r.objects))
	for _, o := range r.objects {
		c := o.core()
		states = append(states, domain.ObjectState{
			ID:      c.id,
			Kind:    c.kind,
			Type:    c.typ,
			Status:  c.status,
			Content: contentOf(o),
		})
	}
	sort.SliceStable(states, func(i, j int) bool { return r.index[states[i].ID] < r.index[states[j].ID] })
	return states
}

// Status returns the current status of an object.
func (r *Run) Status(id string) (domain.Status, bool) {
	o := r.obj(id)
	if o == nil {
		return "", false
	}
	return o.status, true
}

// Content returns an edge's content or a node's latest output.
func (r *Run) Content(id string) (string, bool) {
	o := r.get(id)
	if o == nil {
		return "", false
	}
	return contentOf(o), true
}

func contentOf(o Object) string {
	switch v := o.(type) {
	case edgeObject:
		return v.edgeCore().content
	case *floatingNode:
		return v.value()
	case *contentNode:
		if v.output == "" {
			return v.displayText()
		}
		return v.output
	case nodeObject:
		return v.nodeCore().output
	}
	return ""
}

func (r *Run) get(id string) Object {
	i, ok := r.index[id]
	if !ok {
		return nil
	}
	return r.objects[i]
}

func (r *Run) obj(id string) *object {
	if o := r.get(id); o != nil {
		return o.core()
	}
	return nil
}
