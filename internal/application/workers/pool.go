package workers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aescanero/cannoli/internal/application/orchestrator"
	"github.com/aescanero/cannoli/internal/engine"
	"github.com/aescanero/cannoli/pkg/adapters/progress"
	"github.com/aescanero/cannoli/pkg/domain"
	"github.com/aescanero/cannoli/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Pool manages a pool of worker goroutines
type Pool struct {
	size     int
	eventBus ports.EventBus
	storage  ports.StateStorage
	metrics  ports.MetricsCollector
	deps     engine.Options
	logger   *zap.Logger
	health   *HealthMonitor

	jobs    chan string
	workers []*worker
	active  sync.Map // map[string]*activeRun
	running int
	mu      sync.Mutex
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	queueSubscribed atomic.Bool
	lastReceived    atomic.Int64 // unix nanos of the last queued run
	timedOutRuns    atomic.Uint64
	stalledRuns     atomic.Uint64
}

// activeRun is a run currently executing on a worker.
type activeRun struct {
	run       *engine.Run
	startedAt time.Time
	mu        sync.Mutex
	timedOut  bool
}

// worker represents a single worker goroutine
type worker struct {
	id      string
	pool    *Pool
	status  WorkerStatus
	mu      sync.RWMutex
	lastJob time.Time
}

// WorkerStatus represents worker status
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusStopped WorkerStatus = "stopped"
)

// NewPool creates a new worker pool. deps carries the collaborators every
// run receives; the pool sets the progress sink and logger per run.
func NewPool(
	size int,
	eventBus ports.EventBus,
	storage ports.StateStorage,
	metrics ports.MetricsCollector,
	deps engine.Options,
	logger *zap.Logger,
	healthCheckInterval time.Duration,
) *Pool {
	ctx, cancel := context.WithCancel(context.Background())

	deps.Metrics = metrics
	pool := &Pool{
		size:     size,
		eventBus: eventBus,
		storage:  storage,
		metrics:  metrics,
		deps:     deps,
		logger:   logger,
		jobs:     make(chan string),
		workers:  make([]*worker, size),
		ctx:      ctx,
		cancel:   cancel,
	}

	pool.health = NewHealthMonitor(pool, healthCheckInterval, logger)

	return pool
}

// Start starts the workers and subscribes to the run queue and control topics
func (p *Pool) Start() error {
	p.logger.Info("starting worker pool", zap.Int("size", p.size))

	for i := 0; i < p.size; i++ {
		w := &worker{
			id:      fmt.Sprintf("worker-%d", i),
			pool:    p,
			status:  WorkerStatusIdle,
			lastJob: time.Now(),
		}
		p.workers[i] = w

		p.wg.Add(1)
		go w.run(p.ctx)
	}

	// One subscription feeds every worker; the handler returns once a worker
	// has taken the run.
	if err := p.eventBus.Subscribe(p.ctx, domain.TopicRunQueue, p.enqueue); err != nil {
		p.cancel()
		return fmt.Errorf("failed to subscribe to run queue: %w", err)
	}
	p.queueSubscribed.Store(true)
	if err := p.eventBus.Subscribe(p.ctx, domain.TopicRunControl, p.control); err != nil {
		p.cancel()
		return fmt.Errorf("failed to subscribe to run control: %w", err)
	}

	p.health.Start()

	p.logger.Info("worker pool started", zap.Int("workers", p.size))
	return nil
}

func (p *Pool) enqueue(ctx context.Context, event domain.Event) error {
	if event.Type != domain.EventTypeRunSubmitted {
		return nil
	}
	p.lastReceived.Store(time.Now().UnixNano())
	select {
	case p.jobs <- event.RunID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

func (p *Pool) control(ctx context.Context, event domain.Event) error {
	if event.Type != domain.EventTypeRunCancel {
		return nil
	}
	val, ok := p.active.Load(event.RunID)
	if !ok {
		// Not running here.
		return nil
	}
	active := val.(*activeRun)
	if reason, _ := event.Data["reason"].(string); reason == orchestrator.CancelReasonTimeout {
		active.mu.Lock()
		active.timedOut = true
		active.mu.Unlock()
	}
	p.logger.Info("stopping run", zap.String("run_id", event.RunID))
	active.run.Stop()
	return nil
}

// Shutdown gracefully shuts down the worker pool
func (p *Pool) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down worker pool")

	p.health.Stop()
	p.queueSubscribed.Store(false)

	// Cancelling the pool context stops every active run.
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout")
	}
}

// GetStatus returns the status of all workers
func (p *Pool) GetStatus() map[string]WorkerStatus {
	status := make(map[string]WorkerStatus)
	for _, w := range p.workers {
		if w == nil {
			continue
		}
		w.mu.RLock()
		status[w.id] = w.status
		w.mu.RUnlock()
	}
	return status
}

// queueAlive reports whether the run queue subscription is still delivering.
func (p *Pool) queueAlive() bool {
	return p.queueSubscribed.Load() && p.ctx.Err() == nil
}

// recordOutcome counts the finished runs the health monitor reports on.
func (p *Pool) recordOutcome(stoppage domain.Stoppage, timedOut bool) {
	if timedOut {
		p.timedOutRuns.Add(1)
	}
	if stoppage.Reason == domain.StopReasonError && strings.Contains(stoppage.Message, engine.ErrStalled.Error()) {
		p.stalledRuns.Add(1)
	}
}

// Health returns the pool's health monitor.
func (p *Pool) Health() *HealthMonitor {
	return p.health
}

func (p *Pool) adjustRunning(delta int) {
	p.mu.Lock()
	p.running += delta
	n := p.running
	p.mu.Unlock()
	p.metrics.SetActiveRuns(n)
}

// run is the main worker loop
func (w *worker) run(ctx context.Context) {
	defer w.pool.wg.Done()

	w.pool.logger.Info("worker started", zap.String("worker_id", w.id))

	for {
		select {
		case <-ctx.Done():
			w.setStatus(WorkerStatusStopped)
			w.pool.logger.Info("worker stopped", zap.String("worker_id", w.id))
			return
		case runID := <-w.pool.jobs:
			w.handleRun(ctx, runID)
		}
	}
}

func (w *worker) setStatus(status WorkerStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	if status == WorkerStatusBusy {
		w.lastJob = time.Now()
	}
}

// handleRun executes one submitted run
func (w *worker) handleRun(ctx context.Context, runID string) {
	w.setStatus(WorkerStatusBusy)
	defer w.setStatus(WorkerStatusIdle)

	p := w.pool
	logger := p.logger.With(zap.String("worker_id", w.id), zap.String("run_id", runID))

	state, err := p.storage.GetState(ctx, runID)
	if err != nil {
		logger.Error("failed to get state", zap.Error(err))
		return
	}
	if state.Status != domain.RunStatusSubmitted {
		logger.Info("skipping run", zap.String("status", string(state.Status)))
		return
	}

	startedAt := time.Now()
	state.Status = domain.RunStatusRunning
	state.StartedAt = &startedAt
	if err := p.storage.SaveState(ctx, state); err != nil {
		logger.Error("failed to save state", zap.Error(err))
		return
	}
	w.publishEvent(ctx, runID, domain.EventTypeRunStarted, nil)

	queue := progress.NewQueue(progress.NewBusSink(p.eventBus, runID, logger), 0)
	opts := p.deps
	opts.Progress = queue
	opts.Logger = logger

	var stoppage domain.Stoppage
	var timedOut bool
	run, err := engine.New(state.Document, opts)
	if err != nil {
		stoppage = domain.Stoppage{Reason: domain.StopReasonError, Message: err.Error()}
	} else {
		active := &activeRun{run: run, startedAt: time.Now()}
		p.active.Store(runID, active)
		p.adjustRunning(1)

		logger.Info("executing run")
		stoppage = run.Run(ctx)

		p.adjustRunning(-1)
		p.active.Delete(runID)
		active.mu.Lock()
		timedOut = active.timedOut
		active.mu.Unlock()

		state.Objects = run.Snapshot()
	}
	queue.Close()
	p.recordOutcome(stoppage, timedOut)

	duration := time.Since(startedAt)
	completedAt := time.Now()
	state.Stoppage = &stoppage
	state.CompletedAt = &completedAt
	state.Status = domain.RunStatusFor(stoppage.Reason)
	switch {
	case timedOut:
		state.Status = domain.RunStatusFailed
		state.Error = "execution timeout"
	case stoppage.Reason == domain.StopReasonError:
		state.Error = stoppage.Message
	}

	// Save with a fresh context so shutdown still records the outcome.
	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.storage.SaveState(saveCtx, state); err != nil {
		logger.Error("failed to save final state", zap.Error(err))
	}

	data := map[string]interface{}{
		"reason":     string(stoppage.Reason),
		"total_cost": stoppage.TotalCost,
	}
	if state.Error != "" {
		data["error"] = state.Error
	}
	w.publishEvent(saveCtx, runID, domain.EventTypeForStatus(state.Status), data)
	p.metrics.RecordRunCompleted(string(stoppage.Reason), duration)

	logger.Info("run finished",
		zap.String("status", string(state.Status)),
		zap.String("reason", string(stoppage.Reason)),
		zap.Float64("total_cost", stoppage.TotalCost),
		zap.Duration("duration", duration))
}

// publishEvent publishes a run lifecycle event
func (w *worker) publishEvent(ctx context.Context, runID string, eventType domain.EventType, data map[string]interface{}) {
	event := domain.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		RunID:     runID,
		Timestamp: time.Now(),
		Data:      data,
	}

	if err := w.pool.eventBus.Publish(ctx, domain.TopicRunEvents, event); err != nil {
		w.pool.logger.Error("failed to publish event",
			zap.String("worker_id", w.id),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}
