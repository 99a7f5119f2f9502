package workers

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthMonitor periodically judges the pool from the runs it is executing
// and the state of its run queue subscription.
type HealthMonitor struct {
	pool     *Pool
	interval time.Duration
	logger   *zap.Logger

	mu         sync.RWMutex
	stuckAfter time.Duration
	running    bool
	stopCh     chan struct{}
}

// HealthStatus is one health snapshot of the pool.
type HealthStatus struct {
	Workers         int        `json:"workers"`
	BusyWorkers     int        `json:"busy_workers"`
	StoppedWorkers  int        `json:"stopped_workers"`
	ActiveRuns      int        `json:"active_runs"`
	OldestRun       string     `json:"oldest_run,omitempty"`
	OldestRunAge    float64    `json:"oldest_run_seconds"`
	StuckRuns       int        `json:"stuck_runs"`
	TimedOutRuns    uint64     `json:"timed_out_runs"`
	StalledRuns     uint64     `json:"stalled_runs"`
	QueueSubscribed bool       `json:"queue_subscribed"`
	LastRunReceived *time.Time `json:"last_run_received,omitempty"`
	Problems        []string   `json:"problems,omitempty"`
	Healthy         bool       `json:"healthy"`
	Timestamp       time.Time  `json:"timestamp"`
}

// NewHealthMonitor creates a health monitor checking every interval.
func NewHealthMonitor(pool *Pool, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{
		pool:     pool,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// SetStuckAfter marks runs active for longer than d as stuck. Zero disables
// the check.
func (h *HealthMonitor) SetStuckAfter(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stuckAfter = d
}

// Start starts the health monitor
func (h *HealthMonitor) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.run()
}

// Stop stops the health monitor
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.stopCh)
}

func (h *HealthMonitor) run() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.checkHealth()
		}
	}
}

func (h *HealthMonitor) checkHealth() {
	status := h.GetStatus()

	h.pool.metrics.RecordWorkerPoolStatus(
		status.Workers-status.BusyWorkers-status.StoppedWorkers,
		status.BusyWorkers,
		status.StoppedWorkers,
	)

	fields := []zap.Field{
		zap.Int("active_runs", status.ActiveRuns),
		zap.Int("busy_workers", status.BusyWorkers),
		zap.Float64("oldest_run_seconds", status.OldestRunAge),
		zap.Uint64("timed_out_runs", status.TimedOutRuns),
		zap.Uint64("stalled_runs", status.StalledRuns),
		zap.Bool("queue_subscribed", status.QueueSubscribed),
	}
	if !status.Healthy {
		h.logger.Warn("worker pool is unhealthy", append(fields, zap.Strings("problems", status.Problems))...)
		return
	}
	h.logger.Info("worker pool health check", fields...)

	if status.Workers > 0 && status.ActiveRuns >= status.Workers {
		h.logger.Warn("every worker is executing a run - consider scaling up",
			zap.Int("workers", status.Workers))
	}
}

// GetStatus returns the current health status
func (h *HealthMonitor) GetStatus() *HealthStatus {
	h.mu.RLock()
	stuckAfter := h.stuckAfter
	h.mu.RUnlock()

	now := time.Now()
	status := &HealthStatus{
		TimedOutRuns:    h.pool.timedOutRuns.Load(),
		StalledRuns:     h.pool.stalledRuns.Load(),
		QueueSubscribed: h.pool.queueAlive(),
		Timestamp:       now,
	}
	if at := h.pool.lastReceived.Load(); at > 0 {
		received := time.Unix(0, at)
		status.LastRunReceived = &received
	}

	for _, ws := range h.pool.GetStatus() {
		status.Workers++
		switch ws {
		case WorkerStatusBusy:
			status.BusyWorkers++
		case WorkerStatusStopped:
			status.StoppedWorkers++
		}
	}

	var oldest time.Duration
	h.pool.active.Range(func(key, value any) bool {
		status.ActiveRuns++
		age := now.Sub(value.(*activeRun).startedAt)
		if age > oldest {
			oldest = age
			status.OldestRun = key.(string)
		}
		if stuckAfter > 0 && age > stuckAfter {
			status.StuckRuns++
		}
		return true
	})
	status.OldestRunAge = oldest.Seconds()

	switch {
	case status.Workers == 0:
		status.Problems = append(status.Problems, "no workers")
	case status.StoppedWorkers > 0:
		status.Problems = append(status.Problems, fmt.Sprintf("%d workers stopped", status.StoppedWorkers))
	}
	if !status.QueueSubscribed {
		status.Problems = append(status.Problems, "run queue subscription is down")
	}
	if status.StuckRuns > 0 {
		status.Problems = append(status.Problems,
			fmt.Sprintf("%d runs active for longer than %s", status.StuckRuns, stuckAfter))
	}
	status.Healthy = len(status.Problems) == 0

	return status
}

// IsHealthy returns true if the worker pool is healthy
func (h *HealthMonitor) IsHealthy() bool {
	return h.GetStatus().Healthy
}
