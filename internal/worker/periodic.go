// Package worker runs the distributor's background loops: periodic jobs on
// a clock and the router that feeds ledger notifications to their handlers.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/referral-distributor/internal/alert"
	"github.com/referral-distributor/internal/logging"
	"github.com/referral-distributor/internal/metrics"
)

// Job is one run of a periodic worker
type Job func(ctx context.Context) error

// PeriodicWorker runs a job every interval. A failing or panicking run is
// logged and reported, and the loop keeps going.
type PeriodicWorker struct {
	name       string
	interval   time.Duration
	job        Job
	runOnStart bool
	clock      clockwork.Clock
	alerts     *alert.OnceNotifier

	running bool
	mu      sync.RWMutex
	runMu   sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	stats   Stats
}

// PeriodicWorkerConfig holds configuration for a periodic worker
type PeriodicWorkerConfig struct {
	Name     string
	Interval time.Duration
	Job      Job
	// RunOnStart runs the job once before the first interval elapses
	RunOnStart bool
	Notifier   alert.Notifier
	Clock      clockwork.Clock
}

// Stats describes the runs of a worker so far
type Stats struct {
	Runs      int64
	Failures  int64
	LastRun   time.Time
	LastError string
}

// NewPeriodicWorker creates a new periodic worker
func NewPeriodicWorker(cfg *PeriodicWorkerConfig) (*PeriodicWorker, error) {
	if cfg.Job == nil {
		return nil, fmt.Errorf("job cannot be nil")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("worker name cannot be empty")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", cfg.Interval)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = alert.LogNotifier{}
	}

	return &PeriodicWorker{
		name:       cfg.Name,
		interval:   cfg.Interval,
		job:        cfg.Job,
		runOnStart: cfg.RunOnStart,
		clock:      clock,
		alerts:     alert.NewOnceNotifier(notifier),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// Name returns the worker name
func (w *PeriodicWorker) Name() string {
	return w.name
}

// Start begins the loop. It returns immediately.
func (w *PeriodicWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker %s is already running", w.name)
	}
	w.running = true
	w.mu.Unlock()

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"worker":   w.name,
		"interval": w.interval.String(),
	}).Info("Starting worker")

	go w.loop(ctx)
	return nil
}

// Stop signals the loop to exit and waits for the current run to finish
func (w *PeriodicWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker %s is not running", w.name)
	}
	w.mu.Unlock()

	close(w.stopCh)

	select {
	case <-w.doneCh:
		logging.FromContext(ctx).WithField("worker", w.name).Info("Worker stopped gracefully")
	case <-ctx.Done():
		logging.FromContext(ctx).WithField("worker", w.name).Warn("Worker stop timed out")
		return ctx.Err()
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	return nil
}

// IsRunning reports whether the loop is active
func (w *PeriodicWorker) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Stats returns a copy of the run statistics
func (w *PeriodicWorker) Stats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

func (w *PeriodicWorker) loop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	if w.runOnStart {
		_ = w.RunOnce(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.Chan():
			_ = w.RunOnce(ctx)
		}
	}
}

// RunOnce runs the job synchronously with a fresh run id. Panics are
// recovered and returned as errors. The first failure after a success is
// reported through the notifier.
func (w *PeriodicWorker) RunOnce(ctx context.Context) (err error) {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	runID := uuid.NewString()
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"worker": w.name,
		"run_id": runID,
	})
	ctx = logging.WithLogger(ctx, logger)
	ctx = alert.WithTags(ctx, map[string]string{"worker": w.name, "run_id": runID})

	start := w.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %s panicked: %v", w.name, r)
			logger.WithField("stack", string(debug.Stack())).Error("Worker run panicked")
		}
		w.finish(ctx, start, err)
	}()

	logger.Debug("Worker run started")
	return w.job(ctx)
}

func (w *PeriodicWorker) finish(ctx context.Context, start time.Time, err error) {
	elapsed := w.clock.Since(start)
	metrics.TickDuration.WithLabelValues(w.name).Observe(elapsed.Seconds())

	w.mu.Lock()
	w.stats.Runs++
	w.stats.LastRun = start
	if err != nil {
		w.stats.Failures++
		w.stats.LastError = err.Error()
	} else {
		w.stats.LastError = ""
	}
	w.mu.Unlock()

	logger := logging.FromContext(ctx).WithField("duration_ms", elapsed.Milliseconds())
	if err != nil {
		metrics.TickTotal.WithLabelValues(w.name, "error").Inc()
		logger.WithError(err).Error("Worker run failed")
		w.alerts.Notify(ctx, fmt.Sprintf("%s run failed", w.name), err)
		return
	}
	metrics.TickTotal.WithLabelValues(w.name, "success").Inc()
	w.alerts.Reset()
	logger.Debug("Worker run completed")
}
