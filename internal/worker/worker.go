// Package worker runs the polling loop that claims jobs from the queue table,
// executes them through the task registry and records the result.
//
// Any number of workers may share one table. The only synchronization between
// them is the single-statement claim in the store.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scarson/queued/internal/store"
	"github.com/scarson/queued/internal/task"
)

// finalCleanupTimeout bounds the retention sweep run on the way out, which
// may happen after the caller's context is already cancelled.
const finalCleanupTimeout = 30 * time.Second

// State is the lifecycle state of a Worker.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateRunning
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePolling:
		return "POLLING"
	case StateRunning:
		return "RUNNING"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// JobStore is the subset of *store.Store the worker loop uses.
type JobStore interface {
	JobClaimer
	MarkJobDone(ctx context.Context, id int64, workerKey string) error
	MarkJobFailed(ctx context.Context, id int64, workerKey, message string) error
	CleanOldJobs(ctx context.Context, horizon time.Duration) (int64, error)
}

// Config holds worker loop tuning (sourced from config.Config).
type Config struct {
	// SleepTime is how long to wait after a poll that claimed nothing.
	SleepTime time.Duration
	// GCProbability is the percent chance (0-100) of a retention sweep after
	// each iteration.
	GCProbability int
	// MaxRuntime forces shutdown once elapsed. Zero means unbounded.
	MaxRuntime time.Duration
	// CleanupTimeout is the retention horizon for completed jobs.
	CleanupTimeout time.Duration
	// ExitWhenIdle shuts down instead of sleeping when nothing is claimable.
	ExitWhenIdle bool
	// Group restricts claims to jobs of this group when non-empty.
	Group string
}

// Worker claims and executes jobs one at a time until stopped.
type Worker struct {
	store    JobStore
	claimer  *Claimer
	registry *task.Registry
	cfg      Config
	log      *slog.Logger
	clock    func() time.Time
	metrics  *Metrics

	state    atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(w *Worker) { w.log = l } }

// WithClock sets the clock used for rate history and MaxRuntime.
func WithClock(clock func() time.Time) Option { return func(w *Worker) { w.clock = clock } }

// WithMetrics sets the Prometheus collectors. Defaults to unregistered ones.
func WithMetrics(m *Metrics) Option { return func(w *Worker) { w.metrics = m } }

// New creates a Worker executing the handlers in reg against s.
func New(s JobStore, reg *task.Registry, cfg Config, opts ...Option) *Worker {
	w := &Worker{
		store:    s,
		registry: reg,
		cfg:      cfg,
		log:      slog.Default(),
		clock:    time.Now,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.metrics == nil {
		w.metrics = NewMetrics(nil)
	}
	w.claimer = NewClaimer(s, w.clock)
	return w
}

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

func (w *Worker) setState(s State) { w.state.Store(int32(s)) }

// Stop asks the loop to shut down after the current iteration. It never
// interrupts a running handler. Safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Worker) stopRequested(ctx context.Context) bool {
	select {
	case <-w.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Run polls until Stop is called, ctx is cancelled, MaxRuntime elapses or,
// with ExitWhenIdle, nothing is claimable. A storage error ends the loop and
// is returned; handler failures never are.
func (w *Worker) Run(ctx context.Context) error {
	defer w.setState(StateTerminated)

	start := w.clock()
	w.log.Info("worker started",
		"group", w.cfg.Group,
		"tasks", w.registry.Len(),
		"sleep", w.cfg.SleepTime,
		"max_runtime", w.cfg.MaxRuntime)

	for {
		shuttingDown := w.stopRequested(ctx)

		if !shuttingDown {
			claimed, err := w.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
					// Cancelled mid-claim; not a storage failure.
					shuttingDown = true
				} else {
					w.setState(StateShuttingDown)
					w.log.Error("worker storage failure", "error", err)
					return err
				}
			}
			if !claimed && !shuttingDown {
				if w.cfg.ExitWhenIdle {
					w.log.Info("nothing to do, exiting")
					shuttingDown = true
				} else {
					w.setState(StateIdle)
					w.sleep(ctx)
				}
			}
		}

		if w.cfg.MaxRuntime > 0 && w.clock().Sub(start) >= w.cfg.MaxRuntime {
			w.log.Info("max runtime reached", "max_runtime", w.cfg.MaxRuntime)
			shuttingDown = true
		}
		if shuttingDown || w.stopRequested(ctx) {
			shuttingDown = true
			w.setState(StateShuttingDown)
		}

		if !shuttingDown && w.cleanupRoll() {
			if err := w.cleanup(ctx, false); err != nil {
				if ctx.Err() == nil || !errors.Is(err, ctx.Err()) {
					w.log.Error("worker storage failure", "error", err)
					return err
				}
				// Cancelled mid-sweep; the final sweep below still runs.
				shuttingDown = true
				w.setState(StateShuttingDown)
			}
		}
		if shuttingDown {
			if err := w.cleanup(ctx, true); err != nil {
				w.log.Error("worker storage failure", "error", err)
				return err
			}
			w.log.Info("worker stopped")
			return nil
		}
	}
}

// RunOnce performs one poll: claim at most one job, execute it and record the
// result. It reports whether a job was claimed. Errors are storage failures.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	w.setState(StatePolling)
	job, err := w.claimer.RequestJob(ctx, w.registry.Capabilities(), w.cfg.Group)
	if err != nil {
		return false, fmt.Errorf("request job: %w", err)
	}
	if job == nil {
		w.metrics.polls.WithLabelValues("false").Inc()
		w.log.Debug("no job claimable")
		return false, nil
	}
	w.metrics.polls.WithLabelValues("true").Inc()

	w.setState(StateRunning)
	// The in-flight job is finished and recorded even if ctx is cancelled
	// meanwhile.
	err = w.execute(context.WithoutCancel(ctx), job)
	w.setState(StateIdle)
	return true, err
}

func (w *Worker) execute(ctx context.Context, job *store.Job) error {
	log := w.log.With("job_id", job.ID, "jobtype", job.JobType, "failed", job.Failed)
	if job.Reclaimed {
		w.metrics.reclaimed.WithLabelValues(job.JobType).Inc()
		log.Warn("reclaimed job after timeout")
	}
	if job.WorkerKey == nil {
		return fmt.Errorf("job %d claimed without worker key", job.ID)
	}
	key := *job.WorkerKey

	log.Info("executing job")
	started := time.Now()
	runErr := w.invoke(ctx, job)
	w.metrics.duration.WithLabelValues(job.JobType).Observe(time.Since(started).Seconds())

	var err error
	outcome := outcomeDone
	if runErr == nil {
		err = w.store.MarkJobDone(ctx, job.ID, key)
	} else {
		outcome = outcomeFailed
		log.Warn("job handler failed", "error", runErr)
		err = w.store.MarkJobFailed(ctx, job.ID, key, runErr.Error())
	}

	if errors.Is(err, store.ErrClaimLost) {
		w.metrics.processed.WithLabelValues(job.JobType, outcomeClaimLost).Inc()
		log.Warn("job claim lost before result was recorded", "outcome", outcome)
		return nil
	}
	if err != nil {
		return fmt.Errorf("record job %d result: %w", job.ID, err)
	}
	w.metrics.processed.WithLabelValues(job.JobType, outcome).Inc()
	if outcome == outcomeDone {
		log.Info("job completed")
	}
	return nil
}

// invoke runs the handler for job, converting a panic into an error.
func (w *Worker) invoke(ctx context.Context, job *store.Job) (err error) {
	h, err := w.registry.Lookup(job.JobType)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Run(ctx, json.RawMessage(job.Payload))
}

// sleep waits SleepTime or until stop/cancel, whichever is first.
func (w *Worker) sleep(ctx context.Context) {
	if w.cfg.SleepTime <= 0 {
		return
	}
	timer := time.NewTimer(w.cfg.SleepTime)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-w.stop:
	case <-timer.C:
	}
}

func (w *Worker) cleanupRoll() bool {
	if w.cfg.GCProbability <= 0 {
		return false
	}
	return rand.IntN(100) < w.cfg.GCProbability //nolint:gosec // G404: cleanup sampling is not security-sensitive
}

func (w *Worker) cleanup(ctx context.Context, final bool) error {
	if final {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), finalCleanupTimeout)
		defer cancel()
	}
	n, err := w.store.CleanOldJobs(ctx, w.cfg.CleanupTimeout)
	if err != nil {
		return fmt.Errorf("clean old jobs: %w", err)
	}
	w.metrics.cleaned.Add(float64(n))
	if n > 0 {
		w.log.Info("cleaned old jobs", "count", n, "horizon", w.cfg.CleanupTimeout)
	}
	return nil
}
