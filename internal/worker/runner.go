// Package worker contains the background pipeline that builds a survey
// section report, renders its PDF and stores the finalized snapshot. It is
// decoupled from the HTTP layer: the api package holds a worker.Enqueuer and
// calls Enqueue. It never imports the concrete Runner or Job types.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nyashahama/survey-report-backend/internal/db"
)

// ─── ENQUEUER INTERFACE ───────────────────────────────────────────────────────

// Enqueuer is the narrow interface the api package uses to hand off a run
// after creating it.
//
// The concrete implementation is *Runner. In tests, any struct with an Enqueue
// method satisfies the interface.
type Enqueuer interface {
	Enqueue(ctx context.Context, runID uuid.UUID) error
}

// PendingLister lists runs a worker may claim: pending ones, and processing
// ones whose claim is older than lease.
type PendingLister interface {
	ListClaimableRuns(ctx context.Context, lease time.Duration) ([]db.ReportRun, error)
}

// ─── RUNNER ───────────────────────────────────────────────────────────────────

// RunnerConfig holds tuning parameters for the Runner. Zero fields fall back
// to DefaultRunnerConfig.
type RunnerConfig struct {
	// Workers is the number of concurrent job goroutines. Default: 2.
	Workers int

	// PollInterval is how often the fallback poller checks ListClaimableRuns
	// for runs missed by the in-process channel (e.g. after a restart).
	// Default: 30s.
	PollInterval time.Duration

	// JobTimeout is the per-attempt deadline. It must cover the export wait
	// plus PDF compilation. It is also the claim lease: a processing run is
	// only taken over once its claim is older than this. Default: 5 minutes.
	JobTimeout time.Duration

	// MaxRetries is the number of attempts before the run is marked failed.
	// Default: 3.
	MaxRetries int
}

// DefaultRunnerConfig returns safe production defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Workers:      2,
		PollInterval: 30 * time.Second,
		JobTimeout:   5 * time.Minute,
		MaxRetries:   3,
	}
}

// Runner manages a pool of worker goroutines. It accepts runs via an
// in-process channel (fast path) and also polls the database periodically to
// pick up runs that were in flight when the process last stopped.
type Runner struct {
	job     *Job
	store   RunStore
	pending PendingLister
	cfg     RunnerConfig
	logger  *slog.Logger

	queue chan uuid.UUID
	wg    sync.WaitGroup

	// inflight holds runs that are queued or running in this process, so the
	// poller never queues a run twice.
	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
}

// NewRunner constructs a Runner. Call Start() to begin processing.
func NewRunner(
	job *Job,
	st RunStore,
	pending PendingLister,
	cfg RunnerConfig,
	logger *slog.Logger,
) *Runner {
	def := DefaultRunnerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}

	job.lease = cfg.JobTimeout

	return &Runner{
		job:     job,
		store:   st,
		pending: pending,
		cfg:     cfg,
		logger:  logger,
		// Buffer = Workers*2 so Enqueue never blocks under normal load.
		queue:    make(chan uuid.UUID, cfg.Workers*2),
		inflight: make(map[uuid.UUID]struct{}),
	}
}

// Enqueue pushes a run onto the in-process channel. If the channel is full it
// returns an error rather than blocking the HTTP response; the poller picks
// the run up later.
func (r *Runner) Enqueue(_ context.Context, runID uuid.UUID) error {
	if !r.track(runID) {
		return nil // already queued or running here
	}
	select {
	case r.queue <- runID:
		r.logger.Info("worker: enqueued run", "run_id", runID)
		return nil
	default:
		r.untrack(runID)
		return errors.New("worker: queue is full, run will be picked up by poller")
	}
}

// track marks runID as in flight. It reports false when it already was.
func (r *Runner) track(runID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inflight[runID]; ok {
		return false
	}
	r.inflight[runID] = struct{}{}
	return true
}

func (r *Runner) untrack(runID uuid.UUID) {
	r.mu.Lock()
	delete(r.inflight, runID)
	r.mu.Unlock()
}

// Start launches the worker pool and the fallback poller. It blocks until ctx
// is cancelled and every goroutine has returned.
//
//	go runner.Start(ctx)
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info("worker: starting", "workers", r.cfg.Workers, "poll_interval", r.cfg.PollInterval)

	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.work(ctx, i)
	}

	r.wg.Add(1)
	go r.poll(ctx)

	r.wg.Wait()
	r.logger.Info("worker: stopped")
}

// work is the inner loop for each worker goroutine.
func (r *Runner) work(ctx context.Context, id int) {
	defer r.wg.Done()
	log := r.logger.With("worker_id", id)
	log.Info("worker: goroutine started")

	for {
		select {
		case <-ctx.Done():
			log.Info("worker: goroutine stopping")
			return
		case runID := <-r.queue:
			r.runWithRetry(ctx, runID, log)
			r.untrack(runID)
		}
	}
}

// poll queries the database on PollInterval for runs that were not delivered
// via the channel.
func (r *Runner) poll(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	// Run once immediately on startup to pick up anything from before restart.
	r.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

func (r *Runner) pollOnce(ctx context.Context) {
	runs, err := r.pending.ListClaimableRuns(ctx, r.cfg.JobTimeout)
	if err != nil {
		r.logger.Error("worker: poll failed", "error", err)
		return
	}
	for _, run := range runs {
		if !r.track(run.ID) {
			continue
		}
		select {
		case r.queue <- run.ID:
			r.logger.Debug("worker: poller enqueued run", "run_id", run.ID)
		default:
			// Queue full; next poll cycle.
			r.untrack(run.ID)
		}
	}
}

// runWithRetry executes the job up to MaxRetries times. After exhausting
// retries it calls MarkRunFailed so the run is not picked up again.
func (r *Runner) runWithRetry(ctx context.Context, runID uuid.UUID, log *slog.Logger) {
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		jobCtx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
		lastErr = r.job.Run(jobCtx, runID)
		cancel()

		if lastErr == nil {
			log.Info("worker: job completed", "run_id", runID, "attempt", attempt)
			return
		}

		log.Warn("worker: job attempt failed",
			"run_id", runID,
			"attempt", attempt,
			"max", r.cfg.MaxRetries,
			"error", lastErr,
		)

		if attempt < r.cfg.MaxRetries {
			// Hand the claim back so the next attempt can take it.
			relCtx, relCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			if err := r.store.ReleaseRun(relCtx, runID); err != nil {
				log.Warn("worker: release run failed", "run_id", runID, "error", err)
			}
			relCancel()

			// Exponential back-off: 2s, 4s, 8s …
			backoff := time.Duration(1<<attempt) * time.Second
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
	}

	log.Error("worker: job permanently failed", "run_id", runID, "error", lastErr)
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	failed, err := r.store.MarkRunFailed(failCtx, runID, lastErr.Error())
	if err != nil {
		log.Error("worker: failed to mark run as failed", "run_id", runID, "error", err)
		return
	}
	r.job.notify(failCtx, failed, lastErr.Error(), log.With("run_id", runID))
}
