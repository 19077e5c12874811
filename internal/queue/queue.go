// Package queue serialises render jobs through a single in-process worker.
//
// Jobs enter a FIFO pending list and execute one at a time. The worker
// goroutine starts on demand and exits once the list drains. A supervisor
// pass, run during admission and enqueue, fails jobs that have been
// processing longer than the adaptive stall timeout and fences the worker
// generation that owned them; consecutive stalls open a circuit breaker
// that pauses worker starts until a cooldown elapses.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"framemill/internal/models"
	"framemill/internal/observability/metrics"
)

const (
	defaultOwnerLimit       = 2
	defaultJobDuration      = 2 * time.Minute
	defaultStallFloor       = 3 * time.Minute
	defaultBreakerThreshold = 2
	defaultBreakerCooldown  = time.Minute
	defaultPublicPathPrefix = "/output/"

	// progressSeed is the progress reported as soon as a job starts
	// processing, before any variant has finished.
	progressSeed = 5

	// maxDurationSamples bounds the rolling window behind wait estimates.
	maxDurationSamples = 20
)

// Store is the job record surface the queue depends on.
type Store interface {
	Get(id string) (models.Job, bool)
	Update(id string, mutate func(*models.Job)) (models.Job, bool)
	CountActiveForOwner(owner string) int
}

// Renderer produces one output artifact per source and template pair.
type Renderer interface {
	Render(ctx context.Context, source models.SourceVideoRef, template models.TemplateRef, variant models.Variant) (string, error)
}

// Config wires a Queue. Zero values fall back to the documented defaults.
type Config struct {
	Store    Store
	Renderer Renderer
	Logger   *slog.Logger
	Metrics  *metrics.Recorder

	// OwnerLimit caps pending plus processing jobs per owner fingerprint.
	OwnerLimit int
	// DefaultJobDuration seeds wait estimates until real samples arrive.
	DefaultJobDuration time.Duration
	// StallTimeoutFloor is the minimum age before the supervisor may abort
	// a processing job.
	StallTimeoutFloor time.Duration
	// BreakerThreshold is the consecutive stall count that opens the
	// breaker.
	BreakerThreshold int
	// BreakerCooldown is how long the breaker suppresses worker starts
	// once tripped.
	BreakerCooldown time.Duration
	// PublicPathPrefix is prepended to artifact filenames to form download
	// URLs.
	PublicPathPrefix string

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Queue owns the pending list and the single worker that drains it. All
// mutable state sits behind one mutex; renders run outside it.
type Queue struct {
	store    Store
	renderer Renderer
	logger   *slog.Logger
	metrics  *metrics.Recorder
	clock    func() time.Time

	ownerLimit       int
	defaultDuration  time.Duration
	stallFloor       time.Duration
	breakerThreshold int
	breakerCooldown  time.Duration
	publicPath       string

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu              sync.Mutex
	pending         []string
	processing      string
	processingSince time.Time
	durations       []time.Duration
	generation      uint64
	stallCount      int
	breakerOpenedAt time.Time
	workerRunning   bool
	workerCancel    context.CancelFunc
	workerDone      chan struct{}
	closed          bool
}

// New validates dependencies and returns a queue ready to accept jobs. The
// worker goroutine is not started until the first enqueue.
func New(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, errors.New("queue: store is required")
	}
	if cfg.Renderer == nil {
		return nil, errors.New("queue: renderer is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ownerLimit := cfg.OwnerLimit
	if ownerLimit <= 0 {
		ownerLimit = defaultOwnerLimit
	}
	defaultDuration := cfg.DefaultJobDuration
	if defaultDuration <= 0 {
		defaultDuration = defaultJobDuration
	}
	stallFloor := cfg.StallTimeoutFloor
	if stallFloor <= 0 {
		stallFloor = defaultStallFloor
	}
	threshold := cfg.BreakerThreshold
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	prefix := cfg.PublicPathPrefix
	if prefix == "" {
		prefix = defaultPublicPathPrefix
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Queue{
		store:            cfg.Store,
		renderer:         cfg.Renderer,
		logger:           logger,
		metrics:          recorder,
		clock:            clock,
		ownerLimit:       ownerLimit,
		defaultDuration:  defaultDuration,
		stallFloor:       stallFloor,
		breakerThreshold: threshold,
		breakerCooldown:  cooldown,
		publicPath:       prefix,
		baseCtx:          baseCtx,
		baseCancel:       baseCancel,
	}, nil
}

// OwnerLimit returns the per-owner active job cap.
func (q *Queue) OwnerLimit() int {
	return q.ownerLimit
}

// Admit reports whether owner may submit another job right now. The
// supervisor pass runs first so a stalled predecessor does not hold an
// admission slot. Callers check before ingesting, so capped owners never
// trigger source downloads.
func (q *Queue) Admit(owner string) error {
	q.mu.Lock()
	q.superviseLocked(q.clock())
	q.mu.Unlock()
	active := q.store.CountActiveForOwner(owner)
	if active >= q.ownerLimit {
		return &TooManyActiveJobsError{Active: active, Limit: q.ownerLimit}
	}
	return nil
}

// Enqueue appends a created job to the pending list and starts the worker
// unless the circuit breaker is open. Returns the job's initial estimate.
func (q *Queue) Enqueue(jobID string) (Estimate, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Estimate{}, ErrQueueClosed
	}
	now := q.clock()
	q.superviseLocked(now)
	q.pending = append(q.pending, jobID)
	q.metrics.JobEnqueued()
	q.metrics.SetQueueDepth(len(q.pending))
	if q.breakerOpenLocked(now) {
		q.logger.Warn("circuit breaker open, job queued without worker", "job_id", jobID, "consecutive_stalls", q.stallCount)
	} else {
		q.startWorkerLocked()
	}
	return q.estimateLocked(jobID), nil
}

// Estimate is the wait forecast for one job at a point in time.
// QueuePosition counts the jobs ahead of it, including any job currently
// processing; it is zero for the processing job and for terminal jobs.
type Estimate struct {
	QueuePosition   int
	EstimatedWait   time.Duration
	AverageDuration time.Duration
}

// EstimateFor reports the queue position and wait forecast for a job.
func (q *Queue) EstimateFor(jobID string) Estimate {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.estimateLocked(jobID)
}

func (q *Queue) estimateLocked(jobID string) Estimate {
	avg := q.averageDurationLocked()
	est := Estimate{AverageDuration: avg}
	if jobID != "" && jobID == q.processing {
		remaining := avg - q.clock().Sub(q.processingSince)
		if min := avg / 10; remaining < min {
			remaining = min
		}
		est.EstimatedWait = remaining
		return est
	}
	for idx, id := range q.pending {
		if id != jobID {
			continue
		}
		ahead := idx
		if q.processing != "" {
			ahead++
		}
		est.QueuePosition = ahead
		est.EstimatedWait = time.Duration(ahead) * avg
		return est
	}
	// Terminal or unknown: nothing left to wait for.
	return est
}

// averageDurationLocked is the rolling mean of recent job durations, floored
// at a quarter of the default. With no samples it returns the default.
func (q *Queue) averageDurationLocked() time.Duration {
	if len(q.durations) == 0 {
		return q.defaultDuration
	}
	var total time.Duration
	for _, d := range q.durations {
		total += d
	}
	avg := total / time.Duration(len(q.durations))
	if floor := q.defaultDuration / 4; avg < floor {
		avg = floor
	}
	return avg
}

func (q *Queue) recordDurationLocked(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	q.durations = append(q.durations, duration)
	if len(q.durations) > maxDurationSamples {
		q.durations = q.durations[len(q.durations)-maxDurationSamples:]
	}
}

// startWorkerLocked launches the drain goroutine if none is live. The worker
// captures the current generation; a supervisor fence invalidates it.
func (q *Queue) startWorkerLocked() {
	if q.workerRunning {
		return
	}
	ctx, cancel := context.WithCancel(q.baseCtx)
	done := make(chan struct{})
	q.workerRunning = true
	q.workerCancel = cancel
	q.workerDone = done
	generation := q.generation
	go func() {
		defer close(done)
		defer cancel()
		q.runWorker(ctx, generation)
	}()
}

func (q *Queue) runWorker(ctx context.Context, generation uint64) {
	for {
		q.mu.Lock()
		if q.generation != generation {
			// Fenced by the supervisor; a replacement worker owns the
			// queue state now.
			q.mu.Unlock()
			return
		}
		if q.closed || len(q.pending) == 0 {
			q.workerRunning = false
			q.mu.Unlock()
			return
		}
		jobID := q.pending[0]
		q.pending = q.pending[1:]
		q.metrics.SetQueueDepth(len(q.pending))
		job, ok := q.store.Get(jobID)
		if !ok {
			q.mu.Unlock()
			q.logger.Warn("dropping queued job with no record", "job_id", jobID)
			continue
		}
		started := q.clock()
		q.processing = jobID
		q.processingSince = started
		q.mu.Unlock()

		q.runJob(ctx, generation, job, started)
	}
}

// runJob renders every source and template pair of one job. Store writes
// carry a terminal guard so a supervisor abort that lands mid-render is
// never overwritten.
func (q *Queue) runJob(ctx context.Context, generation uint64, job models.Job, started time.Time) {
	q.metrics.JobStarted()
	q.logger.Info("job started", "job_id", job.ID, "owner", job.Owner, "variants", job.Payload.VariantCount())

	total := job.Payload.VariantCount()
	startedAt := started.UTC()
	q.store.Update(job.ID, func(j *models.Job) {
		if j.Status.Terminal() {
			return
		}
		j.Status = models.JobStatusProcessing
		j.StartedAt = &startedAt
		j.Progress = progressSeed
		j.Metrics.TotalVariants = total
	})

	artifacts := make([]models.OutputArtifact, 0, total)
	var renderErr error
	done := 0

render:
	for _, source := range job.Payload.Sources {
		for _, template := range job.Payload.Templates {
			if !q.generationCurrent(generation) {
				return
			}
			outputPath, err := q.renderer.Render(ctx, source, template, template.Variant)
			if err != nil {
				renderErr = fmt.Errorf("render %s variant of %q: %w", template.Variant, source.OriginalName, err)
				break render
			}
			done++
			filename := filepath.Base(outputPath)
			artifacts = append(artifacts, models.OutputArtifact{
				Variant:  template.Variant,
				Filename: filename,
				URL:      q.publicPath + filename,
			})
			progress := progressFor(done, total)
			q.store.Update(job.ID, func(j *models.Job) {
				if j.Status.Terminal() {
					return
				}
				if progress > j.Progress {
					j.Progress = progress
				}
				j.Metrics.CompletedVariants = done
			})
		}
	}

	q.finishJob(generation, job, started, artifacts, done, renderErr)
}

// finishJob writes the terminal record and releases the processing slot. The
// generation check and the store write happen under the queue lock, so a
// supervisor fence cannot interleave between them.
func (q *Queue) finishJob(generation uint64, job models.Job, started time.Time, artifacts []models.OutputArtifact, done int, renderErr error) {
	q.mu.Lock()
	if q.generation != generation {
		// The supervisor already failed this job and cleaned up after it.
		q.mu.Unlock()
		return
	}
	finished := q.clock()
	finishedAt := finished.UTC()
	duration := finished.Sub(started)
	if renderErr != nil {
		q.store.Update(job.ID, func(j *models.Job) {
			if j.Status.Terminal() {
				return
			}
			j.Status = models.JobStatusFailed
			j.Error = renderErr.Error()
			j.FinishedAt = &finishedAt
		})
	} else {
		q.store.Update(job.ID, func(j *models.Job) {
			if j.Status.Terminal() {
				return
			}
			j.Status = models.JobStatusCompleted
			j.Progress = 100
			j.Result = artifacts
			j.Metrics.CompletedVariants = done
			j.FinishedAt = &finishedAt
		})
	}
	q.recordDurationLocked(duration)
	q.processing = ""
	if renderErr == nil {
		q.stallCount = 0
		if !q.breakerOpenedAt.IsZero() {
			q.breakerOpenedAt = time.Time{}
			q.metrics.SetBreakerOpen(false)
		}
	}
	q.mu.Unlock()

	if renderErr != nil {
		q.metrics.JobFailed()
		q.logger.Error("job failed", "job_id", job.ID, "completed_variants", done, "error", renderErr)
	} else {
		q.metrics.JobCompleted(duration)
		q.logger.Info("job completed", "job_id", job.ID, "variants", done, "duration_ms", duration.Milliseconds())
	}
	q.cleanupScratch(job.ID, job.Payload)
}

func (q *Queue) generationCurrent(generation uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.generation == generation
}

// cleanupScratch removes the job's ingested inputs. Failures are logged and
// otherwise ignored.
func (q *Queue) cleanupScratch(jobID string, payload models.JobPayload) {
	for _, path := range payload.ScratchPaths() {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			q.logger.Warn("scratch cleanup failed", "job_id", jobID, "path", path, "error", err)
		}
	}
}

// progressFor maps completed variant count onto the 5..99 band; 100 is
// reserved for the completed terminal write.
func progressFor(done, total int) int {
	if total <= 0 {
		return progressSeed
	}
	progress := int(math.Round(float64(done) / float64(total) * 100))
	if progress < progressSeed {
		progress = progressSeed
	}
	if progress > 99 {
		progress = 99
	}
	return progress
}

// Shutdown stops accepting jobs, cancels any in-flight render and waits for
// the worker to exit or ctx to expire. Pending jobs stay in the store as
// pending records; the queue itself is memory only.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	done := q.workerDone
	running := q.workerRunning
	q.mu.Unlock()

	q.baseCancel()
	if !running || done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
