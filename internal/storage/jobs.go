package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"framemill/internal/models"
	"framemill/internal/observability/metrics"
)

const (
	defaultSnapshotTimeout  = 5 * time.Second
	defaultSnapshotInflight = 8
	defaultRetention        = 24 * time.Hour
)

// SnapshotStore mirrors job records outside process memory. Implementations
// must be safe for concurrent use; writes are treated as best-effort by the
// job store.
type SnapshotStore interface {
	// Name labels the tier in logs and metrics.
	Name() string
	// Enabled reports whether the tier is configured.
	Enabled() bool
	// Store persists one job record.
	Store(ctx context.Context, job models.Job) error
	// Load fetches a job record by id. A miss returns found=false and a nil
	// error.
	Load(ctx context.Context, id string) (models.Job, bool, error)
	// Delete drops the snapshot for id. A missing record is not an error.
	Delete(ctx context.Context, id string) error
}

// JobStoreConfig configures a JobStore. Zero values fall back to defaults.
type JobStoreConfig struct {
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	Snapshots []SnapshotStore
	// SnapshotTimeout bounds each write-through attempt.
	SnapshotTimeout time.Duration
	// MaxInflightWrites caps concurrent snapshot writes across all jobs.
	MaxInflightWrites int
	// Retention is how long terminal jobs stay resident before PurgeExpired
	// drops them from memory.
	Retention time.Duration
	Clock     func() time.Time
}

// JobStore is the authoritative job registry. The in-memory map is the source
// of truth; configured snapshot tiers receive asynchronous write-through
// copies and are only consulted on a memory miss.
type JobStore struct {
	logger    *slog.Logger
	metrics   *metrics.Recorder
	snapshots []SnapshotStore
	timeout   time.Duration
	retention time.Duration
	clock     func() time.Time

	mu   sync.RWMutex
	jobs map[string]*models.Job

	writerSem chan struct{}
	writers   sync.WaitGroup
}

// NewJobStore builds a store over the given snapshot tiers. Disabled tiers
// are filtered out up front.
func NewJobStore(cfg JobStoreConfig) *JobStore {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	timeout := cfg.SnapshotTimeout
	if timeout <= 0 {
		timeout = defaultSnapshotTimeout
	}
	inflight := cfg.MaxInflightWrites
	if inflight <= 0 {
		inflight = defaultSnapshotInflight
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	snapshots := make([]SnapshotStore, 0, len(cfg.Snapshots))
	for _, snap := range cfg.Snapshots {
		if snap != nil && snap.Enabled() {
			snapshots = append(snapshots, snap)
		}
	}
	return &JobStore{
		logger:    logger,
		metrics:   recorder,
		snapshots: snapshots,
		timeout:   timeout,
		retention: retention,
		clock:     clock,
		jobs:      make(map[string]*models.Job),
		writerSem: make(chan struct{}, inflight),
	}
}

// Create registers a new pending job for the given owner and returns a copy
// of the stored record.
func (s *JobStore) Create(owner string, payload models.JobPayload) (models.Job, error) {
	id, err := newJobID()
	if err != nil {
		return models.Job{}, err
	}
	now := s.clock().UTC()
	job := models.Job{
		ID:        id,
		Owner:     owner,
		Status:    models.JobStatusPending,
		Metrics:   models.JobMetrics{TotalVariants: payload.VariantCount()},
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	stored := job.Clone()
	s.mu.Lock()
	s.jobs[id] = &stored
	s.mu.Unlock()
	clone := job.Clone()
	s.persist(clone)
	return clone, nil
}

// Get returns a copy of the in-memory record for id.
func (s *JobStore) Get(id string) (models.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, false
	}
	return job.Clone(), true
}

// Update applies mutate to the stored record under the store lock, stamps
// UpdatedAt and writes the result through to the snapshot tiers. The mutator
// must not block. Readers never observe a partially mutated record.
func (s *JobStore) Update(id string, mutate func(*models.Job)) (models.Job, bool) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return models.Job{}, false
	}
	mutate(job)
	job.UpdatedAt = s.clock().UTC()
	clone := job.Clone()
	s.mu.Unlock()
	s.persist(clone)
	return clone, true
}

// Delete removes the record for id and drops its snapshot copies so Lookup
// cannot resurrect it. Tier deletes are fire-and-forget like writes; a write
// still in flight may land afterwards and is left to tier expiry.
func (s *JobStore) Delete(id string) bool {
	s.mu.Lock()
	_, ok := s.jobs[id]
	if ok {
		delete(s.jobs, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	for _, snap := range s.snapshots {
		snap := snap
		s.writers.Add(1)
		go func() {
			defer s.writers.Done()
			s.writerSem <- struct{}{}
			defer func() { <-s.writerSem }()
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			if err := snap.Delete(ctx, id); err != nil {
				s.logger.Warn("job snapshot delete failed", "store", snap.Name(), "job_id", id, "error", err)
			}
		}()
	}
	return true
}

// CountActiveForOwner reports how many pending or processing jobs the owner
// currently holds.
func (s *JobStore) CountActiveForOwner(owner string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, job := range s.jobs {
		if job.Owner == owner && job.Active() {
			count++
		}
	}
	return count
}

// PurgeExpired drops terminal jobs whose retention window has lapsed and
// returns how many were removed. Snapshot copies in the KV and blob tiers
// are left to their own expiry.
func (s *JobStore) PurgeExpired() int {
	cutoff := s.clock().UTC().Add(-s.retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, job := range s.jobs {
		if !job.Status.Terminal() {
			continue
		}
		finished := job.UpdatedAt
		if job.FinishedAt != nil {
			finished = *job.FinishedAt
		}
		if finished.Before(cutoff) {
			delete(s.jobs, id)
			purged++
		}
	}
	return purged
}

// Lookup resolves a job by id, falling back through the snapshot tiers when
// the in-memory record is gone. Tier read errors are logged and skipped so a
// degraded tier cannot mask a hit in the next one.
func (s *JobStore) Lookup(ctx context.Context, id string) (models.Job, bool) {
	if job, ok := s.Get(id); ok {
		return job, true
	}
	for _, snap := range s.snapshots {
		job, ok, err := snap.Load(ctx, id)
		if err != nil {
			s.logger.Warn("job snapshot read failed", "store", snap.Name(), "job_id", id, "error", err)
			continue
		}
		if ok {
			return job, true
		}
	}
	return models.Job{}, false
}

// Close waits for outstanding snapshot writes to drain.
func (s *JobStore) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.writers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// persist fans the record out to every tier without blocking the caller.
// Failures are logged and swallowed: memory already holds the truth.
func (s *JobStore) persist(job models.Job) {
	for _, snap := range s.snapshots {
		snap := snap
		s.writers.Add(1)
		go func() {
			defer s.writers.Done()
			s.writerSem <- struct{}{}
			defer func() { <-s.writerSem }()
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			err := snap.Store(ctx, job)
			s.metrics.ObserveSnapshotWrite(snap.Name(), err)
			if err != nil {
				s.logger.Warn("job snapshot write failed", "store", snap.Name(), "job_id", job.ID, "error", err)
			}
		}()
	}
}
