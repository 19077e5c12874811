package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"framemill/internal/models"
	"framemill/internal/observability/metrics"
)

// wedgedRenderer never returns until its context is cancelled, which is how a
// hung encoder process looks to the queue.
func wedgedRenderer() *fakeRenderer {
	fr := &fakeRenderer{}
	fr.fn = func(ctx context.Context, _ models.SourceVideoRef, _ models.TemplateRef, _ models.Variant) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return fr
}

func TestSupervisorAbortsStalledJobAndFencesWorker(t *testing.T) {
	dir := t.TempDir()
	sourcePath := filepath.Join(dir, "stuck.mp4")
	if err := os.WriteFile(sourcePath, []byte("media"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	store := newFakeStore()
	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	release := make(chan struct{})
	latePath := filepath.Join(t.TempDir(), "late_output.mp4")
	renderer := &fakeRenderer{}
	renderer.fn = func(ctx context.Context, _ models.SourceVideoRef, _ models.TemplateRef, _ models.Variant) (string, error) {
		// Ignores cancellation: the encoder is wedged but will eventually
		// produce a late result the queue must discard.
		<-release
		return latePath, nil
	}

	q := mustQueue(t, Config{
		Store:              store,
		Renderer:           renderer,
		Logger:             quietLogger(),
		Metrics:            metrics.New(),
		DefaultJobDuration: 10 * time.Second,
		StallTimeoutFloor:  30 * time.Second,
		Clock:              clock.Now,
	})
	// No duration samples yet, so the timeout is max(4x10s, 30s) = 40s.

	job := pendingJob("job-stuck", "owner-a", nil, models.VariantVertical)
	job.Payload.Sources = []models.SourceVideoRef{{ScratchPath: sourcePath, OriginalName: "stuck.mp4"}}
	store.put(job)
	if _, err := q.Enqueue(job.ID); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	waitFor(t, 2*time.Second, "render to start", func() bool { return renderer.callCount() == 1 })

	// At exactly the timeout the job is still considered live.
	clock.Advance(40 * time.Second)
	if err := q.Admit("someone-else"); err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}
	got, _ := store.Get(job.ID)
	if got.Status != models.JobStatusProcessing {
		t.Fatalf("job aborted before the stall timeout elapsed: %q", got.Status)
	}

	// One second past the timeout the supervisor steps in.
	clock.Advance(time.Second)
	if err := q.Admit("someone-else"); err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}

	got, _ = store.Get(job.ID)
	if got.Status != models.JobStatusFailed {
		t.Fatalf("expected failed status after stall, got %q", got.Status)
	}
	if got.Error != "job exceeded 40 seconds, aborted by supervisor" {
		t.Fatalf("unexpected supervisor message: %q", got.Error)
	}
	if got.FinishedAt == nil {
		t.Fatal("expected FinishedAt on aborted job")
	}

	// The aborted job released its owner slot and its scratch inputs.
	if err := q.Admit("owner-a"); err != nil {
		t.Fatalf("expected owner slot released after abort, got %v", err)
	}
	if _, err := os.Stat(sourcePath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected scratch input removed, stat returned %v", err)
	}

	q.mu.Lock()
	if q.processing != "" {
		t.Fatalf("processing slot not cleared, holds %q", q.processing)
	}
	if q.generation != 1 {
		t.Fatalf("expected generation fence bump to 1, got %d", q.generation)
	}
	if q.stallCount != 1 {
		t.Fatalf("expected one recorded stall, got %d", q.stallCount)
	}
	if !q.breakerOpenedAt.IsZero() {
		t.Fatal("breaker must stay closed below the stall threshold")
	}
	done := q.workerDone
	q.mu.Unlock()

	// The fenced worker finishing late must not overwrite the verdict.
	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fenced worker did not exit")
	}

	got, _ = store.Get(job.ID)
	if got.Status != models.JobStatusFailed {
		t.Fatalf("fenced worker overwrote the abort, status %q", got.Status)
	}
	if got.Error != "job exceeded 40 seconds, aborted by supervisor" {
		t.Fatalf("fenced worker overwrote the abort message: %q", got.Error)
	}
	if len(got.Result) != 0 {
		t.Fatalf("fenced worker attached artifacts to a failed job: %+v", got.Result)
	}
	if got.Progress == 100 {
		t.Fatal("fenced worker drove progress to 100 on a failed job")
	}
}

func TestBreakerOpensAfterConsecutiveStallsAndReleasesAfterCooldown(t *testing.T) {
	store := newFakeStore()
	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	renderer := wedgedRenderer()

	q := mustQueue(t, Config{
		Store:              store,
		Renderer:           renderer,
		Logger:             quietLogger(),
		Metrics:            metrics.New(),
		DefaultJobDuration: 10 * time.Second,
		StallTimeoutFloor:  30 * time.Second,
		BreakerThreshold:   2,
		BreakerCooldown:    45 * time.Second,
		Clock:              clock.Now,
	})

	for _, id := range []string{"job-1", "job-2", "job-3", "job-4"} {
		store.put(pendingJob(id, "owner-"+id, []string{id + ".mp4"}, models.VariantSquare))
	}

	// First stall.
	if _, err := q.Enqueue("job-1"); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	waitFor(t, 2*time.Second, "first render to start", func() bool { return renderer.callCount() == 1 })
	clock.Advance(41 * time.Second)
	if err := q.Admit("probe"); err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}
	q.mu.Lock()
	if q.stallCount != 1 || !q.breakerOpenedAt.IsZero() {
		q.mu.Unlock()
		t.Fatal("breaker opened after a single stall")
	}
	q.mu.Unlock()

	// Second stall trips the breaker.
	if _, err := q.Enqueue("job-2"); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	waitFor(t, 2*time.Second, "second render to start", func() bool { return renderer.callCount() == 2 })
	clock.Advance(41 * time.Second)
	if err := q.Admit("probe"); err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}

	for _, id := range []string{"job-1", "job-2"} {
		got, _ := store.Get(id)
		if got.Status != models.JobStatusFailed {
			t.Fatalf("%s: expected failed after stall, got %q", id, got.Status)
		}
	}
	q.mu.Lock()
	if q.stallCount != 2 {
		q.mu.Unlock()
		t.Fatalf("expected two recorded stalls, got %d", q.stallCount)
	}
	if q.breakerOpenedAt.IsZero() {
		q.mu.Unlock()
		t.Fatal("breaker did not open at the stall threshold")
	}
	q.mu.Unlock()

	// While open, enqueues are accepted but no worker starts.
	if _, err := q.Enqueue("job-3"); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	q.mu.Lock()
	if q.workerRunning {
		q.mu.Unlock()
		t.Fatal("worker started while the breaker was open")
	}
	if len(q.pending) != 1 {
		q.mu.Unlock()
		t.Fatalf("expected job-3 held in the pending list, got %d entries", len(q.pending))
	}
	q.mu.Unlock()
	if renderer.callCount() != 2 {
		t.Fatalf("expected no renders while open, got %d", renderer.callCount())
	}
	got, _ := store.Get("job-3")
	if got.Status != models.JobStatusPending {
		t.Fatalf("held job must stay pending, got %q", got.Status)
	}

	// After the cooldown the next enqueue closes the breaker and the held
	// job drains first.
	outDir := t.TempDir()
	renderer.setFn(func(_ context.Context, source models.SourceVideoRef, _ models.TemplateRef, variant models.Variant) (string, error) {
		return filepath.Join(outDir, string(variant)+"_"+source.OriginalName), nil
	})
	clock.Advance(45 * time.Second)
	if _, err := q.Enqueue("job-4"); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	waitFor(t, 2*time.Second, "held and new jobs to finish", func() bool {
		third, _ := store.Get("job-3")
		fourth, _ := store.Get("job-4")
		return third.Status == models.JobStatusCompleted && fourth.Status == models.JobStatusCompleted
	})

	order := renderer.callOrder()
	if len(order) != 4 {
		t.Fatalf("expected 4 renders in total, got %d", len(order))
	}
	if order[2].source != "job-3.mp4" || order[3].source != "job-4.mp4" {
		t.Fatalf("held job did not drain first: %+v", order[2:])
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.breakerOpenedAt.IsZero() {
		t.Fatal("breaker still open after cooldown")
	}
	if q.stallCount != 0 {
		t.Fatalf("completed job should reset the stall count, got %d", q.stallCount)
	}
}

func TestBreakerCooldownKeepsStallCount(t *testing.T) {
	store := newFakeStore()
	renderer := newFakeRenderer(t.TempDir())
	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	q := mustQueue(t, Config{
		Store:           store,
		Renderer:        renderer,
		Logger:          quietLogger(),
		Metrics:         metrics.New(),
		BreakerCooldown: time.Minute,
		Clock:           clock.Now,
	})

	q.mu.Lock()
	defer q.mu.Unlock()
	q.stallCount = 2
	q.breakerOpenedAt = clock.Now()

	if !q.breakerOpenLocked(clock.Now().Add(30 * time.Second)) {
		t.Fatal("breaker closed before the cooldown elapsed")
	}
	if q.breakerOpenLocked(clock.Now().Add(time.Minute)) {
		t.Fatal("breaker still open after the cooldown elapsed")
	}
	if !q.breakerOpenedAt.IsZero() {
		t.Fatal("expected breakerOpenedAt cleared on close")
	}
	if q.stallCount != 2 {
		t.Fatalf("cooldown close must not reset the stall count, got %d", q.stallCount)
	}
}

func TestStallTimeoutTracksRollingAverage(t *testing.T) {
	store := newFakeStore()
	renderer := newFakeRenderer(t.TempDir())
	q := mustQueue(t, Config{
		Store:              store,
		Renderer:           renderer,
		Logger:             quietLogger(),
		Metrics:            metrics.New(),
		DefaultJobDuration: 10 * time.Second,
		StallTimeoutFloor:  50 * time.Second,
	})

	q.mu.Lock()
	defer q.mu.Unlock()

	// Without samples 4x the default (40s) sits below the floor.
	if got := q.stallTimeoutLocked(); got != 50*time.Second {
		t.Fatalf("expected floored timeout of 50s, got %v", got)
	}

	q.recordDurationLocked(30 * time.Second)
	if got := q.stallTimeoutLocked(); got != 2*time.Minute {
		t.Fatalf("expected 4x the 30s average, got %v", got)
	}

	// A run of fast jobs drops the timeout back to the floor.
	q.durations = nil
	q.recordDurationLocked(2 * time.Second)
	q.recordDurationLocked(4 * time.Second)
	if got := q.stallTimeoutLocked(); got != 50*time.Second {
		t.Fatalf("expected floor to hold for fast jobs, got %v", got)
	}
}
