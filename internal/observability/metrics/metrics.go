package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// RenderLabel identifies a single variant render by target canvas and outcome
// ("ok" or "error").
type RenderLabel struct {
	Variant string
	Outcome string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, job
// lifecycle events, per-variant renders, ingest operations, and snapshot
// publishes. Writers coordinate through a RWMutex; gauges use atomics so the
// worker and the HTTP surface can update them without contending on the map
// lock.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	jobEvents        map[string]uint64
	jobDurationTotal time.Duration
	jobDurationCount uint64
	renderEvents     map[RenderLabel]uint64
	ingestAttempts   map[string]uint64
	ingestFailures   map[string]uint64
	snapshotWrites   map[string]uint64
	queueDepth       atomic.Int64
	processingJobs   atomic.Int64
	breakerOpen      atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		jobEvents:       make(map[string]uint64),
		renderEvents:    make(map[RenderLabel]uint64),
		ingestAttempts:  make(map[string]uint64),
		ingestFailures:  make(map[string]uint64),
		snapshotWrites:  make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// JobEnqueued records a job admitted to the pending queue.
func (r *Recorder) JobEnqueued() {
	r.incrementJobEvent("enqueued")
}

// JobStarted records a job entering processing and raises the processing
// gauge.
func (r *Recorder) JobStarted() {
	r.incrementJobEvent("started")
	r.processingJobs.Add(1)
}

// JobCompleted records a successful terminal transition along with the job's
// wall-clock duration, and lowers the processing gauge.
func (r *Recorder) JobCompleted(duration time.Duration) {
	r.mu.Lock()
	r.jobEvents["completed"]++
	r.jobDurationTotal += duration
	r.jobDurationCount++
	r.mu.Unlock()
	r.decrementGauge(&r.processingJobs)
}

// JobFailed records a failed terminal transition and lowers the processing
// gauge.
func (r *Recorder) JobFailed() {
	r.incrementJobEvent("failed")
	r.decrementGauge(&r.processingJobs)
}

// JobStalled records a supervisor-initiated abort. The supervisor also calls
// JobFailed for the terminal transition; stalls are counted separately so
// operators can distinguish timeouts from pipeline failures.
func (r *Recorder) JobStalled() {
	r.incrementJobEvent("stalled")
}

func (r *Recorder) incrementJobEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.jobEvents[normalized]++
	r.mu.Unlock()
}

// ObserveRender records one variant render by canvas name and outcome.
func (r *Recorder) ObserveRender(variant string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	label := RenderLabel{Variant: normalizeName(variant), Outcome: outcome}
	r.mu.Lock()
	r.renderEvents[label]++
	r.mu.Unlock()
}

// ObserveIngestAttempt records an ingest operation attempt keyed by operation
// name (e.g., "download", "probe").
func (r *Recorder) ObserveIngestAttempt(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.ingestAttempts[op]++
	r.mu.Unlock()
}

// ObserveIngestFailure records a failed ingest operation keyed by operation
// name. The caller should also record the attempt separately.
func (r *Recorder) ObserveIngestFailure(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.ingestFailures[op]++
	r.mu.Unlock()
}

// ObserveSnapshotWrite records a secondary-store snapshot publish keyed by
// store name ("kv" or "blob") and outcome.
func (r *Recorder) ObserveSnapshotWrite(store string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	key := fmt.Sprintf("%s_%s", normalizeName(store), outcome)
	r.mu.Lock()
	r.snapshotWrites[key]++
	r.mu.Unlock()
}

// SetQueueDepth publishes the current pending-queue length.
func (r *Recorder) SetQueueDepth(depth int) {
	if depth < 0 {
		depth = 0
	}
	r.queueDepth.Store(int64(depth))
}

// SetBreakerOpen publishes the circuit breaker state (1 open, 0 closed).
func (r *Recorder) SetBreakerOpen(open bool) {
	if open {
		r.breakerOpen.Store(1)
		return
	}
	r.breakerOpen.Store(0)
}

// ProcessingJobs exposes the current processing gauge for tests.
func (r *Recorder) ProcessingJobs() int64 {
	return r.processingJobs.Load()
}

// JobCounts returns copies of the job event counters for tests and reporting.
func (r *Recorder) JobCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]uint64, len(r.jobEvents))
	for k, v := range r.jobEvents {
		counts[k] = v
	}
	return counts
}

// RenderCounts returns copies of the render event counters for tests.
func (r *Recorder) RenderCounts() map[RenderLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[RenderLabel]uint64, len(r.renderEvents))
	for k, v := range r.renderEvents {
		counts[k] = v
	}
	return counts
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.jobEvents = make(map[string]uint64)
	r.jobDurationTotal = 0
	r.jobDurationCount = 0
	r.renderEvents = make(map[RenderLabel]uint64)
	r.ingestAttempts = make(map[string]uint64)
	r.ingestFailures = make(map[string]uint64)
	r.snapshotWrites = make(map[string]uint64)
	r.queueDepth.Store(0)
	r.processingJobs.Store(0)
	r.breakerOpen.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	jobEvents := r.sortedJobEvents()
	renderLabels := r.sortedRenderLabels()
	ingestOperations := r.sortedIngestOperations()
	snapshotKeys := r.sortedSnapshotKeys()

	fmt.Fprintln(w, "# HELP framemill_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE framemill_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "framemill_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP framemill_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE framemill_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "framemill_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP framemill_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE framemill_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "framemill_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP framemill_jobs_total Render job lifecycle events by type")
	fmt.Fprintln(w, "# TYPE framemill_jobs_total counter")
	for _, event := range jobEvents {
		count := r.jobEvents[event]
		fmt.Fprintf(w, "framemill_jobs_total{event=\"%s\"} %d\n", event, count)
	}

	fmt.Fprintln(w, "# HELP framemill_job_duration_seconds_sum Cumulative wall-clock duration of completed jobs in seconds")
	fmt.Fprintln(w, "# TYPE framemill_job_duration_seconds_sum counter")
	fmt.Fprintf(w, "framemill_job_duration_seconds_sum %f\n", r.jobDurationTotal.Seconds())

	fmt.Fprintln(w, "# HELP framemill_job_duration_seconds_count Total number of completed jobs observed")
	fmt.Fprintln(w, "# TYPE framemill_job_duration_seconds_count counter")
	fmt.Fprintf(w, "framemill_job_duration_seconds_count %d\n", r.jobDurationCount)

	fmt.Fprintln(w, "# HELP framemill_renders_total Variant renders by canvas and outcome")
	fmt.Fprintln(w, "# TYPE framemill_renders_total counter")
	for _, label := range renderLabels {
		count := r.renderEvents[label]
		fmt.Fprintf(w, "framemill_renders_total{variant=\"%s\",outcome=\"%s\"} %d\n", label.Variant, label.Outcome, count)
	}

	fmt.Fprintln(w, "# HELP framemill_ingest_attempts_total Total ingest operations attempted by action")
	fmt.Fprintln(w, "# TYPE framemill_ingest_attempts_total counter")
	for _, op := range ingestOperations {
		count := r.ingestAttempts[op]
		fmt.Fprintf(w, "framemill_ingest_attempts_total{operation=\"%s\"} %d\n", op, count)
	}

	fmt.Fprintln(w, "# HELP framemill_ingest_failures_total Total ingest operation failures by action")
	fmt.Fprintln(w, "# TYPE framemill_ingest_failures_total counter")
	for _, op := range ingestOperations {
		count := r.ingestFailures[op]
		fmt.Fprintf(w, "framemill_ingest_failures_total{operation=\"%s\"} %d\n", op, count)
	}

	fmt.Fprintln(w, "# HELP framemill_snapshot_writes_total Secondary-store snapshot publishes by store and outcome")
	fmt.Fprintln(w, "# TYPE framemill_snapshot_writes_total counter")
	for _, key := range snapshotKeys {
		count := r.snapshotWrites[key]
		fmt.Fprintf(w, "framemill_snapshot_writes_total{target=\"%s\"} %d\n", key, count)
	}

	fmt.Fprintln(w, "# HELP framemill_queue_depth Current number of jobs waiting in the pending queue")
	fmt.Fprintln(w, "# TYPE framemill_queue_depth gauge")
	fmt.Fprintf(w, "framemill_queue_depth %d\n", r.queueDepth.Load())

	fmt.Fprintln(w, "# HELP framemill_jobs_processing Current number of jobs being rendered")
	fmt.Fprintln(w, "# TYPE framemill_jobs_processing gauge")
	fmt.Fprintf(w, "framemill_jobs_processing %d\n", r.processingJobs.Load())

	fmt.Fprintln(w, "# HELP framemill_breaker_open Circuit breaker state (1 open, 0 closed)")
	fmt.Fprintln(w, "# TYPE framemill_breaker_open gauge")
	fmt.Fprintf(w, "framemill_breaker_open %d\n", r.breakerOpen.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedJobEvents() []string {
	events := make([]string, 0, len(r.jobEvents))
	for event := range r.jobEvents {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

func (r *Recorder) sortedRenderLabels() []RenderLabel {
	labels := make([]RenderLabel, 0, len(r.renderEvents))
	for label := range r.renderEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Variant != labels[j].Variant {
			return labels[i].Variant < labels[j].Variant
		}
		return labels[i].Outcome < labels[j].Outcome
	})
	return labels
}

func (r *Recorder) sortedIngestOperations() []string {
	seen := make(map[string]struct{}, len(r.ingestAttempts)+len(r.ingestFailures))
	for op := range r.ingestAttempts {
		seen[op] = struct{}{}
	}
	for op := range r.ingestFailures {
		seen[op] = struct{}{}
	}
	ops := make([]string, 0, len(seen))
	for op := range seen {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func (r *Recorder) sortedSnapshotKeys() []string {
	keys := make([]string, 0, len(r.snapshotWrites))
	for key := range r.snapshotWrites {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
