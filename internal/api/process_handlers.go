package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"framemill/internal/ingest"
	"framemill/internal/models"
	"framemill/internal/queue"
)

type processRequest struct {
	Videos    []models.RemoteAssetRef          `json:"videos"`
	Templates map[string]models.RemoteAssetRef `json:"templates"`
}

// toIngestRequest validates the payload shape and normalises template keys
// to their variant tags.
func (req processRequest) toIngestRequest() (ingest.Request, error) {
	if len(req.Videos) == 0 {
		return ingest.Request{}, fmt.Errorf("at least one video is required")
	}
	for idx, video := range req.Videos {
		if strings.TrimSpace(video.URL) == "" {
			return ingest.Request{}, fmt.Errorf("videos[%d]: url is required", idx)
		}
	}
	if len(req.Templates) == 0 {
		return ingest.Request{}, fmt.Errorf("at least one template is required")
	}
	templates := make(map[models.Variant]models.RemoteAssetRef, len(req.Templates))
	for name, ref := range req.Templates {
		variant, ok := models.ParseVariant(name)
		if !ok {
			return ingest.Request{}, fmt.Errorf("unknown template variant %q", name)
		}
		if strings.TrimSpace(ref.URL) == "" {
			return ingest.Request{}, fmt.Errorf("%s template: url is required", variant)
		}
		templates[variant] = ref
	}
	return ingest.Request{Videos: req.Videos, Templates: templates}, nil
}

type tooManyJobsResponse struct {
	Error           string `json:"error"`
	OwnerActiveJobs int    `json:"ownerActiveJobs"`
	OwnerJobLimit   int    `json:"ownerJobLimit"`
}

// jobResponse is the enqueue response shape; the status endpoint extends it
// with jobStatusResponse.
type jobResponse struct {
	JobID                     string            `json:"jobId"`
	Status                    string            `json:"status"`
	Progress                  int               `json:"progress"`
	QueuePosition             int               `json:"queuePosition"`
	EstimatedWaitMs           int64             `json:"estimatedWaitMs"`
	EstimatedWaitSeconds      int64             `json:"estimatedWaitSeconds"`
	AverageJobDurationMs      int64             `json:"averageJobDurationMs"`
	AverageJobDurationSeconds int64             `json:"averageJobDurationSeconds"`
	OwnerActiveJobs           int               `json:"ownerActiveJobs"`
	OwnerJobLimit             int               `json:"ownerJobLimit"`
	Metrics                   models.JobMetrics `json:"metrics"`
}

type jobResultResponse struct {
	Videos []models.OutputArtifact `json:"videos"`
}

type jobStatusResponse struct {
	jobResponse
	Message    string             `json:"message,omitempty"`
	Result     *jobResultResponse `json:"result,omitempty"`
	Error      string             `json:"error,omitempty"`
	CreatedAt  string             `json:"createdAt"`
	UpdatedAt  string             `json:"updatedAt"`
	StartedAt  *string            `json:"startedAt,omitempty"`
	FinishedAt *string            `json:"finishedAt,omitempty"`
}

func millisAndSeconds(d time.Duration) (int64, int64) {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	return ms, (ms + 500) / 1000
}

func (h *Handler) newJobResponse(job models.Job, estimate queue.Estimate, ownerActive int) jobResponse {
	waitMs, waitSeconds := millisAndSeconds(estimate.EstimatedWait)
	avgMs, avgSeconds := millisAndSeconds(estimate.AverageDuration)
	return jobResponse{
		JobID:                     job.ID,
		Status:                    string(job.Status),
		Progress:                  job.Progress,
		QueuePosition:             estimate.QueuePosition,
		EstimatedWaitMs:           waitMs,
		EstimatedWaitSeconds:      waitSeconds,
		AverageJobDurationMs:      avgMs,
		AverageJobDurationSeconds: avgSeconds,
		OwnerActiveJobs:           ownerActive,
		OwnerJobLimit:             h.Queue.OwnerLimit(),
		Metrics:                   job.Metrics,
	}
}

func (h *Handler) newJobStatusResponse(job models.Job) jobStatusResponse {
	estimate := h.Queue.EstimateFor(job.ID)
	resp := jobStatusResponse{
		jobResponse: h.newJobResponse(job, estimate, h.Store.CountActiveForOwner(job.Owner)),
		Message:     statusMessage(job, estimate.QueuePosition),
		Error:       job.Error,
		CreatedAt:   job.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:   job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if len(job.Result) > 0 {
		resp.Result = &jobResultResponse{Videos: append([]models.OutputArtifact(nil), job.Result...)}
	}
	if job.StartedAt != nil {
		started := job.StartedAt.Format(time.RFC3339Nano)
		resp.StartedAt = &started
	}
	if job.FinishedAt != nil {
		finished := job.FinishedAt.Format(time.RFC3339Nano)
		resp.FinishedAt = &finished
	}
	return resp
}

// statusMessage is the human-readable progress line shown by the polling
// client. Queue positions are one-based here, unlike the queuePosition
// field, which counts the jobs ahead.
func statusMessage(job models.Job, queuePosition int) string {
	switch job.Status {
	case models.JobStatusPending:
		return fmt.Sprintf("queued at position %d", queuePosition+1)
	case models.JobStatusProcessing:
		total := job.Metrics.TotalVariants
		if total <= 0 {
			return "rendering"
		}
		current := job.Metrics.CompletedVariants + 1
		if current > total {
			current = total
		}
		return fmt.Sprintf("rendering %d of %d variants", current, total)
	case models.JobStatusCompleted:
		return "all variants rendered"
	default:
		return ""
	}
}

// ProcessJobs accepts a render batch: it fingerprints the owner, enforces
// the per-owner cap, validates the payload, downloads every asset and hands
// the created job to the queue.
func (h *Handler) ProcessJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	owner := ownerFingerprint(r)
	if err := h.Queue.Admit(owner); err != nil {
		var capErr *queue.TooManyActiveJobsError
		if errors.As(err, &capErr) {
			writeJSON(w, http.StatusTooManyRequests, tooManyJobsResponse{
				Error:           capErr.Error(),
				OwnerActiveJobs: capErr.Active,
				OwnerJobLimit:   capErr.Limit,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	var req processRequest
	if err := decodeJSONAllowUnknown(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ingestReq, err := req.toIngestRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	payload, err := h.Ingester.IngestAll(r.Context(), ingestReq)
	if err != nil {
		h.logger().Error("asset ingest failed", "owner", owner, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	job, err := h.Store.Create(owner, payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	// Counted before the worker can race the job to a terminal state, so
	// the reported number always includes this submission.
	ownerActive := h.Store.CountActiveForOwner(owner)
	estimate, err := h.Queue.Enqueue(job.ID)
	if err != nil {
		h.logger().Warn("job rejected by queue", "job_id", job.ID, "owner", owner, "error", err)
		h.discardJob(job)
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	h.logger().Info("job enqueued",
		"job_id", job.ID,
		"owner", owner,
		"sources", len(payload.Sources),
		"templates", len(payload.Templates))
	writeJSON(w, http.StatusOK, h.newJobResponse(job, estimate, ownerActive))
}

// discardJob rolls back a submission the queue refused: the pending record
// would hold one of the owner's admission slots forever and no worker will
// ever clean its scratch files.
func (h *Handler) discardJob(job models.Job) {
	h.Store.Delete(job.ID)
	for _, path := range job.Payload.ScratchPaths() {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			h.logger().Warn("scratch cleanup failed", "job_id", job.ID, "path", path, "error", err)
		}
	}
}

// JobByID serves the job snapshot for polling clients.
func (h *Handler) JobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/process/")
	if path == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("job id missing"))
		return
	}
	parts := strings.Split(path, "/")
	if len(parts) > 1 {
		writeError(w, http.StatusNotFound, fmt.Errorf("no such resource"))
		return
	}
	jobID := strings.TrimSpace(parts[0])
	job, ok := h.Store.Lookup(r.Context(), jobID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("job %s not found", jobID))
		return
	}
	writeJSON(w, http.StatusOK, h.newJobStatusResponse(job))
}
