package api

import (
	"context"
	"log/slog"

	"framemill/internal/ingest"
	"framemill/internal/models"
	"framemill/internal/observability/metrics"
	"framemill/internal/queue"
	"framemill/internal/storage"
)

// Ingester downloads the remote assets of an enqueue request into scratch
// storage and probes the templates. *ingest.Ingester satisfies it.
type Ingester interface {
	IngestAll(ctx context.Context, req ingest.Request) (models.JobPayload, error)
}

// Handler bundles the dependencies of the HTTP surface. Store, Queue and
// Ingester are required; the remaining fields feed health reporting and
// response shaping.
type Handler struct {
	Store    *storage.JobStore
	Queue    *queue.Queue
	Ingester Ingester

	// OutputDir is where the render engine writes finished artifacts and
	// where downloads are served from.
	OutputDir string
	Logger    *slog.Logger
	Metrics   *metrics.Recorder

	// ScratchDir, FFmpegPath, KV and Blob are consulted by the health
	// endpoint only.
	ScratchDir string
	FFmpegPath string
	KV         *storage.KeyValueStore
	Blob       *storage.BlobStore
}

// NewHandler wires the required dependencies. Optional fields are assigned
// directly by the caller.
func NewHandler(store *storage.JobStore, q *queue.Queue, ingester Ingester) *Handler {
	return &Handler{Store: store, Queue: q, Ingester: ingester}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Metrics != nil {
		return h.Metrics
	}
	return metrics.Default()
}
