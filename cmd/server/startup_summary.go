package main

import (
	"strings"
	"time"

	"framemill/internal/server"
	"framemill/internal/storage"
)

// startupSummaryInput collects the resolved configuration main wants to log
// once at boot. Credentials are deliberately absent: the summary only ever
// receives fields that are safe to print.
type startupSummaryInput struct {
	Mode           string
	Addr           string
	TLSEnabled     bool
	AllowedOrigins []string
	ScratchDir     string
	OutputDir      string
	FFmpegPath     string
	AllowInsecure  bool
	OwnerLimit     int
	Retention      time.Duration
	SweepInterval  time.Duration
	RateLimit      server.RateLimitConfig
	KV             storage.KeyValueConfig
	KVEnabled      bool
	Blob           storage.BlobConfig
	BlobEnabled    bool
}

type startupSummary struct {
	input startupSummaryInput
}

func newStartupSummary(input startupSummaryInput) startupSummary {
	return startupSummary{input: input}
}

// LogArgs renders the summary as slog key/value pairs grouped per subsystem.
func (s startupSummary) LogArgs() []any {
	in := s.input

	httpSummary := map[string]any{
		"addr": in.Addr,
		"mode": in.Mode,
		"tls":  in.TLSEnabled,
	}
	if len(in.AllowedOrigins) > 0 {
		httpSummary["cors_origins"] = strings.Join(in.AllowedOrigins, ",")
	}

	renderSummary := map[string]any{
		"output_dir": in.OutputDir,
		"ffmpeg":     in.FFmpegPath,
	}

	ingestSummary := map[string]any{
		"scratch_dir":            in.ScratchDir,
		"allow_insecure_sources": in.AllowInsecure,
	}

	queueSummary := map[string]any{
		"owner_limit":     in.OwnerLimit,
		"retention":       in.Retention.String(),
		"retention_sweep": in.SweepInterval.String(),
	}

	kvSummary := map[string]any{"enabled": in.KVEnabled}
	if in.KVEnabled {
		kvSummary["addrs"] = strings.Join(in.KV.Addrs, ",")
		if in.KV.KeyPrefix != "" {
			kvSummary["key_prefix"] = in.KV.KeyPrefix
		}
		if in.KV.DB > 0 {
			kvSummary["db"] = in.KV.DB
		}
		if in.KV.MasterName != "" {
			kvSummary["master_name"] = in.KV.MasterName
		}
	}

	blobSummary := map[string]any{"enabled": in.BlobEnabled}
	if in.BlobEnabled {
		blobSummary["endpoint"] = in.Blob.Endpoint
		blobSummary["bucket"] = in.Blob.Bucket
		if in.Blob.Prefix != "" {
			blobSummary["prefix"] = in.Blob.Prefix
		}
	}

	rateSummary := map[string]any{"enabled": in.RateLimit.RPS > 0}
	if in.RateLimit.RPS > 0 {
		rateSummary["rps"] = in.RateLimit.RPS
		rateSummary["burst"] = in.RateLimit.Burst
	}

	return []any{
		"http", httpSummary,
		"render", renderSummary,
		"ingest", ingestSummary,
		"queue", queueSummary,
		"snapshot_kv", kvSummary,
		"snapshot_blob", blobSummary,
		"rate_limit", rateSummary,
	}
}
