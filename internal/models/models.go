package models

import (
	"strings"
	"time"
)

// Variant identifies one of the fixed target canvases a render can produce.
type Variant string

const (
	VariantVertical  Variant = "vertical"
	VariantSquare    Variant = "square"
	VariantLandscape Variant = "landscape"
)

// Variants returns the canonical variant order used for template iteration
// and result emission.
func Variants() []Variant {
	return []Variant{VariantVertical, VariantSquare, VariantLandscape}
}

// ParseVariant normalises a client-supplied variant name.
func ParseVariant(value string) (Variant, bool) {
	switch Variant(strings.ToLower(strings.TrimSpace(value))) {
	case VariantVertical:
		return VariantVertical, true
	case VariantSquare:
		return VariantSquare, true
	case VariantLandscape:
		return VariantLandscape, true
	default:
		return "", false
	}
}

// JobStatus tracks a render job through its lifecycle.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// RemoteAssetRef describes a client-supplied asset before ingestion. Size and
// MimeType are advisory; Size, when declared, is validated against the ingest
// limit.
type RemoteAssetRef struct {
	URL          string `json:"url"`
	OriginalName string `json:"originalName"`
	Size         int64  `json:"size,omitempty"`
	MimeType     string `json:"mimeType,omitempty"`
}

// SourceVideoRef points at an ingested source video in scratch storage.
type SourceVideoRef struct {
	ScratchPath  string `json:"scratchPath"`
	OriginalName string `json:"originalName"`
}

// TemplateMetadata carries the probed geometry of a template asset. Probe
// failures leave the zero dimensions in place and force HasAlphaChannel true.
type TemplateMetadata struct {
	HasAlphaChannel bool   `json:"hasAlphaChannel"`
	Width           int    `json:"width,omitempty"`
	Height          int    `json:"height,omitempty"`
	PixelFormat     string `json:"pixelFormat,omitempty"`
}

// DefaultTemplateMetadata is the fallback used when probing fails: assuming
// an alpha channel keeps the template on top, which is the safer compositing
// order for unknown assets.
func DefaultTemplateMetadata() TemplateMetadata {
	return TemplateMetadata{HasAlphaChannel: true}
}

// TemplateRef points at an ingested template asset and its target variant.
type TemplateRef struct {
	Variant      Variant          `json:"variant"`
	ScratchPath  string           `json:"scratchPath"`
	OriginalName string           `json:"originalName"`
	Metadata     TemplateMetadata `json:"metadata"`
}

// OutputArtifact is one finished render. Filename is a basename only; URL is
// the public download path derived from it.
type OutputArtifact struct {
	Variant  Variant `json:"variant"`
	Filename string  `json:"filename"`
	URL      string  `json:"url"`
}

// JobMetrics counts variant completion inside a job.
type JobMetrics struct {
	CompletedVariants int `json:"completedVariants"`
	TotalVariants     int `json:"totalVariants"`
}

// JobPayload holds the ingested inputs of a job. Templates are stored in the
// canonical variant order; Sources keep upload order.
type JobPayload struct {
	Sources   []SourceVideoRef `json:"sources"`
	Templates []TemplateRef    `json:"templates"`
}

// VariantCount is len(sources) x len(templates present).
func (p JobPayload) VariantCount() int {
	return len(p.Sources) * len(p.Templates)
}

// ScratchPaths lists every scratch file the payload references, sources
// first, in a stable order.
func (p JobPayload) ScratchPaths() []string {
	paths := make([]string, 0, len(p.Sources)+len(p.Templates))
	for _, src := range p.Sources {
		paths = append(paths, src.ScratchPath)
	}
	for _, tpl := range p.Templates {
		paths = append(paths, tpl.ScratchPath)
	}
	return paths
}

// Job is the authoritative record of one render batch. Payload stays in
// process memory only; marshalled snapshots carry just the public projection.
type Job struct {
	ID         string           `json:"id"`
	Owner      string           `json:"owner"`
	Status     JobStatus        `json:"status"`
	Progress   int              `json:"progress"`
	Error      string           `json:"error,omitempty"`
	Result     []OutputArtifact `json:"result,omitempty"`
	Metrics    JobMetrics       `json:"metrics"`
	Payload    JobPayload       `json:"-"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
	StartedAt  *time.Time       `json:"startedAt,omitempty"`
	FinishedAt *time.Time       `json:"finishedAt,omitempty"`
}

// Clone returns a deep copy so callers can hand records across goroutines
// without sharing slices or timestamp pointers.
func (j Job) Clone() Job {
	clone := j
	if j.Result != nil {
		clone.Result = append([]OutputArtifact(nil), j.Result...)
	}
	if j.Payload.Sources != nil {
		clone.Payload.Sources = append([]SourceVideoRef(nil), j.Payload.Sources...)
	}
	if j.Payload.Templates != nil {
		clone.Payload.Templates = append([]TemplateRef(nil), j.Payload.Templates...)
	}
	if j.StartedAt != nil {
		started := *j.StartedAt
		clone.StartedAt = &started
	}
	if j.FinishedAt != nil {
		finished := *j.FinishedAt
		clone.FinishedAt = &finished
	}
	return clone
}

// Active reports whether the job still occupies its owner's admission slot.
func (j Job) Active() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusProcessing
}
