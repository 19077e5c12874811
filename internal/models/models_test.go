package models

import (
	"testing"
	"time"
)

func TestParseVariant(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  Variant
		ok    bool
	}{
		{name: "vertical", input: "vertical", want: VariantVertical, ok: true},
		{name: "square with spaces", input: "  square ", want: VariantSquare, ok: true},
		{name: "landscape mixed case", input: "LandScape", want: VariantLandscape, ok: true},
		{name: "unknown", input: "portrait", ok: false},
		{name: "empty", input: "", ok: false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseVariant(tc.input)
			if ok != tc.ok {
				t.Fatalf("expected ok=%v, got %v", tc.ok, ok)
			}
			if ok && got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestVariantsCanonicalOrder(t *testing.T) {
	got := Variants()
	want := []Variant{VariantVertical, VariantSquare, VariantLandscape}
	if len(got) != len(want) {
		t.Fatalf("expected %d variants, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected variant %d to be %q, got %q", i, want[i], got[i])
		}
	}
}

func TestJobStatusTerminal(t *testing.T) {
	if JobStatusPending.Terminal() || JobStatusProcessing.Terminal() {
		t.Fatalf("pending and processing must not be terminal")
	}
	if !JobStatusCompleted.Terminal() || !JobStatusFailed.Terminal() {
		t.Fatalf("completed and failed must be terminal")
	}
}

func TestJobActive(t *testing.T) {
	for _, status := range []JobStatus{JobStatusPending, JobStatusProcessing} {
		job := Job{Status: status}
		if !job.Active() {
			t.Fatalf("expected %q to count against the owner limit", status)
		}
	}
	for _, status := range []JobStatus{JobStatusCompleted, JobStatusFailed} {
		job := Job{Status: status}
		if job.Active() {
			t.Fatalf("expected %q to release the owner slot", status)
		}
	}
}

func TestJobPayloadVariantCount(t *testing.T) {
	payload := JobPayload{
		Sources: []SourceVideoRef{
			{ScratchPath: "/tmp/a.mp4"},
			{ScratchPath: "/tmp/b.mp4"},
		},
		Templates: []TemplateRef{
			{Variant: VariantVertical, ScratchPath: "/tmp/v.mov"},
			{Variant: VariantSquare, ScratchPath: "/tmp/s.png"},
			{Variant: VariantLandscape, ScratchPath: "/tmp/l.mov"},
		},
	}
	if got := payload.VariantCount(); got != 6 {
		t.Fatalf("expected 6 renders for 2x3, got %d", got)
	}
	if got := (JobPayload{}).VariantCount(); got != 0 {
		t.Fatalf("expected 0 renders for empty payload, got %d", got)
	}
}

func TestJobPayloadScratchPathsOrder(t *testing.T) {
	payload := JobPayload{
		Sources: []SourceVideoRef{
			{ScratchPath: "/tmp/src_one.mp4"},
			{ScratchPath: "/tmp/src_two.mp4"},
		},
		Templates: []TemplateRef{
			{Variant: VariantVertical, ScratchPath: "/tmp/tpl_vertical.mov"},
		},
	}

	paths := payload.ScratchPaths()
	want := []string{"/tmp/src_one.mp4", "/tmp/src_two.mp4", "/tmp/tpl_vertical.mov"}
	if len(paths) != len(want) {
		t.Fatalf("expected %d paths, got %d", len(want), len(paths))
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("expected path %d to be %q, got %q", i, want[i], paths[i])
		}
	}
}

func TestJobCloneIsDeep(t *testing.T) {
	started := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	finished := started.Add(90 * time.Second)
	original := Job{
		ID:       "job-1",
		Owner:    "anon_0123456789abcdef",
		Status:   JobStatusCompleted,
		Progress: 100,
		Result: []OutputArtifact{
			{Variant: VariantVertical, Filename: "vertical_clip_1700000000000.mp4", URL: "/output/vertical_clip_1700000000000.mp4"},
		},
		Metrics: JobMetrics{CompletedVariants: 1, TotalVariants: 1},
		Payload: JobPayload{
			Sources:   []SourceVideoRef{{ScratchPath: "/tmp/clip.mp4", OriginalName: "clip.mp4"}},
			Templates: []TemplateRef{{Variant: VariantVertical, ScratchPath: "/tmp/tpl.mov"}},
		},
		CreatedAt:  started.Add(-time.Minute),
		UpdatedAt:  finished,
		StartedAt:  &started,
		FinishedAt: &finished,
	}

	clone := original.Clone()

	clone.Result[0].Filename = "mutated.mp4"
	clone.Payload.Sources[0].ScratchPath = "/tmp/mutated.mp4"
	clone.Payload.Templates[0].Variant = VariantSquare
	*clone.StartedAt = clone.StartedAt.Add(time.Hour)
	*clone.FinishedAt = clone.FinishedAt.Add(time.Hour)

	if original.Result[0].Filename != "vertical_clip_1700000000000.mp4" {
		t.Fatalf("result slice was shared with the clone")
	}
	if original.Payload.Sources[0].ScratchPath != "/tmp/clip.mp4" {
		t.Fatalf("sources slice was shared with the clone")
	}
	if original.Payload.Templates[0].Variant != VariantVertical {
		t.Fatalf("templates slice was shared with the clone")
	}
	if !original.StartedAt.Equal(started) {
		t.Fatalf("startedAt pointer was shared with the clone")
	}
	if !original.FinishedAt.Equal(finished) {
		t.Fatalf("finishedAt pointer was shared with the clone")
	}
}

func TestJobCloneNilFields(t *testing.T) {
	original := Job{ID: "job-2", Status: JobStatusPending}
	clone := original.Clone()
	if clone.Result != nil || clone.StartedAt != nil || clone.FinishedAt != nil {
		t.Fatalf("expected nil fields to stay nil after clone")
	}
}

func TestDefaultTemplateMetadataAssumesAlpha(t *testing.T) {
	meta := DefaultTemplateMetadata()
	if !meta.HasAlphaChannel {
		t.Fatalf("fallback metadata must assume an alpha channel")
	}
	if meta.Width != 0 || meta.Height != 0 || meta.PixelFormat != "" {
		t.Fatalf("fallback metadata must not invent geometry: %+v", meta)
	}
}
