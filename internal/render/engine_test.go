package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"framemill/internal/models"
	"framemill/internal/observability/metrics"
)

func stubFFmpeg(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg-stub")
	script := fmt.Sprintf("#!/bin/sh\n%s\n", body)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing ffmpeg stub: %v", err)
	}
	return path
}

func newTestEngine(t *testing.T, scriptBody string) (*Engine, string) {
	t.Helper()
	scratch := t.TempDir()
	engine, err := NewEngine(EngineConfig{
		FFmpegPath: stubFFmpeg(t, scriptBody),
		ScratchDir: scratch,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:    metrics.New(),
	})
	if err != nil {
		t.Fatalf("building engine: %v", err)
	}
	return engine, scratch
}

func writeAsset(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("asset"), 0o644); err != nil {
		t.Fatalf("writing asset %s: %v", name, err)
	}
	return path
}

func TestNewEngineMissingBinary(t *testing.T) {
	_, err := NewEngine(EngineConfig{
		FFmpegPath: filepath.Join(t.TempDir(), "no-such-ffmpeg"),
		ScratchDir: t.TempDir(),
	})
	if !errors.Is(err, ErrMissingBinary) {
		t.Fatalf("expected ErrMissingBinary, got %v", err)
	}
}

func TestNewEngineRequiresScratchDir(t *testing.T) {
	_, err := NewEngine(EngineConfig{FFmpegPath: stubFFmpeg(t, "exit 0")})
	if err == nil {
		t.Fatalf("expected error for missing scratch dir")
	}
}

func TestRenderProducesOutput(t *testing.T) {
	engine, scratch := newTestEngine(t, `for last; do :; done
echo rendered > "$last"`)

	source := models.SourceVideoRef{
		ScratchPath:  writeAsset(t, scratch, "clip_src.mp4"),
		OriginalName: "clip.mp4",
	}
	template := models.TemplateRef{
		Variant:     models.VariantVertical,
		ScratchPath: writeAsset(t, scratch, "tpl.mov"),
		Metadata:    models.TemplateMetadata{HasAlphaChannel: true},
	}

	outputPath, err := engine.Render(context.Background(), source, template, models.VariantVertical)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if filepath.Dir(outputPath) != scratch {
		t.Fatalf("output outside scratch dir: %s", outputPath)
	}
	if !strings.HasPrefix(filepath.Base(outputPath), "vertical_clip_") {
		t.Fatalf("unexpected output name %s", filepath.Base(outputPath))
	}
	if _, err := os.Stat(outputPath); err != nil {
		t.Fatalf("output file missing: %v", err)
	}
}

func TestRenderPipelineFailureCarriesStderrTail(t *testing.T) {
	engine, scratch := newTestEngine(t, `echo "Conversion failed!" >&2
echo "Invalid data found when processing input" >&2
exit 2`)

	source := models.SourceVideoRef{ScratchPath: writeAsset(t, scratch, "clip.mp4"), OriginalName: "clip.mp4"}
	template := models.TemplateRef{
		Variant:     models.VariantSquare,
		ScratchPath: writeAsset(t, scratch, "tpl.png"),
		Metadata:    models.TemplateMetadata{HasAlphaChannel: false},
	}

	_, err := engine.Render(context.Background(), source, template, models.VariantSquare)
	if err == nil {
		t.Fatalf("expected pipeline failure")
	}
	if !errors.Is(err, ErrPipelineFailed) {
		t.Fatalf("expected ErrPipelineFailed, got %v", err)
	}
	var pipeErr *PipelineError
	if !errors.As(err, &pipeErr) {
		t.Fatalf("expected *PipelineError, got %T", err)
	}
	if pipeErr.ExitCode != 2 {
		t.Fatalf("expected exit code 2, got %d", pipeErr.ExitCode)
	}
	if !strings.Contains(pipeErr.StderrTail, "Invalid data found") {
		t.Fatalf("expected stderr tail in error, got %q", pipeErr.StderrTail)
	}
}

func TestRenderMissingInputsIsIOFailure(t *testing.T) {
	engine, scratch := newTestEngine(t, "exit 0")

	source := models.SourceVideoRef{ScratchPath: filepath.Join(scratch, "absent.mp4"), OriginalName: "absent.mp4"}
	template := models.TemplateRef{
		Variant:     models.VariantLandscape,
		ScratchPath: writeAsset(t, scratch, "tpl.jpg"),
	}

	_, err := engine.Render(context.Background(), source, template, models.VariantLandscape)
	if !errors.Is(err, ErrIOFailure) {
		t.Fatalf("expected ErrIOFailure, got %v", err)
	}
}

func TestRenderMissingOutputIsIOFailure(t *testing.T) {
	engine, scratch := newTestEngine(t, "exit 0")

	source := models.SourceVideoRef{ScratchPath: writeAsset(t, scratch, "clip.mp4"), OriginalName: "clip.mp4"}
	template := models.TemplateRef{
		Variant:     models.VariantVertical,
		ScratchPath: writeAsset(t, scratch, "tpl.mov"),
		Metadata:    models.TemplateMetadata{HasAlphaChannel: true},
	}

	_, err := engine.Render(context.Background(), source, template, models.VariantVertical)
	if !errors.Is(err, ErrIOFailure) {
		t.Fatalf("expected ErrIOFailure for missing output, got %v", err)
	}
}

func TestRenderRecordsMetrics(t *testing.T) {
	engine, scratch := newTestEngine(t, `for last; do :; done
echo rendered > "$last"`)

	source := models.SourceVideoRef{ScratchPath: writeAsset(t, scratch, "clip.mp4"), OriginalName: "clip.mp4"}
	template := models.TemplateRef{
		Variant:     models.VariantVertical,
		ScratchPath: writeAsset(t, scratch, "tpl.mov"),
		Metadata:    models.TemplateMetadata{HasAlphaChannel: true},
	}

	if _, err := engine.Render(context.Background(), source, template, models.VariantVertical); err != nil {
		t.Fatalf("render failed: %v", err)
	}

	counts := engine.metrics.RenderCounts()
	if counts[metrics.RenderLabel{Variant: "vertical", Outcome: "ok"}] != 1 {
		t.Fatalf("expected render metric recorded, got %+v", counts)
	}
}
