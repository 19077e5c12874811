package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"framemill/internal/models"
	"framemill/internal/observability/metrics"
)

// EngineConfig wires a render Engine. An empty FFmpegPath resolves "ffmpeg"
// from PATH.
type EngineConfig struct {
	FFmpegPath string
	ScratchDir string
	Timeout    time.Duration
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

// Engine runs one composition pipeline per call. It is safe for concurrent
// use, though the worker only ever runs one render at a time.
type Engine struct {
	ffmpegPath string
	scratchDir string
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Recorder
	now        func() time.Time
}

// NewEngine resolves the ffmpeg binary once; a missing binary fails
// construction with ErrMissingBinary rather than failing per render.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	binary := strings.TrimSpace(cfg.FFmpegPath)
	if binary == "" {
		binary = "ffmpeg"
	}
	resolved, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingBinary, err)
	}
	if strings.TrimSpace(cfg.ScratchDir) == "" {
		return nil, errors.New("render: scratch directory is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Engine{
		ffmpegPath: resolved,
		scratchDir: cfg.ScratchDir,
		timeout:    cfg.Timeout,
		logger:     logger,
		metrics:    recorder,
		now:        time.Now,
	}, nil
}

// Render composites source and template onto the variant canvas and returns
// the output path in scratch storage.
func (e *Engine) Render(ctx context.Context, source models.SourceVideoRef, template models.TemplateRef, variant models.Variant) (string, error) {
	outputPath, err := e.render(ctx, source, template, variant)
	e.metrics.ObserveRender(string(variant), err)
	return outputPath, err
}

func (e *Engine) render(ctx context.Context, source models.SourceVideoRef, template models.TemplateRef, variant models.Variant) (string, error) {
	plan, err := buildRenderPlan(source, template, variant, e.scratchDir, e.now())
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(source.ScratchPath); err != nil {
		return "", fmt.Errorf("%w: source: %v", ErrIOFailure, err)
	}
	if _, err := os.Stat(template.ScratchPath); err != nil {
		return "", fmt.Errorf("%w: template: %v", ErrIOFailure, err)
	}

	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	logger := e.logger.With("variant", string(variant), "output", filepath.Base(plan.outputPath))
	started := e.now()
	cmd := Command{
		Path: e.ffmpegPath,
		Args: plan.args,
		StderrLine: func(line string) {
			logger.Debug("ffmpeg", "line", line)
		},
	}

	result, runErr := cmd.Run(runCtx)
	if runErr != nil {
		e.removeOutput(plan.outputPath)
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return "", &PipelineError{
				ExitCode:   result.ExitCode,
				StderrTail: strings.Join(result.StderrTail, "\n"),
			}
		}
		return "", fmt.Errorf("%w: %v", ErrIOFailure, runErr)
	}
	if _, err := os.Stat(plan.outputPath); err != nil {
		return "", fmt.Errorf("%w: output missing after render: %v", ErrIOFailure, err)
	}

	logger.Info("variant rendered", "duration_ms", time.Since(started).Milliseconds())
	return plan.outputPath, nil
}

// removeOutput clears a partial output file after a failed render. ffmpeg
// usually leaves one behind when killed mid-encode.
func (e *Engine) removeOutput(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.logger.Warn("failed to remove partial render output", "path", path, "error", err)
	}
}
