package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"framemill/internal/models"
	"framemill/internal/observability/metrics"
)

const defaultProbeTimeout = 30 * time.Second

// alphaMarkers are pixel-format substrings that indicate a transparency
// plane. Formats merely ending in "a" (gray8a and friends) are caught by the
// trailing-rune rule in pixelFormatHasAlpha.
var alphaMarkers = []string{"alpha", "rgba", "bgra", "argb", "yuva"}

// Prober extracts template geometry via ffprobe.
type Prober struct {
	FFprobePath string
	Timeout     time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
}

type probeReport struct {
	Streams []struct {
		Width       int    `json:"width"`
		Height      int    `json:"height"`
		PixelFormat string `json:"pix_fmt"`
	} `json:"streams"`
}

func (p *Prober) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Prober) recorder() *metrics.Recorder {
	if p.Metrics != nil {
		return p.Metrics
	}
	return metrics.Default()
}

func (p *Prober) timeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return defaultProbeTimeout
}

// ProbeTemplate inspects the first video stream of the file at path.
// Probing is best-effort: on any failure it logs a warning and returns the
// default metadata, which assumes an alpha channel.
func (p *Prober) ProbeTemplate(ctx context.Context, path, label string) models.TemplateMetadata {
	p.recorder().ObserveIngestAttempt("probe")
	meta, err := p.probe(ctx, path)
	if err != nil {
		p.recorder().ObserveIngestFailure("probe")
		p.logger().Warn("template probe failed, assuming alpha channel", "label", label, "path", path, "error", err)
		return models.DefaultTemplateMetadata()
	}
	return meta
}

func (p *Prober) probe(ctx context.Context, path string) (models.TemplateMetadata, error) {
	binary := strings.TrimSpace(p.FFprobePath)
	if binary == "" {
		resolved, err := exec.LookPath("ffprobe")
		if err != nil {
			return models.TemplateMetadata{}, fmt.Errorf("locate ffprobe: %w", err)
		}
		binary = resolved
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	cmd := exec.CommandContext(probeCtx, binary,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,pix_fmt",
		"-of", "json",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return models.TemplateMetadata{}, fmt.Errorf("ffprobe: %w: %s", err, detail)
		}
		return models.TemplateMetadata{}, fmt.Errorf("ffprobe: %w", err)
	}

	var report probeReport
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		return models.TemplateMetadata{}, fmt.Errorf("decode ffprobe output: %w", err)
	}
	if len(report.Streams) == 0 {
		return models.TemplateMetadata{}, fmt.Errorf("no video stream in %s", path)
	}

	stream := report.Streams[0]
	return models.TemplateMetadata{
		HasAlphaChannel: pixelFormatHasAlpha(stream.PixelFormat),
		Width:           stream.Width,
		Height:          stream.Height,
		PixelFormat:     stream.PixelFormat,
	}, nil
}

func pixelFormatHasAlpha(format string) bool {
	normalized := strings.ToLower(strings.TrimSpace(format))
	if normalized == "" {
		return false
	}
	for _, marker := range alphaMarkers {
		if strings.Contains(normalized, marker) {
			return true
		}
	}
	return strings.HasSuffix(normalized, "a")
}
