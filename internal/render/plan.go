package render

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"framemill/internal/models"
)

// canvas is the fixed target geometry of a variant. padX is the horizontal
// pad offset expression: centered everywhere except the square variant,
// which is left-aligned because templates expect their transparent window on
// the left.
type canvas struct {
	width  int
	height int
	padX   string
}

var canvases = map[models.Variant]canvas{
	models.VariantVertical:  {width: 1080, height: 1920, padX: "(ow-iw)/2"},
	models.VariantSquare:    {width: 1080, height: 1080, padX: "0"},
	models.VariantLandscape: {width: 1920, height: 1080, padX: "(ow-iw)/2"},
}

// imageExtensions lists template types that arrive as still images and are
// looped for the duration of the source.
var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
	".bmp":  true,
	".gif":  true,
}

type renderPlan struct {
	args       []string
	outputPath string
}

// buildRenderPlan assembles the ffmpeg argv for one source × template ×
// variant composition. The output lands in scratchDir as
// {variant}_{sourceBase}_{unixMilli}.mp4.
func buildRenderPlan(source models.SourceVideoRef, template models.TemplateRef, variant models.Variant, scratchDir string, now time.Time) (renderPlan, error) {
	geometry, ok := canvases[variant]
	if !ok {
		return renderPlan{}, fmt.Errorf("unknown variant %q", variant)
	}
	if strings.TrimSpace(source.ScratchPath) == "" {
		return renderPlan{}, fmt.Errorf("source path is required")
	}
	if strings.TrimSpace(template.ScratchPath) == "" {
		return renderPlan{}, fmt.Errorf("template path is required")
	}

	outputPath := filepath.Join(scratchDir, outputFilename(variant, source, now))

	args := []string{"-y", "-i", source.ScratchPath}
	if isImageTemplate(template.ScratchPath) {
		args = append(args, "-loop", "1")
	} else {
		args = append(args, "-stream_loop", "-1")
	}
	args = append(args, "-i", template.ScratchPath)
	args = append(args,
		"-filter_complex", buildFilterGraph(geometry, template.Metadata.HasAlphaChannel),
		"-map", "[outv]",
		"-map", "0:a?",
		"-c:v", "libx264",
		"-preset", "slow",
		"-crf", "18",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "192k",
		"-movflags", "+faststart",
		"-shortest",
		outputPath,
	)

	return renderPlan{args: args, outputPath: outputPath}, nil
}

// buildFilterGraph produces the three-label composition: source scaled and
// padded onto the canvas, template scaled to fit, then one overlay at (0,0).
// Templates with alpha sit on top of the source; opaque templates go
// underneath it.
func buildFilterGraph(geometry canvas, templateHasAlpha bool) string {
	sourceChain := fmt.Sprintf(
		"[0:v]scale=%d:%d:force_original_aspect_ratio=decrease:flags=lanczos,pad=%d:%d:%s:(oh-ih)/2:color=black,setsar=1,format=rgba[src]",
		geometry.width, geometry.height,
		geometry.width, geometry.height, geometry.padX,
	)
	templateChain := fmt.Sprintf(
		"[1:v]scale=%d:%d:force_original_aspect_ratio=decrease:flags=lanczos,setsar=1,format=rgba[tpl]",
		geometry.width, geometry.height,
	)
	overlay := "[src][tpl]overlay=0:0[outv]"
	if !templateHasAlpha {
		overlay = "[tpl][src]overlay=0:0[outv]"
	}
	return strings.Join([]string{sourceChain, templateChain, overlay}, ";")
}

func isImageTemplate(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}

func outputFilename(variant models.Variant, source models.SourceVideoRef, now time.Time) string {
	base := sanitizeBasename(trimExt(source.OriginalName))
	if base == "" {
		base = sanitizeBasename(trimExt(filepath.Base(source.ScratchPath)))
	}
	if base == "" {
		base = "source"
	}
	return fmt.Sprintf("%s_%s_%d.mp4", variant, base, now.UnixMilli())
}

func trimExt(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// sanitizeBasename keeps output filenames URL- and filesystem-safe; the
// result may be empty when nothing survives.
func sanitizeBasename(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		case r == ' ' || r == '.':
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "_")
}
