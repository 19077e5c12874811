package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"framemill/internal/models"
	"framemill/internal/observability/metrics"
)

const (
	defaultConcurrency  = 3
	defaultBatchTimeout = 5 * time.Minute
)

// Config wires an Ingester. ScratchDir is required; everything else has a
// sensible default.
type Config struct {
	ScratchDir    string
	AllowInsecure bool
	MaxAssetSize  int64
	Concurrency   int
	BatchTimeout  time.Duration
	FFprobePath   string
	ProbeTimeout  time.Duration
	Client        *http.Client
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
}

// Request is the validated shape of an enqueue payload before download.
type Request struct {
	Videos    []models.RemoteAssetRef
	Templates map[models.Variant]models.RemoteAssetRef
}

// Ingester downloads every asset of a render job and probes its templates.
type Ingester struct {
	fetcher     *Fetcher
	prober      *Prober
	concurrency int
	timeout     time.Duration
	logger      *slog.Logger
}

// New constructs an Ingester from cfg.
func New(cfg Config) (*Ingester, error) {
	if strings.TrimSpace(cfg.ScratchDir) == "" {
		return nil, errors.New("ingest: scratch directory is required")
	}
	info, err := os.Stat(cfg.ScratchDir)
	if err != nil {
		return nil, fmt.Errorf("ingest: scratch directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("ingest: scratch path %s is not a directory", cfg.ScratchDir)
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	timeout := cfg.BatchTimeout
	if timeout <= 0 {
		timeout = defaultBatchTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Ingester{
		fetcher: &Fetcher{
			ScratchDir:    cfg.ScratchDir,
			AllowInsecure: cfg.AllowInsecure,
			MaxSize:       cfg.MaxAssetSize,
			Client:        cfg.Client,
			Logger:        logger,
			Metrics:       cfg.Metrics,
		},
		prober: &Prober{
			FFprobePath: cfg.FFprobePath,
			Timeout:     cfg.ProbeTimeout,
			Logger:      logger,
			Metrics:     cfg.Metrics,
		},
		concurrency: concurrency,
		timeout:     timeout,
		logger:      logger,
	}, nil
}

// IngestAll downloads every source and template concurrently and probes each
// template after its download. Sources keep request order; templates follow
// the canonical variant order. On any failure every file fetched so far is
// removed and the first error is returned.
func (i *Ingester) IngestAll(ctx context.Context, req Request) (models.JobPayload, error) {
	batchCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	order := make([]models.Variant, 0, len(req.Templates))
	for _, variant := range models.Variants() {
		if _, ok := req.Templates[variant]; ok {
			order = append(order, variant)
		}
	}

	sources := make([]models.SourceVideoRef, len(req.Videos))
	templates := make([]models.TemplateRef, len(order))

	g, groupCtx := errgroup.WithContext(batchCtx)
	g.SetLimit(i.concurrency)

	for idx, ref := range req.Videos {
		idx, ref := idx, ref
		g.Go(func() error {
			asset, err := i.fetcher.Fetch(groupCtx, ref, fetchLabel(ref, "video"))
			if err != nil {
				return fmt.Errorf("source %q: %w", ref.OriginalName, err)
			}
			sources[idx] = models.SourceVideoRef{ScratchPath: asset.Path, OriginalName: asset.OriginalName}
			return nil
		})
	}
	for idx, variant := range order {
		idx, variant := idx, variant
		ref := req.Templates[variant]
		g.Go(func() error {
			asset, err := i.fetcher.Fetch(groupCtx, ref, fetchLabel(ref, string(variant)+"_template"))
			if err != nil {
				return fmt.Errorf("%s template %q: %w", variant, ref.OriginalName, err)
			}
			meta := i.prober.ProbeTemplate(groupCtx, asset.Path, string(variant))
			templates[idx] = models.TemplateRef{
				Variant:      variant,
				ScratchPath:  asset.Path,
				OriginalName: asset.OriginalName,
				Metadata:     meta,
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		i.removeFetched(sources, templates)
		return models.JobPayload{}, err
	}
	return models.JobPayload{Sources: sources, Templates: templates}, nil
}

// removeFetched deletes every file a partially failed ingest managed to
// download. Fetch already removes its own partial file, so only completed
// downloads remain.
func (i *Ingester) removeFetched(sources []models.SourceVideoRef, templates []models.TemplateRef) {
	for _, src := range sources {
		i.removeFile(src.ScratchPath)
	}
	for _, tpl := range templates {
		i.removeFile(tpl.ScratchPath)
	}
}

func (i *Ingester) removeFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		i.logger.Warn("failed to remove ingested file", "path", path, "error", err)
	}
}

// fetchLabel prefers the asset's original basename for the scratch filename
// prefix so operators can recognize files on disk, falling back to the role
// tag for unnamed assets.
func fetchLabel(ref models.RemoteAssetRef, fallback string) string {
	base := strings.TrimSuffix(ref.OriginalName, filepath.Ext(ref.OriginalName))
	if strings.TrimSpace(base) == "" {
		return fallback
	}
	return base
}
