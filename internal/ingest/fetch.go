package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"framemill/internal/models"
	"framemill/internal/observability/metrics"
)

var (
	ErrInvalidURL         = errors.New("asset url is invalid")
	ErrProtocolNotAllowed = errors.New("asset url protocol is not allowed")
	ErrSizeExceedsLimit   = errors.New("asset size exceeds the limit")
	ErrRemoteFetchFailed  = errors.New("remote asset fetch failed")
	ErrWriteFailed        = errors.New("writing asset to scratch failed")
)

// MaxAssetSize caps a single asset download at 2 GiB.
const MaxAssetSize int64 = 2 << 30

const defaultFetchTimeout = 5 * time.Minute

// LocalAsset is one downloaded file in scratch storage.
type LocalAsset struct {
	Path         string
	OriginalName string
}

// Fetcher downloads remote assets into ScratchDir. The zero value is not
// usable; ScratchDir must point at an existing writable directory.
type Fetcher struct {
	ScratchDir    string
	AllowInsecure bool
	MaxSize       int64
	Client        *http.Client
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
}

func (f *Fetcher) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

func (f *Fetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return &http.Client{Timeout: defaultFetchTimeout}
}

func (f *Fetcher) recorder() *metrics.Recorder {
	if f.Metrics != nil {
		return f.Metrics
	}
	return metrics.Default()
}

func (f *Fetcher) maxSize() int64 {
	if f.MaxSize > 0 {
		return f.MaxSize
	}
	return MaxAssetSize
}

// Fetch downloads ref into scratch storage and returns the local path with
// the original name echoed. Partial files are removed on any failure.
func (f *Fetcher) Fetch(ctx context.Context, ref models.RemoteAssetRef, label string) (LocalAsset, error) {
	f.recorder().ObserveIngestAttempt("download")
	asset, err := f.fetch(ctx, ref, label)
	if err != nil {
		f.recorder().ObserveIngestFailure("download")
		return LocalAsset{}, err
	}
	return asset, nil
}

func (f *Fetcher) fetch(ctx context.Context, ref models.RemoteAssetRef, label string) (LocalAsset, error) {
	target, err := f.validate(ref)
	if err != nil {
		return LocalAsset{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return LocalAsset{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	resp, err := f.client().Do(req)
	if err != nil {
		return LocalAsset{}, fmt.Errorf("%w: %v", ErrRemoteFetchFailed, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return LocalAsset{}, fmt.Errorf("%w: %s returned %s", ErrRemoteFetchFailed, target.Host, resp.Status)
	}
	limit := f.maxSize()
	if resp.ContentLength > limit {
		return LocalAsset{}, fmt.Errorf("%w: content length %d exceeds %d bytes", ErrSizeExceedsLimit, resp.ContentLength, limit)
	}

	path := filepath.Join(f.ScratchDir, scratchFilename(label, ref.OriginalName))
	out, err := os.Create(path)
	if err != nil {
		return LocalAsset{}, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	written, copyErr := io.Copy(out, io.LimitReader(resp.Body, limit+1))
	closeErr := out.Close()
	switch {
	case copyErr != nil:
		f.removePartial(path)
		return LocalAsset{}, fmt.Errorf("%w: %v", ErrRemoteFetchFailed, copyErr)
	case closeErr != nil:
		f.removePartial(path)
		return LocalAsset{}, fmt.Errorf("%w: %v", ErrWriteFailed, closeErr)
	case written > limit:
		f.removePartial(path)
		return LocalAsset{}, fmt.Errorf("%w: body exceeds %d bytes", ErrSizeExceedsLimit, limit)
	}

	f.logger().Debug("asset downloaded", "label", label, "path", path, "bytes", written)
	return LocalAsset{Path: path, OriginalName: ref.OriginalName}, nil
}

func (f *Fetcher) validate(ref models.RemoteAssetRef) (*url.URL, error) {
	raw := strings.TrimSpace(ref.URL)
	if raw == "" {
		return nil, fmt.Errorf("%w: url is empty", ErrInvalidURL)
	}
	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	switch strings.ToLower(target.Scheme) {
	case "https":
	case "http":
		if !f.AllowInsecure || !isLoopbackHost(target.Hostname()) {
			return nil, fmt.Errorf("%w: http is only allowed for loopback hosts in development, got %q", ErrProtocolNotAllowed, raw)
		}
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrProtocolNotAllowed, target.Scheme)
	}
	if target.Hostname() == "" {
		return nil, fmt.Errorf("%w: url has no host", ErrInvalidURL)
	}
	if ref.Size > f.maxSize() {
		return nil, fmt.Errorf("%w: declared size %d exceeds %d bytes", ErrSizeExceedsLimit, ref.Size, f.maxSize())
	}
	return target, nil
}

func (f *Fetcher) removePartial(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		f.logger().Warn("failed to remove partial download", "path", path, "error", err)
	}
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// scratchFilename builds "{slug}_{uuid}{ext}" so concurrent downloads of
// identically named assets never collide.
func scratchFilename(label, originalName string) string {
	ext := strings.ToLower(filepath.Ext(originalName))
	return fmt.Sprintf("%s_%s%s", slugify(label), uuid.NewString(), ext)
}
