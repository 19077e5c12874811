package api

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// maxBatchDownload caps how many artifacts one archive request may name.
const maxBatchDownload = 100

// validateOutputName rejects anything that could escape the output
// directory. The render engine only ever produces flat .mp4 basenames.
func validateOutputName(name string) error {
	if name == "" {
		return fmt.Errorf("filename is required")
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid filename %q", name)
	}
	if !strings.EqualFold(filepath.Ext(name), ".mp4") {
		return fmt.Errorf("only mp4 outputs are served")
	}
	return nil
}

// Outputs streams one finished artifact. ServeContent handles Range
// requests, so the web client can scrub previews without full downloads.
func (h *Handler) Outputs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	filename := strings.TrimPrefix(r.URL.Path, "/output/")
	if err := validateOutputName(filename); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	file, err := os.Open(filepath.Join(h.OutputDir, filename))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, fmt.Errorf("output %s not found", filename))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	http.ServeContent(w, r, filename, info.ModTime(), file)
}

type batchDownloadRequest struct {
	Filenames   []string `json:"filenames"`
	ArchiveName string   `json:"archiveName"`
}

// BatchDownload streams the named artifacts as one ZIP archive. Entries are
// stored uncompressed since MP4 does not deflate; files that vanished
// between job completion and download are skipped with a warning.
func (h *Handler) BatchDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var req batchDownloadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Filenames) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("at least one filename is required"))
		return
	}
	if len(req.Filenames) > maxBatchDownload {
		writeError(w, http.StatusBadRequest, fmt.Errorf("too many filenames: %d exceeds the limit of %d", len(req.Filenames), maxBatchDownload))
		return
	}
	for _, name := range req.Filenames {
		if err := validateOutputName(name); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	archiveName := strings.TrimSpace(req.ArchiveName)
	if archiveName == "" {
		archiveName = "outputs.zip"
	}
	if !strings.EqualFold(filepath.Ext(archiveName), ".zip") {
		archiveName += ".zip"
	}
	if strings.Contains(archiveName, "..") || strings.ContainsAny(archiveName, "/\\\"") {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid archive name %q", archiveName))
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", archiveName))
	w.WriteHeader(http.StatusOK)

	archive := zip.NewWriter(w)
	for _, name := range req.Filenames {
		if err := h.appendOutput(archive, name); err != nil {
			// Status and headers are already on the wire; keep packing
			// whatever is still there.
			h.logger().Warn("batch download entry failed", "filename", name, "error", err)
		}
	}
	if err := archive.Close(); err != nil {
		h.logger().Warn("batch download archive close failed", "error", err)
	}
}

func (h *Handler) appendOutput(archive *zip.Writer, name string) error {
	file, err := os.Open(filepath.Join(h.OutputDir, name))
	if err != nil {
		return err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return err
	}
	entry, err := archive.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Store,
		Modified: info.ModTime(),
	})
	if err != nil {
		return err
	}
	_, err = io.Copy(entry, file)
	return err
}
