package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
)

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Health reports per-component availability. Any degraded component turns
// the whole response into a 503 so load balancers stop routing work here.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	components, status, code := h.componentHealth(r.Context())
	writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"components": components,
	})
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 4)
	components = append(components, recordComponent("scratch", h.probeScratch()))
	components = append(components, recordComponent("ffmpeg", h.probeFFmpeg()))
	if h.KV.Enabled() {
		components = append(components, recordComponent("kv", h.KV.Ping(ctx)))
	} else {
		components = append(components, componentStatus{Component: "kv", Status: "disabled"})
	}
	if h.Blob.Enabled() {
		components = append(components, componentStatus{Component: "blob", Status: "ok"})
	} else {
		components = append(components, componentStatus{Component: "blob", Status: "disabled"})
	}
	return components, overallStatus, statusCode
}

// probeScratch verifies the scratch directory still accepts writes.
func (h *Handler) probeScratch() error {
	if h.ScratchDir == "" {
		return fmt.Errorf("scratch directory not configured")
	}
	probe, err := os.CreateTemp(h.ScratchDir, ".healthz-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}

// probeFFmpeg confirms the encoder binary is still resolvable.
func (h *Handler) probeFFmpeg() error {
	if h.FFmpegPath == "" {
		return fmt.Errorf("ffmpeg path not configured")
	}
	_, err := exec.LookPath(h.FFmpegPath)
	return err
}
