package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/zsiec/screenmirror/pkg/version"
)

// Runtime reports live mirroring state shown next to the checks.
type Runtime interface {
	ActiveSessions(ctx context.Context) (int, error)
	HardwareTypes() []string
}

// Response is the /health body.
type Response struct {
	Status         Status           `json:"status"`
	Timestamp      time.Time        `json:"timestamp"`
	Version        string           `json:"version"`
	Uptime         string           `json:"uptime"`
	ActiveSessions *int             `json:"active_sessions,omitempty"`
	Hardware       []string         `json:"hardware_decoders,omitempty"`
	Checks         map[string]Check `json:"checks,omitempty"`
}

// ReadyResponse is the /ready body.
type ReadyResponse struct {
	Ready   bool     `json:"ready"`
	Failing []string `json:"failing,omitempty"`
}

type Handler struct {
	manager *Manager
	runtime Runtime
	started time.Time
}

// NewHandler serves the manager's results. runtime may be nil.
func NewHandler(manager *Manager, runtime Runtime) *Handler {
	return &Handler{
		manager: manager,
		runtime: runtime,
		started: time.Now(),
	}
}

// HandleHealth runs every check and reports them with the session count
// and usable hardware decoders. Only a critical failure answers 503.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*checkTimeout)
	defer cancel()

	resp := Response{
		Checks:    h.manager.RunChecks(ctx),
		Status:    h.manager.Status(),
		Timestamp: time.Now(),
		Version:   version.Version,
		Uptime:    h.uptime(),
	}
	if h.runtime != nil {
		if n, err := h.runtime.ActiveSessions(ctx); err == nil {
			resp.ActiveSessions = &n
		} else {
			h.manager.log.WithError(err).Debug("Session count unavailable")
		}
		resp.Hardware = h.runtime.HardwareTypes()
	}

	code := http.StatusOK
	if resp.Status == StatusDown {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, resp)
}

// HandleReady answers from the latest results without running checks.
func (h *Handler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ready, failing := h.manager.Ready()
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, ReadyResponse{Ready: ready, Failing: failing})
}

func (h *Handler) HandleLive(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
		Uptime string `json:"uptime"`
	}{"alive", h.uptime()})
}

func (h *Handler) uptime() string {
	return time.Since(h.started).Round(time.Second).String()
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.manager.log.WithError(err).Error("Failed to encode health response")
	}
}
