package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"github.com/gorilla/mux"

	"github.com/zsiec/screenmirror/internal/adb"
	"github.com/zsiec/screenmirror/internal/core"
	apperrors "github.com/zsiec/screenmirror/internal/errors"
	"github.com/zsiec/screenmirror/internal/logger"
	"github.com/zsiec/screenmirror/internal/health"
	"github.com/zsiec/screenmirror/internal/session"
	"github.com/zsiec/screenmirror/internal/shell"
	"github.com/zsiec/screenmirror/internal/transcoding/video"
	"github.com/zsiec/screenmirror/pkg/version"
)

// maxBodyBytes bounds request bodies; every body is a small JSON document.
const maxBodyBytes = 64 << 10

// UI is the model loop. shell.Shell implements it.
type UI interface {
	Send(ctx context.Context, msg core.Msg) error
	View(ctx context.Context) (core.View, error)
}

// Links connects and disconnects network devices. adb.Handle implements it.
type Links interface {
	Connect(ctx context.Context, addr netip.AddrPort) error
	Disconnect(ctx context.Context, addr netip.AddrPort) error
}

// SessionLookup finds running sessions. registry.Handle implements it.
type SessionLookup interface {
	Session(ctx context.Context, deviceID string) (session.Handle, bool, error)
}

// Deps are the workers behind the control API.
type Deps struct {
	UI       UI
	Links    Links
	Sessions SessionLookup
	// VideoDefaults fills fields a start request leaves zero.
	VideoDefaults session.VideoConfig
	// Runtime adds session and decoder state to /health; optional.
	Runtime health.Runtime
}

type addressRequest struct {
	Address string `json:"address"`
}

type navigateRequest struct {
	Page string `json:"page"`
}

type acceptedResponse struct {
	Status   string `json:"status"`
	DeviceID string `json:"device_id,omitempty"`
}

// FrameInfo describes the picture a session currently presents.
type FrameInfo struct {
	DeviceID  string               `json:"device_id"`
	SessionID string               `json:"session_id"`
	Available bool                 `json:"available"`
	Width     int                  `json:"width,omitempty"`
	Height    int                  `json:"height,omitempty"`
	Format    string               `json:"format,omitempty"`
	PTSMillis int64                `json:"pts_ms,omitempty"`
	KeyFrame  bool                 `json:"key_frame,omitempty"`
	Bytes     int                  `json:"bytes,omitempty"`
	Stats     video.MailboxStats   `json:"stats"`
	Presented video.PresenterStats `json:"presented"`
}

func (s *Server) registerAPI(api *mux.Router) {
	api.HandleFunc("/devices", s.handleDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/refresh", s.handleRefreshDevices).Methods(http.MethodPost)
	api.HandleFunc("/devices/connect", s.handleConnect).Methods(http.MethodPost)
	api.HandleFunc("/devices/disconnect", s.handleDisconnect).Methods(http.MethodPost)

	api.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.handleStartSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", s.handleStopSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/frame", s.handleFrame).Methods(http.MethodGet)

	api.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet)
	api.HandleFunc("/logs", s.handleClearLogs).Methods(http.MethodDelete)

	api.HandleFunc("/navigate", s.handleNavigate).Methods(http.MethodPost)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	s.writeJSON(w, r, http.StatusOK, version.GetInfo())
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	v, ok := s.view(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, r, http.StatusOK, struct {
		Devices []adb.Device `json:"devices"`
		State   string       `json:"state"`
		Error   string       `json:"error,omitempty"`
		Loading bool         `json:"loading"`
	}{v.Devices, v.DevicesState, v.DevicesError, v.Loading})
}

func (s *Server) handleRefreshDevices(w http.ResponseWriter, r *http.Request) {
	if !s.send(w, r, core.RequestDevices{}) {
		return
	}
	s.writeJSON(w, r, http.StatusAccepted, acceptedResponse{Status: "refreshing"})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	s.link(w, r, "connected", s.deps.Links.Connect)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.link(w, r, "disconnected", s.deps.Links.Disconnect)
}

// link runs a connect or disconnect and refreshes the device list after it.
func (s *Server) link(w http.ResponseWriter, r *http.Request, status string, op func(context.Context, netip.AddrPort) error) {
	var req addressRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	addr, err := adb.ParseAddress(req.Address)
	if err != nil {
		s.writeError(w, r, apperrors.NewValidationError(err.Error()))
		return
	}
	if err := op(r.Context(), addr); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.send(w, r, core.RequestDevices{}) {
		return
	}
	s.writeJSON(w, r, http.StatusOK, acceptedResponse{Status: status, DeviceID: addr.String()})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	v, ok := s.view(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, r, http.StatusOK, struct {
		Sessions []core.SessionView `json:"sessions"`
	}{v.Sessions})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var cfg session.Config
	if err := decodeJSON(w, r, &cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.prepare(&cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.send(w, r, core.RequestStartSession{Config: cfg}) {
		return
	}
	s.writeJSON(w, r, http.StatusAccepted, acceptedResponse{Status: "starting", DeviceID: cfg.DeviceID})
}

// prepare validates a start request and fills zero video fields.
func (s *Server) prepare(cfg *session.Config) error {
	if cfg.DeviceID == "" {
		return apperrors.NewValidationError("device_id is required")
	}
	if !cfg.Control && !cfg.Audio && cfg.Video == nil {
		return apperrors.NewValidationError("at least one of control, audio or video is required")
	}
	if cfg.Video == nil {
		return nil
	}

	d := s.deps.VideoDefaults
	if cfg.Video.Codec == "" {
		cfg.Video.Codec = d.Codec
	}
	codec, err := video.ParseCodec(string(cfg.Video.Codec))
	if err != nil {
		return apperrors.NewValidationError(err.Error())
	}
	cfg.Video.Codec = codec
	if cfg.Video.MaxSize == 0 {
		cfg.Video.MaxSize = d.MaxSize
	}
	if cfg.Video.Bitrate == 0 {
		cfg.Video.Bitrate = d.Bitrate
	}
	if cfg.Video.MaxFPS == 0 {
		cfg.Video.MaxFPS = d.MaxFPS
	}
	if cfg.Video.MaxSize < 0 || cfg.Video.Bitrate < 0 || cfg.Video.MaxFPS < 0 {
		return apperrors.NewValidationError("video limits must not be negative")
	}
	return nil
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]
	if !s.send(w, r, core.RequestStopSession{DeviceID: deviceID}) {
		return
	}
	s.writeJSON(w, r, http.StatusAccepted, acceptedResponse{Status: "stopping", DeviceID: deviceID})
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]
	h, ok, err := s.deps.Sessions.Session(r.Context(), deviceID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		s.writeError(w, r, apperrors.NewNotFoundError(fmt.Sprintf("session %q", deviceID)))
		return
	}
	if !h.Video || h.Frames == nil || h.Preview == nil {
		s.writeError(w, r, apperrors.New(apperrors.ErrorTypeConflict, "session has no video", http.StatusConflict))
		return
	}

	info := FrameInfo{
		DeviceID:  h.DeviceID,
		SessionID: h.ID,
		Stats:     h.Frames.Stats(),
		Presented: h.Preview.Stats(),
	}
	if fb := h.Preview.Current(); fb != nil {
		p := fb.Props()
		info.Available = true
		info.Width = p.Width
		info.Height = p.Height
		info.Format = p.Format
		info.PTSMillis = p.PTS.Milliseconds()
		info.KeyFrame = p.KeyFrame
		if f := fb.Frame(); f != nil {
			info.Bytes = len(f.Data)
		}
	}
	s.writeJSON(w, r, http.StatusOK, info)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	v, ok := s.view(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, r, http.StatusOK, struct {
		Logs []core.LogEntry `json:"logs"`
	}{v.Logs})
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	if !s.send(w, r, core.ClearLogs{}) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	var req navigateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := core.ParsePage(req.Page)
	if err != nil {
		s.writeError(w, r, apperrors.NewValidationError(err.Error()))
		return
	}
	if !s.send(w, r, core.Navigate{Page: page}) {
		return
	}
	s.writeJSON(w, r, http.StatusAccepted, struct {
		Page core.Page `json:"page"`
	}{page})
}

// view reads a model snapshot and writes the error response on failure.
func (s *Server) view(w http.ResponseWriter, r *http.Request) (core.View, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	v, err := s.deps.UI.View(ctx)
	if err != nil {
		s.writeError(w, r, uiError(err))
		return core.View{}, false
	}
	return v, true
}

func (s *Server) send(w http.ResponseWriter, r *http.Request, msg core.Msg) bool {
	if err := s.deps.UI.Send(r.Context(), msg); err != nil {
		s.writeError(w, r, uiError(err))
		return false
	}
	return true
}

func uiError(err error) error {
	switch {
	case errors.Is(err, shell.ErrStopped):
		return apperrors.NewChannelClosedError("shell")
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.NewTimeoutError("model did not answer in time")
	}
	return err
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperrors.NewValidationError(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.FromContext(r.Context()).WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.errorHandler.HandleError(w, r, err)
}
