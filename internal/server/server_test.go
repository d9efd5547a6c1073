package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/screenmirror/internal/adb"
	"github.com/zsiec/screenmirror/internal/config"
	"github.com/zsiec/screenmirror/internal/core"
	apperrors "github.com/zsiec/screenmirror/internal/errors"
	"github.com/zsiec/screenmirror/internal/health"
	"github.com/zsiec/screenmirror/internal/logger"
	"github.com/zsiec/screenmirror/internal/session"
	"github.com/zsiec/screenmirror/internal/shell"
	"github.com/zsiec/screenmirror/internal/transcoding/video"
	"github.com/zsiec/screenmirror/pkg/version"
)

type fakeUI struct {
	mu      sync.Mutex
	sent    []core.Msg
	view    core.View
	sendErr error
	viewErr error
}

func (f *fakeUI) Send(_ context.Context, msg core.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeUI) View(context.Context) (core.View, error) {
	return f.view, f.viewErr
}

func (f *fakeUI) messages() []core.Msg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.Msg(nil), f.sent...)
}

type fakeLinks struct {
	connected    []netip.AddrPort
	disconnected []netip.AddrPort
	err          error
}

func (f *fakeLinks) Connect(_ context.Context, addr netip.AddrPort) error {
	f.connected = append(f.connected, addr)
	return f.err
}

func (f *fakeLinks) Disconnect(_ context.Context, addr netip.AddrPort) error {
	f.disconnected = append(f.disconnected, addr)
	return f.err
}

type fakeSessions map[string]session.Handle

func (f fakeSessions) Session(_ context.Context, deviceID string) (session.Handle, bool, error) {
	h, ok := f[deviceID]
	return h, ok, nil
}

type okChecker struct{}

func (okChecker) Name() string                { return "adb" }
func (okChecker) Check(context.Context) error { return nil }

type fakeRuntime struct{}

func (fakeRuntime) ActiveSessions(context.Context) (int, error) { return 3, nil }
func (fakeRuntime) HardwareTypes() []string                     { return []string{"vaapi"} }

type testServer struct {
	*Server
	ui    *fakeUI
	links *fakeLinks
}

func newTestServer(t *testing.T, sessions fakeSessions) *testServer {
	t.Helper()
	ui := &fakeUI{}
	links := &fakeLinks{}
	mgr := health.NewManager(logger.NewNullLogger())
	mgr.Register(okChecker{})

	cfg := &config.ServerConfig{ListenAddr: "127.0.0.1", ShutdownTimeout: time.Second}
	s := New(cfg, logger.NewNullLogger(), Deps{
		UI:       ui,
		Links:    links,
		Sessions: sessions,
		VideoDefaults: session.VideoConfig{
			Codec:   video.CodecH264,
			MaxSize: 1920,
			Bitrate: 8_000_000,
			MaxFPS:  60,
		},
		Runtime: fakeRuntime{},
	}, mgr)
	return &testServer{Server: s, ui: ui, links: links}
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	ts.Router().ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) apperrors.ErrorResponse {
	t.Helper()
	var resp apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestVersion(t *testing.T) {
	ts := newTestServer(t, nil)

	rr := ts.do(http.MethodGet, "/version", "")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	var info version.Info
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.GoVersion)
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	rr := ts.do(http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code, "adb not checked yet")

	rr = ts.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp health.Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotNil(t, resp.ActiveSessions)
	assert.Equal(t, 3, *resp.ActiveSessions)
	assert.Equal(t, []string{"vaapi"}, resp.Hardware)

	rr = ts.do(http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = ts.do(http.MethodGet, "/live", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	req.Header.Set(logger.RequestIDHeader, "abc-123")
	rr := httptest.NewRecorder()
	ts.Router().ServeHTTP(rr, req)
	assert.Equal(t, "abc-123", rr.Header().Get(logger.RequestIDHeader))

	rr = ts.do(http.MethodGet, "/version", "")
	assert.NotEmpty(t, rr.Header().Get(logger.RequestIDHeader))
}

func TestGetDevices(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.ui.view = core.View{
		Devices:      []adb.Device{{Serial: "emulator-5554", State: "device", Model: "Pixel_7"}},
		DevicesState: "loaded",
	}

	rr := ts.do(http.MethodGet, "/api/v1/devices", "")

	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Devices []adb.Device `json:"devices"`
		State   string       `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "loaded", resp.State)
	require.Len(t, resp.Devices, 1)
	assert.Equal(t, "emulator-5554", resp.Devices[0].Serial)
}

func TestShellStoppedIsServiceUnavailable(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.ui.viewErr = shell.ErrStopped
	ts.ui.sendErr = shell.ErrStopped

	rr := ts.do(http.MethodGet, "/api/v1/sessions", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "System Error", decodeError(t, rr).Error.Title)

	rr = ts.do(http.MethodPost, "/api/v1/devices/refresh", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRefreshDevices(t *testing.T) {
	ts := newTestServer(t, nil)

	rr := ts.do(http.MethodPost, "/api/v1/devices/refresh", "")

	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, []core.Msg{core.RequestDevices{}}, ts.ui.messages())
}

func TestConnectDevice(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
		want     string
	}{
		{name: "default port", path: "/api/v1/devices/connect", body: `{"address":"192.168.1.20"}`, wantCode: http.StatusOK, want: "192.168.1.20:5555"},
		{name: "explicit port", path: "/api/v1/devices/disconnect", body: `{"address":"10.0.0.5:7000"}`, wantCode: http.StatusOK, want: "10.0.0.5:7000"},
		{name: "ipv6 rejected", path: "/api/v1/devices/connect", body: `{"address":"[::1]:5555"}`, wantCode: http.StatusBadRequest},
		{name: "bad json", path: "/api/v1/devices/connect", body: `{"address":`, wantCode: http.StatusBadRequest},
		{name: "unknown field", path: "/api/v1/devices/connect", body: `{"host":"1.2.3.4"}`, wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)

			rr := ts.do(http.MethodPost, tt.path, tt.body)

			require.Equal(t, tt.wantCode, rr.Code, rr.Body.String())
			if tt.wantCode != http.StatusOK {
				assert.Empty(t, ts.ui.messages())
				return
			}
			var resp acceptedResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, tt.want, resp.DeviceID)
			assert.Equal(t, []core.Msg{core.RequestDevices{}}, ts.ui.messages())
		})
	}
}

func TestConnectDeviceError(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.links.err = apperrors.WrapDeviceError(errors.New("failed to connect"), "connect 192.168.1.20:5555")

	rr := ts.do(http.MethodPost, "/api/v1/devices/connect", `{"address":"192.168.1.20"}`)

	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, "ADB Error", decodeError(t, rr).Error.Title)
	assert.Empty(t, ts.ui.messages())
}

func TestStartSession(t *testing.T) {
	ts := newTestServer(t, nil)

	rr := ts.do(http.MethodPost, "/api/v1/sessions",
		`{"device_id":"emulator-5554","control":true,"video":{"max_fps":30}}`)

	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	msgs := ts.ui.messages()
	require.Len(t, msgs, 1)
	start, ok := msgs[0].(core.RequestStartSession)
	require.True(t, ok)
	assert.Equal(t, "emulator-5554", start.Config.DeviceID)
	assert.True(t, start.Config.Control)
	require.NotNil(t, start.Config.Video)
	assert.Equal(t, video.CodecH264, start.Config.Video.Codec)
	assert.Equal(t, 1920, start.Config.Video.MaxSize)
	assert.Equal(t, 30, start.Config.Video.MaxFPS)
}

func TestStartSessionValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "missing device", body: `{"control":true}`},
		{name: "no streams", body: `{"device_id":"d"}`},
		{name: "bad codec", body: `{"device_id":"d","video":{"codec":"vp9"}}`},
		{name: "negative limit", body: `{"device_id":"d","video":{"bitrate":-1}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)

			rr := ts.do(http.MethodPost, "/api/v1/sessions", tt.body)

			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, "Invalid Request", decodeError(t, rr).Error.Title)
			assert.Empty(t, ts.ui.messages())
		})
	}
}

func TestStopSession(t *testing.T) {
	ts := newTestServer(t, nil)

	rr := ts.do(http.MethodDelete, "/api/v1/sessions/emulator-5554", "")

	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, []core.Msg{core.RequestStopSession{DeviceID: "emulator-5554"}}, ts.ui.messages())
}

func TestListSessions(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.ui.view = core.View{Sessions: []core.SessionView{{ID: "s1", DeviceID: "d", Control: true}}}

	rr := ts.do(http.MethodGet, "/api/v1/sessions", "")

	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Sessions []core.SessionView `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Sessions, 1)
	assert.Equal(t, "s1", resp.Sessions[0].ID)
}

func TestSessionFrame(t *testing.T) {
	frames := video.NewMailbox()
	preview := video.NewPresenter(frames)
	ts := newTestServer(t, fakeSessions{
		"with-video": {ID: "s1", DeviceID: "with-video", Video: true, Frames: frames, Preview: preview},
		"no-video":   {ID: "s2", DeviceID: "no-video", Control: true},
	})

	rr := ts.do(http.MethodGet, "/api/v1/sessions/with-video/frame", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var info FrameInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	assert.False(t, info.Available)

	frames.Put(video.Software(&video.Frame{Props: video.Props{
		Width: 1080, Height: 2400, Format: "RGBA", PTS: 1500 * time.Millisecond, KeyFrame: true,
	}, Data: make([]byte, 16)}))
	_, err := preview.Present()
	require.NoError(t, err)

	rr = ts.do(http.MethodGet, "/api/v1/sessions/with-video/frame", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	assert.True(t, info.Available)
	assert.Equal(t, 1080, info.Width)
	assert.Equal(t, 2400, info.Height)
	assert.Equal(t, int64(1500), info.PTSMillis)
	assert.Equal(t, 16, info.Bytes)
	assert.Equal(t, video.MailboxStats{Published: 1}, info.Stats)
	assert.Equal(t, uint64(1), info.Presented.Presented)

	// the presented picture stays readable while the mailbox is empty
	rr = ts.do(http.MethodGet, "/api/v1/sessions/with-video/frame", "")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	assert.True(t, info.Available)

	rr = ts.do(http.MethodGet, "/api/v1/sessions/no-video/frame", "")
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = ts.do(http.MethodGet, "/api/v1/sessions/missing/frame", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestLogs(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.ui.view = core.View{Logs: []core.LogEntry{{Message: "hello", Level: core.LogInfo}}}

	rr := ts.do(http.MethodGet, "/api/v1/logs", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"hello"`)

	rr = ts.do(http.MethodDelete, "/api/v1/logs", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, []core.Msg{core.ClearLogs{}}, ts.ui.messages())
}

func TestNavigate(t *testing.T) {
	ts := newTestServer(t, nil)

	rr := ts.do(http.MethodPost, "/api/v1/navigate", `{"page":"settings"}`)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, []core.Msg{core.Navigate{Page: core.PageSettings}}, ts.ui.messages())

	rr = ts.do(http.MethodPost, "/api/v1/navigate", `{"page":"about"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, nil)

	rr := ts.do(http.MethodGet, "/api/v1/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(http.MethodPut, "/api/v1/devices", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, nil)
	handler := ts.corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("preflight must not reach the handler")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/api/v1/sessions", nil))

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoveryMiddleware(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.RegisterRoutes(func(r *mux.Router) {
		r.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) { panic("kaboom") })
	})

	rr := ts.do(http.MethodGet, "/boom", "")

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	resp := decodeError(t, rr)
	assert.Equal(t, "Crash Report", resp.Error.Title)
	assert.Contains(t, resp.Error.Message, "kaboom")
}

func TestStartAndShutdown(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.config.HTTPPort = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}
