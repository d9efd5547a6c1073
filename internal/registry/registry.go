// Package registry owns the table of running sessions, one per device.
package registry

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/zsiec/screenmirror/internal/actor"
	apperrors "github.com/zsiec/screenmirror/internal/errors"
	"github.com/zsiec/screenmirror/internal/logger"
	"github.com/zsiec/screenmirror/internal/metrics"
	"github.com/zsiec/screenmirror/internal/session"
)

const directoryTimeout = 2 * time.Second

// StoppedFunc is told when a session ends on its own or after a stop.
type StoppedFunc func(h session.Handle, err error)

// Starter launches a session. session.Start bound to its Deps is the
// production starter.
type Starter func(cfg session.Config) (session.Handle, <-chan error)

// Options configures the registry worker.
type Options struct {
	Directory Directory
	// Heartbeat is how often directory records are refreshed. Zero disables it.
	Heartbeat time.Duration
}

type message interface{}

type startMsg struct {
	cfg       session.Config
	onStopped StoppedFunc
	reply     chan<- session.Handle
}

type stopMsg struct {
	deviceID string
}

type listMsg struct {
	reply chan<- []session.Handle
}

type exitMsg struct {
	ctx context.Context
}

// forget removes an entry whose session ended by itself, unless the entry
// was already replaced.
type forget struct {
	deviceID  string
	sessionID string
}

// table is shared by successive worker instances; only the live one touches
// it.
type table struct {
	sessions map[string]session.Handle
	forgets  chan forget
	// closed is replaced on every exit so watchers of exited sessions never
	// wait on a worker that will not read.
	closed chan struct{}

	launch Starter
	pub    *publisher
	host   string
	beat   time.Duration
	log    logger.Logger
}

type worker struct {
	*table
}

func (w *worker) run(msgs <-chan message) {
	w.log.Debug("Event loop started")

	var tick <-chan time.Time
	if w.beat > 0 {
		t := time.NewTicker(w.beat)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if m, isExit := msg.(exitMsg); isExit {
				w.exit(m.ctx, len(msgs))
				return
			}
			w.handle(msg)
		case f := <-w.forgets:
			w.forget(f)
		case <-tick:
			w.heartbeat()
		}
	}
}

func (w *worker) handle(msg message) {
	switch m := msg.(type) {
	case startMsg:
		m.reply <- w.start(m.cfg, m.onStopped)
	case stopMsg:
		w.stop(m.deviceID)
	case listMsg:
		m.reply <- w.list()
	}
}

func (w *worker) start(cfg session.Config, onStopped StoppedFunc) session.Handle {
	if h, ok := w.sessions[cfg.DeviceID]; ok && h.Alive() {
		w.log.WithField("device_id", cfg.DeviceID).Debug("Session already running")
		return h
	}

	h, exit := w.launch(cfg)
	w.sessions[cfg.DeviceID] = h
	metrics.SetActiveSessions(len(w.sessions))
	w.register(h)

	go w.watch(h, exit, onStopped, w.closed)
	return h
}

// watch reports the session's end and tells the worker to forget it.
func (w *worker) watch(h session.Handle, exit <-chan error, onStopped StoppedFunc, closed <-chan struct{}) {
	err := <-exit
	if onStopped != nil {
		onStopped(h, err)
	}
	select {
	case w.forgets <- forget{deviceID: h.DeviceID, sessionID: h.ID}:
	case <-closed:
	}
}

func (w *worker) forget(f forget) {
	h, ok := w.sessions[f.deviceID]
	if !ok || h.ID != f.sessionID {
		return
	}
	delete(w.sessions, f.deviceID)
	metrics.SetActiveSessions(len(w.sessions))
	w.unregister(f.deviceID)
}

func (w *worker) stop(deviceID string) {
	h, ok := w.sessions[deviceID]
	if !ok {
		return
	}
	delete(w.sessions, deviceID)
	metrics.SetActiveSessions(len(w.sessions))
	w.unregister(deviceID)

	go func() {
		if err := h.Exit(context.Background()); err != nil {
			w.log.WithError(err).WithField("device_id", deviceID).Warn("Failed to stop session")
		}
	}()
}

func (w *worker) list() []session.Handle {
	out := make([]session.Handle, 0, len(w.sessions))
	for _, h := range w.sessions {
		if h.Alive() {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// exit stops every session in turn and waits for each to end.
func (w *worker) exit(ctx context.Context, remaining int) {
	w.log.Debugf("Shutting down, %d messages remaining", remaining)

	ids := make([]string, 0, len(w.sessions))
	for id := range w.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		h := w.sessions[id]
		if err := h.Exit(ctx); err != nil {
			w.log.WithError(err).WithField("device_id", id).Warn("Failed to stop session")
		} else {
			select {
			case <-h.Done():
			case <-ctx.Done():
			}
		}
		delete(w.sessions, id)
		w.unregister(id)
	}
	metrics.SetActiveSessions(0)
	if w.pub != nil {
		w.pub.flush(ctx)
	}

	close(w.closed)
	w.closed = make(chan struct{})
}

func (w *worker) register(h session.Handle) {
	if w.pub != nil {
		w.pub.register(NewRecord(h, w.host))
	}
}

func (w *worker) unregister(deviceID string) {
	if w.pub != nil {
		w.pub.unregister(deviceID)
	}
}

func (w *worker) heartbeat() {
	if w.pub == nil || len(w.sessions) == 0 {
		return
	}
	recs := make([]*Record, 0, len(w.sessions))
	for _, h := range w.sessions {
		recs = append(recs, NewRecord(h, w.host))
	}
	w.pub.heartbeat(recs)
}

// Handle is a cloneable client of the registry worker.
type Handle struct {
	sender actor.Sender[message]
}

// New spawns the registry worker.
func New(start Starter, opts Options, log logger.Logger) Handle {
	log = logger.WithComponent(log, "registry")
	host, _ := os.Hostname()
	t := &table{
		sessions: make(map[string]session.Handle),
		forgets:  make(chan forget, actor.DefaultBuffer),
		closed:   make(chan struct{}),
		launch:   start,
		host:     host,
		beat:     opts.Heartbeat,
		log:      log,
	}
	if opts.Directory != nil {
		t.pub = newPublisher(opts.Directory, log)
	}

	spawn := func() actor.Inbox[message] {
		w := &worker{table: t}
		return actor.Spawn("registry", actor.DefaultBuffer, log, w.run)
	}
	return Handle{sender: actor.NewSender("SessionManagerActor", spawn, log)}
}

func channelError(err error) error {
	if errors.Is(err, actor.ErrClosed) {
		return apperrors.Wrap(err, apperrors.ErrorTypeChannelClosed,
			"session manager channel closed unexpectedly", http.StatusServiceUnavailable)
	}
	return err
}

// Start returns the running session for cfg.DeviceID or starts one.
// onStopped is only attached when a new session is started.
func (h Handle) Start(ctx context.Context, cfg session.Config, onStopped StoppedFunc) (session.Handle, error) {
	if cfg.DeviceID == "" {
		return session.Handle{}, apperrors.NewValidationError("device id is required")
	}
	s, err := actor.Request(ctx, h.sender, func(reply chan<- session.Handle) message {
		return startMsg{cfg: cfg, onStopped: onStopped, reply: reply}
	})
	return s, channelError(err)
}

// Stop removes the device's session and asks it to exit without waiting.
// Unknown devices are ignored.
func (h Handle) Stop(ctx context.Context, deviceID string) error {
	return channelError(h.sender.Send(ctx, stopMsg{deviceID: deviceID}))
}

// Sessions lists the live sessions ordered by device id.
func (h Handle) Sessions(ctx context.Context) ([]session.Handle, error) {
	s, err := actor.Request(ctx, h.sender, func(reply chan<- []session.Handle) message {
		return listMsg{reply: reply}
	})
	return s, channelError(err)
}

// Session finds the live session of one device.
func (h Handle) Session(ctx context.Context, deviceID string) (session.Handle, bool, error) {
	all, err := h.Sessions(ctx)
	if err != nil {
		return session.Handle{}, false, err
	}
	for _, s := range all {
		if s.DeviceID == deviceID {
			return s, true, nil
		}
	}
	return session.Handle{}, false, nil
}

// Exit stops every session and then the worker. A later call respawns an
// empty worker.
func (h Handle) Exit(ctx context.Context) error {
	return channelError(h.sender.Stop(ctx, exitMsg{ctx: ctx}))
}
