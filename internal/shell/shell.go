// Package shell runs the core model: it owns the message loop, executes
// effects against the device and session workers, and fans UI events out to
// front ends.
package shell

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"

	"github.com/zsiec/screenmirror/internal/adb"
	"github.com/zsiec/screenmirror/internal/core"
	"github.com/zsiec/screenmirror/internal/loadstate"
	"github.com/zsiec/screenmirror/internal/logger"
	"github.com/zsiec/screenmirror/internal/metrics"
	"github.com/zsiec/screenmirror/internal/registry"
	"github.com/zsiec/screenmirror/internal/session"
)

// EventsBuffer is the message queue capacity.
const EventsBuffer = 100

// ErrStopped is returned once the loop has exited.
var ErrStopped = errors.New("shell stopped")

// Devices lists devices. adb.Handle implements it.
type Devices interface {
	Devices(ctx context.Context) ([]adb.Device, error)
}

// Sessions starts and stops sessions. registry.Handle implements it.
type Sessions interface {
	Start(ctx context.Context, cfg session.Config, onStopped registry.StoppedFunc) (session.Handle, error)
	Stop(ctx context.Context, deviceID string) error
}

// EventKind names what changed.
type EventKind string

const (
	EventRender         EventKind = "render"
	EventLog            EventKind = "log"
	EventDevicesLoaded  EventKind = "devices_loaded"
	EventSessionStarted EventKind = "session_started"
	EventSessionStopped EventKind = "session_stopped"
)

// Event is published to subscribers after a message was applied.
type Event struct {
	Kind     EventKind `json:"kind"`
	DeviceID string    `json:"device_id,omitempty"`
	Message  string    `json:"message,omitempty"`
}

type query struct {
	reply chan<- core.View
}

// Shell is safe for concurrent use; the model is only touched by Run.
type Shell struct {
	devices  Devices
	sessions Sessions
	log      logger.Logger

	msgs    chan core.Msg
	queries chan query
	done    chan struct{}
	focused atomic.Bool

	// tasks tracks effect goroutines so Run can wait for them.
	tasks conc.WaitGroup
	ctx   context.Context

	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
}

func New(devices Devices, sessions Sessions, log logger.Logger) *Shell {
	s := &Shell{
		devices:  devices,
		sessions: sessions,
		log:      logger.WithComponent(log, "shell"),
		msgs:     make(chan core.Msg, EventsBuffer),
		queries:  make(chan query),
		done:     make(chan struct{}),
		subs:     make(map[int]chan Event),
	}
	s.focused.Store(true)
	return s
}

// Send queues msg for the model.
func (s *Shell) Send(ctx context.Context, msg core.Msg) error {
	select {
	case s.msgs <- msg:
		return nil
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// View returns a snapshot taken on the loop goroutine.
func (s *Shell) View(ctx context.Context) (core.View, error) {
	reply := make(chan core.View, 1)
	select {
	case s.queries <- query{reply: reply}:
	case <-s.done:
		return core.View{}, ErrStopped
	case <-ctx.Done():
		return core.View{}, ctx.Err()
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return core.View{}, ctx.Err()
	}
}

// Subscribe returns a channel of events and a function that ends the
// subscription. Slow subscribers miss events rather than block the loop.
func (s *Shell) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = EventsBuffer
	}
	ch := make(chan Event, buffer)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *Shell) publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SetFocused pauses or resumes device polling.
func (s *Shell) SetFocused(focused bool) {
	s.focused.Store(focused)
}

func (s *Shell) Focused() bool {
	return s.focused.Load()
}

// Run drives the model until ctx is done, then waits for running effects.
func (s *Shell) Run(ctx context.Context) error {
	s.ctx = ctx
	model := core.NewModel()
	s.log.Debug("Event loop started")

	defer func() {
		close(s.done)
		s.tasks.Wait()
		s.log.Debug("Event loop stopped")
	}()

	for {
		select {
		case msg := <-s.msgs:
			s.log.WithField("msg", core.MsgName(msg)).Debug("Msg")
			for _, eff := range model.Update(msg) {
				s.execute(eff)
			}
			s.announce(msg)
		case q := <-s.queries:
			q.reply <- model.View()
		case <-ctx.Done():
			return nil
		}
	}
}

// announce publishes the message-specific event after its effects ran.
func (s *Shell) announce(msg core.Msg) {
	switch m := msg.(type) {
	case core.DevicesLoaded:
		s.publish(Event{Kind: EventDevicesLoaded})
	case core.SessionStarted:
		s.publish(Event{Kind: EventSessionStarted, DeviceID: m.Session.DeviceID})
	case core.SessionStopped:
		ev := Event{Kind: EventSessionStopped, DeviceID: m.DeviceID}
		if m.Err != nil {
			ev.Message = m.Err.Error()
		}
		s.publish(ev)
	}
}

func (s *Shell) execute(eff core.Effect) {
	switch e := eff.(type) {
	case core.Render:
		s.publish(Event{Kind: EventRender})

	case core.Log:
		switch e.Level {
		case core.LevelError:
			s.log.Error(e.Message)
		case core.LevelInfo:
			s.log.Info(e.Message)
		default:
			s.log.Debug(e.Message)
		}
		s.publish(Event{Kind: EventLog, Message: e.Message})

	case core.DiscardedResult:
		metrics.IncrementStaleResult(e.Resource)
		l := s.log.WithError(e.Err).WithField("resource", e.Resource)
		if errors.Is(e.Err, loadstate.ErrStaleResult) {
			l.Debug("Discarded stale result")
		} else {
			l.Error("Discarded result")
		}

	case core.FetchDevices:
		s.spawn(func(ctx context.Context) {
			devices, err := s.devices.Devices(ctx)
			s.deliver(ctx, core.DevicesLoaded{Result: loadstate.Result[[]adb.Device]{
				Ticket: e.Ticket,
				Value:  devices,
				Err:    err,
			}})
		})

	case core.StartSession:
		cfg := e.Config
		if cfg.Video != nil {
			v := *cfg.Video
			deviceID := cfg.DeviceID
			v.OnFrame = func() { s.publish(Event{Kind: EventRender, DeviceID: deviceID}) }
			cfg.Video = &v
		}
		s.spawn(func(ctx context.Context) {
			stopped := &stopReport{}
			h, err := s.sessions.Start(ctx, cfg, func(h session.Handle, err error) {
				stopped.report(core.SessionStopped{DeviceID: h.DeviceID, SessionID: h.ID, Err: err}, func(msg core.Msg) {
					s.deliver(s.ctx, msg)
				})
			})
			if err != nil {
				s.deliver(ctx, core.SessionStopped{DeviceID: cfg.DeviceID, Err: err})
				return
			}
			s.deliver(ctx, core.SessionStarted{Session: h})
			if msg, ok := stopped.release(); ok {
				s.deliver(ctx, msg)
			}
		})

	case core.StopSession:
		s.spawn(func(ctx context.Context) {
			if err := s.sessions.Stop(ctx, e.DeviceID); err != nil {
				s.log.WithError(err).WithField("device_id", e.DeviceID).Warn("Failed to stop session")
			}
		})
	}
}

func (s *Shell) spawn(fn func(ctx context.Context)) {
	ctx := s.ctx
	s.tasks.Go(func() { fn(ctx) })
}

// deliver drops the message once the loop is gone.
func (s *Shell) deliver(ctx context.Context, msg core.Msg) {
	if err := s.Send(ctx, msg); err != nil {
		s.log.WithError(err).WithField("msg", core.MsgName(msg)).Debug("Dropped message")
	}
}

// stopReport holds back a session's stop until its start was delivered, so
// the model never sees a stopped session come back to life.
type stopReport struct {
	mu       sync.Mutex
	released bool
	pending  *core.SessionStopped
}

func (r *stopReport) report(msg core.SessionStopped, deliver func(core.Msg)) {
	r.mu.Lock()
	if !r.released {
		r.pending = &msg
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	deliver(msg)
}

// release marks the start as delivered and returns a stop that arrived
// before it.
func (r *stopReport) release() (core.SessionStopped, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = true
	if r.pending == nil {
		return core.SessionStopped{}, false
	}
	return *r.pending, true
}
