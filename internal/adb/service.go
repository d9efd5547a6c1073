package adb

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"sync"

	"github.com/zsiec/screenmirror/internal/actor"
	apperrors "github.com/zsiec/screenmirror/internal/errors"
	"github.com/zsiec/screenmirror/internal/logger"
)

type outcome struct {
	value interface{}
	err   error
}

type command struct {
	ctx   context.Context
	op    string
	run   func(ctx context.Context, b Backend) (interface{}, error)
	reply chan<- outcome
	exit  bool
}

// server is the backend shared by every worker instance. Backends are not
// reentrant, so all use happens under mu.
type server struct {
	provider Provider
	log      logger.Logger

	mu      sync.Mutex
	backend Backend
}

// ensureConnection returns a healthy backend, restarting the ADB server if
// the first probe fails. Callers hold s.mu.
func (s *server) ensureConnection(ctx context.Context) (Backend, error) {
	if s.backend != nil {
		if _, err := s.backend.Status(ctx); err == nil {
			return s.backend, nil
		}
	}

	b := s.provider.NewBackend()
	if _, err := b.Status(ctx); err != nil {
		s.log.WithError(err).Warn("ADB server unreachable, restarting it")
		_ = b.Kill(ctx)
		if err := s.provider.StartServer(ctx); err != nil {
			s.log.WithError(err).Warn("Failed to start ADB server")
		}
		if _, err := b.Status(ctx); err != nil {
			return nil, err
		}
	}

	s.backend = b
	return b, nil
}

func (s *server) execute(cmd command) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = outcome{err: apperrors.NewCrashError("adb "+cmd.op, r)}
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.ensureConnection(cmd.ctx)
	if err != nil {
		return outcome{err: apperrors.WrapDeviceError(err, "connect to adb server")}
	}

	v, err := cmd.run(cmd.ctx, b)
	if err != nil {
		return outcome{err: apperrors.WrapDeviceError(err, cmd.op)}
	}
	return outcome{value: v}
}

type worker struct {
	srv *server
	log logger.Logger
	wg  sync.WaitGroup
}

func (w *worker) run(cmds <-chan command) {
	w.log.Debug("Event loop started")
	for cmd := range cmds {
		if cmd.exit {
			w.drain(cmds)
			break
		}
		w.dispatch(cmd)
	}
	// the ADB server is left running for other clients
	w.wg.Wait()
}

// drain serves commands already queued before exit.
func (w *worker) drain(cmds <-chan command) {
	w.log.Debugf("Shutting down, %d messages remaining", len(cmds))
	for {
		select {
		case cmd := <-cmds:
			if !cmd.exit {
				w.dispatch(cmd)
			}
		default:
			return
		}
	}
}

// dispatch keeps blocking backend work off the message loop.
func (w *worker) dispatch(cmd command) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		cmd.reply <- w.srv.execute(cmd)
	}()
}

// Handle is a cloneable client of the device-service worker.
type Handle struct {
	sender actor.Sender[command]
}

// NewHandle spawns the device-service worker.
func NewHandle(provider Provider, log logger.Logger) Handle {
	log = logger.WithComponent(log, "adb")
	srv := &server{provider: provider, log: log}

	spawn := func() actor.Inbox[command] {
		w := &worker{srv: srv, log: log}
		return actor.Spawn("adb", actor.DefaultBuffer, log, w.run)
	}
	return Handle{sender: actor.NewSender("AdbActor", spawn, log)}
}

func call[R any](ctx context.Context, h Handle, op string, fn func(context.Context, Backend) (R, error)) (R, error) {
	var zero R
	res, err := actor.Request(ctx, h.sender, func(reply chan<- outcome) command {
		return command{
			ctx: ctx,
			op:  op,
			run: func(ctx context.Context, b Backend) (interface{}, error) {
				return fn(ctx, b)
			},
			reply: reply,
		}
	})
	if err != nil {
		return zero, channelError(err)
	}
	if res.err != nil {
		return zero, res.err
	}
	v, _ := res.value.(R)
	return v, nil
}

func channelError(err error) error {
	if errors.Is(err, actor.ErrClosed) {
		return apperrors.Wrap(err, apperrors.ErrorTypeChannelClosed,
			"adb channel closed unexpectedly", http.StatusServiceUnavailable)
	}
	return err
}

// Devices lists the devices known to the ADB server.
func (h Handle) Devices(ctx context.Context) ([]Device, error) {
	return call(ctx, h, "list devices", func(ctx context.Context, b Backend) ([]Device, error) {
		return b.Devices(ctx)
	})
}

// Device resolves an online device by serial.
func (h Handle) Device(ctx context.Context, serial string) (Target, error) {
	return call(ctx, h, "get device "+serial, func(ctx context.Context, b Backend) (Target, error) {
		return b.Device(ctx, serial)
	})
}

// Connect attaches a device in tcpip mode.
func (h Handle) Connect(ctx context.Context, addr netip.AddrPort) error {
	if !addr.Addr().Is4() {
		return apperrors.NewValidationError("device address must be IPv4")
	}
	_, err := call(ctx, h, "connect "+addr.String(), func(ctx context.Context, b Backend) (struct{}, error) {
		return struct{}{}, b.Connect(ctx, addr)
	})
	return err
}

// Disconnect detaches a device in tcpip mode.
func (h Handle) Disconnect(ctx context.Context, addr netip.AddrPort) error {
	if !addr.Addr().Is4() {
		return apperrors.NewValidationError("device address must be IPv4")
	}
	_, err := call(ctx, h, "disconnect "+addr.String(), func(ctx context.Context, b Backend) (struct{}, error) {
		return struct{}{}, b.Disconnect(ctx, addr)
	})
	return err
}

// Status probes the ADB server, starting it if needed.
func (h Handle) Status(ctx context.Context) (int, error) {
	return call(ctx, h, "server status", func(ctx context.Context, b Backend) (int, error) {
		return b.Status(ctx)
	})
}

// Exit stops the worker after serving queued commands. The ADB server
// process keeps running.
func (h Handle) Exit(ctx context.Context) error {
	return channelError(h.sender.Stop(ctx, command{exit: true}))
}
