// Package session runs one device's mirroring session.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/screenmirror/internal/adb"
	"github.com/zsiec/screenmirror/internal/decoder"
	apperrors "github.com/zsiec/screenmirror/internal/errors"
	"github.com/zsiec/screenmirror/internal/logger"
	"github.com/zsiec/screenmirror/internal/metrics"
	"github.com/zsiec/screenmirror/internal/scrcpy"
	"github.com/zsiec/screenmirror/internal/transcoding/video"
)

const controlBuffer = 32

// VideoConfig requests a video sub-stream.
type VideoConfig struct {
	Codec     video.Codec `json:"codec"`
	MaxSize   int         `json:"max_size"`
	Bitrate   int         `json:"bitrate"`
	MaxFPS    int         `json:"max_fps"`
	HWDecoder bool        `json:"hw_decoder"`
	// OnFrame is called after each frame lands in the mailbox.
	OnFrame func() `json:"-"`
}

// Config describes the sub-streams to open for one device.
type Config struct {
	DeviceID string       `json:"device_id"`
	Control  bool         `json:"control"`
	Audio    bool         `json:"audio"`
	Video    *VideoConfig `json:"video,omitempty"`
}

// DeviceResolver finds an online device. adb.Handle implements it.
type DeviceResolver interface {
	Device(ctx context.Context, serial string) (adb.Target, error)
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Devices  DeviceResolver
	Launcher scrcpy.Launcher
	Decoding decoder.Options
	Log      logger.Logger
}

type command struct{}

// Handle is a cloneable reference to a running session. Once the session
// ends every copy becomes inert.
type Handle struct {
	ID       string
	DeviceID string

	// Capability markers for the requested sub-streams.
	Control bool
	Audio   bool
	Video   bool

	// Frames holds the latest decoded frame.
	Frames *video.Mailbox
	// Preview drains Frames and keeps the current picture in host memory.
	Preview *video.Presenter
	// ControlTx forwards events to the device when control was granted.
	ControlTx chan<- scrcpy.ControlEvent

	StartedAt time.Time

	cmds chan<- command
	done <-chan struct{}
}

// Exit asks the session to stop. Ending an already finished session is not
// an error.
func (h Handle) Exit(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	default:
	}
	select {
	case h.cmds <- command{}:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the session has ended.
func (h Handle) Done() <-chan struct{} {
	return h.done
}

func (h Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

type worker struct {
	deps     Deps
	cfg      Config
	log      logger.Logger
	cmds     <-chan command
	frames   *video.Mailbox
	preview  *video.Presenter
	controls <-chan scrcpy.ControlEvent
}

// Start spawns the session worker. The returned channel receives exactly
// one value when the session ends: nil for a requested stop or a clean
// remote close, otherwise the cause.
func Start(deps Deps, cfg Config) (Handle, <-chan error) {
	cmds := make(chan command, 1)
	controls := make(chan scrcpy.ControlEvent, controlBuffer)
	done := make(chan struct{})
	exit := make(chan error, 1)
	frames := video.NewMailbox()

	h := Handle{
		ID:        uuid.NewString(),
		DeviceID:  cfg.DeviceID,
		Control:   cfg.Control,
		Audio:     cfg.Audio,
		Video:     cfg.Video != nil,
		Frames:    frames,
		Preview:   video.NewPresenter(frames),
		ControlTx: controls,
		StartedAt: time.Now(),
		cmds:      cmds,
		done:      done,
	}

	w := &worker{
		deps:     deps,
		cfg:      cfg,
		log:      logger.WithDevice(logger.WithComponent(deps.Log, "session"), cfg.DeviceID).WithField("session_id", h.ID),
		cmds:     cmds,
		frames:   h.Frames,
		preview:  h.Preview,
		controls: controls,
	}

	go func() {
		reason, err := w.guard()
		metrics.RecordSessionExit(reason, time.Since(h.StartedAt).Seconds())
		close(done)
		exit <- err
	}()

	return h, exit
}

// guard turns a worker panic into a crash error.
func (w *worker) guard() (reason string, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.WithField("panic", fmt.Sprint(r)).Error("Session worker crashed")
			reason, err = "crash", apperrors.NewCrashError("session "+w.cfg.DeviceID, r)
		}
	}()
	return w.run()
}

func (w *worker) options() scrcpy.Options {
	opts := scrcpy.NewOptions()
	opts.Control = w.cfg.Control
	opts.Audio = w.cfg.Audio
	if v := w.cfg.Video; v != nil {
		opts.Video = true
		opts.VideoCodec = v.Codec
		opts.MaxSize = v.MaxSize
		opts.VideoBitRate = v.Bitrate
		opts.MaxFPS = v.MaxFPS
	}
	return opts
}

// run returns the exit reason used for metrics alongside the exit error.
func (w *worker) run() (string, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	target, err := w.deps.Devices.Device(ctx, w.cfg.DeviceID)
	if err != nil {
		metrics.IncrementSessionStart("failed")
		w.log.WithError(err).Error("Failed to resolve device")
		return "error", err
	}

	conn, err := w.deps.Launcher.Start(ctx, target, w.options())
	if err != nil {
		metrics.IncrementSessionStart("failed")
		w.log.WithError(err).Error("Failed to launch mirroring server")
		return "error", apperrors.WrapDeviceError(err, "launch mirroring server")
	}
	defer conn.Close()

	sess, err := conn.Start(ctx)
	if err != nil {
		metrics.IncrementSessionStart("failed")
		w.log.WithError(err).Error("Failed to connect mirroring session")
		return "error", apperrors.WrapDeviceError(err, "connect mirroring session")
	}
	metrics.IncrementSessionStart("started")

	var g errgroup.Group
	tasks := 0
	defer func() {
		sess.Close()
		// consumers finish their current packet before the session is gone
		_ = g.Wait()
	}()

	granted := sess.Video()
	switch {
	case w.cfg.Video == nil && granted == nil:
	case w.cfg.Video != nil && granted != nil:
		// the outbound half must stay open for as long as we decode
		defer granted.Sink.Close()

		presentCtx, stopPresenting := context.WithCancel(ctx)
		presenting := make(chan struct{})
		go func() {
			defer close(presenting)
			w.preview.Run(presentCtx, nil)
		}()
		defer func() {
			stopPresenting()
			<-presenting
		}()

		onFrame := w.cfg.Video.OnFrame
		dec := decoder.New(granted.Codec, granted.Size, w.cfg.Video.HWDecoder, w.deps.Decoding, w.log)
		dec.Start(&g, granted.Packets, func(f *video.FrameBuffer) {
			if w.frames.Put(f) {
				metrics.IncrementFramesDropped()
			}
			w.preview.Signal()
			if onFrame != nil {
				onFrame()
			}
		})
		tasks++
	default:
		panic("video configuration mismatch")
	}

	if audio := sess.Audio(); audio != nil {
		g.Go(func() error {
			// audio is not decoded; keep the socket drained
			for range audio.Packets {
				// discard
			}
			return nil
		})
		tasks++
	}

	if sess.HasControl() {
		go w.forwardControl(ctx, sess)
	}

	var consumers <-chan error
	if tasks > 0 {
		ch := make(chan error, 1)
		go func() { ch <- g.Wait() }()
		consumers = ch
	}

	select {
	case err := <-consumers:
		if err == nil {
			// streams close after the remote end is recorded, so a clean
			// consumer exit usually means the device went away
			select {
			case <-sess.Done():
				return w.remoteEnded(sess)
			default:
			}
			w.log.Error("Session unexpectedly ended")
			return "consumer", nil
		}
		w.log.WithError(err).Error("Session unexpectedly ended")
		return "consumer", err
	case <-sess.Done():
		return w.remoteEnded(sess)
	case <-w.cmds:
		w.log.Info("Stopping session")
		return "stopped", nil
	}
}

func (w *worker) remoteEnded(sess scrcpy.Session) (string, error) {
	err := sess.Err()
	if err != nil {
		w.log.WithError(err).Info("Session ended")
	} else {
		w.log.Info("Session ended")
	}
	return "remote", err
}

func (w *worker) forwardControl(ctx context.Context, sess scrcpy.Session) {
	for {
		select {
		case ev := <-w.controls:
			if err := sess.SendControl(ev); err != nil && !errors.Is(err, scrcpy.ErrControlUnavailable) {
				w.log.WithError(err).Warn("Failed to send control event")
			}
		case <-ctx.Done():
			return
		}
	}
}
