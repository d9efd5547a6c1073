package scrcpy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/zsiec/screenmirror/internal/adb"
	"github.com/zsiec/screenmirror/internal/config"
	"github.com/zsiec/screenmirror/internal/logger"
)

const serverClass = "com.genymobile.scrcpy.Server"

// Launcher starts the mirroring server on a device.
type Launcher interface {
	Start(ctx context.Context, target adb.Target, opts Options) (Connection, error)
}

// Connection is a started server process whose sockets are not yet open.
type Connection interface {
	// Start opens the stream sockets and reads their headers.
	Start(ctx context.Context) (Session, error)
	Close() error
}

// ServerLauncher pushes the server jar and runs it through app_process.
type ServerLauncher struct {
	ServerPath   string
	DevicePath   string
	Version      string
	DialAttempts int
	DialRetry    time.Duration

	log logger.Logger
}

func NewLauncher(cfg config.SessionConfig, log logger.Logger) *ServerLauncher {
	return &ServerLauncher{
		ServerPath:   cfg.ServerPath,
		DevicePath:   cfg.DevicePath,
		Version:      cfg.ServerVersion,
		DialAttempts: cfg.ConnectAttempts,
		DialRetry:    cfg.ConnectRetry,
		log:          logger.WithComponent(log, "scrcpy"),
	}
}

// Command is the shell command that runs the server with opts.
func (l *ServerLauncher) Command(opts Options) string {
	return fmt.Sprintf("CLASSPATH=%s app_process / %s %s %s",
		l.DevicePath, serverClass, l.Version, strings.Join(opts.Args(), " "))
}

func (l *ServerLauncher) Start(ctx context.Context, target adb.Target, opts Options) (Connection, error) {
	jar, err := os.Open(l.ServerPath)
	if err != nil {
		return nil, fmt.Errorf("open server jar: %w", err)
	}
	defer jar.Close()

	if err := target.Push(ctx, jar, l.DevicePath, 0o644); err != nil {
		return nil, fmt.Errorf("push server: %w", err)
	}

	log := logger.WithDevice(l.log, target.Serial()).WithField("scid", fmt.Sprintf("%08x", opts.SCID))
	out, err := target.Shell(ctx, l.Command(opts))
	if err != nil {
		return nil, fmt.Errorf("start server: %w", err)
	}
	log.Debug("Server process started")

	c := &connection{
		target:   target,
		opts:     opts,
		attempts: l.DialAttempts,
		retry:    l.DialRetry,
		log:      log,
		proc:     out,
		exited:   make(chan struct{}),
	}
	go c.relayOutput()
	return c, nil
}

type connection struct {
	target   adb.Target
	opts     Options
	attempts int
	retry    time.Duration
	log      logger.Logger

	proc      io.ReadCloser
	exited    chan struct{}
	closeOnce sync.Once
}

// relayOutput forwards server output to the log until the process exits.
func (c *connection) relayOutput() {
	defer close(c.exited)
	sc := bufio.NewScanner(c.proc)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			c.log.Debug("[server] " + line)
		}
	}
}

func (c *connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.proc.Close()
	})
	return err
}

func (c *connection) Start(ctx context.Context) (Session, error) {
	streams := c.opts.streams()
	if len(streams) == 0 {
		return nil, fmt.Errorf("no stream requested")
	}

	conns := make([]net.Conn, 0, len(streams))
	closeAll := func() {
		for _, conn := range conns {
			conn.Close()
		}
	}

	first, err := c.dialFirst(ctx)
	if err != nil {
		return nil, err
	}
	conns = append(conns, first)

	for range streams[1:] {
		conn, err := c.target.DialAbstract(ctx, c.opts.SocketName())
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("connect %s socket: %w", c.opts.SocketName(), err)
		}
		conns = append(conns, conn)
	}

	name, err := readDeviceName(first)
	if err != nil {
		closeAll()
		return nil, err
	}

	s := newRemote(name, c, c.log)
	for i, kind := range streams {
		conn := conns[i]
		s.conns = append(s.conns, conn)
		switch kind {
		case "video":
			codec, size, err := readVideoHeader(conn)
			if err != nil {
				s.Close()
				return nil, err
			}
			s.video = &VideoStream{Codec: codec, Size: size, Sink: conn}
			s.videoConn = conn
		case "audio":
			id, err := readAudioHeader(conn)
			if err != nil {
				s.Close()
				return nil, err
			}
			switch id {
			case audioDisabled:
				c.log.Warn("Audio capture is not available on this device")
			case audioConfigError:
				s.Close()
				return nil, fmt.Errorf("audio stream configuration failed")
			default:
				s.audio = &AudioStream{CodecID: id}
				s.audioConn = conn
			}
		case "control":
			s.control = conn
		}
	}

	s.start()
	c.log.WithField("device_name", name).Info("Mirroring session connected")
	return s, nil
}

// dialFirst retries until the server listens. The server writes one byte on
// the first socket once it has accepted it.
func (c *connection) dialFirst(ctx context.Context) (net.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.retry):
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-c.exited:
				return nil, fmt.Errorf("server exited before accepting connections")
			}
		}

		conn, err := c.target.DialAbstract(ctx, c.opts.SocketName())
		if err != nil {
			lastErr = err
			continue
		}
		var dummy [1]byte
		if _, err := io.ReadFull(conn, dummy[:]); err != nil {
			conn.Close()
			lastErr = err
			continue
		}
		return conn, nil
	}
	return nil, fmt.Errorf("connect %s after %d attempts: %w", c.opts.SocketName(), c.attempts, lastErr)
}
