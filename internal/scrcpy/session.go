package scrcpy

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/zsiec/screenmirror/internal/logger"
	"github.com/zsiec/screenmirror/internal/transcoding/video"
)

const packetBuffer = 16

// ErrControlUnavailable is returned when sending control events on a session
// without a control socket.
var ErrControlUnavailable = errors.New("control stream not granted")

// VideoStream is the granted video sub-stream.
type VideoStream struct {
	Codec   video.Codec
	Size    video.Size
	Packets <-chan Packet
	// Sink is the socket's outbound half. Closing it ends the stream.
	Sink io.Closer
}

// AudioStream is the granted audio sub-stream. Packets are passed through
// undecoded.
type AudioStream struct {
	CodecID uint32
	Packets <-chan Packet
}

// Session is a connected mirroring session.
type Session interface {
	DeviceName() string
	// Video and Audio return nil for streams that were not granted.
	Video() *VideoStream
	Audio() *AudioStream
	HasControl() bool
	SendControl(ev ControlEvent) error
	// Done is closed when the remote side ends the session.
	Done() <-chan struct{}
	// Err reports why the session ended; nil for a clean remote close.
	Err() error
	Close() error
}

type remote struct {
	name string
	conn *connection
	log  logger.Logger

	conns     []net.Conn
	video     *VideoStream
	videoConn net.Conn
	audio     *AudioStream
	audioConn net.Conn
	control   net.Conn

	controlMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

func newRemote(name string, c *connection, log logger.Logger) *remote {
	return &remote{
		name:   name,
		conn:   c,
		log:    log,
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (r *remote) start() {
	if r.video != nil {
		ch := make(chan Packet, packetBuffer)
		r.video.Packets = ch
		go r.readStream("video", r.videoConn, ch)
	}
	if r.audio != nil {
		ch := make(chan Packet, packetBuffer)
		r.audio.Packets = ch
		go r.readStream("audio", r.audioConn, ch)
	}
	go func() {
		select {
		case <-r.conn.exited:
			r.finish(nil)
		case <-r.closed:
		}
	}()
}

func (r *remote) readStream(kind string, conn net.Conn, out chan<- Packet) {
	defer close(out)
	for {
		p, err := readPacket(conn)
		if err != nil {
			select {
			case <-r.closed:
				return
			default:
			}
			if errors.Is(err, io.EOF) {
				r.finish(nil)
			} else {
				r.finish(fmt.Errorf("%s stream: %w", kind, err))
			}
			return
		}
		select {
		case out <- p:
		case <-r.closed:
			return
		}
	}
}

func (r *remote) finish(err error) {
	r.doneOnce.Do(func() {
		r.err = err
		close(r.done)
	})
}

func (r *remote) DeviceName() string { return r.name }

func (r *remote) Video() *VideoStream { return r.video }

func (r *remote) Audio() *AudioStream { return r.audio }

func (r *remote) HasControl() bool { return r.control != nil }

func (r *remote) Done() <-chan struct{} { return r.done }

func (r *remote) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

func (r *remote) SendControl(ev ControlEvent) error {
	if r.control == nil {
		return ErrControlUnavailable
	}
	msg, err := ev.MarshalBinary()
	if err != nil {
		return err
	}

	r.controlMu.Lock()
	defer r.controlMu.Unlock()
	_, err = r.control.Write(msg)
	return err
}

// Close tears down every socket and the server process.
func (r *remote) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
		for _, c := range r.conns {
			c.Close()
		}
		r.conn.Close()
		r.finish(nil)
	})
	return nil
}
