package session

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/screenmirror/internal/adb"
	"github.com/zsiec/screenmirror/internal/decoder"
	apperrors "github.com/zsiec/screenmirror/internal/errors"
	"github.com/zsiec/screenmirror/internal/logger"
	"github.com/zsiec/screenmirror/internal/scrcpy"
	"github.com/zsiec/screenmirror/internal/transcoding/video"
)

type fakeTarget struct{ serial string }

func (t fakeTarget) Serial() string { return t.serial }
func (fakeTarget) Shell(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("unused")
}
func (fakeTarget) Push(context.Context, io.Reader, string, os.FileMode) error { return nil }
func (fakeTarget) DialAbstract(context.Context, string) (net.Conn, error) {
	return nil, errors.New("unused")
}

type fakeResolver struct{ known map[string]bool }

func (r fakeResolver) Device(_ context.Context, serial string) (adb.Target, error) {
	if !r.known[serial] {
		return nil, adb.ErrDeviceNotFound
	}
	return fakeTarget{serial: serial}, nil
}

type sink struct{ closed atomic.Bool }

func (s *sink) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeSession struct {
	video   *scrcpy.VideoStream
	audio   *scrcpy.AudioStream
	control bool

	done     chan struct{}
	doneOnce sync.Once
	err      error
	closed   atomic.Bool

	mu   sync.Mutex
	sent []scrcpy.ControlEvent
}

func (s *fakeSession) DeviceName() string { return "Pixel 7" }
func (s *fakeSession) Video() *scrcpy.VideoStream { return s.video }
func (s *fakeSession) Audio() *scrcpy.AudioStream { return s.audio }
func (s *fakeSession) HasControl() bool { return s.control }
func (s *fakeSession) Done() <-chan struct{} { return s.done }
func (s *fakeSession) Err() error { return s.err }

func (s *fakeSession) end(err error) {
	s.doneOnce.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *fakeSession) SendControl(ev scrcpy.ControlEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, ev)
	return nil
}

func (s *fakeSession) controlEvents() []scrcpy.ControlEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scrcpy.ControlEvent(nil), s.sent...)
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeConnection struct {
	sess   *fakeSession
	err    error
	closed atomic.Bool
}

func (c *fakeConnection) Start(context.Context) (scrcpy.Session, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.sess, nil
}

func (c *fakeConnection) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeLauncher struct {
	conn *fakeConnection
	opts scrcpy.Options
}

func (l *fakeLauncher) Start(_ context.Context, _ adb.Target, opts scrcpy.Options) (scrcpy.Connection, error) {
	l.opts = opts
	return l.conn, nil
}

type passthroughDecoder struct{ pending []video.Packet }

func (d *passthroughDecoder) SendPacket(p video.Packet) error {
	if !p.Config {
		d.pending = append(d.pending, p)
	}
	return nil
}

func (d *passthroughDecoder) ReceiveFrame() (*video.FrameBuffer, error) {
	if len(d.pending) == 0 {
		return nil, video.ErrNoFrame
	}
	p := d.pending[0]
	d.pending = d.pending[1:]
	return video.Software(&video.Frame{Props: video.Props{PTS: p.PTS}}), nil
}

func (d *passthroughDecoder) Close() error { return nil }

type backend struct{ err error }

func (b backend) NewDecoder(video.DecoderOptions) (video.Decoder, error) {
	if b.err != nil {
		return nil, b.err
	}
	return &passthroughDecoder{}, nil
}

type fixture struct {
	deps     Deps
	launcher *fakeLauncher
	sess     *fakeSession
	packets  chan scrcpy.Packet
	sink     *sink
}

func newFixture(withVideo bool) *fixture {
	f := &fixture{
		sess: &fakeSession{done: make(chan struct{}), control: true},
		sink: &sink{},
	}
	if withVideo {
		f.packets = make(chan scrcpy.Packet, 8)
		f.sess.video = &scrcpy.VideoStream{
			Codec:   video.CodecH264,
			Size:    video.Size{Width: 1080, Height: 2400},
			Packets: f.packets,
			Sink:    f.sink,
		}
	}
	f.launcher = &fakeLauncher{conn: &fakeConnection{sess: f.sess}}
	f.deps = Deps{
		Devices:  fakeResolver{known: map[string]bool{"emulator-5554": true}},
		Launcher: f.launcher,
		Decoding: decoder.Options{Backend: backend{}},
		Log:      logger.NewNullLogger(),
	}
	return f
}

func waitExit(t *testing.T, exit <-chan error) error {
	t.Helper()
	select {
	case err := <-exit:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not exit")
		return nil
	}
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSessionDecodesIntoMailbox(t *testing.T) {
	f := newFixture(true)
	repaints := make(chan struct{}, 8)
	cfg := Config{
		DeviceID: "emulator-5554",
		Control:  true,
		Video: &VideoConfig{
			Codec: video.CodecH264, MaxSize: 1920, Bitrate: 8000000, MaxFPS: 60,
			OnFrame: func() { repaints <- struct{}{} },
		},
	}

	h, exit := Start(f.deps, cfg)
	assert.True(t, h.Video)
	assert.True(t, h.Control)
	assert.False(t, h.Audio)
	assert.NotEmpty(t, h.ID)

	f.packets <- scrcpy.Packet{Config: true, Data: []byte{0x67}}
	f.packets <- scrcpy.Packet{PTS: 1000, KeyFrame: true, Data: []byte{0x65}}

	select {
	case <-repaints:
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
	}
	require.Eventually(t, func() bool { return h.Preview.Current() != nil }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, time.Millisecond, h.Preview.Current().Props().PTS)
	assert.Nil(t, h.Frames.Peek(), "presenter drains the mailbox")

	assert.True(t, f.launcher.opts.Video)
	assert.Equal(t, video.CodecH264, f.launcher.opts.VideoCodec)
	assert.Equal(t, 1920, f.launcher.opts.MaxSize)
	assert.Equal(t, 8000000, f.launcher.opts.VideoBitRate)
	assert.Equal(t, 60, f.launcher.opts.MaxFPS)
	assert.True(t, f.launcher.opts.Control)

	require.NoError(t, h.Exit(ctxT(t)))
	close(f.packets)
	assert.NoError(t, waitExit(t, exit), "requested stop is not an error")
	assert.False(t, h.Alive())
	assert.True(t, f.sink.closed.Load(), "video write half is closed on exit")
	assert.True(t, f.sess.closed.Load())
	assert.True(t, f.launcher.conn.closed.Load())

	// handles are inert once the session is gone
	assert.NoError(t, h.Exit(ctxT(t)))
}

func TestSessionRemoteEnd(t *testing.T) {
	f := newFixture(false)
	h, exit := Start(f.deps, Config{DeviceID: "emulator-5554", Control: true})

	cause := errors.New("connection reset by peer")
	f.sess.end(cause)

	assert.ErrorIs(t, waitExit(t, exit), cause)
	<-h.Done()
}

func TestSessionControlOnlyStaysUp(t *testing.T) {
	f := newFixture(false)
	h, exit := Start(f.deps, Config{DeviceID: "emulator-5554", Control: true})

	h.ControlTx <- scrcpy.BackOrScreenOn{Action: scrcpy.ActionDown}
	require.Eventually(t, func() bool {
		return len(f.sess.controlEvents()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case err := <-exit:
		t.Fatalf("session ended without consumers: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, h.Exit(ctxT(t)))
	assert.NoError(t, waitExit(t, exit))
}

func TestSessionDecoderFailureEndsSession(t *testing.T) {
	f := newFixture(true)
	cause := errors.New("decoder not found")
	f.deps.Decoding.Backend = backend{err: cause}

	_, exit := Start(f.deps, Config{
		DeviceID: "emulator-5554",
		Video:    &VideoConfig{Codec: video.CodecH264},
	})

	assert.ErrorIs(t, waitExit(t, exit), cause)
}

func TestSessionVideoMismatchIsCrash(t *testing.T) {
	f := newFixture(false)
	_, exit := Start(f.deps, Config{
		DeviceID: "emulator-5554",
		Video:    &VideoConfig{Codec: video.CodecH264},
	})

	err := waitExit(t, exit)
	assert.ErrorIs(t, err, apperrors.ErrCrash)
	assert.Contains(t, err.Error(), "video configuration mismatch")
}

func TestSessionUnknownDevice(t *testing.T) {
	f := newFixture(false)
	_, exit := Start(f.deps, Config{DeviceID: "missing"})

	assert.ErrorIs(t, waitExit(t, exit), adb.ErrDeviceNotFound)
}

func TestSessionConnectFailure(t *testing.T) {
	f := newFixture(false)
	f.launcher.conn.err = errors.New("connect scrcpy_00000001 after 100 attempts")

	_, exit := Start(f.deps, Config{DeviceID: "emulator-5554", Control: true})
	err := waitExit(t, exit)
	assert.ErrorIs(t, err, apperrors.ErrDevice)
	assert.True(t, f.launcher.conn.closed.Load())
}

func TestSessionAudioDrained(t *testing.T) {
	f := newFixture(false)
	audio := make(chan scrcpy.Packet, 1)
	f.sess.audio = &scrcpy.AudioStream{CodecID: 0x6f707573, Packets: audio}

	_, exit := Start(f.deps, Config{DeviceID: "emulator-5554", Audio: true})
	audio <- scrcpy.Packet{PTS: 1, Data: []byte{1}}
	audio <- scrcpy.Packet{PTS: 2, Data: []byte{2}}
	close(audio)

	// the drained stream ends the consumer group
	assert.NoError(t, waitExit(t, exit))
}

func TestSessionFramesAreDrained(t *testing.T) {
	f := newFixture(true)
	h, exit := Start(f.deps, Config{
		DeviceID: "emulator-5554",
		Video:    &VideoConfig{Codec: video.CodecH264},
	})

	for i := 1; i <= 5; i++ {
		f.packets <- scrcpy.Packet{PTS: uint64(i) * 1000, Data: []byte{0x41}}
		require.Eventually(t, func() bool {
			return h.Preview.Stats().Presented == uint64(i)
		}, 2*time.Second, time.Millisecond)
	}

	assert.Equal(t, video.MailboxStats{Published: 5, Dropped: 0}, h.Frames.Stats())
	assert.Equal(t, 5*time.Millisecond, h.Preview.Current().Props().PTS)

	require.NoError(t, h.Exit(ctxT(t)))
	close(f.packets)
	assert.NoError(t, waitExit(t, exit))
}

func TestSessionCleanRemoteCloseIsNotAnError(t *testing.T) {
	f := newFixture(true)
	l, hook := test.NewNullLogger()
	l.SetLevel(logrus.DebugLevel)
	f.deps.Log = logger.FromLogrus(l)

	_, exit := Start(f.deps, Config{
		DeviceID: "emulator-5554",
		Video:    &VideoConfig{Codec: video.CodecH264},
	})

	// the reader records the end before it closes the packet stream
	f.sess.end(nil)
	close(f.packets)

	assert.NoError(t, waitExit(t, exit))
	for _, e := range hook.AllEntries() {
		assert.NotEqual(t, logrus.ErrorLevel, e.Level, e.Message)
	}
}
