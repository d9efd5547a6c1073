package gstreamer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/zsiec/screenmirror/internal/logger"
	"github.com/zsiec/screenmirror/internal/transcoding/video"
)

// decodedBuffer bounds samples held by the appsink between pulls.
const decodedBuffer = 4

// sampleWait is how long ReceiveFrame waits for the streaming thread to
// finish the packet that was just pushed.
const sampleWait = 20 * time.Millisecond

// ErrDecoderClosed is returned after Close.
var ErrDecoderClosed = errors.New("decoder closed")

// Backend builds appsrc → parser → decoder → appsink pipelines.
type Backend struct {
	log logger.Logger
}

func NewBackend(log logger.Logger) *Backend {
	initialize()
	return &Backend{log: logger.WithComponent(log, "gstreamer")}
}

// NewDecoder creates and starts a pipeline for opts. A device selects its
// hardware element and frames stay in device memory until downloaded.
func (b *Backend) NewDecoder(opts video.DecoderOptions) (video.Decoder, error) {
	if _, ok := inputCaps[opts.Codec]; !ok {
		return nil, fmt.Errorf("unsupported codec %q", opts.Codec)
	}

	name := softwareDecoders[opts.Codec]
	hardware := opts.Device != nil
	if hardware {
		n, ok := hardwareDecoder(opts.Device.Type, opts.Device.Index, opts.Codec)
		if !ok {
			return nil, fmt.Errorf("%s cannot decode %s", opts.Device, opts.Codec)
		}
		name = n
	}

	d := &decoder{
		size:     opts.Size,
		hardware: hardware,
		log:      b.log.WithFields(logger.Fields{"codec": string(opts.Codec), "element": name}),
	}
	if err := d.build(opts.Codec, name); err != nil {
		return nil, err
	}
	if err := d.pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, fmt.Errorf("failed to start pipeline: %w", err)
	}

	d.log.Debug("Decoder pipeline started")
	return d, nil
}

type decoder struct {
	pipeline *gst.Pipeline
	src      *app.Source
	sink     *app.Sink
	bus      *gst.Bus

	size     video.Size
	hardware bool
	log      logger.Logger

	// config is prepended to the next packet, the parser expects parameter
	// sets inline.
	config []byte

	mu      sync.Mutex
	dropped uint64
	closed  bool
}

func (d *decoder) build(codec video.Codec, decoderName string) error {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := app.NewAppSrc()
	if err != nil {
		return fmt.Errorf("failed to create appsrc: %w", err)
	}
	src.SetProperty("caps", gst.NewCapsFromString(inputCaps[codec]))
	src.SetProperty("is-live", true)
	// packets carry the device timestamps; appsrc must not restamp them
	src.SetProperty("do-timestamp", false)
	src.SetProperty("format", gst.FormatTime)

	parser, err := gst.NewElement(parsers[codec])
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", parsers[codec], err)
	}

	dec, err := gst.NewElement(decoderName)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", decoderName, err)
	}

	sink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", decodedBuffer)
	sink.SetProperty("drop", true)

	chain := []*gst.Element{src.Element, parser, dec}
	if !d.hardware {
		converter, err := gst.NewElement("videoconvert")
		if err != nil {
			return fmt.Errorf("failed to create videoconvert: %w", err)
		}
		converter.SetProperty("n-threads", 0)

		caps, err := gst.NewElement("capsfilter")
		if err != nil {
			return fmt.Errorf("failed to create capsfilter: %w", err)
		}
		caps.SetProperty("caps", gst.NewCapsFromString("video/x-raw,format=RGBA"))
		chain = append(chain, converter, caps)
	}
	chain = append(chain, sink.Element)

	if err := pipeline.AddMany(chain...); err != nil {
		return fmt.Errorf("failed to add pipeline elements: %w", err)
	}
	if err := gst.ElementLinkMany(chain...); err != nil {
		return fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	d.pipeline = pipeline
	d.src = src
	d.sink = sink
	d.bus = pipeline.GetPipelineBus()
	return nil
}

func (d *decoder) SendPacket(p video.Packet) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrDecoderClosed
	}
	if err := d.busError(); err != nil {
		return err
	}

	if p.Config {
		d.config = append(d.config[:0], p.Data...)
		return nil
	}

	data := p.Data
	if len(d.config) > 0 {
		data = append(append(make([]byte, 0, len(d.config)+len(p.Data)), d.config...), p.Data...)
		d.config = d.config[:0]
	}

	if ret := d.src.PushBuffer(stamped(data, p)); ret != gst.FlowOK {
		return fmt.Errorf("failed to push packet: %v", ret)
	}
	return nil
}

// ReceiveFrame pulls every sample the pipeline has finished and returns the
// newest, so no decoded picture waits for the next packet.
func (d *decoder) ReceiveFrame() (*video.FrameBuffer, error) {
	sample, superseded := newest(d.sink.TryPullSample, sampleWait)
	if superseded > 0 {
		d.mu.Lock()
		d.dropped += uint64(superseded)
		d.mu.Unlock()
	}
	if sample == nil {
		if err := d.busError(); err != nil {
			return nil, err
		}
		return nil, video.ErrNoFrame
	}
	return d.frame(sample)
}

// newest waits up to wait for a first sample, then drains what is ready
// without waiting. It returns the last sample and how many it skipped.
func newest[S comparable](pull func(time.Duration) S, wait time.Duration) (S, int) {
	var zero S
	last := pull(wait)
	if last == zero {
		return zero, 0
	}
	skipped := 0
	for {
		next := pull(0)
		if next == zero {
			return last, skipped
		}
		last = next
		skipped++
	}
}

// busError reports the first pipeline error posted since the last call.
func (d *decoder) busError() error {
	for {
		msg := d.bus.TimedPop(0)
		if msg == nil {
			return nil
		}
		switch msg.Type() {
		case gst.MessageError:
			return fmt.Errorf("pipeline error: %s", msg.ParseError().Error())
		case gst.MessageEOS:
			return ErrDecoderClosed
		}
	}
}

// stamped carries the packet timing on the buffer itself; decoders copy PTS
// and the delta flag to the frames they produce.
func stamped(data []byte, p video.Packet) *gst.Buffer {
	buffer := gst.NewBufferFromBytes(data)
	buffer.SetPresentationTimestamp(p.PTS)
	if !p.KeyFrame {
		buffer.SetFlags(gst.BufferFlagDeltaUnit)
	}
	return buffer
}

func (d *decoder) frame(sample *gst.Sample) (*video.FrameBuffer, error) {
	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, video.ErrNoFrame
	}
	props := video.Props{
		Width:    d.size.Width,
		Height:   d.size.Height,
		PTS:      buffer.PresentationTimestamp(),
		KeyFrame: !buffer.HasFlags(gst.BufferFlagDeltaUnit),
	}

	if d.hardware {
		props.Format = "NV12"
		return video.Hardware(&surface{sample: sample, props: props}), nil
	}

	props.Format = "RGBA"
	data, err := copySample(sample)
	if err != nil {
		d.log.WithError(err).Debug("Skipping unreadable sample")
		return nil, video.ErrNoFrame
	}
	return video.Software(&video.Frame{Props: props, Data: data}), nil
}

func (d *decoder) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	dropped := d.dropped
	d.mu.Unlock()

	d.src.EndStream()
	if err := d.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to stop pipeline: %w", err)
	}
	d.log.WithField("superseded", dropped).Debug("Decoder pipeline stopped")
	return nil
}

func copySample(sample *gst.Sample) ([]byte, error) {
	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, errors.New("sample has no buffer")
	}
	info := buffer.Map(gst.MapRead)
	defer buffer.Unmap()

	data := info.Bytes()
	if len(data) == 0 {
		return nil, errors.New("empty buffer")
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// surface keeps the decoded sample referenced until it is downloaded or
// collected.
type surface struct {
	sample *gst.Sample
	props  video.Props
}

func (s *surface) Props() video.Props { return s.props }

func (s *surface) Download() ([]byte, error) {
	return copySample(s.sample)
}
