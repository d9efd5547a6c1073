// Package decoder turns a coded packet stream into decoded frames.
package decoder

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/screenmirror/internal/logger"
	"github.com/zsiec/screenmirror/internal/metrics"
	"github.com/zsiec/screenmirror/internal/scrcpy"
	"github.com/zsiec/screenmirror/internal/transcoding/hw"
	"github.com/zsiec/screenmirror/internal/transcoding/video"
)

// FrameCallback receives every decoded frame, on the decode goroutine.
type FrameCallback func(*video.FrameBuffer)

// Options are shared by every stream of a process.
type Options struct {
	Backend video.Backend
	Devices *hw.Lazy
	// Preferred hardware types, tried in order.
	Preferred []hw.DeviceType
	// ErrorLogRate is the sustained number of per-packet errors logged per
	// second. Zero keeps the media logger default.
	ErrorLogRate float64
}

// VideoStream decodes one video sub-stream.
type VideoStream struct {
	codec     video.Codec
	size      video.Size
	hwDecoder bool
	opts      Options
	log       *logger.SampledLogger
}

func New(codec video.Codec, size video.Size, hwDecoder bool, opts Options, log logger.Logger) *VideoStream {
	sampled := logger.NewMediaLogger(logger.WithComponent(log, "decoder").WithField("codec", string(codec)))
	if opts.ErrorLogRate > 0 {
		every := time.Duration(float64(time.Second) / opts.ErrorLogRate)
		sampled.WithSampler(logger.CategoryDecode, every, 5)
	}
	return &VideoStream{
		codec:     codec,
		size:      size,
		hwDecoder: hwDecoder,
		opts:      opts,
		log:       sampled,
	}
}

// Start runs the decode loop as a task of g.
func (d *VideoStream) Start(g *errgroup.Group, packets <-chan scrcpy.Packet, onFrame FrameCallback) {
	g.Go(func() error {
		return d.Run(packets, onFrame)
	})
}

// device picks a hardware device when one was requested and fits the
// stream. A nil result means software decoding.
func (d *VideoStream) device() *hw.Device {
	if !d.hwDecoder || d.opts.Devices == nil {
		return nil
	}

	dev, ok := d.opts.Devices.Pool().FirstOf(d.opts.Preferred...)
	if !ok {
		d.log.WithField("preferred", d.opts.Preferred).Error("No hardware device available, decoding in software")
		return nil
	}
	if !dev.Supports(d.size.Width, d.size.Height) {
		d.log.WithFields(logger.Fields{
			"device": dev.String(),
			"width":  d.size.Width,
			"height": d.size.Height,
		}).Error("Frame size exceeds hardware limits, decoding in software")
		return nil
	}
	return dev
}

// Run decodes packets until the channel is closed. Per-packet failures are
// logged and skipped; a decoder that cannot be built ends the stream.
func (d *VideoStream) Run(packets <-chan scrcpy.Packet, onFrame FrameCallback) error {
	dev := d.device()

	dec, err := d.opts.Backend.NewDecoder(video.DecoderOptions{
		Codec:  d.codec,
		Size:   d.size,
		Device: dev,
	})
	if err != nil {
		metrics.IncrementDecodeError(string(d.codec), "init")
		d.log.WithError(err).Error("Failed to start the video decoder")
		return fmt.Errorf("start %s decoder: %w", d.codec, err)
	}
	defer dec.Close()

	hardware := dev != nil
	fields := logger.Fields{"width": d.size.Width, "height": d.size.Height, "hardware": hardware}
	if hardware {
		fields["device"] = dev.String()
	}
	d.log.WithFields(fields).Info("Video decoder started")

	for p := range packets {
		if err := dec.SendPacket(p.VideoPacket()); err != nil {
			metrics.IncrementDecodeError(string(d.codec), "send")
			d.log.WarnSampled(logger.CategoryDecode, "Send packet failed", logger.Fields{
				"error": err.Error(),
				"pts":   p.PTS,
			})
			continue
		}

		// config packets are not frames
		if p.Config {
			continue
		}

		fb, err := dec.ReceiveFrame()
		if errors.Is(err, video.ErrNoFrame) {
			continue
		}
		if err != nil {
			metrics.IncrementDecodeError(string(d.codec), "receive")
			d.log.WarnSampled(logger.CategoryDecode, "Receive frame failed", logger.Fields{
				"error": err.Error(),
				"pts":   p.PTS,
			})
			continue
		}

		metrics.IncrementFramesDecoded(string(d.codec), fb.IsHardware())
		onFrame(fb)
	}

	d.log.Debug("Packet stream closed")
	return nil
}
