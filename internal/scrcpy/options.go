// Package scrcpy launches the scrcpy server on a device and speaks its
// stream protocol over ADB localabstract sockets.
package scrcpy

import (
	"fmt"
	"math/rand/v2"
	"strconv"

	"github.com/zsiec/screenmirror/internal/transcoding/video"
)

// Options select the streams requested from the server.
type Options struct {
	// SCID tags the server instance and its socket names. Only the low 31
	// bits are used.
	SCID     uint32
	LogLevel string

	Control bool
	Audio   bool
	Video   bool

	VideoCodec   video.Codec
	MaxSize      int
	VideoBitRate int
	MaxFPS       int
}

// NewOptions returns options with every stream disabled and a random SCID.
func NewOptions() Options {
	return Options{
		SCID:     rand.Uint32() & 0x7fffffff,
		LogLevel: "info",
	}
}

// SocketName is the localabstract socket the server listens on.
func (o Options) SocketName() string {
	return fmt.Sprintf("scrcpy_%08x", o.SCID)
}

// Args renders the key=value server arguments.
func (o Options) Args() []string {
	args := []string{
		fmt.Sprintf("scid=%08x", o.SCID),
		"log_level=" + o.LogLevel,
		"video=" + strconv.FormatBool(o.Video),
		"audio=" + strconv.FormatBool(o.Audio),
		"control=" + strconv.FormatBool(o.Control),
		"tunnel_forward=true",
		"send_device_meta=true",
		"send_dummy_byte=true",
		"send_codec_meta=true",
		"send_frame_meta=true",
	}
	if o.Video {
		if o.VideoCodec != "" {
			args = append(args, "video_codec="+string(o.VideoCodec))
		}
		if o.MaxSize > 0 {
			args = append(args, "max_size="+strconv.Itoa(o.MaxSize))
		}
		if o.VideoBitRate > 0 {
			args = append(args, "video_bit_rate="+strconv.Itoa(o.VideoBitRate))
		}
		if o.MaxFPS > 0 {
			args = append(args, "max_fps="+strconv.Itoa(o.MaxFPS))
		}
	}
	return args
}

// streams lists enabled sockets in the order the server accepts them.
func (o Options) streams() []string {
	var s []string
	if o.Video {
		s = append(s, "video")
	}
	if o.Audio {
		s = append(s, "audio")
	}
	if o.Control {
		s = append(s, "control")
	}
	return s
}
