package video

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zsiec/screenmirror/internal/transcoding/hw"
)

// ErrNoFrame is returned by Decoder.ReceiveFrame when the decoder needs more
// input before it can produce a frame.
var ErrNoFrame = errors.New("no frame available")

// Codec identifies a coded video format.
type Codec string

const (
	CodecH264 Codec = "h264"
	CodecH265 Codec = "h265"
	CodecAV1  Codec = "av1"
)

// ParseCodec accepts the names used in configuration and API requests.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "h264", "avc":
		return CodecH264, nil
	case "h265", "hevc":
		return CodecH265, nil
	case "av1":
		return CodecAV1, nil
	default:
		return "", fmt.Errorf("unsupported video codec %q", s)
	}
}

// Size is a frame size in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Packet is one coded access unit.
type Packet struct {
	Data     []byte
	PTS      time.Duration
	KeyFrame bool
	// Config packets carry codec parameters and produce no frame.
	Config bool
}

// Decoder is a packet-in, frame-out decoder. Implementations are not safe for
// concurrent use.
type Decoder interface {
	SendPacket(p Packet) error
	// ReceiveFrame pulls at most one decoded frame, or ErrNoFrame.
	ReceiveFrame() (*FrameBuffer, error)
	Close() error
}

// DecoderOptions configures a new decoder. A nil Device selects software
// decoding.
type DecoderOptions struct {
	Codec  Codec
	Size   Size
	Device *hw.Device
}

// Backend constructs decoders for a decode library.
type Backend interface {
	NewDecoder(opts DecoderOptions) (Decoder, error)
}
