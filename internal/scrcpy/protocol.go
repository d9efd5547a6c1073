package scrcpy

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/zsiec/screenmirror/internal/transcoding/video"
)

const (
	deviceNameLength = 64
	packetHeaderSize = 12
	maxPacketSize    = 16 << 20

	flagConfig   = uint64(1) << 63
	flagKeyFrame = uint64(1) << 62
	ptsMask      = flagKeyFrame - 1
)

// Video codec ids as sent in the codec header.
const (
	codecIDH264 = 0x68323634 // "h264"
	codecIDH265 = 0x68323635 // "h265"
	codecIDAV1  = 0x00617631 // "av1"
)

// Audio codec header values that are not codecs.
const (
	audioDisabled    = 0
	audioConfigError = 1
)

// Packet is one unit of a media stream.
type Packet struct {
	// PTS in microseconds; zero for config packets.
	PTS      uint64
	Config   bool
	KeyFrame bool
	Data     []byte
}

// VideoPacket converts the packet for a decoder.
func (p Packet) VideoPacket() video.Packet {
	return video.Packet{
		Data:     p.Data,
		PTS:      time.Duration(p.PTS) * time.Microsecond,
		KeyFrame: p.KeyFrame,
		Config:   p.Config,
	}
}

func readDeviceName(r io.Reader) (string, error) {
	buf := make([]byte, deviceNameLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read device meta: %w", err)
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf), nil
}

func codecFromID(id uint32) (video.Codec, error) {
	switch id {
	case codecIDH264:
		return video.CodecH264, nil
	case codecIDH265:
		return video.CodecH265, nil
	case codecIDAV1:
		return video.CodecAV1, nil
	default:
		return "", fmt.Errorf("unknown video codec id 0x%08x", id)
	}
}

func readVideoHeader(r io.Reader) (video.Codec, video.Size, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", video.Size{}, fmt.Errorf("read video header: %w", err)
	}
	codec, err := codecFromID(binary.BigEndian.Uint32(hdr[0:4]))
	if err != nil {
		return "", video.Size{}, err
	}
	size := video.Size{
		Width:  int(binary.BigEndian.Uint32(hdr[4:8])),
		Height: int(binary.BigEndian.Uint32(hdr[8:12])),
	}
	return codec, size, nil
}

func readAudioHeader(r io.Reader) (uint32, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, fmt.Errorf("read audio header: %w", err)
	}
	return binary.BigEndian.Uint32(hdr[:]), nil
}

func readPacket(r io.Reader) (Packet, error) {
	var hdr [packetHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Packet{}, err
	}

	ptsFlags := binary.BigEndian.Uint64(hdr[0:8])
	n := binary.BigEndian.Uint32(hdr[8:12])
	if n == 0 || n > maxPacketSize {
		return Packet{}, fmt.Errorf("invalid packet size %d", n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return Packet{}, fmt.Errorf("read packet payload: %w", err)
	}

	p := Packet{Data: data}
	if ptsFlags&flagConfig != 0 {
		p.Config = true
		return p, nil
	}
	p.KeyFrame = ptsFlags&flagKeyFrame != 0
	p.PTS = ptsFlags & ptsMask
	return p, nil
}

func writePacket(w io.Writer, p Packet) error {
	var hdr [packetHeaderSize]byte
	ptsFlags := p.PTS & ptsMask
	if p.Config {
		ptsFlags = flagConfig
	} else if p.KeyFrame {
		ptsFlags |= flagKeyFrame
	}
	binary.BigEndian.PutUint64(hdr[0:8], ptsFlags)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(p.Data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(p.Data)
	return err
}
