// Package video holds decoded frame types and the decoder boundary.
package video

import (
	"errors"
	"fmt"
	"time"
)

// ErrFramesContextMissing is returned when uploading to a target that exposes
// no hardware frames context.
var ErrFramesContextMissing = errors.New("hardware frames context missing")

// Props is the metadata carried by every decoded frame.
type Props struct {
	Width    int
	Height   int
	Format   string
	PTS      time.Duration
	KeyFrame bool
}

// Frame is a decoded frame in host memory.
type Frame struct {
	Props
	Data []byte
}

// Surface is a decoded frame resident in device memory.
type Surface interface {
	Props() Props
	// Download copies the surface to host memory.
	Download() ([]byte, error)
}

// FramesContext allocates device surfaces for an encoder or renderer.
type FramesContext interface {
	Upload(f *Frame) (Surface, error)
}

// FrameBuffer is either a hardware surface or a host frame.
type FrameBuffer struct {
	surface Surface
	frame   *Frame
}

// Hardware wraps a device-resident surface.
func Hardware(s Surface) *FrameBuffer {
	return &FrameBuffer{surface: s}
}

// Software wraps a host frame.
func Software(f *Frame) *FrameBuffer {
	return &FrameBuffer{frame: f}
}

// IsHardware reports whether the frame still lives in device memory.
func (b *FrameBuffer) IsHardware() bool {
	return b.surface != nil
}

func (b *FrameBuffer) Props() Props {
	if b.surface != nil {
		return b.surface.Props()
	}
	return b.frame.Props
}

// Frame returns the host frame, or nil while the buffer is hardware backed.
func (b *FrameBuffer) Frame() *Frame {
	return b.frame
}

// Surface returns the device surface, or nil for host frames.
func (b *FrameBuffer) Surface() Surface {
	return b.surface
}

// DownloadToCPU transfers a hardware frame to host memory and retags the
// buffer as software. It does nothing for host frames.
func (b *FrameBuffer) DownloadToCPU() error {
	if b.surface == nil {
		return nil
	}

	data, err := b.surface.Download()
	if err != nil {
		return fmt.Errorf("transfer frame from device: %w", err)
	}

	b.frame = &Frame{Props: b.surface.Props(), Data: data}
	b.surface = nil
	return nil
}

// UploadTo transfers a host frame into ctx and retags the buffer as
// hardware. It does nothing for hardware frames.
func (b *FrameBuffer) UploadTo(ctx FramesContext) error {
	if b.surface != nil {
		return nil
	}
	if ctx == nil {
		return ErrFramesContextMissing
	}

	s, err := ctx.Upload(b.frame)
	if err != nil {
		return fmt.Errorf("transfer frame to device: %w", err)
	}

	b.surface = s
	b.frame = nil
	return nil
}
