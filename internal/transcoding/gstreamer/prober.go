package gstreamer

import (
	"fmt"
	"sync"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/zsiec/screenmirror/internal/transcoding/hw"
	"github.com/zsiec/screenmirror/internal/transcoding/video"
)

var initOnce sync.Once

// initialize is safe to call from every entry point.
func initialize() {
	initOnce.Do(func() { gst.Init(nil) })
}

// Prober reports a device when its H.264 decoder element can be created.
type Prober struct {
	types []hw.DeviceType
}

// NewProber probes the given types, or every known type when none are given.
func NewProber(types ...hw.DeviceType) *Prober {
	initialize()
	if len(types) == 0 {
		types = []hw.DeviceType{
			hw.TypeVulkan, hw.TypeVAAPI, hw.TypeCUDA, hw.TypeDRM,
			hw.TypeQSV, hw.TypeD3D11, hw.TypeVideoToolbox,
		}
	}
	return &Prober{types: types}
}

func (p *Prober) Types() []hw.DeviceType {
	return p.types
}

func (p *Prober) Probe(t hw.DeviceType, index hw.Index) (*hw.Device, error) {
	name, ok := hardwareDecoder(t, index, video.CodecH264)
	if !ok {
		return nil, fmt.Errorf("%s has no decoder at interface %s", t, index)
	}
	if _, err := gst.NewElement(name); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", name, err)
	}

	min, max := limits(t)
	return &hw.Device{
		Type:    t,
		Index:   index,
		Name:    name,
		MinSize: min,
		MaxSize: max,
	}, nil
}
