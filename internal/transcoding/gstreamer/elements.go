// Package gstreamer decodes video through GStreamer pipelines and probes
// which hardware decoder elements the host provides.
package gstreamer

import (
	"fmt"

	"github.com/zsiec/screenmirror/internal/transcoding/hw"
	"github.com/zsiec/screenmirror/internal/transcoding/video"
)

// vaRenderBase is the first DRM render node; va elements for secondary GPUs
// are named after it.
const vaRenderBase = 128

var softwareDecoders = map[video.Codec]string{
	video.CodecH264: "avdec_h264",
	video.CodecH265: "avdec_h265",
	video.CodecAV1:  "dav1ddec",
}

var parsers = map[video.Codec]string{
	video.CodecH264: "h264parse",
	video.CodecH265: "h265parse",
	video.CodecAV1:  "av1parse",
}

var inputCaps = map[video.Codec]string{
	video.CodecH264: "video/x-h264,stream-format=byte-stream,alignment=au",
	video.CodecH265: "video/x-h265,stream-format=byte-stream,alignment=au",
	video.CodecAV1:  "video/x-av1,stream-format=obu-stream,alignment=tu",
}

func codecTag(c video.Codec) string {
	switch c {
	case video.CodecH265:
		return "h265"
	case video.CodecAV1:
		return "av1"
	default:
		return "h264"
	}
}

// hardwareDecoder names the decoder element for codec c on device type t at
// the given interface. ok is false when no such element exists.
func hardwareDecoder(t hw.DeviceType, index hw.Index, c video.Codec) (string, bool) {
	tag := codecTag(c)
	first := index <= 0

	switch t {
	case hw.TypeVAAPI:
		if first {
			return fmt.Sprintf("va%sdec", tag), true
		}
		return fmt.Sprintf("varenderD%d%sdec", vaRenderBase+int(index), tag), true
	case hw.TypeCUDA:
		if first {
			return fmt.Sprintf("nv%sdec", tag), true
		}
		return fmt.Sprintf("nv%sdevice%ddec", tag, int(index)), true
	case hw.TypeVulkan:
		if !first || c == video.CodecAV1 {
			return "", false
		}
		return fmt.Sprintf("vulkan%sdec", tag), true
	case hw.TypeDRM:
		if !first {
			return "", false
		}
		return fmt.Sprintf("v4l2sl%sdec", tag), true
	case hw.TypeQSV:
		return fmt.Sprintf("qsv%sdec", tag), true
	case hw.TypeD3D11:
		return fmt.Sprintf("d3d11%sdec", tag), true
	case hw.TypeVideoToolbox:
		if c == video.CodecAV1 {
			return "", false
		}
		return "vtdec_hw", true
	}
	return "", false
}

// limits are the decode surface bounds advertised for each device type.
func limits(t hw.DeviceType) (min, max hw.Size) {
	switch t {
	case hw.TypeCUDA:
		return hw.Size{Width: 48, Height: 16}, hw.Size{Width: 8192, Height: 8192}
	case hw.TypeDRM:
		return hw.Size{}, hw.Size{Width: 4096, Height: 4096}
	case hw.TypeVulkan, hw.TypeVAAPI, hw.TypeQSV, hw.TypeD3D11:
		return hw.Size{}, hw.Size{Width: 8192, Height: 8192}
	}
	return hw.Size{}, hw.Size{Width: 4096, Height: 2304}
}
