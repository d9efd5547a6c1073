// Package hw enumerates hardware acceleration devices usable for decoding.
package hw

import (
	"fmt"
	"strings"
)

// DeviceType is a hardware acceleration API.
type DeviceType string

const (
	TypeCUDA         DeviceType = "cuda"
	TypeDRM          DeviceType = "drm"
	TypeVAAPI        DeviceType = "vaapi"
	TypeVulkan       DeviceType = "vulkan"
	TypeQSV          DeviceType = "qsv"
	TypeD3D11        DeviceType = "d3d11va"
	TypeVideoToolbox DeviceType = "videotoolbox"
)

// indexable types can target a specific physical interface.
var indexable = map[DeviceType]bool{
	TypeCUDA:   true,
	TypeDRM:    true,
	TypeVAAPI:  true,
	TypeVulkan: true,
}

// Indexable reports whether t is addressed per physical interface.
func (t DeviceType) Indexable() bool {
	return indexable[t]
}

// ParseDeviceType normalises a configured device type name.
func ParseDeviceType(s string) (DeviceType, error) {
	t := DeviceType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TypeCUDA, TypeDRM, TypeVAAPI, TypeVulkan, TypeQSV, TypeD3D11, TypeVideoToolbox:
		return t, nil
	}
	return "", fmt.Errorf("unknown hardware device type %q", s)
}

// Index addresses a physical interface. Global devices have no index.
type Index int

// Global is the index of devices that are not bound to an interface.
const Global Index = -1

func (i Index) String() string {
	if i == Global {
		return "global"
	}
	return fmt.Sprintf("%d", int(i))
}

// Size bounds in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Device is a usable hardware acceleration context.
type Device struct {
	Type  DeviceType `json:"type"`
	Index Index      `json:"index"`
	// Name identifies the backing implementation, e.g. a decoder element.
	Name    string `json:"name"`
	MinSize Size   `json:"min_size"`
	MaxSize Size   `json:"max_size"`
}

func (d *Device) String() string {
	return fmt.Sprintf("%s[%s] %s", d.Type, d.Index, d.Name)
}

// Supports reports whether frames of the given size fit the device limits.
// Unknown limits are treated as unbounded.
func (d *Device) Supports(width, height int) bool {
	if width < d.MinSize.Width || height < d.MinSize.Height {
		return false
	}
	if d.MaxSize.Width > 0 && width > d.MaxSize.Width {
		return false
	}
	if d.MaxSize.Height > 0 && height > d.MaxSize.Height {
		return false
	}
	return true
}
