package scrcpy

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Control message types.
const (
	msgInjectKeycode    = 0
	msgInjectText       = 1
	msgInjectTouch      = 2
	msgBackOrScreenOn   = 4
	maxInjectTextLength = 300
)

// Android KeyEvent and MotionEvent actions.
const (
	ActionDown = 0
	ActionUp   = 1
	ActionMove = 2
)

// ControlEvent is a message for the device control socket.
type ControlEvent interface {
	MarshalBinary() ([]byte, error)
}

// KeyEvent injects an Android keycode.
type KeyEvent struct {
	Action    uint8
	Keycode   int32
	Repeat    int32
	MetaState int32
}

func (e KeyEvent) MarshalBinary() ([]byte, error) {
	b := make([]byte, 14)
	b[0] = msgInjectKeycode
	b[1] = e.Action
	binary.BigEndian.PutUint32(b[2:], uint32(e.Keycode))
	binary.BigEndian.PutUint32(b[6:], uint32(e.Repeat))
	binary.BigEndian.PutUint32(b[10:], uint32(e.MetaState))
	return b, nil
}

// TextEvent types text on the device.
type TextEvent struct {
	Text string
}

func (e TextEvent) MarshalBinary() ([]byte, error) {
	if len(e.Text) > maxInjectTextLength {
		return nil, fmt.Errorf("text exceeds %d bytes", maxInjectTextLength)
	}
	b := make([]byte, 5+len(e.Text))
	b[0] = msgInjectText
	binary.BigEndian.PutUint32(b[1:], uint32(len(e.Text)))
	copy(b[5:], e.Text)
	return b, nil
}

// TouchEvent injects a single pointer event. X and Y are relative to a
// screen of ScreenWidth by ScreenHeight pixels.
type TouchEvent struct {
	Action       uint8
	PointerID    uint64
	X, Y         int32
	ScreenWidth  uint16
	ScreenHeight uint16
	// Pressure is in [0, 1].
	Pressure     float32
	ActionButton int32
	Buttons      int32
}

func (e TouchEvent) MarshalBinary() ([]byte, error) {
	b := make([]byte, 32)
	b[0] = msgInjectTouch
	b[1] = e.Action
	binary.BigEndian.PutUint64(b[2:], e.PointerID)
	binary.BigEndian.PutUint32(b[10:], uint32(e.X))
	binary.BigEndian.PutUint32(b[14:], uint32(e.Y))
	binary.BigEndian.PutUint16(b[18:], e.ScreenWidth)
	binary.BigEndian.PutUint16(b[20:], e.ScreenHeight)
	binary.BigEndian.PutUint16(b[22:], pressureToFixed(e.Pressure))
	binary.BigEndian.PutUint32(b[24:], uint32(e.ActionButton))
	binary.BigEndian.PutUint32(b[28:], uint32(e.Buttons))
	return b, nil
}

// u16 fixed point, 1.0 maps to 0xffff
func pressureToFixed(p float32) uint16 {
	switch {
	case p <= 0:
		return 0
	case p >= 1:
		return math.MaxUint16
	default:
		return uint16(p * (1 << 16))
	}
}

// BackOrScreenOn presses back, or turns the screen on if it is off.
type BackOrScreenOn struct {
	Action uint8
}

func (e BackOrScreenOn) MarshalBinary() ([]byte, error) {
	return []byte{msgBackOrScreenOn, e.Action}, nil
}
