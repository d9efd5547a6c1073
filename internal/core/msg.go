package core

import (
	"fmt"
	"strings"

	"github.com/zsiec/screenmirror/internal/adb"
	"github.com/zsiec/screenmirror/internal/loadstate"
	"github.com/zsiec/screenmirror/internal/session"
)

// Page is the screen the front end shows.
type Page string

const (
	PageHome     Page = "home"
	PageSettings Page = "settings"
)

func ParsePage(s string) (Page, error) {
	switch p := Page(strings.ToLower(strings.TrimSpace(s))); p {
	case PageHome, PageSettings:
		return p, nil
	}
	return "", fmt.Errorf("unknown page %q", s)
}

// Msg is an input to the model: a user request or a system event.
type Msg interface {
	msgName() string
}

// MsgName is the message kind, for logging.
func MsgName(m Msg) string {
	return m.msgName()
}

type (
	Navigate struct{ Page Page }

	RequestDevices struct{}

	RequestStartSession struct{ Config session.Config }

	RequestStopSession struct{ DeviceID string }

	ClearLogs struct{}

	DevicesLoaded struct {
		Result loadstate.Result[[]adb.Device]
	}

	SessionStarted struct{ Session session.Handle }

	// SessionStopped carries the id of the session that ended so a late
	// report cannot remove a newer session of the same device.
	SessionStopped struct {
		DeviceID  string
		SessionID string
		Err       error
	}
)

func (Navigate) msgName() string            { return "Navigate" }
func (RequestDevices) msgName() string      { return "RequestDevices" }
func (RequestStartSession) msgName() string { return "RequestStartSession" }
func (RequestStopSession) msgName() string  { return "RequestStopSession" }
func (ClearLogs) msgName() string           { return "ClearLogs" }
func (DevicesLoaded) msgName() string       { return "DevicesLoaded" }
func (SessionStarted) msgName() string      { return "SessionStarted" }
func (SessionStopped) msgName() string      { return "SessionStopped" }
