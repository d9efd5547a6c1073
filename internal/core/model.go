// Package core is the application's state machine. Model.Update turns
// messages into state changes and effects; it performs no I/O, the shell
// executes the effects.
package core

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zsiec/screenmirror/internal/adb"
	apperrors "github.com/zsiec/screenmirror/internal/errors"
	"github.com/zsiec/screenmirror/internal/loadstate"
	"github.com/zsiec/screenmirror/internal/session"
	"github.com/zsiec/screenmirror/internal/transcoding/video"
)

// Model is not safe for concurrent use. It belongs to the shell loop.
type Model struct {
	Page     Page
	Devices  *loadstate.Tracker[[]adb.Device]
	Sessions map[string]session.Handle
	Logs     *LogStore
}

func NewModel() *Model {
	return &Model{
		Page:     PageHome,
		Devices:  loadstate.NewTracker[[]adb.Device](),
		Sessions: make(map[string]session.Handle),
		Logs:     NewLogStore(DefaultLogCapacity),
	}
}

// Update applies msg and returns the effects to execute, in order.
func (m *Model) Update(msg Msg) []Effect {
	var effects []Effect

	switch msg := msg.(type) {
	case Navigate:
		m.Logs.Info(fmt.Sprintf("Navigating to page %q", msg.Page))
		m.Page = msg.Page
		effects = append(effects, Render{})

	case RequestDevices:
		ticket := m.Devices.StartLoad()
		effects = append(effects, FetchDevices{Ticket: ticket})

	case DevicesLoaded:
		trace, err := m.Devices.ApplyTrace(msg.Result, "ADB devices loaded", summarizeDevices)
		if err != nil {
			return append(effects, DiscardedResult{Resource: "devices", Err: err})
		}
		m.Logs.Trace(trace)
		effects = append(effects, Render{})

	case RequestStartSession:
		effects = append(effects, StartSession{Config: msg.Config})

	case SessionStarted:
		h := msg.Session
		m.Sessions[h.DeviceID] = h
		m.Logs.Success(fmt.Sprintf("Session %q started: %s", h.DeviceID, strings.Join(capabilities(h), " ")))
		effects = append(effects, Render{})

	case RequestStopSession:
		if _, ok := m.Sessions[msg.DeviceID]; ok {
			effects = append(effects, StopSession{DeviceID: msg.DeviceID})
		}
		effects = append(effects, Render{})

	case SessionStopped:
		if h, ok := m.Sessions[msg.DeviceID]; ok && (msg.SessionID == "" || h.ID == msg.SessionID) {
			delete(m.Sessions, msg.DeviceID)
		}
		if msg.Err != nil {
			m.Logs.Error(fmt.Sprintf("Session %q stopped with error: %v", msg.DeviceID, msg.Err))
		} else {
			m.Logs.Info(fmt.Sprintf("Session %q ended.", msg.DeviceID))
		}
		effects = append(effects, Render{})

	case ClearLogs:
		m.Logs.Clear()
		effects = append(effects, Render{})

	default:
		effects = append(effects, Log{Level: LevelError, Message: fmt.Sprintf("unhandled message %T", msg)})
	}

	return effects
}

func summarizeDevices(devices []adb.Device) string {
	return fmt.Sprintf("%d %s", len(devices), plural(len(devices), "device", "devices"))
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func capabilities(h session.Handle) []string {
	var caps []string
	if h.Control {
		caps = append(caps, "control")
	}
	if h.Audio {
		caps = append(caps, "audio")
	}
	if h.Video {
		caps = append(caps, "video")
	}
	if len(caps) == 0 {
		caps = append(caps, "none")
	}
	return caps
}

// SessionView describes a session for front ends.
type SessionView struct {
	ID        string             `json:"id"`
	DeviceID  string             `json:"device_id"`
	Control   bool               `json:"control"`
	Audio     bool               `json:"audio"`
	Video     bool               `json:"video"`
	StartedAt time.Time          `json:"started_at"`
	Frames    video.MailboxStats `json:"frames"`
}

// View is a read-only snapshot of the model.
type View struct {
	Page         Page          `json:"page"`
	Devices      []adb.Device  `json:"devices"`
	DevicesState string        `json:"devices_state"`
	DevicesError string        `json:"devices_error,omitempty"`
	Loading      bool          `json:"loading"`
	Sessions     []SessionView `json:"sessions"`
	Logs         []LogEntry    `json:"logs"`
}

// View snapshots the model. While a reload is pending the previous device
// list is shown.
func (m *Model) View() View {
	state := m.Devices.State()
	devices, _ := state.Latest()

	v := View{
		Page:         m.Page,
		Devices:      append([]adb.Device(nil), devices...),
		DevicesState: state.Phase().String(),
		Loading:      m.Devices.IsLoading(),
		Sessions:     make([]SessionView, 0, len(m.Sessions)),
		Logs:         m.Logs.Entries(),
	}
	if err := state.Err(); err != nil {
		v.DevicesError = errorTitle(err)
	}

	for _, h := range m.Sessions {
		sv := SessionView{
			ID:        h.ID,
			DeviceID:  h.DeviceID,
			Control:   h.Control,
			Audio:     h.Audio,
			Video:     h.Video,
			StartedAt: h.StartedAt,
		}
		if h.Frames != nil {
			sv.Frames = h.Frames.Stats()
		}
		v.Sessions = append(v.Sessions, sv)
	}
	sort.Slice(v.Sessions, func(i, j int) bool { return v.Sessions[i].DeviceID < v.Sessions[j].DeviceID })
	return v
}

func errorTitle(err error) string {
	if appErr, ok := apperrors.GetAppError(err); ok {
		return fmt.Sprintf("%s: %s", appErr.Title(), appErr.Message)
	}
	return err.Error()
}
