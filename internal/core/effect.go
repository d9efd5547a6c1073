package core

import (
	"github.com/zsiec/screenmirror/internal/loadstate"
	"github.com/zsiec/screenmirror/internal/session"
)

// Effect is work the model asks the shell to perform.
type Effect interface {
	effect()
}

// EffectLevel is the process log level of a Log effect.
type EffectLevel int

const (
	LevelDebug EffectLevel = iota
	LevelInfo
	LevelError
)

type (
	// Render asks front ends to redraw.
	Render struct{}

	// Log writes to the process log, not the user-facing log.
	Log struct {
		Level   EffectLevel
		Message string
	}

	// FetchDevices loads the device list and answers with DevicesLoaded.
	FetchDevices struct{ Ticket loadstate.Ticket }

	StartSession struct{ Config session.Config }

	StopSession struct{ DeviceID string }

	// DiscardedResult reports a load result that was not applied. Stale
	// results are expected; a ticket state mismatch is a bug.
	DiscardedResult struct {
		Resource string
		Err      error
	}
)

func (Render) effect()          {}
func (Log) effect()             {}
func (FetchDevices) effect()    {}
func (StartSession) effect()    {}
func (StopSession) effect()     {}
func (DiscardedResult) effect() {}
