// Package loadstate tracks asynchronous loads with generation tickets so
// that a result arriving after a newer request was issued is discarded
// instead of overwriting fresher state.
package loadstate

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStaleResult means the result's ticket is not the pending one.
	ErrStaleResult = errors.New("stale result")
	// ErrTicketStateMismatch means the ticket matched but the tracker was
	// not loading. It indicates a bug in the caller.
	ErrTicketStateMismatch = errors.New("ticket matched but state is not loading")
)

// Ticket identifies one load request. Tickets increase strictly per tracker.
type Ticket uint64

// Phase enumerates the lifecycle of a load.
type Phase int

const (
	Idle Phase = iota
	Loading
	Loaded
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Failed:
		return "error"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is a snapshot of a tracked value.
type State[T any] struct {
	phase     Phase
	value     T
	previous  *T
	startedAt time.Time
	err       error
}

func (s State[T]) Phase() Phase { return s.phase }

// Value returns the loaded value.
func (s State[T]) Value() (T, bool) {
	return s.value, s.phase == Loaded
}

// Previous returns the value that was loaded before the current load began.
func (s State[T]) Previous() (T, bool) {
	if s.phase != Loading || s.previous == nil {
		var zero T
		return zero, false
	}
	return *s.previous, true
}

// Latest returns the freshest value available: the loaded value, or the
// previous one while reloading.
func (s State[T]) Latest() (T, bool) {
	if v, ok := s.Value(); ok {
		return v, true
	}
	return s.Previous()
}

// StartedAt is when the current load began; zero unless loading.
func (s State[T]) StartedAt() time.Time {
	if s.phase != Loading {
		return time.Time{}
	}
	return s.startedAt
}

func (s State[T]) Err() error {
	if s.phase != Failed {
		return nil
	}
	return s.err
}

// Result carries the outcome of one load back to its tracker.
type Result[T any] struct {
	Ticket Ticket
	Value  T
	Err    error
}

// Map transforms a successful value, keeping the ticket.
func Map[T, U any](r Result[T], f func(T) U) Result[U] {
	out := Result[U]{Ticket: r.Ticket, Err: r.Err}
	if r.Err == nil {
		out.Value = f(r.Value)
	}
	return out
}

// Tracker is not safe for concurrent use; it belongs to whoever owns the
// state it describes.
type Tracker[T any] struct {
	state   State[T]
	pending Ticket
	waiting bool
	last    Ticket
	now     func() time.Time
}

// NewTracker returns an idle tracker.
func NewTracker[T any]() *Tracker[T] {
	return &Tracker[T]{now: time.Now}
}

// StartLoad issues a new ticket and moves to Loading. A loaded value is kept
// as Previous; a pending load's Previous carries over.
func (t *Tracker[T]) StartLoad() Ticket {
	t.last++
	t.pending = t.last
	t.waiting = true

	var prev *T
	switch t.state.phase {
	case Loaded:
		v := t.state.value
		prev = &v
	case Loading:
		prev = t.state.previous
	}

	t.state = State[T]{phase: Loading, previous: prev, startedAt: t.clock()}
	return t.pending
}

// Apply consumes a result. Results for anything but the pending ticket are
// rejected with ErrStaleResult and leave the state untouched.
func (t *Tracker[T]) Apply(r Result[T]) (time.Duration, error) {
	if !t.waiting || r.Ticket != t.pending {
		return 0, fmt.Errorf("%w: ticket %d", ErrStaleResult, r.Ticket)
	}
	t.waiting = false

	if t.state.phase != Loading {
		phase := t.state.phase
		t.state = State[T]{}
		return 0, fmt.Errorf("%w: ticket %d in phase %s", ErrTicketStateMismatch, r.Ticket, phase)
	}

	elapsed := t.clock().Sub(t.state.startedAt)
	if r.Err != nil {
		t.state = State[T]{phase: Failed, err: r.Err}
	} else {
		t.state = State[T]{phase: Loaded, value: r.Value}
	}
	return elapsed, nil
}

// State returns the current snapshot.
func (t *Tracker[T]) State() State[T] {
	return t.state
}

func (t *Tracker[T]) IsLoading() bool {
	return t.waiting
}

// Reset returns to Idle. Any outstanding ticket becomes stale.
func (t *Tracker[T]) Reset() {
	t.waiting = false
	t.state = State[T]{}
}

func (t *Tracker[T]) clock() time.Time {
	if t.now == nil {
		return time.Now()
	}
	return t.now()
}

// Trace is a human-readable summary of a completed load.
type Trace struct {
	Success bool
	Message string
}

// ApplyTrace applies r and describes the outcome, e.g.
// "ADB devices loaded in 0.42s (3 devices)". It returns nil, err when the
// result was not applied.
func (t *Tracker[T]) ApplyTrace(r Result[T], label string, summarize func(T) string) (*Trace, error) {
	elapsed, err := t.Apply(r)
	if err != nil {
		return nil, err
	}

	seconds := elapsed.Seconds()
	switch t.state.phase {
	case Loaded:
		return &Trace{
			Success: true,
			Message: fmt.Sprintf("%s in %.2fs (%s)", label, seconds, summarize(t.state.value)),
		}, nil
	default:
		return &Trace{
			Message: fmt.Sprintf("%s after %.2fs (Error: %v)", label, seconds, t.state.err),
		}, nil
	}
}
