// Package actor provides the worker/handle plumbing shared by every
// long-lived component: a goroutine owns its state and drains a bounded
// command channel, and callers talk to it through a Sender that respawns the
// worker if it has gone away.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zsiec/screenmirror/internal/logger"
	"github.com/zsiec/screenmirror/internal/metrics"
)

// DefaultBuffer is the command channel capacity used by the workers.
const DefaultBuffer = 32

// ErrClosed is returned when a worker's command channel is no longer served.
var ErrClosed = errors.New("worker channel closed")

// Inbox is the sending side of a worker's command channel. The zero value
// is a closed inbox.
type Inbox[T any] struct {
	ch   chan<- T
	done <-chan struct{}
}

// Done is closed once the worker stops reading commands.
func (in Inbox[T]) Done() <-chan struct{} {
	return in.done
}

// Closed reports whether the worker has stopped.
func (in Inbox[T]) Closed() bool {
	if in.done == nil {
		return true
	}
	select {
	case <-in.done:
		return true
	default:
		return false
	}
}

func (in Inbox[T]) send(ctx context.Context, msg T) error {
	if in.Closed() {
		return ErrClosed
	}
	select {
	case in.ch <- msg:
		return nil
	case <-in.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Spawn starts run on its own goroutine reading from a channel of capacity
// buffer. The inbox reports Done when run returns or panics.
func Spawn[T any](name string, buffer int, log logger.Logger, run func(cmds <-chan T)) Inbox[T] {
	ch := make(chan T, buffer)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(logger.Fields{
					"actor": name,
					"panic": fmt.Sprint(r),
				}).Error("Worker crashed")
			}
		}()
		run(ch)
	}()

	return Inbox[T]{ch: ch, done: done}
}

// Spawner starts a fresh worker and returns its inbox.
type Spawner[T any] func() Inbox[T]

// Sender is a cloneable handle to a respawnable worker. Copies share the
// same underlying worker.
type Sender[T any] struct {
	*sender[T]
}

type sender[T any] struct {
	name  string
	spawn Spawner[T]
	log   logger.Logger

	mu    sync.RWMutex
	inbox Inbox[T]
}

// NewSender spawns the first worker instance immediately.
func NewSender[T any](name string, spawn Spawner[T], log logger.Logger) Sender[T] {
	return Sender[T]{&sender[T]{
		name:  name,
		spawn: spawn,
		log:   log.WithField("actor", name),
		inbox: spawn(),
	}}
}

// Send delivers msg, respawning the worker once if it has terminated.
func (s Sender[T]) Send(ctx context.Context, msg T) error {
	_, err := s.deliver(ctx, msg)
	return err
}

// Stop delivers a terminating msg and waits until the instance that
// received it has stopped.
func (s Sender[T]) Stop(ctx context.Context, msg T) error {
	in, err := s.deliver(ctx, msg)
	if err != nil {
		return err
	}
	select {
	case <-in.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Current returns the inbox of the live worker instance.
func (s Sender[T]) Current() Inbox[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inbox
}

func (s Sender[T]) deliver(ctx context.Context, msg T) (Inbox[T], error) {
	in := s.Current()
	err := in.send(ctx, msg)
	if !errors.Is(err, ErrClosed) {
		return in, err
	}

	s.mu.Lock()
	// Another caller may have respawned while we waited for the lock.
	if s.inbox.Closed() {
		s.log.Warnf("%s disconnected. Respawning instance...", s.name)
		s.inbox = s.spawn()
		metrics.IncrementActorRespawn(s.name)
		s.log.Infof("%s respawned", s.name)
	}
	in = s.inbox
	s.mu.Unlock()

	return in, in.send(ctx, msg)
}

// Request sends the message produced by build and waits for its reply. If
// the worker ends without replying the error is ErrClosed.
func Request[T, R any](ctx context.Context, s Sender[T], build func(reply chan<- R) T) (R, error) {
	var zero R
	reply := make(chan R, 1)

	in, err := s.deliver(ctx, build(reply))
	if err != nil {
		return zero, err
	}

	select {
	case r := <-reply:
		return r, nil
	case <-in.Done():
		// the worker may have replied just before exiting
		select {
		case r := <-reply:
			return r, nil
		default:
			return zero, ErrClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
