package video

import (
	"sync"
	"sync/atomic"
)

// Mailbox is a single-slot, latest-wins frame holder with one writer (the
// decoder) and any number of readers.
type Mailbox struct {
	mu    sync.RWMutex
	frame *FrameBuffer

	published atomic.Uint64
	dropped   atomic.Uint64
}

func NewMailbox() *Mailbox {
	return &Mailbox{}
}

// Put stores f, replacing any frame that was never taken. It reports whether
// a pending frame was overwritten.
func (m *Mailbox) Put(f *FrameBuffer) bool {
	m.mu.Lock()
	overwritten := m.frame != nil
	m.frame = f
	m.mu.Unlock()

	m.published.Add(1)
	if overwritten {
		m.dropped.Add(1)
	}
	return overwritten
}

// Take drains the slot. It returns nil when no frame is pending.
func (m *Mailbox) Take() *FrameBuffer {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.frame
	m.frame = nil
	return f
}

// Peek returns the pending frame without draining it.
func (m *Mailbox) Peek() *FrameBuffer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frame
}

// MailboxStats counts frames that went through the slot.
type MailboxStats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

func (m *Mailbox) Stats() MailboxStats {
	return MailboxStats{
		Published: m.published.Load(),
		Dropped:   m.dropped.Load(),
	}
}
