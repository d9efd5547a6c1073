package video

import (
	"context"
	"sync"
	"sync/atomic"
)

// Presenter is the consumer side of a Mailbox. Each signal takes the
// pending frame, moves it to host memory and makes it the current picture.
type Presenter struct {
	frames *Mailbox
	wake   chan struct{}

	mu      sync.RWMutex
	current *FrameBuffer

	presented atomic.Uint64
	failed    atomic.Uint64
}

// PresenterStats counts frames handled by a Presenter.
type PresenterStats struct {
	Presented uint64 `json:"presented"`
	Failed    uint64 `json:"failed"`
}

func NewPresenter(frames *Mailbox) *Presenter {
	return &Presenter{
		frames: frames,
		wake:   make(chan struct{}, 1),
	}
}

// Signal wakes Run. Signals coalesce while a frame is being presented.
func (p *Presenter) Signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run presents frames on every signal until ctx is done. onPresent, if set,
// is called after each frame that became current.
func (p *Presenter) Run(ctx context.Context, onPresent func()) {
	for {
		select {
		case <-p.wake:
			ok, _ := p.Present()
			if ok && onPresent != nil {
				onPresent()
			}
		case <-ctx.Done():
			return
		}
	}
}

// Present drains the mailbox once. It reports whether a new frame became
// current; a frame that fails to download is discarded and counted.
func (p *Presenter) Present() (bool, error) {
	f := p.frames.Take()
	if f == nil {
		return false, nil
	}
	if err := f.DownloadToCPU(); err != nil {
		p.failed.Add(1)
		return false, err
	}

	p.mu.Lock()
	p.current = f
	p.mu.Unlock()
	p.presented.Add(1)
	return true, nil
}

// Current returns the last presented frame, always in host memory, or nil.
func (p *Presenter) Current() *FrameBuffer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

func (p *Presenter) Stats() PresenterStats {
	return PresenterStats{
		Presented: p.presented.Load(),
		Failed:    p.failed.Load(),
	}
}
