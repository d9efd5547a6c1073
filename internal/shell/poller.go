package shell

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/zsiec/screenmirror/internal/core"
)

// DefaultPollInterval is how often devices are refreshed while focused.
const DefaultPollInterval = 2 * time.Second

// idleCheck is how often an unfocused poller looks at the focus flag again.
const idleCheck = 100 * time.Millisecond

// PollDevices requests a device refresh at most once per interval while
// the front end is focused. It returns when ctx is done or the shell stops.
func (s *Shell) PollDevices(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	for {
		if !s.Focused() {
			select {
			case <-time.After(idleCheck):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		if err := s.Send(ctx, core.RequestDevices{}); err != nil {
			if err == ErrStopped {
				return err
			}
			return nil
		}
	}
}
