package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/screenmirror/internal/logger"
)

type fakeChecker struct {
	name  string
	err   error
	delay time.Duration
	runs  atomic.Int32
}

func (f *fakeChecker) Name() string { return f.name }

func (f *fakeChecker) Check(ctx context.Context) error {
	f.runs.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func TestManagerStatus(t *testing.T) {
	failed := errors.New("failed")

	tests := []struct {
		name      string
		critical  error
		optional  error
		want      Status
		wantReady bool
	}{
		{"all passing", nil, nil, StatusOK, true},
		{"optional failing degrades", nil, failed, StatusDegraded, true},
		{"critical failing takes down", failed, nil, StatusDown, false},
		{"both failing", failed, failed, StatusDown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(logger.NewNullLogger())
			m.Register(&fakeChecker{name: "adb", err: tt.critical})
			m.RegisterOptional(&fakeChecker{name: "redis", err: tt.optional})

			results := m.RunChecks(context.Background())

			require.Len(t, results, 2)
			assert.True(t, results["adb"].Critical)
			assert.False(t, results["redis"].Critical)
			assert.Equal(t, tt.want, m.Status())

			ready, failing := m.Ready()
			assert.Equal(t, tt.wantReady, ready)
			if tt.wantReady {
				assert.Empty(t, failing)
			} else {
				assert.Equal(t, []string{"adb"}, failing)
			}
		})
	}
}

func TestManagerFailedCheckMessage(t *testing.T) {
	m := NewManager(logger.NewNullLogger())
	m.RegisterOptional(&fakeChecker{name: "redis", err: errors.New("connection refused")})

	c := m.RunChecks(context.Background())["redis"]

	assert.Equal(t, StatusDegraded, c.Status)
	assert.Equal(t, "connection refused", c.Message)
	assert.False(t, c.LastChecked.IsZero())
}

func TestManagerNotReadyBeforeFirstRun(t *testing.T) {
	m := NewManager(logger.NewNullLogger())
	m.Register(&fakeChecker{name: "adb"})
	m.RegisterOptional(&fakeChecker{name: "disk"})

	ready, failing := m.Ready()

	assert.False(t, ready)
	assert.Equal(t, []string{"adb"}, failing)
	assert.Equal(t, StatusDown, m.Status())
	assert.Empty(t, m.Results())
}

func TestManagerRunsChecksConcurrently(t *testing.T) {
	m := NewManager(logger.NewNullLogger())
	for _, name := range []string{"a", "b", "c", "d"} {
		m.RegisterOptional(&fakeChecker{name: name, delay: 100 * time.Millisecond})
	}

	start := time.Now()
	results := m.RunChecks(context.Background())

	assert.Len(t, results, 4)
	assert.Less(t, time.Since(start), 300*time.Millisecond)
	for _, c := range results {
		assert.GreaterOrEqual(t, c.DurationMS, float64(100))
	}
}

func TestManagerCancelledCheckIsDown(t *testing.T) {
	m := NewManager(logger.NewNullLogger())
	m.Register(&fakeChecker{name: "adb", delay: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	c := m.RunChecks(ctx)["adb"]

	assert.Equal(t, StatusDown, c.Status)
	assert.Equal(t, "check timed out", c.Message)
}

func TestManagerRunRepeats(t *testing.T) {
	m := NewManager(logger.NewNullLogger())
	c := &fakeChecker{name: "adb"}
	m.Register(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx, 10*time.Millisecond)
	}()

	assert.Eventually(t, func() bool { return c.runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	ready, _ := m.Ready()
	assert.True(t, ready)
}
