package logger

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampledLoggerBurstThenDrop(t *testing.T) {
	base, hook := test.NewNullLogger()
	s := NewSampledLogger(FromLogrus(base)).WithSampler(CategoryDecode, time.Hour, 3)

	for i := 0; i < 10; i++ {
		s.WarnSampled(CategoryDecode, "decode failed", Fields{"packet": i})
	}

	require.Len(t, hook.AllEntries(), 3)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, CategoryDecode, hook.LastEntry().Data["category"])

	stats := s.Stats()[CategoryDecode]
	assert.Equal(t, int64(10), stats.Total)
	assert.Equal(t, int64(3), stats.Logged)
	assert.Equal(t, int64(7), stats.Dropped)
}

func TestSampledLoggerReportsSuppressed(t *testing.T) {
	base, hook := test.NewNullLogger()
	s := NewSampledLogger(FromLogrus(base)).WithSampler(CategoryPacket, 20*time.Millisecond, 1)

	s.WarnSampled(CategoryPacket, "first", nil)
	s.WarnSampled(CategoryPacket, "dropped", nil)
	s.WarnSampled(CategoryPacket, "dropped", nil)

	require.Eventually(t, func() bool {
		s.WarnSampled(CategoryPacket, "later", nil)
		return len(hook.AllEntries()) == 2
	}, time.Second, 25*time.Millisecond)

	assert.Equal(t, "later", hook.LastEntry().Message)
	assert.GreaterOrEqual(t, hook.LastEntry().Data["suppressed"], int64(2))
}

func TestSampledLoggerUnknownCategoryAlwaysLogs(t *testing.T) {
	base, hook := test.NewNullLogger()
	s := NewMediaLogger(FromLogrus(base))

	for i := 0; i < 20; i++ {
		s.Sample(logrus.ErrorLevel, "unconfigured", "always", nil)
	}
	assert.Len(t, hook.AllEntries(), 20)
}

func TestSampledLoggerDerivedSharesSamplers(t *testing.T) {
	base, hook := test.NewNullLogger()
	s := NewSampledLogger(FromLogrus(base)).WithSampler(CategoryFrame, time.Hour, 1)

	derived := s.WithField("device_id", "abc").(*SampledLogger)
	s.WarnSampled(CategoryFrame, "a", nil)
	derived.WarnSampled(CategoryFrame, "b", nil)

	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, int64(2), s.Stats()[CategoryFrame].Total)
}

func TestSampledLoggerDoesNotMutateFields(t *testing.T) {
	base, _ := test.NewNullLogger()
	s := NewSampledLogger(FromLogrus(base))

	fields := Fields{"k": "v"}
	s.WarnSampled("any", "msg", fields)
	assert.Equal(t, Fields{"k": "v"}, fields)
}
