package logger

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Log categories for high-frequency media events.
const (
	CategoryDecode   = "decode"
	CategoryPacket   = "packet"
	CategoryFrame    = "frame"
	CategoryRespawn  = "respawn"
	CategoryDevices  = "devices"
	CategoryFallback = "hw_fallback"
)

// SampledLogger throttles log output per category. Categories without a
// sampler always log.
type SampledLogger struct {
	base     Logger
	mu       *sync.RWMutex
	samplers map[string]*sampler
}

type sampler struct {
	limiter *rate.Limiter
	total   atomic.Int64
	dropped atomic.Int64
}

// SamplerStats holds statistics for a log sampler
type SamplerStats struct {
	Name    string `json:"name"`
	Total   int64  `json:"total"`
	Logged  int64  `json:"logged"`
	Dropped int64  `json:"dropped"`
}

// NewSampledLogger creates a new sampled logger
func NewSampledLogger(base Logger) *SampledLogger {
	return &SampledLogger{
		base:     base,
		mu:       &sync.RWMutex{},
		samplers: make(map[string]*sampler),
	}
}

// WithSampler allows burst messages for category, then at most one per every.
func (s *SampledLogger) WithSampler(category string, every time.Duration, burst int) *SampledLogger {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samplers[category] = &sampler{limiter: rate.NewLimiter(rate.Every(every), burst)}
	return s
}

// NewMediaLogger returns a sampled logger preconfigured for the decode path.
func NewMediaLogger(base Logger) *SampledLogger {
	return NewSampledLogger(base).
		WithSampler(CategoryDecode, time.Second, 5).
		WithSampler(CategoryPacket, 500*time.Millisecond, 10).
		WithSampler(CategoryFrame, time.Second, 1).
		WithSampler(CategoryDevices, 5*time.Second, 2)
}

func (s *SampledLogger) allow(category string) (*sampler, bool) {
	s.mu.RLock()
	sm, ok := s.samplers[category]
	s.mu.RUnlock()
	if !ok {
		return nil, true
	}

	sm.total.Add(1)
	if sm.limiter.Allow() {
		return sm, true
	}
	sm.dropped.Add(1)
	return sm, false
}

// Sample logs msg at level if the category budget allows it. Logged entries
// carry the number of suppressed messages so far.
func (s *SampledLogger) Sample(level logrus.Level, category, msg string, fields Fields) {
	sm, ok := s.allow(category)
	if !ok {
		return
	}

	out := make(Fields, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	out["category"] = category
	if sm != nil {
		if dropped := sm.dropped.Load(); dropped > 0 {
			out["suppressed"] = dropped
		}
	}
	s.base.WithFields(out).Log(level, msg)
}

// WarnSampled is Sample at warn level.
func (s *SampledLogger) WarnSampled(category, msg string, fields Fields) {
	s.Sample(logrus.WarnLevel, category, msg, fields)
}

// DebugSampled is Sample at debug level.
func (s *SampledLogger) DebugSampled(category, msg string, fields Fields) {
	s.Sample(logrus.DebugLevel, category, msg, fields)
}

// Stats reports per-category counters.
func (s *SampledLogger) Stats() map[string]SamplerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]SamplerStats, len(s.samplers))
	for name, sm := range s.samplers {
		total, dropped := sm.total.Load(), sm.dropped.Load()
		stats[name] = SamplerStats{
			Name:    name,
			Total:   total,
			Logged:  total - dropped,
			Dropped: dropped,
		}
	}
	return stats
}

// Derived loggers share the parent's samplers.
func (s *SampledLogger) derive(base Logger) *SampledLogger {
	return &SampledLogger{base: base, mu: s.mu, samplers: s.samplers}
}

func (s *SampledLogger) WithFields(fields map[string]interface{}) Logger {
	return s.derive(s.base.WithFields(fields))
}

func (s *SampledLogger) WithField(key string, value interface{}) Logger {
	return s.derive(s.base.WithField(key, value))
}

func (s *SampledLogger) WithError(err error) Logger {
	return s.derive(s.base.WithError(err))
}

func (s *SampledLogger) Debug(args ...interface{})                   { s.base.Debug(args...) }
func (s *SampledLogger) Info(args ...interface{})                    { s.base.Info(args...) }
func (s *SampledLogger) Warn(args ...interface{})                    { s.base.Warn(args...) }
func (s *SampledLogger) Error(args ...interface{})                   { s.base.Error(args...) }
func (s *SampledLogger) Log(level logrus.Level, args ...interface{}) { s.base.Log(level, args...) }
func (s *SampledLogger) Debugf(format string, args ...interface{})   { s.base.Debugf(format, args...) }
func (s *SampledLogger) Infof(format string, args ...interface{})    { s.base.Infof(format, args...) }
func (s *SampledLogger) Warnf(format string, args ...interface{})    { s.base.Warnf(format, args...) }
func (s *SampledLogger) Errorf(format string, args ...interface{})   { s.base.Errorf(format, args...) }
