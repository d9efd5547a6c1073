package logger

import "github.com/sirupsen/logrus"

// NullLogger discards all log messages
type NullLogger struct{}

// NewNullLogger creates a new null logger that discards all output
func NewNullLogger() Logger {
	return &NullLogger{}
}

func (n *NullLogger) WithFields(fields map[string]interface{}) Logger { return n }
func (n *NullLogger) WithField(key string, value interface{}) Logger  { return n }
func (n *NullLogger) WithError(err error) Logger                      { return n }
func (n *NullLogger) Debug(args ...interface{})                       {}
func (n *NullLogger) Info(args ...interface{})                        {}
func (n *NullLogger) Warn(args ...interface{})                        {}
func (n *NullLogger) Error(args ...interface{})                       {}
func (n *NullLogger) Log(level logrus.Level, args ...interface{})     {}
func (n *NullLogger) Debugf(format string, args ...interface{})       {}
func (n *NullLogger) Infof(format string, args ...interface{})        {}
func (n *NullLogger) Warnf(format string, args ...interface{})        {}
func (n *NullLogger) Errorf(format string, args ...interface{})       {}
