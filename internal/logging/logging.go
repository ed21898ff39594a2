// Package logging provides the single structured-logging seam the rest of
// the engine talks to. Every component takes a Logger rather than calling a
// package-level logger, the same discipline the teacher's kgo.Logger
// interface enforces on the Kafka client itself.
package logging

import (
	"go.uber.org/zap"
)

// Logger is the narrow interface every component depends on. It is
// satisfied by *zap.SugaredLogger, and by the no-op Logger returned by
// NewNop for tests that don't care about log output.
type Logger interface {
	Debugw(msg string, kv ...interface{})
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
	With(kv ...interface{}) Logger
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// New builds a production Logger: JSON encoded, info level, with zap's
// production timestamps (seconds since the Unix epoch).
func New() (Logger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &zapLogger{s: z.Sugar()}, nil
}

// NewNop returns a Logger that discards everything, for tests.
func NewNop() Logger {
	return &zapLogger{s: zap.NewNop().Sugar()}
}

func (l *zapLogger) Debugw(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l *zapLogger) Infow(msg string, kv ...interface{})  { l.s.Infow(msg, kv...) }
func (l *zapLogger) Warnw(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
func (l *zapLogger) Errorw(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }

func (l *zapLogger) With(kv ...interface{}) Logger {
	return &zapLogger{s: l.s.With(kv...)}
}
