package broker

import (
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/practo/tablestream/internal/logging"
)

// kgoLogger adapts the engine's Logger to franz-go's own narrow kgo.Logger
// seam, the same shape the teacher's client exposes for embedding an
// arbitrary structured logger.
type kgoLogger struct {
	log logging.Logger
}

func newKgoLogger(log logging.Logger) kgo.Logger { return &kgoLogger{log: log} }

func (l *kgoLogger) Level() kgo.LogLevel { return kgo.LogLevelInfo }

func (l *kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...interface{}) {
	switch level {
	case kgo.LogLevelError:
		l.log.Errorw(msg, keyvals...)
	case kgo.LogLevelWarn:
		l.log.Warnw(msg, keyvals...)
	case kgo.LogLevelDebug:
		l.log.Debugw(msg, keyvals...)
	default:
		l.log.Infow(msg, keyvals...)
	}
}
