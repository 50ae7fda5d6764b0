package kfmt

// Level controls which Logger messages reach the output sink.
type Level uint8

// Log levels in increasing verbosity.
const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// activeLevel is set from the "loglevel" boot argument.
var activeLevel = LevelInfo

// SetLevel changes the verbosity of all loggers.
func SetLevel(l Level) {
	if l > LevelDebug {
		l = LevelDebug
	}
	activeLevel = l
}

// GetLevel returns the active verbosity.
func GetLevel() Level {
	return activeLevel
}

// Logger emits lines tagged with the name of the subsystem that owns it, e.g.
// "[sched] idle thread created".
type Logger struct {
	Module string
}

// Printf writes an informational message.
func (l Logger) Printf(format string, args ...interface{}) {
	l.emit(LevelInfo, format, args...)
}

// Debugf writes a message that is only shown at the debug level.
func (l Logger) Debugf(format string, args ...interface{}) {
	l.emit(LevelDebug, format, args...)
}

// Warnf writes a warning.
func (l Logger) Warnf(format string, args ...interface{}) {
	l.emit(LevelWarn, format, args...)
}

// Errorf writes an error message. Errors are never filtered.
func (l Logger) Errorf(format string, args ...interface{}) {
	l.emit(LevelError, format, args...)
}

func (l Logger) emit(level Level, format string, args ...interface{}) {
	if level > activeLevel {
		return
	}

	Printf("[%s] ", l.Module)
	Printf(format, args...)
	writeByte(outputSink, '\n')
}
