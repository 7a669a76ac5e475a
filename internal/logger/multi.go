package logger

// Multi fans every line out to all of its loggers.
type Multi []Logger

func (m Multi) Debug(format string, args ...any) {
	for _, l := range m {
		l.Debug(format, args...)
	}
}

func (m Multi) Info(format string, args ...any) {
	for _, l := range m {
		l.Info(format, args...)
	}
}

func (m Multi) Warning(format string, args ...any) {
	for _, l := range m {
		l.Warning(format, args...)
	}
}

func (m Multi) Error(format string, args ...any) {
	for _, l := range m {
		l.Error(format, args...)
	}
}
