// Package logger is the leveled logging surface handed to every farm
// component. Lines keep the "INFO: ..." / "ERR: ..." format of the farm tools.
package logger

import (
	"fmt"
	"log"
	"strings"
	"sync"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

var levelPrefixes = map[Level]string{
	LevelDebug:   "DEBUG",
	LevelInfo:    "INFO",
	LevelWarning: "WARN",
	LevelError:   "ERR",
}

func (l Level) String() string {
	return levelPrefixes[l]
}

// ParseLevel accepts "debug", "info", "warn"/"warning" and "error"/"err".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarning, nil
	case "err", "error":
		return LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warning(format string, args ...any)
	Error(format string, args ...any)
}

// Std writes to a stdlib *log.Logger, dropping lines below its minimum level.
type Std struct {
	l   *log.Logger
	min Level
}

func NewStd(l *log.Logger, min Level) *Std {
	return &Std{l: l, min: min}
}

func (s *Std) printf(level Level, format string, args ...any) {
	if level < s.min {
		return
	}
	s.l.Printf(level.String()+": "+format, args...)
}

func (s *Std) Debug(format string, args ...any)   { s.printf(LevelDebug, format, args...) }
func (s *Std) Info(format string, args ...any)    { s.printf(LevelInfo, format, args...) }
func (s *Std) Warning(format string, args ...any) { s.printf(LevelWarning, format, args...) }
func (s *Std) Error(format string, args ...any)   { s.printf(LevelError, format, args...) }

// Nop discards everything.
type Nop struct{}

func (Nop) Debug(string, ...any)   {}
func (Nop) Info(string, ...any)    {}
func (Nop) Warning(string, ...any) {}
func (Nop) Error(string, ...any)   {}

// Mock records formatted lines per level. Safe for concurrent use.
type Mock struct {
	mu    sync.Mutex
	lines map[Level][]string
}

func NewMock() *Mock {
	return &Mock{lines: map[Level][]string{}}
}

func (m *Mock) record(level Level, format string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines[level] = append(m.lines[level], fmt.Sprintf(format, args...))
}

func (m *Mock) Debug(format string, args ...any)   { m.record(LevelDebug, format, args...) }
func (m *Mock) Info(format string, args ...any)    { m.record(LevelInfo, format, args...) }
func (m *Mock) Warning(format string, args ...any) { m.record(LevelWarning, format, args...) }
func (m *Mock) Error(format string, args ...any)   { m.record(LevelError, format, args...) }

// Lines returns a copy of the lines recorded at level.
func (m *Mock) Lines(level Level) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lines[level]...)
}

// Contains reports whether any line at level contains substr.
func (m *Mock) Contains(level Level, substr string) bool {
	for _, l := range m.Lines(level) {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

var (
	_ Logger = (*Std)(nil)
	_ Logger = Nop{}
	_ Logger = (*Mock)(nil)
)
