package logx

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
)

const (
	LevelError = 0
	LevelDebug = 1
	LevelTrace = 2
)

// Logger writes errors unconditionally and debug/trace lines when the
// configured verbosity allows them.
type Logger struct {
	out   *log.Logger
	level int
}

func New(out *log.Logger, level int) *Logger {
	if out == nil {
		out = log.New(os.Stderr, "", log.LstdFlags)
	}
	if level < LevelError {
		level = LevelError
	}
	return &Logger{out: out, level: level}
}

func Discard() *Logger {
	return &Logger{out: log.New(io.Discard, "", 0), level: LevelError}
}

// LevelFromEnv reads a verbosity variable: unset is silent, set but empty
// means debug, a number selects that level.
func LevelFromEnv(name string) int {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return LevelError
	}
	return parseLevel(raw)
}

func parseLevel(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return LevelDebug
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return LevelDebug
	}
	if value < LevelError {
		return LevelError
	}
	return value
}

func (l *Logger) Level() int {
	if l == nil {
		return LevelError
	}
	return l.level
}

func (l *Logger) Enabled(level int) bool {
	return l != nil && level <= l.level
}

func (l *Logger) Errorf(format string, args ...any) {
	l.emit(LevelError, "error", format, args...)
}

func (l *Logger) Debugf(format string, args ...any) {
	l.emit(LevelDebug, "debug", format, args...)
}

func (l *Logger) Tracef(format string, args ...any) {
	l.emit(LevelTrace, "trace", format, args...)
}

// Printf logs at debug level so a Logger can be handed to components that
// only know the Printf interface.
func (l *Logger) Printf(format string, args ...any) {
	l.emit(LevelDebug, "debug", format, args...)
}

func (l *Logger) emit(level int, tag, format string, args ...any) {
	if !l.Enabled(level) {
		return
	}
	_ = l.out.Output(3, tag+": "+fmt.Sprintf(format, args...))
}
