package logger

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Component-tagged logging helpers. Every call site names the subsystem it
// logs from ("gateway", "providers", ...) so output stays greppable.

var (
	mu  sync.RWMutex
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(zerolog.InfoLevel)
)

func SetLevel(level string) {
	parsed := zerolog.InfoLevel
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		parsed = zerolog.DebugLevel
	case "info":
		parsed = zerolog.InfoLevel
	case "warn", "warning":
		parsed = zerolog.WarnLevel
	case "error":
		parsed = zerolog.ErrorLevel
	}
	mu.Lock()
	log = log.Level(parsed)
	mu.Unlock()
}

func emit(ev *zerolog.Event, component, msg string, fields map[string]interface{}) {
	ev = ev.Str("component", component)
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

// current returns a pointer to a snapshot of the logger so the
// pointer-receiver level methods work on it.
func current() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := log
	return &l
}

func DebugC(component, msg string) {
	emit(current().Debug(), component, msg, nil)
}

func DebugCF(component, msg string, fields map[string]interface{}) {
	emit(current().Debug(), component, msg, fields)
}

func InfoC(component, msg string) {
	emit(current().Info(), component, msg, nil)
}

func InfoCF(component, msg string, fields map[string]interface{}) {
	emit(current().Info(), component, msg, fields)
}

func WarnC(component, msg string) {
	emit(current().Warn(), component, msg, nil)
}

func WarnCF(component, msg string, fields map[string]interface{}) {
	emit(current().Warn(), component, msg, fields)
}

func ErrorC(component, msg string) {
	emit(current().Error(), component, msg, nil)
}

func ErrorCF(component, msg string, fields map[string]interface{}) {
	emit(current().Error(), component, msg, fields)
}
