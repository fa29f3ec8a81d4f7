package hv

import (
	"fmt"
	"log/slog"
)

// Logger wraps the hypervisor's log sink behind a small formatted-message
// API, independent of whatever structured backend slog is configured with.
type Logger struct {
	h *slog.Logger
}

// NewLogger wraps h, or slog's default logger if h is nil.
func NewLogger(h *slog.Logger) *Logger {
	if h == nil {
		h = slog.Default()
	}
	return &Logger{h: h}
}

func (l *Logger) Infof(format string, args ...any) {
	l.h.Info(fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...any) {
	l.h.Warn(fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...any) {
	l.h.Error(fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(format string, args ...any) {
	l.h.Debug(fmt.Sprintf(format, args...))
}
