package tenant

import (
	"time"

	"tenant-mux/internal/logger"
)

// Timer is a pending one-shot callback
type Timer interface {
	Stop() bool
}

// Scheduler runs deferred one-shot callbacks
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type clockScheduler struct{}

func (clockScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// LogReporter reports unhandled payloads to the log
type LogReporter struct {
	Logger *logger.Logger
}

// Report implements ErrorReporter
func (r LogReporter) Report(context string, raw []byte, err error) {
	r.Logger.Error("error in subscription callback",
		"context", context,
		"payload", string(raw),
		"error", err)
}
