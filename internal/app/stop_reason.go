package app

import (
	"context"
	"errors"
	"os"
	"syscall"
)

// StopReason is logged when the daemon shuts down.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
)

// SignalCause is the cancel cause set when a signal ends the run context.
type SignalCause struct{ Signal os.Signal }

func (c SignalCause) Error() string { return "received " + c.Signal.String() }

// ReasonFromContext maps the cancel cause of ctx to a StopReason.
func ReasonFromContext(ctx context.Context) StopReason {
	var sc SignalCause
	if !errors.As(context.Cause(ctx), &sc) {
		return StopUnknown
	}
	switch sc.Signal {
	case os.Interrupt:
		return StopSIGINT
	case syscall.SIGTERM:
		return StopSIGTERM
	}
	return StopUnknown
}
