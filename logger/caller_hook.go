package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// skippedFrames lists function prefixes that never count as the call site.
var skippedFrames = []string{
	"github.com/sirupsen/logrus",
	"bitvavoflow/logger.",
}

// callerHook rewrites entry.Caller to the first frame outside logrus and the
// Entry/Log wrappers in this package.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	if frame, ok := externalCaller(); ok {
		entry.Caller = &frame
	}
	return nil
}

func externalCaller() (runtime.Frame, bool) {
	pcs := make([]uintptr, 24)
	n := runtime.Callers(4, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !isSkipped(frame.Function) {
			return frame, true
		}
		if !more {
			return runtime.Frame{}, false
		}
	}
}

func isSkipped(fn string) bool {
	for _, prefix := range skippedFrames {
		if strings.Contains(fn, prefix) {
			return true
		}
	}
	return false
}
