package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// wrapperPackages emit log lines on behalf of their callers. Frames in them
// are never reported as the call site.
var wrapperPackages = []string{
	"github.com/sirupsen/logrus",
	"fundingflow/logger",
	"fundingflow/internal/metrics/rate",
}

// callerHook points entry.Caller at the component that asked for the log
// line rather than the helper that wrote it.
type callerHook struct {
	skip []string
}

func newCallerHook(extra ...string) *callerHook {
	skip := make([]string, 0, len(wrapperPackages)+len(extra))
	skip = append(skip, wrapperPackages...)
	return &callerHook{skip: append(skip, extra...)}
}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 32)
	// runtime.Callers and Fire itself
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !h.wrapped(frame) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

// wrapped reports whether frame belongs to a wrapper package. Test files are
// always call sites, even inside the wrapper packages.
func (h *callerHook) wrapped(frame runtime.Frame) bool {
	if strings.HasSuffix(frame.File, "_test.go") {
		return false
	}
	fn := frame.Function
	for _, pkg := range h.skip {
		if strings.HasPrefix(fn, pkg+".") || strings.HasPrefix(fn, pkg+"/") {
			return true
		}
	}
	return false
}
