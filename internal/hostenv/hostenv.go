package hostenv

import (
	"github.com/getsentry/threadprof/internal/method"
)

type (
	Thread struct {
		ID       int64  `json:"id"`
		Name     string `json:"name"`
		Priority int    `json:"priority,omitempty"`
		IsDaemon bool   `json:"is_daemon,omitempty"`
	}

	// StackTrace is a snapshot of one thread's stack. Frames are ordered
	// innermost first.
	StackTrace struct {
		Thread Thread          `json:"thread"`
		State  string          `json:"state,omitempty"`
		Frames []method.Handle `json:"frames"`
	}

	// Environment is the set of capabilities the profiler needs from the
	// observed runtime.
	Environment interface {
		method.Lookup

		ThreadInfo(threadID int64) (Thread, error)
		// ThreadCPUTime returns the cumulative CPU time of a thread in
		// nanoseconds.
		ThreadCPUTime(threadID int64) (int64, error)
		AllStackTraces() ([]StackTrace, error)
	}
)
