package sampler

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/getsentry/threadprof/internal/arena"
	"github.com/getsentry/threadprof/internal/calltree"
	"github.com/getsentry/threadprof/internal/hostenv"
	"github.com/getsentry/threadprof/internal/method"
	"github.com/getsentry/threadprof/internal/render"
)

type Result int

const (
	// Credited means the CPU time since the previous sample was credited
	// to the innermost frame.
	Credited Result = iota
	// FirstSample means the path was recorded but, with no previous
	// reading, no time was credited.
	FirstSample
	// SkippedNoCPUTime means the thread has never been scheduled.
	SkippedNoCPUTime
	// SkippedIdle means the CPU time didn't move since the previous sample.
	SkippedIdle
	// SkippedBackwards means the CPU time reading went backwards.
	SkippedBackwards
	// Ignored means tracing was disabled when the sample came in.
	Ignored
)

func (r Result) String() string {
	switch r {
	case Credited:
		return "credited"
	case FirstSample:
		return "first_sample"
	case SkippedNoCPUTime:
		return "skipped_no_cpu_time"
	case SkippedIdle:
		return "skipped_idle"
	case SkippedBackwards:
		return "skipped_backwards"
	case Ignored:
		return "ignored"
	}
	return "unknown"
}

// Skipped reports whether the sample left the tree untouched.
func (r Result) Skipped() bool {
	return r >= SkippedNoCPUTime
}

type (
	Observer interface {
		ObserveSample(result string)
	}

	// Sampler reconciles stack snapshots into the call trees of the arena.
	Sampler struct {
		arena    *arena.TreeArena
		resolver *method.Resolver
		env      hostenv.Environment
		observer Observer
	}

	pending struct {
		id     calltree.NodeID
		handle method.Handle
	}
)

func New(a *arena.TreeArena, resolver *method.Resolver, env hostenv.Environment, observer Observer) *Sampler {
	return &Sampler{
		arena:    a,
		resolver: resolver,
		env:      env,
		observer: observer,
	}
}

// OnStackSample reconciles one snapshot of a thread's stack, frames
// ordered innermost first, along with the thread's cumulative CPU time.
//
// The path is walked from the root under the arena lock. Nodes created
// for frames never seen at their position are named after the raw handle
// and resolved once the lock is released, so the tree never waits on the
// runtime's symbol lookups.
func (s *Sampler) OnStackSample(thread hostenv.Thread, cpuTime int64, frames []method.Handle) Result {
	var (
		result   Result
		previous int64
		created  []pending
		tree     *calltree.CallStackTree
	)
	if cpuTime <= 0 {
		result = SkippedNoCPUTime
	} else {
		s.arena.Update(thread, func(t *calltree.CallStackTree) {
			tree = t
			previous = t.TotalDuration()
			result = classify(previous, cpuTime)
			if result.Skipped() {
				return
			}
			t.ResetTopCallStackNode()
			for i := len(frames) - 1; i >= 0; i-- {
				if id, ok := t.BeginCallByHandle(frames[i]); ok {
					created = append(created, pending{id: id, handle: frames[i]})
				}
			}
			t.EndLastCall(cpuTime)
		})
	}
	if s.observer != nil {
		s.observer.ObserveSample(result.String())
	}
	if result.Skipped() {
		log.Debug().
			Int64("thread_id", thread.ID).
			Int64("cpu_time", cpuTime).
			Int64("previous_cpu_time", previous).
			Str("result", result.String()).
			Msg("sample skipped")
		return result
	}
	if len(created) == 0 {
		return result
	}

	names := make([]string, len(created))
	for i, p := range created {
		n, err := s.resolver.Resolve(p.handle)
		if err != nil {
			log.Debug().Err(err).Int64("thread_id", thread.ID).Msg("can't resolve method")
			continue
		}
		names[i] = n.Key()
	}
	s.arena.Update(thread, func(t *calltree.CallStackTree) {
		// the tree may have been cleared while resolving
		if t != tree {
			return
		}
		for i, p := range created {
			if names[i] != "" {
				t.SetName(p.id, names[i])
			}
		}
	})
	return result
}

func classify(previous, cpuTime int64) Result {
	switch {
	case cpuTime <= 0:
		return SkippedNoCPUTime
	case cpuTime == previous:
		return SkippedIdle
	case cpuTime < previous:
		return SkippedBackwards
	case previous == 0:
		return FirstSample
	}
	return Credited
}

// SampleAll takes a snapshot of every thread of the environment and
// reconciles it.
func (s *Sampler) SampleAll() (map[Result]int, error) {
	traces, err := s.env.AllStackTraces()
	if err != nil {
		return nil, err
	}
	results := make(map[Result]int)
	for _, st := range traces {
		cpuTime, err := s.env.ThreadCPUTime(st.Thread.ID)
		if err != nil {
			log.Debug().Err(err).Int64("thread_id", st.Thread.ID).Msg("can't read thread cpu time")
			continue
		}
		results[s.OnStackSample(st.Thread, cpuTime, st.Frames)]++
	}
	return results, nil
}

// RenderAll writes one block per thread, in thread id order.
func (s *Sampler) RenderAll(w io.Writer, compact bool) error {
	var err error
	s.arena.ForEach(func(_ int64, t *calltree.CallStackTree) {
		if err != nil {
			return
		}
		err = render.ThreadBlock(w, t, compact)
	})
	return err
}

// FormatStackTraces renders raw stack snapshots with resolved frame names,
// without touching any call tree.
func (s *Sampler) FormatStackTraces(traces []hostenv.StackTrace) string {
	var b strings.Builder
	for i, st := range traces {
		fmt.Fprintf(&b, "\nstack_info: %d, thread: %d, state: %s\n", i+1, st.Thread.ID, st.State)

		cpuTime := int64(-1)
		if t, err := s.env.ThreadCPUTime(st.Thread.ID); err != nil {
			fmt.Fprintf(&b, "get_thread_cpu_time error: %v\n", err)
		} else {
			cpuTime = t
		}

		if info, err := s.env.ThreadInfo(st.Thread.ID); err == nil {
			fmt.Fprintf(&b, "Thread [%d] %s: (state = %s, cpu_time = %d)\n", st.Thread.ID, info.Name, st.State, cpuTime)
		} else {
			fmt.Fprintf(&b, "Thread [%d] UNKNOWN: (state = UNKNOWN, cpu_time = %d)\n", st.Thread.ID, cpuTime)
		}

		for _, h := range st.Frames {
			n, err := s.resolver.Resolve(h)
			if err != nil {
				var rerr *method.ResolutionError
				if errors.As(err, &rerr) {
					b.WriteString(method.Placeholder(rerr.Handle))
					b.WriteString("\n")
					continue
				}
			}
			fmt.Fprintf(&b, "%s()\n", n.Key())
		}
	}
	return b.String()
}
