package agent

import (
	"context"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/pprof/profile"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/threadprof/internal/arena"
	"github.com/getsentry/threadprof/internal/calltree"
	"github.com/getsentry/threadprof/internal/hostenv"
	"github.com/getsentry/threadprof/internal/method"
	"github.com/getsentry/threadprof/internal/metrics"
	"github.com/getsentry/threadprof/internal/render"
	"github.com/getsentry/threadprof/internal/sampler"
	"github.com/getsentry/threadprof/internal/speedscope"
)

const (
	DefaultMaxUniqueFunctions = 100
	DefaultMaxNumOfExamples   = 5
)

type (
	Options struct {
		// ID identifies the agent in logs. A random one is generated when
		// empty.
		ID              string
		MethodCacheSize int
		TraceEnabled    bool
		// Metrics receives the engine counters. It may be nil.
		Metrics *metrics.Engine
	}

	// ThreadStats is what the agent knows about a thread outside of its
	// call tree.
	ThreadStats struct {
		Thread        hostenv.Thread `json:"thread"`
		StartedAt     time.Time      `json:"started_at,omitempty"`
		Contentions   uint64         `json:"contentions"`
		ContendedWait time.Duration  `json:"contended_wait_ns"`
		Waits         uint64         `json:"waits"`
	}

	// GCStats accounts the garbage collections of the runtime.
	GCStats struct {
		Collections uint64        `json:"collections"`
		Pause       time.Duration `json:"pause_ns"`
	}

	threadState struct {
		stats          ThreadStats
		contendedSince time.Time
	}

	// Agent is the process scoped state of the profiler. It is created on
	// attach and torn down by Detach.
	Agent struct {
		ID string

		env      hostenv.Environment
		arena    *arena.TreeArena
		resolver *method.Resolver
		sampler  *sampler.Sampler
		metrics  *metrics.Engine

		traceEnabled atomic.Bool

		mu          sync.Mutex
		threads     map[int64]*threadState
		gc          GCStats
		gcStartedAt time.Time

		now func() time.Time
	}
)

func New(env hostenv.Environment, opts Options) (*Agent, error) {
	resolver, err := method.NewResolver(env, opts.MethodCacheSize)
	if err != nil {
		return nil, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	a := &Agent{
		ID:       id,
		env:      env,
		arena:    arena.New(),
		resolver: resolver,
		metrics:  opts.Metrics,
		threads:  make(map[int64]*threadState),
		now:      time.Now,
	}
	var observer sampler.Observer
	if opts.Metrics != nil {
		observer = opts.Metrics
		a.arena.OnMismatch = func(hostenv.Thread, *calltree.MismatchError) {
			opts.Metrics.ObserveMismatch()
		}
	}
	a.sampler = sampler.New(a.arena, resolver, env, observer)
	a.traceEnabled.Store(opts.TraceEnabled)
	log.Info().Str("agent_id", id).Bool("trace_enabled", opts.TraceEnabled).Msg("agent attached")
	return a, nil
}

func (a *Agent) Arena() *arena.TreeArena {
	return a.arena
}

func (a *Agent) Resolver() *method.Resolver {
	return a.resolver
}

func (a *Agent) SetTraceEnabled(enabled bool) {
	if a.traceEnabled.Swap(enabled) != enabled {
		log.Info().Str("agent_id", a.ID).Bool("trace_enabled", enabled).Msg("trace toggled")
	}
}

func (a *Agent) TraceEnabled() bool {
	return a.traceEnabled.Load()
}

// accept reports whether an event should be processed, counting it if so.
func (a *Agent) accept(eventType string) bool {
	if !a.traceEnabled.Load() {
		return false
	}
	if a.metrics != nil {
		a.metrics.ObserveEvent(eventType)
	}
	return true
}

func (a *Agent) OnMethodEntry(thread hostenv.Thread, className, methodName string) {
	if !a.accept("method_entry") {
		return
	}
	a.arena.BeginCall(thread, className, methodName)
}

// OnMethodExit closes the open frame of the thread. A negative duration,
// used when the entry time of the call wasn't recorded, counts as zero.
func (a *Agent) OnMethodExit(thread hostenv.Thread, className, methodName string, duration int64) {
	if !a.accept("method_exit") {
		return
	}
	if duration < 0 {
		duration = 0
	}
	// mismatches are logged and counted by the arena
	_ = a.arena.EndCall(thread, className, methodName, duration)
}

func (a *Agent) OnStackSample(thread hostenv.Thread, cpuTime int64, frames []method.Handle) sampler.Result {
	if !a.accept("stack_sample") {
		return sampler.Ignored
	}
	return a.sampler.OnStackSample(thread, cpuTime, frames)
}

func (a *Agent) state(thread hostenv.Thread) *threadState {
	ts, ok := a.threads[thread.ID]
	if !ok {
		ts = &threadState{stats: ThreadStats{Thread: thread}}
		a.threads[thread.ID] = ts
	} else if thread.Name != "" {
		ts.stats.Thread = thread
	}
	return ts
}

func (a *Agent) OnThreadStart(thread hostenv.Thread) {
	if !a.accept("thread_start") {
		return
	}
	a.mu.Lock()
	a.state(thread).stats.StartedAt = a.now()
	a.mu.Unlock()
	log.Debug().
		Int64("thread_id", thread.ID).
		Str("thread_name", thread.Name).
		Int("priority", thread.Priority).
		Bool("is_daemon", thread.IsDaemon).
		Msg("thread started")
}

// OnThreadEnd logs the lifetime of the thread along with its call tree.
// The tree itself is kept until the trees are cleared.
func (a *Agent) OnThreadEnd(thread hostenv.Thread) {
	if !a.accept("thread_end") {
		return
	}
	a.mu.Lock()
	ts, ok := a.threads[thread.ID]
	delete(a.threads, thread.ID)
	a.mu.Unlock()

	e := log.Info().Int64("thread_id", thread.ID).Str("thread_name", thread.Name)
	if ok && !ts.stats.StartedAt.IsZero() {
		e = e.Dur("lifetime", a.now().Sub(ts.stats.StartedAt))
	}
	if ok {
		e = e.Uint64("contentions", ts.stats.Contentions).Dur("contended_wait", ts.stats.ContendedWait)
	}
	e.Str("call_tree", a.arena.FormatCallTree(thread.ID, false)).Msg("thread ended")
}

func (a *Agent) OnMonitorContendedEnter(thread hostenv.Thread, object string) {
	if !a.accept("monitor_contended_enter") {
		return
	}
	a.mu.Lock()
	a.state(thread).contendedSince = a.now()
	a.mu.Unlock()
	log.Debug().Int64("thread_id", thread.ID).Str("object", object).Msg("monitor contended")
}

// OnMonitorContendedEntered accounts the time the thread waited for the
// monitor since the matching OnMonitorContendedEnter.
func (a *Agent) OnMonitorContendedEntered(thread hostenv.Thread, object string) {
	if !a.accept("monitor_contended_entered") {
		return
	}
	a.mu.Lock()
	ts := a.state(thread)
	var wait time.Duration
	if !ts.contendedSince.IsZero() {
		wait = a.now().Sub(ts.contendedSince)
		ts.contendedSince = time.Time{}
		ts.stats.Contentions++
		ts.stats.ContendedWait += wait
	}
	a.mu.Unlock()
	log.Debug().Int64("thread_id", thread.ID).Str("object", object).Dur("wait", wait).Msg("monitor entered")
}

func (a *Agent) OnMonitorWait(thread hostenv.Thread, object string, timeout time.Duration) {
	if !a.accept("monitor_wait") {
		return
	}
	a.mu.Lock()
	a.state(thread).stats.Waits++
	a.mu.Unlock()
	log.Debug().Int64("thread_id", thread.ID).Str("object", object).Dur("timeout", timeout).Msg("monitor wait")
}

func (a *Agent) OnMonitorWaited(thread hostenv.Thread, object string, timedOut bool) {
	if !a.accept("monitor_waited") {
		return
	}
	log.Debug().Int64("thread_id", thread.ID).Str("object", object).Bool("timed_out", timedOut).Msg("monitor waited")
}

func (a *Agent) OnGarbageCollectionStart() {
	if !a.accept("gc_start") {
		return
	}
	a.mu.Lock()
	a.gcStartedAt = a.now()
	a.mu.Unlock()
	log.Debug().Str("agent_id", a.ID).Msg("garbage collection started")
}

// OnGarbageCollectionFinish accounts the pause since the matching
// OnGarbageCollectionStart. A finish without a start is only logged.
func (a *Agent) OnGarbageCollectionFinish() {
	if !a.accept("gc_finish") {
		return
	}
	a.mu.Lock()
	started := a.gcStartedAt
	var pause time.Duration
	if !started.IsZero() {
		pause = a.now().Sub(started)
		a.gcStartedAt = time.Time{}
		a.gc.Collections++
		a.gc.Pause += pause
	}
	a.mu.Unlock()
	if !started.IsZero() && a.metrics != nil {
		a.metrics.ObserveGCPause(pause)
	}
	log.Debug().Str("agent_id", a.ID).Dur("pause", pause).Msg("garbage collection finished")
}

func (a *Agent) GCStats() GCStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gc
}

// ThreadStats returns the live threads, ordered by id.
func (a *Agent) ThreadStats() []ThreadStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	stats := make([]ThreadStats, 0, len(a.threads))
	for _, ts := range a.threads {
		stats = append(stats, ts.stats)
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Thread.ID < stats[j].Thread.ID
	})
	return stats
}

// Run samples every thread of the environment at each interval until the
// context is cancelled.
func (a *Agent) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.SampleOnce()
		}
	}
}

// SampleOnce takes one snapshot of every thread.
func (a *Agent) SampleOnce() {
	if !a.traceEnabled.Load() {
		return
	}
	results, err := a.sampler.SampleAll()
	if err != nil {
		log.Error().Err(err).Str("agent_id", a.ID).Msg("can't get stack traces")
		return
	}
	log.Debug().
		Str("agent_id", a.ID).
		Int("credited", results[sampler.Credited]).
		Int("first", results[sampler.FirstSample]).
		Int("skipped", results[sampler.SkippedNoCPUTime]+results[sampler.SkippedIdle]+results[sampler.SkippedBackwards]).
		Msg("threads sampled")
}

func (a *Agent) RenderAllTrees(w io.Writer, compact bool) error {
	return a.sampler.RenderAll(w, compact)
}

func (a *Agent) FormatCallTree(threadID int64, compact bool) string {
	return a.arena.FormatCallTree(threadID, compact)
}

// FormatStackTraces renders the current stack of every thread.
func (a *Agent) FormatStackTraces() (string, error) {
	traces, err := a.env.AllStackTraces()
	if err != nil {
		return "", err
	}
	return a.sampler.FormatStackTraces(traces), nil
}

func (a *Agent) ClearAll() {
	a.arena.Clear()
}

// Functions aggregates the self time of every function over all trees.
func (a *Agent) Functions(maxUniqueFunctions uint) []metrics.FunctionMetrics {
	if maxUniqueFunctions == 0 {
		maxUniqueFunctions = DefaultMaxUniqueFunctions
	}
	ma := metrics.NewAggregator(maxUniqueFunctions, DefaultMaxNumOfExamples)
	a.arena.ForEach(func(threadID int64, t *calltree.CallStackTree) {
		ma.AddFunctions(metrics.CollectFunctions(t), strconv.FormatInt(threadID, 10))
	})
	return ma.ToMetrics()
}

func (a *Agent) Pprof() *profile.Profile {
	var p *profile.Profile
	a.arena.ViewAll(func(trees []*calltree.CallStackTree) {
		p = render.Pprof(trees, a.now())
	})
	return p
}

func (a *Agent) Speedscope() speedscope.Output {
	var o speedscope.Output
	a.arena.ViewAll(func(trees []*calltree.CallStackTree) {
		o = speedscope.FromCallTrees(trees, a.ID)
	})
	o.SortSamplesForFlamegraph()
	return o
}

// Detach logs every tree, clears them and stops accepting events.
func (a *Agent) Detach() {
	a.traceEnabled.Store(false)
	var b strings.Builder
	if err := a.RenderAllTrees(&b, false); err != nil {
		log.Error().Err(err).Str("agent_id", a.ID).Msg("can't render call trees")
	}
	log.Info().Str("agent_id", a.ID).Int("trees", a.arena.Len()).Msg("agent detached\n" + b.String())
	a.ClearAll()
}
