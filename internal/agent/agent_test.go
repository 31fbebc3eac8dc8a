package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/getsentry/threadprof/internal/hostenv"
	"github.com/getsentry/threadprof/internal/method"
	"github.com/getsentry/threadprof/internal/metrics"
	"github.com/getsentry/threadprof/internal/sampler"
	"github.com/getsentry/threadprof/internal/testutil"
)

var mainThread = hostenv.Thread{ID: 1, Name: "main"}

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time {
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newAgent(t *testing.T, traceEnabled bool) (*Agent, *hostenv.Memory, *clock) {
	t.Helper()
	env := hostenv.NewMemory()
	env.DefineMethod(0xa, "Lcom/acme/A;", "a")
	env.DefineMethod(0xb, "Lcom/acme/B;", "b")
	a, err := New(env, Options{ID: "test", TraceEnabled: traceEnabled, Metrics: metrics.NewEngine()})
	if err != nil {
		t.Fatalf("couldn't create agent: %v", err)
	}
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	a.now = c.now
	return a, env, c
}

func TestTraceDisabled(t *testing.T) {
	a, _, _ := newAgent(t, false)
	a.OnMethodEntry(mainThread, "X", "f")
	a.OnMethodExit(mainThread, "X", "f", 10)
	if got := a.OnStackSample(mainThread, 1000, []method.Handle{0xa}); got != sampler.Ignored {
		t.Fatalf("want %s, got %s", sampler.Ignored, got)
	}
	a.OnThreadStart(mainThread)
	if a.Arena().Len() != 0 || len(a.ThreadStats()) != 0 {
		t.Fatalf("no state expected while tracing is disabled")
	}

	a.SetTraceEnabled(true)
	a.OnMethodEntry(mainThread, "X", "f")
	a.OnMethodExit(mainThread, "X", "f", 10)
	if a.Arena().Len() != 1 {
		t.Fatalf("want 1 tree once tracing is enabled, got %d", a.Arena().Len())
	}
}

func TestMethodEvents(t *testing.T) {
	a, _, _ := newAgent(t, true)
	a.OnMethodEntry(mainThread, "X", "f")
	a.OnMethodEntry(mainThread, "X", "g")
	a.OnMethodExit(mainThread, "X", "g", 2_000_000)
	a.OnMethodExit(mainThread, "X", "f", -1)
	a.OnMethodExit(mainThread, "X", "f", 1)

	want := "main[calls=0, duration=0]\n  X.f[calls=1, duration=0]\n    X.g[calls=1, duration=2]\n"
	if got := a.FormatCallTree(mainThread.ID, false); got != want {
		t.Fatalf("Result mismatch: got - want +\n%s", testutil.Diff(got, want))
	}
}

func TestThreadLifecycleAndMonitors(t *testing.T) {
	a, _, c := newAgent(t, true)
	worker := hostenv.Thread{ID: 2, Name: "worker", IsDaemon: true}
	start := c.t

	a.OnThreadStart(worker)
	a.OnThreadStart(mainThread)
	a.OnMonitorContendedEnter(worker, "lock")
	c.advance(3 * time.Millisecond)
	a.OnMonitorContendedEntered(worker, "lock")
	a.OnMonitorContendedEnter(worker, "lock")
	c.advance(2 * time.Millisecond)
	a.OnMonitorContendedEntered(worker, "lock")
	// entered without a matching enter is not a contention
	a.OnMonitorContendedEntered(mainThread, "lock")
	a.OnMonitorWait(mainThread, "queue", time.Second)
	a.OnMonitorWaited(mainThread, "queue", true)

	want := []ThreadStats{
		{Thread: mainThread, StartedAt: start, Waits: 1},
		{Thread: worker, StartedAt: start, Contentions: 2, ContendedWait: 5 * time.Millisecond},
	}
	if diff := testutil.Diff(a.ThreadStats(), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	a.OnThreadEnd(worker)
	if diff := testutil.Diff(a.ThreadStats(), want[:1]); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestGarbageCollection(t *testing.T) {
	a, _, c := newAgent(t, true)
	// finish without a start isn't a pause
	a.OnGarbageCollectionFinish()
	a.OnGarbageCollectionStart()
	c.advance(4 * time.Millisecond)
	a.OnGarbageCollectionFinish()
	a.OnGarbageCollectionStart()
	c.advance(6 * time.Millisecond)
	a.OnGarbageCollectionFinish()

	want := GCStats{Collections: 2, Pause: 10 * time.Millisecond}
	if diff := testutil.Diff(a.GCStats(), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	a.SetTraceEnabled(false)
	a.OnGarbageCollectionStart()
	c.advance(time.Millisecond)
	a.OnGarbageCollectionFinish()
	if diff := testutil.Diff(a.GCStats(), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestSampleOnce(t *testing.T) {
	a, env, _ := newAgent(t, true)
	env.SetThread(mainThread)
	env.SetStack(mainThread.ID, "RUNNABLE", 0xb, 0xa)
	env.SetCPUTime(mainThread.ID, 1000)
	a.SampleOnce()
	env.SetCPUTime(mainThread.ID, 4000)
	a.SampleOnce()

	var b strings.Builder
	if err := a.RenderAllTrees(&b, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "Thread: 1, main, 0.003\n" +
		"0,main[calls=0, duration=0]\n" +
		"1,com.acme.A.a[calls=0, duration=0]\n" +
		"2,com.acme.B.b[calls=2, duration=0.003]\n" +
		"\n"
	if got := b.String(); got != want {
		t.Fatalf("Result mismatch: got - want +\n%s", testutil.Diff(got, want))
	}

	dump, err := a.FormatStackTraces()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(dump, "Thread [1] main: (state = RUNNABLE, cpu_time = 4000)\ncom.acme.B.b()\ncom.acme.A.a()\n") {
		t.Fatalf("unexpected stack dump:\n%s", dump)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	a, _, _ := newAgent(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- a.Run(ctx, time.Millisecond)
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("want context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run didn't return after cancel")
	}
}

func TestFunctionsAndPprof(t *testing.T) {
	a, _, _ := newAgent(t, true)
	worker := hostenv.Thread{ID: 2, Name: "worker"}
	for _, th := range []hostenv.Thread{mainThread, worker} {
		a.OnMethodEntry(th, "X", "f")
		a.OnMethodExit(th, "X", "f", 10)
	}
	a.OnMethodEntry(worker, "X", "g")
	a.OnMethodExit(worker, "X", "g", 30)

	functions := a.Functions(0)
	names := make([]string, 0, len(functions))
	for _, f := range functions {
		names = append(names, f.Name)
	}
	if diff := testutil.Diff(names, []string{"X.g", "X.f"}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if functions[1].Count != 2 || functions[1].Sum != 20 {
		t.Fatalf("want X.f called twice for 20ns, got %d calls for %dns", functions[1].Count, functions[1].Sum)
	}

	p := a.Pprof()
	if err := p.CheckValid(); err != nil {
		t.Fatalf("invalid profile: %v", err)
	}
	if len(p.Sample) != 3 {
		t.Fatalf("want 3 samples, got %d", len(p.Sample))
	}
}

func TestDetach(t *testing.T) {
	a, _, _ := newAgent(t, true)
	a.OnMethodEntry(mainThread, "X", "f")
	a.Detach()
	if a.Arena().Len() != 0 {
		t.Fatalf("want no tree after detach, got %d", a.Arena().Len())
	}
	if a.TraceEnabled() {
		t.Fatalf("tracing should be disabled after detach")
	}
}
