package arena

import (
	"errors"
	"sync"
	"testing"

	"github.com/getsentry/threadprof/internal/calltree"
	"github.com/getsentry/threadprof/internal/errorutil"
	"github.com/getsentry/threadprof/internal/hostenv"
	"github.com/getsentry/threadprof/internal/testutil"
)

var (
	mainThread = hostenv.Thread{ID: 1, Name: "main"}
	worker     = hostenv.Thread{ID: 2, Name: "worker"}
)

func TestGetOrCreate(t *testing.T) {
	a := New()
	if _, ok := a.Get(mainThread.ID); ok {
		t.Fatalf("no tree expected before the first event")
	}
	first := a.GetOrCreate(mainThread)
	second := a.GetOrCreate(mainThread)
	if first != second {
		t.Fatalf("GetOrCreate should return the existing tree")
	}
	if first.Len() != 1 || first.Root().Data.Name != "main" {
		t.Fatalf("new tree should only hold a root named after the thread")
	}
	if got, ok := a.Get(mainThread.ID); !ok || got != first {
		t.Fatalf("Get should find the created tree")
	}
	if a.Len() != 1 {
		t.Fatalf("want 1 tree, got %d", a.Len())
	}
}

func TestBeginEndCall(t *testing.T) {
	a := New()
	var mismatches []string
	a.OnMismatch = func(thread hostenv.Thread, err *calltree.MismatchError) {
		mismatches = append(mismatches, err.Actual)
	}

	a.BeginCall(mainThread, "X", "f")
	a.BeginCall(worker, "Y", "g")
	if err := a.EndCall(mainThread, "X", "f", 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.EndCall(worker, "Y", "h", 10); !errors.Is(err, errorutil.ErrProtocolMismatch) {
		t.Fatalf("expected a mismatch, got %v", err)
	}
	if err := a.EndCall(hostenv.Thread{ID: 3}, "Z", "z", 10); err != nil {
		t.Fatalf("events for unknown threads are dropped, got %v", err)
	}

	want := map[int64]string{
		1: "main[calls=0, duration=0.00001]\n  X.f[calls=1, duration=0.00001]\n",
		2: "worker[calls=0, duration=0]\n  Y.g[calls=0, duration=0]\n",
	}
	got := make(map[int64]string)
	for id := range want {
		got[id] = a.FormatCallTree(id, false)
	}
	if diff := testutil.Diff(got, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if diff := testutil.Diff(mismatches, []string{"Y.h"}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestFormatUnknownThread(t *testing.T) {
	if got := New().FormatCallTree(42, true); got != TreeNotFound {
		t.Fatalf("want %q, got %q", TreeNotFound, got)
	}
}

func TestForEachAndClear(t *testing.T) {
	a := New()
	for _, th := range []hostenv.Thread{worker, mainThread, {ID: 3, Name: "gc"}} {
		a.GetOrCreate(th)
	}
	var ids []int64
	a.ForEach(func(id int64, _ *calltree.CallStackTree) {
		ids = append(ids, id)
	})
	if diff := testutil.Diff(ids, []int64{1, 2, 3}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	a.Clear()
	if a.Len() != 0 {
		t.Fatalf("want no tree after Clear, got %d", a.Len())
	}
	if a.View(mainThread.ID, func(*calltree.CallStackTree) {}) {
		t.Fatalf("View should not find cleared trees")
	}
}

func TestConcurrentThreads(t *testing.T) {
	a := New()
	var wg sync.WaitGroup
	for i := int64(1); i <= 8; i++ {
		wg.Add(1)
		go func(th hostenv.Thread) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				a.BeginCall(th, "X", "f")
				a.BeginCall(th, "X", "g")
				_ = a.EndCall(th, "X", "g", 1)
				_ = a.EndCall(th, "X", "f", 1)
			}
		}(hostenv.Thread{ID: i})
	}
	wg.Wait()

	a.ForEach(func(id int64, tree *calltree.CallStackTree) {
		if tree.Top() != calltree.RootID {
			t.Errorf("thread %d: cursor not back at the root", id)
		}
		if got := tree.Node(1).Data.CallCount; got != 100 {
			t.Errorf("thread %d: want 100 calls, got %d", id, got)
		}
	})
}
