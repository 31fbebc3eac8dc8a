package hostenv

import (
	"errors"
	"testing"

	"github.com/getsentry/threadprof/internal/errorutil"
	"github.com/getsentry/threadprof/internal/method"
	"github.com/getsentry/threadprof/internal/testutil"
)

func TestMemoryThreads(t *testing.T) {
	m := NewMemory()
	m.SetThread(Thread{ID: 2, Name: "worker", IsDaemon: true})
	m.SetThread(Thread{ID: 1, Name: "main", Priority: 5})
	m.SetCPUTime(1, 1000)
	m.SetStack(1, "RUNNABLE", 0xb, 0xa)

	info, err := m.ThreadInfo(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := testutil.Diff(info, Thread{ID: 1, Name: "main", Priority: 5}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	traces, err := m.AllStackTraces()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []StackTrace{
		{Thread: Thread{ID: 1, Name: "main", Priority: 5}, State: "RUNNABLE", Frames: []method.Handle{0xb, 0xa}},
		{Thread: Thread{ID: 2, Name: "worker", IsDaemon: true}, Frames: []method.Handle{}},
	}
	if diff := testutil.Diff(traces, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	m.RemoveThread(1)
	if _, err := m.ThreadCPUTime(1); !errors.Is(err, errorutil.ErrUnknownThread) {
		t.Fatalf("want %v, got %v", errorutil.ErrUnknownThread, err)
	}
	if _, err := m.ThreadInfo(1); !errors.Is(err, errorutil.ErrUnknownThread) {
		t.Fatalf("want %v, got %v", errorutil.ErrUnknownThread, err)
	}
}

func TestMemoryMethods(t *testing.T) {
	m := NewMemory()
	m.DefineMethod(0xa, "Lcom/acme/A;", "a")
	m.DefineMethod(0xb, "Lcom/acme/A;", "b")

	ca, err := m.MethodDeclaringClass(0xa)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cb, _ := m.MethodDeclaringClass(0xb)
	if ca != cb {
		t.Fatalf("methods of the same class should share the class id")
	}
	sig, err := m.ClassSignature(ca)
	if err != nil || sig != "Lcom/acme/A;" {
		t.Fatalf("want Lcom/acme/A;, got %q (%v)", sig, err)
	}

	failure := errors.New("invalid methodID")
	m.FailMethod(0xa, failure)
	if _, err := m.MethodName(0xa); !errors.Is(err, failure) {
		t.Fatalf("want %v, got %v", failure, err)
	}
	m.ClearFailure(0xa)
	if name, err := m.MethodName(0xa); err != nil || name != "a" {
		t.Fatalf("want a, got %q (%v)", name, err)
	}
	if _, err := m.MethodName(0xc); err == nil {
		t.Fatalf("expected an error for an unknown handle")
	}
	if got := m.Lookups(0xa); got != 2 {
		t.Fatalf("want 2 lookups, got %d", got)
	}
}
