package render

import (
	"bytes"
	"testing"
	"time"

	"github.com/getsentry/threadprof/internal/calltree"
	"github.com/getsentry/threadprof/internal/testutil"
)

func newTree(t *testing.T) *calltree.CallStackTree {
	tree := calltree.New(7, "worker-1")
	tree.BeginCall("X", "f")
	tree.BeginCall("X", "g")
	mustEnd(t, tree, "X", "g", 1_500_000)
	mustEnd(t, tree, "X", "f", 2_000_000)
	tree.BeginCall("Y", "h")
	mustEnd(t, tree, "Y", "h", 250_000)
	return tree
}

func mustEnd(t *testing.T, tree *calltree.CallStackTree, class, method string, d int64) {
	t.Helper()
	if err := tree.EndCall(class, method, d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func callTree(t *testing.T, tree *calltree.CallStackTree, compact bool) string {
	t.Helper()
	var b bytes.Buffer
	if err := CallTree(&b, tree, compact); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return b.String()
}

func TestCallTree(t *testing.T) {
	tests := []struct {
		name    string
		compact bool
		want    string
	}{
		{
			name: "indented",
			want: "worker-1[calls=0, duration=2.25]\n" +
				"  X.f[calls=1, duration=2]\n" +
				"    X.g[calls=1, duration=1.5]\n" +
				"  Y.h[calls=1, duration=0.25]\n",
		},
		{
			name:    "compact",
			compact: true,
			want: "0,worker-1[calls=0, duration=2.25]\n" +
				"1,X.f[calls=1, duration=2]\n" +
				"2,X.g[calls=1, duration=1.5]\n" +
				"1,Y.h[calls=1, duration=0.25]\n",
		},
	}
	tree := newTree(t)
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if diff := testutil.Diff(callTree(t, tree, test.compact), test.want); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}
}

func TestCallTreeIsIdempotent(t *testing.T) {
	tree := newTree(t)
	top := tree.Top()
	first := callTree(t, tree, false)
	second := callTree(t, tree, false)
	if first != second {
		t.Fatalf("rendering twice differs:\n%s\n%s", first, second)
	}
	if tree.Top() != top {
		t.Fatalf("rendering moved the cursor")
	}
}

func TestThreadBlock(t *testing.T) {
	var b bytes.Buffer
	if err := ThreadBlock(&b, newTree(t), true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "Thread: 7, worker-1, 3.75\n" +
		"0,worker-1[calls=0, duration=2.25]\n" +
		"1,X.f[calls=1, duration=2]\n" +
		"2,X.g[calls=1, duration=1.5]\n" +
		"1,Y.h[calls=1, duration=0.25]\n" +
		"\n"
	if diff := testutil.Diff(b.String(), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestThreadBlockSampledTree(t *testing.T) {
	tree := calltree.New(1, "main")
	sample := func(cpuTime int64) {
		tree.ResetTopCallStackNode()
		tree.BeginCallByHandle(0xa)
		tree.BeginCallByHandle(0xb)
		tree.EndLastCall(cpuTime)
	}
	sample(1_000_000)
	sample(4_000_000)

	var b bytes.Buffer
	if err := ThreadBlock(&b, tree, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "Thread: 1, main, 3\n" +
		"main[calls=0, duration=0]\n" +
		"  <unresolved 0xa>[calls=0, duration=0]\n" +
		"    <unresolved 0xb>[calls=2, duration=3]\n" +
		"\n"
	if diff := testutil.Diff(b.String(), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestPprof(t *testing.T) {
	p := Pprof([]*calltree.CallStackTree{newTree(t)}, time.Unix(0, 0))
	if err := p.CheckValid(); err != nil {
		t.Fatalf("invalid profile: %v", err)
	}

	type sample struct {
		Stack  []string
		Values []int64
	}
	var got []sample
	for _, s := range p.Sample {
		var stack []string
		for _, loc := range s.Location {
			stack = append(stack, loc.Line[0].Function.Name)
		}
		got = append(got, sample{Stack: stack, Values: s.Value})
	}
	want := []sample{
		{Stack: []string{"X.f"}, Values: []int64{1, 2_000_000}},
		{Stack: []string{"X.g", "X.f"}, Values: []int64{1, 1_500_000}},
		{Stack: []string{"Y.h"}, Values: []int64{1, 250_000}},
	}
	if diff := testutil.Diff(got, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if len(p.Function) != 3 {
		t.Fatalf("want 3 functions, got %d", len(p.Function))
	}
}
