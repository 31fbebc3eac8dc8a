package render

import (
	"strconv"
	"time"

	"github.com/google/pprof/profile"

	"github.com/getsentry/threadprof/internal/calltree"
)

// Pprof converts call trees into a pprof profile. Every node with calls or
// time becomes one sample whose stack is the node's path from the root,
// innermost location first. Values are calls and exclusive CPU time.
func Pprof(trees []*calltree.CallStackTree, now time.Time) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "calls", Unit: "count"},
			{Type: "cpu", Unit: "nanoseconds"},
		},
		PeriodType: &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
		TimeNanos:  now.UnixNano(),
	}

	functions := make(map[string]*profile.Function)
	function := func(name string) *profile.Function {
		fn, ok := functions[name]
		if !ok {
			fn = &profile.Function{
				ID:         uint64(len(p.Function) + 1),
				Name:       name,
				SystemName: name,
			}
			functions[name] = fn
			p.Function = append(p.Function, fn)
		}
		return fn
	}

	for _, t := range trees {
		// node id -> location, per tree since ids are only unique in a tree
		locations := make([]*profile.Location, t.Len())
		thread := strconv.FormatInt(t.ThreadID(), 10)
		threadName := t.Root().Data.Name
		t.Walk(func(n *calltree.TreeNode) bool {
			if !n.HasParent {
				return true
			}
			loc := &profile.Location{
				ID:   uint64(len(p.Location) + 1),
				Line: []profile.Line{{Function: function(n.Data.Name)}},
			}
			locations[n.Data.ID] = loc
			p.Location = append(p.Location, loc)

			if n.Data.CallCount == 0 && n.Data.CallDuration == 0 {
				return true
			}
			path := t.Path(n.Data.ID)
			stack := make([]*profile.Location, 0, len(path)-1)
			for i := len(path) - 1; i > 0; i-- {
				stack = append(stack, locations[path[i]])
			}
			p.Sample = append(p.Sample, &profile.Sample{
				Location: stack,
				Value:    []int64{int64(n.Data.CallCount), n.Data.CallDuration},
				Label: map[string][]string{
					"thread":      {thread},
					"thread_name": {threadName},
				},
			})
			return true
		})
	}
	return p
}
