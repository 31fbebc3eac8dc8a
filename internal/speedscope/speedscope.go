package speedscope

import (
	"sort"

	"github.com/getsentry/threadprof/internal/calltree"
)

const (
	Schema = "https://www.speedscope.app/file-format-schema.json"

	ValueUnitNanoseconds ValueUnit = "nanoseconds"

	ProfileTypeSampled ProfileType = "sampled"
)

type (
	Frame struct {
		Name string `json:"name"`
	}

	SampledProfile struct {
		EndValue   uint64      `json:"endValue"`
		Name       string      `json:"name"`
		Samples    [][]int     `json:"samples"`
		StartValue uint64      `json:"startValue"`
		ThreadID   int64       `json:"threadID"`
		Type       ProfileType `json:"type"`
		Unit       ValueUnit   `json:"unit"`
		Weights    []uint64    `json:"weights"`
	}

	SharedData struct {
		Frames []Frame `json:"frames"`
	}

	ProfileType string
	ValueUnit   string

	Output struct {
		Schema             string           `json:"$schema"`
		ActiveProfileIndex int              `json:"activeProfileIndex"`
		Exporter           string           `json:"exporter"`
		Name               string           `json:"name"`
		Profiles           []SampledProfile `json:"profiles"`
		Shared             SharedData       `json:"shared"`
	}
)

// FromCallTrees builds one sampled profile per tree. Every node with CPU
// time becomes a sample, its stack being the path from the thread root,
// outermost frame first, weighted by the node's own duration.
func FromCallTrees(trees []*calltree.CallStackTree, name string) Output {
	o := Output{
		Schema:   Schema,
		Exporter: "threadprof",
		Name:     name,
		Profiles: make([]SampledProfile, 0, len(trees)),
	}
	frameIndex := make(map[string]int)
	frame := func(name string) int {
		i, ok := frameIndex[name]
		if !ok {
			i = len(o.Shared.Frames)
			frameIndex[name] = i
			o.Shared.Frames = append(o.Shared.Frames, Frame{Name: name})
		}
		return i
	}

	for _, t := range trees {
		p := SampledProfile{
			Name:     t.Root().Data.Name,
			Samples:  [][]int{},
			ThreadID: t.ThreadID(),
			Type:     ProfileTypeSampled,
			Unit:     ValueUnitNanoseconds,
			Weights:  []uint64{},
		}
		t.Walk(func(n *calltree.TreeNode) bool {
			if !n.HasParent || n.Data.CallDuration <= 0 {
				return true
			}
			path := t.Path(n.Data.ID)[1:]
			stack := make([]int, 0, len(path))
			for _, id := range path {
				stack = append(stack, frame(t.Node(id).Data.Name))
			}
			p.Samples = append(p.Samples, stack)
			p.Weights = append(p.Weights, uint64(n.Data.CallDuration))
			p.EndValue += uint64(n.Data.CallDuration)
			return true
		})
		o.Profiles = append(o.Profiles, p)
	}
	return o
}

// SortSamplesForFlamegraph orders the samples of every profile by frame
// name so identical stacks end up next to each other.
func (o *Output) SortSamplesForFlamegraph() {
	for i := range o.Profiles {
		p := &o.Profiles[i]
		order := make([]int, len(p.Samples))
		for j := range order {
			order[j] = j
		}
		sort.SliceStable(order, func(a, b int) bool {
			return lessStack(p.Samples[order[a]], p.Samples[order[b]], o.Shared.Frames)
		})
		samples := make([][]int, len(order))
		weights := make([]uint64, len(order))
		for j, k := range order {
			samples[j] = p.Samples[k]
			weights[j] = p.Weights[k]
		}
		p.Samples, p.Weights = samples, weights
	}
}

func lessStack(a, b []int, frames []Frame) bool {
	for c := 0; ; c++ {
		if len(a) == c {
			return len(b) > c
		} else if len(b) == c {
			return false
		}
		if frames[a[c]].Name != frames[b[c]].Name {
			return frames[a[c]].Name < frames[b[c]].Name
		}
	}
}
