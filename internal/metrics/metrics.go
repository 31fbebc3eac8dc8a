package metrics

import (
	"errors"
	"hash/fnv"
	"math"
	"sort"

	"github.com/getsentry/threadprof/internal/calltree"
)

type (
	// CallTreeFunction is the self time of one function collected over a
	// single call tree. A function appearing at several positions in the
	// tree contributes one value per position.
	CallTreeFunction struct {
		Fingerprint   uint32
		Function      string
		CallCount     uint64
		SelfTimesNS   []uint64
		SumSelfTimeNS uint64
	}

	FunctionsMetadata struct {
		MaxVal   uint64
		WorstID  string
		Examples []string
	}

	Aggregator struct {
		MaxUniqueFunctions uint
		MaxNumOfExamples   uint
		CallTreeFunctions  map[uint32]CallTreeFunction
		FunctionsMetadata  map[uint32]FunctionsMetadata
	}

	FunctionMetrics struct {
		Name        string   `json:"name"`
		Fingerprint uint64   `json:"fingerprint"`
		P75         uint64   `json:"p75"`
		P95         uint64   `json:"p95"`
		P99         uint64   `json:"p99"`
		Avg         float64  `json:"avg"`
		Sum         uint64   `json:"sum"`
		Count       uint64   `json:"count"`
		Worst       string   `json:"worst"`
		Examples    []string `json:"examples"`
	}
)

func Fingerprint(name string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(name))
	return h.Sum32()
}

// CollectFunctions returns the functions of a tree, in first seen order.
// The synthetic root is skipped.
func CollectFunctions(t *calltree.CallStackTree) []CallTreeFunction {
	index := make(map[string]int)
	var functions []CallTreeFunction
	t.Walk(func(n *calltree.TreeNode) bool {
		if !n.HasParent {
			return true
		}
		i, ok := index[n.Data.Name]
		if !ok {
			i = len(functions)
			index[n.Data.Name] = i
			functions = append(functions, CallTreeFunction{
				Fingerprint: Fingerprint(n.Data.Name),
				Function:    n.Data.Name,
			})
		}
		f := &functions[i]
		f.CallCount += n.Data.CallCount
		if n.Data.CallDuration > 0 {
			d := uint64(n.Data.CallDuration)
			f.SelfTimesNS = append(f.SelfTimesNS, d)
			f.SumSelfTimeNS += d
		}
		return true
	})
	return functions
}

func NewAggregator(MaxUniqueFunctions uint, MaxNumOfExamples uint) Aggregator {
	return Aggregator{
		MaxUniqueFunctions: MaxUniqueFunctions,
		MaxNumOfExamples:   MaxNumOfExamples,
		CallTreeFunctions:  make(map[uint32]CallTreeFunction),
		FunctionsMetadata:  make(map[uint32]FunctionsMetadata),
	}
}

// AddFunctions merges the functions of one tree, identified by ID (the
// thread id), into the aggregate.
func (ma *Aggregator) AddFunctions(functions []CallTreeFunction, ID string) {
	for _, f := range functions {
		if fn, ok := ma.CallTreeFunctions[f.Fingerprint]; ok {
			fn.CallCount += f.CallCount
			fn.SelfTimesNS = append(fn.SelfTimesNS, f.SelfTimesNS...)
			fn.SumSelfTimeNS += f.SumSelfTimeNS
			funcMetadata := ma.FunctionsMetadata[f.Fingerprint]
			if f.SumSelfTimeNS > funcMetadata.MaxVal {
				funcMetadata.MaxVal = f.SumSelfTimeNS
				funcMetadata.WorstID = ID
			}
			if len(funcMetadata.Examples) < int(ma.MaxNumOfExamples) {
				funcMetadata.Examples = append(funcMetadata.Examples, ID)
			}
			ma.FunctionsMetadata[f.Fingerprint] = funcMetadata
			ma.CallTreeFunctions[f.Fingerprint] = fn
		} else {
			f.SelfTimesNS = append([]uint64(nil), f.SelfTimesNS...)
			ma.CallTreeFunctions[f.Fingerprint] = f
			ma.FunctionsMetadata[f.Fingerprint] = FunctionsMetadata{
				MaxVal:   f.SumSelfTimeNS,
				WorstID:  ID,
				Examples: []string{ID},
			}
		}
	}
}

func (ma *Aggregator) ToMetrics() []FunctionMetrics {
	metrics := make([]FunctionMetrics, 0, len(ma.CallTreeFunctions))

	for _, f := range ma.CallTreeFunctions {
		sort.Slice(f.SelfTimesNS, func(i, j int) bool {
			return f.SelfTimesNS[i] < f.SelfTimesNS[j]
		})
		p75, _ := quantile(f.SelfTimesNS, 0.75)
		p95, _ := quantile(f.SelfTimesNS, 0.95)
		p99, _ := quantile(f.SelfTimesNS, 0.99)
		var avg float64
		if len(f.SelfTimesNS) > 0 {
			avg = float64(f.SumSelfTimeNS) / float64(len(f.SelfTimesNS))
		}
		metrics = append(metrics, FunctionMetrics{
			Name:        f.Function,
			Fingerprint: uint64(f.Fingerprint),
			P75:         p75,
			P95:         p95,
			P99:         p99,
			Avg:         avg,
			Sum:         f.SumSelfTimeNS,
			Count:       f.CallCount,
			Worst:       ma.FunctionsMetadata[f.Fingerprint].WorstID,
			Examples:    ma.FunctionsMetadata[f.Fingerprint].Examples,
		})
	}
	sort.Slice(metrics, func(i, j int) bool {
		if metrics[i].Sum != metrics[j].Sum {
			return metrics[i].Sum > metrics[j].Sum
		}
		return metrics[i].Name < metrics[j].Name
	})
	if len(metrics) > int(ma.MaxUniqueFunctions) {
		metrics = metrics[:ma.MaxUniqueFunctions]
	}
	return metrics
}

func quantile(values []uint64, q float64) (uint64, error) {
	if len(values) == 0 {
		return 0, errors.New("cannot compute percentile from empty list")
	}
	if q <= 0 || q > 1 {
		return 0, errors.New("q must be a value between 0 and 1.0")
	}
	index := int(math.Ceil(float64(len(values))*q)) - 1
	return values[index], nil
}
