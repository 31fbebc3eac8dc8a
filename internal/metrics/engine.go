package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/getsentry/threadprof/internal/method"
)

const namespace = "threadprof"

// Engine holds the counters of the aggregation engine.
type Engine struct {
	samples    *prometheus.CounterVec
	events     *prometheus.CounterVec
	mismatches prometheus.Counter
	gcPauses   prometheus.Counter
	gcPauseSec prometheus.Counter
}

func NewEngine() *Engine {
	return &Engine{
		samples: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "samples_total",
				Help:      "Stack samples reconciled, by outcome",
			},
			[]string{"result"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Runtime events received, by type",
			},
			[]string{"type"},
		),
		mismatches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "protocol_mismatches_total",
				Help:      "End of call events not matching the open frame",
			},
		),
		gcPauses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gc_pauses_total",
				Help:      "Garbage collections of the runtime",
			},
		),
		gcPauseSec: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gc_pause_seconds_total",
				Help:      "Time the runtime spent in garbage collections",
			},
		),
	}
}

func (e *Engine) ObserveSample(result string) {
	e.samples.WithLabelValues(result).Inc()
}

func (e *Engine) ObserveEvent(eventType string) {
	e.events.WithLabelValues(eventType).Inc()
}

func (e *Engine) ObserveMismatch() {
	e.mismatches.Inc()
}

func (e *Engine) ObserveGCPause(d time.Duration) {
	e.gcPauses.Inc()
	e.gcPauseSec.Add(d.Seconds())
}

// Register registers the engine counters along with gauges reading the
// resolver cache and the number of trees.
func (e *Engine) Register(reg prometheus.Registerer, resolver *method.Resolver, trees func() int) error {
	collectors := []prometheus.Collector{
		e.samples,
		e.events,
		e.mismatches,
		e.gcPauses,
		e.gcPauseSec,
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "call_trees",
				Help:      "Threads with a call tree",
			},
			func() float64 { return float64(trees()) },
		),
	}
	if resolver != nil {
		collectors = append(collectors,
			prometheus.NewCounterFunc(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "method_cache_hits_total",
					Help:      "Method name lookups served from the cache",
				},
				func() float64 { return float64(resolver.Stats().Hits) },
			),
			prometheus.NewCounterFunc(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "method_cache_misses_total",
					Help:      "Method name lookups sent to the runtime",
				},
				func() float64 { return float64(resolver.Stats().Misses) },
			),
			prometheus.NewCounterFunc(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "method_resolution_failures_total",
					Help:      "Method name lookups the runtime couldn't answer",
				},
				func() float64 { return float64(resolver.Stats().Failures) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "method_cache_size",
					Help:      "Method names currently cached",
				},
				func() float64 { return float64(resolver.Len()) },
			),
		)
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
