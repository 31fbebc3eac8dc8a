package ingest

import (
	"errors"

	"github.com/getsentry/threadprof/internal/agent"
	"github.com/getsentry/threadprof/internal/hostenv"
)

// Dispatcher replays events on an agent. The in-memory environment is
// kept in sync with the events so the agent can query thread state and
// method names as it would on a live runtime.
type Dispatcher struct {
	agent *agent.Agent
	env   *hostenv.Memory
}

func NewDispatcher(a *agent.Agent, env *hostenv.Memory) *Dispatcher {
	return &Dispatcher{agent: a, env: env}
}

func (d *Dispatcher) Dispatch(e Event) error {
	if err := e.validate(); err != nil {
		return err
	}
	switch e.Type {
	case DefineMethod:
		d.env.DefineMethod(e.Handle, e.ClassSignature, e.Method)
		d.agent.Resolver().Forget(e.Handle)
	case ThreadStart:
		d.env.SetThread(e.Thread)
		d.agent.OnThreadStart(e.Thread)
	case ThreadEnd:
		d.agent.OnThreadEnd(e.Thread)
		d.env.RemoveThread(e.Thread.ID)
	case MethodEntry:
		d.agent.OnMethodEntry(e.Thread, e.Class, e.Method)
	case MethodExit:
		var duration int64
		if e.DurationNS != nil {
			duration = *e.DurationNS
		}
		d.agent.OnMethodExit(e.Thread, e.Class, e.Method, duration)
	case StackSample:
		if e.Thread.Name != "" {
			d.env.SetThread(e.Thread)
		}
		d.env.SetCPUTime(e.Thread.ID, e.CPUTimeNS)
		d.env.SetStack(e.Thread.ID, e.State, e.Frames...)
		d.agent.OnStackSample(e.Thread, e.CPUTimeNS, e.Frames)
	case MonitorContendedEnter:
		d.agent.OnMonitorContendedEnter(e.Thread, e.Object)
	case MonitorContendedEntered:
		d.agent.OnMonitorContendedEntered(e.Thread, e.Object)
	case MonitorWait:
		d.agent.OnMonitorWait(e.Thread, e.Object, e.timeout())
	case MonitorWaited:
		d.agent.OnMonitorWaited(e.Thread, e.Object, e.TimedOut)
	case GCStart:
		d.agent.OnGarbageCollectionStart()
	case GCFinish:
		d.agent.OnGarbageCollectionFinish()
	}
	return nil
}

// DispatchAll dispatches every valid event. It returns how many were
// dispatched along with the errors of the rejected ones.
func (d *Dispatcher) DispatchAll(events []Event) (int, error) {
	var (
		n    int
		errs []error
	)
	for _, e := range events {
		if err := d.Dispatch(e); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}
