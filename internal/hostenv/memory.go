package hostenv

import (
	"fmt"
	"sort"
	"sync"

	"github.com/getsentry/threadprof/internal/errorutil"
	"github.com/getsentry/threadprof/internal/method"
)

type (
	methodDef struct {
		name    string
		classID method.ClassID
	}

	threadState struct {
		info    Thread
		cpuTime int64
		state   string
		frames  []method.Handle
	}

	// Memory is an Environment fed from recorded or streamed events instead
	// of a live runtime. It is safe for concurrent use.
	Memory struct {
		mu sync.RWMutex

		threads  map[int64]*threadState
		methods  map[method.Handle]methodDef
		classes  map[method.ClassID]string
		classIDs map[string]method.ClassID
		failures map[method.Handle]error
		lookups  map[method.Handle]int
	}
)

var _ Environment = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		threads:  make(map[int64]*threadState),
		methods:  make(map[method.Handle]methodDef),
		classes:  make(map[method.ClassID]string),
		classIDs: make(map[string]method.ClassID),
		failures: make(map[method.Handle]error),
		lookups:  make(map[method.Handle]int),
	}
}

func (m *Memory) thread(id int64) *threadState {
	ts, ok := m.threads[id]
	if !ok {
		ts = &threadState{info: Thread{ID: id}}
		m.threads[id] = ts
	}
	return ts
}

func (m *Memory) SetThread(t Thread) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thread(t.ID).info = t
}

func (m *Memory) RemoveThread(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, id)
}

func (m *Memory) SetCPUTime(threadID, ns int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thread(threadID).cpuTime = ns
}

// SetStack records the current stack of a thread, innermost frame first.
func (m *Memory) SetStack(threadID int64, state string, frames ...method.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.thread(threadID)
	ts.state = state
	ts.frames = append(ts.frames[:0], frames...)
}

// DefineMethod registers a method handle with the JNI signature of its
// declaring class, e.g. "Lcom/acme/Foo;".
func (m *Memory) DefineMethod(h method.Handle, classSignature, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.classIDs[classSignature]
	if !ok {
		id = method.ClassID(len(m.classIDs) + 1)
		m.classIDs[classSignature] = id
		m.classes[id] = classSignature
	}
	m.methods[h] = methodDef{name: name, classID: id}
}

// FailMethod makes lookups of h fail with err until ClearFailure is called.
func (m *Memory) FailMethod(h method.Handle, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[h] = err
}

func (m *Memory) ClearFailure(h method.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, h)
}

// Lookups returns how many times the name of h was looked up.
func (m *Memory) Lookups(h method.Handle) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookups[h]
}

func (m *Memory) MethodName(h method.Handle) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups[h]++
	if err, ok := m.failures[h]; ok {
		return "", err
	}
	def, ok := m.methods[h]
	if !ok {
		return "", fmt.Errorf("invalid method handle %s", h)
	}
	return def.name, nil
}

func (m *Memory) MethodDeclaringClass(h method.Handle) (method.ClassID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.methods[h]
	if !ok {
		return 0, fmt.Errorf("invalid method handle %s", h)
	}
	return def.classID, nil
}

func (m *Memory) ClassSignature(c method.ClassID) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sig, ok := m.classes[c]
	if !ok {
		return "", fmt.Errorf("invalid class %d", c)
	}
	return sig, nil
}

func (m *Memory) ThreadInfo(threadID int64) (Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.threads[threadID]
	if !ok {
		return Thread{}, fmt.Errorf("%w: %d", errorutil.ErrUnknownThread, threadID)
	}
	return ts.info, nil
}

func (m *Memory) ThreadCPUTime(threadID int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.threads[threadID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", errorutil.ErrUnknownThread, threadID)
	}
	return ts.cpuTime, nil
}

// AllStackTraces returns the stack of every known thread, ordered by
// thread id.
func (m *Memory) AllStackTraces() ([]StackTrace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	traces := make([]StackTrace, 0, len(m.threads))
	for _, ts := range m.threads {
		frames := make([]method.Handle, len(ts.frames))
		copy(frames, ts.frames)
		traces = append(traces, StackTrace{Thread: ts.info, State: ts.state, Frames: frames})
	}
	sort.Slice(traces, func(i, j int) bool {
		return traces[i].Thread.ID < traces[j].Thread.ID
	})
	return traces, nil
}
