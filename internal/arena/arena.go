package arena

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/getsentry/threadprof/internal/calltree"
	"github.com/getsentry/threadprof/internal/hostenv"
	"github.com/getsentry/threadprof/internal/render"
)

// TreeNotFound is rendered in place of a tree for threads never observed.
const TreeNotFound = "[call tree not found]"

// TreeArena maps threads to their call tree. One mutex serializes lookups,
// insertions, iterations and clearing. Trees themselves have no lock of
// their own: they are mutated through Update or by callers otherwise
// guaranteeing exclusive access.
type TreeArena struct {
	mu    sync.Mutex
	trees map[int64]*calltree.CallStackTree

	// OnMismatch is called, with the lock held, for every end-of-call event
	// that didn't match the open frame.
	OnMismatch func(thread hostenv.Thread, err *calltree.MismatchError)
}

func New() *TreeArena {
	return &TreeArena{trees: make(map[int64]*calltree.CallStackTree)}
}

func (a *TreeArena) getOrCreate(thread hostenv.Thread) *calltree.CallStackTree {
	t, ok := a.trees[thread.ID]
	if !ok {
		t = calltree.New(thread.ID, thread.Name)
		a.trees[thread.ID] = t
		log.Debug().
			Int64("thread_id", thread.ID).
			Str("thread_name", thread.Name).
			Int("trees", len(a.trees)).
			Msg("call tree created")
	}
	return t
}

// GetOrCreate returns the tree of the thread, creating an empty one the
// first time the thread is seen.
func (a *TreeArena) GetOrCreate(thread hostenv.Thread) *calltree.CallStackTree {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.getOrCreate(thread)
}

func (a *TreeArena) Get(threadID int64) (*calltree.CallStackTree, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.trees[threadID]
	return t, ok
}

// Update runs fn on the tree of the thread while holding the lock.
func (a *TreeArena) Update(thread hostenv.Thread, fn func(t *calltree.CallStackTree)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(a.getOrCreate(thread))
}

// View runs fn on an existing tree while holding the lock. It returns false
// if the thread has no tree.
func (a *TreeArena) View(threadID int64, fn func(t *calltree.CallStackTree)) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.trees[threadID]
	if !ok {
		return false
	}
	fn(t)
	return true
}

// ForEach calls fn for every tree, in thread id order, while holding the
// lock.
func (a *TreeArena) ForEach(fn func(threadID int64, t *calltree.CallStackTree)) {
	a.ViewAll(func(trees []*calltree.CallStackTree) {
		for _, t := range trees {
			fn(t.ThreadID(), t)
		}
	})
}

// ViewAll calls fn once with every tree, in thread id order, while holding
// the lock.
func (a *TreeArena) ViewAll(fn func(trees []*calltree.CallStackTree)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	trees := make([]*calltree.CallStackTree, 0, len(a.trees))
	for _, t := range a.trees {
		trees = append(trees, t)
	}
	sort.Slice(trees, func(i, j int) bool { return trees[i].ThreadID() < trees[j].ThreadID() })
	fn(trees)
}

func (a *TreeArena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.trees)
}

// Clear drops every tree.
func (a *TreeArena) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.trees)
	a.trees = make(map[int64]*calltree.CallStackTree)
	log.Info().Int("trees", n).Msg("call trees cleared")
}

func (a *TreeArena) BeginCall(thread hostenv.Thread, className, methodName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.getOrCreate(thread).BeginCall(className, methodName)
}

// EndCall closes the open frame of the thread. A mismatch is logged and
// otherwise ignored, the tree stays usable. Events for threads without a
// tree are dropped.
func (a *TreeArena) EndCall(thread hostenv.Thread, className, methodName string, duration int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.trees[thread.ID]
	if !ok {
		return nil
	}
	err := t.EndCall(className, methodName, duration)
	var mismatch *calltree.MismatchError
	if errors.As(err, &mismatch) {
		log.Warn().
			Int64("thread_id", thread.ID).
			Str("thread_name", thread.Name).
			Str("expected", mismatch.Expected).
			Str("actual", mismatch.Actual).
			Uint32("depth", mismatch.Depth).
			Bool("at_root", mismatch.AtRoot).
			Msg("pop call stack failed")
		if a.OnMismatch != nil {
			a.OnMismatch(thread, mismatch)
		}
	}
	return err
}

// FormatCallTree renders the tree of one thread.
func (a *TreeArena) FormatCallTree(threadID int64, compact bool) string {
	var b strings.Builder
	if !a.View(threadID, func(t *calltree.CallStackTree) {
		_ = render.CallTree(&b, t, compact)
	}) {
		return TreeNotFound
	}
	return b.String()
}
