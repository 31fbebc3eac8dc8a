package calltree

import (
	"fmt"

	"github.com/getsentry/threadprof/internal/errorutil"
	"github.com/getsentry/threadprof/internal/method"
)

// RootID is the index of the synthetic root node of every tree.
const RootID NodeID = 0

type (
	// NodeID indexes a node inside the NodeStore of its own tree.
	NodeID int

	NodeData struct {
		ID           NodeID
		Depth        uint32
		Name         string
		CallCount    uint64
		CallDuration int64
		ChildrenSize uint32
	}

	// childKey identifies a child either by resolved call key or by raw
	// method handle, so both kinds can live side by side under one parent.
	childKey struct {
		name     string
		handle   method.Handle
		isHandle bool
	}

	TreeNode struct {
		Data      NodeData
		Parent    NodeID
		HasParent bool

		children map[childKey]NodeID
		order    []NodeID
	}

	// NodeStore owns all the nodes of one tree. Nodes are only appended.
	NodeStore struct {
		nodes []TreeNode
	}

	// CallStackTree is the call tree of one thread. It is not safe for
	// concurrent use, callers serialize access (see arena.TreeArena).
	CallStackTree struct {
		store NodeStore
		top   NodeID

		totalDuration int64
		threadID      int64
	}

	MismatchError struct {
		Expected string
		Actual   string
		Depth    uint32
		AtRoot   bool
	}
)

func (e *MismatchError) Error() string {
	if e.AtRoot {
		return fmt.Sprintf("%s: end of %q with no open call", errorutil.ErrProtocolMismatch, e.Actual)
	}
	return fmt.Sprintf("%s: end of %q while %q is open at depth %d", errorutil.ErrProtocolMismatch, e.Actual, e.Expected, e.Depth)
}

func (e *MismatchError) Is(target error) bool {
	return target == errorutil.ErrProtocolMismatch
}

func (n *TreeNode) child(k childKey) (NodeID, bool) {
	id, ok := n.children[k]
	return id, ok
}

// Children returns the direct children in creation order.
func (n *TreeNode) Children() []NodeID {
	return n.order
}

func (s *NodeStore) Len() int {
	return len(s.nodes)
}

func (s *NodeStore) Get(id NodeID) *TreeNode {
	return &s.nodes[id]
}

func (s *NodeStore) push(parent NodeID, k childKey, name string) NodeID {
	id := NodeID(len(s.nodes))
	p := &s.nodes[parent]
	if p.children == nil {
		p.children = make(map[childKey]NodeID)
	}
	p.children[k] = id
	p.order = append(p.order, id)
	p.Data.ChildrenSize++
	s.nodes = append(s.nodes, TreeNode{
		Data: NodeData{
			ID:    id,
			Depth: p.Data.Depth + 1,
			Name:  name,
		},
		Parent:    parent,
		HasParent: true,
	})
	return id
}

func New(threadID int64, threadName string) *CallStackTree {
	return &CallStackTree{
		store: NodeStore{
			nodes: []TreeNode{{Data: NodeData{ID: RootID, Name: threadName}}},
		},
		top:      RootID,
		threadID: threadID,
	}
}

func (t *CallStackTree) ThreadID() int64 {
	return t.threadID
}

// TotalDuration is the last cumulative CPU time reading accounted.
func (t *CallStackTree) TotalDuration() int64 {
	return t.totalDuration
}

func (t *CallStackTree) Len() int {
	return t.store.Len()
}

func (t *CallStackTree) Node(id NodeID) *TreeNode {
	return t.store.Get(id)
}

func (t *CallStackTree) Root() *TreeNode {
	return t.store.Get(RootID)
}

func (t *CallStackTree) Top() NodeID {
	return t.top
}

func (t *CallStackTree) topNode() *TreeNode {
	return t.store.Get(t.top)
}

// BeginCall moves the cursor to the child of the current frame named after
// the call, creating it the first time this call path is seen.
func (t *CallStackTree) BeginCall(className, methodName string) NodeID {
	name := method.Key(className, methodName)
	k := childKey{name: name}
	if id, ok := t.topNode().child(k); ok {
		t.top = id
		return id
	}
	t.top = t.store.push(t.top, k, name)
	return t.top
}

// EndCall closes the current frame. The call has to match the frame the
// cursor is on, otherwise nothing changes and a *MismatchError is returned.
func (t *CallStackTree) EndCall(className, methodName string, duration int64) error {
	name := method.Key(className, methodName)
	n := t.topNode()
	if !n.HasParent {
		return &MismatchError{Expected: n.Data.Name, Actual: name, AtRoot: true}
	}
	if n.Data.Name != name {
		return &MismatchError{Expected: n.Data.Name, Actual: name, Depth: n.Data.Depth}
	}
	if duration > 0 {
		n.Data.CallDuration += duration
	}
	n.Data.CallCount++
	t.top = n.Parent
	return nil
}

// ResetTopCallStackNode moves the cursor back to the root before a new
// stack sample is reconciled.
func (t *CallStackTree) ResetTopCallStackNode() {
	t.top = RootID
}

// BeginCallByHandle moves the cursor to the child keyed by the raw handle.
// A new node gets a placeholder name and created is true; the caller is
// expected to resolve the handle later and call SetName.
func (t *CallStackTree) BeginCallByHandle(h method.Handle) (id NodeID, created bool) {
	k := childKey{handle: h, isHandle: true}
	if id, ok := t.topNode().child(k); ok {
		t.top = id
		return id, false
	}
	t.top = t.store.push(t.top, k, method.Placeholder(h))
	return t.top, true
}

// SetName replaces the display name of a node. The key under which the
// node is registered in its parent doesn't change.
func (t *CallStackTree) SetName(id NodeID, name string) {
	if id == RootID || int(id) >= t.store.Len() {
		return
	}
	t.store.Get(id).Data.Name = name
}

// EndLastCall accounts a sample on the node under the cursor. The CPU time
// elapsed since the previous sample is credited to it, except for the
// first sample of the thread whose delta would include time spent before
// the thread was observed.
func (t *CallStackTree) EndLastCall(totalCPUTime int64) {
	n := t.topNode()
	if t.totalDuration > 0 && totalCPUTime > t.totalDuration {
		n.Data.CallDuration += totalCPUTime - t.totalDuration
	}
	n.Data.CallCount++
	if totalCPUTime > t.totalDuration {
		t.totalDuration = totalCPUTime
	}
}

// RootDuration is the sum of the durations of the root's direct children.
func (t *CallStackTree) RootDuration() int64 {
	var d int64
	for _, id := range t.Root().order {
		d += t.store.Get(id).Data.CallDuration
	}
	return d
}

// AccumulatedDuration is the sum of the durations of every node, root
// included.
func (t *CallStackTree) AccumulatedDuration() int64 {
	var d int64
	for i := range t.store.nodes {
		d += t.store.nodes[i].Data.CallDuration
	}
	return d
}

// Walk visits the tree depth first, pre-order, children in creation order.
// Returning false from fn skips the subtree of the node.
func (t *CallStackTree) Walk(fn func(n *TreeNode) bool) {
	t.walk(RootID, fn)
}

func (t *CallStackTree) walk(id NodeID, fn func(n *TreeNode) bool) {
	n := t.store.Get(id)
	if !fn(n) {
		return
	}
	for _, c := range n.order {
		t.walk(c, fn)
	}
}

// Path returns the ids from the root down to id, root included.
func (t *CallStackTree) Path(id NodeID) []NodeID {
	n := t.store.Get(id)
	path := make([]NodeID, n.Data.Depth+1)
	for i := int(n.Data.Depth); i >= 0; i-- {
		path[i] = n.Data.ID
		if !n.HasParent {
			break
		}
		n = t.store.Get(n.Parent)
	}
	return path
}
