package render

import (
	"bufio"
	"io"
	"strconv"

	"github.com/getsentry/threadprof/internal/calltree"
)

const indent = "  "

// Milliseconds formats a duration in nanoseconds as milliseconds.
func Milliseconds(ns int64) string {
	return strconv.FormatFloat(float64(ns)/1_000_000, 'f', -1, 64)
}

// CallTree writes one line per node, depth first from the root. In compact
// mode the depth is written as a leading number instead of indentation.
// The root, which is never called itself, shows the sum of its children's
// durations.
func CallTree(w io.Writer, t *calltree.CallStackTree, compact bool) error {
	bw := bufio.NewWriter(w)
	t.Walk(func(n *calltree.TreeNode) bool {
		writeNode(bw, t, n, compact)
		return true
	})
	return bw.Flush()
}

func writeNode(w *bufio.Writer, t *calltree.CallStackTree, n *calltree.TreeNode, compact bool) {
	if compact {
		w.WriteString(strconv.FormatUint(uint64(n.Data.Depth), 10))
		w.WriteByte(',')
	} else {
		for i := uint32(0); i < n.Data.Depth; i++ {
			w.WriteString(indent)
		}
	}
	duration := n.Data.CallDuration
	if !n.HasParent {
		duration = t.RootDuration()
	}
	w.WriteString(n.Data.Name)
	w.WriteString("[calls=")
	w.WriteString(strconv.FormatUint(n.Data.CallCount, 10))
	w.WriteString(", duration=")
	w.WriteString(Milliseconds(duration))
	w.WriteString("]\n")
}

// ThreadBlock writes the header line of a thread, with the duration
// accumulated over its whole tree, followed by the tree and a blank line.
func ThreadBlock(w io.Writer, t *calltree.CallStackTree, compact bool) error {
	bw := bufio.NewWriter(w)
	bw.WriteString("Thread: ")
	bw.WriteString(strconv.FormatInt(t.ThreadID(), 10))
	bw.WriteString(", ")
	bw.WriteString(t.Root().Data.Name)
	bw.WriteString(", ")
	bw.WriteString(Milliseconds(t.AccumulatedDuration()))
	bw.WriteByte('\n')
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := CallTree(w, t, compact); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}
