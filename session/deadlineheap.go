package session

import (
	"time"

	rbtree "github.com/twmb/go-rbtree"
)

// deadlineItem orders pendingRequests by deadline for the single-timer
// min-heap described in §4.C: "a per-session min-heap of deadlines drives a
// single timer; expired entries are removed and their completions invoked
// with Kind::Timeout. No per-request timer thread."
//
// An intrusive red-black tree (the teacher's declared but previously-unused
// github.com/twmb/go-rbtree dependency) gives O(log n) insert, arbitrary-node
// delete, and min-peek, which a plain container/heap cannot do without
// tracking each element's heap index by hand.
// rbtreeNode aliases the library's node type so the rest of the package can
// hold a handle to a heap entry (for O(log n) removal on completion)
// without importing the rbtree package directly.
type rbtreeNode = rbtree.Node

type deadlineItem struct {
	deadline time.Time
	req      *pendingRequest
}

func (d *deadlineItem) Less(than rbtree.Item) bool {
	return d.deadline.Before(than.(*deadlineItem).deadline)
}

type deadlineHeap struct {
	tree rbtree.Tree
}

// insert adds req and returns the node handle the caller must keep to
// remove req later (on completion, before its deadline fires).
func (h *deadlineHeap) insert(req *pendingRequest) *rbtree.Node {
	return h.tree.Insert(&deadlineItem{deadline: req.deadline, req: req})
}

// remove drops a previously-inserted node. Safe to call with nil.
func (h *deadlineHeap) remove(n *rbtree.Node) {
	if n != nil {
		h.tree.Delete(n)
	}
}

// nextDeadline returns the soonest outstanding deadline, or the zero Time if
// the heap is empty.
func (h *deadlineHeap) nextDeadline() time.Time {
	n := h.tree.Min()
	if n == nil {
		return time.Time{}
	}
	return n.Item.(*deadlineItem).deadline
}

// popExpired removes and returns every request whose deadline is <= now.
func (h *deadlineHeap) popExpired(now time.Time) []*pendingRequest {
	var expired []*pendingRequest
	for {
		n := h.tree.Min()
		if n == nil {
			break
		}
		item := n.Item.(*deadlineItem)
		if item.deadline.After(now) {
			break
		}
		h.tree.Delete(n)
		expired = append(expired, item.req)
	}
	return expired
}
