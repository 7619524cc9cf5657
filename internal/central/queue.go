package central

import (
	"github.com/srg/gattq/internal/transport"
)

// operation is one queued attribute exchange. Internal operations are
// generated by the post-discovery workflow; their results are logged
// rather than surfaced to the listener.
type operation struct {
	token    transport.Token
	req      transport.Request
	internal bool
}

// opQueue is a per-peer FIFO. Not safe for concurrent use; the owning
// peer's lock guards it.
type opQueue struct {
	ops []*operation
}

func (q *opQueue) pushBack(op *operation) {
	q.ops = append(q.ops, op)
}

// pushFront inserts ops ahead of everything queued, preserving their
// relative order. The post-discovery workflow uses it so its operations
// run before caller operations that were enqueued while the session was
// still being established.
func (q *opQueue) pushFront(ops []*operation) {
	if len(ops) == 0 {
		return
	}
	merged := make([]*operation, 0, len(ops)+len(q.ops))
	merged = append(merged, ops...)
	merged = append(merged, q.ops...)
	q.ops = merged
}

func (q *opQueue) pop() (*operation, bool) {
	if len(q.ops) == 0 {
		return nil, false
	}
	op := q.ops[0]
	q.ops[0] = nil
	q.ops = q.ops[1:]
	return op, true
}

// drain empties the queue and returns what was pending.
func (q *opQueue) drain() []*operation {
	ops := q.ops
	q.ops = nil
	return ops
}

func (q *opQueue) len() int {
	return len(q.ops)
}
