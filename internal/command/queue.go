package command

import (
	"container/heap"
	"time"

	"icc.tech/labcell/internal/core"
)

// queueItem wraps a command with its heap bookkeeping.
type queueItem struct {
	cmd       *core.Command
	enqueued  time.Time
	seq       uint64 // tie-breaker preserving submission order
	cancelled bool
}

// cmdHeap orders by priority (higher first), then submission order.
type cmdHeap []*queueItem

func (h cmdHeap) Len() int { return len(h) }

func (h cmdHeap) Less(i, j int) bool {
	if h[i].cmd.Priority != h[j].cmd.Priority {
		return h[i].cmd.Priority > h[j].cmd.Priority
	}
	return h[i].seq < h[j].seq
}

func (h cmdHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cmdHeap) Push(x any) { *h = append(*h, x.(*queueItem)) }

func (h *cmdHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// robotQueue is one robot's pending command queue plus its wake signal.
type robotQueue struct {
	heap cmdHeap
	wake chan struct{}
}

func newRobotQueue() *robotQueue {
	rq := &robotQueue{wake: make(chan struct{}, 1)}
	heap.Init(&rq.heap)
	return rq
}

// push adds an item and nudges the drainer.
func (rq *robotQueue) push(item *queueItem) {
	heap.Push(&rq.heap, item)
	select {
	case rq.wake <- struct{}{}:
	default:
	}
}

// pop removes the highest-priority live item, skipping tombstones left by
// cancellation. Returns nil when the queue is empty.
func (rq *robotQueue) pop() *queueItem {
	for rq.heap.Len() > 0 {
		item := heap.Pop(&rq.heap).(*queueItem)
		if item.cancelled {
			continue
		}
		return item
	}
	return nil
}

// depth counts live entries.
func (rq *robotQueue) depth() int {
	n := 0
	for _, item := range rq.heap {
		if !item.cancelled {
			n++
		}
	}
	return n
}
