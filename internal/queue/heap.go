package queue

import (
	"container/heap"

	"github.com/llm-d-incubation/fleet-slo-controller/internal/interfaces"
)

// heap slots; every entry sits in all three orderings at once.
const (
	slotServe = iota
	slotAge
	slotEvict
	numSlots
)

type entry struct {
	req   interfaces.Request
	seq   uint64
	index [numSlots]int
}

// serveBefore orders by priority, then enqueue time, then insertion sequence.
func serveBefore(a, b *entry) bool {
	if a.req.Priority != b.req.Priority {
		return a.req.Priority.HigherThan(b.req.Priority)
	}
	return olderThan(a, b)
}

// olderThan orders by enqueue time, then insertion sequence.
func olderThan(a, b *entry) bool {
	if !a.req.EnqueuedAt.Equal(b.req.EnqueuedAt) {
		return a.req.EnqueuedAt.Before(b.req.EnqueuedAt)
	}
	return a.seq < b.seq
}

// evictBefore puts the lowest priority, oldest request on top.
func evictBefore(a, b *entry) bool {
	if a.req.Priority != b.req.Priority {
		return b.req.Priority.HigherThan(a.req.Priority)
	}
	return olderThan(a, b)
}

var _ heap.Interface = (*orderedHeap)(nil)

// orderedHeap is a container/heap over shared entries. Each heap keeps its own
// position of an entry in entry.index[slot] so an entry can be removed from
// every ordering in O(log n).
type orderedHeap struct {
	items []*entry
	less  func(a, b *entry) bool
	slot  int
}

func newOrderedHeap(slot int, less func(a, b *entry) bool) *orderedHeap {
	return &orderedHeap{less: less, slot: slot}
}

func (h *orderedHeap) Len() int {
	return len(h.items)
}

func (h *orderedHeap) Less(i, j int) bool {
	return h.less(h.items[i], h.items[j])
}

func (h *orderedHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index[h.slot] = i
	h.items[j].index[h.slot] = j
}

func (h *orderedHeap) Push(x any) {
	e := x.(*entry)
	e.index[h.slot] = len(h.items)
	h.items = append(h.items, e)
}

func (h *orderedHeap) Pop() any {
	n := len(h.items)
	if n == 0 {
		return nil
	}
	e := h.items[n-1]
	h.items[n-1] = nil
	h.items = h.items[:n-1]
	e.index[h.slot] = -1
	return e
}

func (h *orderedHeap) peek() *entry {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

func (h *orderedHeap) push(e *entry) {
	heap.Push(h, e)
}

func (h *orderedHeap) remove(e *entry) {
	if i := e.index[h.slot]; i >= 0 && i < len(h.items) && h.items[i] == e {
		heap.Remove(h, i)
	}
}
