package scheduler

import (
	"container/heap"
	"time"

	"github.com/oceanplexian/vigil/internal/objects"
)

// entry is one checkable's slot in a schedule set.
type entry struct {
	c    *objects.Checkable
	name string
	when time.Time
	seq  uint64
	// heap position, -1 while detached
	index int
}

// checkSet is the bi-indexed collection backing Idle and Pending: unique by
// checkable name, ordered by deadline with FIFO tie-break. Re-keying an
// entry counts as a fresh insertion for the tie-break.
type checkSet struct {
	byName map[string]*entry
	order  entryHeap
	seq    uint64
}

func newCheckSet() *checkSet {
	return &checkSet{byName: make(map[string]*entry)}
}

func (s *checkSet) len() int { return len(s.byName) }

func (s *checkSet) contains(name string) bool {
	_, ok := s.byName[name]
	return ok
}

// insert adds the checkable at when, or re-keys it if already present.
func (s *checkSet) insert(c *objects.Checkable, when time.Time) {
	name := c.Name()
	s.seq++
	if e, ok := s.byName[name]; ok {
		e.when = when
		e.seq = s.seq
		heap.Fix(&s.order, e.index)
		return
	}
	e := &entry{c: c, name: name, when: when, seq: s.seq}
	s.byName[name] = e
	heap.Push(&s.order, e)
}

// rekey moves an existing entry to a new deadline.
func (s *checkSet) rekey(name string, when time.Time) bool {
	e, ok := s.byName[name]
	if !ok {
		return false
	}
	s.seq++
	e.when = when
	e.seq = s.seq
	heap.Fix(&s.order, e.index)
	return true
}

// remove detaches the named entry.
func (s *checkSet) remove(name string) (*entry, bool) {
	e, ok := s.byName[name]
	if !ok {
		return nil, false
	}
	delete(s.byName, name)
	heap.Remove(&s.order, e.index)
	return e, true
}

// peek returns the earliest entry without removing it.
func (s *checkSet) peek() (*entry, bool) {
	if len(s.order) == 0 {
		return nil, false
	}
	return s.order[0], true
}

// pop removes and returns the earliest entry.
func (s *checkSet) pop() (*entry, bool) {
	if len(s.order) == 0 {
		return nil, false
	}
	e := heap.Pop(&s.order).(*entry)
	delete(s.byName, e.name)
	return e, true
}

// shift moves every deadline by delta. A uniform shift preserves the heap
// order, so no re-heapify is needed.
func (s *checkSet) shift(delta time.Duration) {
	for _, e := range s.byName {
		e.when = e.when.Add(delta)
	}
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
