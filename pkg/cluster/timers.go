package cluster

import (
	"container/heap"
)

// TimerHandler is invoked for each expired timer. Returning false (e.g. the
// log append was back pressured) stops the poll; the timer fires again on a
// later tick.
type TimerHandler func(correlationID int64) bool

type timerEntry struct {
	correlationID int64
	deadline      int64
	seq           uint64 // insertion order for equal deadlines
	index         int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// TimerService is the deadline-ordered wheel of correlation id to fire time,
// polled against cluster time. Schedule after a fire is absorbed by a
// per-correlation-id counter of pending expirations so replayed schedules
// stay idempotent.
type TimerService struct {
	handler TimerHandler
	heap    timerHeap
	byID    map[int64]*timerEntry
	expired map[int64]int
	seq     uint64
}

// NewTimerService creates an empty wheel.
func NewTimerService(handler TimerHandler) *TimerService {
	return &TimerService{
		handler: handler,
		byID:    make(map[int64]*timerEntry),
		expired: make(map[int64]int),
	}
}

// Schedule installs (or moves) a timer. If the timer already fired and the
// fire has not yet been consumed by a schedule, the pending expiration is
// decremented instead of installing.
func (t *TimerService) Schedule(correlationID, deadline int64) {
	if n := t.expired[correlationID]; n > 0 {
		if n == 1 {
			delete(t.expired, correlationID)
		} else {
			t.expired[correlationID] = n - 1
		}
		return
	}
	if e, ok := t.byID[correlationID]; ok {
		e.deadline = deadline
		t.seq++
		e.seq = t.seq
		heap.Fix(&t.heap, e.index)
		return
	}
	t.seq++
	e := &timerEntry{correlationID: correlationID, deadline: deadline, seq: t.seq}
	t.byID[correlationID] = e
	heap.Push(&t.heap, e)
}

// Cancel removes a timer, reporting whether it existed.
func (t *TimerService) Cancel(correlationID int64) bool {
	e, ok := t.byID[correlationID]
	if !ok {
		return false
	}
	heap.Remove(&t.heap, e.index)
	delete(t.byID, correlationID)
	return true
}

// Poll fires all timers due at nowMs, in deadline then insertion order.
// Returns the number fired.
func (t *TimerService) Poll(nowMs int64) int {
	fired := 0
	for len(t.heap) > 0 {
		e := t.heap[0]
		if e.deadline > nowMs {
			break
		}
		if !t.handler(e.correlationID) {
			break
		}
		heap.Pop(&t.heap)
		delete(t.byID, e.correlationID)
		t.expired[e.correlationID]++
		fired++
	}
	return fired
}

// OnReplayTimerEvent applies a fired timer observed on the replay path
// (follower side): the local timer, if any, is removed and the expiration is
// recorded so a replayed re-schedule stays idempotent.
func (t *TimerService) OnReplayTimerEvent(correlationID int64) {
	t.Cancel(correlationID)
	t.expired[correlationID]++
}

// Size is the number of pending timers.
func (t *TimerService) Size() int { return len(t.heap) }

// Snapshot visits all pending timers in insertion order.
func (t *TimerService) Snapshot(fn func(correlationID, deadline int64)) {
	entries := append(timerHeap(nil), t.heap...)
	// insertion order, not heap order
	sortBySeq(entries)
	for _, e := range entries {
		fn(e.correlationID, e.deadline)
	}
}

func sortBySeq(entries []*timerEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j-1].seq > entries[j].seq; j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}

// Reset drops all pending timers and expiration counts (snapshot load).
func (t *TimerService) Reset() {
	t.heap = nil
	t.byID = make(map[int64]*timerEntry)
	t.expired = make(map[int64]int)
}
