package simenv

import (
	"container/heap"
	"math"
	"math/bits"

	"github.com/google/btree"
)

// Timeout is one scheduled guest timer.
type Timeout struct {
	Time uint64 // virtual nanoseconds
	ID   uint32
}

func (t Timeout) before(o Timeout) bool {
	if t.Time != o.Time {
		return t.Time < o.Time
	}
	return t.ID < o.ID
}

// timeoutQueue implements heap.Interface
type timeoutQueue []Timeout

func (q timeoutQueue) Len() int           { return len(q) }
func (q timeoutQueue) Less(i, j int) bool { return q[i].before(q[j]) }
func (q timeoutQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *timeoutQueue) Push(x any) {
	*q = append(*q, x.(Timeout))
}

func (q *timeoutQueue) Pop() any {
	old := *q
	n := len(old)
	x := old[n-1]
	*q = old[:n-1]
	return x
}

// Timeouts holds the guest's scheduled timers.
//
// Clearing a timer only drops its id from the live set; the queued entry
// stays until a consumer reaches it in Peek or Pop and discards it there.
type Timeouts struct {
	queue  timeoutQueue
	live   *btree.BTreeG[uint32]
	nextID uint32
}

func NewTimeouts() *Timeouts {
	return &Timeouts{
		live: btree.NewOrderedG[uint32](8),
	}
}

// Schedule queues a timer firing delayMs milliseconds after now and returns
// its id. Ids are allocated in order and never reused.
func (t *Timeouts) Schedule(delayMs, now uint64) uint32 {
	if t.nextID == math.MaxUint32 {
		panic("simenv: timeout ids exhausted")
	}

	hi, ns := bits.Mul64(delayMs, 1_000_000)
	if hi != 0 {
		ns = math.MaxUint64
	}
	at, carry := bits.Add64(ns, now, 0)
	if carry != 0 {
		at = math.MaxUint64
	}

	id := t.nextID
	t.nextID++
	heap.Push(&t.queue, Timeout{Time: at, ID: id})
	t.live.ReplaceOrInsert(id)
	return id
}

// Clear cancels a timer. It reports false if id was not live, which leaves
// the timers unchanged.
func (t *Timeouts) Clear(id uint32) bool {
	_, ok := t.live.Delete(id)
	return ok
}

func (t *Timeouts) Live(id uint32) bool {
	return t.live.Has(id)
}

// LiveIDs returns the live ids in ascending order.
func (t *Timeouts) LiveIDs() []uint32 {
	ids := make([]uint32, 0, t.live.Len())
	t.live.Ascend(func(id uint32) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// Len returns the number of live timers.
func (t *Timeouts) Len() int {
	return t.live.Len()
}

// Queued returns the number of queued entries, including cleared ones that
// have not been discarded yet.
func (t *Timeouts) Queued() int {
	return len(t.queue)
}

// NextID returns the id the next Schedule will allocate.
func (t *Timeouts) NextID() uint32 {
	return t.nextID
}

func (t *Timeouts) discardDead() {
	for len(t.queue) > 0 && !t.live.Has(t.queue[0].ID) {
		heap.Pop(&t.queue)
	}
}

// Peek returns the earliest live timer.
func (t *Timeouts) Peek() (Timeout, bool) {
	t.discardDead()
	if len(t.queue) == 0 {
		return Timeout{}, false
	}
	return t.queue[0], true
}

// Pop removes and returns the earliest live timer. The timer is no longer
// live afterwards: it has fired.
func (t *Timeouts) Pop() (Timeout, bool) {
	t.discardDead()
	if len(t.queue) == 0 {
		return Timeout{}, false
	}
	next := heap.Pop(&t.queue).(Timeout)
	t.live.Delete(next.ID)
	return next, true
}
