// Package txn implements t-label allocation, the outstanding-transaction
// table, the deadline-driven watchdog sweep, and speed-fallback retry
// policy (spec §4.7).
package txn

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/fw-ohci/go-ohci-core/internal/constants"
)

// Speed codes, S100 through S800 (IEEE 1394 speed field values).
const (
	Speed100 uint8 = 0
	Speed200 uint8 = 1
	Speed400 uint8 = 2
	Speed800 uint8 = 3
)

// SpeedPolicy decides the next-slower speed to retry a transaction at
// after a timeout, per spec §4.7's "retry policy with speed fallback
// (S800→S400→S200→S100)".
type SpeedPolicy struct{}

// NextSpeed returns the next speed to retry at and whether the fallback
// ladder is exhausted (current was already S100).
func (SpeedPolicy) NextSpeed(current uint8) (next uint8, exhausted bool) {
	switch current {
	case Speed800:
		return Speed400, false
	case Speed400:
		return Speed200, false
	case Speed200:
		return Speed100, false
	default:
		return Speed100, true
	}
}

// Key identifies one outstanding transaction.
type Key struct {
	TLabel     uint8
	NodeID     uint16
	Generation uint8
}

// CompletionFunc is invoked exactly once per transaction: on a matching
// response, on retry exhaustion, or on cancellation by ConfirmBusGeneration.
type CompletionFunc func(key Key, status Status, responsePayload []byte)

// Status is the terminal outcome reported to CompletionFunc.
type Status int

const (
	StatusComplete Status = iota
	StatusTimedOut
	StatusCancelled
)

// outstanding is one in-flight transaction plus its deadline-heap index.
type outstanding struct {
	key         Key
	deadline    time.Time
	speed       uint8
	retries     int
	payload     []byte
	onDone      CompletionFunc
	heapIdx     int
	failOnReset bool
}

// deadlineHeap is a min-heap over outstanding.deadline.
type deadlineHeap []*outstanding

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}
func (h *deadlineHeap) Push(x interface{}) {
	o := x.(*outstanding)
	o.heapIdx = len(*h)
	*h = append(*h, o)
}
func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	o := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return o
}

// labelBitmap is a 64-bit free/used bitmap for t-labels 0..63 allocated
// per node, since t-label uniqueness only needs to hold against the
// other outstanding transactions addressed to the same node.
type labelBitmap uint64

func (b labelBitmap) isFree(label uint8) bool { return b&(1<<label) == 0 }
func (b *labelBitmap) mark(label uint8)       { *b |= 1 << label }
func (b *labelBitmap) release(label uint8)    { *b &^= 1 << label }

// Tracker is the transaction tracker: t-label allocation, the outstanding
// table, and the deadline-driven retry sweep.
type Tracker struct {
	mu       sync.Mutex
	byKey    map[Key]*outstanding
	labels   map[uint16]*labelBitmap // per nodeID
	heap     deadlineHeap
	policy   SpeedPolicy
	maxRetry int
}

// NewTracker returns an empty Tracker. maxRetry bounds the retry count
// independently of the speed-fallback ladder (spec §4.7's "retries").
func NewTracker(maxRetry int) *Tracker {
	if maxRetry <= 0 {
		maxRetry = constants.DefaultTransactionRetries
	}
	return &Tracker{
		byKey:    make(map[Key]*outstanding),
		labels:   make(map[uint16]*labelBitmap),
		maxRetry: maxRetry,
	}
}

// Allocate reserves the lowest free t-label (0..63) for nodeID and
// registers the transaction in the outstanding table with the given
// deadline, speed, payload, and completion callback. failOnReset controls
// what ConfirmBusGeneration does to this record on a generation mismatch:
// true cancels it with StatusCancelled, false refreshes its generation in
// place and leaves it outstanding (spec §4.7's Transaction-record
// failOnReset field).
func (t *Tracker) Allocate(nodeID uint16, generation uint8, speed uint8, payload []byte, deadline time.Time, failOnReset bool, onDone CompletionFunc) (Key, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bm := t.labels[nodeID]
	if bm == nil {
		bm = new(labelBitmap)
		t.labels[nodeID] = bm
	}

	var label uint8
	found := false
	for l := 0; l < constants.MaxTLabel; l++ {
		if bm.isFree(uint8(l)) {
			label = uint8(l)
			found = true
			break
		}
	}
	if !found {
		return Key{}, fmt.Errorf("txn: no free t-label for node %d", nodeID)
	}
	bm.mark(label)

	key := Key{TLabel: label, NodeID: nodeID, Generation: generation}
	o := &outstanding{key: key, deadline: deadline, speed: speed, payload: payload, onDone: onDone, failOnReset: failOnReset}
	t.byKey[key] = o
	heap.Push(&t.heap, o)
	return key, nil
}

// Complete matches a response to its outstanding transaction, removes it
// from the table, and invokes its completion callback with
// StatusComplete. It is a no-op (returning false) if no transaction is
// outstanding under key, which happens for a stray or duplicate response.
func (t *Tracker) Complete(key Key, responsePayload []byte) bool {
	t.mu.Lock()
	o := t.remove(key)
	t.mu.Unlock()
	if o == nil {
		return false
	}
	if o.onDone != nil {
		o.onDone(key, StatusComplete, responsePayload)
	}
	return true
}

// Sweep is the watchdog tick (spec §4.7): every transaction past its
// deadline either gets a speed-fallback retry (re-armed with a fresh
// deadline at the next-slower speed) or, once the ladder and retry
// budget are both exhausted, is retired with StatusTimedOut.
func (t *Tracker) Sweep(now time.Time) {
	var expired []*outstanding
	t.mu.Lock()
	for t.heap.Len() > 0 && !t.heap[0].deadline.After(now) {
		o := heap.Pop(&t.heap).(*outstanding)
		expired = append(expired, o)
	}
	t.mu.Unlock()

	for _, o := range expired {
		t.mu.Lock()
		nextSpeed, exhausted := t.policy.NextSpeed(o.speed)
		o.retries++
		if exhausted || o.retries > t.maxRetry {
			// o was already popped off the heap above; only the byKey
			// entry and its t-label reservation remain to release.
			t.discardLocked(o.key)
			t.mu.Unlock()
			if o.onDone != nil {
				o.onDone(o.key, StatusTimedOut, nil)
			}
			continue
		}
		o.speed = nextSpeed
		o.deadline = now.Add(constants.DefaultTransactionDeadline)
		heap.Push(&t.heap, o)
		t.mu.Unlock()
	}
}

// discardLocked removes key from the byKey table and releases its
// t-label without touching the heap, for entries already popped off it.
func (t *Tracker) discardLocked(key Key) {
	delete(t.byKey, key)
	if bm := t.labels[key.NodeID]; bm != nil {
		bm.release(key.TLabel)
	}
}

// ConfirmBusGeneration resolves every outstanding transaction whose
// generation does not match currentGeneration — the bus-reset coordinator
// calls this once a new generation is confirmed. A record with
// failOnReset set is cancelled with StatusCancelled, since it can never
// receive a valid response under the stale generation. A record with
// failOnReset unset instead has its generation refreshed to
// currentGeneration in place and stays outstanding (spec §4.7's
// Transaction-record failOnReset field).
func (t *Tracker) ConfirmBusGeneration(currentGeneration uint8) {
	var cancelled []*outstanding
	var refreshKeys []Key
	t.mu.Lock()
	for key, o := range t.byKey {
		if key.Generation == currentGeneration {
			continue
		}
		if o.failOnReset {
			cancelled = append(cancelled, o)
			continue
		}
		refreshKeys = append(refreshKeys, key)
	}
	for _, o := range cancelled {
		t.removeLocked(o.key)
	}
	for _, oldKey := range refreshKeys {
		o := t.byKey[oldKey]
		delete(t.byKey, oldKey)
		o.key = Key{TLabel: oldKey.TLabel, NodeID: oldKey.NodeID, Generation: currentGeneration}
		t.byKey[o.key] = o
	}
	t.mu.Unlock()

	for _, o := range cancelled {
		if o.onDone != nil {
			o.onDone(o.key, StatusCancelled, nil)
		}
	}
}

// OutstandingCount returns the number of transactions currently tracked,
// for queue-depth metrics.
func (t *Tracker) OutstandingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byKey)
}

func (t *Tracker) remove(key Key) *outstanding {
	o, ok := t.byKey[key]
	if !ok {
		return nil
	}
	delete(t.byKey, key)
	if o.heapIdx >= 0 && o.heapIdx < t.heap.Len() && t.heap[o.heapIdx] == o {
		heap.Remove(&t.heap, o.heapIdx)
	}
	if bm := t.labels[key.NodeID]; bm != nil {
		bm.release(key.TLabel)
	}
	return o
}

func (t *Tracker) removeLocked(key Key) { t.remove(key) }
