package orchestrator

import (
	"container/heap"
	"sync"
	"time"

	"github.com/blackflagsec/sentinel/internal/jobs"
)

// queueItem is one admission-pending Job inside a capability's priority
// queue.
type queueItem struct {
	jobID     string
	tenantID  string
	priority  jobs.Priority
	createdAt time.Time
	index     int // heap.Interface bookkeeping
}

// itemHeap orders by (priority desc, createdAt asc): higher priority first,
// FIFO within the same priority. Items carry their own heap index so Remove
// is O(log n) with no stale entries left behind.
type itemHeap []*queueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].createdAt.Before(h[j].createdAt)
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// capabilityQueue is the per-capability priority queue with a tenant-cap
// admission gate: when the head item's tenant is at capacity it is
// skipped, not blocked; the dispatcher keeps trying the next item in
// priority order, and the skipped item is reconsidered next time the
// tenant's in-flight count drops.
type capabilityQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items itemHeap
	index map[string]*queueItem
}

func newCapabilityQueue() *capabilityQueue {
	q := &capabilityQueue{index: make(map[string]*queueItem)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues a Job for dispatch.
func (q *capabilityQueue) Push(jobID, tenantID string, priority jobs.Priority, createdAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item := &queueItem{jobID: jobID, tenantID: tenantID, priority: priority, createdAt: createdAt}
	heap.Push(&q.items, item)
	q.index[jobID] = item
	q.cond.Broadcast()
}

// Remove drops jobID from the queue (used by cancelJob on a still-queued
// Job). Returns true if it was present.
func (q *capabilityQueue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.index[jobID]
	if !ok {
		return false
	}
	heap.Remove(&q.items, item.index)
	delete(q.index, jobID)
	return true
}

// Wake re-runs every blocked PopAdmissible scan. Called when a tenant's
// in-flight count drops: the tenant cap spans capabilities, so a slot freed
// by one capability's worker can make an item admissible in another
// capability's queue.
func (q *capabilityQueue) Wake() {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Len reports the current queue depth.
func (q *capabilityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// PopAdmissible blocks until an admissible Job (per admit) is available or
// closed is closed, then removes and returns it. Items whose tenant is over
// cap are left in the queue and reconsidered on the next call.
func (q *capabilityQueue) PopAdmissible(admit func(tenantID string) bool, closed <-chan struct{}) (jobID, tenantID string, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		select {
		case <-closed:
			return "", "", false
		default:
		}

		if item := q.firstAdmissibleLocked(admit); item != nil {
			heap.Remove(&q.items, item.index)
			delete(q.index, item.jobID)
			return item.jobID, item.tenantID, true
		}

		waitCh := make(chan struct{})
		go func() {
			select {
			case <-closed:
				q.mu.Lock()
				q.cond.Broadcast()
				q.mu.Unlock()
			case <-waitCh:
			}
		}()
		q.cond.Wait()
		close(waitCh)
	}
}

// firstAdmissibleLocked scans queue order (heap array is not fully sorted,
// so this walks priority buckets via repeated pop/restore) for the first
// item whose tenant has admission headroom. Caller must hold q.mu.
//
// The admissible item is pushed back onto the heap only after every
// rejected item has been restored, and its index is read off the item
// itself afterward. Each heap.Push can sift the admissible item to a new
// slot as later items are restored, so capturing its index any earlier
// (or reading it from a stale slot) risks handing the caller the wrong
// item.
func (q *capabilityQueue) firstAdmissibleLocked(admit func(tenantID string) bool) *queueItem {
	if len(q.items) == 0 {
		return nil
	}
	// Extract into priority order, testing each; restore the rest.
	var popped []*queueItem
	var found *queueItem
	for q.items.Len() > 0 {
		top := heap.Pop(&q.items).(*queueItem)
		if found == nil && admit(top.tenantID) {
			found = top
			break
		}
		popped = append(popped, top)
	}
	for _, item := range popped {
		heap.Push(&q.items, item)
	}
	if found != nil {
		heap.Push(&q.items, found)
	}
	return found
}
