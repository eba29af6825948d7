package dsa

import (
	"sync"
	"time"
)

// ─── Priority Queue (Min-Heap) ──────────────────────────────────────────────
// A thread-safe min-heap ordering scheduled jobs by due time, used to
// drive the periodic guardrail (T_g) and decision (T_d) evaluation loops.
//
// Operations:
//   Push:    O(log n) — sift up
//   Pop:     O(log n) — sift down (extract-min)
//   Peek:    O(1)
//   Len:     O(1)
//
// Starvation prevention: a job's effective priority improves the longer
// it sits overdue, so a burst of high-priority jobs can never indefinitely
// starve a lower-priority one once its due time has passed.

// HeapItem is a scheduled job.
type HeapItem struct {
	Key      string    // unique identifier (e.g. experiment_id)
	Priority int       // base priority, lower = evaluated first (0 = guardrail, 1 = decision)
	DueAt    time.Time // when this job becomes eligible to run
	Value    any       // payload (caller stores whatever it needs)
}

// PriorityQueueConfig configures starvation prevention.
type PriorityQueueConfig struct {
	BoostInterval time.Duration // time overdue before priority is boosted by 1 level
	MaxBoost      int           // maximum levels a job can be boosted
}

// DefaultPriorityQueueConfig boosts a job's priority every 30s it sits
// overdue, up to 2 levels, so a steady stream of guardrail checks can't
// starve overdue decision evaluations.
func DefaultPriorityQueueConfig() PriorityQueueConfig {
	return PriorityQueueConfig{
		BoostInterval: 30 * time.Second,
		MaxBoost:      2,
	}
}

// PriorityQueue is a thread-safe min-heap with starvation prevention.
type PriorityQueue struct {
	mu     sync.Mutex
	heap   []HeapItem
	config PriorityQueueConfig
	now    func() time.Time
}

// NewPriorityQueue creates an empty priority queue.
func NewPriorityQueue(cfg PriorityQueueConfig) *PriorityQueue {
	return &PriorityQueue{
		config: cfg,
		now:    time.Now,
	}
}

// Push adds a job to the queue. O(log n).
func (pq *PriorityQueue) Push(item HeapItem) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if item.DueAt.IsZero() {
		item.DueAt = pq.now()
	}
	pq.heap = append(pq.heap, item)
	pq.siftUp(len(pq.heap) - 1)
}

// Pop removes and returns the highest-priority job. O(log n). Returns the
// zero value and false if the queue is empty.
func (pq *PriorityQueue) Pop() (HeapItem, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if len(pq.heap) == 0 {
		return HeapItem{}, false
	}

	top := pq.heap[0]
	last := len(pq.heap) - 1
	pq.heap[0] = pq.heap[last]
	pq.heap = pq.heap[:last]
	if len(pq.heap) > 0 {
		pq.siftDown(0)
	}
	return top, true
}

// Peek returns the highest-priority job without removing it. O(1).
func (pq *PriorityQueue) Peek() (HeapItem, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if len(pq.heap) == 0 {
		return HeapItem{}, false
	}
	return pq.heap[0], true
}

// Len returns the number of jobs in the queue.
func (pq *PriorityQueue) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return len(pq.heap)
}

// effectivePriority boosts a job's priority the longer it sits past its
// due time. Lower value = dequeued first.
func (pq *PriorityQueue) effectivePriority(item *HeapItem) int {
	if pq.config.BoostInterval <= 0 {
		return item.Priority
	}

	overdue := pq.now().Sub(item.DueAt)
	if overdue < 0 {
		return item.Priority
	}
	boost := int(overdue / pq.config.BoostInterval)
	if boost > pq.config.MaxBoost {
		boost = pq.config.MaxBoost
	}
	eff := item.Priority - boost
	if eff < 0 {
		eff = 0
	}
	return eff
}

// less reports whether item i should be dequeued before item j.
func (pq *PriorityQueue) less(i, j int) bool {
	pi := pq.effectivePriority(&pq.heap[i])
	pj := pq.effectivePriority(&pq.heap[j])
	if pi != pj {
		return pi < pj
	}
	return pq.heap[i].DueAt.Before(pq.heap[j].DueAt)
}

func (pq *PriorityQueue) siftUp(idx int) {
	for idx > 0 {
		parent := (idx - 1) / 2
		if pq.less(idx, parent) {
			pq.heap[idx], pq.heap[parent] = pq.heap[parent], pq.heap[idx]
			idx = parent
		} else {
			break
		}
	}
}

func (pq *PriorityQueue) siftDown(idx int) {
	n := len(pq.heap)
	for {
		smallest := idx
		left := 2*idx + 1
		right := 2*idx + 2

		if left < n && pq.less(left, smallest) {
			smallest = left
		}
		if right < n && pq.less(right, smallest) {
			smallest = right
		}
		if smallest == idx {
			break
		}
		pq.heap[idx], pq.heap[smallest] = pq.heap[smallest], pq.heap[idx]
		idx = smallest
	}
}
