// Package scheduler drives the periodic guardrail (T_g) and decision
// (T_d) evaluation loops. Both kinds of job share one due-time min-heap
// so a slow batch of decision evaluations can never starve an overdue
// guardrail check indefinitely.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/banditlab/banditd/internal/infra/dsa"
)

// JobKind distinguishes guardrail checks from decision evaluations.
// Guardrail checks carry the lower (higher-priority) base value so they
// are preferred on a tie.
type JobKind int

const (
	JobGuardrail JobKind = 0
	JobDecision  JobKind = 1
)

// JobFunc runs one scheduled evaluation for an experiment.
type JobFunc func(ctx context.Context, experimentID string) error

// Scheduler runs registered recurring jobs against a due-time min-heap,
// polling at a fixed tick interval.
type Scheduler struct {
	pq       *dsa.PriorityQueue
	handlers map[JobKind]JobFunc
	logger   *log.Logger
	tick     time.Duration
}

// entry is the heap payload for one recurring job.
type entry struct {
	experimentID string
	kind         JobKind
	interval     time.Duration
}

// New constructs a Scheduler. tick controls how often the run loop checks
// for due jobs; it should be well below the shortest configured
// EvalInterval.
func New(tick time.Duration, logger *log.Logger) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		pq:       dsa.NewPriorityQueue(dsa.DefaultPriorityQueueConfig()),
		handlers: make(map[JobKind]JobFunc),
		logger:   logger,
		tick:     tick,
	}
}

// RegisterHandler binds the function invoked for jobs of the given kind.
func (s *Scheduler) RegisterHandler(kind JobKind, fn JobFunc) {
	s.handlers[kind] = fn
}

// Schedule enqueues a recurring job for an experiment. After each run it
// is re-enqueued with DueAt = now + interval.
func (s *Scheduler) Schedule(experimentID string, kind JobKind, interval time.Duration, firstDueAt time.Time) {
	s.pq.Push(dsa.HeapItem{
		Key:      experimentID,
		Priority: int(kind),
		DueAt:    firstDueAt,
		Value:    entry{experimentID: experimentID, kind: kind, interval: interval},
	})
}

// Run blocks, polling the due-time heap every tick and dispatching jobs
// whose DueAt has passed, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.drainDue(ctx, now)
		}
	}
}

func (s *Scheduler) drainDue(ctx context.Context, now time.Time) {
	for {
		item, ok := s.pq.Peek()
		if !ok || item.DueAt.After(now) {
			return
		}
		item, _ = s.pq.Pop()
		e, ok := item.Value.(entry)
		if !ok {
			continue
		}

		handler, ok := s.handlers[e.kind]
		if !ok {
			s.logger.Printf("[scheduler] no handler registered for kind %d, dropping job for %s", e.kind, e.experimentID)
			continue
		}

		if err := handler(ctx, e.experimentID); err != nil {
			s.logger.Printf("[scheduler] job kind=%d experiment=%s failed: %v", e.kind, e.experimentID, err)
		}

		s.pq.Push(dsa.HeapItem{
			Key:      e.experimentID,
			Priority: int(e.kind),
			DueAt:    now.Add(e.interval),
			Value:    e,
		})
	}
}

// Len reports the number of jobs currently scheduled.
func (s *Scheduler) Len() int { return s.pq.Len() }
