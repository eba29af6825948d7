// Package policystate serializes updates to PolicyArmState rows: every
// (experiment, policy, arm, context_key) key is pinned to one worker
// goroutine via consistent hashing, so concurrent updates to the same key
// are never interleaved, while unrelated keys update fully in parallel
// across a fixed-size worker pool.
package policystate

import (
	"context"
	"fmt"

	"github.com/banditlab/banditd/internal/domain"
	"github.com/banditlab/banditd/internal/infra/dsa"
)

// DefaultWorkers is the default worker pool size.
const DefaultWorkers = 16

// job is one queued state mutation.
type job struct {
	fn   func(ctx context.Context, store domain.PolicyStateStore) error
	done chan error
	ctx  context.Context
}

// Manager owns a fixed pool of worker goroutines, one queue per worker,
// and a hash ring mapping state keys to worker queues.
type Manager struct {
	store   domain.PolicyStateStore
	ring    *dsa.HashRing
	queues  []chan job
	workers int
}

// NewManager starts a Manager with `workers` goroutines. Call Close to
// stop them.
func NewManager(store domain.PolicyStateStore, workers int) *Manager {
	if workers <= 0 {
		workers = DefaultWorkers
	}

	ring := dsa.NewHashRing(dsa.DefaultHashRingConfig())
	m := &Manager{
		store:   store,
		ring:    ring,
		queues:  make([]chan job, workers),
		workers: workers,
	}

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker-%d", i)
		ring.AddNode(name)
		m.queues[i] = make(chan job, 256)
		go m.run(i)
	}
	return m
}

func (m *Manager) run(i int) {
	for j := range m.queues[i] {
		err := j.fn(j.ctx, m.store)
		j.done <- err
	}
}

// queueIndexFor maps a state key to its assigned worker index via the
// hash ring's consistent-hashing lookup.
func (m *Manager) queueIndexFor(key string) int {
	node := m.ring.Lookup(key)
	for i := 0; i < m.workers; i++ {
		if fmt.Sprintf("worker-%d", i) == node {
			return i
		}
	}
	return 0
}

// Close stops accepting new work. In-flight jobs already queued still
// drain.
func (m *Manager) Close() {
	for _, q := range m.queues {
		close(q)
	}
}

// Apply loads the current row for key, folds reward through pol.Update,
// and persists the result with optimistic concurrency, retrying a bounded
// number of times on domain.ErrStateConflict. The whole sequence for one
// key always runs on the same worker goroutine, so there is no contention
// with other callers touching the same key.
func (m *Manager) Apply(ctx context.Context, experimentID, policyID, armID, contextKey string, pol domain.Policy, reward float64) (domain.PolicyArmState, error) {
	key := domain.PolicyArmState{ExperimentID: experimentID, PolicyID: policyID, ArmID: armID, ContextKey: contextKey}.Key()
	idx := m.queueIndexFor(key)

	var result domain.PolicyArmState
	var applyErr error

	j := job{
		ctx: ctx,
		fn: func(ctx context.Context, store domain.PolicyStateStore) error {
			const maxRetries = 5
			for attempt := 0; attempt < maxRetries; attempt++ {
				current, err := store.GetState(ctx, experimentID, policyID, armID, contextKey)
				if err != nil {
					return err
				}
				next, err := pol.Update(current, reward)
				if err != nil {
					return err
				}
				next.Version = current.Version + 1
				if err := store.CompareAndSwap(ctx, next, current.Version); err != nil {
					if err == domain.ErrStateConflict {
						continue
					}
					return err
				}
				result = next
				return nil
			}
			return domain.ErrStateConflict
		},
		done: make(chan error, 1),
	}

	m.queues[idx] <- j
	applyErr = <-j.done
	return result, applyErr
}
