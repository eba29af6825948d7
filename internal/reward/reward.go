// Package reward implements windowed, idempotent reward attribution
// (C4): mapping downstream user signals (clicks, ratings, thumbs) onto a
// numeric reward for a prior serve, within a bounded attribution window.
package reward

import (
	"context"
	"fmt"
	"time"

	"github.com/banditlab/banditd/internal/domain"
	"github.com/banditlab/banditd/internal/infra/dsa"
)

// DefaultWindow is the attribution window used when an experiment leaves
// AttributionWindow unset.
const DefaultWindow = 24 * time.Hour

// Attributor composes downstream signals into rewards and writes them
// into serve events exactly once. A Bloom filter gives a fast,
// probabilistic pre-check ("have we already ingested this exact signal
// delivery?") before falling through to the authoritative store, so
// duplicate webhook/retry deliveries mostly short-circuit before a round
// trip to storage.
type Attributor struct {
	store domain.EventStore
	seen  *dsa.BloomFilter
}

// New constructs an Attributor.
func New(store domain.EventStore) *Attributor {
	return &Attributor{
		store: store,
		seen:  dsa.NewBloomFilter(dsa.DefaultBloomConfig()),
	}
}

// ingestKey derives a stable idempotence key for a raw signal delivery.
// Prefers the caller-supplied event_id; falls back to (user, arm, at)
// when the host has no opaque id for this delivery.
func ingestKey(userID, armID string, r domain.RewardEvent) string {
	if r.EventID != "" {
		return r.EventID
	}
	return fmt.Sprintf("%s\x1f%s\x1f%s\x1f%d", userID, armID, r.Kind, r.At.UnixNano())
}

// IngestSignal records a raw downstream signal for later composition. It
// is idempotent: redelivering the same signal is a no-op after the Bloom
// filter's first Contains miss has been backed by a durable append.
func (a *Attributor) IngestSignal(ctx context.Context, userID, armID string, r domain.RewardEvent) error {
	key := ingestKey(userID, armID, r)
	if a.seen.Contains(key) {
		// Probably a duplicate delivery; fall through to the
		// authoritative store rather than trust the filter blindly
		// (it has a nonzero false-positive rate).
		existing, err := a.store.ListRewardEventsForServe(ctx, userID, armID, r.At, r.At)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.EventID == r.EventID && e.Kind == r.Kind {
				return nil
			}
		}
	}

	if err := a.store.AppendRewardEvent(ctx, r, userID, armID); err != nil {
		return err
	}
	a.seen.Add(key)
	return nil
}

// Attribute composes the signals observed so far for se into a reward and
// writes it, provided se has not already been attributed and now falls
// within the attribution window. Returns domain.ErrAttributionClosed if
// the window has already elapsed; callers past the window should use
// CloseWindow instead.
func (a *Attributor) Attribute(ctx context.Context, se domain.ServeEvent, mapping domain.RewardMapping, window time.Duration, now time.Time) (float64, error) {
	if se.Reward != nil {
		return *se.Reward, nil
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if !se.WithinWindow(now, window) {
		return 0, domain.ErrAttributionClosed
	}

	signals, err := a.store.ListRewardEventsForServe(ctx, se.UserID, se.ArmID, se.ServedAt, se.ServedAt.Add(window))
	if err != nil {
		return 0, err
	}

	r := ComposeReward(mapping, signals)
	if err := a.store.WriteReward(ctx, se.EventID, r, now, se.AttributionVersion); err != nil {
		return 0, err
	}
	return r, nil
}

// CloseWindow finalizes se's reward to the default (0) once its
// attribution window has elapsed with no prior write. Calling it before
// the event has no reward but while still within-window also succeeds
// (it simply writes 0), matching "reward defaults to 0 at window close".
func (a *Attributor) CloseWindow(ctx context.Context, se domain.ServeEvent, now time.Time) error {
	if se.Reward != nil {
		return nil
	}
	return a.store.WriteReward(ctx, se.EventID, 0, now, se.AttributionVersion)
}

// ComposeReward folds a set of downstream signals into a single reward
// value per the experiment's reward_mapping mode. Conflicts are resolved
// by priority: rating > thumbs > click. Absent any qualifying signal the
// reward is 0.
func ComposeReward(mapping domain.RewardMapping, signals []domain.RewardEvent) float64 {
	var hasClick, hasThumbsUp, hasRating bool
	var ratingValue float64

	for _, s := range signals {
		switch s.Kind {
		case domain.RewardClick:
			hasClick = true
		case domain.RewardThumbsUp:
			hasThumbsUp = true
		case domain.RewardThumbsDown:
			// explicit non-event; leaves hasThumbsUp false
		case domain.RewardRating:
			hasRating = true
			ratingValue = s.Value
		case domain.RewardCustom:
			hasClick = hasClick || s.Value > 0
		}
	}

	switch mapping {
	case domain.RewardBinaryClick:
		if hasClick {
			return 1
		}
		return 0
	case domain.RewardScaledRating:
		if hasRating {
			return clip((ratingValue-2.5)/1.5, -1, 1)
		}
		return 0
	default: // RewardComposite and unset
		if hasRating {
			return clip((ratingValue-2.5)/1.5, -1, 1)
		}
		if hasThumbsUp {
			return 1
		}
		if hasClick {
			return 1
		}
		return 0
	}
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
