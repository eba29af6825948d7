// Package assign implements deterministic user-to-policy routing: given
// an experiment's salt and traffic configuration, every call for the
// same (salt, user) pair produces the same bucket and the same policy,
// with no coordination or shared state required across replicas.
package assign

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/banditlab/banditd/internal/domain"
)

// hashSpace is the width of the uint64 bucket space; Bucket returns a
// value normalized against it.
const hashSpace = float64(1 << 64)

// Bucket maps (salt, userID) to a stable point in [0, 1). The same salt
// and user always produce the same bucket; changing an experiment's salt
// re-randomizes every user's bucket (used to force a clean re-assignment
// after the traffic plan changes materially).
func Bucket(salt, userID string) float64 {
	sum := sha256.Sum256([]byte(salt + "\x1f" + userID))
	h := binary.BigEndian.Uint64(sum[:8])
	return float64(h) / hashSpace
}

// Route resolves a user's policy assignment for an experiment. It first
// checks the user falls within the experiment's traffic_fraction, then
// walks the cumulative traffic plan (policies visited in sorted ID order,
// for determinism) to pick one policy. Returns domain.ErrNotInExperiment
// if the user's bucket falls outside traffic_fraction.
func Route(e domain.Experiment, userID string) (domain.Assignment, error) {
	bucket := Bucket(e.Salt, userID)

	if bucket >= e.TrafficFraction {
		return domain.Assignment{}, domain.ErrNotInExperiment
	}

	policyID, err := walkTrafficPlan(e.TrafficPlan, bucket, e.TrafficFraction)
	if err != nil {
		return domain.Assignment{}, err
	}

	return domain.Assignment{
		UserID:       userID,
		ExperimentID: e.ID,
		PolicyID:     policyID,
		Bucket:       bucket,
		Sticky:       false,
	}, nil
}

// walkTrafficPlan rescales bucket from [0, trafficFraction) to [0, 1) and
// walks the cumulative share boundaries in sorted-policy-ID order.
func walkTrafficPlan(plan domain.TrafficPlan, bucket, trafficFraction float64) (string, error) {
	if err := plan.Validate(); err != nil {
		return "", err
	}
	if trafficFraction <= 0 {
		return "", domain.ErrInvalidFraction
	}

	ids := make([]string, 0, len(plan))
	for id := range plan {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rescaled := bucket / trafficFraction

	var cumulative float64
	for _, id := range ids {
		cumulative += plan[id]
		if rescaled < cumulative {
			return id, nil
		}
	}
	// Floating point rounding at the boundary: fall back to the last
	// policy rather than erroring, since cumulative should be ~1.0.
	return ids[len(ids)-1], nil
}
