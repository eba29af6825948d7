package policy

import (
	"testing"

	"github.com/banditlab/banditd/internal/domain"
)

func TestNewDispatchesByKind(t *testing.T) {
	tests := []struct {
		kind domain.PolicyKind
	}{
		{domain.PolicyThompson},
		{domain.PolicyEGreedy},
		{domain.PolicyUCB},
		{domain.PolicyControl},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			p, err := New(tt.kind, domain.PolicyParams{})
			if err != nil {
				t.Fatalf("New(%q) error = %v", tt.kind, err)
			}
			if p.Kind() != tt.kind {
				t.Errorf("Kind() = %v, want %v", p.Kind(), tt.kind)
			}
		})
	}
}

func TestNewUnknownKind(t *testing.T) {
	if _, err := New(domain.PolicyKind("bogus"), domain.PolicyParams{}); err == nil {
		t.Error("New() with unknown kind: want error, got nil")
	}
}

func TestSortedArmIDs(t *testing.T) {
	ids := sortedArmIDs(candidates("c", "a", "b"))
	want := []string{"a", "b", "c"}
	for i, id := range ids {
		if id != want[i] {
			t.Errorf("sortedArmIDs()[%d] = %q, want %q", i, id, want[i])
		}
	}
}

func TestStateOrZero(t *testing.T) {
	state := map[string]domain.PolicyArmState{"a": {ArmID: "a", Pulls: 5}}
	if s := stateOrZero(state, "a"); s.Pulls != 5 {
		t.Errorf("stateOrZero(existing) Pulls = %v, want 5", s.Pulls)
	}
	if s := stateOrZero(state, "z"); s.ArmID != "z" || s.Pulls != 0 {
		t.Errorf("stateOrZero(missing) = %+v, want zeroed row scoped to arm", s)
	}
}
