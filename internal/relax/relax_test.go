package relax

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/flexigpt/moviedialog-go/internal/ontology"
	"github.com/flexigpt/moviedialog-go/spec"
)

var testOntology = ontology.MustParse("genre", "year", "actor|director", "keyword")

func cs(pairs ...string) []spec.Constraint {
	out := make([]spec.Constraint, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, spec.Constraint{Slot: spec.SlotName(pairs[i]), Value: pairs[i+1]})
	}
	return out
}

func TestRelax_DropsLowestPriority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		active    []spec.Constraint
		dropped   spec.SlotName
		narrowed  []spec.Constraint
		exhausted bool
	}{
		{
			name:     "year below genre",
			active:   cs("genre", "comedy", "year", "1990"),
			dropped:  "year",
			narrowed: cs("genre", "comedy"),
		},
		{
			name:     "keyword is last regardless of insertion order",
			active:   cs("keyword", "heist", "genre", "crime", "year", "2001"),
			dropped:  "keyword",
			narrowed: cs("genre", "crime", "year", "2001"),
		},
		{
			name:     "equal rank drops the most recent",
			active:   cs("director", "nolan", "actor", "bale"),
			dropped:  "actor",
			narrowed: cs("director", "nolan"),
		},
		{
			name:      "single constraint exhausts",
			active:    cs("genre", "drama"),
			dropped:   "genre",
			narrowed:  nil,
			exhausted: true,
		},
		{
			name:      "empty input is exhausted",
			active:    nil,
			exhausted: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Relax(tc.active, testOntology, 0)
			if got.Dropped != tc.dropped {
				t.Fatalf("dropped: got %q want %q", got.Dropped, tc.dropped)
			}
			if got.Exhausted != tc.exhausted {
				t.Fatalf("exhausted: got %v want %v", got.Exhausted, tc.exhausted)
			}
			if diff := cmp.Diff(tc.narrowed, got.Narrowed, cmpEmpty()); diff != "" {
				t.Fatalf("narrowed mismatch (-want +got):\n%s", diff)
			}
			if got.Round != 1 {
				t.Fatalf("round: got %d want 1", got.Round)
			}
		})
	}
}

func TestRelax_DoesNotMutateInput(t *testing.T) {
	t.Parallel()

	active := cs("genre", "comedy", "year", "1990", "keyword", "road trip")
	before := append([]spec.Constraint(nil), active...)

	_ = Relax(active, testOntology, 0)

	if diff := cmp.Diff(before, active); diff != "" {
		t.Fatalf("input mutated (-before +after):\n%s", diff)
	}
}

func TestPlan_MonotonicAndBounded(t *testing.T) {
	t.Parallel()

	active := cs("genre", "comedy", "year", "1990", "actor", "carrey", "keyword", "pets")
	rounds := Plan(active, testOntology, 0)

	if len(rounds) != len(active) {
		t.Fatalf("expected %d rounds, got %d", len(active), len(rounds))
	}
	prev := len(active)
	for i, r := range rounds {
		if len(r.Narrowed) != prev-1 {
			t.Fatalf("round %d: expected %d constraints, got %d", i+1, prev-1, len(r.Narrowed))
		}
		prev = len(r.Narrowed)
		for _, c := range r.Narrowed {
			if !containsConstraint(active, c) {
				t.Fatalf("round %d introduced %+v", i+1, c)
			}
		}
	}
	if !rounds[len(rounds)-1].Exhausted {
		t.Fatalf("expected final round exhausted, got %+v", rounds[len(rounds)-1])
	}

	order := []spec.SlotName{"keyword", "actor", "year", "genre"}
	for i, r := range rounds {
		if r.Dropped != order[i] {
			t.Fatalf("round %d dropped %q, want %q", i+1, r.Dropped, order[i])
		}
	}
}

func TestPlan_RespectsMaxRounds(t *testing.T) {
	t.Parallel()

	rounds := Plan(cs("genre", "comedy", "year", "1990", "keyword", "pets"), testOntology, 2)
	if len(rounds) != 2 {
		t.Fatalf("expected 2 rounds, got %d", len(rounds))
	}
	if rounds[1].Exhausted {
		t.Fatalf("did not expect exhaustion after 2 of 3 rounds")
	}
}

func TestQuery(t *testing.T) {
	t.Parallel()

	q := Query(cs("genre", "comedy", "year", "1990"))
	want := spec.Constraints{"genre": "comedy", "year": "1990"}
	if diff := cmp.Diff(want, q); diff != "" {
		t.Fatalf("query mismatch (-want +got):\n%s", diff)
	}
}

func containsConstraint(list []spec.Constraint, c spec.Constraint) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}

func cmpEmpty() cmp.Option {
	return cmp.FilterValues(func(a, b []spec.Constraint) bool {
		return len(a) == 0 && len(b) == 0
	}, cmp.Ignore())
}
