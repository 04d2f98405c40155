// Package relax loosens an over-constrained query one constraint at a time.
//
// Relaxation is a pure function of (constraints, round): every call returns a
// new slice and never adds or edits values, so a sequence of rounds is
// replayable and terminates after at most len(active) rounds.
package relax

import (
	"slices"

	"github.com/flexigpt/moviedialog-go/internal/ontology"
	"github.com/flexigpt/moviedialog-go/spec"
)

type Result struct {
	// Round is the 1-based index of the round that produced this result.
	Round int

	Narrowed []spec.Constraint
	Dropped  spec.SlotName

	// Exhausted is set once no constraint remains; the caller must not query again.
	Exhausted bool
}

// Relax removes exactly the lowest-priority constraint from active.
// Among equally ranked constraints the most recently informed one goes first.
func Relax(active []spec.Constraint, o ontology.Ontology, round int) Result {
	res := Result{Round: round + 1}
	if len(active) == 0 {
		res.Exhausted = true
		return res
	}

	drop := 0
	for i := 1; i < len(active); i++ {
		// Later entries are more recent, so ">=" prefers them on equal rank.
		if o.Rank(active[i].Slot) >= o.Rank(active[drop].Slot) {
			drop = i
		}
	}

	res.Dropped = active[drop].Slot
	res.Narrowed = slices.Delete(slices.Clone(active), drop, drop+1)
	res.Exhausted = len(res.Narrowed) == 0
	return res
}

// Plan replays relaxation rounds until exhaustion or maxRounds.
// A maxRounds <= 0 means one round per active constraint.
func Plan(active []spec.Constraint, o ontology.Ontology, maxRounds int) []Result {
	if maxRounds <= 0 {
		maxRounds = len(active)
	}
	var out []Result
	cur := active
	for round := 0; round < maxRounds; round++ {
		r := Relax(cur, o, round)
		out = append(out, r)
		if r.Exhausted {
			break
		}
		cur = r.Narrowed
	}
	return out
}

// Query converts ordered constraints into a retriever query.
func Query(cs []spec.Constraint) spec.Constraints {
	q := make(spec.Constraints, len(cs))
	for _, c := range cs {
		q[c.Slot] = c.Value
	}
	return q
}
