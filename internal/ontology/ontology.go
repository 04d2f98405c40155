// Package ontology holds the configured slot vocabulary and its static priority ranks.
package ontology

import (
	"fmt"
	"strings"

	"github.com/flexigpt/moviedialog-go/spec"
)

// Ontology ranks slot names from most (rank 0) to least essential.
// Several names may share a rank; callers break such ties themselves.
type Ontology struct {
	names []spec.SlotName
	rank  map[spec.SlotName]int
}

// Parse builds an ontology from a priority order. An entry may group
// equally essential slots with "|", e.g. "actor|director".
func Parse(order []string) (Ontology, error) {
	o := Ontology{rank: map[spec.SlotName]int{}}
	for i, entry := range order {
		for part := range strings.SplitSeq(entry, "|") {
			name := Normalize(spec.SlotName(part))
			if name == "" {
				return Ontology{}, fmt.Errorf("%w: empty slot name in priority entry %d", spec.ErrInvalidArgument, i)
			}
			if name == spec.SlotMovieID {
				return Ontology{}, fmt.Errorf("%w: %q is reserved", spec.ErrInvalidArgument, name)
			}
			if _, dup := o.rank[name]; dup {
				return Ontology{}, fmt.Errorf("%w: duplicate slot %q", spec.ErrInvalidArgument, name)
			}
			o.rank[name] = i
			o.names = append(o.names, name)
		}
	}
	if len(o.names) == 0 {
		return Ontology{}, fmt.Errorf("%w: slot priority order is required", spec.ErrInvalidArgument)
	}
	return o, nil
}

// MustParse is Parse for static orders in tests and examples.
// Normalize trims and lowercases a slot name.
func Normalize(name spec.SlotName) spec.SlotName {
	return spec.SlotName(strings.ToLower(strings.TrimSpace(string(name))))
}

func MustParse(order ...string) Ontology {
	o, err := Parse(order)
	if err != nil {
		panic(err)
	}
	return o
}

func (o Ontology) Known(name spec.SlotName) bool {
	_, ok := o.rank[name]
	return ok
}

// Rank returns the slot's priority rank; unknown names rank after every known one.
func (o Ontology) Rank(name spec.SlotName) int {
	if r, ok := o.rank[name]; ok {
		return r
	}
	return len(o.names)
}

// Names returns the slots in priority order.
func (o Ontology) Names() []spec.SlotName {
	return append([]spec.SlotName(nil), o.names...)
}

func (o Ontology) Len() int { return len(o.names) }
