// Package belief merges inbound dialogue acts into a session's belief state.
package belief

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/flexigpt/moviedialog-go/internal/ontology"
	"github.com/flexigpt/moviedialog-go/spec"
)

type Tracker struct {
	ont       ontology.Ontology
	threshold float64
}

// New returns a tracker. Values informed with confidence >= threshold replace
// an unconfirmed slot directly; lower confidences raise a pending conflict.
func New(o ontology.Ontology, threshold float64) (*Tracker, error) {
	if o.Len() == 0 {
		return nil, fmt.Errorf("%w: ontology is required", spec.ErrInvalidArgument)
	}
	if math.IsNaN(threshold) || threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("%w: confirmation threshold %v outside [0,1]", spec.ErrInvalidArgument, threshold)
	}
	return &Tracker{ont: o, threshold: threshold}, nil
}

// Normalize returns act with slot names trimmed and lowercased, the form the
// ontology stores them in. The input is not modified.
func Normalize(act spec.DialogueAct) spec.DialogueAct {
	if len(act.Slots) == 0 {
		return act
	}
	slots := make([]spec.ActSlot, len(act.Slots))
	for i, s := range act.Slots {
		s.Name = ontology.Normalize(s.Name)
		slots[i] = s
	}
	act.Slots = slots
	return act
}

// Validate reports whether act can be applied, wrapping spec.ErrParse otherwise.
// Slot names are matched after Normalize.
func (t *Tracker) Validate(act spec.DialogueAct) error {
	act = Normalize(act)
	if !act.Intent.Valid() {
		return fmt.Errorf("%w: malformed intent %q", spec.ErrParse, act.Intent)
	}
	for _, s := range act.Slots {
		if s.Name == spec.SlotMovieID {
			switch act.Intent {
			case spec.UserNegate, spec.UserReject, spec.UserAccept, spec.UserRequest:
			default:
				return fmt.Errorf("%w: %q cannot be used with %s", spec.ErrParse, s.Name, act.Intent)
			}
			if strings.TrimSpace(s.Value) == "" {
				return fmt.Errorf("%w: %q requires a value", spec.ErrParse, s.Name)
			}
			continue
		}
		if !t.ont.Known(s.Name) {
			return fmt.Errorf("%w: unknown slot %q", spec.ErrParse, s.Name)
		}
		if math.IsNaN(s.Confidence) || s.Confidence < 0 || s.Confidence > 1 {
			return fmt.Errorf("%w: confidence %v for %q outside [0,1]", spec.ErrParse, s.Confidence, s.Name)
		}
		if act.Intent == spec.UserInform && strings.TrimSpace(s.Value) == "" {
			return fmt.Errorf("%w: inform %q without a value", spec.ErrParse, s.Name)
		}
	}
	return nil
}

// Update applies act to state and returns the next state. The input is never
// modified. The returned Version is bumped iff something changed; an error
// leaves the caller's state untouched.
func (t *Tracker) Update(state spec.BeliefState, act spec.DialogueAct) (spec.BeliefState, error) {
	act = Normalize(act)
	if err := t.Validate(act); err != nil {
		return state, err
	}

	m := &mutation{next: state.Clone()}
	switch act.Intent {
	case spec.UserInform:
		for _, s := range act.Slots {
			t.inform(m, s)
		}
	case spec.UserConfirm:
		t.confirm(m, act.Slots)
	case spec.UserNegate, spec.UserReject:
		t.negate(m, act.Slots)
	case spec.UserRestart:
		if len(m.next.Slots) > 0 || len(m.next.Pending) > 0 || len(m.next.NegatedMovies) > 0 {
			m.next = spec.BeliefState{Version: state.Version}
			m.changed = true
		}
	case spec.UserAccept, spec.UserRequest, spec.UserBye:
		// No belief evidence.
	default:
		return state, fmt.Errorf("%w: unhandled intent %q", spec.ErrParse, act.Intent)
	}

	if !m.changed {
		return state, nil
	}
	m.next.Version = state.Version + 1
	return m.next, nil
}

type mutation struct {
	next    spec.BeliefState
	changed bool
}

func (t *Tracker) inform(m *mutation, s spec.ActSlot) {
	value := strings.TrimSpace(s.Value)
	cur, ok := m.next.Active(s.Name)

	switch {
	case !ok:
		m.dropPending(s.Name)
		m.appendSlot(spec.Slot{Name: s.Name, Value: value, Confidence: s.Confidence, Status: spec.SlotUnconfirmed})

	case sameValue(cur.Value, value):
		// Re-stating the current value settles any conflict raised against it.
		m.dropPending(s.Name)
		if s.Confidence > cur.Confidence {
			m.setConfidence(s.Name, s.Confidence)
		}

	case cur.Status == spec.SlotConfirmed || s.Confidence < t.threshold:
		m.setPending(spec.PendingConflict{
			Slot:       s.Name,
			Value:      value,
			Confidence: s.Confidence,
			Current:    cur.Value,
		})

	default:
		m.dropPending(s.Name)
		m.removeSlot(s.Name)
		m.appendSlot(spec.Slot{Name: s.Name, Value: value, Confidence: s.Confidence, Status: spec.SlotUnconfirmed})
	}
}

func (t *Tracker) confirm(m *mutation, slots []spec.ActSlot) {
	if len(slots) == 0 {
		if len(m.next.Pending) > 0 {
			for _, p := range slices.Clone(m.next.Pending) {
				m.commit(p)
			}
			return
		}
		for i := range m.next.Slots {
			if m.next.Slots[i].Status == spec.SlotUnconfirmed {
				m.next.Slots[i].Status = spec.SlotConfirmed
				m.changed = true
			}
		}
		return
	}

	for _, s := range slots {
		value := strings.TrimSpace(s.Value)
		if p, ok := m.next.PendingFor(s.Name); ok && (value == "" || sameValue(p.Value, value)) {
			m.commit(p)
			continue
		}

		cur, ok := m.next.Active(s.Name)
		switch {
		case !ok && value != "":
			m.appendSlot(spec.Slot{Name: s.Name, Value: value, Confidence: confirmedConfidence(s), Status: spec.SlotConfirmed})
		case !ok:
			// Nothing to confirm.
		case value == "" || sameValue(cur.Value, value):
			if cur.Status != spec.SlotConfirmed {
				m.setStatus(s.Name, spec.SlotConfirmed)
			}
		case cur.Status == spec.SlotConfirmed:
			m.setPending(spec.PendingConflict{Slot: s.Name, Value: value, Confidence: s.Confidence, Current: cur.Value})
		default:
			m.removeSlot(s.Name)
			m.appendSlot(spec.Slot{Name: s.Name, Value: value, Confidence: confirmedConfidence(s), Status: spec.SlotConfirmed})
		}
	}
}

func (t *Tracker) negate(m *mutation, slots []spec.ActSlot) {
	if len(slots) == 0 {
		for _, p := range slices.Clone(m.next.Pending) {
			m.dropPending(p.Slot)
		}
		return
	}

	for _, s := range slots {
		value := strings.TrimSpace(s.Value)
		if s.Name == spec.SlotMovieID {
			if !m.next.IsNegated(value) {
				m.next.NegatedMovies = append(m.next.NegatedMovies, value)
				m.changed = true
			}
			continue
		}
		if p, ok := m.next.PendingFor(s.Name); ok && (value == "" || sameValue(p.Value, value)) {
			m.dropPending(s.Name)
			continue
		}
		cur, ok := m.next.Active(s.Name)
		if !ok {
			continue
		}
		// "Not drama" while the slot holds comedy says nothing about comedy.
		if value != "" && !sameValue(cur.Value, value) {
			continue
		}
		m.dropPending(s.Name)
		m.removeSlot(s.Name)
	}
}

// commit replaces the active value with the user-sanctioned pending one.
func (m *mutation) commit(p spec.PendingConflict) {
	m.dropPending(p.Slot)
	m.removeSlot(p.Slot)
	m.appendSlot(spec.Slot{Name: p.Slot, Value: p.Value, Confidence: p.Confidence, Status: spec.SlotConfirmed})
}

func (m *mutation) appendSlot(s spec.Slot) {
	m.next.Slots = append(m.next.Slots, s)
	m.changed = true
}

func (m *mutation) removeSlot(name spec.SlotName) {
	before := len(m.next.Slots)
	m.next.Slots = slices.DeleteFunc(m.next.Slots, func(s spec.Slot) bool { return s.Name == name })
	if len(m.next.Slots) != before {
		m.changed = true
	}
}

func (m *mutation) setStatus(name spec.SlotName, st spec.SlotStatus) {
	for i := range m.next.Slots {
		if m.next.Slots[i].Name == name && m.next.Slots[i].Status != st {
			m.next.Slots[i].Status = st
			m.changed = true
		}
	}
}

func (m *mutation) setConfidence(name spec.SlotName, c float64) {
	for i := range m.next.Slots {
		if m.next.Slots[i].Name == name {
			m.next.Slots[i].Confidence = c
			m.changed = true
		}
	}
}

func (m *mutation) setPending(p spec.PendingConflict) {
	for i, cur := range m.next.Pending {
		if cur.Slot != p.Slot {
			continue
		}
		if cur == p {
			return
		}
		m.next.Pending[i] = p
		m.changed = true
		return
	}
	m.next.Pending = append(m.next.Pending, p)
	m.changed = true
}

func (m *mutation) dropPending(name spec.SlotName) {
	before := len(m.next.Pending)
	m.next.Pending = slices.DeleteFunc(m.next.Pending, func(p spec.PendingConflict) bool { return p.Slot == name })
	if len(m.next.Pending) != before {
		m.changed = true
	}
}

func sameValue(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func confirmedConfidence(s spec.ActSlot) float64 {
	if s.Confidence == 0 {
		return 1
	}
	return s.Confidence
}
