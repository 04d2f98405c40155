package policy

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/flexigpt/moviedialog-go/internal/relax"
	"github.com/flexigpt/moviedialog-go/spec"
)

// step accumulates one decision. Its fields start as copies of the session.
type step struct {
	p  *Policy
	in Input

	data     spec.PolicyData
	cache    spec.CandidateCache
	act      spec.SystemAct
	rounds   int
	queried  bool
	cacheHit bool
}

func (st *step) decision() Decision {
	act := st.act
	act.SessionID = st.in.Session.ID
	act.State = st.data.State
	return Decision{
		Act:              act,
		Policy:           st.data,
		Cache:            st.cache,
		RelaxationRounds: st.rounds,
		Queried:          st.queried,
		CacheHit:         st.cacheHit,
	}
}

func (st *step) failed(from spec.PolicyState, err error) (Decision, error) {
	if !errors.Is(err, spec.ErrRetrieval) {
		return Decision{}, err
	}
	st.data = st.in.Session.Policy.Clone()
	if st.data.State == "" {
		st.data.State = from
	}
	st.cache = cloneCache(st.in.Session.Cache)
	st.act = spec.SystemAct{Intent: spec.AgentServiceUnavailable, Error: spec.ErrorKind(err)}
	st.p.log.Warn("retrieval unavailable",
		zap.String("session", string(st.in.Session.ID)),
		zap.String("state", string(from)),
		zap.Error(err),
	)
	return st.decision(), err
}

func (st *step) belief() spec.BeliefState { return st.in.Session.Belief }

func (st *step) closeWith(act spec.SystemAct) {
	st.data.State = spec.StateClosing
	st.data.Focus = nil
	st.act = act
}

// restart acknowledges the reset and asks for the most essential slot again.
func (st *step) restart() {
	st.data = spec.PolicyData{State: spec.StateGreeting, AskSeq: st.data.AskSeq}
	st.cache = spec.CandidateCache{}
	st.act = spec.SystemAct{Intent: spec.AgentRestart}
	if name, ok := st.nextSlot(); ok {
		st.markAsked(name)
		st.act.Slots = []spec.ActSlot{{Name: name}}
	}
}

// greet always moves to Elicitation with a request for the top unfilled slot.
func (st *step) greet(ctx context.Context) error {
	name, ok := st.nextSlot()
	if !ok {
		// Every slot already holds a value, e.g. after a state reset.
		st.data.State = spec.StateElicitation
		return st.elicit(ctx)
	}
	st.data.State = spec.StateElicitation
	st.markAsked(name)
	intent := spec.AgentRequest
	if len(st.in.Session.History) == 0 && len(st.belief().Slots) == 0 {
		intent = spec.AgentWelcome
	}
	st.act = spec.SystemAct{Intent: intent, Slots: []spec.ActSlot{{Name: name}}}
	return nil
}

func (st *step) elicit(ctx context.Context) error {
	b := st.belief()
	st.data.State = spec.StateElicitation

	if len(b.Pending) > 0 {
		slots := make([]spec.ActSlot, 0, len(b.Pending))
		for _, pc := range b.Pending {
			slots = append(slots, spec.ActSlot{Name: pc.Slot, Value: pc.Value, Confidence: pc.Confidence})
		}
		st.data.State = spec.StateConfirmation
		st.act = spec.SystemAct{
			Intent:  spec.AgentConfirm,
			Slots:   slots,
			Pending: slices.Clone(b.Pending),
		}
		return nil
	}

	active := b.ActiveConstraints()
	if len(active) == 0 || len(active) < st.p.cfg.MinFilledSlots {
		st.request(0, nil)
		return nil
	}

	if err := st.candidates(ctx, active); err != nil {
		return err
	}
	cands, relaxed := st.cache.Candidates, slices.Clone(st.cache.Relaxations)

	switch {
	case len(cands) == 0:
		st.act = spec.SystemAct{Intent: spec.AgentNoResults, Slots: actSlots(active)}
	case len(cands) <= st.p.cfg.TopK:
		st.recommend(cands, relaxed)
	default:
		if !st.request(len(cands), relaxed) {
			// Nothing left to ask: present the best matches anyway.
			st.recommend(cands[:st.p.cfg.TopK], relaxed)
		}
	}
	return nil
}

// request asks for the next unfilled slot. It reports false when none is left.
func (st *step) request(count int, relaxed []spec.SlotName) bool {
	name, ok := st.nextSlot()
	if !ok {
		if count == 0 {
			// Unreachable while MinFilledSlots <= ontology size.
			st.act = spec.SystemAct{Intent: spec.AgentReprompt}
		}
		return false
	}
	st.markAsked(name)
	st.act = spec.SystemAct{
		Intent:             spec.AgentRequest,
		Slots:              []spec.ActSlot{{Name: name}},
		ResultCount:        count,
		RelaxationsApplied: relaxed,
	}
	return true
}

func (st *step) recommend(cands []spec.Candidate, relaxed []spec.SlotName) {
	st.data.State = spec.StateRecommendation
	st.data.Focus = slices.Clone(cands)
	st.act = spec.SystemAct{
		Intent:             spec.AgentInform,
		Candidates:         slices.Clone(cands),
		RelaxationsApplied: relaxed,
		ResultCount:        len(cands),
	}
}

func (st *step) accept() {
	movie := st.acceptedMovie()
	if st.p.cfg.MultiRecommendation {
		st.data.State = spec.StateFeedback
		st.act = spec.SystemAct{Intent: spec.AgentRequest, Slots: movie}
		return
	}
	st.closeWith(spec.SystemAct{Intent: spec.AgentBye, Slots: movie})
}

// acceptedMovie is the movie named by the user act, else the first one in focus.
func (st *step) acceptedMovie() []spec.ActSlot {
	if id, ok := movieTarget(st.in.UserAct); ok {
		return []spec.ActSlot{{Name: spec.SlotMovieID, Value: id, Confidence: 1}}
	}
	if len(st.data.Focus) > 0 {
		return []spec.ActSlot{{Name: spec.SlotMovieID, Value: st.data.Focus[0].MovieID, Confidence: 1}}
	}
	return nil
}

// describe answers a request about the movie in focus.
func (st *step) describe(ctx context.Context) error {
	movieID, ok := movieTarget(st.in.UserAct)
	if !ok && len(st.data.Focus) > 0 {
		movieID, ok = st.data.Focus[0].MovieID, true
	}
	if !ok {
		return st.elicit(ctx)
	}

	var asked []spec.SlotName
	for _, s := range st.in.UserAct.Slots {
		if s.Name != spec.SlotMovieID {
			asked = append(asked, s.Name)
		}
	}
	if len(asked) == 0 {
		asked = st.p.cfg.Ontology.Names()
	}

	st.act = spec.SystemAct{
		Intent:     spec.AgentInform,
		Slots:      []spec.ActSlot{{Name: spec.SlotMovieID, Value: movieID, Confidence: 1}},
		Candidates: focusFor(st.data.Focus, movieID),
	}
	if st.p.describer == nil {
		return nil
	}

	attrs, err := st.p.describer.Describe(ctx, movieID, asked)
	if err != nil {
		if errors.Is(err, spec.ErrMovieNotFound) {
			return nil
		}
		if errors.Is(err, spec.ErrRetrieval) || ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: describe %s: %w", spec.ErrRetrieval, movieID, err)
	}
	for _, name := range asked {
		if v, ok := attrs[name]; ok && v != "" {
			st.act.Slots = append(st.act.Slots, spec.ActSlot{Name: name, Value: v, Confidence: 1})
		}
	}
	return nil
}

// candidates fills st.cache for the current belief, relaxing on empty results.
func (st *step) candidates(ctx context.Context, active []spec.Constraint) error {
	b := st.belief()
	if st.cache.ValidFor(b) {
		st.cacheHit = true
		return nil
	}

	st.queried = true
	cands, err := st.query(ctx, active)
	if err != nil {
		return err
	}

	var dropped []spec.SlotName
	maxRounds := st.p.cfg.MaxRelaxationRounds
	if maxRounds <= 0 {
		maxRounds = len(active)
	}
	cur := active
	for round := 0; len(cands) == 0 && round < maxRounds; round++ {
		r := relax.Relax(cur, st.p.cfg.Ontology, round)
		st.rounds++
		if r.Exhausted {
			break
		}
		dropped = append(dropped, r.Dropped)
		cur = r.Narrowed
		if cands, err = st.query(ctx, cur); err != nil {
			return err
		}
	}
	if len(cands) == 0 {
		dropped = nil
	}

	st.cache = spec.CandidateCache{
		Computed:      true,
		BeliefVersion: b.Version,
		Candidates:    cands,
		Relaxations:   dropped,
	}
	return nil
}

func (st *step) query(ctx context.Context, cs []spec.Constraint) ([]spec.Candidate, error) {
	b := st.belief()
	var (
		got []spec.Candidate
		err error
	)
	if ex, ok := st.p.retriever.(spec.ExcludingRetriever); ok && len(b.NegatedMovies) > 0 {
		got, err = ex.QueryExcluding(ctx, relax.Query(cs), b.NegatedMovies)
	} else {
		got, err = st.p.retriever.Query(ctx, relax.Query(cs))
	}
	if err != nil {
		if errors.Is(err, spec.ErrRetrieval) || ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", spec.ErrRetrieval, err)
	}
	out := make([]spec.Candidate, 0, len(got))
	for _, c := range got {
		if !b.IsNegated(c.MovieID) {
			out = append(out, c)
		}
	}
	slices.SortStableFunc(out, func(x, y spec.Candidate) int { return cmp.Compare(y.Score, x.Score) })
	return out, nil
}

// nextSlot picks the unfilled slot with the best static rank, breaking ties by
// least recently asked, then by name.
func (st *step) nextSlot() (spec.SlotName, bool) {
	b := st.belief()
	var best spec.SlotName
	found := false
	for _, name := range st.p.cfg.Ontology.Names() {
		if _, filled := b.Active(name); filled {
			continue
		}
		if _, pending := b.PendingFor(name); pending {
			continue
		}
		if !found || st.less(name, best) {
			best, found = name, true
		}
	}
	return best, found
}

func (st *step) less(a, b spec.SlotName) bool {
	o := st.p.cfg.Ontology
	if c := cmp.Compare(o.Rank(a), o.Rank(b)); c != 0 {
		return c < 0
	}
	if c := cmp.Compare(st.data.LastAsked[a], st.data.LastAsked[b]); c != 0 {
		return c < 0
	}
	return a < b
}

func (st *step) markAsked(name spec.SlotName) {
	st.data.AskSeq++
	if st.data.LastAsked == nil {
		st.data.LastAsked = map[spec.SlotName]int{}
	}
	st.data.LastAsked[name] = st.data.AskSeq
}

func movieTarget(act spec.DialogueAct) (string, bool) {
	for _, s := range act.Slots {
		if s.Name == spec.SlotMovieID && s.Value != "" {
			return s.Value, true
		}
	}
	return "", false
}

func focusFor(focus []spec.Candidate, movieID string) []spec.Candidate {
	for _, c := range focus {
		if c.MovieID == movieID {
			return []spec.Candidate{c}
		}
	}
	return nil
}

func actSlots(cs []spec.Constraint) []spec.ActSlot {
	out := make([]spec.ActSlot, 0, len(cs))
	for _, c := range cs {
		out = append(out, spec.ActSlot{Name: c.Slot, Value: c.Value})
	}
	return out
}
