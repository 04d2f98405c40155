// Package policy decides the next system act from an updated session.
//
// The policy is a finite state machine over spec.PolicyState. It consults the
// retriever and the constraint relaxer, but never mutates the session it is
// given: every decision carries the next PolicyData and candidate cache.
package policy

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/flexigpt/moviedialog-go/internal/ontology"
	"github.com/flexigpt/moviedialog-go/spec"
)

type Config struct {
	Ontology ontology.Ontology

	// MinFilledSlots is the number of active slots needed before querying.
	MinFilledSlots int

	// MaxRelaxationRounds bounds relaxation per query; 0 means one per active slot.
	MaxRelaxationRounds int

	// TopK is the largest candidate set presented as a recommendation.
	TopK int

	// MultiRecommendation loops an accepted recommendation into Feedback
	// instead of closing the dialogue.
	MultiRecommendation bool
}

type Policy struct {
	cfg       Config
	retriever spec.Retriever
	describer spec.MovieDescriber
	log       *zap.Logger
}

type Option func(*Policy) error

// WithDescriber enables answers to requests about the movie in focus.
func WithDescriber(d spec.MovieDescriber) Option {
	return func(p *Policy) error {
		p.describer = d
		return nil
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Policy) error {
		if l == nil {
			return fmt.Errorf("%w: nil logger", spec.ErrInvalidArgument)
		}
		p.log = l
		return nil
	}
}

func New(cfg Config, r spec.Retriever, opts ...Option) (*Policy, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: retriever is required", spec.ErrInvalidArgument)
	}
	if cfg.Ontology.Len() == 0 {
		return nil, fmt.Errorf("%w: ontology is required", spec.ErrInvalidArgument)
	}
	if cfg.MinFilledSlots < 1 || cfg.MinFilledSlots > cfg.Ontology.Len() {
		return nil, fmt.Errorf("%w: min filled slots %d outside [1,%d]",
			spec.ErrInvalidArgument, cfg.MinFilledSlots, cfg.Ontology.Len())
	}
	if cfg.TopK < 1 {
		return nil, fmt.Errorf("%w: top k must be positive, got %d", spec.ErrInvalidArgument, cfg.TopK)
	}
	if cfg.MaxRelaxationRounds < 0 {
		return nil, fmt.Errorf("%w: negative max relaxation rounds", spec.ErrInvalidArgument)
	}

	p := &Policy{cfg: cfg, retriever: r, log: zap.NewNop()}
	if d, ok := r.(spec.MovieDescriber); ok {
		p.describer = d
	}
	for _, o := range opts {
		if o == nil {
			continue
		}
		if err := o(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Input is the session after the belief tracker applied UserAct.
type Input struct {
	Session spec.Session
	UserAct spec.DialogueAct
}

type Decision struct {
	Act    spec.SystemAct
	Policy spec.PolicyData
	Cache  spec.CandidateCache

	// RelaxationRounds counts the relaxer calls made for this decision.
	RelaxationRounds int
	// Queried reports whether the retriever was consulted (cache misses only).
	Queried bool
	// CacheHit reports that a still-valid candidate cache answered the lookup.
	CacheHit bool
}

// NextState is the policy state after the decision.
func (d Decision) NextState() spec.PolicyState { return d.Policy.State }

// Decide runs one step of the state machine.
//
// Undefined state/act combinations return an error wrapping spec.ErrState and
// a zero Decision. A retrieval failure returns an error wrapping
// spec.ErrRetrieval together with a service_unavailable decision that keeps
// the incoming policy data and cache.
func (p *Policy) Decide(ctx context.Context, in Input) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	st := &step{
		p:     p,
		in:    in,
		data:  in.Session.Policy.Clone(),
		cache: cloneCache(in.Session.Cache),
	}
	if st.data.State == "" {
		st.data.State = spec.StateGreeting
	}
	from := st.data.State
	intent := in.UserAct.Intent

	var err error
	switch intent {
	case spec.UserBye:
		st.closeWith(spec.SystemAct{Intent: spec.AgentBye})
	case spec.UserRestart:
		if from == spec.StateClosing {
			return Decision{}, stateErr(from, intent)
		}
		st.restart()
	default:
		err = st.dispatch(ctx, from, intent)
	}
	if err != nil {
		return st.failed(from, err)
	}

	p.log.Debug("policy decision",
		zap.String("session", string(in.Session.ID)),
		zap.String("from", string(from)),
		zap.String("to", string(st.data.State)),
		zap.String("userIntent", string(intent)),
		zap.String("agentIntent", string(st.act.Intent)),
		zap.Int("relaxationRounds", st.rounds),
	)
	return st.decision(), nil
}

func (st *step) dispatch(ctx context.Context, from spec.PolicyState, intent spec.UserIntent) error {
	switch from {
	case spec.StateGreeting:
		return st.greet(ctx)

	case spec.StateElicitation:
		switch intent {
		case spec.UserInform, spec.UserConfirm, spec.UserNegate, spec.UserReject, spec.UserRequest:
			return st.elicit(ctx)
		case spec.UserAccept:
			return stateErr(from, intent)
		}

	case spec.StateConfirmation:
		switch intent {
		case spec.UserConfirm, spec.UserNegate, spec.UserReject, spec.UserInform:
			return st.elicit(ctx)
		case spec.UserAccept, spec.UserRequest:
			return stateErr(from, intent)
		}

	case spec.StateRecommendation:
		switch intent {
		case spec.UserAccept:
			st.accept()
			return nil
		case spec.UserReject, spec.UserNegate, spec.UserInform, spec.UserConfirm:
			return st.elicit(ctx)
		case spec.UserRequest:
			return st.describe(ctx)
		}

	case spec.StateFeedback:
		switch intent {
		case spec.UserAccept:
			st.closeWith(spec.SystemAct{Intent: spec.AgentBye, Slots: st.acceptedMovie()})
			return nil
		case spec.UserInform, spec.UserRequest, spec.UserReject, spec.UserNegate, spec.UserConfirm:
			return st.elicit(ctx)
		}

	case spec.StateClosing:
		return stateErr(from, intent)
	}
	return stateErr(from, intent)
}

func stateErr(from spec.PolicyState, intent spec.UserIntent) error {
	return fmt.Errorf("%w: no transition for %q in state %q", spec.ErrState, intent, from)
}

func cloneCache(c spec.CandidateCache) spec.CandidateCache {
	return spec.CandidateCache{
		Computed:      c.Computed,
		BeliefVersion: c.BeliefVersion,
		Candidates:    append([]spec.Candidate(nil), c.Candidates...),
		Relaxations:   append([]spec.SlotName(nil), c.Relaxations...),
	}
}
