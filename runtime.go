package moviedialog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/flexigpt/moviedialog-go/internal/belief"
	"github.com/flexigpt/moviedialog-go/internal/metrics"
	"github.com/flexigpt/moviedialog-go/internal/policy"
	"github.com/flexigpt/moviedialog-go/internal/retrieval"
	"github.com/flexigpt/moviedialog-go/internal/session"
	"github.com/flexigpt/moviedialog-go/spec"
)

// Runtime is the session orchestrator. It is the only component that mutates
// a session, and it processes at most one turn per session at a time.
type Runtime struct {
	logger *zap.Logger
	cfg    Config

	store spec.SessionStore
	locks *session.Locks

	tracker *belief.Tracker
	policy  *policy.Policy

	metrics *metrics.Metrics
	now     func() time.Time
}

func New(opts ...Option) (*Runtime, error) {
	o := runtimeOptions{
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	if !o.cfgSet {
		return nil, fmt.Errorf("%w: configuration is required", spec.ErrInvalidArgument)
	}
	if o.retriever == nil {
		return nil, fmt.Errorf("%w: retriever is required", spec.ErrInvalidArgument)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	ont, err := o.cfg.Ontology()
	if err != nil {
		return nil, err
	}
	tracker, err := belief.New(ont, o.cfg.ConfirmationConfidenceThreshold)
	if err != nil {
		return nil, err
	}

	m := metrics.New(o.registerer)
	// Describe calls share the client's retries whether the describer is
	// explicit or detected on the retriever.
	client, err := retrieval.New(o.retriever, retrieval.Config{
		RetryCount: o.cfg.RetrievalRetryCount,
		Backoff:    o.cfg.RetrievalRetryBackoff,
		Breaker:    o.breaker,
	},
		retrieval.WithLogger(o.logger.Named("retrieval")),
		retrieval.WithMetrics(m),
		retrieval.WithDescriber(o.describer),
	)
	if err != nil {
		return nil, err
	}

	popts := []policy.Option{
		policy.WithLogger(o.logger.Named("policy")),
		policy.WithDescriber(client),
	}
	pol, err := policy.New(policy.Config{
		Ontology:            ont,
		MinFilledSlots:      o.cfg.MinFilledSlotsForQuery,
		MaxRelaxationRounds: o.cfg.MaxRelaxationRounds,
		TopK:                o.cfg.TopKRecommendations,
		MultiRecommendation: o.cfg.MultiRecommendation,
	}, client, popts...)
	if err != nil {
		return nil, err
	}

	store := o.store
	if store == nil {
		store = session.NewStore(session.StoreConfig{MaxSessions: o.cfg.MaxSessions})
	}

	return &Runtime{
		logger:  o.logger,
		cfg:     o.cfg,
		store:   store,
		locks:   session.NewLocks(),
		tracker: tracker,
		policy:  pol,
		metrics: m,
		now:     o.now,
	}, nil
}

// NewSessionID returns a fresh UUIDv7 session id.
func (r *Runtime) NewSessionID() (spec.SessionID, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return spec.SessionID(u.String()), nil
}

// HandleTurn applies one inbound act to its session and returns the outbound act.
//
// An act without a session id starts a new session; the returned act carries
// the id. Unknown ids create a session too.
//
// Parse errors leave the session untouched and return a reprompt act together
// with an error wrapping spec.ErrParse. Retrieval and state errors are
// recovered: the act reports them in SystemAct.Error and the error is nil.
// Store failures and context errors are returned as is.
func (r *Runtime) HandleTurn(ctx context.Context, act spec.DialogueAct) (spec.SystemAct, error) {
	if err := ctx.Err(); err != nil {
		return spec.SystemAct{}, err
	}
	start := time.Now()

	act.SessionID = spec.SessionID(strings.TrimSpace(string(act.SessionID)))
	if act.SessionID == "" {
		id, err := r.NewSessionID()
		if err != nil {
			return spec.SystemAct{}, err
		}
		act.SessionID = id
	}
	id := act.SessionID

	unlock, err := r.locks.Lock(ctx, id)
	if err != nil {
		return spec.SystemAct{}, err
	}
	defer unlock()

	sess, err := r.loadOrCreate(ctx, id)
	if err != nil {
		return spec.SystemAct{}, err
	}
	log := r.logger.With(zap.String("session", string(id)))

	act = withImplicitMovie(belief.Normalize(act), sess.Policy)
	nextBelief, err := r.tracker.Update(sess.Belief, act)
	if err != nil {
		r.metrics.TurnErrors.WithLabelValues(spec.ErrorKind(err)).Inc()
		log.Info("unparseable act", zap.String("intent", string(act.Intent)), zap.Error(err))
		state := sess.Policy.State
		if state == "" {
			state = spec.StateGreeting
		}
		return spec.SystemAct{
			SessionID: id,
			Intent:    spec.AgentReprompt,
			State:     state,
			Error:     spec.ErrorKind(err),
		}, err
	}

	work := sess
	work.Belief = nextBelief

	d, err := r.decide(ctx, log, work, act)
	if err != nil {
		return spec.SystemAct{}, err
	}

	now := r.now()
	work.Policy = d.Policy
	work.Cache = d.Cache
	work.History = append(work.History, spec.DialogueTurn{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		UserAct:   act,
		SystemAct: d.Act,
		Timestamp: now,
	})
	work.LastActive = now

	if d.NextState() == spec.StateClosing {
		if err := r.store.Delete(ctx, id); err != nil {
			return spec.SystemAct{}, fmt.Errorf("delete session %s: %w", id, err)
		}
	} else if err := r.store.Put(ctx, work); err != nil {
		return spec.SystemAct{}, fmt.Errorf("save session %s: %w", id, err)
	}

	r.observe(act, d, start)
	return d.Act, nil
}

func (r *Runtime) loadOrCreate(ctx context.Context, id spec.SessionID) (spec.Session, error) {
	sess, err := r.store.Get(ctx, id)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, spec.ErrSessionNotFound) {
		return spec.Session{}, fmt.Errorf("load session %s: %w", id, err)
	}
	now := r.now()
	return spec.Session{
		ID:         id,
		Policy:     spec.PolicyData{State: spec.StateGreeting},
		CreatedAt:  now,
		LastActive: now,
	}, nil
}

// decide runs the policy and recovers from state and retrieval errors.
func (r *Runtime) decide(ctx context.Context, log *zap.Logger, work spec.Session, act spec.DialogueAct) (policy.Decision, error) {
	d, err := r.policy.Decide(ctx, policy.Input{Session: work, UserAct: act})
	switch {
	case err == nil:
		return d, nil

	case errors.Is(err, spec.ErrRetrieval):
		r.metrics.TurnErrors.WithLabelValues(spec.ErrorKind(err)).Inc()
		return d, nil

	case errors.Is(err, spec.ErrState):
		r.metrics.TurnErrors.WithLabelValues(spec.ErrorKind(err)).Inc()
		log.Warn("undefined policy transition, resetting to greeting",
			zap.String("state", string(work.Policy.State)),
			zap.String("intent", string(act.Intent)),
			zap.Error(err),
		)
		work.Policy.State = spec.StateGreeting
		work.Policy.Focus = nil
		d, err = r.policy.Decide(ctx, policy.Input{Session: work, UserAct: act})
		if err != nil && !errors.Is(err, spec.ErrRetrieval) {
			return policy.Decision{}, err
		}
		if d.Act.Error == "" {
			d.Act.Error = spec.ErrorKind(spec.ErrState)
		}
		return d, nil

	default:
		return policy.Decision{}, err
	}
}

func (r *Runtime) observe(act spec.DialogueAct, d policy.Decision, start time.Time) {
	r.metrics.Turns.WithLabelValues(string(act.Intent), string(d.Act.Intent), string(d.NextState())).Inc()
	r.metrics.TurnDuration.Observe(time.Since(start).Seconds())
	switch {
	case d.CacheHit:
		r.metrics.CacheLookups.WithLabelValues("hit").Inc()
	case d.Queried:
		r.metrics.CacheLookups.WithLabelValues("miss").Inc()
		r.metrics.RelaxationRounds.Observe(float64(d.RelaxationRounds))
	}
	if l, ok := r.store.(interface{ Len() int }); ok {
		r.metrics.ActiveSessions.Set(float64(l.Len()))
	}
}

// withImplicitMovie targets the first movie in focus when the user accepts,
// rejects or negates a recommendation without naming one.
func withImplicitMovie(act spec.DialogueAct, p spec.PolicyData) spec.DialogueAct {
	if len(act.Slots) > 0 || len(p.Focus) == 0 {
		return act
	}
	if p.State != spec.StateRecommendation && p.State != spec.StateFeedback {
		return act
	}
	switch act.Intent {
	case spec.UserAccept, spec.UserReject, spec.UserNegate:
		act.Slots = []spec.ActSlot{{Name: spec.SlotMovieID, Value: p.Focus[0].MovieID, Confidence: 1}}
	default:
	}
	return act
}

// EvictIdle removes sessions idle for longer than the configured session TTL.
// It is never called implicitly; hosts drive it, e.g. from a ticker.
func (r *Runtime) EvictIdle(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	sw, ok := r.store.(spec.Sweeper)
	if !ok {
		return 0, fmt.Errorf("%w: session store does not support sweeping", spec.ErrInvalidArgument)
	}
	n, err := sw.Sweep(ctx, now.Add(-r.cfg.SessionTTL))
	if err != nil {
		return n, err
	}
	if n > 0 {
		r.metrics.EvictedSessions.Add(float64(n))
		r.logger.Debug("evicted idle sessions", zap.Int("count", n))
	}
	if l, ok := r.store.(interface{ Len() int }); ok {
		r.metrics.ActiveSessions.Set(float64(l.Len()))
	}
	return n, nil
}

// EndSession discards a session. Unknown ids are not an error.
func (r *Runtime) EndSession(ctx context.Context, id spec.SessionID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(string(id)) == "" {
		return nil
	}
	unlock, err := r.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	return r.store.Delete(ctx, id)
}

// Snapshot returns a copy of the stored session.
func (r *Runtime) Snapshot(ctx context.Context, id spec.SessionID) (spec.Session, error) {
	if err := ctx.Err(); err != nil {
		return spec.Session{}, err
	}
	return r.store.Get(ctx, id)
}

// Session returns a convenience wrapper bound to a session ID,
// including tool registration via package dialoguetool.
func (r *Runtime) Session(id spec.SessionID) *Session {
	return &Session{rt: r, id: id}
}
