package fusion

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"signal-fusion/internal/metrics"
)

// Dispatcher receives committed alerts. Dispatch is called outside any entity
// critical section and must not re-enter the engine's fire decision.
type Dispatcher interface {
	Dispatch(rec AlertRecord)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(rec AlertRecord)

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(rec AlertRecord) { f(rec) }

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithDispatcher sets the collaborator that receives fired alerts.
func WithDispatcher(d Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// Engine fuses signals per entity and fires deduplicated alerts.
type Engine struct {
	cfgMu    sync.RWMutex
	settings Settings

	mu       sync.Mutex
	entities map[string]*entity

	coolMu    sync.Mutex
	cooldowns map[string]AlertRecord

	dispatcher Dispatcher
	now        func() time.Time
	logger     zerolog.Logger
}

// New constructs an engine with validated settings.
func New(settings Settings, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		settings:  settings,
		entities:  make(map[string]*entity),
		cooldowns: make(map[string]AlertRecord),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With().Str("component", "fusion").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Configure swaps the settings. Holding the write side of cfgMu waits for every
// in-flight registration, so no critical section observes a mix of settings.
func (e *Engine) Configure(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	e.cfgMu.Lock()
	e.settings = settings
	e.cfgMu.Unlock()

	e.logger.Info().
		Float64("min_fire_score", settings.MinFireScore).
		Dur("window", settings.Window).
		Dur("cooldown", settings.Cooldown).
		Int("min_distinct_sources", settings.MinDistinctSources).
		Str("policy", settings.Policy.Name()).
		Msg("fusion settings applied")
	return nil
}

// Settings returns the active settings.
func (e *Engine) Settings() Settings {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.settings
}

// RegisterSignal records an observation stamped with the current time.
func (e *Engine) RegisterSignal(entityKey, source string, weight float64, metadata map[string]string) error {
	return e.RegisterSignalAt(entityKey, source, weight, time.Time{}, metadata)
}

// RegisterSignalAt records an observation made at observedAt. A zero or future
// timestamp is replaced by the current time. Errors are returned only for
// malformed input; not firing is a normal outcome.
func (e *Engine) RegisterSignalAt(entityKey, source string, weight float64, observedAt time.Time, metadata map[string]string) error {
	key := NormalizeKey(entityKey)
	if err := validateSignal(key, source, weight); err != nil {
		metrics.SignalsRejected.WithLabelValues(rejectReason(err)).Inc()
		e.logger.Warn().Err(err).
			Str("entity", entityKey).
			Str("source", source).
			Float64("weight", weight).
			Msg("signal rejected")
		return err
	}

	now := e.now()
	if observedAt.IsZero() || observedAt.After(now) {
		observedAt = now
	}
	ev := NewSignalEvent(source, weight, observedAt, metadata)
	metrics.SignalsRegistered.WithLabelValues(ev.Source).Inc()

	rec, fired, err := e.process(key, ev)
	if err != nil {
		// invariant violations abort the transition; the producer still sees a clean return
		return nil
	}
	if fired && e.dispatcher != nil {
		e.dispatcher.Dispatch(rec.Clone())
	}
	return nil
}

// process runs append → prune → score → cooldown check → commit atomically for key.
func (e *Engine) process(key string, ev SignalEvent) (AlertRecord, bool, error) {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	s := e.settings

	ent := e.lockEntity(key, true)
	defer ent.mu.Unlock()

	now := e.now()
	ent.insert(ev)
	ent.prune(now.Add(-s.Window))
	if len(ent.events) == 0 {
		e.evictLocked(ent)
		return AlertRecord{}, false, nil
	}

	a := Score(ent.events, s.MinDistinctSources, s.Policy, s.ScoreCeiling)
	metrics.CompositeScore.Observe(a.Score)
	if a.Score > s.ScoreCeiling || a.Score < 0 {
		return AlertRecord{}, false, e.invariant(key, fmt.Errorf("%w: score %.4f outside [0, %.4f]", ErrInvariant, a.Score, s.ScoreCeiling))
	}

	logEvt := e.logger.Debug().
		Str("entity", key).
		Str("source", ev.Source).
		Float64("score", a.Score).
		Int("distinct_sources", a.DistinctSources)

	if a.DistinctSources < s.MinDistinctSources || a.Score < s.MinFireScore {
		logEvt.Str("state", StateScoring.String()).Msg("signal scored")
		return AlertRecord{}, false, nil
	}

	if _, active := e.activeCooldown(key, now, s.Cooldown); active {
		logEvt.Str("state", StateCooldown.String()).Msg("fire suppressed by cooldown")
		return AlertRecord{}, false, nil
	}

	rec := newAlertRecord(key, a, s.Policy.Name(), now)
	if err := e.commitCooldown(rec, now, s.Cooldown); err != nil {
		return AlertRecord{}, false, e.invariant(key, err)
	}

	metrics.AlertsFired.WithLabelValues(rec.Policy).Inc()
	e.logger.Info().
		Str("entity", key).
		Str("state", StateFired.String()).
		Float64("score", rec.Score).
		Int("distinct_sources", rec.DistinctSources).
		Strs("sources", rec.Sources()).
		Msg("convergence alert fired")
	return rec, true, nil
}

func (e *Engine) invariant(key string, err error) error {
	metrics.InvariantViolations.Inc()
	e.logger.Error().Err(err).Bool("invariant", true).Str("entity", key).Msg("transition aborted")
	return err
}

// State reports the lifecycle position of an entity. Fired is transient and is
// never observed from outside: a fire commits straight into Cooldown.
func (e *Engine) State(entityKey string) State {
	key := NormalizeKey(entityKey)
	s := e.Settings()
	if _, active := e.activeCooldown(key, e.now(), s.Cooldown); active {
		return StateCooldown
	}
	e.mu.Lock()
	_, ok := e.entities[key]
	e.mu.Unlock()
	if ok {
		return StateScoring
	}
	return StateIdle
}

func rejectReason(err error) string {
	switch err {
	case ErrEmptyKey:
		return "empty_key"
	case ErrEmptySource:
		return "empty_source"
	case ErrInvalidWeight:
		return "invalid_weight"
	default:
		return "other"
	}
}
