package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"signal-fusion/internal/fusion"
	"signal-fusion/internal/scheduler"
	"signal-fusion/internal/storage"
)

// ErrInstanceLocked means another aggregator instance holds the advisory lock.
var ErrInstanceLocked = errors.New("service: another instance holds the advisory lock")

// Runner is a long-running component that stops when ctx is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// NamedRunner labels a Runner in logs and errors.
type NamedRunner struct {
	Name   string
	Runner Runner
}

// Sweeper is the periodic maintenance surface of the engine.
type Sweeper interface {
	Sweep() fusion.SweepResult
}

// Drainer flushes in-flight alerts on shutdown.
type Drainer interface {
	Close(ctx context.Context)
}

// Refresher recomputes derived state on a schedule.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Retainer deletes persisted history past its retention.
type Retainer interface {
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// Options tune the service loops.
type Options struct {
	SweepInterval     time.Duration
	QualityInterval   time.Duration
	RetentionInterval time.Duration
	RetentionKeep     time.Duration
	LockKey           int64
	ShutdownTimeout   time.Duration
}

// Deps are the components the service supervises. Only Engine is required.
type Deps struct {
	Engine     Sweeper
	Dispatcher Drainer
	Runners    []NamedRunner
	Quality    Refresher
	History    Retainer
	Locker     storage.AdvisoryLocker
}

// Service supervises ingest, the HTTP API and the maintenance loops under one
// errgroup, then drains the dispatcher.
type Service struct {
	opts   Options
	deps   Deps
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs the service.
func New(opts Options, deps Deps, logger zerolog.Logger) *Service {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 20 * time.Second
	}
	return &Service{
		opts:   opts,
		deps:   deps,
		logger: logger.With().Str("component", "service").Logger(),
		now:    time.Now,
	}
}

// Run blocks until ctx is cancelled or a supervised component fails. The
// dispatcher is drained on every return path.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Engine == nil {
		s.drain()
		return fmt.Errorf("engine not configured")
	}

	unlock, err := s.acquireLock(ctx)
	if err != nil {
		s.drain()
		return err
	}
	if unlock != nil {
		defer unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range s.deps.Runners {
		r := r
		g.Go(func() error {
			if err := r.Runner.Run(gctx); err != nil {
				return fmt.Errorf("%s: %w", r.Name, err)
			}
			s.logger.Debug().Str("runner", r.Name).Msg("runner returned")
			return nil
		})
	}

	s.schedule(g, gctx, "sweep", s.opts.SweepInterval, s.sweep)
	if s.deps.Quality != nil && s.opts.QualityInterval > 0 {
		s.schedule(g, gctx, "quality_refresh", s.opts.QualityInterval, func(ctx context.Context, _ time.Time) error {
			return s.deps.Quality.Refresh(ctx)
		})
	}
	if s.deps.History != nil && s.opts.RetentionKeep > 0 && s.opts.RetentionInterval > 0 {
		s.schedule(g, gctx, "retention", s.opts.RetentionInterval, s.retain)
	}

	s.logger.Info().Int("runners", len(s.deps.Runners)).Msg("service started")
	err = g.Wait()
	s.drain()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Service) schedule(g *errgroup.Group, ctx context.Context, name string, interval time.Duration, tick scheduler.TickFunc) {
	sched := scheduler.New(scheduler.Options{Name: name, Interval: interval}, s.logger)
	g.Go(func() error {
		return sched.Run(ctx, tick)
	})
}

func (s *Service) sweep(ctx context.Context, _ time.Time) error {
	res := s.deps.Engine.Sweep()
	s.logger.Debug().
		Int("events_pruned", res.EventsPruned).
		Int("entities_evicted", res.EntitiesEvicted).
		Int("cooldowns_expired", res.CooldownsExpired).
		Int("entities", res.Entities).
		Msg("sweep completed")
	return nil
}

func (s *Service) retain(ctx context.Context, _ time.Time) error {
	cutoff := s.now().Add(-s.opts.RetentionKeep)
	deleted, err := s.deps.History.DeleteAlertsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("apply retention: %w", err)
	}
	if deleted > 0 {
		s.logger.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("expired alerts deleted")
	}
	return nil
}

func (s *Service) drain() {
	if s.deps.Dispatcher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	s.deps.Dispatcher.Close(ctx)
	s.logger.Info().Msg("dispatcher drained")
}

func (s *Service) acquireLock(ctx context.Context) (func(), error) {
	if s.opts.LockKey == 0 || s.deps.Locker == nil {
		return nil, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, ErrInstanceLocked
	}
	s.logger.Info().Int64("lock_key", s.opts.LockKey).Msg("advisory lock acquired")
	return unlock, nil
}
