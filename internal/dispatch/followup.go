package dispatch

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"signal-fusion/internal/metrics"
)

// FollowUp is a deferred re-measurement at a fixed offset after the fire.
type FollowUp struct {
	Field  string        `mapstructure:"field"`
	Offset time.Duration `mapstructure:"offset"`
}

// FollowUpTask is one scheduled price re-read.
type FollowUpTask struct {
	AlertID   int64
	EntityKey string
	Field     string
	Initial   decimal.Decimal
	Due       time.Time
}

type taskHeap []FollowUpTask

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].Due.Before(h[j].Due) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(FollowUpTask)) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// FollowUpOptions tune the deferred-check scheduler.
type FollowUpOptions struct {
	Workers    int
	MaxPending int
	Timeout    time.Duration
}

// FollowUpScheduler runs deferred price checks from a single timer loop on a
// bounded worker pool. Pending volume is capped so bursts cannot grow it unboundedly.
type FollowUpScheduler struct {
	opts   FollowUpOptions
	prices PriceLookup
	store  AlertStore
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	tasks taskHeap
	wake  chan struct{}

	workers *pool.Pool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewFollowUpScheduler starts the scheduler loop.
func NewFollowUpScheduler(opts FollowUpOptions, prices PriceLookup, store AlertStore, logger zerolog.Logger) *FollowUpScheduler {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 10000
	}
	if opts.Timeout <= 0 || opts.Timeout > 15*time.Second {
		opts.Timeout = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &FollowUpScheduler{
		opts:    opts,
		prices:  prices,
		store:   store,
		logger:  logger.With().Str("component", "followup").Logger(),
		now:     time.Now,
		wake:    make(chan struct{}, 1),
		workers: pool.New().WithMaxGoroutines(opts.Workers),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

// Schedule queues a task. It returns false when the pending cap is reached.
func (s *FollowUpScheduler) Schedule(task FollowUpTask) bool {
	s.mu.Lock()
	if len(s.tasks) >= s.opts.MaxPending {
		s.mu.Unlock()
		metrics.FollowupsCompleted.WithLabelValues(task.Field, "dropped").Inc()
		s.logger.Warn().Int64("alert_id", task.AlertID).Str("field", task.Field).Msg("follow-up dropped: pending limit reached")
		return false
	}
	heap.Push(&s.tasks, task)
	metrics.FollowupsPending.Set(float64(len(s.tasks)))
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Pending reports the number of scheduled tasks.
func (s *FollowUpScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close stops the loop, drops pending tasks and waits for running ones.
func (s *FollowUpScheduler) Close() {
	s.cancel()
	<-s.done
	s.workers.Wait()

	s.mu.Lock()
	dropped := len(s.tasks)
	s.tasks = nil
	s.mu.Unlock()
	metrics.FollowupsPending.Set(0)
	if dropped > 0 {
		s.logger.Warn().Int("dropped", dropped).Msg("pending follow-ups dropped on shutdown")
	}
}

func (s *FollowUpScheduler) loop() {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due := s.popDue()
		for _, task := range due {
			task := task
			s.workers.Go(func() { s.run(task) })
		}

		wait := time.Hour
		if next, ok := s.nextDue(); ok {
			wait = next.Sub(s.now())
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

func (s *FollowUpScheduler) popDue() []FollowUpTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []FollowUpTask
	for len(s.tasks) > 0 && !s.tasks[0].Due.After(now) {
		due = append(due, heap.Pop(&s.tasks).(FollowUpTask))
	}
	metrics.FollowupsPending.Set(float64(len(s.tasks)))
	return due
}

func (s *FollowUpScheduler) nextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return time.Time{}, false
	}
	return s.tasks[0].Due, true
}

func (s *FollowUpScheduler) run(task FollowUpTask) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.Timeout)
	defer cancel()

	logger := s.logger.With().Int64("alert_id", task.AlertID).Str("entity", task.EntityKey).Str("field", task.Field).Logger()

	price, _, err := s.prices.GetPrice(ctx, task.EntityKey)
	if err != nil {
		metrics.DispatchFailures.WithLabelValues("followup").Inc()
		metrics.FollowupsCompleted.WithLabelValues(task.Field, "lookup_failed").Inc()
		logger.Warn().Err(err).Msg("follow-up price lookup failed")
		return
	}
	if !price.IsPositive() {
		metrics.FollowupsCompleted.WithLabelValues(task.Field, "no_price").Inc()
		logger.Warn().Msg("follow-up price unavailable")
		return
	}

	ret := ReturnPct(task.Initial, price)
	if err := s.store.UpdateFollowUp(ctx, task.AlertID, task.Field, price, ret); err != nil {
		metrics.DispatchFailures.WithLabelValues("followup").Inc()
		metrics.FollowupsCompleted.WithLabelValues(task.Field, "store_failed").Inc()
		logger.Error().Err(err).Msg("follow-up update failed")
		return
	}

	metrics.FollowupsCompleted.WithLabelValues(task.Field, "ok").Inc()
	logger.Info().Str("price", price.String()).Str("return_pct", ret.StringFixed(2)).Msg("follow-up recorded")
}
