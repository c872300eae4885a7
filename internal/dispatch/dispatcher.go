package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/eapache/go-resiliency/retrier"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"signal-fusion/internal/fusion"
	"signal-fusion/internal/metrics"
)

// Options tune the dispatcher.
type Options struct {
	QueueSize       int
	Workers         int
	LookupTimeout   time.Duration
	NotifyTimeout   time.Duration
	PersistTimeout  time.Duration
	PersistRetries  int
	PersistBackoff  time.Duration
	FollowUps       []FollowUp
	FollowUpWorkers int
	MaxPending      int
	FollowUpTimeout time.Duration
}

// Dispatcher notifies, persists and schedules follow-ups for committed alerts.
// Nothing here can re-open a fire decision: it only ever sees copies.
type Dispatcher struct {
	opts      Options
	notifier  NotifySink
	store     AlertStore
	prices    PriceLookup
	annotator Annotator
	logger    zerolog.Logger

	closeMu sync.RWMutex
	closed  bool
	queue   chan fusion.AlertRecord

	workers   *pool.Pool
	followups *FollowUpScheduler

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a dispatcher and starts its queue loop. Any collaborator may be nil.
func New(opts Options, notifier NotifySink, store AlertStore, prices PriceLookup, annotator Annotator, logger zerolog.Logger) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 10 * time.Second
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 10 * time.Second
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 10 * time.Second
	}
	if opts.PersistRetries < 0 {
		opts.PersistRetries = 0
	}
	if opts.PersistBackoff <= 0 {
		opts.PersistBackoff = 500 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		opts:      opts,
		notifier:  notifier,
		store:     store,
		prices:    prices,
		annotator: annotator,
		logger:    logger.With().Str("component", "dispatch").Logger(),
		queue:     make(chan fusion.AlertRecord, opts.QueueSize),
		workers:   pool.New().WithMaxGoroutines(opts.Workers),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	if store != nil && prices != nil && len(opts.FollowUps) > 0 {
		d.followups = NewFollowUpScheduler(FollowUpOptions{
			Workers:    opts.FollowUpWorkers,
			MaxPending: opts.MaxPending,
			Timeout:    opts.FollowUpTimeout,
		}, prices, store, logger)
	}
	go d.loop()
	return d
}

// Dispatch hands a committed alert to the worker pool. It blocks only when the
// queue is full, and never inside an entity critical section.
func (d *Dispatcher) Dispatch(rec fusion.AlertRecord) {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		d.logger.Error().Str("entity", rec.EntityKey).Msg("dispatcher closed; alert not delivered")
		metrics.DispatchFailures.WithLabelValues("closed").Inc()
		return
	}
	select {
	case d.queue <- rec:
	default:
		d.logger.Warn().Str("entity", rec.EntityKey).Int("queue_size", d.opts.QueueSize).Msg("dispatch queue saturated")
		d.queue <- rec
	}
	metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
}

// Close drains queued alerts, waiting at most until ctx is done, then stops follow-ups.
func (d *Dispatcher) Close(ctx context.Context) {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.closeMu.Unlock()

	select {
	case <-d.done:
	case <-ctx.Done():
		d.logger.Warn().Msg("dispatch drain interrupted")
		d.cancel()
		<-d.done
	}
	d.cancel()
	if d.followups != nil {
		d.followups.Close()
	}
}

// PendingFollowUps reports scheduled deferred checks.
func (d *Dispatcher) PendingFollowUps() int {
	if d.followups == nil {
		return 0
	}
	return d.followups.Pending()
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for rec := range d.queue {
		metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
		rec := rec
		d.workers.Go(func() { d.handle(rec) })
	}
	d.workers.Wait()
}

func (d *Dispatcher) handle(rec fusion.AlertRecord) {
	logger := d.logger.With().Str("entity", rec.EntityKey).Time("fired_at", rec.FiredAt).Logger()

	rec = d.enrich(rec, logger)
	d.notify(rec, logger)

	id, initial, ok := d.persist(rec, logger)
	if !ok {
		return
	}
	d.scheduleFollowUps(rec, id, initial, logger)
}

func (d *Dispatcher) enrich(rec fusion.AlertRecord, logger zerolog.Logger) fusion.AlertRecord {
	if d.prices == nil {
		return rec
	}
	ctx, cancel := context.WithTimeout(d.ctx, d.opts.LookupTimeout)
	defer cancel()

	price, name, err := d.prices.GetPrice(ctx, rec.EntityKey)
	if err != nil {
		metrics.DispatchFailures.WithLabelValues("lookup").Inc()
		logger.Warn().Err(err).Msg("price lookup failed; alert sent without enrichment")
		return rec
	}
	if price.IsPositive() {
		rec.EntryPrice = price
	}
	if name != "" {
		rec.DisplayName = name
	}
	if d.annotator != nil {
		d.annotator.Annotate(rec.EntityKey, rec.FiredAt, rec.DisplayName, rec.Chain, rec.EntryPrice)
	}
	return rec
}

func (d *Dispatcher) notify(rec fusion.AlertRecord, logger zerolog.Logger) {
	if d.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(d.ctx, d.opts.NotifyTimeout)
	defer cancel()

	if err := d.notifier.Send(ctx, RenderMessage(rec), FormatHTML); err != nil {
		metrics.DispatchFailures.WithLabelValues("notify").Inc()
		logger.Error().Err(err).Msg("alert notification failed (degraded delivery)")
		return
	}
	logger.Debug().Msg("alert notification sent")
}

func (d *Dispatcher) persist(rec fusion.AlertRecord, logger zerolog.Logger) (int64, decimal.Decimal, bool) {
	if d.store == nil {
		return 0, decimal.Zero, false
	}

	var (
		id      int64
		initial decimal.Decimal
		attempt int
	)
	r := retrier.New(retrier.ExponentialBackoff(d.opts.PersistRetries, d.opts.PersistBackoff), nil)
	err := r.RunCtx(d.ctx, func(ctx context.Context) error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, d.opts.PersistTimeout)
		defer cancel()

		var saveErr error
		id, initial, saveErr = d.store.Save(callCtx, rec)
		if saveErr != nil {
			logger.Warn().Err(saveErr).Int("attempt", attempt).Msg("alert persistence attempt failed")
		}
		return saveErr
	})
	if err != nil {
		metrics.DispatchFailures.WithLabelValues("persist").Inc()
		logger.Error().Err(err).Int("attempts", attempt).Msg("alert record not persisted")
		return 0, decimal.Zero, false
	}

	logger.Info().Int64("alert_id", id).Str("initial_price", initial.String()).Msg("alert persisted")
	return id, initial, true
}

func (d *Dispatcher) scheduleFollowUps(rec fusion.AlertRecord, id int64, initial decimal.Decimal, logger zerolog.Logger) {
	if d.followups == nil || id == 0 || !initial.IsPositive() {
		return
	}
	for _, fu := range d.opts.FollowUps {
		d.followups.Schedule(FollowUpTask{
			AlertID:   id,
			EntityKey: rec.EntityKey,
			Field:     fu.Field,
			Initial:   initial,
			Due:       rec.FiredAt.Add(fu.Offset),
		})
	}
	logger.Debug().Int("followups", len(d.opts.FollowUps)).Msg("follow-ups scheduled")
}
