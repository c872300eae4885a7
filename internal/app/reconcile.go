package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"signal-fusion/internal/dispatch"
	"signal-fusion/internal/storage"
)

type followUpBacklog interface {
	ListMissingFollowUps(ctx context.Context, field string, firedBefore time.Time, limit int) ([]storage.AlertRow, error)
	UpdateFollowUp(ctx context.Context, id int64, field string, price, returnPct decimal.Decimal) error
}

type reconcileStats struct {
	filled int64
	failed int64
}

// Reconcile fills follow-ups whose offset has passed but which were never
// recorded, typically because the process restarted with checks pending.
// The price used is the current one, so late fills measure a longer horizon.
func (a *App) Reconcile(ctx context.Context, opts ReconcileOptions) error {
	fields := opts.Fields
	if len(fields) == 0 {
		fields = a.followUpFields()
	}
	if len(fields) == 0 {
		return errors.New("no follow-up fields configured")
	}

	prices := a.newPriceLookup()
	if prices == nil {
		return errors.New("pricing 未启用，无法补齐 follow-up")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法补齐 follow-up")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.DryRun {
		a.Logger.Warn().Msg("reconcile dry-run：不会写入数据库")
	}

	var total reconcileStats
	now := time.Now().UTC()
	for _, field := range fields {
		fu, ok := a.Config.FollowUpByField(field)
		if !ok {
			return fmt.Errorf("unknown follow-up field %q", field)
		}
		stats, err := a.reconcileField(ctx, store, prices, field, now.Add(-fu.Offset), opts)
		if err != nil {
			return err
		}
		total.filled += stats.filled
		total.failed += stats.failed
	}

	a.Logger.Info().Int64("filled", total.filled).Int64("failed", total.failed).Msg("reconcile 完成")
	if total.failed > 0 {
		return errors.New("部分 follow-up 补齐失败，请检查日志")
	}
	return nil
}

func (a *App) reconcileField(ctx context.Context, store followUpBacklog, prices dispatch.PriceLookup, field string, cutoff time.Time, opts ReconcileOptions) (reconcileStats, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 500
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 2
	}

	alerts, err := store.ListMissingFollowUps(ctx, field, cutoff, limit)
	if err != nil {
		return reconcileStats{}, err
	}
	logger := a.Logger.With().Str("field", field).Logger()
	logger.Info().Int("pending", len(alerts)).Time("cutoff", cutoff).Msg("reconciling follow-ups")

	var filled, failed int64
	p := pool.New().WithMaxGoroutines(workers)
	for _, alert := range alerts {
		alert := alert
		p.Go(func() {
			if ctx.Err() != nil {
				return
			}
			price, _, err := prices.GetPrice(ctx, alert.EntityKey)
			if err != nil || !price.IsPositive() {
				atomic.AddInt64(&failed, 1)
				logger.Error().Err(err).Int64("alert_id", alert.ID).Msg("follow-up 价格获取失败")
				return
			}
			ret := dispatch.ReturnPct(alert.EntryPrice, price)
			if opts.DryRun {
				logger.Info().Int64("alert_id", alert.ID).Str("price", price.String()).Str("return_pct", ret.StringFixed(2)).Msg("dry-run follow-up")
				atomic.AddInt64(&filled, 1)
				return
			}
			if err := store.UpdateFollowUp(ctx, alert.ID, field, price, ret); err != nil {
				atomic.AddInt64(&failed, 1)
				logger.Error().Err(err).Int64("alert_id", alert.ID).Msg("follow-up 写入失败")
				return
			}
			atomic.AddInt64(&filled, 1)
		})
	}
	p.Wait()

	if err := ctx.Err(); err != nil {
		return reconcileStats{filled: filled, failed: failed}, err
	}
	return reconcileStats{filled: filled, failed: failed}, nil
}
