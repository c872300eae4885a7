package quality

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTableLookup(t *testing.T) {
	table := NewTable(0.5, map[string]float64{"Scanner ": 0.9, "spam": -1, "whale": 3})

	if q := table.GetQuality("scanner"); q != 0.9 {
		t.Fatalf("期望 0.9, 实际 %v", q)
	}
	if q := table.GetQuality("unknown"); q != 0.5 {
		t.Fatalf("未知来源应返回默认值, 实际 %v", q)
	}
	if table.GetQuality("spam") != 0 || table.GetQuality("whale") != 1 {
		t.Fatalf("质量应被限制在 [0,1]")
	}
}

type fakeStats struct {
	rates map[string]float64
	err   error
	since time.Time
}

func (f *fakeStats) SourceHitRates(ctx context.Context, field string, since time.Time, minSamples int) (map[string]float64, error) {
	f.since = since
	return f.rates, f.err
}

func TestRefresherMerges(t *testing.T) {
	table := NewTable(0.5, map[string]float64{"scanner": 0.9, "wallet_buy": 0.4})
	stats := &fakeStats{rates: map[string]float64{"wallet_buy": 0.7}}
	r := NewRefresher(table, stats, RefresherOptions{Lookback: time.Hour}, zerolog.Nop())
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh 失败: %v", err)
	}
	if !stats.since.Equal(now.Add(-time.Hour)) {
		t.Fatalf("lookback 计算错误: %s", stats.since)
	}
	snap := table.Snapshot()
	if snap["wallet_buy"] != 0.7 || snap["scanner"] != 0.9 {
		t.Fatalf("合并结果错误: %+v", snap)
	}
}

func TestRefresherKeepsTableOnError(t *testing.T) {
	table := NewTable(0.5, map[string]float64{"scanner": 0.9})
	r := NewRefresher(table, &fakeStats{err: errors.New("db down")}, RefresherOptions{}, zerolog.Nop())
	if err := r.Refresh(context.Background()); err == nil {
		t.Fatal("存储错误应返回")
	}
	if table.GetQuality("scanner") != 0.9 {
		t.Fatalf("失败时不应修改表")
	}
}
