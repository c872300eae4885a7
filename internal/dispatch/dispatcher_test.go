package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"signal-fusion/internal/fusion"
)

type fakeSink struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (s *fakeSink) Send(ctx context.Context, text, format string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return s.err
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.texts)
}

type followUpCall struct {
	id    int64
	field string
	price decimal.Decimal
	ret   decimal.Decimal
}

type fakeStore struct {
	mu        sync.Mutex
	failFirst int
	saves     int
	saved     []fusion.AlertRecord
	followUps []followUpCall
}

func (s *fakeStore) Save(ctx context.Context, rec fusion.AlertRecord) (int64, decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saves <= s.failFirst {
		return 0, decimal.Zero, errors.New("db unavailable")
	}
	s.saved = append(s.saved, rec)
	return int64(len(s.saved)), rec.EntryPrice, nil
}

func (s *fakeStore) UpdateFollowUp(ctx context.Context, id int64, field string, price, ret decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.followUps = append(s.followUps, followUpCall{id: id, field: field, price: price, ret: ret})
	return nil
}

func (s *fakeStore) snapshot() (int, []fusion.AlertRecord, []followUpCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves, append([]fusion.AlertRecord(nil), s.saved...), append([]followUpCall(nil), s.followUps...)
}

type fakePrices struct {
	mu     sync.Mutex
	prices []decimal.Decimal
	name   string
	err    error
	calls  int
}

func (p *fakePrices) GetPrice(ctx context.Context, key string) (decimal.Decimal, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return decimal.Zero, "", p.err
	}
	idx := p.calls
	if idx >= len(p.prices) {
		idx = len(p.prices) - 1
	}
	p.calls++
	return p.prices[idx], p.name, nil
}

type fakeAnnotator struct {
	mu    sync.Mutex
	names []string
}

func (a *fakeAnnotator) Annotate(key string, firedAt time.Time, name, chain string, price decimal.Decimal) {
	a.mu.Lock()
	a.names = append(a.names, name)
	a.mu.Unlock()
}

func testRecord(key string) fusion.AlertRecord {
	now := time.Now().UTC()
	return fusion.AlertRecord{
		EntityKey:       key,
		Score:           65,
		DistinctSources: 2,
		FiredAt:         now,
		Policy:          "flat",
		BestPerSource: map[string]fusion.SignalEvent{
			"scanner":    {Source: "scanner", Weight: 30, Timestamp: now.Add(-5 * time.Minute)},
			"wallet_buy": {Source: "wallet_buy", Weight: 20, Timestamp: now},
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("超时前条件未满足")
}

func TestDispatcherNotifyFailureStillPersists(t *testing.T) {
	sink := &fakeSink{err: errors.New("telegram down")}
	store := &fakeStore{}
	prices := &fakePrices{prices: []decimal.Decimal{decimal.RequireFromString("1.5")}, name: "Alpha"}
	ann := &fakeAnnotator{}

	d := New(Options{Workers: 2}, sink, store, prices, ann, zerolog.Nop())
	d.Dispatch(testRecord("abc"))
	d.Close(context.Background())

	saves, saved, _ := store.snapshot()
	if sink.count() != 1 {
		t.Fatalf("期望通知 1 次, 实际 %d", sink.count())
	}
	if saves != 1 || len(saved) != 1 {
		t.Fatalf("通知失败不应阻止持久化, saves=%d", saves)
	}
	if saved[0].DisplayName != "Alpha" || !saved[0].EntryPrice.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("保存前未补全记录: %+v", saved[0])
	}
	if len(ann.names) != 1 || ann.names[0] != "Alpha" {
		t.Fatalf("engine 未被 annotate: %v", ann.names)
	}
}

func TestDispatcherRetriesPersistence(t *testing.T) {
	store := &fakeStore{failFirst: 2}
	d := New(Options{PersistRetries: 3, PersistBackoff: time.Millisecond}, nil, store, nil, nil, zerolog.Nop())
	d.Dispatch(testRecord("abc"))
	d.Close(context.Background())

	saves, saved, _ := store.snapshot()
	if saves != 3 || len(saved) != 1 {
		t.Fatalf("期望失败 2 次后成功, saves=%d saved=%d", saves, len(saved))
	}
}

func TestDispatcherGivesUpAfterBoundedRetries(t *testing.T) {
	store := &fakeStore{failFirst: 100}
	d := New(Options{PersistRetries: 2, PersistBackoff: time.Millisecond}, nil, store, nil, nil, zerolog.Nop())
	d.Dispatch(testRecord("abc"))
	d.Close(context.Background())

	saves, saved, _ := store.snapshot()
	if saves != 3 || len(saved) != 0 {
		t.Fatalf("期望 1 次尝试 + 2 次重试, 实际 %d", saves)
	}
}

func TestDispatcherSchedulesFollowUps(t *testing.T) {
	store := &fakeStore{}
	prices := &fakePrices{prices: []decimal.Decimal{
		decimal.RequireFromString("2"),
		decimal.RequireFromString("3"),
	}}
	d := New(Options{
		FollowUps: []FollowUp{
			{Field: "price_1h", Offset: 20 * time.Millisecond},
			{Field: "price_24h", Offset: 40 * time.Millisecond},
		},
		FollowUpTimeout: time.Second,
	}, nil, store, prices, nil, zerolog.Nop())

	d.Dispatch(testRecord("abc"))
	waitFor(t, func() bool {
		_, _, fus := store.snapshot()
		return len(fus) == 2
	})
	d.Close(context.Background())

	_, _, fus := store.snapshot()
	byField := map[string]followUpCall{}
	for _, fu := range fus {
		byField[fu.field] = fu
	}
	got, ok := byField["price_1h"]
	if !ok || got.id != 1 {
		t.Fatalf("缺少 1h follow-up: %+v", fus)
	}
	if !got.ret.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("期望收益 +50%%, 实际 %s", got.ret)
	}
	if _, ok := byField["price_24h"]; !ok {
		t.Fatalf("缺少 24h follow-up: %+v", fus)
	}
}

func TestDispatcherSkipsFollowUpsWithoutInitialPrice(t *testing.T) {
	store := &fakeStore{}
	prices := &fakePrices{err: errors.New("not listed")}
	d := New(Options{FollowUps: []FollowUp{{Field: "price_1h", Offset: time.Millisecond}}}, nil, store, prices, nil, zerolog.Nop())

	d.Dispatch(testRecord("abc"))
	d.Close(context.Background())

	saves, _, fus := store.snapshot()
	if saves != 1 {
		t.Fatalf("价格查询失败不应阻止持久化")
	}
	if len(fus) != 0 || d.PendingFollowUps() != 0 {
		t.Fatalf("没有初始价格时不应安排 follow-up")
	}
}

func TestDispatchAfterCloseIsDropped(t *testing.T) {
	store := &fakeStore{}
	d := New(Options{}, nil, store, nil, nil, zerolog.Nop())
	d.Close(context.Background())
	d.Dispatch(testRecord("abc"))

	if saves, _, _ := store.snapshot(); saves != 0 {
		t.Fatalf("已关闭的 dispatcher 不应持久化")
	}
}

func TestRenderMessage(t *testing.T) {
	rec := testRecord("0xabc")
	rec.Symbol = "<ABC>"
	rec.Chain = "base"
	rec.EntryPrice = decimal.RequireFromString("0.0012")

	msg := RenderMessage(rec)
	for _, want := range []string{"&lt;ABC&gt;", "0xabc", "base", "65/100", "scanner: 30.0", "wallet_buy: 20.0", "$0.0012", "(5m0s ago)"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("消息缺少 %q:\n%s", want, msg)
		}
	}
	if strings.Index(msg, "scanner") > strings.Index(msg, "wallet_buy") {
		t.Fatalf("信号应按权重降序排列")
	}
}

func TestReturnPct(t *testing.T) {
	if got := ReturnPct(decimal.NewFromInt(4), decimal.NewFromInt(3)); !got.Equal(decimal.NewFromInt(-25)) {
		t.Fatalf("期望 -25, 实际 %s", got)
	}
	if got := ReturnPct(decimal.Zero, decimal.NewFromInt(3)); !got.IsZero() {
		t.Fatalf("初始价格为 0 时收益应为 0")
	}
}
