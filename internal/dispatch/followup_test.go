package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type blockingPrices struct {
	returned chan error
}

func (p *blockingPrices) GetPrice(ctx context.Context, key string) (decimal.Decimal, string, error) {
	<-ctx.Done()
	p.returned <- ctx.Err()
	return decimal.Zero, "", ctx.Err()
}

func TestFollowUpSchedulerDropsPastPendingCap(t *testing.T) {
	store := &fakeStore{}
	s := NewFollowUpScheduler(FollowUpOptions{MaxPending: 2}, &fakePrices{prices: []decimal.Decimal{decimal.NewFromInt(1)}}, store, zerolog.Nop())
	defer s.Close()

	due := time.Now().Add(time.Hour)
	var accepted []bool
	for i := 1; i <= 3; i++ {
		accepted = append(accepted, s.Schedule(FollowUpTask{AlertID: int64(i), EntityKey: "abc", Field: "price_1h", Initial: decimal.NewFromInt(1), Due: due}))
	}

	if !accepted[0] || !accepted[1] || accepted[2] {
		t.Fatalf("超出 MaxPending 的任务应被丢弃, 实际 %v", accepted)
	}
	if s.Pending() != 2 {
		t.Fatalf("期望 pending=2, 实际 %d", s.Pending())
	}
}

func TestFollowUpSchedulerSkipsTimedOutLookup(t *testing.T) {
	store := &fakeStore{}
	prices := &blockingPrices{returned: make(chan error, 1)}
	s := NewFollowUpScheduler(FollowUpOptions{Timeout: 50 * time.Millisecond}, prices, store, zerolog.Nop())

	if !s.Schedule(FollowUpTask{AlertID: 1, EntityKey: "abc", Field: "price_1h", Initial: decimal.NewFromInt(1), Due: time.Now()}) {
		t.Fatal("任务应被接受")
	}

	select {
	case err := <-prices.returned:
		if err != context.DeadlineExceeded {
			t.Fatalf("期望 DeadlineExceeded, 实际 %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("价格查询未在超时后返回")
	}
	s.Close()

	if _, _, fus := store.snapshot(); len(fus) != 0 {
		t.Fatalf("查询超时后不应写入 follow-up: %+v", fus)
	}
	if s.Pending() != 0 {
		t.Fatalf("期望 pending=0, 实际 %d", s.Pending())
	}
}
