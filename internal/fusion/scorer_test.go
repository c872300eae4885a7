package fusion

import (
	"math/rand"
	"testing"
	"time"
)

type staticQuality map[string]float64

func (q staticQuality) GetQuality(source string) float64 { return q[source] }

func ev(source string, weight float64, at time.Time) SignalEvent {
	return SignalEvent{Source: source, Weight: weight, Timestamp: at}
}

func TestBestPerSourceKeepsMaxWeight(t *testing.T) {
	t0 := time.Now()
	events := []SignalEvent{
		ev("scanner", 10, t0),
		ev("scanner", 25, t0.Add(time.Second)),
		ev("wallet_buy", 5, t0),
	}
	a := Score(events, 2, FlatBonus{}, MaxScore)
	if a.Score != 30 {
		t.Fatalf("期望 25+5=30, 实际 %v", a.Score)
	}
	if a.Best["scanner"].Weight != 25 {
		t.Fatalf("期望 scanner 最佳权重 25, 实际 %v", a.Best["scanner"].Weight)
	}
}

func TestBestPerSourceTieKeepsEarliest(t *testing.T) {
	t0 := time.Now()
	late := ev("scanner", 20, t0.Add(time.Minute))
	early := ev("scanner", 20, t0)
	best := BestPerSource([]SignalEvent{late, early})
	if !best["scanner"].Timestamp.Equal(t0) {
		t.Fatalf("权重相同时应保留最早的事件")
	}
}

func TestScoreBelowMinSourcesIsZero(t *testing.T) {
	t0 := time.Now()
	a := Score([]SignalEvent{ev("a", 50, t0), ev("b", 50, t0)}, 3, FlatBonus{PerSource: 15}, MaxScore)
	if a.Score != 0 || a.DistinctSources != 2 {
		t.Fatalf("来源数不足时分数应为 0, 实际 %+v", a)
	}
}

func TestScoreAlwaysWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	t0 := time.Now()
	sources := []string{"scanner", "wallet_buy", "telegram", "twitter", "discord", "kol"}
	for i := 0; i < 500; i++ {
		n := rng.Intn(40)
		events := make([]SignalEvent, n)
		for j := range events {
			events[j] = ev(sources[rng.Intn(len(sources))], rng.Float64()*120, t0)
		}
		a := Score(events, 2, FlatBonus{PerSource: 15}, MaxScore)
		if a.Score < 0 || a.Score > MaxScore {
			t.Fatalf("分数 %v 超出 [0,100]", a.Score)
		}
	}
}

func TestScoreCustomCeiling(t *testing.T) {
	t0 := time.Now()
	a := Score([]SignalEvent{ev("a", 60, t0), ev("b", 60, t0)}, 2, FlatBonus{PerSource: 15}, 80)
	if a.Score != 80 || a.Raw != 135 {
		t.Fatalf("原始分 135 应封顶为 80, 实际 %+v", a)
	}
}

func TestQualityWeightedBonus(t *testing.T) {
	t0 := time.Now()
	policy := QualityWeighted{
		Lookup:    staticQuality{"scanner": 1, "telegram": 0.5, "noisy": 3},
		PerSource: 20,
	}
	a := Score([]SignalEvent{ev("scanner", 10, t0), ev("telegram", 10, t0)}, 2, policy, MaxScore)
	// 10 + 10 + 20 * 1 * mean(1, 0.5)
	if a.Score != 35 {
		t.Fatalf("期望 35, 实际 %v", a.Score)
	}

	clamped := Score([]SignalEvent{ev("noisy", 10, t0), ev("unknown", 10, t0)}, 2, policy, MaxScore)
	// quality 3 clamps to 1, unknown sources score 0
	if clamped.Score != 30 {
		t.Fatalf("quality 截断后期望 30, 实际 %v", clamped.Score)
	}
}

func TestFlatBonusMonotone(t *testing.T) {
	p := FlatBonus{PerSource: 15}
	prev := -1.0
	for n := 0; n < 6; n++ {
		best := make([]SignalEvent, n)
		b := p.Bonus(best)
		if b < prev {
			t.Fatalf("n=%d 时 bonus 不应下降", n)
		}
		prev = b
	}
}
