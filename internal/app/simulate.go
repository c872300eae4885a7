package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"signal-fusion/internal/dispatch"
	"signal-fusion/internal/fusion"
)

// Scenario is a timed list of signals replayed against a fresh engine.
type Scenario struct {
	Start       time.Time        `yaml:"start"`
	Signals     []ScenarioSignal `yaml:"signals"`
	ExpectFires *int             `yaml:"expect_fires"`
}

// ScenarioSignal is one observation at an offset from the scenario start.
type ScenarioSignal struct {
	At       time.Duration     `yaml:"at"`
	Key      string            `yaml:"key"`
	Source   string            `yaml:"source"`
	Weight   float64           `yaml:"weight"`
	Metadata map[string]string `yaml:"metadata"`
}

// LoadScenario reads a YAML scenario file.
func LoadScenario(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if len(sc.Signals) == 0 {
		return nil, fmt.Errorf("scenario %s has no signals", path)
	}
	return &sc, nil
}

// Simulate replays a scenario with the configured engine settings. Fires are
// rendered to stdout and to the configured notifier; nothing is persisted.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	sc, err := LoadScenario(opts.ScenarioPath)
	if err != nil {
		return err
	}
	fires, err := a.runScenario(ctx, sc, os.Stdout)
	if err != nil {
		return err
	}
	if sc.ExpectFires != nil && len(fires) != *sc.ExpectFires {
		return fmt.Errorf("scenario expected %d fires, got %d", *sc.ExpectFires, len(fires))
	}
	return nil
}

type scenarioClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *scenarioClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *scenarioClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (a *App) runScenario(ctx context.Context, sc *Scenario, out io.Writer) ([]fusion.AlertRecord, error) {
	start := sc.Start
	if start.IsZero() {
		start = time.Now().UTC().Truncate(time.Minute)
	}
	clock := &scenarioClock{now: start}

	settings, err := a.engineSettings(a.newQualityTable())
	if err != nil {
		return nil, err
	}

	notifier := a.newNotifier()
	var fires []fusion.AlertRecord
	collector := fusion.DispatcherFunc(func(rec fusion.AlertRecord) {
		fires = append(fires, rec)
		msg := dispatch.RenderMessage(rec)
		fmt.Fprintf(out, "--- fire #%d at +%s\n%s\n\n", len(fires), rec.FiredAt.Sub(start), stripTags(msg))
		if notifier != nil {
			if err := notifier.Send(ctx, msg, dispatch.FormatHTML); err != nil {
				a.Logger.Warn().Err(err).Msg("simulated notification failed")
			}
		}
	})

	engine, err := fusion.New(settings, a.Logger, fusion.WithClock(clock.Now), fusion.WithDispatcher(collector))
	if err != nil {
		return nil, err
	}

	signals := append([]ScenarioSignal(nil), sc.Signals...)
	sort.SliceStable(signals, func(i, j int) bool { return signals[i].At < signals[j].At })

	rejected := 0
	for _, sig := range signals {
		if err := ctx.Err(); err != nil {
			return fires, err
		}
		clock.Set(start.Add(sig.At))
		if err := engine.RegisterSignal(sig.Key, sig.Source, sig.Weight, sig.Metadata); err != nil {
			rejected++
			fmt.Fprintf(out, "rejected signal at +%s (%s/%s): %v\n", sig.At, sig.Key, sig.Source, err)
		}
	}

	fmt.Fprintf(out, "signals=%d rejected=%d fires=%d policy=%s\n", len(signals), rejected, len(fires), settings.Policy.Name())
	return fires, nil
}

func stripTags(html string) string {
	var sb strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			sb.WriteRune(r)
		}
	}
	return strings.NewReplacer("&lt;", "<", "&gt;", ">", "&amp;", "&", "&#34;", `"`, "&#39;", "'").Replace(sb.String())
}
