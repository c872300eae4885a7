package fusion

import (
	"errors"
	"fmt"
	"time"
)

// Settings holds the process-wide fusion thresholds.
type Settings struct {
	MinFireScore       float64
	Window             time.Duration
	Cooldown           time.Duration
	MinDistinctSources int
	ScoreCeiling       float64
	Policy             Policy
	ListLimit          int
}

// ConvictionSettings mirrors the flat-bonus fusion mode: 2h window, +15 per extra source.
func ConvictionSettings() Settings {
	return Settings{
		MinFireScore:       40,
		Window:             2 * time.Hour,
		Cooldown:           30 * time.Minute,
		MinDistinctSources: 2,
		ScoreCeiling:       MaxScore,
		Policy:             FlatBonus{PerSource: 15},
		ListLimit:          50,
	}
}

// ConvergenceSettings mirrors the quality-weighted mode where each channel's
// reliability scales the diversity contribution.
func ConvergenceSettings(lookup SourceQualityLookup, windowHours, minChannels int) Settings {
	if windowHours <= 0 {
		windowHours = 4
	}
	if minChannels < 2 {
		minChannels = 2
	}
	return Settings{
		MinFireScore:       50,
		Window:             time.Duration(windowHours) * time.Hour,
		Cooldown:           time.Hour,
		MinDistinctSources: minChannels,
		ScoreCeiling:       MaxScore,
		Policy:             QualityWeighted{Lookup: lookup, PerSource: 20},
		ListLimit:          50,
	}
}

// Validate checks the settings for usable values.
func (s Settings) Validate() error {
	if s.Window <= 0 {
		return errors.New("fusion: window must be positive")
	}
	if s.Cooldown <= 0 {
		return errors.New("fusion: cooldown must be positive")
	}
	if s.MinDistinctSources < 2 {
		return fmt.Errorf("fusion: min distinct sources must be at least 2, got %d", s.MinDistinctSources)
	}
	if s.ScoreCeiling <= 0 || s.ScoreCeiling > MaxScore {
		return fmt.Errorf("fusion: score ceiling must be in (0, %g]", MaxScore)
	}
	if s.MinFireScore <= 0 || s.MinFireScore > s.ScoreCeiling {
		return fmt.Errorf("fusion: min fire score must be in (0, %g]", s.ScoreCeiling)
	}
	if s.Policy == nil {
		return errors.New("fusion: diversity policy required")
	}
	return nil
}
