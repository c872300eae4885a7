package fusion

import (
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrEmptyKey is returned when a signal carries no usable entity key.
	ErrEmptyKey = errors.New("fusion: empty entity key")
	// ErrEmptySource is returned when a signal carries no source tag.
	ErrEmptySource = errors.New("fusion: empty source")
	// ErrInvalidWeight is returned for negative, NaN or infinite weights.
	ErrInvalidWeight = errors.New("fusion: weight must be finite and non-negative")
	// ErrInvariant marks a detected internal invariant violation.
	ErrInvariant = errors.New("fusion: invariant violation")
)

// Well-known metadata keys. They only feed message composition, never scoring.
const (
	MetaSymbol = "symbol"
	MetaChain  = "chain"
	MetaName   = "name"
)

// SignalEvent is one observation from a producing subsystem.
type SignalEvent struct {
	ID        string            `json:"id"`
	Source    string            `json:"source"`
	Weight    float64           `json:"weight"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewSignalEvent builds an immutable event, copying metadata.
func NewSignalEvent(source string, weight float64, ts time.Time, metadata map[string]string) SignalEvent {
	return SignalEvent{
		ID:        newEventID(),
		Source:    strings.TrimSpace(source),
		Weight:    weight,
		Timestamp: ts,
		Metadata:  copyMetadata(metadata),
	}
}

// Clone returns a copy that shares no mutable state with e.
func (e SignalEvent) Clone() SignalEvent {
	e.Metadata = copyMetadata(e.Metadata)
	return e
}

// Meta returns a metadata value or "".
func (e SignalEvent) Meta(key string) string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}

// NormalizeKey trims and case-folds an entity key.
func NormalizeKey(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func validateSignal(key, source string, weight float64) error {
	if key == "" {
		return ErrEmptyKey
	}
	if strings.TrimSpace(source) == "" {
		return ErrEmptySource
	}
	if math.IsNaN(weight) || math.IsInf(weight, 0) || weight < 0 {
		return ErrInvalidWeight
	}
	return nil
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
