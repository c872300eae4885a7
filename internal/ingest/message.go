// Package ingest decodes signal messages from producers and feeds them to the engine.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"signal-fusion/internal/fusion"
)

// ErrMissingWeight is returned for a message without a weight field.
var ErrMissingWeight = errors.New("ingest: weight is required")

// Registrar accepts observations. *fusion.Engine satisfies it.
type Registrar interface {
	RegisterSignalAt(entityKey, source string, weight float64, observedAt time.Time, metadata map[string]string) error
}

// SignalMessage is the wire form of one observation.
type SignalMessage struct {
	EntityKey  string            `json:"entity_key"`
	CA         string            `json:"ca,omitempty"`
	Source     string            `json:"source"`
	Weight     *float64          `json:"weight"`
	ObservedAt time.Time         `json:"observed_at,omitempty"`
	Symbol     string            `json:"symbol,omitempty"`
	Chain      string            `json:"chain,omitempty"`
	Name       string            `json:"name,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Key returns the entity key, accepting the contract-address alias.
func (m SignalMessage) Key() string {
	if m.EntityKey != "" {
		return m.EntityKey
	}
	return m.CA
}

// FullMetadata folds the convenience display fields into the metadata map.
func (m SignalMessage) FullMetadata() map[string]string {
	out := make(map[string]string, len(m.Metadata)+3)
	for k, v := range m.Metadata {
		out[k] = v
	}
	if m.Symbol != "" {
		out[fusion.MetaSymbol] = m.Symbol
	}
	if m.Chain != "" {
		out[fusion.MetaChain] = m.Chain
	}
	if m.Name != "" {
		out[fusion.MetaName] = m.Name
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Apply registers the message with r.
func Apply(r Registrar, m SignalMessage) error {
	if m.Weight == nil {
		return ErrMissingWeight
	}
	return r.RegisterSignalAt(m.Key(), m.Source, *m.Weight, m.ObservedAt, m.FullMetadata())
}

// Decode parses a single message.
func Decode(data []byte) (SignalMessage, error) {
	var m SignalMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return SignalMessage{}, fmt.Errorf("decode signal: %w", err)
	}
	return m, nil
}

// DecodeBatch parses either one message object or an array of them.
func DecodeBatch(data []byte) ([]SignalMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("decode signal: empty body")
	}
	if trimmed[0] != '[' {
		m, err := Decode(trimmed)
		if err != nil {
			return nil, err
		}
		return []SignalMessage{m}, nil
	}

	var batch []SignalMessage
	if err := json.Unmarshal(trimmed, &batch); err != nil {
		return nil, fmt.Errorf("decode signal batch: %w", err)
	}
	return batch, nil
}
