// Package profile holds the per-user master profile: a merge-only aggregate
// of metrics extracted from each processed source object.
package profile

import (
	"encoding/json"

	"golang.org/x/xerrors"
)

// MasterProfile accumulates metrics per user. Merges are commutative
// additions, so the aggregate converges regardless of the order sources
// arrive in, and a source merged twice would be the only way to corrupt it.
// The merge log guards against that; the profile itself stays a plain
// value.
type MasterProfile struct {
	UserID      string             `json:"user_id"`
	Metrics     map[string]float64 `json:"metrics"`
	SourceCount int                `json:"source_count"`
}

func New(userID string) *MasterProfile {
	return &MasterProfile{
		UserID:  userID,
		Metrics: make(map[string]float64),
	}
}

func Decode(data []byte) (*MasterProfile, error) {
	var p MasterProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, xerrors.Errorf("decode master profile: %w", err)
	}
	if p.Metrics == nil {
		p.Metrics = make(map[string]float64)
	}
	return &p, nil
}

// Encode is deterministic: encoding/json writes map keys in sorted order,
// so identical aggregates produce identical bytes.
func (p *MasterProfile) Encode() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, xerrors.Errorf("encode master profile: %w", err)
	}
	return data, nil
}

// Merge adds one source's metrics into the aggregate.
func (p *MasterProfile) Merge(metrics map[string]float64) {
	for name, v := range metrics {
		p.Metrics[name] += v
	}
	p.SourceCount++
}
