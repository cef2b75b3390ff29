package checker

import (
	"context"
	"slices"

	"visioner-rules/executor/operations"
	"visioner-rules/executor/perception"
	"visioner-rules/executor/ports"
)

// Lighting is the effective light level at a token and where it came from.
// Source is empty when the scene's ambient lighting applies.
type Lighting struct {
	Lighting perception.Lighting `json:"lighting"`
	Source   string              `json:"source,omitempty"`
	Priority int                 `json:"priority,omitempty"`
	Label    string              `json:"label,omitempty"`
}

// EffectiveLighting returns the highest-priority lighting override on tok,
// falling back to the scene's ambient lighting at its position.
func (c *Checker) EffectiveLighting(ctx context.Context, tok *ports.Token) (*Lighting, error) {
	recs, err := operations.ReadRecords[operations.LightingOverride](ctx, c.flags, tok.ID, operations.PathLighting)
	if err != nil {
		return nil, err
	}
	var best *operations.LightingOverride
	for i := range recs {
		if best == nil || recs[i].Priority > best.Priority {
			best = &recs[i]
		}
	}
	if best != nil {
		return &Lighting{Lighting: best.Lighting, Source: best.ID, Priority: best.Priority, Label: best.Label}, nil
	}
	ambient, err := c.scene.AmbientLighting(ctx, tok)
	if err != nil {
		return nil, err
	}
	return &Lighting{Lighting: ambient}, nil
}

// SuppressesOffGuard reports whether any record on tok says that perceiving
// it as state must not make it off-guard. The label of the first matching
// record is returned alongside.
func (c *Checker) SuppressesOffGuard(ctx context.Context, tok *ports.Token, state perception.Visibility) (bool, string, error) {
	recs, err := operations.ReadRecords[operations.OffGuardSuppression](ctx, c.flags, tok.ID, operations.PathOffGuard)
	if err != nil {
		return false, "", err
	}
	for _, r := range recs {
		if slices.Contains(r.States, state) {
			return true, r.Label, nil
		}
	}
	return false, "", nil
}
