package operations

import (
	"context"
	"math"
	"slices"
	"sort"

	"visioner-rules/executor/perception"
	"visioner-rules/executor/ports"
	"visioner-rules/executor/predicate"
)

// Flag roots of the records appliers write onto tokens. Each record lives
// at <root>.<source key>.
const (
	PathReplacement            = "visibilityReplacement"
	PathConditional            = "conditionalState"
	PathDistance               = "distanceBasedVisibility"
	PathAura                   = "auraVisibility"
	PathProvidedCover          = "providedCover"
	PathLighting               = "lightingOverride"
	PathOffGuard               = "offGuardSuppression"
	PathOriginalSenses         = "originalSenses"
	PathOriginalDetectionModes = "originalDetectionModes"
)

// RecordMeta identifies the operation that wrote a record.
type RecordMeta struct {
	ID            string `json:"id"`
	RuleElementID string `json:"ruleElementId,omitempty"`
	Label         string `json:"label,omitempty"`
	Priority      int    `json:"priority"`
}

// ReplacementRule rewrites fromStates to toState for matching pairs.
type ReplacementRule struct {
	RecordMeta
	Selection
	FromStates      []perception.Visibility `json:"fromStates"`
	ToState         perception.Visibility   `json:"toState"`
	LevelComparison Comparison              `json:"levelComparison,omitempty"`
}

// ConditionalRule resolves to ThenState or ElseState depending on whether
// the subject currently has Condition.
type ConditionalRule struct {
	RecordMeta
	Selection
	Condition string                `json:"condition"`
	ThenState perception.Visibility `json:"thenState,omitempty"`
	ElseState perception.Visibility `json:"elseState,omitempty"`
}

// DistanceRule is a list of distance bands with an optional fallback.
type DistanceRule struct {
	RecordMeta
	Selection
	Bands    []Band    `json:"bands"`
	Fallback *Fallback `json:"fallback,omitempty"`
}

// AuraRule partitions tokens into inside and outside the subject's radius.
type AuraRule struct {
	RecordMeta
	Radius             float64               `json:"radius"`
	InsideOutsideState perception.Visibility `json:"insideOutsideState,omitempty"`
	OutsideInsideState perception.Visibility `json:"outsideInsideState,omitempty"`
	SourceExempt       bool                  `json:"sourceExempt,omitempty"`
	Predicate          predicate.Predicate   `json:"predicate,omitempty"`
}

// CoverProvision is cover a token grants to receivers within Range.
type CoverProvision struct {
	RecordMeta
	State             perception.Cover    `json:"state"`
	BlockedEdges      []Edge              `json:"blockedEdges,omitempty"`
	RequiresTakeCover bool                `json:"requiresTakeCover,omitempty"`
	Range             float64             `json:"range"`
	Predicate         predicate.Predicate `json:"predicate,omitempty"`
}

// Blocks reports whether the provision covers attacks arriving from edge.
// No blocked edges means every side is covered.
func (c CoverProvision) Blocks(edge Edge) bool {
	if edge == "" {
		return false
	}
	return len(c.BlockedEdges) == 0 || slices.Contains(c.BlockedEdges, edge)
}

// LightingOverride forces the lighting level at the subject.
type LightingOverride struct {
	RecordMeta
	Lighting perception.Lighting `json:"lighting"`
}

// OffGuardSuppression lists visibility states that must not grant off-guard.
type OffGuardSuppression struct {
	RecordMeta
	States []perception.Visibility `json:"states"`
}

// ReadRecords returns every record under root on a token, ordered by key.
func ReadRecords[T any](ctx context.Context, flags ports.FlagStore, tokenID, root string) ([]T, error) {
	m, _, err := ports.ReadFlag[map[string]T](ctx, flags, tokenID, root)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out, nil
}

// EdgeFrom returns the side of at that from lies on. Ties between axes go to
// east/west; coincident points have no side.
func EdgeFrom(at, from ports.Point) Edge {
	dx, dy := from.X-at.X, from.Y-at.Y
	switch {
	case dx == 0 && dy == 0:
		return ""
	case math.Abs(dx) >= math.Abs(dy):
		if dx > 0 {
			return EdgeEast
		}
		return EdgeWest
	case dy > 0:
		return EdgeSouth
	default:
		return EdgeNorth
	}
}
