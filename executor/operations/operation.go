// Package operations holds the declarative operation model and one applier
// per operation kind. Appliers write ledger sources and token flags and
// reverse exactly those writes on removal.
package operations

import (
	"errors"
	"fmt"
	"slices"

	"visioner-rules/executor/ledger"
	"visioner-rules/executor/perception"
	"visioner-rules/executor/predicate"
)

var (
	// ErrUnknownKind is returned for operation types outside the closed set.
	ErrUnknownKind = errors.New("unknown operation kind")
	// ErrInvalidOperation wraps per-kind parameter validation failures.
	ErrInvalidOperation = errors.New("invalid operation")
)

// Kind is the closed set of operation types.
type Kind string

const (
	KindOverrideVisibility        Kind = "overrideVisibility"
	KindOverrideCover             Kind = "overrideCover"
	KindProvideCover              Kind = "provideCover"
	KindModifySenses              Kind = "modifySenses"
	KindModifyDetectionModes      Kind = "modifyDetectionModes"
	KindModifyLighting            Kind = "modifyLighting"
	KindConditionalState          Kind = "conditionalState"
	KindDistanceBasedVisibility   Kind = "distanceBasedVisibility"
	KindOffGuardSuppression       Kind = "offGuardSuppression"
	KindModifyActionQualification Kind = "modifyActionQualification"
	KindAuraVisibility            Kind = "auraVisibility"
)

// Kinds lists every operation kind.
var Kinds = []Kind{
	KindOverrideVisibility,
	KindOverrideCover,
	KindProvideCover,
	KindModifySenses,
	KindModifyDetectionModes,
	KindModifyLighting,
	KindConditionalState,
	KindDistanceBasedVisibility,
	KindOffGuardSuppression,
	KindModifyActionQualification,
	KindAuraVisibility,
}

func (k Kind) Valid() bool {
	return slices.Contains(Kinds, k)
}

// ModeReplacement turns overrideVisibility into a stored rewrite rule.
const ModeReplacement = "replacement"

// Comparison compares observer level against target level.
type Comparison string

const (
	LevelLT  Comparison = "lt"
	LevelLTE Comparison = "lte"
	LevelEQ  Comparison = "eq"
	LevelGTE Comparison = "gte"
	LevelGT  Comparison = "gt"
)

func (c Comparison) Valid() bool {
	switch c {
	case LevelLT, LevelLTE, LevelEQ, LevelGTE, LevelGT:
		return true
	}
	return false
}

// Holds reports whether a <c> b. An empty comparison always holds.
func (c Comparison) Holds(a, b int) bool {
	switch c {
	case LevelLT:
		return a < b
	case LevelLTE:
		return a <= b
	case LevelEQ:
		return a == b
	case LevelGTE:
		return a >= b
	case LevelGT:
		return a > b
	}
	return true
}

// Edge is a compass side of a cover receiver. Scene y grows downward, so
// north is negative y.
type Edge string

const (
	EdgeNorth Edge = "north"
	EdgeSouth Edge = "south"
	EdgeEast  Edge = "east"
	EdgeWest  Edge = "west"
)

func (e Edge) Valid() bool {
	return e == EdgeNorth || e == EdgeSouth || e == EdgeEast || e == EdgeWest
}

// SenseMod changes one sense. Range sets, MaxRange clamps, Acuity replaces,
// and BeyondRange adds an unlimited companion sense of that acuity once the
// sense is range-limited.
type SenseMod struct {
	Range       *float64          `json:"range,omitempty"`
	MaxRange    *float64          `json:"maxRange,omitempty"`
	Acuity      perception.Acuity `json:"acuity,omitempty"`
	BeyondRange perception.Acuity `json:"beyondRange,omitempty"`
}

// DetectionModeMod changes one detection mode.
type DetectionModeMod struct {
	Enabled  *bool    `json:"enabled,omitempty"`
	Range    *float64 `json:"range,omitempty"`
	MaxRange *float64 `json:"maxRange,omitempty"`
}

// Band maps a distance interval [MinDistance, MaxDistance) to a state. A nil
// MaxDistance is unbounded.
type Band struct {
	MinDistance float64               `json:"minDistance"`
	MaxDistance *float64              `json:"maxDistance,omitempty"`
	State       perception.Visibility `json:"state"`
}

// Contains reports whether d falls inside the band.
func (b Band) Contains(d float64) bool {
	if d < b.MinDistance {
		return false
	}
	return b.MaxDistance == nil || d < *b.MaxDistance
}

// Fallback is a condition test consulted when no distance band matches.
type Fallback struct {
	Condition string                `json:"condition"`
	ThenState perception.Visibility `json:"thenState,omitempty"`
	ElseState perception.Visibility `json:"elseState,omitempty"`
}

// Selection picks the counterpart tokens of an operation.
type Selection struct {
	Observers Selector             `json:"observers,omitempty"`
	TokenIDs  []string             `json:"tokenIds,omitempty"`
	Range     *float64             `json:"range,omitempty"`
	Direction perception.Direction `json:"direction,omitempty"`
	Predicate predicate.Predicate  `json:"predicate,omitempty"`
}

// Operation is one declarative effect. Only the fields of its Type are
// meaningful.
type Operation struct {
	Type     Kind `json:"type"`
	Priority *int `json:"priority,omitempty"`
	Selection

	State           string                  `json:"state,omitempty"`
	Mode            string                  `json:"mode,omitempty"`
	FromStates      []perception.Visibility `json:"fromStates,omitempty"`
	ToState         perception.Visibility   `json:"toState,omitempty"`
	LevelComparison Comparison              `json:"levelComparison,omitempty"`

	BlockedEdges      []Edge `json:"blockedEdges,omitempty"`
	RequiresTakeCover bool   `json:"requiresTakeCover,omitempty"`

	SenseModifications map[string]SenseMod         `json:"senseModifications,omitempty"`
	ModeModifications  map[string]DetectionModeMod `json:"modeModifications,omitempty"`

	Lighting perception.Lighting `json:"lighting,omitempty"`

	Condition string                `json:"condition,omitempty"`
	ThenState perception.Visibility `json:"thenState,omitempty"`
	ElseState perception.Visibility `json:"elseState,omitempty"`

	DistanceBands []Band    `json:"distanceBands,omitempty"`
	Fallback      *Fallback `json:"fallback,omitempty"`

	SuppressedStates []perception.Visibility `json:"suppressedStates,omitempty"`

	Qualifications map[string]ledger.Qualification `json:"qualifications,omitempty"`

	AuraRadius         float64               `json:"auraRadius,omitempty"`
	InsideOutsideState perception.Visibility `json:"insideOutsideState,omitempty"`
	OutsideInsideState perception.Visibility `json:"outsideInsideState,omitempty"`
	SourceExempt       bool                  `json:"sourceExempt,omitempty"`

	// Problem is why the authored operation could not be decoded. Validate
	// reports it so the operation is skipped while its siblings apply.
	Problem string `json:"-"`
}

// IsReplacement reports whether an overrideVisibility declares a rewrite rule.
func (op Operation) IsReplacement() bool {
	return op.Type == KindOverrideVisibility && op.Mode == ModeReplacement
}

func invalid(op Operation, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidOperation, op.Type, fmt.Sprintf(format, args...))
}

// Validate checks the parameters of the operation's kind.
func (op Operation) Validate() error {
	if !op.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, op.Type)
	}
	if op.Problem != "" {
		return invalid(op, "%s", op.Problem)
	}
	if err := op.Selection.validate(op); err != nil {
		return err
	}

	switch op.Type {
	case KindOverrideVisibility:
		if op.IsReplacement() {
			if len(op.FromStates) == 0 {
				return invalid(op, "replacement needs fromStates")
			}
			for _, s := range op.FromStates {
				if !s.Valid() {
					return invalid(op, "unknown fromState %q", s)
				}
			}
			if !op.ToState.Valid() {
				return invalid(op, "unknown toState %q", op.ToState)
			}
			if op.LevelComparison != "" && !op.LevelComparison.Valid() {
				return invalid(op, "unknown levelComparison %q", op.LevelComparison)
			}
			return nil
		}
		if op.Mode != "" {
			return invalid(op, "unknown mode %q", op.Mode)
		}
		if !perception.Visibility(op.State).Valid() {
			return invalid(op, "unknown visibility state %q", op.State)
		}
	case KindOverrideCover, KindProvideCover:
		if !perception.Cover(op.State).Valid() {
			return invalid(op, "unknown cover state %q", op.State)
		}
		for _, e := range op.BlockedEdges {
			if !e.Valid() {
				return invalid(op, "unknown edge %q", e)
			}
		}
	case KindModifySenses:
		if len(op.SenseModifications) == 0 {
			return invalid(op, "senseModifications is empty")
		}
		for name, m := range op.SenseModifications {
			if m.Acuity != "" && !m.Acuity.Valid() {
				return invalid(op, "sense %s: unknown acuity %q", name, m.Acuity)
			}
			if m.BeyondRange != "" && !m.BeyondRange.Valid() {
				return invalid(op, "sense %s: unknown beyondRange acuity %q", name, m.BeyondRange)
			}
		}
	case KindModifyDetectionModes:
		if len(op.ModeModifications) == 0 {
			return invalid(op, "modeModifications is empty")
		}
	case KindModifyLighting:
		if !op.Lighting.Valid() {
			return invalid(op, "unknown lighting %q", op.Lighting)
		}
	case KindConditionalState:
		if op.Condition == "" {
			return invalid(op, "condition is required")
		}
		if op.ThenState == "" && op.ElseState == "" {
			return invalid(op, "thenState or elseState is required")
		}
		if err := validStates(op, op.ThenState, op.ElseState); err != nil {
			return err
		}
	case KindDistanceBasedVisibility:
		if len(op.DistanceBands) == 0 {
			return invalid(op, "distanceBands is empty")
		}
		for i, b := range op.DistanceBands {
			if !b.State.Valid() {
				return invalid(op, "band %d: unknown state %q", i, b.State)
			}
			if b.MinDistance < 0 || (b.MaxDistance != nil && *b.MaxDistance <= b.MinDistance) {
				return invalid(op, "band %d: empty interval", i)
			}
		}
		if op.Fallback != nil {
			if err := validStates(op, op.Fallback.ThenState, op.Fallback.ElseState); err != nil {
				return err
			}
		}
	case KindOffGuardSuppression:
		if len(op.SuppressedStates) == 0 {
			return invalid(op, "suppressedStates is empty")
		}
		if err := validStates(op, op.SuppressedStates...); err != nil {
			return err
		}
	case KindModifyActionQualification:
		if len(op.Qualifications) == 0 {
			return invalid(op, "qualifications is empty")
		}
	case KindAuraVisibility:
		if op.AuraRadius <= 0 {
			return invalid(op, "auraRadius must be positive")
		}
		if op.InsideOutsideState == "" && op.OutsideInsideState == "" {
			return invalid(op, "insideOutsideState or outsideInsideState is required")
		}
		if err := validStates(op, op.InsideOutsideState, op.OutsideInsideState); err != nil {
			return err
		}
	}
	return nil
}

func validStates(op Operation, states ...perception.Visibility) error {
	for _, s := range states {
		if s != "" && !s.Valid() {
			return invalid(op, "unknown visibility state %q", s)
		}
	}
	return nil
}

func (s Selection) validate(op Operation) error {
	if s.Observers != "" && !s.Observers.Valid() {
		return invalid(op, "unknown observers selector %q", s.Observers)
	}
	if s.Observers == SelectSpecific && len(s.TokenIDs) == 0 {
		return invalid(op, "specific selector needs tokenIds")
	}
	if s.Direction != "" && !s.Direction.Valid() {
		return invalid(op, "unknown direction %q", s.Direction)
	}
	if s.Range != nil && *s.Range < 0 {
		return invalid(op, "range must not be negative")
	}
	return s.Predicate.Validate()
}
