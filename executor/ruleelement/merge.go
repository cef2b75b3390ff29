package ruleelement

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"visioner-rules/executor/ledger"
	"visioner-rules/executor/operations"
)

// mergeFn coalesces b into a. It reports false when the pair is not
// compatible and both must be applied on their own.
type mergeFn func(a, b operations.Operation, defaultPriority int) (operations.Operation, bool)

type kindPair struct {
	a, b operations.Kind
}

// mergeTable is closed: any pair not listed is applied independently.
var mergeTable = map[kindPair]mergeFn{
	{operations.KindModifySenses, operations.KindModifySenses}:                           mergeSenses,
	{operations.KindModifyDetectionModes, operations.KindModifyDetectionModes}:           mergeDetectionModes,
	{operations.KindOverrideVisibility, operations.KindOverrideVisibility}:               higherPriority,
	{operations.KindOverrideCover, operations.KindOverrideCover}:                         higherPriority,
	{operations.KindModifyLighting, operations.KindModifyLighting}:                       higherPriority,
	{operations.KindModifyActionQualification, operations.KindModifyActionQualification}: mergeQualifications,
	{operations.KindOffGuardSuppression, operations.KindOffGuardSuppression}:             unionSuppressed,
}

// Merge coalesces compatible operations. Pairs from the merge table may
// combine anywhere in the list; a distance rule immediately followed by a
// conditional state with the same selection absorbs it as its fallback.
// Operations that failed to decode never merge. The input is not modified.
func Merge(ops []operations.Operation, defaultPriority int) []operations.Operation {
	out := make([]operations.Operation, 0, len(ops))
	last := -1
	for _, op := range ops {
		if op.Problem != "" {
			out = append(out, op)
			last = len(out) - 1
			continue
		}
		if last >= 0 && op.Type == operations.KindConditionalState {
			if merged, ok := absorbFallback(out[last], op); ok {
				out[last] = merged
				continue
			}
		}
		landed := -1
		for j := range out {
			if out[j].Problem != "" {
				continue
			}
			fn, ok := mergeTable[kindPair{out[j].Type, op.Type}]
			if !ok {
				continue
			}
			if merged, ok := fn(out[j], op, defaultPriority); ok {
				out[j] = merged
				landed = j
				break
			}
		}
		if landed < 0 {
			out = append(out, op)
			landed = len(out) - 1
		}
		last = landed
	}
	return out
}

func priorityOf(op operations.Operation, def int) int {
	if op.Priority != nil {
		return *op.Priority
	}
	return def
}

// sameSelection compares selections by their wire form.
func sameSelection(a, b operations.Selection) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

func mergeSenses(a, b operations.Operation, _ int) (operations.Operation, bool) {
	mods := maps.Clone(a.SenseModifications)
	if mods == nil {
		mods = make(map[string]operations.SenseMod, len(b.SenseModifications))
	}
	for name, m := range b.SenseModifications {
		prev, ok := mods[name]
		if !ok {
			mods[name] = m
			continue
		}
		if m.Range != nil {
			prev.Range = m.Range
		}
		if m.MaxRange != nil {
			prev.MaxRange = m.MaxRange
		}
		if m.Acuity != "" {
			prev.Acuity = m.Acuity
		}
		if m.BeyondRange != "" {
			prev.BeyondRange = m.BeyondRange
		}
		mods[name] = prev
	}
	a.SenseModifications = mods
	return a, true
}

func mergeDetectionModes(a, b operations.Operation, _ int) (operations.Operation, bool) {
	mods := maps.Clone(a.ModeModifications)
	if mods == nil {
		mods = make(map[string]operations.DetectionModeMod, len(b.ModeModifications))
	}
	for id, m := range b.ModeModifications {
		prev, ok := mods[id]
		if !ok {
			mods[id] = m
			continue
		}
		if m.Enabled != nil {
			prev.Enabled = m.Enabled
		}
		if m.Range != nil {
			prev.Range = m.Range
		}
		if m.MaxRange != nil {
			prev.MaxRange = m.MaxRange
		}
		mods[id] = prev
	}
	a.ModeModifications = mods
	return a, true
}

// higherPriority keeps whichever operation has the greater priority; the
// earlier one wins ties. Overrides only collapse when they target the same
// selection, and replacement rules never do.
func higherPriority(a, b operations.Operation, def int) (operations.Operation, bool) {
	if a.Type != operations.KindModifyLighting {
		if a.IsReplacement() || b.IsReplacement() || !sameSelection(a.Selection, b.Selection) {
			return a, false
		}
	}
	if priorityOf(b, def) > priorityOf(a, def) {
		return b, true
	}
	return a, true
}

// mergeQualifications combines per-action qualification maps. A false flag
// from either side wins.
func mergeQualifications(a, b operations.Operation, _ int) (operations.Operation, bool) {
	if !sameSelection(a.Selection, b.Selection) {
		return a, false
	}
	quals := maps.Clone(a.Qualifications)
	if quals == nil {
		quals = make(map[string]ledger.Qualification, len(b.Qualifications))
	}
	for action, q := range b.Qualifications {
		prev, ok := quals[action]
		if !ok {
			quals[action] = q
			continue
		}
		prev.CanUseThisConcealment = andFlag(prev.CanUseThisConcealment, q.CanUseThisConcealment)
		prev.CanUseThisCover = andFlag(prev.CanUseThisCover, q.CanUseThisCover)
		prev.StartPositionQualifies = andFlag(prev.StartPositionQualifies, q.StartPositionQualifies)
		prev.EndPositionQualifies = andFlag(prev.EndPositionQualifies, q.EndPositionQualifies)
		prev.IgnoreRequirements = prev.IgnoreRequirements || q.IgnoreRequirements
		if prev.CustomMessage == "" {
			prev.CustomMessage = q.CustomMessage
		}
		quals[action] = prev
	}
	a.Qualifications = quals
	return a, true
}

func andFlag(a, b *bool) *bool {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	v := *a && *b
	return &v
}

func unionSuppressed(a, b operations.Operation, _ int) (operations.Operation, bool) {
	states := slices.Clone(a.SuppressedStates)
	for _, s := range b.SuppressedStates {
		if !slices.Contains(states, s) {
			states = append(states, s)
		}
	}
	a.SuppressedStates = states
	return a, true
}

// absorbFallback turns a conditional state following a distance rule into
// that rule's fallback. The fallback has no selection of its own, so both
// must target the same tokens.
func absorbFallback(dist, cond operations.Operation) (operations.Operation, bool) {
	if dist.Type != operations.KindDistanceBasedVisibility || dist.Fallback != nil || dist.Problem != "" {
		return dist, false
	}
	if !sameSelection(dist.Selection, cond.Selection) {
		return dist, false
	}
	dist.Fallback = &operations.Fallback{
		Condition: cond.Condition,
		ThenState: cond.ThenState,
		ElseState: cond.ElseState,
	}
	return dist, true
}

// Warning is a non-fatal note about operations merge could not combine.
type Warning struct {
	Category string            `json:"category"`
	Kinds    []operations.Kind `json:"kinds"`
	Message  string            `json:"message"`
}

var categories = []struct {
	name  string
	kinds []operations.Kind
}{
	{"visibility", []operations.Kind{
		operations.KindOverrideVisibility,
		operations.KindConditionalState,
		operations.KindDistanceBasedVisibility,
		operations.KindAuraVisibility,
	}},
	{"cover", []operations.Kind{operations.KindOverrideCover, operations.KindProvideCover}},
	{"senses", []operations.Kind{operations.KindModifySenses, operations.KindModifyDetectionModes}},
	{"qualification", []operations.Kind{operations.KindModifyActionQualification}},
}

// Compatibility returns a warning for every category with more than one
// operation left after merging.
func Compatibility(ops []operations.Operation) []Warning {
	var out []Warning
	for _, c := range categories {
		var kinds []operations.Kind
		for _, op := range ops {
			if slices.Contains(c.kinds, op.Type) {
				kinds = append(kinds, op.Type)
			}
		}
		if len(kinds) < 2 {
			continue
		}
		out = append(out, Warning{
			Category: c.name,
			Kinds:    kinds,
			Message:  fmt.Sprintf("%d %s-affecting operations apply independently", len(kinds), c.name),
		})
	}
	return out
}
