package ruleelement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visioner-rules/executor/ledger"
	"visioner-rules/executor/operations"
	"visioner-rules/executor/perception"
)

func ptr[T any](v T) *T { return &v }

var enemies = operations.Selection{Observers: operations.SelectEnemies}

func TestMerge_sensesCombineWithoutMutatingInput(t *testing.T) {
	a := operations.Operation{Type: operations.KindModifySenses, SenseModifications: map[string]operations.SenseMod{
		"darkvision": {Range: ptr(60.0)},
	}}
	b := operations.Operation{Type: operations.KindModifySenses, SenseModifications: map[string]operations.SenseMod{
		"darkvision": {Acuity: perception.Imprecise},
		"scent":      {Range: ptr(30.0)},
	}}

	out := Merge([]operations.Operation{a, b}, 100)
	require.Len(t, out, 1)
	assert.Equal(t, map[string]operations.SenseMod{
		"darkvision": {Range: ptr(60.0), Acuity: perception.Imprecise},
		"scent":      {Range: ptr(30.0)},
	}, out[0].SenseModifications)
	assert.Len(t, a.SenseModifications, 1, "input untouched")
	assert.Empty(t, a.SenseModifications["darkvision"].Acuity)
}

func TestMerge_detectionModesCombine(t *testing.T) {
	out := Merge([]operations.Operation{
		{Type: operations.KindModifyDetectionModes, ModeModifications: map[string]operations.DetectionModeMod{"hearing": {Enabled: ptr(true)}}},
		{Type: operations.KindModifyDetectionModes, ModeModifications: map[string]operations.DetectionModeMod{"hearing": {Range: ptr(30.0)}}},
	}, 100)
	require.Len(t, out, 1)
	assert.Equal(t, operations.DetectionModeMod{Enabled: ptr(true), Range: ptr(30.0)}, out[0].ModeModifications["hearing"])
}

func TestMerge_overridesCollapseToHigherPriority(t *testing.T) {
	low := operations.Operation{Type: operations.KindOverrideVisibility, State: "concealed", Priority: ptr(50), Selection: enemies}
	high := operations.Operation{Type: operations.KindOverrideVisibility, State: "hidden", Priority: ptr(150), Selection: enemies}
	dflt := operations.Operation{Type: operations.KindOverrideVisibility, State: "undetected", Selection: enemies}

	out := Merge([]operations.Operation{low, high}, 100)
	require.Len(t, out, 1)
	assert.Equal(t, "hidden", out[0].State)

	out = Merge([]operations.Operation{dflt, operations.Operation{Type: operations.KindOverrideVisibility, State: "hidden", Priority: ptr(100), Selection: enemies}}, 100)
	require.Len(t, out, 1)
	assert.Equal(t, "undetected", out[0].State, "ties keep the first")
}

func TestMerge_overridesWithDifferentSelectionsStayApart(t *testing.T) {
	out := Merge([]operations.Operation{
		{Type: operations.KindOverrideVisibility, State: "concealed", Selection: enemies},
		{Type: operations.KindOverrideVisibility, State: "hidden", Selection: operations.Selection{Observers: operations.SelectAllies}},
		{Type: operations.KindOverrideVisibility, Mode: operations.ModeReplacement, FromStates: []perception.Visibility{perception.Hidden}, ToState: perception.Observed, Selection: enemies},
	}, 100)
	assert.Len(t, out, 3)
}

func TestMerge_lightingKeepsHigherPriority(t *testing.T) {
	out := Merge([]operations.Operation{
		{Type: operations.KindModifyLighting, Lighting: perception.Dim},
		{Type: operations.KindModifyLighting, Lighting: perception.Darkness, Priority: ptr(200)},
	}, 100)
	require.Len(t, out, 1)
	assert.Equal(t, perception.Darkness, out[0].Lighting)
}

func TestMerge_distanceAbsorbsFollowingConditional(t *testing.T) {
	dist := operations.Operation{Type: operations.KindDistanceBasedVisibility, DistanceBands: []operations.Band{{MaxDistance: ptr(30.0), State: perception.Observed}}}
	cond := operations.Operation{Type: operations.KindConditionalState, Condition: "invisible", ThenState: perception.Undetected, ElseState: perception.Concealed}

	out := Merge([]operations.Operation{dist, cond}, 100)
	require.Len(t, out, 1)
	assert.Equal(t, &operations.Fallback{Condition: "invisible", ThenState: perception.Undetected, ElseState: perception.Concealed}, out[0].Fallback)
	assert.Nil(t, dist.Fallback)

	light := operations.Operation{Type: operations.KindModifyLighting, Lighting: perception.Dim}
	out = Merge([]operations.Operation{dist, light, cond}, 100)
	assert.Len(t, out, 3, "only an immediately following conditional is absorbed")
}

func TestMerge_distanceKeepsConditionalWithOtherSelection(t *testing.T) {
	dist := operations.Operation{Type: operations.KindDistanceBasedVisibility, DistanceBands: []operations.Band{{MaxDistance: ptr(30.0), State: perception.Observed}}}
	cond := operations.Operation{
		Type: operations.KindConditionalState, Condition: "invisible", ThenState: perception.Undetected,
		Selection: operations.Selection{Observers: operations.SelectEnemies, Direction: perception.DirectionFrom},
	}

	out := Merge([]operations.Operation{dist, cond}, 100)
	require.Len(t, out, 2)
	assert.Nil(t, out[0].Fallback)
	assert.Equal(t, operations.SelectEnemies, out[1].Observers)
}

func TestMerge_undecodableOperationsStayApart(t *testing.T) {
	good := operations.Operation{Type: operations.KindModifyLighting, Lighting: perception.Dim}
	bad := operations.Operation{Type: operations.KindModifyLighting, Problem: "lighting: conflicting values"}

	out := Merge([]operations.Operation{good, bad, good}, 100)
	require.Len(t, out, 2)
	assert.Empty(t, out[0].Problem)
	assert.Equal(t, "lighting: conflicting values", out[1].Problem)
}

func TestMerge_qualificationsDenyWins(t *testing.T) {
	out := Merge([]operations.Operation{
		{Type: operations.KindModifyActionQualification, Qualifications: map[string]ledger.Qualification{
			ledger.ActionHide: {CanUseThisConcealment: ptr(true)},
		}},
		{Type: operations.KindModifyActionQualification, Qualifications: map[string]ledger.Qualification{
			ledger.ActionHide:  {CanUseThisConcealment: ptr(false), CustomMessage: "no"},
			ledger.ActionSneak: {EndPositionQualifies: ptr(false)},
		}},
	}, 100)
	require.Len(t, out, 1)
	hide := out[0].Qualifications[ledger.ActionHide]
	assert.False(t, *hide.CanUseThisConcealment)
	assert.Equal(t, "no", hide.CustomMessage)
	assert.Contains(t, out[0].Qualifications, ledger.ActionSneak)
}

func TestMerge_offGuardUnion(t *testing.T) {
	out := Merge([]operations.Operation{
		{Type: operations.KindOffGuardSuppression, SuppressedStates: []perception.Visibility{perception.Hidden}},
		{Type: operations.KindOffGuardSuppression, SuppressedStates: []perception.Visibility{perception.Hidden, perception.Undetected}},
	}, 100)
	require.Len(t, out, 1)
	assert.Equal(t, []perception.Visibility{perception.Hidden, perception.Undetected}, out[0].SuppressedStates)
}

func TestMerge_unlistedPairsApplyIndependently(t *testing.T) {
	out := Merge([]operations.Operation{
		{Type: operations.KindProvideCover, State: "lesser"},
		{Type: operations.KindProvideCover, State: "standard"},
		{Type: operations.KindAuraVisibility, AuraRadius: 10, InsideOutsideState: perception.Concealed},
	}, 100)
	assert.Len(t, out, 3)
}

func TestCompatibility(t *testing.T) {
	warnings := Compatibility([]operations.Operation{
		{Type: operations.KindOverrideVisibility},
		{Type: operations.KindAuraVisibility},
		{Type: operations.KindModifySenses},
		{Type: operations.KindOverrideCover},
	})
	require.Len(t, warnings, 1)
	assert.Equal(t, "visibility", warnings[0].Category)
	assert.Equal(t, []operations.Kind{operations.KindOverrideVisibility, operations.KindAuraVisibility}, warnings[0].Kinds)

	assert.Empty(t, Compatibility([]operations.Operation{
		{Type: operations.KindOverrideVisibility},
		{Type: operations.KindModifyActionQualification},
	}))
}
