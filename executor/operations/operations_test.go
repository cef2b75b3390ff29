package operations

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visioner-rules/executor/ledger"
	"visioner-rules/executor/perception"
	"visioner-rules/executor/ports"
	"visioner-rules/executor/ports/inmem"
	"visioner-rules/executor/predicate"
	"visioner-rules/executor/qualify"
)

type fixture struct {
	ctx      context.Context
	scene    *inmem.Scene
	flags    *inmem.FlagStore
	pmap     *inmem.PerceptionMap
	ledger   *ledger.Ledger
	registry *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	scene := inmem.NewScene(
		&ports.Token{
			ID: "rogue", Disposition: perception.Friendly,
			Actor: &ports.Actor{
				ID: "a-rogue", Level: 3, Traits: []string{"human"},
				Senses: []ports.Sense{
					{Type: "darkvision", Acuity: perception.Precise, Range: 60},
					{Type: "hearing", Acuity: perception.Imprecise, Range: 30},
				},
				DetectionModes: []ports.DetectionMode{{ID: "basicSight", Enabled: true}},
			},
		},
		&ports.Token{
			ID: "goblin", Disposition: perception.Hostile, Position: ports.Point{X: 20},
			Actor: &ports.Actor{ID: "a-goblin", Level: 1, Traits: []string{"goblin"}},
		},
		&ports.Token{
			ID: "orc", Disposition: perception.Hostile, Position: ports.Point{X: 100},
			Actor: &ports.Actor{ID: "a-orc", Level: 2, Traits: []string{"orc"}},
		},
		&ports.Token{
			ID: "cleric", Disposition: perception.Friendly, Position: ports.Point{Y: 10},
			Actor: &ports.Actor{ID: "a-cleric", Level: 3},
		},
	)
	flags := inmem.NewFlagStore()
	pmap := inmem.NewPerceptionMap()
	lg := ledger.New(flags, ledger.WithDedupWindow(0))
	reg := NewRegistry(Deps{
		Host:       ports.Host{Scene: scene, Flags: flags, Perception: pmap, Recalc: inmem.NewRecalculator()},
		Ledger:     lg,
		Predicates: predicate.Local{},
	})
	return &fixture{ctx: context.Background(), scene: scene, flags: flags, pmap: pmap, ledger: lg, registry: reg}
}

func (f *fixture) token(t *testing.T, id string) *ports.Token {
	t.Helper()
	tok, err := f.scene.Token(f.ctx, id)
	require.NoError(t, err)
	return tok
}

func (f *fixture) binding(t *testing.T, subject string) Binding {
	return Binding{Subject: f.token(t, subject), RuleElementID: "effect-1", Label: "Test", Footprint: &Footprint{}}
}

func ptr[T any](v T) *T { return &v }

func TestOverrideVisibility_directionTo(t *testing.T) {
	f := newFixture(t)
	op := Operation{Type: KindOverrideVisibility, State: "concealed", Selection: Selection{Observers: SelectAll}}
	b := f.binding(t, "rogue")
	require.NoError(t, f.registry.Apply(f.ctx, op, b))

	sources, err := f.ledger.Sources(f.ctx, b.Subject, perception.StateVisibility, "goblin")
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "effect-1:0:overrideVisibility", sources[0].ID)
	assert.Equal(t, DefaultPriority, sources[0].Priority)
	assert.Equal(t, "effect-1", sources[0].RuleElementID)

	v, err := f.pmap.Visibility(f.ctx, "goblin", "rogue")
	require.NoError(t, err)
	assert.Equal(t, perception.Concealed, v)

	v, err = f.pmap.Visibility(f.ctx, "rogue", "goblin")
	require.NoError(t, err)
	assert.Equal(t, perception.Observed, v, "the reverse pair is independent")

	assert.Equal(t, []string{"rogue"}, b.Footprint.LedgerTokens)
	assert.ElementsMatch(t, []string{"rogue", "goblin", "orc", "cleric"}, b.Footprint.Affected)
}

func TestOverrideVisibility_directionFromEnemiesInRange(t *testing.T) {
	f := newFixture(t)
	op := Operation{
		Type:  KindOverrideVisibility,
		State: "hidden",
		Selection: Selection{
			Observers: SelectEnemies,
			Direction: perception.DirectionFrom,
			Range:     ptr(30.0),
		},
	}
	require.NoError(t, f.registry.Apply(f.ctx, op, f.binding(t, "rogue")))

	snap := f.pmap.Snapshot()
	assert.Equal(t, map[string]string{"rogue->goblin": "hidden"}, snap)

	sources, err := f.ledger.Sources(f.ctx, f.token(t, "goblin"), perception.StateVisibility, "rogue")
	require.NoError(t, err)
	assert.Len(t, sources, 1)
}

func TestOverrideVisibility_predicateExcludesSingleCandidate(t *testing.T) {
	f := newFixture(t)
	op := Operation{
		Type:      KindOverrideVisibility,
		State:     "undetected",
		Selection: Selection{Observers: SelectAll, Predicate: predicate.Of("not:target:trait:goblin")},
	}
	require.NoError(t, f.registry.Apply(f.ctx, op, f.binding(t, "rogue")))

	snap := f.pmap.Snapshot()
	assert.NotContains(t, snap, "goblin->rogue")
	assert.Equal(t, "undetected", snap["orc->rogue"])
	assert.Equal(t, "undetected", snap["cleric->rogue"])
}

func TestOverrideVisibility_higherPrioritySourceWinsInMap(t *testing.T) {
	f := newFixture(t)
	low := Operation{Type: KindOverrideVisibility, State: "concealed", Priority: ptr(10), Selection: Selection{Observers: SelectSpecific, TokenIDs: []string{"goblin"}}}
	high := Operation{Type: KindOverrideVisibility, State: "hidden", Priority: ptr(200), Selection: Selection{Observers: SelectSpecific, TokenIDs: []string{"goblin"}}}

	b := f.binding(t, "rogue")
	require.NoError(t, f.registry.Apply(f.ctx, high, b))
	b.Index = 1
	require.NoError(t, f.registry.Apply(f.ctx, low, b))
	assert.Equal(t, "hidden", f.pmap.Snapshot()["goblin->rogue"])

	b.Index = 0
	require.NoError(t, f.registry.Remove(f.ctx, high, b))
	assert.Equal(t, "concealed", f.pmap.Snapshot()["goblin->rogue"], "the remaining source takes over")
}

func TestOverrideCover_writesCoverChannel(t *testing.T) {
	f := newFixture(t)
	op := Operation{Type: KindOverrideCover, State: "greater", Selection: Selection{Observers: SelectEnemies}}
	require.NoError(t, f.registry.Apply(f.ctx, op, f.binding(t, "rogue")))

	c, err := f.pmap.Cover(f.ctx, "orc", "rogue")
	require.NoError(t, err)
	assert.Equal(t, perception.GreaterCover, c)
	_, ok := f.pmap.Snapshot()["orc->rogue"]
	assert.False(t, ok)
}

func TestConditionalState_choosesBranchFromCondition(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.scene.SetConditions("rogue", "invisible"))
	op := Operation{
		Type: KindConditionalState, Condition: "invisible",
		ThenState: perception.Undetected, ElseState: perception.Observed,
		Selection: Selection{Observers: SelectSpecific, TokenIDs: []string{"goblin"}},
	}
	require.NoError(t, f.registry.Apply(f.ctx, op, f.binding(t, "rogue")))

	sources, err := f.ledger.Sources(f.ctx, f.token(t, "rogue"), perception.StateVisibility, "goblin")
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "conditionalState", sources[0].Type)
	assert.Equal(t, "undetected", sources[0].State)

	rules, err := ReadRecords[ConditionalRule](f.ctx, f.flags, "rogue", PathConditional)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "invisible", rules[0].Condition)
}

func TestModifySenses_reapplyDoesNotCompound(t *testing.T) {
	f := newFixture(t)
	op := Operation{Type: KindModifySenses, SenseModifications: map[string]SenseMod{
		"darkvision": {MaxRange: ptr(30.0), BeyondRange: perception.Imprecise},
	}}
	require.NoError(t, f.registry.Apply(f.ctx, op, f.binding(t, "rogue")))
	first := f.token(t, "rogue").Actor.Senses
	require.NoError(t, f.registry.Apply(f.ctx, op, f.binding(t, "rogue")))
	second := f.token(t, "rogue").Actor.Senses

	assert.Equal(t, first, second)
	assert.Equal(t, []ports.Sense{
		{Type: "darkvision", Acuity: perception.Precise, Range: 30},
		{Type: "darkvision", Acuity: perception.Imprecise},
		{Type: "hearing", Acuity: perception.Imprecise, Range: 30},
	}, second)
}

func TestModifySenses_stackedEffectsRemoveIndependently(t *testing.T) {
	ops := map[string]Operation{
		"goggles": {Type: KindModifySenses, SenseModifications: map[string]SenseMod{"darkvision": {Range: ptr(120.0)}}},
		"boots":   {Type: KindModifySenses, SenseModifications: map[string]SenseMod{"scent": {Range: ptr(30.0), Acuity: perception.Imprecise}}},
	}
	original := []ports.Sense{
		{Type: "darkvision", Acuity: perception.Precise, Range: 60},
		{Type: "hearing", Acuity: perception.Imprecise, Range: 30},
	}
	onlyGoggles := []ports.Sense{
		{Type: "darkvision", Acuity: perception.Precise, Range: 120},
		{Type: "hearing", Acuity: perception.Imprecise, Range: 30},
	}
	onlyBoots := append(slices.Clone(original), ports.Sense{Type: "scent", Acuity: perception.Imprecise, Range: 30})
	both := append(slices.Clone(onlyGoggles), ports.Sense{Type: "scent", Acuity: perception.Imprecise, Range: 30})

	tests := []struct {
		name       string
		first      string
		afterFirst []ports.Sense
		second     string
	}{
		{"creation order", "goggles", onlyBoots, "boots"},
		{"reverse order", "boots", onlyGoggles, "goggles"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			bind := func(id string) Binding {
				return Binding{Subject: f.token(t, "rogue"), RuleElementID: id, Label: id, Footprint: &Footprint{}}
			}
			require.NoError(t, f.registry.Apply(f.ctx, ops["goggles"], bind("goggles")))
			require.NoError(t, f.registry.Apply(f.ctx, ops["boots"], bind("boots")))
			assert.Equal(t, both, f.token(t, "rogue").Actor.Senses)

			require.NoError(t, f.registry.Remove(f.ctx, ops[tt.first], bind(tt.first)))
			assert.Equal(t, tt.afterFirst, f.token(t, "rogue").Actor.Senses)

			require.NoError(t, f.registry.Remove(f.ctx, ops[tt.second], bind(tt.second)))
			assert.Equal(t, original, f.token(t, "rogue").Actor.Senses)
			assert.Empty(t, f.flags.Snapshot("rogue"))
		})
	}
}

func TestModifyDetectionModes_stackedEffectsRemoveIndependently(t *testing.T) {
	f := newFixture(t)
	blind := Operation{Type: KindModifyDetectionModes, ModeModifications: map[string]DetectionModeMod{"basicSight": {Enabled: ptr(false)}}}
	tremor := Operation{Type: KindModifyDetectionModes, ModeModifications: map[string]DetectionModeMod{"feelTremor": {Enabled: ptr(true), Range: ptr(30.0)}}}
	bind := func(id string) Binding {
		return Binding{Subject: f.token(t, "rogue"), RuleElementID: id, Footprint: &Footprint{}}
	}

	require.NoError(t, f.registry.Apply(f.ctx, blind, bind("blind")))
	require.NoError(t, f.registry.Apply(f.ctx, tremor, bind("tremor")))
	require.NoError(t, f.registry.Remove(f.ctx, blind, bind("blind")))
	assert.Equal(t, []ports.DetectionMode{
		{ID: "basicSight", Enabled: true},
		{ID: "feelTremor", Enabled: true, Range: 30},
	}, f.token(t, "rogue").Actor.DetectionModes)

	require.NoError(t, f.registry.Remove(f.ctx, tremor, bind("tremor")))
	assert.Equal(t, []ports.DetectionMode{{ID: "basicSight", Enabled: true}}, f.token(t, "rogue").Actor.DetectionModes)
	assert.Empty(t, f.flags.Snapshot("rogue"))
}

func TestModifySenses_pureFunction(t *testing.T) {
	senses := []ports.Sense{{Type: "vision", Acuity: perception.Precise}}
	got := ModifySenses(senses, map[string]SenseMod{
		AllSenses:     {Range: ptr(10.0)},
		"tremorsense": {Range: ptr(15.0), Acuity: perception.Imprecise},
	})
	assert.Equal(t, []ports.Sense{
		{Type: "vision", Acuity: perception.Precise, Range: 10},
		{Type: "tremorsense", Acuity: perception.Imprecise, Range: 15},
	}, got)
	assert.Equal(t, 0.0, senses[0].Range, "input is not mutated")
}

func TestModifyDetectionModes_addsOnlyEnabledModes(t *testing.T) {
	modes := []ports.DetectionMode{{ID: "basicSight", Enabled: true}}
	got := ModifyDetectionModes(modes, map[string]DetectionModeMod{
		"basicSight": {Enabled: ptr(false)},
		"hearing":    {Enabled: ptr(true), Range: ptr(30.0)},
		"feelTremor": {Range: ptr(10.0)},
	})
	assert.Equal(t, []ports.DetectionMode{
		{ID: "basicSight", Enabled: false},
		{ID: "hearing", Enabled: true, Range: 30},
	}, got)
}

func TestActionQualification_predicateGatesOnSubject(t *testing.T) {
	f := newFixture(t)
	op := Operation{
		Type:           KindModifyActionQualification,
		Selection:      Selection{Predicate: predicate.Of("self:trait:elf")},
		Qualifications: map[string]ledger.Qualification{ledger.ActionHide: {CanUseThisConcealment: ptr(false)}},
	}
	require.NoError(t, f.registry.Apply(f.ctx, op, f.binding(t, "rogue")))
	assert.Empty(t, f.flags.Snapshot("rogue"))

	op.Predicate = predicate.Of("self:trait:human")
	require.NoError(t, f.registry.Apply(f.ctx, op, f.binding(t, "rogue")))
	records, err := ReadRecords[qualify.Record](f.ctx, f.flags, "rogue", qualify.FlagPath)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Test", records[0].Label)
}

func TestRemoveReversesApply(t *testing.T) {
	ops := map[Kind]Operation{
		KindOverrideVisibility: {Type: KindOverrideVisibility, State: "hidden", Selection: Selection{Observers: SelectAll}},
		KindOverrideCover:      {Type: KindOverrideCover, State: "standard", Selection: Selection{Observers: SelectEnemies, Direction: perception.DirectionFrom}},
		KindProvideCover:       {Type: KindProvideCover, State: "standard", BlockedEdges: []Edge{EdgeNorth}},
		KindModifySenses: {Type: KindModifySenses, SenseModifications: map[string]SenseMod{
			"darkvision": {Range: ptr(120.0)}, "scent": {Range: ptr(30.0), Acuity: perception.Vague},
		}},
		KindModifyDetectionModes: {Type: KindModifyDetectionModes, ModeModifications: map[string]DetectionModeMod{
			"basicSight": {Enabled: ptr(false)}, "hearing": {Enabled: ptr(true)},
		}},
		KindModifyLighting: {Type: KindModifyLighting, Lighting: perception.MagicalDarkness},
		KindConditionalState: {
			Type: KindConditionalState, Condition: "blinded", ThenState: perception.Hidden, ElseState: perception.Concealed,
			Selection: Selection{Observers: SelectAll},
		},
		KindDistanceBasedVisibility: {Type: KindDistanceBasedVisibility, DistanceBands: []Band{
			{MinDistance: 0, MaxDistance: ptr(30.0), State: perception.Observed},
			{MinDistance: 30, State: perception.Concealed},
		}},
		KindOffGuardSuppression:       {Type: KindOffGuardSuppression, SuppressedStates: []perception.Visibility{perception.Hidden}},
		KindModifyActionQualification: {Type: KindModifyActionQualification, Qualifications: map[string]ledger.Qualification{ledger.ActionSneak: {EndPositionQualifies: ptr(false)}}},
		KindAuraVisibility:            {Type: KindAuraVisibility, AuraRadius: 10, InsideOutsideState: perception.Concealed},
	}
	require.Len(t, ops, len(Kinds), "every kind is covered")

	for kind, op := range ops {
		t.Run(string(kind), func(t *testing.T) {
			f := newFixture(t)
			flagsBefore := f.flags.All()
			mapBefore := f.pmap.Snapshot()
			tokensBefore, err := f.scene.Tokens(f.ctx)
			require.NoError(t, err)

			b := f.binding(t, "rogue")
			require.NoError(t, f.registry.Apply(f.ctx, op, b))
			assert.NotEmpty(t, cmp.Diff(flagsBefore, f.flags.All()), "apply should write something")

			b.Subject = f.token(t, "rogue")
			require.NoError(t, f.registry.Remove(f.ctx, op, b))

			tokensAfter, err := f.scene.Tokens(f.ctx)
			require.NoError(t, err)
			assert.Empty(t, cmp.Diff(flagsBefore, f.flags.All()), "flags")
			assert.Empty(t, cmp.Diff(mapBefore, f.pmap.Snapshot()), "perception map")
			assert.Empty(t, cmp.Diff(tokensBefore, tokensAfter), "senses and detection modes")
		})
	}
}

func TestRemove_withoutApplyIsSafe(t *testing.T) {
	f := newFixture(t)
	for _, k := range Kinds {
		op := Operation{Type: k}
		assert.NoError(t, f.registry.Remove(f.ctx, op, f.binding(t, "rogue")), k)
	}
}

func TestRegistry_nilSubjectIsNoop(t *testing.T) {
	f := newFixture(t)
	op := Operation{Type: KindModifyLighting, Lighting: perception.Dim}
	require.NoError(t, f.registry.Apply(f.ctx, op, Binding{RuleElementID: "x"}))
	assert.Equal(t, 0, f.flags.Writes())
}

func TestRegistry_unknownKind(t *testing.T) {
	f := newFixture(t)
	err := f.registry.Apply(f.ctx, Operation{Type: "teleport"}, f.binding(t, "rogue"))
	assert.True(t, errors.Is(err, ErrUnknownKind))

	_, err = f.registry.Lookup("teleport")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestOperation_Validate(t *testing.T) {
	cases := []struct {
		name string
		op   Operation
		ok   bool
	}{
		{"override ok", Operation{Type: KindOverrideVisibility, State: "hidden"}, true},
		{"override bad state", Operation{Type: KindOverrideVisibility, State: "invisible"}, false},
		{"replacement ok", Operation{Type: KindOverrideVisibility, Mode: ModeReplacement, FromStates: []perception.Visibility{perception.Undetected}, ToState: perception.Hidden}, true},
		{"replacement without fromStates", Operation{Type: KindOverrideVisibility, Mode: ModeReplacement, ToState: perception.Hidden}, false},
		{"replacement bad comparison", Operation{Type: KindOverrideVisibility, Mode: ModeReplacement, FromStates: []perception.Visibility{perception.Hidden}, ToState: perception.Concealed, LevelComparison: "ne"}, false},
		{"cover bad edge", Operation{Type: KindProvideCover, State: "standard", BlockedEdges: []Edge{"up"}}, false},
		{"lighting ok", Operation{Type: KindModifyLighting, Lighting: perception.Dim}, true},
		{"band empty interval", Operation{Type: KindDistanceBasedVisibility, DistanceBands: []Band{{MinDistance: 10, MaxDistance: ptr(10.0), State: perception.Hidden}}}, false},
		{"aura no radius", Operation{Type: KindAuraVisibility, InsideOutsideState: perception.Hidden}, false},
		{"specific without ids", Operation{Type: KindOverrideVisibility, State: "hidden", Selection: Selection{Observers: SelectSpecific}}, false},
		{"bad direction", Operation{Type: KindOverrideVisibility, State: "hidden", Selection: Selection{Direction: "sideways"}}, false},
		{"conditional needs branch", Operation{Type: KindConditionalState, Condition: "blinded"}, false},
		{"undecodable", Operation{Type: KindModifyLighting, Lighting: perception.Dim, Problem: "lighting: conflicting values 5 and string"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.op.Validate()
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidOperation)
		})
	}
}

func TestBand_Contains_lowerInclusiveUpperExclusive(t *testing.T) {
	near := Band{MinDistance: 0, MaxDistance: ptr(30.0)}
	far := Band{MinDistance: 30}
	assert.True(t, near.Contains(29.999))
	assert.False(t, near.Contains(30))
	assert.True(t, far.Contains(30))
	assert.True(t, far.Contains(1e9))
}

func TestEdgeFrom(t *testing.T) {
	at := ports.Point{X: 10, Y: 10}
	assert.Equal(t, EdgeNorth, EdgeFrom(at, ports.Point{X: 10, Y: 0}))
	assert.Equal(t, EdgeSouth, EdgeFrom(at, ports.Point{X: 12, Y: 30}))
	assert.Equal(t, EdgeEast, EdgeFrom(at, ports.Point{X: 30, Y: 15}))
	assert.Equal(t, EdgeWest, EdgeFrom(at, ports.Point{X: 0, Y: 10}))
	assert.Equal(t, Edge(""), EdgeFrom(at, at))
}

func TestComparison_Holds(t *testing.T) {
	assert.True(t, LevelGT.Holds(5, 3))
	assert.False(t, LevelLT.Holds(5, 3))
	assert.True(t, LevelEQ.Holds(2, 2))
	assert.True(t, Comparison("").Holds(1, 9))
}
