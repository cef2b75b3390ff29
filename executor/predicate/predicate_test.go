package predicate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"visioner-rules/executor/perception"
	"visioner-rules/executor/ports"
)

func evaluators(t *testing.T) map[string]Evaluator {
	t.Helper()
	c, err := NewCEL(zap.NewNop())
	require.NoError(t, err)
	return map[string]Evaluator{"local": Local{}, "cel": c}
}

func TestEvaluate_logicalComposition(t *testing.T) {
	cases := []struct {
		name string
		p    Predicate
		opts OptionSet
		want bool
	}{
		{"plain list is AND", Of("a", "b"), NewOptionSet("a", "b"), true},
		{"AND missing option", Of("a", "c"), NewOptionSet("a", "b"), false},
		{"or", Predicate{Or(Opt("a"), Opt("c"))}, NewOptionSet("c"), true},
		{"not", Predicate{Not(Opt("a"))}, NewOptionSet("b"), true},
		{"not present", Predicate{Not(Opt("a"))}, NewOptionSet("a"), false},
		{"negation prefix", Of("not:a"), NewOptionSet("b"), true},
		{"nested and inside or", Predicate{Or(And(Opt("a"), Opt("b")), Opt("z"))}, NewOptionSet("a", "b"), true},
		{"nor", Predicate{{Nor: []Term{Opt("a"), Opt("b")}}}, NewOptionSet("c"), true},
		{"empty predicate is true", nil, nil, true},
		{"nil options fail closed", Of("a"), nil, false},
		{"empty or is false", Predicate{{Or: []Term{}}}, NewOptionSet("a"), false},
		{"quotes in options", Of(`self:trait:"odd"`), NewOptionSet(`self:trait:"odd"`), true},
	}
	for name, ev := range evaluators(t) {
		for _, tc := range cases {
			t.Run(name+"/"+tc.name, func(t *testing.T) {
				assert.Equal(t, tc.want, ev.Evaluate(tc.p, tc.opts))
			})
		}
	}
}

func TestTerm_UnmarshalJSON_mixedShapes(t *testing.T) {
	var p Predicate
	raw := `["self:trait:elf", {"or": ["target:trait:undead", {"not": "target:condition:blinded"}]}, "not:self:condition:deafened"]`
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	require.Len(t, p, 3)
	assert.Equal(t, "self:trait:elf", p[0].Option)
	require.Len(t, p[1].Or, 2)
	assert.Equal(t, "target:condition:blinded", p[1].Or[1].Not.Option)

	opts := NewOptionSet("self:trait:elf", "target:trait:undead")
	assert.True(t, Local{}.Evaluate(p, opts))

	back, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(back))
}

func TestTerm_UnmarshalJSON_rejectsUnknownOperator(t *testing.T) {
	var p Predicate
	err := json.Unmarshal([]byte(`[{"xor": ["a"]}]`), &p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown predicate operator")
}

func TestPredicate_Validate_rejectsEmptyOption(t *testing.T) {
	assert.Error(t, Predicate{Or(Opt("a"), Opt("not:"))}.Validate())
	assert.NoError(t, Of("a", "not:b").Validate())
}

func TestPredicate_Expression(t *testing.T) {
	p := Predicate{Opt("a"), Or(Opt("b"), Opt("not:c"))}
	assert.Equal(t, `("a" in options) && (("b" in options) || !("c" in options))`, p.Expression())
}

func TestCEL_cachesPrograms(t *testing.T) {
	c, err := NewCEL(nil)
	require.NoError(t, err)
	p := Of("a")
	c.Evaluate(p, NewOptionSet("a"))
	c.Evaluate(p, NewOptionSet("b"))
	assert.Len(t, c.programs, 1)
}

func TestNew_localBackend(t *testing.T) {
	assert.IsType(t, Local{}, New("local", nil))
	assert.IsType(t, &CEL{}, New("cel", nil))
}

func TestTargetOptions_rewritesSelfPrefix(t *testing.T) {
	tok := &ports.Token{
		ID:          "zombie",
		Disposition: perception.Hostile,
		Actor: &ports.Actor{
			Type:        "npc",
			Level:       2,
			Traits:      []string{"undead"},
			Conditions:  []string{"slowed"},
			RollOptions: []string{"self:effect:take-cover", "feat:fleet"},
		},
	}
	own := TokenOptions(tok)
	assert.True(t, own.Has("self:trait:undead"))
	assert.True(t, own.Has("self:condition:slowed"))
	assert.True(t, own.Has("self:effect:take-cover"))
	assert.True(t, own.Has("feat:fleet"))

	target := TargetOptions(tok)
	assert.True(t, target.Has("target:trait:undead"))
	assert.True(t, target.Has("target:effect:take-cover"))
	assert.True(t, target.Has("target:feat:fleet"))
	assert.False(t, target.Has("self:trait:undead"))
}

func TestPairOptions_predicateFromEitherSide(t *testing.T) {
	cleric := &ports.Token{ID: "cleric", Actor: &ports.Actor{Traits: []string{"human"}}}
	zombie := &ports.Token{ID: "zombie", Actor: &ports.Actor{Traits: []string{"undead"}}}

	p := Of("self:trait:human", "target:trait:undead")
	assert.True(t, Local{}.Evaluate(p, PairOptions(cleric, zombie)))
	assert.False(t, Local{}.Evaluate(p, PairOptions(zombie, cleric)))
	assert.Nil(t, PairOptions(nil, zombie))
}
