package predicate

import (
	"slices"
	"strconv"
	"strings"

	"visioner-rules/executor/ports"
)

const (
	selfPrefix   = "self:"
	targetPrefix = "target:"
)

// OptionSet is a token's tagged capability set.
type OptionSet map[string]struct{}

// NewOptionSet builds a set from the given options.
func NewOptionSet(options ...string) OptionSet {
	s := make(OptionSet, len(options))
	for _, o := range options {
		s.Add(o)
	}
	return s
}

func (s OptionSet) Add(option string) {
	if option != "" {
		s[option] = struct{}{}
	}
}

func (s OptionSet) Has(option string) bool {
	_, ok := s[option]
	return ok
}

// Union returns a new set holding the options of s and every other set.
func (s OptionSet) Union(others ...OptionSet) OptionSet {
	out := make(OptionSet, len(s))
	for o := range s {
		out[o] = struct{}{}
	}
	for _, other := range others {
		for o := range other {
			out[o] = struct{}{}
		}
	}
	return out
}

// List returns the options sorted.
func (s OptionSet) List() []string {
	out := make([]string, 0, len(s))
	for o := range s {
		out = append(out, o)
	}
	slices.Sort(out)
	return out
}

// TokenOptions derives a token's own option set. Traits, conditions, type,
// level and disposition are exposed under "self:"; roll options are taken as
// the host reports them. A nil token yields a nil set.
func TokenOptions(t *ports.Token) OptionSet {
	if t == nil {
		return nil
	}
	s := NewOptionSet(selfPrefix+"token:"+t.ID, selfPrefix+"disposition:"+string(t.Disposition))
	a := t.Actor
	if a == nil {
		return s
	}
	if a.Type != "" {
		s.Add(selfPrefix + "type:" + a.Type)
	}
	s.Add(selfPrefix + "level:" + strconv.Itoa(a.Level))
	for _, tr := range a.Traits {
		s.Add(selfPrefix + "trait:" + tr)
	}
	for _, c := range a.Conditions {
		s.Add(selfPrefix + "condition:" + c)
	}
	for _, ro := range a.RollOptions {
		s.Add(ro)
	}
	for _, sense := range a.Senses {
		s.Add(selfPrefix + "sense:" + sense.Type)
	}
	return s
}

// TargetOptions derives the option set a counterpart sees for t: every
// "self:" option becomes "target:", and unprefixed options gain the prefix.
func TargetOptions(t *ports.Token) OptionSet {
	own := TokenOptions(t)
	if own == nil {
		return nil
	}
	s := make(OptionSet, len(own))
	for o := range own {
		if rest, ok := strings.CutPrefix(o, selfPrefix); ok {
			s.Add(targetPrefix + rest)
			continue
		}
		s.Add(targetPrefix + o)
	}
	return s
}

// PairOptions is the option set for evaluating a predicate on subject with
// counterpart as the target. It is nil when subject is nil.
func PairOptions(subject, counterpart *ports.Token) OptionSet {
	own := TokenOptions(subject)
	if own == nil {
		return nil
	}
	return own.Union(TargetOptions(counterpart))
}
