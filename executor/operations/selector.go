package operations

import (
	"context"
	"slices"

	"visioner-rules/executor/perception"
	"visioner-rules/executor/ports"
	"visioner-rules/executor/predicate"
)

// Selector names a set of counterpart tokens relative to the subject.
type Selector string

const (
	SelectAll      Selector = "all"
	SelectAllies   Selector = "allies"
	SelectEnemies  Selector = "enemies"
	SelectSelected Selector = "selected"
	SelectTargeted Selector = "targeted"
	SelectSpecific Selector = "specific"
)

func (s Selector) Valid() bool {
	switch s {
	case SelectAll, SelectAllies, SelectEnemies, SelectSelected, SelectTargeted, SelectSpecific:
		return true
	}
	return false
}

// Matcher decides which counterparts a selection covers.
type Matcher struct {
	Scene      ports.Scene
	Predicates predicate.Evaluator
}

// Candidates returns every scene token other than subject that sel covers,
// in scene order.
func (m Matcher) Candidates(ctx context.Context, subject *ports.Token, sel Selection) ([]*ports.Token, error) {
	ids, err := m.idFilter(ctx, sel)
	if err != nil {
		return nil, err
	}
	tokens, err := m.Scene.Tokens(ctx)
	if err != nil {
		return nil, err
	}
	var out []*ports.Token
	for _, c := range tokens {
		if m.matches(subject, c, sel, ids) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Matches reports whether sel covers candidate for subject.
func (m Matcher) Matches(ctx context.Context, subject, candidate *ports.Token, sel Selection) (bool, error) {
	ids, err := m.idFilter(ctx, sel)
	if err != nil {
		return false, err
	}
	return m.matches(subject, candidate, sel, ids), nil
}

func (m Matcher) matches(subject, c *ports.Token, sel Selection, ids []string) bool {
	if subject == nil || c == nil || c.ID == subject.ID {
		return false
	}
	switch sel.Observers {
	case SelectAllies:
		if !perception.Allied(subject.Disposition, c.Disposition) {
			return false
		}
	case SelectEnemies:
		if !perception.Opposed(subject.Disposition, c.Disposition) {
			return false
		}
	case SelectSelected, SelectTargeted, SelectSpecific:
		if !slices.Contains(ids, c.ID) {
			return false
		}
	}
	if sel.Range != nil && m.Scene.Distance(subject, c) > *sel.Range {
		return false
	}
	return m.Predicates.Evaluate(sel.Predicate, predicate.PairOptions(subject, c))
}

func (m Matcher) idFilter(ctx context.Context, sel Selection) ([]string, error) {
	switch sel.Observers {
	case SelectSelected:
		return m.Scene.SelectedTokenIDs(ctx)
	case SelectTargeted:
		return m.Scene.TargetedTokenIDs(ctx)
	case SelectSpecific:
		return sel.TokenIDs, nil
	}
	return nil, nil
}

// Pair orients subject and counterpart by direction. With DirectionTo the
// counterpart observes the subject; with DirectionFrom the subject observes
// the counterpart.
func Pair(dir perception.Direction, subject, counterpart *ports.Token) (observer, target *ports.Token) {
	if dir.OrDefault() == perception.DirectionFrom {
		return subject, counterpart
	}
	return counterpart, subject
}
