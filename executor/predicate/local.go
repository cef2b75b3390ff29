package predicate

import "strings"

// Local is the in-process evaluator. It needs no backend and is what the CEL
// evaluator falls back to.
type Local struct{}

func (Local) Evaluate(p Predicate, options OptionSet) bool {
	if len(p) == 0 {
		return true
	}
	if options == nil {
		return false
	}
	for _, t := range p {
		if !evalTerm(t, options) {
			return false
		}
	}
	return true
}

func evalTerm(t Term, options OptionSet) bool {
	switch {
	case t.Not != nil:
		return !evalTerm(*t.Not, options)
	case t.Or != nil:
		for _, inner := range t.Or {
			if evalTerm(inner, options) {
				return true
			}
		}
		return false
	case t.And != nil:
		for _, inner := range t.And {
			if !evalTerm(inner, options) {
				return false
			}
		}
		return true
	case t.Nor != nil:
		for _, inner := range t.Nor {
			if evalTerm(inner, options) {
				return false
			}
		}
		return true
	}
	if opt, ok := strings.CutPrefix(t.Option, NegationPrefix); ok {
		return !options.Has(opt)
	}
	return options.Has(t.Option)
}
