// Package predicate evaluates authored predicates against a token's option
// set. A predicate is a list of terms that must all hold. A term is either an
// option string (optionally prefixed "not:") or an object with one of the
// keys or, and, nor or not.
package predicate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// NegationPrefix negates a plain option term.
const NegationPrefix = "not:"

// Predicate is an implicit AND over its terms. An empty predicate is true.
type Predicate []Term

// Term is one node of a predicate expression. Exactly one field is set.
type Term struct {
	Option string
	Or     []Term
	And    []Term
	Nor    []Term
	Not    *Term
}

// Opt builds a plain option term.
func Opt(option string) Term { return Term{Option: option} }

// Or builds a disjunction term.
func Or(terms ...Term) Term { return Term{Or: terms} }

// And builds a conjunction term.
func And(terms ...Term) Term { return Term{And: terms} }

// Not builds a negation term.
func Not(t Term) Term { return Term{Not: &t} }

// Of builds a predicate from plain option strings.
func Of(options ...string) Predicate {
	p := make(Predicate, len(options))
	for i, o := range options {
		p[i] = Opt(o)
	}
	return p
}

func (t Term) MarshalJSON() ([]byte, error) {
	switch {
	case t.Not != nil:
		return json.Marshal(map[string]any{"not": t.Not})
	case t.Or != nil:
		return json.Marshal(map[string]any{"or": t.Or})
	case t.And != nil:
		return json.Marshal(map[string]any{"and": t.And})
	case t.Nor != nil:
		return json.Marshal(map[string]any{"nor": t.Nor})
	}
	return json.Marshal(t.Option)
}

func (t *Term) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &t.Option)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("predicate term must be a string or object: %w", err)
	}
	if len(obj) != 1 {
		return fmt.Errorf("predicate term object must have exactly one key, got %d", len(obj))
	}
	for key, raw := range obj {
		switch key {
		case "or":
			return unmarshalList(raw, &t.Or)
		case "and":
			return unmarshalList(raw, &t.And)
		case "nor":
			return unmarshalList(raw, &t.Nor)
		case "not":
			var inner Term
			if err := json.Unmarshal(raw, &inner); err != nil {
				return err
			}
			t.Not = &inner
			return nil
		default:
			return fmt.Errorf("unknown predicate operator %q", key)
		}
	}
	return nil
}

func unmarshalList(raw json.RawMessage, out *[]Term) error {
	var terms []Term
	if err := json.Unmarshal(raw, &terms); err != nil {
		return err
	}
	if terms == nil {
		terms = []Term{}
	}
	*out = terms
	return nil
}

// Validate reports structurally empty terms.
func (p Predicate) Validate() error {
	for i, t := range p {
		if err := t.validate(); err != nil {
			return fmt.Errorf("predicate term %d: %w", i, err)
		}
	}
	return nil
}

func (t Term) validate() error {
	switch {
	case t.Not != nil:
		return t.Not.validate()
	case t.Or != nil || t.And != nil || t.Nor != nil:
		for _, list := range [][]Term{t.Or, t.And, t.Nor} {
			for _, inner := range list {
				if err := inner.validate(); err != nil {
					return err
				}
			}
		}
		return nil
	case strings.TrimSpace(strings.TrimPrefix(t.Option, NegationPrefix)) == "":
		return fmt.Errorf("empty option")
	}
	return nil
}

// Expression renders the predicate as a CEL expression over the list
// variable "options".
func (p Predicate) Expression() string {
	if len(p) == 0 {
		return "true"
	}
	parts := make([]string, len(p))
	for i, t := range p {
		parts[i] = t.expression()
	}
	return strings.Join(parts, " && ")
}

func (t Term) expression() string {
	switch {
	case t.Not != nil:
		return "!(" + t.Not.expression() + ")"
	case t.Or != nil:
		return join(t.Or, " || ", "false")
	case t.And != nil:
		return join(t.And, " && ", "true")
	case t.Nor != nil:
		return "!" + join(t.Nor, " || ", "false")
	}
	if opt, ok := strings.CutPrefix(t.Option, NegationPrefix); ok {
		return "!(" + strconv.Quote(opt) + " in options)"
	}
	return "(" + strconv.Quote(t.Option) + " in options)"
}

func join(terms []Term, op, empty string) string {
	if len(terms) == 0 {
		return empty
	}
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = t.expression()
	}
	return "(" + strings.Join(parts, op) + ")"
}

// Evaluator decides whether a predicate holds for an option set. A nil
// option set never satisfies a non-empty predicate.
type Evaluator interface {
	Evaluate(p Predicate, options OptionSet) bool
}
