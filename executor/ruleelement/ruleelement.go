// Package ruleelement holds authored rule elements: their schema, decoding,
// the smart merge applied before operations run and the lifecycle manager
// that applies, reapplies and removes them on a token.
package ruleelement

import (
	"errors"

	"visioner-rules/executor/operations"
	"visioner-rules/executor/predicate"
)

// ErrInvalidRuleElement wraps schema and decode failures.
var ErrInvalidRuleElement = errors.New("invalid rule element")

// RuleElement is the declarative bundle attached to an effect. Priority,
// when set, is the default for operations that declare none.
type RuleElement struct {
	Key        string                 `json:"key"`
	ID         string                 `json:"id,omitempty"`
	Label      string                 `json:"label,omitempty"`
	Priority   *int                   `json:"priority,omitempty"`
	Predicate  predicate.Predicate    `json:"predicate,omitempty"`
	Operations []operations.Operation `json:"operations"`
}

// DisplayLabel is the label shown in messages: Label, else Key.
func (re RuleElement) DisplayLabel() string {
	if re.Label != "" {
		return re.Label
	}
	return re.Key
}
