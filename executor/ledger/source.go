package ledger

import (
	"visioner-rules/executor/perception"
	"visioner-rules/executor/predicate"
)

// Well-known action names used in qualification records.
const (
	ActionHide  = "hide"
	ActionSneak = "sneak"
	ActionSeek  = "seek"
)

// Qualification says whether a source's concealment or cover may be used
// for one action. Nil flags carry no opinion.
type Qualification struct {
	CanUseThisConcealment  *bool  `json:"canUseThisConcealment,omitempty"`
	CanUseThisCover        *bool  `json:"canUseThisCover,omitempty"`
	StartPositionQualifies *bool  `json:"startPositionQualifies,omitempty"`
	EndPositionQualifies   *bool  `json:"endPositionQualifies,omitempty"`
	IgnoreRequirements     bool   `json:"ignoreRequirements,omitempty"`
	CustomMessage          string `json:"customMessage,omitempty"`
}

// Disqualifies reports whether q explicitly forbids using the channel.
func (q Qualification) Disqualifies(st perception.StateType) bool {
	switch st {
	case perception.StateVisibility:
		return q.CanUseThisConcealment != nil && !*q.CanUseThisConcealment
	case perception.StateCover:
		return q.CanUseThisCover != nil && !*q.CanUseThisCover
	}
	return false
}

// Source is one rule's claim on a token's visibility or cover state.
type Source struct {
	ID             string                   `json:"id"`
	Type           string                   `json:"type"`
	Priority       int                      `json:"priority"`
	State          string                   `json:"state"`
	Direction      perception.Direction     `json:"direction,omitempty"`
	Qualifications map[string]Qualification `json:"qualifications,omitempty"`
	Predicate      predicate.Predicate      `json:"predicate,omitempty"`
	RuleElementID  string                   `json:"ruleElementId,omitempty"`
	Label          string                   `json:"label,omitempty"`
}

// Qualifies reports whether the source may be used for action on the given
// channel. Sources without a record for the action qualify.
func (s Source) Qualifies(action string, st perception.StateType) bool {
	q, ok := s.Qualifications[action]
	return !ok || !q.Disqualifies(st)
}

// HighestPriority returns the source with the strictly greatest priority;
// the earliest source wins ties. It returns nil for an empty list.
func HighestPriority(sources []Source) *Source {
	var best *Source
	for i := range sources {
		if best == nil || sources[i].Priority > best.Priority {
			best = &sources[i]
		}
	}
	return best
}

// HasDisqualifyingSource reports whether any source forbids action on either
// channel.
func HasDisqualifyingSource(sources []Source, action string) bool {
	for _, s := range sources {
		q, ok := s.Qualifications[action]
		if !ok {
			continue
		}
		if q.Disqualifies(perception.StateVisibility) || q.Disqualifies(perception.StateCover) {
			return true
		}
	}
	return false
}

// CustomMessages collects every custom message recorded for action, in
// source order and without deduplication.
func CustomMessages(sources []Source, action string) []string {
	var out []string
	for _, s := range sources {
		if q, ok := s.Qualifications[action]; ok && q.CustomMessage != "" {
			out = append(out, q.CustomMessage)
		}
	}
	return out
}
