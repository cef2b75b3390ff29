// Package qualify decides whether the concealment and cover a token has can
// be used to satisfy stealth actions. It reads ledger sources and the
// action-qualification records rule elements attach to tokens; it never
// writes.
package qualify

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"visioner-rules/executor/ledger"
	"visioner-rules/executor/perception"
	"visioner-rules/executor/ports"
)

// FlagPath is where action-qualification records live on a token.
const FlagPath = "actionQualifications"

// Position is the Sneak checkpoint being qualified.
type Position string

const (
	PositionStart Position = "start"
	PositionEnd   Position = "end"
)

// Record is an action-qualification claim written onto a token by a rule
// element. A Range > 0 limits the record to observers within that distance.
type Record struct {
	ID             string                          `json:"id"`
	RuleElementID  string                          `json:"ruleElementId,omitempty"`
	Label          string                          `json:"label,omitempty"`
	Priority       int                             `json:"priority"`
	Range          float64                         `json:"range,omitempty"`
	Qualifications map[string]ledger.Qualification `json:"qualifications"`
}

// HideResult is the outcome of CheckHide.
type HideResult struct {
	CanHide               bool     `json:"canHide"`
	QualifyingConcealment bool     `json:"qualifyingConcealment"`
	QualifyingCover       bool     `json:"qualifyingCover"`
	IgnoresRequirements   bool     `json:"ignoresRequirements,omitempty"`
	Messages              []string `json:"messages,omitempty"`
}

// SneakResult is the outcome of CheckSneak.
type SneakResult struct {
	Qualifies bool     `json:"qualifies"`
	Messages  []string `json:"messages,omitempty"`
}

// CheckOption narrows a check.
type CheckOption func(*check)

// WithObserver limits ledger sources to the global bucket plus the
// observer's bucket and applies range-gated records.
func WithObserver(observer *ports.Token) CheckOption {
	return func(c *check) { c.observer = observer }
}

// WithSource limits the check to one source or record id.
func WithSource(id string) CheckOption {
	return func(c *check) { c.sourceID = id }
}

type check struct {
	observer *ports.Token
	sourceID string
}

// claim is a source or record viewed through one action.
type claim struct {
	id    string
	label string
	kind  perception.StateType // empty for records, which apply to both channels
	state string
	q     ledger.Qualification
	hasQ  bool
}

// Engine evaluates qualification rules.
type Engine struct {
	flags  ports.FlagStore
	scene  ports.Scene
	ledger *ledger.Ledger
	logger *zap.Logger
}

func New(flags ports.FlagStore, scene ports.Scene, lg *ledger.Ledger, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{flags: flags, scene: scene, ledger: lg, logger: logger.Named("qualify")}
}

// Records returns the token's action-qualification records ordered by id.
func (e *Engine) Records(ctx context.Context, tok *ports.Token) ([]Record, error) {
	if tok == nil {
		return nil, nil
	}
	m, _, err := ports.ReadFlag[map[string]Record](ctx, e.flags, tok.ID, FlagPath)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (e *Engine) claims(ctx context.Context, tok *ports.Token, action string, opts []CheckOption) ([]claim, error) {
	var c check
	for _, opt := range opts {
		opt(&c)
	}
	observerID := ""
	if c.observer != nil {
		observerID = c.observer.ID
	}

	doc, err := e.ledger.Load(ctx, tok.ID)
	if err != nil {
		return nil, err
	}
	var out []claim
	for _, st := range []perception.StateType{perception.StateVisibility, perception.StateCover} {
		for _, s := range doc.Collect(st, observerID) {
			if c.sourceID != "" && s.ID != c.sourceID {
				continue
			}
			q, ok := s.Qualifications[action]
			out = append(out, claim{id: s.ID, label: s.Label, kind: st, state: s.State, q: q, hasQ: ok})
		}
	}

	records, err := e.Records(ctx, tok)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if c.sourceID != "" && r.ID != c.sourceID {
			continue
		}
		q, ok := r.Qualifications[action]
		if !ok {
			continue
		}
		if r.Range > 0 && c.observer != nil && e.scene.Distance(c.observer, tok) > r.Range {
			continue
		}
		out = append(out, claim{id: r.ID, label: r.Label, q: q, hasQ: true})
	}
	return out, nil
}

func (e *Engine) canUse(ctx context.Context, tok *ports.Token, action string, st perception.StateType, opts []CheckOption) (bool, error) {
	if tok == nil {
		return true, nil
	}
	claims, err := e.claims(ctx, tok, action, opts)
	if err != nil {
		return false, err
	}
	for _, c := range claims {
		if c.hasQ && c.q.Disqualifies(st) {
			return false, nil
		}
	}
	return true, nil
}

// CanUseConcealment reports whether the token's concealment may be used for
// action. It is true when nothing says otherwise and false as soon as one
// claim forbids it.
func (e *Engine) CanUseConcealment(ctx context.Context, tok *ports.Token, action string, opts ...CheckOption) (bool, error) {
	return e.canUse(ctx, tok, action, perception.StateVisibility, opts)
}

// CanUseCover is CanUseConcealment for the cover channel.
func (e *Engine) CanUseCover(ctx context.Context, tok *ports.Token, action string, opts ...CheckOption) (bool, error) {
	return e.canUse(ctx, tok, action, perception.StateCover, opts)
}

// CheckHide judges whether the kind of concealment or cover the token has is
// eligible for Hide. Concealment is eligible unless vetoed; cover needs at
// least one recorded cover claim that is not vetoed.
func (e *Engine) CheckHide(ctx context.Context, tok *ports.Token, opts ...CheckOption) (HideResult, error) {
	if tok == nil {
		return HideResult{}, nil
	}
	claims, err := e.claims(ctx, tok, ledger.ActionHide, opts)
	if err != nil {
		return HideResult{}, err
	}

	res := HideResult{QualifyingConcealment: true}
	coverVetoed := false
	hasCover := false
	for _, c := range claims {
		if c.hasQ && c.q.IgnoreRequirements {
			res.IgnoresRequirements = true
		}
		if c.kind == perception.StateCover && c.state != string(perception.NoCover) && !(c.hasQ && c.q.Disqualifies(perception.StateCover)) {
			hasCover = true
		}
		if c.hasQ && c.q.Disqualifies(perception.StateVisibility) {
			res.QualifyingConcealment = false
			if c.q.CustomMessage == "" {
				res.Messages = append(res.Messages, defaultMessage(c.label, "concealment", "Hide"))
			}
		}
		if c.hasQ && c.q.Disqualifies(perception.StateCover) {
			coverVetoed = true
			if c.q.CustomMessage == "" {
				res.Messages = append(res.Messages, defaultMessage(c.label, "cover", "Hide"))
			}
		}
		if c.hasQ && c.q.CustomMessage != "" {
			res.Messages = append(res.Messages, c.q.CustomMessage)
		}
	}
	res.QualifyingCover = hasCover && !coverVetoed
	res.CanHide = res.IgnoresRequirements || res.QualifyingConcealment || res.QualifyingCover
	e.logger.Debug("hide prerequisites",
		zap.String("token", tok.ID), zap.Bool("can_hide", res.CanHide),
		zap.Bool("concealment", res.QualifyingConcealment), zap.Bool("cover", res.QualifyingCover))
	return res, nil
}

// CheckSneak judges one Sneak checkpoint. It qualifies unless a claim sets
// the position's flag to false.
func (e *Engine) CheckSneak(ctx context.Context, tok *ports.Token, pos Position, opts ...CheckOption) (SneakResult, error) {
	if pos != PositionStart && pos != PositionEnd {
		return SneakResult{}, fmt.Errorf("unknown sneak position %q", pos)
	}
	if tok == nil {
		return SneakResult{Qualifies: true}, nil
	}
	claims, err := e.claims(ctx, tok, ledger.ActionSneak, opts)
	if err != nil {
		return SneakResult{}, err
	}

	res := SneakResult{Qualifies: true}
	ignore := false
	for _, c := range claims {
		if !c.hasQ {
			continue
		}
		if c.q.IgnoreRequirements {
			ignore = true
		}
		flag := c.q.StartPositionQualifies
		if pos == PositionEnd {
			flag = c.q.EndPositionQualifies
		}
		if flag != nil && !*flag {
			res.Qualifies = false
			if c.q.CustomMessage == "" {
				res.Messages = append(res.Messages, fmt.Sprintf("%s does not qualify the Sneak %s position", labelOf(c.label), pos))
			}
		}
		if c.q.CustomMessage != "" {
			res.Messages = append(res.Messages, c.q.CustomMessage)
		}
	}
	if ignore {
		res.Qualifies = true
	}
	return res, nil
}

func defaultMessage(label, channel, action string) string {
	return fmt.Sprintf("%s %s cannot be used to %s", labelOf(label), channel, action)
}

func labelOf(label string) string {
	if strings.TrimSpace(label) == "" {
		return "This"
	}
	return label
}
