// Package checker is the read side of the rules engine. It resolves the
// visibility and cover a pair of tokens is subject to from the ledger and the
// records rule elements left on tokens, without writing anything.
package checker

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"visioner-rules/executor/ledger"
	"visioner-rules/executor/operations"
	"visioner-rules/executor/perception"
	"visioner-rules/executor/ports"
	"visioner-rules/executor/predicate"
)

// Mechanism names where a decision came from. Declaration order is the
// tie-break order between equal priorities.
type Mechanism string

const (
	MechanismOverride    Mechanism = "override"
	MechanismReplacement Mechanism = "visibilityReplacement"
	MechanismConditional Mechanism = "conditionalState"
	MechanismDistance    Mechanism = "distanceBasedVisibility"
	MechanismAura        Mechanism = "auraVisibility"
	MechanismProvided    Mechanism = "providedCover"
)

var precedence = []Mechanism{
	MechanismOverride,
	MechanismReplacement,
	MechanismConditional,
	MechanismDistance,
	MechanismAura,
	MechanismProvided,
}

func rank(m Mechanism) int {
	return slices.Index(precedence, m)
}

// Decision is the winning visibility claim for an observer and target.
type Decision struct {
	State    perception.Visibility `json:"state"`
	Source   string                `json:"source"`
	Priority int                   `json:"priority"`
	Type     Mechanism             `json:"type"`
	Label    string                `json:"label,omitempty"`
}

// Checker resolves perception for token pairs.
type Checker struct {
	flags      ports.FlagStore
	scene      ports.Scene
	ledger     *ledger.Ledger
	predicates predicate.Evaluator
	matcher    operations.Matcher
	logger     *zap.Logger
}

// New builds a checker over the same collaborators the appliers use.
func New(deps operations.Deps) *Checker {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Predicates == nil {
		deps.Predicates = predicate.Local{}
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.New(deps.Host.Flags)
	}
	return &Checker{
		flags:      deps.Host.Flags,
		scene:      deps.Host.Scene,
		ledger:     deps.Ledger,
		predicates: deps.Predicates,
		matcher:    deps.Matcher(),
		logger:     deps.Logger.Named("checker"),
	}
}

// better reports whether a should replace the current best b.
func better(aPriority int, aMech Mechanism, b *Decision) bool {
	if b == nil {
		return true
	}
	if aPriority != b.Priority {
		return aPriority > b.Priority
	}
	return rank(aMech) < rank(b.Type)
}

type collector struct {
	best *Decision
}

func (c *collector) offer(d Decision) {
	if d.State == "" {
		return
	}
	if better(d.Priority, d.Type, c.best) {
		c.best = &d
	}
}

// Resolve returns the single highest-priority visibility claim on observer
// perceiving target, or nil when no mechanism is active. current is the
// pair's present state; replacement rules only fire when it is set.
func (c *Checker) Resolve(ctx context.Context, observer, target *ports.Token, current perception.Visibility) (*Decision, error) {
	if observer == nil || target == nil || observer.ID == target.ID {
		return nil, nil
	}
	var col collector

	if err := c.overrides(ctx, observer, target, &col); err != nil {
		return nil, err
	}
	if err := c.replacements(ctx, observer, target, current, &col); err != nil {
		return nil, err
	}
	if err := c.conditionals(ctx, observer, target, &col); err != nil {
		return nil, err
	}
	if err := c.distances(ctx, observer, target, &col); err != nil {
		return nil, err
	}
	if err := c.auras(ctx, observer, target, &col); err != nil {
		return nil, err
	}

	if col.best != nil {
		c.logger.Debug("resolved visibility",
			zap.String("observer", observer.ID), zap.String("target", target.ID),
			zap.String("state", string(col.best.State)), zap.String("mechanism", string(col.best.Type)))
	}
	return col.best, nil
}

func (c *Checker) overrides(ctx context.Context, observer, target *ports.Token, col *collector) error {
	doc, err := c.ledger.Load(ctx, target.ID)
	if err != nil {
		return err
	}
	var direct []ledger.Source
	for _, s := range doc.Collect(perception.StateVisibility, observer.ID) {
		// conditional sources are re-evaluated from their record instead.
		if s.Type != string(operations.KindConditionalState) {
			direct = append(direct, s)
		}
	}
	if top := ledger.HighestPriority(direct); top != nil {
		col.offer(Decision{
			State:    perception.Visibility(top.State),
			Source:   top.ID,
			Priority: top.Priority,
			Type:     MechanismOverride,
			Label:    top.Label,
		})
	}
	return nil
}

// oriented calls fn for the records stored on target with direction "to"
// and the records stored on observer with direction "from". subject is the
// token the record lives on and counterpart the other side of the pair.
func oriented[T any](ctx context.Context, c *Checker, root string, observer, target *ports.Token, dirOf func(T) perception.Direction, fn func(rec T, subject, counterpart *ports.Token) error) error {
	sides := []struct {
		subject, counterpart *ports.Token
		dir                  perception.Direction
	}{
		{target, observer, perception.DirectionTo},
		{observer, target, perception.DirectionFrom},
	}
	for _, side := range sides {
		recs, err := operations.ReadRecords[T](ctx, c.flags, side.subject.ID, root)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if dirOf(rec).OrDefault() != side.dir {
				continue
			}
			if err := fn(rec, side.subject, side.counterpart); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Checker) replacements(ctx context.Context, observer, target *ports.Token, current perception.Visibility, col *collector) error {
	if current == "" {
		return nil
	}
	return oriented(ctx, c, operations.PathReplacement, observer, target,
		func(r operations.ReplacementRule) perception.Direction { return r.Direction },
		func(r operations.ReplacementRule, subject, counterpart *ports.Token) error {
			if !slices.Contains(r.FromStates, current) || !r.LevelComparison.Holds(observer.Level(), target.Level()) {
				return nil
			}
			ok, err := c.matcher.Matches(ctx, subject, counterpart, r.Selection)
			if err != nil || !ok {
				return err
			}
			col.offer(Decision{State: r.ToState, Source: r.ID, Priority: r.Priority, Type: MechanismReplacement, Label: r.Label})
			return nil
		})
}

func (c *Checker) conditionals(ctx context.Context, observer, target *ports.Token, col *collector) error {
	return oriented(ctx, c, operations.PathConditional, observer, target,
		func(r operations.ConditionalRule) perception.Direction { return r.Direction },
		func(r operations.ConditionalRule, subject, counterpart *ports.Token) error {
			ok, err := c.matcher.Matches(ctx, subject, counterpart, r.Selection)
			if err != nil || !ok {
				return err
			}
			state := r.ElseState
			if subject.Actor.HasCondition(r.Condition) {
				state = r.ThenState
			}
			col.offer(Decision{State: state, Source: r.ID, Priority: r.Priority, Type: MechanismConditional, Label: r.Label})
			return nil
		})
}

func (c *Checker) distances(ctx context.Context, observer, target *ports.Token, col *collector) error {
	dist := c.scene.Distance(observer, target)
	return oriented(ctx, c, operations.PathDistance, observer, target,
		func(r operations.DistanceRule) perception.Direction { return r.Direction },
		func(r operations.DistanceRule, subject, counterpart *ports.Token) error {
			ok, err := c.matcher.Matches(ctx, subject, counterpart, r.Selection)
			if err != nil || !ok {
				return err
			}
			var state perception.Visibility
			for _, band := range r.Bands {
				if band.Contains(dist) {
					state = band.State
					break
				}
			}
			if state == "" && r.Fallback != nil {
				state = r.Fallback.ElseState
				if subject.Actor.HasCondition(r.Fallback.Condition) {
					state = r.Fallback.ThenState
				}
			}
			col.offer(Decision{State: state, Source: r.ID, Priority: r.Priority, Type: MechanismDistance, Label: r.Label})
			return nil
		})
}

func (c *Checker) auras(ctx context.Context, observer, target *ports.Token, col *collector) error {
	tokens, err := c.scene.Tokens(ctx)
	if err != nil {
		return err
	}
	for _, owner := range tokens {
		rules, err := operations.ReadRecords[operations.AuraRule](ctx, c.flags, owner.ID, operations.PathAura)
		if err != nil {
			return err
		}
		for _, r := range rules {
			if r.SourceExempt && (owner.ID == observer.ID || owner.ID == target.ID) {
				continue
			}
			if !c.predicates.Evaluate(r.Predicate, predicate.PairOptions(owner, observer)) {
				continue
			}
			obsIn := c.inside(owner, observer, r.Radius)
			tgtIn := c.inside(owner, target, r.Radius)
			var state perception.Visibility
			switch {
			case obsIn && !tgtIn:
				state = r.InsideOutsideState
			case !obsIn && tgtIn:
				state = r.OutsideInsideState
			}
			col.offer(Decision{State: state, Source: r.ID, Priority: r.Priority, Type: MechanismAura, Label: r.Label})
		}
	}
	return nil
}

func (c *Checker) inside(owner, tok *ports.Token, radius float64) bool {
	if owner.ID == tok.ID {
		return true
	}
	return c.scene.Distance(owner, tok) <= radius
}
