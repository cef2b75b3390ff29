package operations

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"visioner-rules/executor/ledger"
	"visioner-rules/executor/perception"
	"visioner-rules/executor/ports"
)

// overrideApplier handles overrideVisibility and overrideCover. For each
// selected counterpart it writes a ledger source on the perceived token,
// keyed by the perceiving token, and pushes the pair's effective state to the
// perception map.
type overrideApplier struct {
	deps Deps
	st   perception.StateType
}

func (a *overrideApplier) Apply(ctx context.Context, op Operation, b Binding) error {
	if op.IsReplacement() {
		rule := ReplacementRule{
			RecordMeta:      a.deps.meta(op, b),
			Selection:       op.Selection,
			FromStates:      op.FromStates,
			ToState:         op.ToState,
			LevelComparison: op.LevelComparison,
		}
		return a.deps.writeRecord(ctx, PathReplacement, op, b, rule)
	}

	candidates, err := a.deps.Matcher().Candidates(ctx, b.Subject, op.Selection)
	if err != nil {
		return fmt.Errorf("select counterparts: %w", err)
	}

	dir := op.Direction.OrDefault()
	src := ledger.Source{
		ID:             b.SourceID(op),
		Type:           string(op.Type),
		Priority:       a.deps.priority(op),
		State:          op.State,
		Direction:      dir,
		Qualifications: op.Qualifications,
		RuleElementID:  b.RuleElementID,
		Label:          b.Label,
	}

	var errs []error
	for _, c := range candidates {
		observer, target := Pair(dir, b.Subject, c)
		if err := a.deps.Ledger.AddSource(ctx, target, a.st, src, observer.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		b.Footprint.ledgerToken(target.ID)
		b.Footprint.affect(observer.ID)
		if err := a.resync(ctx, observer, target); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *overrideApplier) Remove(ctx context.Context, op Operation, b Binding) error {
	if op.IsReplacement() {
		return a.deps.unsetRecord(ctx, PathReplacement, op, b)
	}
	return a.sweep(ctx, b.SourceID(op), b.Footprint)
}

// sweep removes sourceID from every token's ledger and resyncs each pair it
// was stored under. The counterparts at apply time may differ from the
// current selection, so every scene token is checked.
func (a *overrideApplier) sweep(ctx context.Context, sourceID string, fp *Footprint) error {
	tokens, err := a.deps.Host.Scene.Tokens(ctx)
	if err != nil {
		return err
	}
	byKey := make(map[string]*ports.Token, len(tokens))
	for _, t := range tokens {
		byKey[ports.Key(t.ID)] = t
	}

	var errs []error
	for _, target := range tokens {
		doc, err := a.deps.Ledger.Load(ctx, target.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		global, keys := doc.Holders(a.st, sourceID)
		if !global && len(keys) == 0 {
			continue
		}
		if err := a.deps.Ledger.RemoveSource(ctx, target, sourceID, a.st, ""); err != nil {
			errs = append(errs, err)
			continue
		}

		var observers []*ports.Token
		if global {
			for _, t := range tokens {
				if t.ID != target.ID {
					observers = append(observers, t)
				}
			}
		} else {
			for _, k := range keys {
				if o, ok := byKey[k]; ok {
					observers = append(observers, o)
				}
			}
		}
		for _, o := range observers {
			fp.affect(o.ID)
			if err := a.resync(ctx, o, target); err != nil {
				errs = append(errs, err)
			}
		}
		fp.affect(target.ID)
	}
	return errors.Join(errs...)
}

// resync pushes the highest-priority ledger state for observer -> target to
// the perception map, or the neutral state when no source remains.
func (a *overrideApplier) resync(ctx context.Context, observer, target *ports.Token) error {
	doc, err := a.deps.Ledger.Load(ctx, target.ID)
	if err != nil {
		return err
	}
	top := ledger.HighestPriority(doc.Collect(a.st, observer.ID))
	if a.st == perception.StateCover {
		state := perception.NoCover
		if top != nil {
			state = perception.Cover(top.State)
		}
		return a.deps.Host.Perception.SetCover(ctx, observer.ID, target.ID, state)
	}
	state := perception.Observed
	if top != nil {
		state = perception.Visibility(top.State)
	}
	return a.deps.Host.Perception.SetVisibility(ctx, observer.ID, target.ID, state)
}

// conditionalApplier picks thenState or elseState from the subject's
// conditions, forwards the chosen state to the visibility override and keeps
// a record so the checker can re-evaluate the condition later.
type conditionalApplier struct {
	deps     Deps
	override *overrideApplier
}

func (a *conditionalApplier) Apply(ctx context.Context, op Operation, b Binding) error {
	rule := ConditionalRule{
		RecordMeta: a.deps.meta(op, b),
		Selection:  op.Selection,
		Condition:  op.Condition,
		ThenState:  op.ThenState,
		ElseState:  op.ElseState,
	}
	if err := a.deps.writeRecord(ctx, PathConditional, op, b, rule); err != nil {
		return err
	}

	state := op.ElseState
	if b.Subject.Actor.HasCondition(op.Condition) {
		state = op.ThenState
	}
	if state == "" {
		a.deps.Logger.Debug("conditional state has no branch for subject",
			zap.String("subject", b.Subject.ID), zap.String("condition", op.Condition))
		return nil
	}
	fwd := op
	fwd.State = string(state)
	return a.override.Apply(ctx, fwd, b)
}

func (a *conditionalApplier) Remove(ctx context.Context, op Operation, b Binding) error {
	return errors.Join(
		a.override.Remove(ctx, op, b),
		a.deps.unsetRecord(ctx, PathConditional, op, b),
	)
}
