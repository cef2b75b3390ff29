package operations

import (
	"context"

	"go.uber.org/zap"

	"visioner-rules/executor/predicate"
	"visioner-rules/executor/qualify"
)

// The appliers in this file store one record on the subject and leave
// resolution to query time.

type lightingApplier struct {
	deps Deps
}

func (a *lightingApplier) Apply(ctx context.Context, op Operation, b Binding) error {
	rec := LightingOverride{RecordMeta: a.deps.meta(op, b), Lighting: op.Lighting}
	return a.deps.writeRecord(ctx, PathLighting, op, b, rec)
}

func (a *lightingApplier) Remove(ctx context.Context, op Operation, b Binding) error {
	return a.deps.unsetRecord(ctx, PathLighting, op, b)
}

// distanceApplier stores bands resolved against live distance by the
// checker, since distance changes with every move.
type distanceApplier struct {
	deps Deps
}

func (a *distanceApplier) Apply(ctx context.Context, op Operation, b Binding) error {
	rec := DistanceRule{
		RecordMeta: a.deps.meta(op, b),
		Selection:  op.Selection,
		Bands:      op.DistanceBands,
		Fallback:   op.Fallback,
	}
	return a.deps.writeRecord(ctx, PathDistance, op, b, rec)
}

func (a *distanceApplier) Remove(ctx context.Context, op Operation, b Binding) error {
	return a.deps.unsetRecord(ctx, PathDistance, op, b)
}

type auraApplier struct {
	deps Deps
}

func (a *auraApplier) Apply(ctx context.Context, op Operation, b Binding) error {
	rec := AuraRule{
		RecordMeta:         a.deps.meta(op, b),
		Radius:             op.AuraRadius,
		InsideOutsideState: op.InsideOutsideState,
		OutsideInsideState: op.OutsideInsideState,
		SourceExempt:       op.SourceExempt,
		Predicate:          op.Predicate,
	}
	return a.deps.writeRecord(ctx, PathAura, op, b, rec)
}

func (a *auraApplier) Remove(ctx context.Context, op Operation, b Binding) error {
	return a.deps.unsetRecord(ctx, PathAura, op, b)
}

type offGuardApplier struct {
	deps Deps
}

func (a *offGuardApplier) Apply(ctx context.Context, op Operation, b Binding) error {
	rec := OffGuardSuppression{RecordMeta: a.deps.meta(op, b), States: op.SuppressedStates}
	return a.deps.writeRecord(ctx, PathOffGuard, op, b, rec)
}

func (a *offGuardApplier) Remove(ctx context.Context, op Operation, b Binding) error {
	return a.deps.unsetRecord(ctx, PathOffGuard, op, b)
}

// qualificationApplier writes action-qualification records. The predicate
// gates on the subject's own options; a range limits the record to nearby
// observers at check time.
type qualificationApplier struct {
	deps Deps
}

func (a *qualificationApplier) Apply(ctx context.Context, op Operation, b Binding) error {
	if !a.deps.Predicates.Evaluate(op.Predicate, predicate.TokenOptions(b.Subject)) {
		a.deps.Logger.Debug("qualification predicate not met", zap.String("subject", b.Subject.ID))
		return nil
	}
	meta := a.deps.meta(op, b)
	rec := qualify.Record{
		ID:             meta.ID,
		RuleElementID:  meta.RuleElementID,
		Label:          meta.Label,
		Priority:       meta.Priority,
		Qualifications: op.Qualifications,
	}
	if op.Range != nil {
		rec.Range = *op.Range
	}
	return a.deps.writeRecord(ctx, qualify.FlagPath, op, b, rec)
}

func (a *qualificationApplier) Remove(ctx context.Context, op Operation, b Binding) error {
	return a.deps.unsetRecord(ctx, qualify.FlagPath, op, b)
}
