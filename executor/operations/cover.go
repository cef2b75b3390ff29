package operations

import (
	"context"

	"visioner-rules/executor/perception"
)

// DefaultProvideCoverRange is how far a cover provider reaches when the
// operation declares no range.
const DefaultProvideCoverRange = 5.0

// TakeCoverOption is the receiver roll option set by the Take Cover action.
const TakeCoverOption = "self:effect:take-cover"

// provideCoverApplier records cover granted by the subject. The cover is
// resolved per attack at query time from the attack direction, so nothing
// is pushed to the perception map here.
type provideCoverApplier struct {
	deps Deps
}

func (a *provideCoverApplier) Apply(ctx context.Context, op Operation, b Binding) error {
	reach := DefaultProvideCoverRange
	if op.Range != nil {
		reach = *op.Range
	}
	rec := CoverProvision{
		RecordMeta:        a.deps.meta(op, b),
		State:             perception.Cover(op.State),
		BlockedEdges:      op.BlockedEdges,
		RequiresTakeCover: op.RequiresTakeCover,
		Range:             reach,
		Predicate:         op.Predicate,
	}
	return a.deps.writeRecord(ctx, PathProvidedCover, op, b, rec)
}

func (a *provideCoverApplier) Remove(ctx context.Context, op Operation, b Binding) error {
	return a.deps.unsetRecord(ctx, PathProvidedCover, op, b)
}
