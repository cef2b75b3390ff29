package operations

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"visioner-rules/executor/ledger"
	"visioner-rules/executor/perception"
	"visioner-rules/executor/ports"
	"visioner-rules/executor/predicate"
)

// DefaultPriority is the priority of operations that declare none.
const DefaultPriority = 100

// Applier applies and removes one operation kind. Remove reverses exactly
// what Apply wrote for the operation's source id and is safe to call when
// Apply never ran or only partly succeeded.
type Applier interface {
	Apply(ctx context.Context, op Operation, b Binding) error
	Remove(ctx context.Context, op Operation, b Binding) error
}

// FlagRef addresses one flag path on one token.
type FlagRef struct {
	TokenID string `json:"tokenId"`
	Path    string `json:"path"`
}

// Footprint collects what an apply touched so the owner can tear it down and
// request one recalculation.
type Footprint struct {
	Flags        []FlagRef `json:"flags,omitempty"`
	LedgerTokens []string  `json:"ledgerTokens,omitempty"`
	Affected     []string  `json:"-"`
}

func (f *Footprint) flag(tokenID, path string) {
	if f == nil {
		return
	}
	ref := FlagRef{TokenID: tokenID, Path: path}
	if !slices.Contains(f.Flags, ref) {
		f.Flags = append(f.Flags, ref)
	}
	f.affect(tokenID)
}

func (f *Footprint) ledgerToken(tokenID string) {
	if f == nil {
		return
	}
	if !slices.Contains(f.LedgerTokens, tokenID) {
		f.LedgerTokens = append(f.LedgerTokens, tokenID)
	}
	f.affect(tokenID)
}

func (f *Footprint) affect(ids ...string) {
	if f == nil {
		return
	}
	for _, id := range ids {
		if !slices.Contains(f.Affected, id) {
			f.Affected = append(f.Affected, id)
		}
	}
}

// Binding ties an operation to the rule element applying it.
type Binding struct {
	Subject       *ports.Token
	RuleElementID string
	Label         string
	// Index is the operation's position in the rule element's merged list.
	Index     int
	Footprint *Footprint
}

// SourceID is the stable id of everything the operation writes. It does not
// change across reapplication of the same rule element.
func (b Binding) SourceID(op Operation) string {
	return fmt.Sprintf("%s:%d:%s", b.RuleElementID, b.Index, op.Type)
}

func (b Binding) key(op Operation) string {
	return ports.Key(b.SourceID(op))
}

// Deps are the collaborators every applier shares.
type Deps struct {
	Host            ports.Host
	Ledger          *ledger.Ledger
	Predicates      predicate.Evaluator
	Logger          *zap.Logger
	DefaultPriority int
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Predicates == nil {
		d.Predicates = predicate.Local{}
	}
	if d.DefaultPriority == 0 {
		d.DefaultPriority = DefaultPriority
	}
	if d.Ledger == nil {
		d.Ledger = ledger.New(d.Host.Flags)
	}
	return d
}

// Matcher returns the selection matcher over the host scene.
func (d Deps) Matcher() Matcher {
	return Matcher{Scene: d.Host.Scene, Predicates: d.Predicates}
}

func (d Deps) priority(op Operation) int {
	if op.Priority != nil {
		return *op.Priority
	}
	return d.DefaultPriority
}

func (d Deps) meta(op Operation, b Binding) RecordMeta {
	return RecordMeta{
		ID:            b.SourceID(op),
		RuleElementID: b.RuleElementID,
		Label:         b.Label,
		Priority:      d.priority(op),
	}
}

// writeRecord stores v at <root>.<source key> on the subject.
func (d Deps) writeRecord(ctx context.Context, root string, op Operation, b Binding, v any) error {
	path := ports.JoinPath(root, b.key(op))
	if err := ports.ReplaceFlag(ctx, d.Host.Flags, b.Subject.ID, path, v); err != nil {
		return err
	}
	b.Footprint.flag(b.Subject.ID, path)
	return nil
}

func (d Deps) unsetRecord(ctx context.Context, root string, op Operation, b Binding) error {
	return d.Host.Flags.Unset(ctx, b.Subject.ID, ports.JoinPath(root, b.key(op)))
}

// Registry maps each kind to its applier.
type Registry struct {
	deps     Deps
	appliers map[Kind]Applier
}

// NewRegistry builds a registry with an applier for every kind.
func NewRegistry(deps Deps) *Registry {
	deps = deps.withDefaults()
	vis := &overrideApplier{deps: deps, st: perception.StateVisibility}
	r := &Registry{deps: deps, appliers: make(map[Kind]Applier, len(Kinds))}
	r.Register(KindOverrideVisibility, vis)
	r.Register(KindOverrideCover, &overrideApplier{deps: deps, st: perception.StateCover})
	r.Register(KindProvideCover, &provideCoverApplier{deps: deps})
	r.Register(KindModifySenses, &sensesApplier{deps: deps})
	r.Register(KindModifyDetectionModes, &detectionModesApplier{deps: deps})
	r.Register(KindModifyLighting, &lightingApplier{deps: deps})
	r.Register(KindConditionalState, &conditionalApplier{deps: deps, override: vis})
	r.Register(KindDistanceBasedVisibility, &distanceApplier{deps: deps})
	r.Register(KindOffGuardSuppression, &offGuardApplier{deps: deps})
	r.Register(KindModifyActionQualification, &qualificationApplier{deps: deps})
	r.Register(KindAuraVisibility, &auraApplier{deps: deps})
	return r
}

// Register installs or replaces the applier for a kind.
func (r *Registry) Register(k Kind, a Applier) {
	r.appliers[k] = a
}

// Lookup returns the applier for k.
func (r *Registry) Lookup(k Kind) (Applier, error) {
	a, ok := r.appliers[k]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, k)
	}
	return a, nil
}

// Deps returns the collaborators the registry's appliers use.
func (r *Registry) Deps() Deps {
	return r.deps
}

// Apply validates op and dispatches it. A nil subject is a no-op.
func (r *Registry) Apply(ctx context.Context, op Operation, b Binding) error {
	if b.Subject == nil {
		return nil
	}
	if err := op.Validate(); err != nil {
		return err
	}
	a, err := r.Lookup(op.Type)
	if err != nil {
		return err
	}
	r.deps.Logger.Debug("apply operation",
		zap.String("kind", string(op.Type)), zap.String("source", b.SourceID(op)), zap.String("subject", b.Subject.ID))
	return a.Apply(ctx, op, b)
}

// Remove dispatches the reversal of op. A nil subject is a no-op.
func (r *Registry) Remove(ctx context.Context, op Operation, b Binding) error {
	if b.Subject == nil {
		return nil
	}
	a, err := r.Lookup(op.Type)
	if err != nil {
		return err
	}
	r.deps.Logger.Debug("remove operation",
		zap.String("kind", string(op.Type)), zap.String("source", b.SourceID(op)), zap.String("subject", b.Subject.ID))
	return a.Remove(ctx, op, b)
}
