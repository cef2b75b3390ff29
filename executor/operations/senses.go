package operations

import (
	"context"
	"fmt"
	"slices"

	"visioner-rules/executor/perception"
	"visioner-rules/executor/ports"
)

// AllSenses targets every sense the actor has.
const AllSenses = "all"

// modStack is the shared modification state of one token: the value before
// any rule element touched it and one layer per owning operation, in apply
// order. The current value is always the original with every layer replayed.
type modStack[T, M any] struct {
	Original []T           `json:"original"`
	Layers   []modLayer[M] `json:"layers"`
}

type modLayer[M any] struct {
	Source string       `json:"source"`
	Mods   map[string]M `json:"mods"`
}

func (st modStack[T, M]) replay(modify func([]T, map[string]M) []T) []T {
	out := slices.Clone(st.Original)
	for _, l := range st.Layers {
		out = modify(out, l.Mods)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// pushLayer records mods for source on the stack at root, snapshotting
// current when the stack does not exist yet, and returns the replayed value.
// Reapplying a source replaces its layer in place.
func pushLayer[T, M any](ctx context.Context, flags ports.FlagStore, tokenID, root, source string,
	current []T, mods map[string]M, modify func([]T, map[string]M) []T) ([]T, error) {
	st, ok, err := ports.ReadFlag[modStack[T, M]](ctx, flags, tokenID, root)
	if err != nil {
		return nil, err
	}
	if !ok {
		st.Original = slices.Clone(current)
		if st.Original == nil {
			st.Original = []T{}
		}
	}
	layer := modLayer[M]{Source: source, Mods: mods}
	if i := slices.IndexFunc(st.Layers, func(l modLayer[M]) bool { return l.Source == source }); i >= 0 {
		st.Layers[i] = layer
	} else {
		st.Layers = append(st.Layers, layer)
	}
	if err := ports.ReplaceFlag(ctx, flags, tokenID, root, st); err != nil {
		return nil, fmt.Errorf("save %s: %w", root, err)
	}
	return st.replay(modify), nil
}

// dropLayer removes source's layer and returns the replayed value. The stack
// is unset with its last layer, which restores the original. changed is
// false when source held no layer.
func dropLayer[T, M any](ctx context.Context, flags ports.FlagStore, tokenID, root, source string,
	modify func([]T, map[string]M) []T) (value []T, changed bool, err error) {
	st, ok, err := ports.ReadFlag[modStack[T, M]](ctx, flags, tokenID, root)
	if err != nil || !ok {
		return nil, false, err
	}
	i := slices.IndexFunc(st.Layers, func(l modLayer[M]) bool { return l.Source == source })
	if i < 0 {
		return nil, false, nil
	}
	st.Layers = slices.Delete(st.Layers, i, i+1)
	if len(st.Layers) == 0 {
		if err := flags.Unset(ctx, tokenID, root); err != nil {
			return nil, false, err
		}
	} else if err := ports.ReplaceFlag(ctx, flags, tokenID, root, st); err != nil {
		return nil, false, fmt.Errorf("save %s: %w", root, err)
	}
	return st.replay(modify), true, nil
}

// sensesApplier rewrites an actor's senses. Every modifySenses operation on a
// token is a layer over one shared snapshot, so reapplication never compounds
// and removing one operation keeps the others' changes.
type sensesApplier struct {
	deps Deps
}

func (a *sensesApplier) Apply(ctx context.Context, op Operation, b Binding) error {
	if b.Subject.Actor == nil {
		return nil
	}
	senses, err := pushLayer(ctx, a.deps.Host.Flags, b.Subject.ID, PathOriginalSenses, b.SourceID(op),
		b.Subject.Actor.Senses, op.SenseModifications, ModifySenses)
	if err != nil {
		return err
	}
	b.Footprint.affect(b.Subject.ID)
	return a.deps.Host.Scene.SetSenses(ctx, b.Subject.ID, senses)
}

func (a *sensesApplier) Remove(ctx context.Context, op Operation, b Binding) error {
	senses, changed, err := dropLayer(ctx, a.deps.Host.Flags, b.Subject.ID, PathOriginalSenses, b.SourceID(op), ModifySenses)
	if err != nil || !changed {
		return err
	}
	return a.deps.Host.Scene.SetSenses(ctx, b.Subject.ID, senses)
}

// ModifySenses returns a new sense list with mods applied. Mods naming a
// sense the list lacks add it; the "all" mod applies to every listed sense.
func ModifySenses(senses []ports.Sense, mods map[string]SenseMod) []ports.Sense {
	out := make([]ports.Sense, 0, len(senses)+len(mods))
	seen := make(map[string]bool, len(senses))
	for _, s := range senses {
		seen[s.Type] = true
		m, ok := mods[s.Type]
		if !ok {
			m, ok = mods[AllSenses]
		}
		if !ok {
			out = append(out, s)
			continue
		}
		out = appendModified(out, s, m)
	}

	names := make([]string, 0, len(mods))
	for name := range mods {
		if name != AllSenses && !seen[name] {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	for _, name := range names {
		m := mods[name]
		acuity := m.Acuity
		if acuity == "" {
			acuity = perception.Precise
		}
		out = appendModified(out, ports.Sense{Type: name, Acuity: acuity}, m)
	}
	return out
}

func appendModified(out []ports.Sense, s ports.Sense, m SenseMod) []ports.Sense {
	if m.Range != nil {
		s.Range = *m.Range
	}
	if m.MaxRange != nil && (s.Range <= 0 || s.Range > *m.MaxRange) {
		s.Range = *m.MaxRange
	}
	if m.Acuity != "" {
		s.Acuity = m.Acuity
	}
	out = append(out, s)
	if m.BeyondRange != "" && s.Range > 0 && m.BeyondRange != s.Acuity {
		companion := ports.Sense{Type: s.Type, Acuity: m.BeyondRange}
		if !slices.Contains(out, companion) {
			out = append(out, companion)
		}
	}
	return out
}

// detectionModesApplier is the detection-mode counterpart of sensesApplier.
type detectionModesApplier struct {
	deps Deps
}

func (a *detectionModesApplier) Apply(ctx context.Context, op Operation, b Binding) error {
	if b.Subject.Actor == nil {
		return nil
	}
	modes, err := pushLayer(ctx, a.deps.Host.Flags, b.Subject.ID, PathOriginalDetectionModes, b.SourceID(op),
		b.Subject.Actor.DetectionModes, op.ModeModifications, ModifyDetectionModes)
	if err != nil {
		return err
	}
	b.Footprint.affect(b.Subject.ID)
	return a.deps.Host.Scene.SetDetectionModes(ctx, b.Subject.ID, modes)
}

func (a *detectionModesApplier) Remove(ctx context.Context, op Operation, b Binding) error {
	modes, changed, err := dropLayer(ctx, a.deps.Host.Flags, b.Subject.ID, PathOriginalDetectionModes, b.SourceID(op), ModifyDetectionModes)
	if err != nil || !changed {
		return err
	}
	return a.deps.Host.Scene.SetDetectionModes(ctx, b.Subject.ID, modes)
}

// ModifyDetectionModes returns a new mode list with mods applied. A mod for
// an absent mode adds it only when it enables the mode.
func ModifyDetectionModes(modes []ports.DetectionMode, mods map[string]DetectionModeMod) []ports.DetectionMode {
	out := make([]ports.DetectionMode, 0, len(modes)+len(mods))
	seen := make(map[string]bool, len(modes))
	for _, dm := range modes {
		seen[dm.ID] = true
		if m, ok := mods[dm.ID]; ok {
			dm = modifyMode(dm, m)
		}
		out = append(out, dm)
	}

	ids := make([]string, 0, len(mods))
	for id, m := range mods {
		if !seen[id] && m.Enabled != nil && *m.Enabled {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	for _, id := range ids {
		out = append(out, modifyMode(ports.DetectionMode{ID: id}, mods[id]))
	}
	return out
}

func modifyMode(dm ports.DetectionMode, m DetectionModeMod) ports.DetectionMode {
	if m.Enabled != nil {
		dm.Enabled = *m.Enabled
	}
	if m.Range != nil {
		dm.Range = *m.Range
	}
	if m.MaxRange != nil && (dm.Range <= 0 || dm.Range > *m.MaxRange) {
		dm.Range = *m.MaxRange
	}
	return dm
}
