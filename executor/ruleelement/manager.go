package ruleelement

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"visioner-rules/executor/operations"
	"visioner-rules/executor/ports"
	"visioner-rules/executor/predicate"
)

// Skip records an operation that was not applied because it was invalid or
// gated off.
type Skip struct {
	Index  int             `json:"index"`
	Kind   operations.Kind `json:"kind,omitempty"`
	Reason string          `json:"reason"`
}

// Failure records an operation whose apply or remove returned an error.
type Failure struct {
	Index int             `json:"index"`
	Kind  operations.Kind `json:"kind"`
	Error string          `json:"error"`
}

// Report summarizes one lifecycle transition.
type Report struct {
	ID       string    `json:"id"`
	Applied  []string  `json:"applied,omitempty"`
	Removed  []string  `json:"removed,omitempty"`
	Skipped  []Skip    `json:"skipped,omitempty"`
	Failed   []Failure `json:"failed,omitempty"`
	Warnings []Warning `json:"warnings,omitempty"`
}

// Manager applies rule elements to their owner token and tears them down.
// Mutations are serialized.
type Manager struct {
	mu       sync.Mutex
	registry *operations.Registry
	deps     operations.Deps
	logger   *zap.Logger
}

// NewManager builds a manager on top of an applier registry.
func NewManager(registry *operations.Registry) *Manager {
	deps := registry.Deps()
	return &Manager{
		registry: registry,
		deps:     deps,
		logger:   deps.Logger.Named("ruleelement"),
	}
}

// Create applies re on the owner token under id. Creating an id that is
// already applied behaves like Update. A missing owner is a no-op.
func (m *Manager) Create(ctx context.Context, ownerID, id string, re RuleElement) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replace(ctx, ownerID, id, re)
}

// Update tears down everything id applied and applies re from scratch.
func (m *Manager) Update(ctx context.Context, ownerID, id string, re RuleElement) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replace(ctx, ownerID, id, re)
}

// Delete removes every operation id applied, clears its flags and ledger
// sources and requests one recalculation.
func (m *Manager) Delete(ctx context.Context, ownerID, id string) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := &Report{ID: id}
	prev, err := loadEntry(ctx, m.deps.Host.Flags, ownerID, id)
	if err != nil {
		return nil, fmt.Errorf("load registry entry: %w", err)
	}
	if prev == nil {
		return report, nil
	}
	if err := m.teardown(ctx, prev, report); err != nil {
		return report, err
	}
	m.recalculate(ctx, prev.Tokens())
	m.logger.Info("rule element deleted", zap.String("id", id), zap.String("owner", ownerID))
	return report, nil
}

func (m *Manager) replace(ctx context.Context, ownerID, id string, re RuleElement) (*Report, error) {
	report := &Report{ID: id}
	var touched []string

	prev, err := loadEntry(ctx, m.deps.Host.Flags, ownerID, id)
	if err != nil {
		return nil, fmt.Errorf("load registry entry: %w", err)
	}
	if prev != nil {
		if err := m.teardown(ctx, prev, report); err != nil {
			return report, err
		}
		touched = prev.Tokens()
	}

	owner, err := ports.LookupToken(ctx, m.deps.Host.Scene, ownerID)
	if err != nil {
		return nil, err
	}
	if owner == nil {
		m.logger.Debug("owner token not found", zap.String("owner", ownerID), zap.String("id", id))
		m.recalculate(ctx, touched)
		return report, nil
	}

	if !m.deps.Predicates.Evaluate(re.Predicate, predicate.TokenOptions(owner)) {
		for i, op := range re.Operations {
			report.Skipped = append(report.Skipped, Skip{Index: i, Kind: op.Type, Reason: "rule element predicate not met"})
		}
		m.logger.Debug("rule element predicate not met", zap.String("id", id), zap.String("owner", ownerID))
		m.recalculate(ctx, touched)
		return report, nil
	}

	ops, warnings := m.Plan(re)
	report.Warnings = warnings
	for _, w := range report.Warnings {
		m.logger.Warn("operations may conflict",
			zap.String("id", id), zap.String("category", w.Category), zap.Any("kinds", w.Kinds))
	}

	entry := &Entry{ID: id, Key: re.Key, Label: re.DisplayLabel(), OwnerID: ownerID, Element: re}
	fp := &operations.Footprint{}
	for i, op := range ops {
		b := operations.Binding{Subject: owner, RuleElementID: id, Label: entry.Label, Index: i, Footprint: fp}
		err := m.registry.Apply(ctx, op, b)
		switch {
		case err == nil:
			entry.Operations = append(entry.Operations, op)
			report.Applied = append(report.Applied, b.SourceID(op))
		case errors.Is(err, operations.ErrInvalidOperation), errors.Is(err, operations.ErrUnknownKind):
			m.logger.Warn("operation skipped", zap.String("id", id), zap.Int("index", i), zap.Error(err))
			report.Skipped = append(report.Skipped, Skip{Index: i, Kind: op.Type, Reason: err.Error()})
		default:
			m.logger.Warn("operation failed", zap.String("id", id), zap.Int("index", i),
				zap.String("kind", string(op.Type)), zap.Error(err))
			report.Failed = append(report.Failed, Failure{Index: i, Kind: op.Type, Error: err.Error()})
			if rerr := m.registry.Remove(ctx, op, b); rerr != nil {
				m.logger.Warn("rollback failed", zap.String("id", id), zap.Int("index", i), zap.Error(rerr))
			}
		}
		if err != nil {
			// keep indices stable so source ids survive reapplication
			entry.Operations = append(entry.Operations, operations.Operation{})
		}
	}
	entry.Footprint = *fp

	if err := saveEntry(ctx, m.deps.Host.Flags, entry); err != nil {
		m.logger.Error("persist registry entry", zap.String("id", id), zap.Error(err))
		return report, fmt.Errorf("persist registry entry: %w", err)
	}

	for _, t := range entry.Tokens() {
		if !slices.Contains(touched, t) {
			touched = append(touched, t)
		}
	}
	for _, t := range fp.Affected {
		if !slices.Contains(touched, t) {
			touched = append(touched, t)
		}
	}
	m.recalculate(ctx, touched)
	m.logger.Info("rule element applied",
		zap.String("id", id), zap.String("owner", ownerID),
		zap.Int("applied", len(report.Applied)), zap.Int("skipped", len(report.Skipped)), zap.Int("failed", len(report.Failed)))
	return report, nil
}

// teardown reverses every operation in e, unsets every flag it recorded,
// drops its ledger sources and finally the registry entry itself.
func (m *Manager) teardown(ctx context.Context, e *Entry, report *Report) error {
	owner, err := ports.LookupToken(ctx, m.deps.Host.Scene, e.OwnerID)
	if err != nil {
		return err
	}
	if owner == nil {
		owner = &ports.Token{ID: e.OwnerID}
	}

	for i, op := range e.Operations {
		if op.Type == "" {
			continue
		}
		b := operations.Binding{Subject: owner, RuleElementID: e.ID, Label: e.Label, Index: i}
		if err := m.registry.Remove(ctx, op, b); err != nil {
			m.logger.Warn("operation remove failed", zap.String("id", e.ID), zap.Int("index", i), zap.Error(err))
			report.Failed = append(report.Failed, Failure{Index: i, Kind: op.Type, Error: err.Error()})
			continue
		}
		report.Removed = append(report.Removed, b.SourceID(op))
	}

	flags := m.deps.Host.Flags
	for _, ref := range e.Flags {
		if err := flags.Unset(ctx, ref.TokenID, ref.Path); err != nil {
			m.logger.Error("unset flag", zap.String("token", ref.TokenID), zap.String("path", ref.Path), zap.Error(err))
			return fmt.Errorf("unset %s on %s: %w", ref.Path, ref.TokenID, err)
		}
	}
	for _, id := range e.LedgerTokens {
		if err := m.deps.Ledger.RemoveByRuleElement(ctx, &ports.Token{ID: id}, e.ID); err != nil {
			m.logger.Error("clear ledger sources", zap.String("token", id), zap.Error(err))
			return fmt.Errorf("clear ledger sources on %s: %w", id, err)
		}
	}
	return deleteEntry(ctx, flags, e.OwnerID, e.ID)
}

func (m *Manager) recalculate(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := m.deps.Host.Recalc.RecalculateForTokens(ctx, ids); err != nil {
		m.logger.Warn("recalculation failed", zap.Strings("tokens", ids), zap.Error(err))
	}
}

// Plan returns the operations re would apply, merged and with priorities
// resolved, and the compatibility warnings they raise. It writes nothing.
func (m *Manager) Plan(re RuleElement) ([]operations.Operation, []Warning) {
	ops := Merge(withPriority(re.Operations, re.Priority), m.deps.DefaultPriority)
	return ops, Compatibility(ops)
}

// Entries returns the rule elements applied on a token.
func (m *Manager) Entries(ctx context.Context, ownerID string) ([]Entry, error) {
	return Entries(ctx, m.deps.Host.Flags, ownerID)
}

func withPriority(ops []operations.Operation, p *int) []operations.Operation {
	out := slices.Clone(ops)
	if p == nil {
		return out
	}
	for i := range out {
		if out[i].Priority == nil {
			v := *p
			out[i].Priority = &v
		}
	}
	return out
}
