package checker

import (
	"context"

	"go.uber.org/zap"

	"visioner-rules/executor/ledger"
	"visioner-rules/executor/operations"
	"visioner-rules/executor/perception"
	"visioner-rules/executor/ports"
	"visioner-rules/executor/predicate"
)

// CoverDecision is the winning cover claim for an attacker and defender.
type CoverDecision struct {
	State    perception.Cover `json:"state"`
	Source   string           `json:"source"`
	Priority int              `json:"priority"`
	Type     Mechanism        `json:"type"`
	Label    string           `json:"label,omitempty"`
	Provider string           `json:"provider,omitempty"`
}

// ResolveCover returns the highest-priority cover the defender has against
// the attacker: ledger overrides first, then cover provided by nearby tokens
// whose blocked edges face the attack. It returns nil when nothing applies.
func (c *Checker) ResolveCover(ctx context.Context, attacker, defender *ports.Token) (*CoverDecision, error) {
	if attacker == nil || defender == nil || attacker.ID == defender.ID {
		return nil, nil
	}
	var best *CoverDecision
	offer := func(d CoverDecision) {
		if d.State == "" {
			return
		}
		if best == nil || d.Priority > best.Priority || (d.Priority == best.Priority && rank(d.Type) < rank(best.Type)) {
			best = &d
		}
	}

	doc, err := c.ledger.Load(ctx, defender.ID)
	if err != nil {
		return nil, err
	}
	if top := ledger.HighestPriority(doc.Collect(perception.StateCover, attacker.ID)); top != nil {
		offer(CoverDecision{
			State:    perception.Cover(top.State),
			Source:   top.ID,
			Priority: top.Priority,
			Type:     MechanismOverride,
			Label:    top.Label,
		})
	}

	tokens, err := c.scene.Tokens(ctx)
	if err != nil {
		return nil, err
	}
	edge := operations.EdgeFrom(defender.Position, attacker.Position)
	receiver := predicate.TokenOptions(defender)
	for _, provider := range tokens {
		if provider.ID == attacker.ID {
			continue
		}
		recs, err := operations.ReadRecords[operations.CoverProvision](ctx, c.flags, provider.ID, operations.PathProvidedCover)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if provider.ID != defender.ID && c.scene.Distance(provider, defender) > r.Range {
				continue
			}
			if r.RequiresTakeCover && !receiver.Has(operations.TakeCoverOption) {
				continue
			}
			if !c.predicates.Evaluate(r.Predicate, predicate.PairOptions(provider, defender)) {
				continue
			}
			if !r.Blocks(edge) {
				continue
			}
			offer(CoverDecision{
				State:    r.State,
				Source:   r.ID,
				Priority: r.Priority,
				Type:     MechanismProvided,
				Label:    r.Label,
				Provider: provider.ID,
			})
		}
	}

	if best != nil {
		c.logger.Debug("resolved cover",
			zap.String("attacker", attacker.ID), zap.String("defender", defender.ID),
			zap.String("state", string(best.State)), zap.String("edge", string(edge)))
	}
	return best, nil
}
