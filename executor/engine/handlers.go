package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"visioner-rules/executor/ledger"
	"visioner-rules/executor/operations"
	"visioner-rules/executor/perception"
	"visioner-rules/executor/ports"
	"visioner-rules/executor/qualify"
	"visioner-rules/executor/ruleelement"
)

func (e *Engine) effectCreate(ctx context.Context, req *Request) (any, error) {
	var in EffectInput
	if err := decodeInput(req.Input, &in); err != nil {
		return nil, err
	}
	re, err := e.ruleElement(in)
	if err != nil {
		return nil, err
	}
	// input id, then the authored id, then a fresh one
	if in.ID == "" {
		in.ID = re.ID
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if req.DryRun {
		return e.plan(in, *re), nil
	}
	return e.manager.Create(ctx, in.Owner, in.ID, *re)
}

func (e *Engine) effectUpdate(ctx context.Context, req *Request) (any, error) {
	var in EffectInput
	if err := decodeInput(req.Input, &in); err != nil {
		return nil, err
	}
	if in.ID == "" {
		return nil, invalidInput("id is required")
	}
	re, err := e.ruleElement(in)
	if err != nil {
		return nil, err
	}
	if req.DryRun {
		return e.plan(in, *re), nil
	}
	return e.manager.Update(ctx, in.Owner, in.ID, *re)
}

func (e *Engine) effectDelete(ctx context.Context, req *Request) (any, error) {
	var in EffectInput
	if err := decodeInput(req.Input, &in); err != nil {
		return nil, err
	}
	if in.Owner == "" || in.ID == "" {
		return nil, invalidInput("owner and id are required")
	}
	if req.DryRun {
		entries, err := e.manager.Entries(ctx, in.Owner)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.ID == in.ID {
				return e.summarize(in, entry.Key, entry.Operations, nil), nil
			}
		}
		return &ruleelement.Report{ID: in.ID}, nil
	}
	return e.manager.Delete(ctx, in.Owner, in.ID)
}

// ruleElement resolves the element a create or update refers to: a catalog
// entry by name or an inline element validated against the schema.
func (e *Engine) ruleElement(in EffectInput) (*ruleelement.RuleElement, error) {
	if in.Owner == "" {
		return nil, invalidInput("owner is required")
	}
	switch {
	case in.Effect != "" && len(in.RuleElement) > 0:
		return nil, invalidInput("effect and ruleElement are mutually exclusive")
	case in.Effect != "":
		re, ok := e.Effect(in.Effect)
		if !ok {
			return nil, &requestError{
				code:       "EFFECT_NOT_FOUND",
				message:    fmt.Sprintf("effect %q is not in the catalog", in.Effect),
				status:     http.StatusNotFound,
				suggestion: "refresh the catalog or pass the rule element inline",
			}
		}
		return re, nil
	case len(in.RuleElement) > 0:
		re, err := e.schema.Decode(in.RuleElement)
		if err != nil {
			if errors.Is(err, ruleelement.ErrInvalidRuleElement) {
				return nil, &requestError{
					code:    "INVALID_RULE_ELEMENT",
					message: err.Error(),
					status:  http.StatusUnprocessableEntity,
				}
			}
			return nil, err
		}
		return re, nil
	default:
		return nil, invalidInput("one of effect or ruleElement is required")
	}
}

func (e *Engine) plan(in EffectInput, re ruleelement.RuleElement) *EffectPlan {
	ops, warnings := e.manager.Plan(re)
	return e.summarize(in, re.Key, ops, warnings)
}

func (e *Engine) summarize(in EffectInput, key string, ops []operations.Operation, warnings []ruleelement.Warning) *EffectPlan {
	p := &EffectPlan{ID: in.ID, Owner: in.Owner, Key: key, Warnings: warnings}
	for _, op := range ops {
		if op.Type == "" {
			continue
		}
		priority := e.deps.DefaultPriority
		if op.Priority != nil {
			priority = *op.Priority
		}
		sum := OperationSummary{Type: string(op.Type), Priority: priority}
		if err := op.Validate(); err != nil {
			sum.Skip = err.Error()
		}
		p.Operations = append(p.Operations, sum)
	}
	return p
}

func (e *Engine) token(ctx context.Context, id string) (*ports.Token, error) {
	if id == "" {
		return nil, invalidInput("token id is required")
	}
	tok, err := ports.LookupToken(ctx, e.host.Scene, id)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, tokenNotFound(id)
	}
	return tok, nil
}

func (e *Engine) visibilityResolve(ctx context.Context, req *Request) (any, error) {
	var in PairInput
	if err := decodeInput(req.Input, &in); err != nil {
		return nil, err
	}
	observer, err := e.token(ctx, in.Observer)
	if err != nil {
		return nil, err
	}
	target, err := e.token(ctx, in.Target)
	if err != nil {
		return nil, err
	}
	current, err := e.host.Perception.Visibility(ctx, observer.ID, target.ID)
	if err != nil {
		return nil, err
	}
	d, err := e.checker.Resolve(ctx, observer, target, current)
	if err != nil {
		return nil, err
	}

	res := &VisibilityResult{Observer: observer.ID, Target: target.ID, Current: current, Decision: d, State: current}
	if d != nil {
		res.State = d.State
	}
	if res.State == "" {
		res.State = perception.Observed
	}
	return res, nil
}

func (e *Engine) coverResolve(ctx context.Context, req *Request) (any, error) {
	var in CoverInput
	if err := decodeInput(req.Input, &in); err != nil {
		return nil, err
	}
	attacker, err := e.token(ctx, in.Attacker)
	if err != nil {
		return nil, err
	}
	defender, err := e.token(ctx, in.Defender)
	if err != nil {
		return nil, err
	}
	d, err := e.checker.ResolveCover(ctx, attacker, defender)
	if err != nil {
		return nil, err
	}

	res := &CoverResult{Attacker: attacker.ID, Defender: defender.ID, Decision: d}
	if d != nil {
		res.State = d.State
		return res, nil
	}
	if res.State, err = e.host.Perception.Cover(ctx, attacker.ID, defender.ID); err != nil {
		return nil, err
	}
	if res.State == "" {
		res.State = perception.NoCover
	}
	return res, nil
}

func (e *Engine) checkOptions(ctx context.Context, in TokenInput) ([]qualify.CheckOption, error) {
	var opts []qualify.CheckOption
	if in.Observer != "" {
		observer, err := e.token(ctx, in.Observer)
		if err != nil {
			return nil, err
		}
		opts = append(opts, qualify.WithObserver(observer))
	}
	if in.Source != "" {
		opts = append(opts, qualify.WithSource(in.Source))
	}
	return opts, nil
}

func (e *Engine) hideCheck(ctx context.Context, req *Request) (any, error) {
	var in TokenInput
	if err := decodeInput(req.Input, &in); err != nil {
		return nil, err
	}
	tok, err := e.token(ctx, in.Token)
	if err != nil {
		return nil, err
	}
	opts, err := e.checkOptions(ctx, in)
	if err != nil {
		return nil, err
	}
	return e.qualify.CheckHide(ctx, tok, opts...)
}

func (e *Engine) sneakCheck(ctx context.Context, req *Request) (any, error) {
	var in SneakInput
	if err := decodeInput(req.Input, &in); err != nil {
		return nil, err
	}
	if in.Position != qualify.PositionStart && in.Position != qualify.PositionEnd {
		return nil, invalidInput("position must be %q or %q", qualify.PositionStart, qualify.PositionEnd)
	}
	tok, err := e.token(ctx, in.Token)
	if err != nil {
		return nil, err
	}
	opts, err := e.checkOptions(ctx, in.TokenInput)
	if err != nil {
		return nil, err
	}
	return e.qualify.CheckSneak(ctx, tok, in.Position, opts...)
}

func (e *Engine) lightingResolve(ctx context.Context, req *Request) (any, error) {
	var in TokenInput
	if err := decodeInput(req.Input, &in); err != nil {
		return nil, err
	}
	tok, err := e.token(ctx, in.Token)
	if err != nil {
		return nil, err
	}
	return e.checker.EffectiveLighting(ctx, tok)
}

func (e *Engine) offGuardCheck(ctx context.Context, req *Request) (any, error) {
	var in OffGuardInput
	if err := decodeInput(req.Input, &in); err != nil {
		return nil, err
	}
	if !in.State.Valid() {
		return nil, invalidInput("unknown visibility state %q", in.State)
	}
	tok, err := e.token(ctx, in.Token)
	if err != nil {
		return nil, err
	}
	suppressed, label, err := e.checker.SuppressesOffGuard(ctx, tok, in.State)
	if err != nil {
		return nil, err
	}
	return &OffGuardResult{Token: tok.ID, State: in.State, Suppressed: suppressed, Label: label}, nil
}

func (e *Engine) sourcesList(ctx context.Context, req *Request) (any, error) {
	var in TokenInput
	if err := decodeInput(req.Input, &in); err != nil {
		return nil, err
	}
	tok, err := e.token(ctx, in.Token)
	if err != nil {
		return nil, err
	}
	doc, err := e.ledger.Load(ctx, tok.ID)
	if err != nil {
		return nil, err
	}
	records, err := e.qualify.Records(ctx, tok)
	if err != nil {
		return nil, err
	}
	entries, err := e.manager.Entries(ctx, tok.ID)
	if err != nil {
		return nil, err
	}
	return &SourcesResult{
		Token:          tok.ID,
		Visibility:     filterSources(doc.Collect(perception.StateVisibility, in.Observer), in.Source),
		Cover:          filterSources(doc.Collect(perception.StateCover, in.Observer), in.Source),
		Qualifications: records,
		Entries:        entries,
	}, nil
}

func filterSources(sources []ledger.Source, id string) []ledger.Source {
	if id == "" {
		return sources
	}
	var out []ledger.Source
	for _, s := range sources {
		if s.ID == id {
			out = append(out, s)
		}
	}
	return out
}
