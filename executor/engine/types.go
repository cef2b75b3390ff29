package engine

import (
	"encoding/json"

	"visioner-rules/executor/checker"
	"visioner-rules/executor/ledger"
	"visioner-rules/executor/perception"
	"visioner-rules/executor/qualify"
	"visioner-rules/executor/ruleelement"
)

// Operation names accepted by Execute.
const (
	OpEffectCreate      = "effect.create"
	OpEffectUpdate      = "effect.update"
	OpEffectDelete      = "effect.delete"
	OpVisibilityResolve = "visibility.resolve"
	OpCoverResolve      = "cover.resolve"
	OpHideCheck         = "hide.check"
	OpSneakCheck        = "sneak.check"
	OpLightingResolve   = "lighting.resolve"
	OpOffGuardCheck     = "offguard.check"
	OpSourcesList       = "sources.list"
)

// Outcomes reported in Response.Outcome.
const (
	OutcomeExecuted     = "executed"
	OutcomeRejected     = "rejected"
	OutcomeSystemError  = "system_error"
	OutcomeWouldExecute = "would_execute"
	OutcomeWouldReject  = "would_reject"
)

// Request is the payload sent to POST /execute.
type Request struct {
	Operation   string         `json:"operation"`
	Input       map[string]any `json:"input"`
	DryRun      bool           `json:"dry_run"`
	CatalogETag string         `json:"catalog_etag,omitempty"`
}

// Response is returned from POST /execute.
type Response struct {
	Outcome string         `json:"outcome"`
	Output  any            `json:"output,omitempty"`
	Error   *ErrorEnvelope `json:"error,omitempty"`
	DryRun  bool           `json:"dry_run,omitempty"`
}

type ErrorEnvelope struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HttpStatus int    `json:"http_status"`
	Category   string `json:"category"`
	Retryable  bool   `json:"retryable"`
	Suggestion string `json:"suggestion,omitempty"`
}

// EffectInput addresses a rule element on its owner token. Exactly one of
// Effect (a catalog name) or RuleElement (inline JSON) is needed to create
// or update; ID is minted on create when empty.
type EffectInput struct {
	Owner       string          `json:"owner"`
	ID          string          `json:"id,omitempty"`
	Effect      string          `json:"effect,omitempty"`
	RuleElement json.RawMessage `json:"ruleElement,omitempty"`
}

// EffectPlan is the dry-run output of effect.create and effect.update.
type EffectPlan struct {
	ID         string                `json:"id"`
	Owner      string                `json:"owner"`
	Key        string                `json:"key"`
	Operations []OperationSummary    `json:"operations"`
	Warnings   []ruleelement.Warning `json:"warnings,omitempty"`
}

// OperationSummary is one operation as it would be applied after merging.
// Skip is set when the operation would be skipped as invalid.
type OperationSummary struct {
	Type     string `json:"type"`
	Priority int    `json:"priority"`
	Skip     string `json:"skip,omitempty"`
}

type PairInput struct {
	Observer string `json:"observer"`
	Target   string `json:"target"`
}

type VisibilityResult struct {
	Observer string                `json:"observer"`
	Target   string                `json:"target"`
	State    perception.Visibility `json:"state"`
	Current  perception.Visibility `json:"current,omitempty"`
	Decision *checker.Decision     `json:"decision,omitempty"`
}

type CoverInput struct {
	Attacker string `json:"attacker"`
	Defender string `json:"defender"`
}

type CoverResult struct {
	Attacker string                 `json:"attacker"`
	Defender string                 `json:"defender"`
	State    perception.Cover       `json:"state"`
	Decision *checker.CoverDecision `json:"decision,omitempty"`
}

// TokenInput names a token and optionally the observer and source a check
// is narrowed to.
type TokenInput struct {
	Token    string `json:"token"`
	Observer string `json:"observer,omitempty"`
	Source   string `json:"source,omitempty"`
}

type SneakInput struct {
	TokenInput
	Position qualify.Position `json:"position"`
}

type OffGuardInput struct {
	Token string                `json:"token"`
	State perception.Visibility `json:"state"`
}

type OffGuardResult struct {
	Token      string                `json:"token"`
	State      perception.Visibility `json:"state"`
	Suppressed bool                  `json:"suppressed"`
	Label      string                `json:"label,omitempty"`
}

// SourcesResult is everything rule elements currently hold on a token.
type SourcesResult struct {
	Token          string              `json:"token"`
	Visibility     []ledger.Source     `json:"visibility,omitempty"`
	Cover          []ledger.Source     `json:"cover,omitempty"`
	Qualifications []qualify.Record    `json:"qualifications,omitempty"`
	Entries        []ruleelement.Entry `json:"entries,omitempty"`
}
