// Package engine wires the rules components over one host and executes
// requests against them. It is the only package the executor binary talks
// to.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"visioner-rules/executor/checker"
	"visioner-rules/executor/ledger"
	"visioner-rules/executor/operations"
	"visioner-rules/executor/ports"
	"visioner-rules/executor/predicate"
	"visioner-rules/executor/qualify"
	"visioner-rules/executor/ruleelement"
)

// Engine executes requests against a loaded effect catalog and the host's
// scene and stores.
type Engine struct {
	mu          sync.RWMutex
	catalog     Catalog
	catalogETag string

	host     ports.Host
	deps     operations.Deps
	ledger   *ledger.Ledger
	manager  *ruleelement.Manager
	checker  *checker.Checker
	qualify  *qualify.Engine
	schema   *ruleelement.Schema
	logger   *zap.Logger
	handlers map[string]handler
}

type handler func(ctx context.Context, req *Request) (any, error)

// Option configures an Engine.
type Option func(*settings)

type settings struct {
	logger          *zap.Logger
	predicates      predicate.Evaluator
	dedupWindow     time.Duration
	defaultPriority int
	clock           func() time.Time
}

func WithLogger(l *zap.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithPredicates sets the predicate backend. The local evaluator is used
// when none is given.
func WithPredicates(p predicate.Evaluator) Option {
	return func(s *settings) { s.predicates = p }
}

func WithDedupWindow(d time.Duration) Option {
	return func(s *settings) { s.dedupWindow = d }
}

func WithDefaultPriority(p int) Option {
	return func(s *settings) { s.defaultPriority = p }
}

// WithClock injects the ledger's dedup clock.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.clock = now }
}

func NewEngine(host ports.Host, opts ...Option) (*Engine, error) {
	if err := host.Validate(); err != nil {
		return nil, err
	}
	s := settings{
		logger:          zap.NewNop(),
		predicates:      predicate.Local{},
		dedupWindow:     ledger.DefaultDedupWindow,
		defaultPriority: operations.DefaultPriority,
		clock:           time.Now,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	schema, err := ruleelement.NewSchema()
	if err != nil {
		return nil, err
	}
	lg := ledger.New(host.Flags,
		ledger.WithLogger(s.logger),
		ledger.WithDedupWindow(s.dedupWindow),
		ledger.WithClock(s.clock),
	)
	registry := operations.NewRegistry(operations.Deps{
		Host:            host,
		Ledger:          lg,
		Predicates:      s.predicates,
		Logger:          s.logger,
		DefaultPriority: s.defaultPriority,
	})
	deps := registry.Deps()

	e := &Engine{
		host:    host,
		deps:    deps,
		ledger:  lg,
		manager: ruleelement.NewManager(registry),
		checker: checker.New(deps),
		qualify: qualify.New(host.Flags, host.Scene, lg, s.logger),
		schema:  schema,
		logger:  s.logger.Named("engine"),
	}
	e.handlers = map[string]handler{
		OpEffectCreate:      e.effectCreate,
		OpEffectUpdate:      e.effectUpdate,
		OpEffectDelete:      e.effectDelete,
		OpVisibilityResolve: e.visibilityResolve,
		OpCoverResolve:      e.coverResolve,
		OpHideCheck:         e.hideCheck,
		OpSneakCheck:        e.sneakCheck,
		OpLightingResolve:   e.lightingResolve,
		OpOffGuardCheck:     e.offGuardCheck,
		OpSourcesList:       e.sourcesList,
	}
	return e, nil
}

// Schema returns the schema used to validate authored content.
func (e *Engine) Schema() *ruleelement.Schema {
	return e.schema
}

// LoadCatalog swaps in a new effect catalog.
func (e *Engine) LoadCatalog(c Catalog, etag string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.catalog = c
	e.catalogETag = etag
}

func (e *Engine) ETag() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.catalogETag
}

// Effect looks up a catalog entry by name.
func (e *Engine) Effect(name string) (*ruleelement.RuleElement, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	re, ok := e.catalog[name]
	return re, ok
}

// Execute runs one request. Failures the caller can act on are reported in
// the response envelope; the returned error is reserved for a cancelled
// context.
func (e *Engine) Execute(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Validate catalog ETag if supplied.
	if req.CatalogETag != "" && req.CatalogETag != e.ETag() {
		return &Response{
			Outcome: OutcomeSystemError,
			Error: &ErrorEnvelope{
				Code:       "CATALOG_VERSION_MISMATCH",
				Message:    "Client catalog version is stale, re-fetch the discovery document and retry",
				HttpStatus: http.StatusConflict,
				Category:   "system",
				Retryable:  true,
			},
		}, nil
	}

	h, ok := e.handlers[req.Operation]
	if !ok {
		return reject(req, &requestError{
			code:       "UNKNOWN_OPERATION",
			message:    fmt.Sprintf("unknown operation: %s", req.Operation),
			status:     http.StatusBadRequest,
			suggestion: "see the executor documentation for the supported operations",
		}), nil
	}

	out, err := h(ctx, req)
	if err != nil {
		var re *requestError
		if errors.As(err, &re) {
			e.logger.Debug("request rejected", zap.String("op", req.Operation), zap.String("code", re.code))
			return reject(req, re), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		e.logger.Error("execution failed", zap.String("op", req.Operation), zap.Error(err))
		return &Response{
			Outcome: OutcomeSystemError,
			DryRun:  req.DryRun,
			Error: &ErrorEnvelope{
				Code:       "EXECUTION_FAILED",
				Message:    err.Error(),
				HttpStatus: http.StatusInternalServerError,
				Category:   "system",
				Retryable:  true,
			},
		}, nil
	}

	resp := &Response{Outcome: OutcomeExecuted, Output: out}
	if req.DryRun {
		resp.Outcome = OutcomeWouldExecute
		resp.DryRun = true
	}
	return resp, nil
}

// requestError is a failure caused by the request itself.
type requestError struct {
	code       string
	message    string
	status     int
	suggestion string
}

func (e *requestError) Error() string {
	return e.code + ": " + e.message
}

func invalidInput(format string, args ...any) error {
	return &requestError{
		code:    "INVALID_INPUT",
		message: fmt.Sprintf(format, args...),
		status:  http.StatusBadRequest,
	}
}

func tokenNotFound(id string) error {
	return &requestError{
		code:       "TOKEN_NOT_FOUND",
		message:    fmt.Sprintf("token %q is not in the scene", id),
		status:     http.StatusNotFound,
		suggestion: "check the token id against the scene fixture",
	}
}

func reject(req *Request, re *requestError) *Response {
	outcome := OutcomeRejected
	if req.DryRun {
		outcome = OutcomeWouldReject
	}
	return &Response{
		Outcome: outcome,
		DryRun:  req.DryRun,
		Error: &ErrorEnvelope{
			Code:       re.code,
			Message:    re.message,
			HttpStatus: re.status,
			Category:   "validation",
			Suggestion: re.suggestion,
		},
	}
}

// decodeInput converts the request's loose input map into a typed input.
// Unknown fields are rejected.
func decodeInput(in map[string]any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return invalidInput("encode input: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return invalidInput("decode input: %v", err)
	}
	return nil
}
