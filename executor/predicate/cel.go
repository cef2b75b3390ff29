package predicate

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"go.uber.org/zap"
)

// CEL compiles predicates to CEL programs and caches them by expression.
// Any compile or evaluation failure falls back to the local evaluator.
type CEL struct {
	env      *cel.Env
	logger   *zap.Logger
	fallback Local

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewCEL creates a CEL environment exposing the option list as "options".
func NewCEL(logger *zap.Logger) (*CEL, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	env, err := cel.NewEnv(
		cel.Variable("options", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &CEL{
		env:      env,
		logger:   logger.Named("predicate"),
		programs: make(map[string]cel.Program),
	}, nil
}

func (c *CEL) Evaluate(p Predicate, options OptionSet) bool {
	if len(p) == 0 {
		return true
	}
	if options == nil {
		return false
	}

	expr := p.Expression()
	prg, err := c.program(expr)
	if err != nil {
		c.logger.Warn("CEL compile failed, using local evaluator", zap.String("expr", expr), zap.Error(err))
		return c.fallback.Evaluate(p, options)
	}

	out, _, err := prg.Eval(map[string]any{"options": options.List()})
	if err != nil {
		c.logger.Warn("CEL eval failed, using local evaluator", zap.String("expr", expr), zap.Error(err))
		return c.fallback.Evaluate(p, options)
	}
	result, ok := out.Value().(bool)
	if !ok {
		c.logger.Warn("CEL result is not a bool, using local evaluator", zap.String("expr", expr))
		return c.fallback.Evaluate(p, options)
	}
	return result
}

func (c *CEL) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.programs[expr]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, iss := c.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.programs[expr] = prg
	c.mu.Unlock()
	return prg, nil
}

// New returns the evaluator for the named backend ("cel" or "local"). If the
// CEL environment cannot be built the local evaluator is returned.
func New(backend string, logger *zap.Logger) Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if backend == "local" {
		return Local{}
	}
	c, err := NewCEL(logger)
	if err != nil {
		logger.Warn("predicate backend unavailable, using local evaluator", zap.Error(err))
		return Local{}
	}
	return c
}
