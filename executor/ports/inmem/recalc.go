package inmem

import (
	"context"
	"slices"
	"sync"
)

// Recalculator records recalculation requests instead of recomputing.
type Recalculator struct {
	mu    sync.Mutex
	calls [][]string
	all   int
}

func NewRecalculator() *Recalculator {
	return &Recalculator{}
}

func (r *Recalculator) RecalculateForTokens(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, slices.Clone(ids))
	return nil
}

func (r *Recalculator) RecalculateAll(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all++
	return nil
}

// Calls returns the token batches requested so far.
func (r *Recalculator) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// AllCalls returns how many full recalculations were requested.
func (r *Recalculator) AllCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.all
}
