// Package inmem provides in-memory implementations of the host ports. They
// back the executor when no persistent store is configured and serve as the
// fakes in every package's tests.
package inmem

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"

	"visioner-rules/executor/perception"
	"visioner-rules/executor/ports"
)

// Scene is a mutable in-memory scene.
type Scene struct {
	mu       sync.RWMutex
	tokens   map[string]*ports.Token
	order    []string
	selected []string
	targeted []string
	ambient  perception.Lighting
	lighting map[string]perception.Lighting
}

func NewScene(tokens ...*ports.Token) *Scene {
	s := &Scene{
		tokens:   make(map[string]*ports.Token),
		ambient:  perception.Bright,
		lighting: make(map[string]perception.Lighting),
	}
	for _, t := range tokens {
		s.Put(t)
	}
	return s
}

// Put adds or replaces a token.
func (s *Scene) Put(t *ports.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[t.ID]; !ok {
		s.order = append(s.order, t.ID)
	}
	s.tokens[t.ID] = cloneToken(t)
}

// Remove deletes a token from the scene.
func (s *Scene) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
}

// Move repositions a token.
func (s *Scene) Move(id string, p ports.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return fmt.Errorf("move %s: %w", id, ports.ErrTokenNotFound)
	}
	t.Position = p
	return nil
}

// SetConditions replaces an actor's condition list.
func (s *Scene) SetConditions(id string, conditions ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok || t.Actor == nil {
		return fmt.Errorf("conditions %s: %w", id, ports.ErrTokenNotFound)
	}
	t.Actor.Conditions = slices.Clone(conditions)
	return nil
}

// Select sets the host's current selection.
func (s *Scene) Select(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = slices.Clone(ids)
}

// Target sets the host's current targets.
func (s *Scene) Target(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targeted = slices.Clone(ids)
}

// SetAmbient sets the scene-wide light level, and optionally a per-token one.
func (s *Scene) SetAmbient(l perception.Lighting, tokenIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(tokenIDs) == 0 {
		s.ambient = l
		return
	}
	for _, id := range tokenIDs {
		s.lighting[id] = l
	}
}

func (s *Scene) Token(_ context.Context, id string) (*ports.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[id]
	if !ok {
		return nil, fmt.Errorf("token %q: %w", id, ports.ErrTokenNotFound)
	}
	return cloneToken(t), nil
}

func (s *Scene) Tokens(_ context.Context) ([]*ports.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ports.Token, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, cloneToken(s.tokens[id]))
	}
	return out, nil
}

// Distance is euclidean distance in feet.
func (s *Scene) Distance(a, b *ports.Token) float64 {
	return math.Hypot(a.Position.X-b.Position.X, a.Position.Y-b.Position.Y)
}

func (s *Scene) SelectedTokenIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.selected), nil
}

func (s *Scene) TargetedTokenIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.targeted), nil
}

func (s *Scene) AmbientLighting(_ context.Context, t *ports.Token) (perception.Lighting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l, ok := s.lighting[t.ID]; ok {
		return l, nil
	}
	return s.ambient, nil
}

func (s *Scene) SetSenses(_ context.Context, tokenID string, senses []ports.Sense) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenID]
	if !ok || t.Actor == nil {
		return fmt.Errorf("set senses %s: %w", tokenID, ports.ErrTokenNotFound)
	}
	t.Actor.Senses = slices.Clone(senses)
	return nil
}

func (s *Scene) SetDetectionModes(_ context.Context, tokenID string, modes []ports.DetectionMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenID]
	if !ok || t.Actor == nil {
		return fmt.Errorf("set detection modes %s: %w", tokenID, ports.ErrTokenNotFound)
	}
	t.Actor.DetectionModes = slices.Clone(modes)
	return nil
}

func cloneToken(t *ports.Token) *ports.Token {
	out := *t
	if t.Actor != nil {
		a := *t.Actor
		a.Traits = slices.Clone(a.Traits)
		a.Conditions = slices.Clone(a.Conditions)
		a.RollOptions = slices.Clone(a.RollOptions)
		a.Senses = slices.Clone(a.Senses)
		a.DetectionModes = slices.Clone(a.DetectionModes)
		out.Actor = &a
	}
	return &out
}
