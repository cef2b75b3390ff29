// Package ports declares the host collaborators the rules engine talks to:
// the scene (tokens and actors), the per-token flag store, the directional
// perception map and the recalculation trigger. Adapters live in the inmem and
// sqlite subpackages.
package ports

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"visioner-rules/executor/perception"
)

// ErrTokenNotFound is returned by Scene lookups for unknown token ids.
var ErrTokenNotFound = errors.New("token not found")

// Point is a scene position measured in feet.
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Sense is one of an actor's senses. A Range <= 0 means unlimited.
type Sense struct {
	Type   string            `json:"type" yaml:"type"`
	Acuity perception.Acuity `json:"acuity" yaml:"acuity"`
	Range  float64           `json:"range" yaml:"range"`
}

// DetectionMode is a host detection mode (basic sight, hearing, tremorsense...).
type DetectionMode struct {
	ID      string  `json:"id" yaml:"id"`
	Enabled bool    `json:"enabled" yaml:"enabled"`
	Range   float64 `json:"range" yaml:"range"`
}

// Actor is the capability holder behind a token.
type Actor struct {
	ID             string          `json:"id" yaml:"id"`
	Name           string          `json:"name" yaml:"name"`
	Type           string          `json:"type" yaml:"type"`
	Level          int             `json:"level" yaml:"level"`
	Traits         []string        `json:"traits,omitempty" yaml:"traits"`
	Conditions     []string        `json:"conditions,omitempty" yaml:"conditions"`
	RollOptions    []string        `json:"rollOptions,omitempty" yaml:"rollOptions"`
	Senses         []Sense         `json:"senses,omitempty" yaml:"senses"`
	DetectionModes []DetectionMode `json:"detectionModes,omitempty" yaml:"detectionModes"`
}

// HasCondition reports whether the actor currently has the condition slug.
func (a *Actor) HasCondition(slug string) bool {
	return a != nil && slices.Contains(a.Conditions, slug)
}

// Token is an addressable participant on the scene. The engine never changes
// a token's identity; it reads position and id and writes flags.
type Token struct {
	ID          string                 `json:"id" yaml:"id"`
	Name        string                 `json:"name" yaml:"name"`
	Position    Point                  `json:"position" yaml:"position"`
	Disposition perception.Disposition `json:"disposition" yaml:"disposition"`
	Actor       *Actor                 `json:"actor,omitempty" yaml:"actor"`
}

// Level returns the actor level, or 0 for tokens without an actor.
func (t *Token) Level() int {
	if t == nil || t.Actor == nil {
		return 0
	}
	return t.Actor.Level
}

// Scene is the host's token/actor read interface plus the two actor writes
// the sense-modifying operations need.
type Scene interface {
	Token(ctx context.Context, id string) (*Token, error)
	Tokens(ctx context.Context) ([]*Token, error)
	// Distance is the host's grid distance between two tokens, in feet.
	Distance(a, b *Token) float64
	SelectedTokenIDs(ctx context.Context) ([]string, error)
	TargetedTokenIDs(ctx context.Context) ([]string, error)
	AmbientLighting(ctx context.Context, t *Token) (perception.Lighting, error)
	SetSenses(ctx context.Context, tokenID string, senses []Sense) error
	SetDetectionModes(ctx context.Context, tokenID string, modes []DetectionMode) error
}

// FlagStore is namespaced per-document key-value storage. Paths are dotted.
//
// Merge deep-merges object values into whatever is stored at path, the way
// the host's setFlag does. Replace overwrites the value at path wholesale and
// must be used for any container that must not accrete stale children.
// Values are plain JSON trees (map[string]any, []any, string, float64, bool).
type FlagStore interface {
	Get(ctx context.Context, docID, path string) (any, bool, error)
	Merge(ctx context.Context, docID, path string, value any) error
	Replace(ctx context.Context, docID, path string, value any) error
	Unset(ctx context.Context, docID, path string) error
}

// PerceptionMap is the host's ordered-pair state store.
type PerceptionMap interface {
	SetVisibility(ctx context.Context, observerID, targetID string, v perception.Visibility) error
	Visibility(ctx context.Context, observerID, targetID string) (perception.Visibility, error)
	SetCover(ctx context.Context, attackerID, targetID string, c perception.Cover) error
	Cover(ctx context.Context, attackerID, targetID string) (perception.Cover, error)
}

// Recalculator asks the host to recompute derived perception.
type Recalculator interface {
	RecalculateForTokens(ctx context.Context, ids []string) error
	RecalculateAll(ctx context.Context) error
}

// Host bundles the collaborators handed to every component.
type Host struct {
	Scene      Scene
	Flags      FlagStore
	Perception PerceptionMap
	Recalc     Recalculator
}

// Validate reports the first collaborator that was not provided.
func (h Host) Validate() error {
	switch {
	case h.Scene == nil:
		return fmt.Errorf("port %q not registered", "scene")
	case h.Flags == nil:
		return fmt.Errorf("port %q not registered", "flags")
	case h.Perception == nil:
		return fmt.Errorf("port %q not registered", "perception")
	case h.Recalc == nil:
		return fmt.Errorf("port %q not registered", "recalc")
	}
	return nil
}

// LookupToken resolves a token id, mapping ErrTokenNotFound to (nil, nil) so
// callers can treat a missing subject as a no-op.
func LookupToken(ctx context.Context, scene Scene, id string) (*Token, error) {
	t, err := scene.Token(ctx, id)
	if errors.Is(err, ErrTokenNotFound) {
		return nil, nil
	}
	return t, err
}
