package inmem

import (
	"context"
	"sync"

	"visioner-rules/executor/perception"
)

type pair struct {
	from, to string
}

// PerceptionMap stores directional visibility and cover per ordered pair.
// Unset pairs read as observed / no cover.
type PerceptionMap struct {
	mu         sync.RWMutex
	visibility map[pair]perception.Visibility
	cover      map[pair]perception.Cover
}

func NewPerceptionMap() *PerceptionMap {
	return &PerceptionMap{
		visibility: make(map[pair]perception.Visibility),
		cover:      make(map[pair]perception.Cover),
	}
}

func (m *PerceptionMap) SetVisibility(_ context.Context, observerID, targetID string, v perception.Visibility) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v == perception.Observed {
		delete(m.visibility, pair{observerID, targetID})
		return nil
	}
	m.visibility[pair{observerID, targetID}] = v
	return nil
}

func (m *PerceptionMap) Visibility(_ context.Context, observerID, targetID string) (perception.Visibility, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.visibility[pair{observerID, targetID}]; ok {
		return v, nil
	}
	return perception.Observed, nil
}

func (m *PerceptionMap) SetCover(_ context.Context, attackerID, targetID string, c perception.Cover) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c == perception.NoCover {
		delete(m.cover, pair{attackerID, targetID})
		return nil
	}
	m.cover[pair{attackerID, targetID}] = c
	return nil
}

func (m *PerceptionMap) Cover(_ context.Context, attackerID, targetID string) (perception.Cover, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.cover[pair{attackerID, targetID}]; ok {
		return c, nil
	}
	return perception.NoCover, nil
}

// Snapshot returns every non-default entry keyed "observer->target", with
// cover entries prefixed "cover:".
func (m *PerceptionMap) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.visibility)+len(m.cover))
	for p, v := range m.visibility {
		out[p.from+"->"+p.to] = string(v)
	}
	for p, c := range m.cover {
		out["cover:"+p.from+"->"+p.to] = string(c)
	}
	return out
}
