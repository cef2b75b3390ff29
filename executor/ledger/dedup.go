package ledger

import (
	"sync"
	"time"
)

const maxDedupEntries = 4096

type dedupEntry struct {
	token       string
	source      string
	fingerprint string
	at          time.Time
}

// dedupGuard remembers recent identical source writes so a burst of
// re-entrant applies does not rewrite the same bucket repeatedly.
type dedupGuard struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	entries map[string]dedupEntry
}

func newDedupGuard(window time.Duration, now func() time.Time) *dedupGuard {
	return &dedupGuard{window: window, now: now, entries: make(map[string]dedupEntry)}
}

// recent reports whether the same fingerprint was recorded under key within
// the window.
func (g *dedupGuard) recent(key, fingerprint string) bool {
	if g.window <= 0 {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[key]
	if !ok || e.fingerprint != fingerprint {
		return false
	}
	return g.now().Sub(e.at) < g.window
}

func (g *dedupGuard) record(key, token, source, fingerprint string) {
	if g.window <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if len(g.entries) >= maxDedupEntries {
		for k, e := range g.entries {
			if now.Sub(e.at) >= g.window {
				delete(g.entries, k)
			}
		}
	}
	if len(g.entries) >= maxDedupEntries {
		var oldestKey string
		var oldest time.Time
		for k, e := range g.entries {
			if oldestKey == "" || e.at.Before(oldest) {
				oldestKey, oldest = k, e.at
			}
		}
		delete(g.entries, oldestKey)
	}
	g.entries[key] = dedupEntry{token: token, source: source, fingerprint: fingerprint, at: now}
}

// forget drops entries for a token, optionally limited to one source id.
func (g *dedupGuard) forget(token, source string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, e := range g.entries {
		if e.token == token && (source == "" || e.source == source) {
			delete(g.entries, k)
		}
	}
}
