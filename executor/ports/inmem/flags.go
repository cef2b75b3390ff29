package inmem

import (
	"context"
	"sync"

	"visioner-rules/executor/ports"
)

// FlagStore keeps one flag tree per document.
type FlagStore struct {
	mu     sync.RWMutex
	docs   map[string]ports.FlagTree
	writes int
	// FailWrites makes every write fail; tests use it to simulate a
	// persistence outage.
	FailWrites error
}

func NewFlagStore() *FlagStore {
	return &FlagStore{docs: make(map[string]ports.FlagTree)}
}

func (f *FlagStore) Get(_ context.Context, docID, path string) (any, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	doc, ok := f.docs[docID]
	if !ok {
		return nil, false, nil
	}
	v, ok := doc.Lookup(path)
	if !ok {
		return nil, false, nil
	}
	return ports.CloneValue(v), true, nil
}

func (f *FlagStore) Merge(_ context.Context, docID, path string, value any) error {
	return f.write(docID, func(doc ports.FlagTree) { doc.Merge(path, value) })
}

func (f *FlagStore) Replace(_ context.Context, docID, path string, value any) error {
	return f.write(docID, func(doc ports.FlagTree) { doc.Replace(path, value) })
}

func (f *FlagStore) Unset(_ context.Context, docID, path string) error {
	return f.write(docID, func(doc ports.FlagTree) { doc.Unset(path) })
}

// Snapshot returns a deep copy of a document's flags.
func (f *FlagStore) Snapshot(docID string) ports.FlagTree {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.docs[docID].Clone()
}

// All returns a deep copy of every document.
func (f *FlagStore) All() map[string]ports.FlagTree {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]ports.FlagTree, len(f.docs))
	for id, doc := range f.docs {
		out[id] = doc.Clone()
	}
	return out
}

// Writes counts successful write calls, for dedup assertions.
func (f *FlagStore) Writes() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.writes
}

func (f *FlagStore) write(docID string, fn func(ports.FlagTree)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWrites != nil {
		return f.FailWrites
	}
	doc, ok := f.docs[docID]
	if !ok {
		doc = ports.FlagTree{}
		f.docs[docID] = doc
	}
	fn(doc)
	if len(doc) == 0 {
		delete(f.docs, docID)
	}
	f.writes++
	return nil
}
