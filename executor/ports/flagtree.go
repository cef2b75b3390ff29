package ports

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// FlagTree is one document's flags as a plain JSON tree. Both flag store
// adapters keep their state in this shape so merge, replace and unset behave
// identically regardless of persistence.
type FlagTree map[string]any

// SplitPath splits a dotted flag path into its segments.
func SplitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// JoinPath joins segments into a dotted flag path.
func JoinPath(parts ...string) string {
	return strings.Join(parts, ".")
}

var keyEscaper = strings.NewReplacer("_", "__", ".", "_d")

// Key makes an id safe to use as a single path segment. Distinct ids always
// map to distinct keys.
func Key(id string) string {
	return keyEscaper.Replace(id)
}

// Lookup resolves a dotted path against the tree.
func (t FlagTree) Lookup(path string) (any, bool) {
	parts := SplitPath(path)
	if len(parts) == 0 {
		return nil, false
	}
	return navigatePath(map[string]any(t), parts)
}

// Replace overwrites the value at path, creating intermediate objects.
func (t FlagTree) Replace(path string, value any) {
	parts := SplitPath(path)
	if len(parts) == 0 {
		return
	}
	parent := t.ensureParent(parts)
	parent[parts[len(parts)-1]] = cloneValue(value)
}

// Merge deep-merges value into the object at path. Non-object values, or an
// absent or non-object destination, degrade to Replace.
func (t FlagTree) Merge(path string, value any) {
	parts := SplitPath(path)
	if len(parts) == 0 {
		return
	}
	parent := t.ensureParent(parts)
	leaf := parts[len(parts)-1]
	src, srcIsMap := value.(map[string]any)
	dst, dstIsMap := parent[leaf].(map[string]any)
	if !srcIsMap || !dstIsMap {
		parent[leaf] = cloneValue(value)
		return
	}
	mergeInto(dst, src)
}

// Unset deletes the value at path and prunes any parent objects left empty.
func (t FlagTree) Unset(path string) {
	parts := SplitPath(path)
	if len(parts) == 0 {
		return
	}
	chain := []map[string]any{t}
	cur := map[string]any(t)
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			return
		}
		chain = append(chain, next)
		cur = next
	}
	delete(cur, parts[len(parts)-1])
	for i := len(chain) - 1; i > 0; i-- {
		if len(chain[i]) > 0 {
			break
		}
		delete(chain[i-1], parts[i-1])
	}
}

// Clone returns an independent deep copy.
func (t FlagTree) Clone() FlagTree {
	if t == nil {
		return FlagTree{}
	}
	return FlagTree(cloneValue(map[string]any(t)).(map[string]any))
}

func (t FlagTree) ensureParent(parts []string) map[string]any {
	cur := map[string]any(t)
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	return cur
}

// navigatePath drills into a nested map value using the given key segments.
func navigatePath(v any, parts []string) (any, bool) {
	for _, part := range parts {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return v, true
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		sv, srcIsMap := v.(map[string]any)
		dv, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			mergeInto(dv, sv)
			continue
		}
		dst[k] = cloneValue(v)
	}
}

// CloneValue deep-copies a JSON tree value.
func CloneValue(v any) any {
	return cloneValue(v)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case FlagTree:
		return cloneValue(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// Normalize converts a typed value into a plain JSON tree.
func Normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode flag value: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode flag value: %w", err)
	}
	return out, nil
}

// Decode converts a plain JSON tree back into a typed value.
func Decode(raw any, out any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode flag value: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode flag value: %w", err)
	}
	return nil
}

// ReadFlag reads and decodes the value at path.
func ReadFlag[T any](ctx context.Context, store FlagStore, docID, path string) (T, bool, error) {
	var out T
	raw, ok, err := store.Get(ctx, docID, path)
	if err != nil || !ok {
		return out, false, err
	}
	if err := Decode(raw, &out); err != nil {
		return out, false, fmt.Errorf("flag %s on %s: %w", path, docID, err)
	}
	return out, true, nil
}

// ReplaceFlag normalizes v and writes it at path with replace semantics.
func ReplaceFlag(ctx context.Context, store FlagStore, docID, path string, v any) error {
	raw, err := Normalize(v)
	if err != nil {
		return err
	}
	return store.Replace(ctx, docID, path, raw)
}
