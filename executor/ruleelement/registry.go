package ruleelement

import (
	"context"
	"slices"

	"visioner-rules/executor/operations"
	"visioner-rules/executor/ports"
)

// RegistryPath is the flag root on the owner token recording what each
// applied rule element wrote.
const RegistryPath = "ruleElementRegistry"

// Entry is the registry record of one applied rule element. Operations are
// stored merged, with priorities resolved, so removal reverses exactly what
// was applied.
type Entry struct {
	ID         string                 `json:"id"`
	Key        string                 `json:"key"`
	Label      string                 `json:"label,omitempty"`
	OwnerID    string                 `json:"ownerId"`
	Element    RuleElement            `json:"element"`
	Operations []operations.Operation `json:"operations"`
	operations.Footprint
}

// Tokens lists every token the entry touched, owner first.
func (e Entry) Tokens() []string {
	out := []string{e.OwnerID}
	add := func(id string) {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	for _, f := range e.Flags {
		add(f.TokenID)
	}
	for _, id := range e.LedgerTokens {
		add(id)
	}
	return out
}

func registryPath(id string) string {
	return ports.JoinPath(RegistryPath, ports.Key(id))
}

func loadEntry(ctx context.Context, flags ports.FlagStore, ownerID, id string) (*Entry, error) {
	e, ok, err := ports.ReadFlag[Entry](ctx, flags, ownerID, registryPath(id))
	if err != nil || !ok {
		return nil, err
	}
	return &e, nil
}

func saveEntry(ctx context.Context, flags ports.FlagStore, e *Entry) error {
	return ports.ReplaceFlag(ctx, flags, e.OwnerID, registryPath(e.ID), e)
}

func deleteEntry(ctx context.Context, flags ports.FlagStore, ownerID, id string) error {
	return flags.Unset(ctx, ownerID, registryPath(id))
}

// Entries returns every rule element recorded on a token, ordered by key.
func Entries(ctx context.Context, flags ports.FlagStore, ownerID string) ([]Entry, error) {
	return operations.ReadRecords[Entry](ctx, flags, ownerID, RegistryPath)
}
