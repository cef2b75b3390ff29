// Package sqlite provides a SQLite-backed flag store. Each document's flags
// are kept as one JSON row so every write replaces the row in a single
// statement.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"visioner-rules/executor/ports"
)

// FlagStore persists flag trees in SQLite.
type FlagStore struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*FlagStore, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(1)

	store := &FlagStore{conn: conn}
	if err := store.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *FlagStore) Close() error {
	return s.conn.Close()
}

func (s *FlagStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS flags (
		doc_id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.conn.Exec(schema)
	return err
}

func (s *FlagStore) Get(ctx context.Context, docID, path string) (any, bool, error) {
	tree, err := s.load(ctx, s.conn, docID)
	if err != nil {
		return nil, false, err
	}
	v, ok := tree.Lookup(path)
	return v, ok, nil
}

func (s *FlagStore) Merge(ctx context.Context, docID, path string, value any) error {
	return s.update(ctx, docID, func(tree ports.FlagTree) { tree.Merge(path, value) })
}

func (s *FlagStore) Replace(ctx context.Context, docID, path string, value any) error {
	return s.update(ctx, docID, func(tree ports.FlagTree) { tree.Replace(path, value) })
}

func (s *FlagStore) Unset(ctx context.Context, docID, path string) error {
	return s.update(ctx, docID, func(tree ports.FlagTree) { tree.Unset(path) })
}

// Documents lists every document id that has flags.
func (s *FlagStore) Documents(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.conn.SelectContext(ctx, &ids, "SELECT doc_id FROM flags ORDER BY doc_id")
	return ids, err
}

func (s *FlagStore) update(ctx context.Context, docID string, fn func(ports.FlagTree)) error {
	tx, err := s.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tree, err := s.load(ctx, tx, docID)
	if err != nil {
		return err
	}
	fn(tree)

	if len(tree) == 0 {
		if _, err := tx.ExecContext(ctx, "DELETE FROM flags WHERE doc_id = ?", docID); err != nil {
			return fmt.Errorf("delete flags %s: %w", docID, err)
		}
		return tx.Commit()
	}

	data, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("encode flags %s: %w", docID, err)
	}
	_, err = tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO flags (doc_id, data, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)",
		docID, string(data),
	)
	if err != nil {
		return fmt.Errorf("save flags %s: %w", docID, err)
	}
	return tx.Commit()
}

func (s *FlagStore) load(ctx context.Context, q sqlx.QueryerContext, docID string) (ports.FlagTree, error) {
	var data string
	err := sqlx.GetContext(ctx, q, &data, "SELECT data FROM flags WHERE doc_id = ?", docID)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.FlagTree{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load flags %s: %w", docID, err)
	}
	tree := ports.FlagTree{}
	if err := json.Unmarshal([]byte(data), &tree); err != nil {
		return nil, fmt.Errorf("decode flags %s: %w", docID, err)
	}
	return tree, nil
}
