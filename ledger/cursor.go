package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CursorStore persists per-source-connection incremental sync cursors
// (watermarks) so a restarted sync job resumes from where the last one
// left off instead of re-fetching everything. This supplements the
// content-hash ledger above, which only answers "did this entity change",
// not "where in the source's feed should I resume".
type CursorStore struct {
	ledger *Ledger
}

// NewCursorStore reuses the ledger's pool for cursor storage.
func NewCursorStore(l *Ledger) *CursorStore {
	return &CursorStore{ledger: l}
}

// Migrate creates the cursor table if it doesn't exist.
func (c *CursorStore) Migrate(ctx context.Context) error {
	_, err := c.ledger.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sync_cursors (
			source_connection_id TEXT PRIMARY KEY,
			cursor_value          TEXT NOT NULL,
			updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ledger: migrating cursor table: %w", err)
	}
	return nil
}

// Get returns the stored cursor value for a source connection, or ""
// with ok=false if none has been recorded yet (a full sync).
func (c *CursorStore) Get(ctx context.Context, sourceConnectionID string) (string, bool, error) {
	var value string
	err := c.ledger.pool.QueryRow(ctx, `
		SELECT cursor_value FROM sync_cursors WHERE source_connection_id = $1
	`, sourceConnectionID).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("ledger: reading cursor for %s: %w", sourceConnectionID, err)
	}
	return value, true, nil
}

// Set stores the cursor a source adapter returned after a successful run.
func (c *CursorStore) Set(ctx context.Context, sourceConnectionID, value string) error {
	_, err := c.ledger.pool.Exec(ctx, `
		INSERT INTO sync_cursors (source_connection_id, cursor_value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (source_connection_id) DO UPDATE SET
			cursor_value = EXCLUDED.cursor_value,
			updated_at   = EXCLUDED.updated_at
	`, sourceConnectionID, value)
	if err != nil {
		return fmt.Errorf("ledger: storing cursor for %s: %w", sourceConnectionID, err)
	}
	return nil
}

// Clear removes a stored cursor, forcing the next sync to start fresh.
func (c *CursorStore) Clear(ctx context.Context, sourceConnectionID string) error {
	_, err := c.ledger.pool.Exec(ctx, `
		DELETE FROM sync_cursors WHERE source_connection_id = $1
	`, sourceConnectionID)
	if err != nil {
		return fmt.Errorf("ledger: clearing cursor for %s: %w", sourceConnectionID, err)
	}
	return nil
}
