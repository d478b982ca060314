package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/optionsdaemon/putseller/pkg/types"
)

// WorkingMemoryRepository persists the single logical row per session.
type WorkingMemoryRepository struct {
	db *sql.DB
}

// Load returns the session's WorkingMemory row, or nil if none exists yet.
func (r *WorkingMemoryRepository) Load(ctx context.Context, sessionID string) (*types.WorkingMemory, error) {
	var payload string
	err := r.db.QueryRowContext(ctx, `SELECT payload FROM working_memory WHERE session_id = ?`, sessionID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading working memory for session %s: %w", sessionID, err)
	}
	var wm types.WorkingMemory
	if err := json.Unmarshal([]byte(payload), &wm); err != nil {
		return nil, fmt.Errorf("unmarshalling working memory: %w", err)
	}
	return &wm, nil
}

// Save upserts the session's WorkingMemory row transactionally.
func (r *WorkingMemoryRepository) Save(ctx context.Context, wm *types.WorkingMemory) error {
	wm.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(wm)
	if err != nil {
		return fmt.Errorf("marshalling working memory: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO working_memory (session_id, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		wm.SessionID, string(payload), wm.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving working memory for session %s: %w", wm.SessionID, err)
	}
	return nil
}
