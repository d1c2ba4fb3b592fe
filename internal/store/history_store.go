// Package store - SQLite-backed execution history.
// This file records proposal outcomes and operator overrides and serves
// the aggregates the risk scorer's historical factors are built from.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"evoengine/internal/logging"
	"evoengine/internal/types"
)

// HistoryStore keeps the long-lived track record that outlasts the
// state store's bounded buffers: one row per execution outcome and one
// per operator override.
type HistoryStore struct {
	mu         sync.RWMutex
	db         *sql.DB
	storePath  string
	windowDays int
}

// NewHistoryStore opens (or initializes) the history database.
func NewHistoryStore(dbPath string, windowDays int) (*HistoryStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewHistoryStore")
	defer timer.Stop()

	if windowDays <= 0 {
		windowDays = 30
	}

	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, types.Wrap(types.KindUnavailable, "history.open", err)
	}

	hs := &HistoryStore{
		db:         db,
		storePath:  dbPath,
		windowDays: windowDays,
	}

	if err := hs.ensureSchema(); err != nil {
		db.Close()
		return nil, types.Wrap(types.KindUnavailable, "history.open", fmt.Errorf("failed to ensure schema: %w", err))
	}

	logging.Store("History store initialized: path=%s window=%dd", dbPath, windowDays)
	return hs, nil
}

// ensureSchema creates the necessary tables.
func (hs *HistoryStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		proposal_id TEXT NOT NULL,
		category TEXT NOT NULL,
		success INTEGER NOT NULL,
		duration_ms INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_outcomes_category ON outcomes(category);
	CREATE INDEX IF NOT EXISTS idx_outcomes_created ON outcomes(created_at);

	CREATE TABLE IF NOT EXISTS overrides (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		proposal_id TEXT NOT NULL,
		category TEXT NOT NULL,
		decision TEXT NOT NULL,
		operator_action TEXT NOT NULL,
		reason TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_overrides_category ON overrides(category);
	CREATE INDEX IF NOT EXISTS idx_overrides_created ON overrides(created_at);
	`

	_, err := hs.db.Exec(schema)
	return err
}

// RecordOutcome stores the result of one applied (or failed) proposal.
func (hs *HistoryStore) RecordOutcome(proposalID string, category types.Category, success bool, duration time.Duration) error {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	_, err := hs.db.Exec(`
		INSERT INTO outcomes (proposal_id, category, success, duration_ms)
		VALUES (?, ?, ?, ?)`,
		proposalID, string(category), success, duration.Milliseconds())
	if err != nil {
		return types.Wrap(types.KindUnavailable, "history.record-outcome", err)
	}

	logging.StoreDebug("Outcome recorded: proposal=%s category=%s success=%v", proposalID, category, success)
	return nil
}

// RecordOverride stores an operator decision that contradicted the
// engine's: a manual rollback of an auto-applied change, a manual apply
// of a deferral, and so on.
func (hs *HistoryStore) RecordOverride(proposalID string, category types.Category, decision types.Outcome, operatorAction, reason string) error {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	_, err := hs.db.Exec(`
		INSERT INTO overrides (proposal_id, category, decision, operator_action, reason)
		VALUES (?, ?, ?, ?, ?)`,
		proposalID, string(category), string(decision), operatorAction, reason)
	if err != nil {
		return types.Wrap(types.KindUnavailable, "history.record-override", err)
	}

	logging.Store("Override recorded: proposal=%s category=%s decision=%s operator=%s",
		proposalID, category, decision, operatorAction)
	return nil
}

// CategoryHistory implements types.HistoryView. Missing history is
// neutral, never an error: query failures log and return zero values.
func (hs *HistoryStore) CategoryHistory(category types.Category) types.CategoryHistory {
	hs.mu.RLock()
	defer hs.mu.RUnlock()

	var h types.CategoryHistory

	row := hs.db.QueryRow(`
		SELECT COUNT(*), COALESCE(AVG(success), 0)
		FROM outcomes
		WHERE category = ?`, string(category))
	if err := row.Scan(&h.Samples, &h.SuccessRate); err != nil {
		logging.StoreWarn("History query failed for %s: %v", category, err)
		return types.CategoryHistory{}
	}

	since := fmt.Sprintf("-%d days", hs.windowDays)
	row = hs.db.QueryRow(`
		SELECT COUNT(*)
		FROM outcomes
		WHERE category = ? AND created_at >= datetime('now', ?)`, string(category), since)
	if err := row.Scan(&h.Applications); err != nil {
		logging.StoreWarn("History window query failed for %s: %v", category, err)
		return types.CategoryHistory{}
	}

	row = hs.db.QueryRow(`
		SELECT COUNT(*)
		FROM overrides
		WHERE category = ? AND created_at >= datetime('now', ?)`, string(category), since)
	if err := row.Scan(&h.Overrides); err != nil {
		logging.StoreWarn("Override query failed for %s: %v", category, err)
		return types.CategoryHistory{}
	}

	if h.Applications > 0 {
		h.OverrideRate = float64(h.Overrides) / float64(h.Applications)
		if h.OverrideRate > 1 {
			h.OverrideRate = 1
		}
	}
	return h
}

// Stats returns overall row counts for status output.
func (hs *HistoryStore) Stats() (outcomes, overrides int, err error) {
	hs.mu.RLock()
	defer hs.mu.RUnlock()

	if err = hs.db.QueryRow(`SELECT COUNT(*) FROM outcomes`).Scan(&outcomes); err != nil {
		return 0, 0, err
	}
	if err = hs.db.QueryRow(`SELECT COUNT(*) FROM overrides`).Scan(&overrides); err != nil {
		return 0, 0, err
	}
	return outcomes, overrides, nil
}

// Close closes the database connection.
func (hs *HistoryStore) Close() error {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	if hs.db != nil {
		return hs.db.Close()
	}
	return nil
}
