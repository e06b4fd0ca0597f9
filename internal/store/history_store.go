package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/vbonduro/nutrilens/internal/domain"
)

var ErrNotFound = errors.New("not found")

type HistoryStore struct {
	db *sql.DB
}

func NewHistoryStore(db *sql.DB) *HistoryStore {
	return &HistoryStore{db: db}
}

const historyColumns = `hash, input_text, image_key, image_mime, recipe_name, result, created_at`

// Create inserts entry unless an entry with the same hash exists. It reports
// whether a row was written.
func (s *HistoryStore) Create(ctx context.Context, entry *domain.HistoryEntry) (bool, error) {
	result, err := json.Marshal(entry.Result)
	if err != nil {
		return false, fmt.Errorf("failed to encode result: %w", err)
	}

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO history (`+historyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`, entry.Hash, entry.InputText, entry.ImageKey, entry.ImageMIME, entry.RecipeName, string(result), createdAt.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to create history entry: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// GetByHash returns the entry stored under hash, or nil if there is none.
func (s *HistoryStore) GetByHash(ctx context.Context, hash string) (*domain.HistoryEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+historyColumns+` FROM history WHERE hash = ?`, hash)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get history entry: %w", err)
	}
	return entry, nil
}

// List returns all entries, newest first.
func (s *HistoryStore) List(ctx context.Context) ([]*domain.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+historyColumns+` FROM history ORDER BY created_at DESC, rowid DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "error", err)
		}
	}()

	var entries []*domain.HistoryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}

	return entries, nil
}

// Delete removes the entry stored under hash and returns it so the caller can
// release associated blobs.
func (s *HistoryStore) Delete(ctx context.Context, hash string) (*domain.HistoryEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	entry, err := scanEntry(tx.QueryRowContext(ctx, `SELECT `+historyColumns+` FROM history WHERE hash = ?`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get history entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM history WHERE hash = ?`, hash); err != nil {
		return nil, fmt.Errorf("failed to delete history entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit delete: %w", err)
	}
	return entry, nil
}

// DeleteAll removes every entry and returns what was removed, newest first.
// Rows are removed and returned by a single statement, so an entry inserted
// concurrently is either returned or left in place.
func (s *HistoryStore) DeleteAll(ctx context.Context) ([]*domain.HistoryEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `DELETE FROM history RETURNING `+historyColumns)
	if err != nil {
		return nil, fmt.Errorf("failed to clear history: %w", err)
	}
	var entries []*domain.HistoryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("failed to close rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit clear: %w", err)
	}

	slices.SortStableFunc(entries, func(a, b *domain.HistoryEntry) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*domain.HistoryEntry, error) {
	entry := &domain.HistoryEntry{}
	var result string
	var createdAt int64
	if err := row.Scan(&entry.Hash, &entry.InputText, &entry.ImageKey, &entry.ImageMIME, &entry.RecipeName, &result, &createdAt); err != nil {
		return nil, err
	}

	entry.Result = &domain.AnalysisResult{}
	if err := json.Unmarshal([]byte(result), entry.Result); err != nil {
		return nil, fmt.Errorf("failed to decode result for %s: %w", entry.Hash, err)
	}
	entry.CreatedAt = time.Unix(0, createdAt)
	return entry, nil
}
