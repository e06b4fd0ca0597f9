package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbonduro/nutrilens/internal/db"
	"github.com/vbonduro/nutrilens/internal/domain"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func newEntry(hash, recipe string, at time.Time) *domain.HistoryEntry {
	return &domain.HistoryEntry{
		Hash:       hash,
		InputText:  "input for " + recipe,
		RecipeName: recipe,
		Result: &domain.AnalysisResult{
			RecipeName: recipe,
			TotalGI:    55,
			TotalGL:    12.5,
			GIBand:     domain.BandLow,
			GLBand:     domain.BandMedium,
			Summary:    "fine",
		},
		CreatedAt: at,
	}
}

func TestHistoryStoreCreateAndGet(t *testing.T) {
	s := NewHistoryStore(openTestDB(t))
	ctx := context.Background()
	now := time.Now()

	created, err := s.Create(ctx, newEntry("abc", "Porridge", now))
	require.NoError(t, err)
	assert.True(t, created)

	got, err := s.GetByHash(ctx, "abc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Porridge", got.RecipeName)
	assert.Equal(t, "Porridge", got.Result.RecipeName)
	assert.Equal(t, 12.5, got.Result.TotalGL)
	assert.Equal(t, now.UnixNano(), got.CreatedAt.UnixNano())
}

func TestHistoryStoreCreate_Idempotent(t *testing.T) {
	d := openTestDB(t)
	s := NewHistoryStore(d)
	ctx := context.Background()

	created, err := s.Create(ctx, newEntry("same", "Toast", time.Now()))
	require.NoError(t, err)
	assert.True(t, created)

	second := newEntry("same", "Different name", time.Now())
	created, err = s.Create(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)

	var count int
	require.NoError(t, d.QueryRow("SELECT COUNT(*) FROM history WHERE hash = 'same'").Scan(&count))
	assert.Equal(t, 1, count)

	got, err := s.GetByHash(ctx, "same")
	require.NoError(t, err)
	assert.Equal(t, "Toast", got.RecipeName, "first write wins")
}

func TestHistoryStoreGetByHash_NotFound(t *testing.T) {
	s := NewHistoryStore(openTestDB(t))

	got, err := s.GetByHash(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestHistoryStoreList_NewestFirst(t *testing.T) {
	s := NewHistoryStore(openTestDB(t))
	ctx := context.Background()
	base := time.Now()

	_, err := s.Create(ctx, newEntry("old", "Oats", base.Add(-2*time.Hour)))
	require.NoError(t, err)
	_, err = s.Create(ctx, newEntry("new", "Salad", base))
	require.NoError(t, err)
	_, err = s.Create(ctx, newEntry("mid", "Soup", base.Add(-time.Hour)))
	require.NoError(t, err)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "new", list[0].Hash)
	assert.Equal(t, "mid", list[1].Hash)
	assert.Equal(t, "old", list[2].Hash)
}

func TestHistoryStoreDelete(t *testing.T) {
	s := NewHistoryStore(openTestDB(t))
	ctx := context.Background()

	_, err := s.Create(ctx, newEntry("keep", "Rice", time.Now()))
	require.NoError(t, err)
	_, err = s.Create(ctx, newEntry("drop", "Beans", time.Now()))
	require.NoError(t, err)

	deleted, err := s.Delete(ctx, "drop")
	require.NoError(t, err)
	assert.Equal(t, "Beans", deleted.RecipeName)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "keep", list[0].Hash)
}

func TestHistoryStoreDelete_NotFound(t *testing.T) {
	s := NewHistoryStore(openTestDB(t))

	_, err := s.Delete(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHistoryStoreDeleteAll(t *testing.T) {
	s := NewHistoryStore(openTestDB(t))
	ctx := context.Background()

	_, err := s.Create(ctx, newEntry("a", "A", time.Now()))
	require.NoError(t, err)
	_, err = s.Create(ctx, newEntry("b", "B", time.Now()))
	require.NoError(t, err)

	removed, err := s.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Len(t, removed, 2)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestHistoryStoreDeleteAll_RollsBackOnBadRow(t *testing.T) {
	database := openTestDB(t)
	s := NewHistoryStore(database)
	ctx := context.Background()

	_, err := s.Create(ctx, newEntry("good", "Good", time.Now()))
	require.NoError(t, err)
	_, err = database.ExecContext(ctx, `
		INSERT INTO history (`+historyColumns+`) VALUES ('bad', '', '', '', 'Bad', 'not json', 1)
	`)
	require.NoError(t, err)

	_, err = s.DeleteAll(ctx)
	require.Error(t, err)

	// Nothing was removed: the good row remains and the bad row still fails to decode.
	entry, err := s.GetByHash(ctx, "good")
	require.NoError(t, err)
	assert.NotNil(t, entry)
	_, err = s.List(ctx)
	assert.Error(t, err)
}

func TestHistoryStoreDeleteAll_ConcurrentInserts(t *testing.T) {
	s := NewHistoryStore(openTestDB(t))
	ctx := context.Background()

	const total = 40
	done := make(chan error, 1)
	go func() {
		for i := 0; i < total; i++ {
			if _, err := s.Create(ctx, newEntry(fmt.Sprintf("h%02d", i), "R", time.Now())); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	seen := make(map[string]int)
	collect := func() {
		removed, err := s.DeleteAll(ctx)
		require.NoError(t, err)
		for _, e := range removed {
			seen[e.Hash]++
		}
	}
	for i := 0; i < 10; i++ {
		collect()
	}
	require.NoError(t, <-done)
	collect()

	assert.Len(t, seen, total)
	for hash, n := range seen {
		assert.Equal(t, 1, n, hash)
	}
}
