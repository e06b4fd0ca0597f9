// Package redisstore keeps history entries in Redis so several nutrilens
// processes can share one analysis cache.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vbonduro/nutrilens/internal/domain"
	"github.com/vbonduro/nutrilens/internal/store"
)

const defaultPrefix = "nutrilens:history"

type record struct {
	Hash       string                 `json:"hash"`
	InputText  string                 `json:"input_text"`
	ImageKey   string                 `json:"image_key"`
	ImageMIME  string                 `json:"image_mime"`
	RecipeName string                 `json:"recipe_name"`
	Result     *domain.AnalysisResult `json:"result"`
	CreatedAt  time.Time              `json:"created_at"`
}

// HistoryStore stores each entry as a JSON string under <prefix>:<hash> and
// indexes hashes in the sorted set <prefix>:index scored by creation time.
type HistoryStore struct {
	client *redis.Client
	prefix string
}

func New(redisURL string) (*HistoryStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewWithClient(redis.NewClient(opt)), nil
}

func NewWithClient(client *redis.Client) *HistoryStore {
	return &HistoryStore{client: client, prefix: defaultPrefix}
}

func (s *HistoryStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *HistoryStore) Close() error {
	return s.client.Close()
}

func (s *HistoryStore) key(hash string) string { return s.prefix + ":" + hash }
func (s *HistoryStore) indexKey() string       { return s.prefix + ":index" }

// Create writes entry with SETNX so a second write for the same hash is a
// no-op. It reports whether the entry was written.
func (s *HistoryStore) Create(ctx context.Context, entry *domain.HistoryEntry) (bool, error) {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	data, err := json.Marshal(record{
		Hash:       entry.Hash,
		InputText:  entry.InputText,
		ImageKey:   entry.ImageKey,
		ImageMIME:  entry.ImageMIME,
		RecipeName: entry.RecipeName,
		Result:     entry.Result,
		CreatedAt:  createdAt,
	})
	if err != nil {
		return false, fmt.Errorf("failed to encode history entry: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.key(entry.Hash), data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to create history entry: %w", err)
	}
	if !created {
		return false, nil
	}

	if err := s.client.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(createdAt.UnixMilli()),
		Member: entry.Hash,
	}).Err(); err != nil {
		return true, fmt.Errorf("failed to index history entry: %w", err)
	}
	return true, nil
}

// GetByHash returns the entry stored under hash, or nil if there is none.
func (s *HistoryStore) GetByHash(ctx context.Context, hash string) (*domain.HistoryEntry, error) {
	data, err := s.client.Get(ctx, s.key(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get history entry: %w", err)
	}
	return decode(data)
}

// List returns all indexed entries, newest first. Index members whose value
// has disappeared are skipped.
func (s *HistoryStore) List(ctx context.Context) ([]*domain.HistoryEntry, error) {
	hashes, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	if len(hashes) == 0 {
		return nil, nil
	}

	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = s.key(h)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load history entries: %w", err)
	}

	entries := make([]*domain.HistoryEntry, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		entry, err := decode([]byte(str))
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *HistoryStore) Delete(ctx context.Context, hash string) (*domain.HistoryEntry, error) {
	entry, err := s.GetByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, store.ErrNotFound
	}

	if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(hash))
		pipe.ZRem(ctx, s.indexKey(), hash)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to delete history entry: %w", err)
	}
	return entry, nil
}

// DeleteAll removes the entries listed at the time of the call. An entry
// written concurrently keeps both its value and its index member.
func (s *HistoryStore) DeleteAll(ctx context.Context) ([]*domain.HistoryEntry, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	keys := make([]string, len(entries))
	members := make([]any, len(entries))
	for i, e := range entries {
		keys[i] = s.key(e.Hash)
		members[i] = e.Hash
	}

	if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, s.indexKey(), members...)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to clear history: %w", err)
	}
	return entries, nil
}

func decode(data []byte) (*domain.HistoryEntry, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode history entry: %w", err)
	}
	return &domain.HistoryEntry{
		Hash:       rec.Hash,
		InputText:  rec.InputText,
		ImageKey:   rec.ImageKey,
		ImageMIME:  rec.ImageMIME,
		RecipeName: rec.RecipeName,
		Result:     rec.Result,
		CreatedAt:  rec.CreatedAt,
	}, nil
}
