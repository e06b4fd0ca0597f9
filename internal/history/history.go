package history

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vbonduro/nutrilens/internal/domain"
	"github.com/vbonduro/nutrilens/internal/photostore"
	"github.com/vbonduro/nutrilens/internal/store"
)

// ErrNotFound is returned for operations on a hash with no entry.
var ErrNotFound = store.ErrNotFound

// repository is implemented by store.HistoryStore and redisstore.HistoryStore.
type repository interface {
	Create(ctx context.Context, entry *domain.HistoryEntry) (bool, error)
	GetByHash(ctx context.Context, hash string) (*domain.HistoryEntry, error)
	List(ctx context.Context) ([]*domain.HistoryEntry, error)
	Delete(ctx context.Context, hash string) (*domain.HistoryEntry, error)
	DeleteAll(ctx context.Context) ([]*domain.HistoryEntry, error)
}

// NormalizeText trims surrounding whitespace and unifies line endings so
// that the same recipe pasted from different sources hashes identically.
func NormalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.TrimSpace(text)
}

// Hash is the hex SHA-256 of the normalised text, a zero byte, and the image.
func Hash(text string, image []byte) string {
	h := sha256.New()
	h.Write([]byte(NormalizeText(text)))
	h.Write([]byte{0})
	h.Write(image)
	return hex.EncodeToString(h.Sum(nil))
}

// Cache is the history of completed analyses keyed by input hash. It keeps
// an in-memory view that always matches the repository after each call.
type Cache struct {
	repo   repository
	photos photostore.PhotoStore
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	loaded bool
	view   []*domain.HistoryEntry
	byHash map[string]*domain.HistoryEntry
}

// New creates a cache. photos may be nil, in which case images are hashed
// but not kept.
func New(repo repository, photos photostore.PhotoStore, logger *slog.Logger) *Cache {
	return &Cache{repo: repo, photos: photos, logger: logger, now: time.Now}
}

// refresh reloads the view from the repository. mu must be held for writing.
func (c *Cache) refresh(ctx context.Context) error {
	entries, err := c.repo.List(ctx)
	if err != nil {
		c.loaded = false
		return fmt.Errorf("failed to load history: %w", err)
	}
	c.view = entries
	c.byHash = make(map[string]*domain.HistoryEntry, len(entries))
	for _, e := range entries {
		c.byHash[e.Hash] = e
	}
	c.loaded = true
	return nil
}

func (c *Cache) ensureLoaded(ctx context.Context) error {
	c.mu.RLock()
	loaded := c.loaded
	c.mu.RUnlock()
	if loaded {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return nil
	}
	return c.refresh(ctx)
}

// Lookup returns the stored result for an exact input match.
func (c *Cache) Lookup(ctx context.Context, text string, image []byte) (*domain.AnalysisResult, bool, error) {
	entry, err := c.Get(ctx, Hash(text, image))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return entry.Result, true, nil
}

// Get returns the entry for hash or ErrNotFound.
func (c *Cache) Get(ctx context.Context, hash string) (*domain.HistoryEntry, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	entry, ok := c.byHash[hash]
	c.mu.RUnlock()
	if ok {
		return entry, nil
	}

	// Another process may share the repository.
	entry, err := c.repo.GetByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrNotFound
	}
	return entry, nil
}

// Store saves result under the hash of (text, image) unless an entry with
// that hash already exists. It returns the hash and whether a new entry was
// written.
func (c *Cache) Store(ctx context.Context, text string, image []byte, mimeType string, result *domain.AnalysisResult) (string, bool, error) {
	hash := Hash(text, image)
	entry := &domain.HistoryEntry{
		Hash:       hash,
		InputText:  NormalizeText(text),
		ImageMIME:  mimeType,
		RecipeName: result.RecipeName,
		Result:     result,
		CreatedAt:  c.now(),
	}

	if len(image) > 0 && c.photos != nil {
		key, err := c.photos.Save(ctx, "dish_"+hash, mimeType, bytes.NewReader(image))
		if err != nil {
			return hash, false, fmt.Errorf("failed to save photo: %w", err)
		}
		entry.ImageKey = key
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	created, err := c.repo.Create(ctx, entry)
	if err != nil {
		c.discardOrphanPhoto(ctx, entry)
		return hash, false, fmt.Errorf("failed to store history entry: %w", err)
	}

	if created {
		c.logger.Info("history entry stored", "hash", hash, "recipe_name", entry.RecipeName)
	} else {
		c.logger.Debug("history entry already exists", "hash", hash)
	}

	if err := c.refresh(ctx); err != nil {
		return hash, created, err
	}
	return hash, created, nil
}

// discardOrphanPhoto removes a just-saved photo when no entry references it.
// The photo key is deterministic, so an existing entry for the same hash
// shares it and must keep it.
func (c *Cache) discardOrphanPhoto(ctx context.Context, entry *domain.HistoryEntry) {
	if entry.ImageKey == "" {
		return
	}
	existing, err := c.repo.GetByHash(ctx, entry.Hash)
	if err != nil || existing != nil {
		return
	}
	if err := c.photos.Delete(ctx, entry.ImageKey); err != nil && !errors.Is(err, photostore.ErrNotFound) {
		c.logger.Error("failed to remove orphaned photo", "storage_key", entry.ImageKey, "error", err)
	}
}

// List returns all entries, newest first.
func (c *Cache) List(ctx context.Context) ([]*domain.HistoryEntry, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*domain.HistoryEntry, len(c.view))
	copy(out, c.view)
	return out, nil
}

// Image opens the photo stored with an entry.
func (c *Cache) Image(ctx context.Context, hash string) (io.ReadCloser, string, error) {
	entry, err := c.Get(ctx, hash)
	if err != nil {
		return nil, "", err
	}
	if entry.ImageKey == "" || c.photos == nil {
		return nil, "", ErrNotFound
	}
	rc, mimeType, err := c.photos.Get(ctx, entry.ImageKey)
	if errors.Is(err, photostore.ErrNotFound) {
		return nil, "", ErrNotFound
	}
	return rc, mimeType, err
}

// Delete removes one entry and its photo.
func (c *Cache) Delete(ctx context.Context, hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, err := c.repo.Delete(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete history entry: %w", err)
	}
	c.deletePhotos(ctx, entry)

	c.logger.Info("history entry deleted", "hash", hash)
	return c.refresh(ctx)
}

// Clear removes every entry and returns how many were removed.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.repo.DeleteAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to clear history: %w", err)
	}
	c.deletePhotos(ctx, entries...)

	c.logger.Info("history cleared", "entries", len(entries))
	return len(entries), c.refresh(ctx)
}

func (c *Cache) deletePhotos(ctx context.Context, entries ...*domain.HistoryEntry) {
	if c.photos == nil {
		return
	}
	for _, e := range entries {
		if e == nil || e.ImageKey == "" {
			continue
		}
		if err := c.photos.Delete(ctx, e.ImageKey); err != nil && !errors.Is(err, photostore.ErrNotFound) {
			c.logger.Error("failed to delete photo", "hash", e.Hash, "storage_key", e.ImageKey, "error", err)
		}
	}
}
