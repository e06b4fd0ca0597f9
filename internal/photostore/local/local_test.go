package local

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbonduro/nutrilens/internal/photostore"
)

func TestLocalPhotoStoreSaveAndGet(t *testing.T) {
	store, err := NewLocalPhotoStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	imageData := []byte("fake png data")

	key, err := store.Save(ctx, "dish_abc123", "image/png", bytes.NewReader(imageData))
	require.NoError(t, err)
	assert.Equal(t, "dish_abc123.png", key)

	reader, mimeType, err := store.Get(ctx, key)
	require.NoError(t, err)
	defer reader.Close()

	assert.Equal(t, "image/png", mimeType)

	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, imageData, data)
}

func TestLocalPhotoStoreSaveOverwritesSameName(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalPhotoStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Save(ctx, "dish", "image/jpeg", bytes.NewReader([]byte("v1")))
	require.NoError(t, err)
	key, err := store.Save(ctx, "dish", "image/jpeg", bytes.NewReader([]byte("v2")))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, key))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not linger")
}

func TestLocalPhotoStoreDelete(t *testing.T) {
	store, err := NewLocalPhotoStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	key, err := store.Save(ctx, "dish_1", "image/jpeg", bytes.NewReader([]byte("test data")))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, key))

	_, _, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, photostore.ErrNotFound)

	assert.ErrorIs(t, store.Delete(ctx, key), photostore.ErrNotFound)
}

func TestLocalPhotoStorePathTraversal(t *testing.T) {
	store, err := NewLocalPhotoStore(t.TempDir())
	require.NoError(t, err)

	_, _, err = store.Get(context.Background(), "../../etc/passwd")
	assert.Error(t, err)
}

func TestDetectMIME(t *testing.T) {
	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0, 0, 0}
	mime, ok := photostore.DetectMIME(jpeg)
	assert.True(t, ok)
	assert.Equal(t, "image/jpeg", mime)

	webp := append([]byte("RIFF\x00\x00\x00\x00WEBP"), make([]byte, 8)...)
	mime, ok = photostore.DetectMIME(webp)
	assert.True(t, ok)
	assert.Equal(t, "image/webp", mime)

	_, ok = photostore.DetectMIME([]byte("just some text"))
	assert.False(t, ok)
}
