// Package local_test tests the local filesystem blob store.
package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
	"github.com/JakeFAU/campus-ingest/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "cache", "http")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "plain")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutGetDelete(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("NestedPut", func(t *testing.T) {
		path := "a/b/c/object.html"
		data := []byte("<html>nested</html>")
		uri, err := store.PutObject(ctx, path, "text/html", data)
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(tempDir, path), uri)

		got, err := store.GetObject(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("OverwriteReplacesContent", func(t *testing.T) {
		_, err := store.PutObject(ctx, "k", "", []byte("one"))
		require.NoError(t, err)
		_, err = store.PutObject(ctx, "k", "", []byte("two"))
		require.NoError(t, err)
		got, err := store.GetObject(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "two", string(got))
	})

	t.Run("DeleteThenMissing", func(t *testing.T) {
		_, err := store.PutObject(ctx, "gone", "", []byte("x"))
		require.NoError(t, err)
		require.NoError(t, store.DeleteObject(ctx, "gone"))
		require.NoError(t, store.DeleteObject(ctx, "gone"))
		_, err = store.GetObject(ctx, "gone")
		require.ErrorIs(t, err, crawler.ErrNotFound)
	})

	t.Run("RejectsBadPaths", func(t *testing.T) {
		_, err := store.PutObject(ctx, "", "", []byte("data"))
		assert.Error(t, err)
		_, err = store.PutObject(ctx, "../escape", "", []byte("data"))
		assert.ErrorContains(t, err, "traversal")
	})
}
