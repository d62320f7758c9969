package iot

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBlobStoreRoundTrip(t *testing.T) {
	store, err := NewLocalBlobStore(filepath.Join(t.TempDir(), "uploads"))
	require.NoError(t, err)

	ref, size, err := store.Save("owner/../1", "Leaf.JPG", strings.NewReader("pixels"), 0)
	require.NoError(t, err)
	assert.EqualValues(t, 6, size)
	assert.True(t, strings.HasPrefix(ref, "owner_.._1/"), ref)
	assert.True(t, strings.HasSuffix(ref, ".jpg"), ref)

	rc, err := store.Open(ref)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(data))

	require.NoError(t, store.Delete(ref))
	_, err = store.Open(ref)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.NoError(t, store.Delete(ref), "deleting twice is fine")
}

func TestLocalBlobStoreSizeLimit(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalBlobStore(dir)
	require.NoError(t, err)

	_, _, err = store.Save("o", "big.png", strings.NewReader("0123456789"), 5)
	assert.ErrorIs(t, err, ErrBlobTooLarge)

	entries, err := os.ReadDir(filepath.Join(dir, "o"))
	require.NoError(t, err)
	assert.Empty(t, entries, "partial upload removed")

	_, size, err := store.Save("o", "ok.png", strings.NewReader("01234"), 5)
	require.NoError(t, err)
	assert.EqualValues(t, 5, size)
}

func TestLocalBlobStoreRejectsTraversal(t *testing.T) {
	store, err := NewLocalBlobStore(t.TempDir())
	require.NoError(t, err)

	for _, ref := range []string{"../etc/passwd", "/etc/passwd", "a/../../x"} {
		_, err := store.Open(ref)
		assert.Error(t, err, ref)
		assert.Error(t, store.Delete(ref), ref)
	}
}
