package filestore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestLocalStore_SaveOpenDelete(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	n, hash, err := s.Save(ctx, strings.NewReader("hello"), "in/a.pdf", 5)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
	assert.Len(t, hash, 64)

	rc, size, err := s.Open(ctx, "in/a.pdf")
	require.NoError(t, err)
	assert.EqualValues(t, 5, size)
	assert.Equal(t, "hello", readAll(t, rc))

	require.NoError(t, s.Delete(ctx, "in/a.pdf"))
	require.NoError(t, s.Delete(ctx, "in/a.pdf"))

	_, _, err = s.Open(ctx, "in/a.pdf")
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestLocalStore_RejectsBadKeys(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "  ", "../escape", "/etc/passwd"} {
		_, _, err := s.Save(ctx, strings.NewReader("x"), key, 1)
		assert.Error(t, err, key)
	}

	_, _, err = s.Save(ctx, strings.NewReader("short"), "a.bin", 10)
	assert.Error(t, err)
}

func TestLocalStore_CleanupOlderThan(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewLocalStore(dir)
	require.NoError(t, err)

	_, _, err = s.Save(ctx, strings.NewReader("old"), "old.pdf", 3)
	require.NoError(t, err)
	_, _, err = s.Save(ctx, strings.NewReader("new"), "new.pdf", 3)
	require.NoError(t, err)

	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "old.pdf"), past, past))

	require.NoError(t, s.CleanupOlderThan(ctx, time.Hour))

	_, _, err = s.Open(ctx, "old.pdf")
	assert.ErrorIs(t, err, ErrBlobNotFound)
	rc, _, err := s.Open(ctx, "new.pdf")
	require.NoError(t, err)
	assert.Equal(t, "new", readAll(t, rc))
}

func TestAsyncStore_ReplicatesAndFallsBack(t *testing.T) {
	ctx := context.Background()

	local, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	remote, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	s := NewAsyncStore(ctx, local, remote, 8, 2, 1)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	_, _, err = s.Save(ctx, strings.NewReader("payload"), "blob-1.pdf", 7)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rc, _, err := remote.Open(ctx, "blob-1.pdf")
		if err != nil {
			return false
		}
		rc.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, local.Delete(ctx, "blob-1.pdf"))
	rc, _, err := s.Open(ctx, "blob-1.pdf")
	require.NoError(t, err)
	assert.Equal(t, "payload", readAll(t, rc))

	require.NoError(t, s.Delete(ctx, "blob-1.pdf"))
	_, _, err = s.Open(ctx, "blob-1.pdf")
	assert.ErrorIs(t, err, ErrBlobNotFound)
}
