package images

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSCopyAndDelete(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "products"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "products", "a.jpg"), []byte("jpeg"), 0o644))

	fs := NewFS(root)
	ctx := context.Background()
	dst := OrderKey("o1", "products/a.jpg")
	assert.Equal(t, "orders/o1/a.jpg", dst)

	require.NoError(t, fs.Copy(ctx, "products/a.jpg", dst))
	ok, err := fs.Exists(ctx, dst)
	require.NoError(t, err)
	assert.True(t, ok)

	b, err := os.ReadFile(filepath.Join(root, "orders", "o1", "a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(b))

	require.NoError(t, fs.Delete(ctx, dst))
	ok, err = fs.Exists(ctx, dst)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, fs.Delete(ctx, dst))
}

func TestFSCopyMissing(t *testing.T) {
	fs := NewFS(t.TempDir())
	err := fs.Copy(context.Background(), "products/none.jpg", "orders/o1/none.jpg")
	assert.ErrorIs(t, err, ErrMissing)
}

func TestFSRejectsTraversal(t *testing.T) {
	fs := NewFS(t.TempDir())
	_, err := fs.Exists(context.Background(), "../etc/passwd")
	assert.Error(t, err)
}
