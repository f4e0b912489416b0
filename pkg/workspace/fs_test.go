package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFileSystem(t *testing.T, fsys FileSystem) {
	ctx := context.Background()

	t.Run("should write and read back", func(t *testing.T) {
		require.NoError(t, fsys.Write(ctx, "client/src/App.tsx", "export default 1"))
		content, ok, err := fsys.Read(ctx, "client/src/App.tsx")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "export default 1", content)
	})

	t.Run("should report missing files as absent", func(t *testing.T) {
		_, ok, err := fsys.Read(ctx, "nope.txt")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("should list directories with a trailing slash", func(t *testing.T) {
		require.NoError(t, fsys.Write(ctx, "server/index.js", "x"))
		names, err := fsys.List(ctx, ".")
		require.NoError(t, err)
		assert.Equal(t, []string{"client/", "server/"}, names)

		names, err = fsys.List(ctx, "client/src")
		require.NoError(t, err)
		assert.Equal(t, []string{"App.tsx"}, names)
	})

	t.Run("should return the sorted file tree", func(t *testing.T) {
		tree, err := fsys.Tree(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"client/src/App.tsx", "server/index.js"}, tree)
	})
}

func TestMemoryFS(t *testing.T) {
	testFileSystem(t, NewMemoryFS())

	t.Run("should normalise paths", func(t *testing.T) {
		fsys := NewMemoryFS()
		require.NoError(t, fsys.Write(context.Background(), "./a/../b.txt", "x"))
		content, ok, err := fsys.Read(context.Background(), "b.txt")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "x", content)
	})
}

func TestOSFileSystem(t *testing.T) {
	root := t.TempDir()
	fsys, err := NewOSFileSystem(root)
	require.NoError(t, err)

	testFileSystem(t, fsys)

	t.Run("should refuse paths outside the root", func(t *testing.T) {
		err := fsys.Write(context.Background(), "../escape.txt", "x")
		assert.ErrorContains(t, err, "outside the workspace")
		_, statErr := os.Stat(filepath.Join(filepath.Dir(root), "escape.txt"))
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("should skip node_modules in the tree", func(t *testing.T) {
		require.NoError(t, fsys.Write(context.Background(), "client/node_modules/react/index.js", "x"))
		tree, err := fsys.Tree(context.Background())
		require.NoError(t, err)
		assert.NotContains(t, tree, "client/node_modules/react/index.js")
	})
}
