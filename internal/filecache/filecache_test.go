package filecache

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
)

// sha1("hello\n")
const helloSum = "f572d396fae9206628714fb2ce00f72e94f2258f"

func TestPutAndOpen(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)

	sum, err := store.Put(strings.NewReader("hello\n"))
	require.NoError(t, err)
	require.Equal(t, helloSum, sum)

	path, err := store.Path(sum)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(store.Dir(), "f5", helloSum[2:]), path)

	f, err := store.Open(sum)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(data))
}

func TestPutIsIdempotent(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	first, err := store.Put(strings.NewReader("hello\n"))
	require.NoError(t, err)
	second, err := store.Put(strings.NewReader("hello\n"))
	require.NoError(t, err)
	require.Equal(t, first, second)

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files are cleaned up")
}

func TestAddFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "foo_1_amd64.deb")
	require.NoError(t, os.WriteFile(src, []byte("hello\n"), 0o644))

	store, err := New(filepath.Join(dir, "cache"))
	require.NoError(t, err)
	sum, err := store.AddFile(src)
	require.NoError(t, err)
	require.Equal(t, helloSum, sum)
	require.True(t, store.Exists(sum))

	_, err = store.AddFile(filepath.Join(dir, "missing"))
	require.True(t, errors.HasCategory(err, errors.CategoryFileSystem))
}

func TestPathErrors(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = store.Path("../../etc/passwd")
	require.True(t, errors.HasCategory(err, errors.CategoryValidation))

	_, err = store.Path(strings.Repeat("a", 40))
	require.True(t, errors.HasCategory(err, errors.CategoryNotFound))
	require.False(t, store.Exists(strings.Repeat("a", 40)))
}

func TestRemove(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	sum, err := store.Put(strings.NewReader("hello\n"))
	require.NoError(t, err)

	require.NoError(t, store.Remove(sum))
	require.False(t, store.Exists(sum))
	require.Error(t, store.Remove(sum))
}
