package file

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/ffenv/pkg/provider"
)

func newMem(t *testing.T) *Provider {
	t.Helper()
	p, err := New(Config{Fs: afero.NewMemMapFs()})
	require.NoError(t, err)
	return p
}

func put(t *testing.T, p *Provider, key, body string) {
	t.Helper()
	require.NoError(t, p.PutObject(context.Background(), key, strings.NewReader(body), int64(len(body))))
}

func TestConfig_Validate(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{BaseDir: "  "}.Validate())
	assert.NoError(t, Config{BaseDir: "/tmp/x"}.Validate())
	assert.NoError(t, Config{Fs: afero.NewMemMapFs()}.Validate())
}

func TestProvider_PutGetRoundTrip(t *testing.T) {
	p := newMem(t)
	ctx := context.Background()

	put(t, p, "perm/a.mp4", "hello")

	body, n, err := p.GetObject(ctx, "perm/a.mp4")
	require.NoError(t, err)
	defer func() { _ = body.Close() }()
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, "hello", string(got))

	put(t, p, "/perm/a.mp4", "replaced")
	res, err := p.List(ctx, provider.ListOptions{Prefix: "perm/"})
	require.NoError(t, err)
	require.Len(t, res.Objects, 1)
	assert.Equal(t, "perm/a.mp4", res.Objects[0].Key)
	assert.Equal(t, int64(8), res.Objects[0].Size)
}

func TestProvider_List(t *testing.T) {
	p := newMem(t)
	ctx := context.Background()
	for _, k := range []string{"ffenv/b", "ffenv/a", "ffenv/c", "ffenvx/d", "other/e"} {
		put(t, p, k, k)
	}

	t.Run("prefix is a string prefix", func(t *testing.T) {
		res, err := p.List(ctx, provider.ListOptions{Prefix: "ffenv"})
		require.NoError(t, err)
		keys := keysOf(res.Objects)
		assert.Equal(t, []string{"ffenv/a", "ffenv/b", "ffenv/c", "ffenvx/d"}, keys)
	})

	t.Run("directory prefix", func(t *testing.T) {
		res, err := p.List(ctx, provider.ListOptions{Prefix: "ffenv/"})
		require.NoError(t, err)
		assert.Equal(t, []string{"ffenv/a", "ffenv/b", "ffenv/c"}, keysOf(res.Objects))
	})

	t.Run("paginates", func(t *testing.T) {
		res, err := p.List(ctx, provider.ListOptions{Prefix: "ffenv/", PageSize: 2})
		require.NoError(t, err)
		assert.True(t, res.IsTruncated)
		assert.Equal(t, []string{"ffenv/a", "ffenv/b"}, keysOf(res.Objects))

		res, err = p.List(ctx, provider.ListOptions{Prefix: "ffenv/", PageSize: 2, ContinuationToken: res.ContinuationToken})
		require.NoError(t, err)
		assert.False(t, res.IsTruncated)
		assert.Equal(t, []string{"ffenv/c"}, keysOf(res.Objects))
	})

	t.Run("missing prefix", func(t *testing.T) {
		res, err := p.List(ctx, provider.ListOptions{Prefix: "nope/"})
		require.NoError(t, err)
		assert.Empty(t, res.Objects)
	})

	t.Run("list all", func(t *testing.T) {
		all, err := provider.ListAll(ctx, p, "")
		require.NoError(t, err)
		assert.Len(t, all, 5)
	})
}

func TestProvider_DeleteObject(t *testing.T) {
	p := newMem(t)
	ctx := context.Background()
	put(t, p, "k", "v")

	require.NoError(t, p.DeleteObject(ctx, "k"))
	require.NoError(t, p.DeleteObject(ctx, "k"), "deleting a missing object is not an error")

	_, _, err := p.GetObject(ctx, "k")
	assert.True(t, provider.IsNotFound(err))

	var serr *provider.StoreError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, provider.BackendFile, serr.Backend)
	assert.Equal(t, "GetObject", serr.Op)
	assert.Equal(t, "k", serr.Key)
}

func TestProvider_ClampsTraversal(t *testing.T) {
	p := newMem(t)
	ctx := context.Background()

	// Leading ".." segments are clamped to the store root.
	require.NoError(t, p.PutObject(ctx, "../escape", bytes.NewReader(nil), 0))
	res, err := p.List(ctx, provider.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"escape"}, keysOf(res.Objects))

	// "/.." cleans to the root, which is not a key.
	_, _, err = p.GetObject(ctx, "/..")
	assert.Error(t, err)
}

func TestProvider_OnDisk(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	p, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	put(t, p, "nested/deep/x.bin", "xyz")

	b, err := os.ReadFile(filepath.Join(dir, "nested", "deep", "x.bin"))
	require.NoError(t, err)
	assert.Equal(t, "xyz", string(b))

	entries, err := os.ReadDir(filepath.Join(dir, "nested", "deep"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary upload files must not linger")

	res, err := p.List(context.Background(), provider.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"nested/deep/x.bin"}, keysOf(res.Objects))
}

func keysOf(objs []provider.Object) []string {
	keys := make([]string, 0, len(objs))
	for _, o := range objs {
		keys = append(keys, o.Key)
	}
	return keys
}
