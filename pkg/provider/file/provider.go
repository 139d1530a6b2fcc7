// Package file implements provider.Store on a directory tree.
package file

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/3leaps/ffenv/pkg/provider"
)

// tempPattern names in-flight uploads; List never reports them.
const tempPattern = ".ffenv-put-*"

// DefaultPageSize bounds a List page when ListOptions.PageSize is zero.
const DefaultPageSize = 1000

// Provider implements provider.Store for a directory tree.
//
// Keys are treated as slash-separated relative paths under BaseDir. It backs
// the permanent tier when no object store is configured, and in tests.
type Provider struct {
	fs   afero.Fs
	base string
}

var _ provider.Store = (*Provider)(nil)

type Config struct {
	// BaseDir roots the store on the host filesystem.
	BaseDir string

	// Fs overrides the filesystem. When set, BaseDir is optional and keys are
	// relative to the root of Fs.
	Fs afero.Fs
}

func (c Config) Validate() error {
	if c.Fs == nil && strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fsys := cfg.Fs
	if fsys == nil {
		if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
			return nil, &provider.StoreError{Op: "New", Backend: provider.BackendFile, Location: cfg.BaseDir, Err: err}
		}
		fsys = afero.NewBasePathFs(afero.NewOsFs(), cfg.BaseDir)
	} else if cfg.BaseDir != "" {
		fsys = afero.NewBasePathFs(fsys, cfg.BaseDir)
	}
	return &Provider{fs: fsys, base: cfg.BaseDir}, nil
}

func (p *Provider) Close() error { return nil }

func (p *Provider) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	objects, err := p.collect(ctx, strings.TrimPrefix(opts.Prefix, "/"))
	if err != nil {
		return nil, p.wrapError("List", opts.Prefix, err)
	}

	start := 0
	if opts.ContinuationToken != "" {
		// Start strictly after the last returned key.
		start = sort.Search(len(objects), func(i int) bool { return objects[i].Key > opts.ContinuationToken })
	}

	end := start + pageSize
	if end > len(objects) {
		end = len(objects)
	}

	res := &provider.ListResult{Objects: objects[start:end]}
	if end < len(objects) {
		res.IsTruncated = true
		res.ContinuationToken = objects[end-1].Key
	}
	return res, nil
}

func (p *Provider) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	_ = ctx
	rel, err := cleanKey(key)
	if err != nil {
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	f, err := p.fs.Open(rel)
	if err != nil {
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, 0, p.wrapError("GetObject", key, provider.ErrNotFound)
	}
	return f, st.Size(), nil
}

// PutObject writes to a temporary sibling and renames it into place, so a
// failed upload never leaves a partial object behind.
func (p *Provider) PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error {
	_ = contentLength
	rel, err := cleanKey(key)
	if err != nil {
		return p.wrapError("PutObject", key, err)
	}
	if err := ctx.Err(); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	dir := path.Dir(rel)
	if err := p.fs.MkdirAll(dir, 0o755); err != nil {
		return p.wrapError("PutObject", key, err)
	}

	tmp, err := afero.TempFile(p.fs, dir, tempPattern)
	if err != nil {
		return p.wrapError("PutObject", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = p.fs.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	if err := tmp.Close(); err != nil {
		return p.wrapError("PutObject", key, err)
	}

	if err := p.fs.Rename(tmpName, rel); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	return nil
}

func (p *Provider) DeleteObject(ctx context.Context, key string) error {
	_ = ctx
	rel, err := cleanKey(key)
	if err != nil {
		return p.wrapError("DeleteObject", key, err)
	}
	if err := p.fs.Remove(rel); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return p.wrapError("DeleteObject", key, err)
	}
	return nil
}

// cleanKey maps a key to a slash path relative to the store root, rejecting
// traversal outside it.
func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean == "" || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key path %q", key)
	}
	return clean, nil
}

// collect returns every object whose key starts with prefix, sorted by key.
func (p *Provider) collect(ctx context.Context, prefix string) ([]provider.Object, error) {
	root := "."
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		root = prefix[:i]
	}
	if _, err := p.fs.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return []provider.Object{}, nil
		}
		return nil, err
	}

	objects := []provider.Object{}
	err := afero.Walk(p.fs, root, func(name string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if info.IsDir() {
			return nil
		}
		if ok, _ := path.Match(tempPattern, info.Name()); ok {
			return nil
		}
		key := strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(name, "\\", "/")), "/")
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		objects = append(objects, provider.Object{Key: key, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// wrapError maps filesystem errors onto the provider sentinels.
func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.StoreError{Op: op, Backend: provider.BackendFile, Location: p.base, Key: key, Err: err}
	switch {
	case os.IsNotExist(err):
		wrapped.Err = provider.ErrNotFound
	case os.IsPermission(err):
		wrapped.Err = provider.ErrAccessDenied
	}
	return wrapped
}
