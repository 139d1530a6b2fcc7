package router

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"

	"github.com/3leaps/ffenv/pkg/execenv"
	"github.com/3leaps/ffenv/pkg/failure"
	"github.com/3leaps/ffenv/pkg/message"
	"github.com/3leaps/ffenv/pkg/probe"
	"github.com/3leaps/ffenv/pkg/vpath"
)

// storage readies the context and resolves path to its tier file system and
// file name.
func (r *Router) storage(ctx context.Context, op message.Op, path string) (afero.Fs, string, error) {
	if err := r.env.EnsureReady(ctx); err != nil {
		return nil, "", err
	}
	tier, name, ok := vpath.Split(path)
	if !ok {
		return nil, "", unsupportedPath(op, path)
	}
	fs := r.env.Fs(tier)
	if fs == nil {
		return nil, "", failure.New(failure.KindInitialization, op.String(), "execution context is not ready")
	}
	return fs, "/" + name, nil
}

func unsupportedPath(op message.Op, path string) error {
	return failure.New(failure.KindUnsupportedPath, op.String(), "unsupported path").WithPath(path)
}

func storageFailure(op message.Op, path string, err error) error {
	return failure.Wrap(failure.KindStorage, op.String(), err).WithPath(path)
}

// fpush appends buf to the file at path, creating it if needed.
func (r *Router) fpush(ctx context.Context, path string, buf []byte) error {
	fs, name, err := r.storage(ctx, message.OpFPush, path)
	if err != nil {
		return err
	}
	f, err := fs.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return storageFailure(message.OpFPush, path, err)
	}
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return storageFailure(message.OpFPush, path, err)
	}
	if err := f.Close(); err != nil {
		return storageFailure(message.OpFPush, path, err)
	}
	return r.env.Sync(ctx)
}

// fpull reads length bytes at offset. A zero length returns an empty buffer
// without opening the file; a missing length reads to the end.
func (r *Router) fpull(ctx context.Context, path string, offset, length *int64) ([]byte, error) {
	fs, name, err := r.storage(ctx, message.OpFPull, path)
	if err != nil {
		return nil, err
	}
	if length != nil && *length == 0 {
		return []byte{}, nil
	}

	var off int64
	if offset != nil {
		off = *offset
	}
	if off < 0 || (length != nil && *length < 0) {
		return nil, failure.New(failure.KindStorage, message.OpFPull.String(), "negative offset or length").WithPath(path)
	}

	f, err := fs.Open(name)
	if err != nil {
		return nil, storageFailure(message.OpFPull, path, err)
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, storageFailure(message.OpFPull, path, err)
	}
	n := st.Size() - off
	if n <= 0 {
		return []byte{}, nil
	}
	if length != nil && *length < n {
		n = *length
	}

	buf := make([]byte, n)
	read, err := f.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, storageFailure(message.OpFPull, path, err)
	}
	return buf[:read], nil
}

// file probes path with the tool and parses its diagnostic output.
func (r *Router) file(ctx context.Context, path string) (*probe.Descriptor, error) {
	if _, _, err := r.storage(ctx, message.OpFile, path); err != nil {
		return nil, err
	}
	res, err := r.ffmpeg(ctx, []string{"-i", path})
	if err != nil {
		return nil, err
	}
	d, err := probe.Extract(res.Stderr)
	if err != nil {
		return nil, failure.From(err, failure.KindParse, message.OpFile.String()).WithPath(path)
	}
	d.Path = path
	return d, nil
}

func (r *Router) rm(ctx context.Context, path string) error {
	fs, name, err := r.storage(ctx, message.OpRm, path)
	if err != nil {
		return err
	}
	if err := fs.Remove(name); err != nil {
		return storageFailure(message.OpRm, path, err)
	}
	return r.env.Sync(ctx)
}

// ls lists the files of one tier, or of every tier when directory is empty.
// Entries are path-qualified; pattern filters names with doublestar syntax.
func (r *Router) ls(ctx context.Context, directory, pattern string) ([]message.Entry, error) {
	if err := r.env.EnsureReady(ctx); err != nil {
		return nil, err
	}

	tiers := vpath.Tiers
	if directory != "" {
		tier, ok := vpath.ParseTier(strings.Trim(directory, vpath.Delimiter))
		if !ok {
			return nil, unsupportedPath(message.OpLs, directory)
		}
		tiers = []vpath.Tier{tier}
	}
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return nil, failure.New(failure.KindUnsupportedPath, message.OpLs.String(), "invalid pattern "+pattern)
	}

	entries := []message.Entry{}
	for _, tier := range tiers {
		root := vpath.MustPathOf(tier, "")
		fs := r.env.Fs(tier)
		if fs == nil {
			return nil, failure.New(failure.KindInitialization, message.OpLs.String(), "execution context is not ready")
		}
		infos, err := afero.ReadDir(fs, "/")
		if err != nil {
			return nil, storageFailure(message.OpLs, root, err)
		}
		for _, fi := range infos {
			if fi.IsDir() {
				continue
			}
			if pattern != "" {
				if ok, _ := doublestar.Match(pattern, fi.Name()); !ok {
					continue
				}
			}
			entries = append(entries, message.Entry{
				Path: vpath.MustPathOf(tier, fi.Name()),
				Size: fi.Size(),
			})
		}
	}
	return entries, nil
}

// mv moves a file as pull, push and remove. Both paths are checked before any
// I/O. The destination is appended to if it exists.
func (r *Router) mv(ctx context.Context, from, to string) error {
	if err := r.env.EnsureReady(ctx); err != nil {
		return err
	}
	if !vpath.IsSupported(from) {
		return unsupportedPath(message.OpMv, from)
	}
	if !vpath.IsSupported(to) {
		return unsupportedPath(message.OpMv, to)
	}
	buf, err := r.fpull(ctx, from, nil, nil)
	if err != nil {
		return err
	}
	// Moving a file onto itself leaves it in place.
	if from == to {
		return nil
	}
	if err := r.fpush(ctx, to, buf); err != nil {
		return err
	}
	return r.rm(ctx, from)
}

// ffmpeg runs the tool between two syncs of the permanent tier.
func (r *Router) ffmpeg(ctx context.Context, args []string) (execenv.ToolResult, error) {
	if err := r.env.EnsureReady(ctx); err != nil {
		return execenv.ToolResult{}, err
	}
	if err := r.env.Sync(ctx); err != nil {
		return execenv.ToolResult{}, err
	}
	res, err := r.env.Run(ctx, args)
	if err != nil {
		return execenv.ToolResult{}, err
	}
	if err := r.env.Sync(ctx); err != nil {
		return execenv.ToolResult{}, err
	}
	return res, nil
}
