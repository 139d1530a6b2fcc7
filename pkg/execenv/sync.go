package execenv

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/3leaps/ffenv/pkg/failure"
	"github.com/3leaps/ffenv/pkg/provider"
	"github.com/3leaps/ffenv/pkg/vpath"
)

// load mirrors Store into the permanent tier: remote objects are downloaded
// and local files without a remote counterpart are removed.
func (c *Context) load(ctx context.Context, fs afero.Fs) error {
	store := c.cfg.Store
	if store == nil {
		return nil
	}

	objects, err := c.listRemote(ctx)
	if err != nil {
		return err
	}

	state := make(map[string]fileState, len(objects))
	for name, obj := range objects {
		if err := c.wait(ctx); err != nil {
			return err
		}
		if err := c.download(ctx, fs, name, obj.Key); err != nil {
			return err
		}
		st, err := fs.Stat("/" + name)
		if err != nil {
			return err
		}
		state[name] = fileState{size: st.Size(), modTime: st.ModTime()}
	}

	local, err := afero.ReadDir(fs, "/")
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, fi := range local {
		if fi.IsDir() {
			continue
		}
		if _, ok := objects[fi.Name()]; ok {
			continue
		}
		if err := fs.Remove("/" + fi.Name()); err != nil {
			return err
		}
	}

	c.syncMu.Lock()
	c.synced = state
	c.syncMu.Unlock()

	c.logger.Debug("Loaded permanent tier", zap.Int("objects", len(objects)))
	return nil
}

// listRemote returns the permanent-tier objects in Store keyed by file name.
// Keys that do not map to a single-segment name are ignored.
func (c *Context) listRemote(ctx context.Context) (map[string]provider.Object, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	all, err := provider.ListAll(ctx, c.cfg.Store, c.cfg.StorePrefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]provider.Object, len(all))
	for _, obj := range all {
		name := strings.TrimPrefix(obj.Key, c.cfg.StorePrefix)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		out[name] = obj
	}
	return out, nil
}

func (c *Context) download(ctx context.Context, fs afero.Fs, name, key string) error {
	body, _, err := c.cfg.Store.GetObject(ctx, key)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()
	return afero.WriteReader(fs, "/"+name, body)
}

// Sync flushes the permanent tier to Store: new or changed files are
// uploaded and objects whose file no longer exists are deleted. Concurrent
// callers share one flush; a caller that joins a flush which started reading
// the tier before its call runs another one.
func (c *Context) Sync(ctx context.Context) error {
	if !c.Ready() {
		return failure.New(failure.KindSync, keySync, "execution context is not ready")
	}
	if c.cfg.Store == nil {
		return nil
	}
	want := c.syncRequested.Add(1)
	for c.syncFlushed.Load() < want {
		if err := c.group.DoContext(ctx, keySync, c.flush); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) flush(ctx context.Context) (err error) {
	var uploaded, deleted int
	start := time.Now()
	covers := c.syncRequested.Load()
	defer func() {
		if c.cfg.Observer != nil {
			c.cfg.Observer.ObserveSync(time.Since(start), uploaded, deleted, err)
		}
		if err != nil {
			c.logger.Warn("Permanent tier sync failed", zap.String("reason", provider.Reason(err)), zap.Error(err))
			err = failure.Wrap(failure.KindSync, keySync, err)
		}
	}()

	fs := c.Fs(vpath.Permanent)
	if fs == nil {
		return errors.New("permanent tier is not mounted")
	}
	local, err := afero.ReadDir(fs, "/")
	if err != nil {
		return err
	}

	c.syncMu.Lock()
	prev := make(map[string]fileState, len(c.synced))
	for k, v := range c.synced {
		prev[k] = v
	}
	c.syncMu.Unlock()

	next := make(map[string]fileState, len(local))
	for _, fi := range local {
		if fi.IsDir() {
			continue
		}
		name := fi.Name()
		cur := fileState{size: fi.Size(), modTime: fi.ModTime()}
		if old, ok := prev[name]; ok && old.size == cur.size && old.modTime.Equal(cur.modTime) {
			next[name] = cur
			continue
		}
		if err := c.upload(ctx, fs, name); err != nil {
			return err
		}
		next[name] = cur
		uploaded++
	}

	for name := range prev {
		if _, ok := next[name]; ok {
			continue
		}
		if err := c.wait(ctx); err != nil {
			return err
		}
		if err := c.cfg.Store.DeleteObject(ctx, c.cfg.StorePrefix+name); err != nil {
			return err
		}
		deleted++
	}

	c.syncMu.Lock()
	c.synced = next
	c.syncMu.Unlock()
	for {
		done := c.syncFlushed.Load()
		if done >= covers || c.syncFlushed.CompareAndSwap(done, covers) {
			break
		}
	}

	if uploaded > 0 || deleted > 0 {
		c.logger.Debug("Synced permanent tier",
			zap.Int("uploaded", uploaded),
			zap.Int("deleted", deleted),
			zap.Duration("elapsed", time.Since(start)))
	}
	return nil
}

func (c *Context) upload(ctx context.Context, fs afero.Fs, name string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	f, err := fs.Open("/" + name)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	return c.cfg.Store.PutObject(ctx, c.cfg.StorePrefix+name, f, st.Size())
}

// wait blocks until the Store rate limiter admits one request.
func (c *Context) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}
