package execenv

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/ffenv/pkg/failure"
	"github.com/3leaps/ffenv/pkg/provider"
	"github.com/3leaps/ffenv/pkg/provider/file"
	"github.com/3leaps/ffenv/pkg/vpath"
)

// fakeRuntime counts bootstraps and records invocations.
type fakeRuntime struct {
	gate       chan struct{}
	failFirst  int32
	bootstraps atomic.Int32

	mu     sync.Mutex
	argv   []string
	dir    string
	stdout []string
	stderr []string
	runErr error
}

func (f *fakeRuntime) Bootstrap(ctx context.Context) error {
	n := f.bootstraps.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if n <= f.failFirst {
		return errors.New("runtime unavailable")
	}
	return nil
}

func (f *fakeRuntime) Run(_ context.Context, argv []string, dir string) ([]string, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.argv = append([]string(nil), argv...)
	f.dir = dir
	return f.stdout, f.stderr, f.runErr
}

type memEnv struct {
	ctx       *Context
	rt        *fakeRuntime
	ephemeral afero.Fs
	permanent afero.Fs
	store     *file.Provider
	observer  *countingObserver
}

func newMemEnv(t *testing.T, rt *fakeRuntime) *memEnv {
	t.Helper()
	store, err := file.New(file.Config{Fs: afero.NewMemMapFs()})
	require.NoError(t, err)
	e := &memEnv{
		rt:        rt,
		ephemeral: afero.NewMemMapFs(),
		permanent: afero.NewMemMapFs(),
		store:     store,
		observer:  &countingObserver{},
	}
	e.ctx, err = New(Config{
		Runtime:     rt,
		Ephemeral:   e.ephemeral,
		Permanent:   e.permanent,
		Store:       store,
		StorePrefix: "ws",
		RateLimit:   1000,
		Observer:    e.observer,
	})
	require.NoError(t, err)
	return e
}

type countingObserver struct {
	mu         sync.Mutex
	bootstraps int
	syncs      int
	uploaded   int
	deleted    int
}

func (o *countingObserver) ObserveBootstrap(time.Duration, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bootstraps++
}

func (o *countingObserver) ObserveSync(_ time.Duration, uploaded, deleted int, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.syncs++
	o.uploaded += uploaded
	o.deleted += deleted
}

func TestNew_RequiresRoot(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Ephemeral: afero.NewMemMapFs()})
	assert.Error(t, err)
}

func TestEnsureReady_SingleBootstrapUnderConcurrency(t *testing.T) {
	rt := &fakeRuntime{gate: make(chan struct{})}
	e := newMemEnv(t, rt)

	const callers = 16
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- e.ctx.EnsureReady(context.Background())
		}()
	}

	// Let every caller reach the merged bootstrap before releasing it.
	require.Eventually(t, func() bool { return rt.bootstraps.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(rt.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), rt.bootstraps.Load())
	assert.True(t, e.ctx.Ready())

	// Later calls return immediately.
	require.NoError(t, e.ctx.EnsureReady(context.Background()))
	assert.Equal(t, int32(1), rt.bootstraps.Load())
	assert.Equal(t, 1, e.observer.bootstraps)
}

func TestEnsureReady_RetriesAfterFailure(t *testing.T) {
	rt := &fakeRuntime{failFirst: 1}
	e := newMemEnv(t, rt)

	err := e.ctx.EnsureReady(context.Background())
	require.Error(t, err)
	assert.True(t, failure.IsInitialization(err))
	assert.False(t, e.ctx.Ready())
	assert.Nil(t, e.ctx.Fs(vpath.Ephemeral))

	require.NoError(t, e.ctx.EnsureReady(context.Background()))
	assert.True(t, e.ctx.Ready())
	assert.Equal(t, int32(2), rt.bootstraps.Load())
}

func TestEnsureReady_LoadFailureIsInitializationFailure(t *testing.T) {
	rt := &fakeRuntime{}
	c, err := New(Config{
		Runtime:   rt,
		Ephemeral: afero.NewMemMapFs(),
		Permanent: afero.NewMemMapFs(),
		Store:     &failingStore{err: provider.ErrAccessDenied},
	})
	require.NoError(t, err)

	err = c.EnsureReady(context.Background())
	require.Error(t, err)
	assert.True(t, failure.IsInitialization(err))
	assert.ErrorIs(t, err, provider.ErrAccessDenied)
	assert.False(t, c.Ready())
}

func TestEnsureReady_MountsTiers(t *testing.T) {
	e := newMemEnv(t, &fakeRuntime{})
	ctx := context.Background()

	// Remote state: one tier file, one key outside the flat namespace.
	putObject(t, e.store, "ws/kept.mp4", "remote")
	putObject(t, e.store, "ws/nested/skip.mp4", "nested")
	putObject(t, e.store, "other/skip.mp4", "other")

	// Local state left over from an earlier run.
	require.NoError(t, afero.WriteFile(e.permanent, "/stale.mp4", []byte("stale"), 0o644))
	require.NoError(t, afero.WriteFile(e.ephemeral, "/scratch.bin", []byte("x"), 0o644))

	require.NoError(t, e.ctx.EnsureReady(ctx))

	b, err := afero.ReadFile(e.ctx.Fs(vpath.Permanent), "/kept.mp4")
	require.NoError(t, err)
	assert.Equal(t, "remote", string(b))

	exists, err := afero.Exists(e.permanent, "/stale.mp4")
	require.NoError(t, err)
	assert.False(t, exists, "permanent tier mirrors the store")

	exists, err = afero.Exists(e.ephemeral, "/scratch.bin")
	require.NoError(t, err)
	assert.False(t, exists, "ephemeral tier starts empty")

	entries, err := afero.ReadDir(e.permanent, "/")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSync_UploadsChangesAndDeletes(t *testing.T) {
	e := newMemEnv(t, &fakeRuntime{})
	ctx := context.Background()
	require.NoError(t, e.ctx.EnsureReady(ctx))

	perm := e.ctx.Fs(vpath.Permanent)
	require.NoError(t, afero.WriteFile(perm, "/a.mp4", []byte("aaa"), 0o644))
	require.NoError(t, e.ctx.Sync(ctx))
	assert.Equal(t, "aaa", getObject(t, e.store, "ws/a.mp4"))

	// Unchanged files are not uploaded again.
	require.NoError(t, e.ctx.Sync(ctx))
	assert.Equal(t, 1, e.observer.uploaded)

	f, err := perm.OpenFile("/a.mp4", os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte("bbb"))
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, e.ctx.Sync(ctx))
	assert.Equal(t, "aaabbb", getObject(t, e.store, "ws/a.mp4"))

	require.NoError(t, perm.Remove("/a.mp4"))
	require.NoError(t, e.ctx.Sync(ctx))
	_, _, err = e.store.GetObject(ctx, "ws/a.mp4")
	assert.True(t, provider.IsNotFound(err))
	assert.Equal(t, 1, e.observer.deleted)
}

// gatedStore holds the first upload until release is closed.
type gatedStore struct {
	provider.Store
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedStore) PutObject(ctx context.Context, key string, body io.Reader, size int64) error {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.started)
		<-s.release
	}
	return s.Store.PutObject(ctx, key, body, size)
}

func TestSync_JoinedCallerSeesItsWrite(t *testing.T) {
	backing, err := file.New(file.Config{Fs: afero.NewMemMapFs()})
	require.NoError(t, err)
	store := &gatedStore{Store: backing, started: make(chan struct{}), release: make(chan struct{})}
	c, err := New(Config{
		Runtime:     &fakeRuntime{},
		Ephemeral:   afero.NewMemMapFs(),
		Permanent:   afero.NewMemMapFs(),
		Store:       store,
		StorePrefix: "ws",
	})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, c.EnsureReady(ctx))

	perm := c.Fs(vpath.Permanent)
	require.NoError(t, afero.WriteFile(perm, "/a.mp4", []byte("aaa"), 0o644))
	first := make(chan error, 1)
	go func() { first <- c.Sync(ctx) }()
	<-store.started

	// Written after the in-flight flush listed the tier.
	require.NoError(t, afero.WriteFile(perm, "/b.mp4", []byte("bbb"), 0o644))
	second := make(chan error, 1)
	go func() { second <- c.Sync(ctx) }()
	time.Sleep(50 * time.Millisecond)
	close(store.release)

	require.NoError(t, <-first)
	require.NoError(t, <-second)
	assert.Equal(t, "aaa", getObject(t, backing, "ws/a.mp4"))
	assert.Equal(t, "bbb", getObject(t, backing, "ws/b.mp4"))
}

func TestSync_NotReady(t *testing.T) {
	e := newMemEnv(t, &fakeRuntime{})
	err := e.ctx.Sync(context.Background())
	assert.True(t, failure.IsSync(err))
}

func TestSync_StoreFailure(t *testing.T) {
	store := &failingStore{}
	c, err := New(Config{
		Runtime:   &fakeRuntime{},
		Ephemeral: afero.NewMemMapFs(),
		Permanent: afero.NewMemMapFs(),
		Store:     store,
	})
	require.NoError(t, err)
	require.NoError(t, c.EnsureReady(context.Background()))

	require.NoError(t, afero.WriteFile(c.Fs(vpath.Permanent), "/x", []byte("x"), 0o644))
	store.err = provider.ErrThrottled

	err = c.Sync(context.Background())
	require.Error(t, err)
	assert.True(t, failure.IsSync(err))
	assert.ErrorIs(t, err, provider.ErrThrottled)

	// Nothing was recorded, so the next sync retries the upload.
	store.err = nil
	require.NoError(t, c.Sync(context.Background()))
	assert.Equal(t, 1, store.puts)
}

func TestSync_WithoutStore(t *testing.T) {
	c, err := New(Config{Runtime: &fakeRuntime{}, Ephemeral: afero.NewMemMapFs(), Permanent: afero.NewMemMapFs()})
	require.NoError(t, err)
	require.NoError(t, c.EnsureReady(context.Background()))
	assert.NoError(t, c.Sync(context.Background()))
}

func TestRun_RewritesPathsAndAddsFlags(t *testing.T) {
	root := t.TempDir()
	rt := &fakeRuntime{stdout: []string{"o"}, stderr: []string{"Input #0, wav, from 'x':"}}
	c, err := New(Config{Root: root, Runtime: rt})
	require.NoError(t, err)

	_, err = c.Run(context.Background(), []string{"-i", "/ephemeral/a.wav"})
	assert.True(t, failure.IsInitialization(err))

	require.NoError(t, c.EnsureReady(context.Background()))
	res, err := c.Run(context.Background(), []string{"-i", "/ephemeral/a.wav", "-c", "copy", "/permanent/b.wav", "/elsewhere/c.wav"})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"-hide_banner",
		"-i", filepath.Join(root, "ephemeral", "a.wav"),
		"-c", "copy",
		filepath.Join(root, "permanent", "b.wav"),
		"/elsewhere/c.wav",
		"-loglevel", "trace",
	}, rt.argv)
	assert.Equal(t, filepath.Join(root, "ephemeral"), filepath.Clean(rt.dir))
	assert.Equal(t, []string{"o"}, res.Out)
	assert.Equal(t, rt.stderr, res.Stderr)
	assert.Empty(t, res.Thrown)
}

func TestRun_ToolFailureIsThrown(t *testing.T) {
	rt := &fakeRuntime{runErr: errors.New("exit status 1")}
	c, err := New(Config{Runtime: rt, Ephemeral: afero.NewMemMapFs(), Permanent: afero.NewMemMapFs(), ToolLogLevel: "info"})
	require.NoError(t, err)
	require.NoError(t, c.EnsureReady(context.Background()))

	res, err := c.Run(context.Background(), []string{"-version"})
	require.NoError(t, err)
	assert.Equal(t, "exit status 1", res.Thrown)
	assert.Equal(t, []string{}, res.Out)
	assert.Equal(t, []string{"-hide_banner", "-version", "-loglevel", "info"}, rt.argv)
}

func TestHostPath(t *testing.T) {
	root := t.TempDir()
	c, err := New(Config{Root: root, Runtime: &fakeRuntime{}})
	require.NoError(t, err)
	require.NoError(t, c.EnsureReady(context.Background()))

	got, ok := c.HostPath("/permanent/x.mp4")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(root, "permanent", "x.mp4"), got)

	_, ok = c.HostPath("/permanent/a/b")
	assert.False(t, ok)
	_, ok = c.HostPath("relative.mp4")
	assert.False(t, ok)
}

func TestClose_TearsDownEphemeral(t *testing.T) {
	root := t.TempDir()
	c, err := New(Config{Root: root, Runtime: &fakeRuntime{}})
	require.NoError(t, err)
	require.NoError(t, c.EnsureReady(context.Background()))

	require.NoError(t, afero.WriteFile(c.Fs(vpath.Ephemeral), "/tmp.bin", []byte("x"), 0o644))
	require.NoError(t, afero.WriteFile(c.Fs(vpath.Permanent), "/keep.bin", []byte("y"), 0o644))
	require.NoError(t, c.Close())
	assert.False(t, c.Ready())

	osFs := afero.NewOsFs()
	exists, _ := afero.DirExists(osFs, filepath.Join(root, "ephemeral"))
	assert.False(t, exists)
	exists, _ = afero.Exists(osFs, filepath.Join(root, "permanent", "keep.bin"))
	assert.True(t, exists)
}

// failingStore fails every call with err once err is set.
type failingStore struct {
	err  error
	puts int
}

func (s *failingStore) List(context.Context, provider.ListOptions) (*provider.ListResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &provider.ListResult{}, nil
}

func (s *failingStore) Close() error { return nil }

func (s *failingStore) GetObject(context.Context, string) (io.ReadCloser, int64, error) {
	return nil, 0, provider.ErrNotFound
}

func (s *failingStore) PutObject(_ context.Context, _ string, body io.Reader, _ int64) error {
	if s.err != nil {
		return s.err
	}
	_, _ = io.Copy(io.Discard, body)
	s.puts++
	return nil
}

func (s *failingStore) DeleteObject(context.Context, string) error { return s.err }

func putObject(t *testing.T, s provider.Store, key, body string) {
	t.Helper()
	require.NoError(t, s.PutObject(context.Background(), key, bytes.NewReader([]byte(body)), int64(len(body))))
}

func getObject(t *testing.T, s provider.Store, key string) string {
	t.Helper()
	body, _, err := s.GetObject(context.Background(), key)
	require.NoError(t, err)
	defer func() { _ = body.Close() }()
	b, err := io.ReadAll(body)
	require.NoError(t, err)
	return string(b)
}
