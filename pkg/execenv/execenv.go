// Package execenv manages the execution context: the native tool runtime and
// the two storage tiers it works on.
//
// The ephemeral tier is a scratch directory emptied on every bootstrap. The
// permanent tier is mirrored to a durable provider.Store: loaded on bootstrap
// and flushed by Sync. A Context is created once per worker and bootstrapped
// lazily by the first operation that needs it.
package execenv

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/ffenv/pkg/failure"
	"github.com/3leaps/ffenv/pkg/merge"
	"github.com/3leaps/ffenv/pkg/provider"
	"github.com/3leaps/ffenv/pkg/vpath"
)

const (
	// DefaultTool is the tool binary used when none is configured.
	DefaultTool = "ffmpeg"

	// DefaultToolLogLevel is appended to every tool invocation.
	DefaultToolLogLevel = "trace"

	keyEnsure = "ensure"
	keySync   = "sync"
)

// Config configures a Context.
type Config struct {
	// Root is the host directory holding one subdirectory per tier.
	Root string

	// Runtime runs the tool. Defaults to an ExecRuntime for Tool.
	Runtime Runtime

	// Tool names the binary for the default runtime.
	Tool string

	// ToolLogLevel is passed as -loglevel. Defaults to DefaultToolLogLevel.
	ToolLogLevel string

	// Ephemeral and Permanent override the tier file systems. When nil, each
	// tier is a directory under Root.
	Ephemeral afero.Fs
	Permanent afero.Fs

	// Store is the durable backend of the permanent tier. When nil the
	// permanent tier is only as durable as Root.
	Store provider.Store

	// StorePrefix namespaces permanent-tier keys inside Store.
	StorePrefix string

	// RateLimit caps Store requests per second. Zero means unlimited.
	RateLimit float64

	// Observer receives bootstrap and sync outcomes. Optional.
	Observer Observer

	Logger *zap.Logger
}

// Observer is notified of guarded operations, typically to record metrics.
type Observer interface {
	ObserveBootstrap(d time.Duration, err error)
	ObserveSync(d time.Duration, uploaded, deleted int, err error)
}

// ToolResult is the captured outcome of a tool invocation.
type ToolResult struct {
	Out    []string
	Stderr []string

	// Thrown describes how the tool failed, empty on success.
	Thrown string
}

// Context is the execution context shared by all operations of a worker.
//
// Context is safe for concurrent use.
type Context struct {
	cfg     Config
	runtime Runtime
	logger  *zap.Logger
	limiter *rate.Limiter
	group   merge.Group

	mu        sync.RWMutex
	ready     bool
	ephemeral afero.Fs
	permanent afero.Fs

	// synced records the state of each permanent file as last seen in Store.
	syncMu sync.Mutex
	synced map[string]fileState

	// syncRequested counts Sync calls; syncFlushed is the highest request a
	// completed flush is known to cover.
	syncRequested atomic.Uint64
	syncFlushed   atomic.Uint64
}

type fileState struct {
	size    int64
	modTime time.Time
}

// New creates an unbootstrapped Context.
func New(cfg Config) (*Context, error) {
	if cfg.Root == "" && (cfg.Ephemeral == nil || cfg.Permanent == nil) {
		return nil, errors.New("execenv: root is required unless both tiers are provided")
	}
	if cfg.ToolLogLevel == "" {
		cfg.ToolLogLevel = DefaultToolLogLevel
	}
	if cfg.StorePrefix != "" && !strings.HasSuffix(cfg.StorePrefix, "/") {
		cfg.StorePrefix += "/"
	}
	rt := cfg.Runtime
	if rt == nil {
		rt = NewExecRuntime(cfg.Tool)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Context{
		cfg:     cfg,
		runtime: rt,
		logger:  logger,
		synced:  map[string]fileState{},
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return c, nil
}

// Ready reports whether bootstrap has completed.
func (c *Context) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// EnsureReady bootstraps the context unless it is already ready. Concurrent
// callers share one bootstrap and its outcome. A failed bootstrap leaves the
// context unbootstrapped so the next call starts over.
func (c *Context) EnsureReady(ctx context.Context) error {
	if c.Ready() {
		return nil
	}
	return c.group.DoContext(ctx, keyEnsure, c.bootstrap)
}

// Load bootstraps the context, first pointing the runtime at toolPath when it
// is set. The tool path is ignored once the context is ready and by runtimes
// that cannot change their tool.
func (c *Context) Load(ctx context.Context, toolPath string) error {
	if toolPath != "" && !c.Ready() {
		if s, ok := c.runtime.(toolSetter); ok {
			c.logger.Debug("Using tool", zap.String("tool", toolPath))
			s.SetTool(toolPath)
		}
	}
	return c.EnsureReady(ctx)
}

type toolSetter interface {
	SetTool(tool string)
}

func (c *Context) bootstrap(ctx context.Context) (err error) {
	if c.Ready() {
		return nil
	}
	start := time.Now()
	defer func() {
		if c.cfg.Observer != nil {
			c.cfg.Observer.ObserveBootstrap(time.Since(start), err)
		}
	}()

	c.logger.Debug("Bootstrapping execution context", zap.String("root", c.cfg.Root))

	if err := c.runtime.Bootstrap(ctx); err != nil {
		return c.initFailure("runtime bootstrap", err)
	}

	ephemeral, err := c.mountEphemeral()
	if err != nil {
		return c.initFailure("mount ephemeral", err)
	}
	permanent, err := c.mountPermanent()
	if err != nil {
		return c.initFailure("mount permanent", err)
	}

	c.mu.Lock()
	c.ephemeral = ephemeral
	c.permanent = permanent
	c.mu.Unlock()

	if err := c.load(ctx, permanent); err != nil {
		c.reset()
		return c.initFailure("load permanent", err)
	}

	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()

	c.logger.Info("Execution context ready", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (c *Context) initFailure(step string, err error) error {
	c.logger.Warn("Execution context bootstrap failed", zap.String("step", step), zap.Error(err))
	f := failure.Wrap(failure.KindInitialization, keyEnsure, err)
	f.Message = step
	return f
}

// mountEphemeral recreates the ephemeral tier empty.
func (c *Context) mountEphemeral() (afero.Fs, error) {
	if fs := c.cfg.Ephemeral; fs != nil {
		return fs, clearFs(fs)
	}
	dir := filepath.Join(c.cfg.Root, string(vpath.Ephemeral))
	if err := os.RemoveAll(dir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return afero.NewBasePathFs(afero.NewOsFs(), dir), nil
}

func (c *Context) mountPermanent() (afero.Fs, error) {
	if fs := c.cfg.Permanent; fs != nil {
		return fs, nil
	}
	dir := filepath.Join(c.cfg.Root, string(vpath.Permanent))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return afero.NewBasePathFs(afero.NewOsFs(), dir), nil
}

func clearFs(fs afero.Fs) error {
	entries, err := afero.ReadDir(fs, "/")
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if err := fs.RemoveAll("/" + e.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) reset() {
	c.mu.Lock()
	c.ready = false
	c.ephemeral = nil
	c.permanent = nil
	c.mu.Unlock()

	c.syncMu.Lock()
	c.synced = map[string]fileState{}
	c.syncMu.Unlock()
}

// Fs returns the file system of tier, or nil before bootstrap.
func (c *Context) Fs(tier vpath.Tier) afero.Fs {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch tier {
	case vpath.Ephemeral:
		return c.ephemeral
	case vpath.Permanent:
		return c.permanent
	default:
		return nil
	}
}

// HostPath maps a logical path to the file the tool sees. It reports false
// for unsupported paths and for tiers that are not backed by a host directory.
func (c *Context) HostPath(path string) (string, bool) {
	tier, name, ok := vpath.Split(path)
	if !ok {
		return "", false
	}
	bp, ok := c.Fs(tier).(*afero.BasePathFs)
	if !ok {
		return "", false
	}
	return afero.FullBaseFsPath(bp, "/"+name), true
}

// Run invokes the tool as `tool -hide_banner <args...> -loglevel <level>`.
//
// Arguments that are supported logical paths are rewritten to host paths. The
// tool runs in the ephemeral directory. A tool failure is reported in
// ToolResult.Thrown; the error is non-nil only when the context is not ready.
func (c *Context) Run(ctx context.Context, args []string) (ToolResult, error) {
	if !c.Ready() {
		return ToolResult{}, failure.New(failure.KindInitialization, "run", "execution context is not ready")
	}

	argv := make([]string, 0, len(args)+3)
	argv = append(argv, "-hide_banner")
	for _, a := range args {
		if host, ok := c.HostPath(a); ok {
			a = host
		}
		argv = append(argv, a)
	}
	argv = append(argv, "-loglevel", c.cfg.ToolLogLevel)

	dir := ""
	if bp, ok := c.Fs(vpath.Ephemeral).(*afero.BasePathFs); ok {
		dir = afero.FullBaseFsPath(bp, "/")
	}

	c.logger.Debug("Running tool", zap.Strings("argv", argv))
	out, stderr, err := c.runtime.Run(ctx, argv, dir)
	res := ToolResult{Out: out, Stderr: stderr}
	if res.Out == nil {
		res.Out = []string{}
	}
	if res.Stderr == nil {
		res.Stderr = []string{}
	}
	if err != nil {
		res.Thrown = err.Error()
		c.logger.Debug("Tool failed", zap.Error(err))
	}
	return res, nil
}

// Close tears down the ephemeral tier and marks the context unbootstrapped.
// The permanent tier is left in place; callers should Sync first.
func (c *Context) Close() error {
	c.mu.RLock()
	ephemeral := c.ephemeral
	c.mu.RUnlock()

	var err error
	if ephemeral != nil {
		if c.cfg.Ephemeral != nil {
			err = clearFs(ephemeral)
		} else {
			err = os.RemoveAll(filepath.Join(c.cfg.Root, string(vpath.Ephemeral)))
		}
	}
	c.reset()
	return err
}
