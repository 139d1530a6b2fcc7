package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/ffenv/internal/config"
	"github.com/3leaps/ffenv/internal/metrics"
	"github.com/3leaps/ffenv/internal/observability"
	"github.com/3leaps/ffenv/pkg/dispatch"
	"github.com/3leaps/ffenv/pkg/execenv"
	"github.com/3leaps/ffenv/pkg/message"
	"github.com/3leaps/ffenv/pkg/provider"
	"github.com/3leaps/ffenv/pkg/provider/file"
	"github.com/3leaps/ffenv/pkg/provider/s3"
	"github.com/3leaps/ffenv/pkg/router"
)

// session is a dispatcher connected to a running worker.
type session struct {
	dispatcher *dispatch.Dispatcher
	client     *dispatch.Client
	closers    []func() error
}

// Close stops the dispatcher, then the worker.
func (s *session) Close() error {
	err := s.dispatcher.Close()
	for i := len(s.closers) - 1; i >= 0; i-- {
		err = errors.Join(err, s.closers[i]())
	}
	return err
}

// openSession connects to a worker as selected by --in-process. collector
// may be nil.
func openSession(ctx context.Context, cfg *config.Config, collector *metrics.Collector) (*session, error) {
	if inProcess {
		return openInProcess(ctx, cfg, collector)
	}
	return openSubprocess()
}

func openInProcess(ctx context.Context, cfg *config.Config, collector *metrics.Collector) (*session, error) {
	env, closeEnv, err := newExecEnv(ctx, cfg, collector)
	if err != nil {
		return nil, err
	}
	r, err := newRouter(env, collector)
	if err != nil {
		_ = closeEnv()
		return nil, err
	}

	caller, worker := message.Pipe(0)
	serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = r.Serve(serveCtx, worker)
	}()

	d := dispatch.New(caller, observability.Logger)
	return &session{
		dispatcher: d,
		client:     dispatch.NewClient(d),
		closers: []func() error{
			closeEnv,
			func() error {
				stopServe(served, cancel, serveDrainTimeout)
				return nil
			},
		},
	}, nil
}

// serveDrainTimeout bounds how long in-flight jobs may finish after the pipe closes.
const serveDrainTimeout = 5 * time.Second

// stopServe waits up to timeout for Serve to drain, then cancels it and waits
// for handlers to observe the cancellation.
func stopServe(served <-chan struct{}, cancel context.CancelFunc, timeout time.Duration) {
	defer cancel()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-served:
	case <-timer.C:
		cancel()
		<-served
	}
}

// openSubprocess starts 'ffenv worker' and speaks the wire protocol over its
// stdio. Worker logs go to our stderr.
func openSubprocess() (*session, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	args := []string{"worker"}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	if logLevel != "" {
		args = append(args, "--log-level", logLevel)
	}

	proc := exec.Command(exe, args...)
	proc.Stderr = os.Stderr
	stdin, err := proc.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := proc.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := proc.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	observability.CLILogger.Debug("Worker started", zap.Int("pid", proc.Process.Pid))

	conn := wireCallerConn(stdout, stdin)
	d := dispatch.New(conn, observability.Logger)
	return &session{
		dispatcher: d,
		client:     dispatch.NewClient(d),
		closers: []func() error{
			func() error {
				// Closing stdin ends the worker's request stream.
				if err := proc.Wait(); err != nil {
					return fmt.Errorf("worker: %w", err)
				}
				return nil
			},
		},
	}, nil
}

// newExecEnv builds the execution context described by cfg. The returned
// closer tears down the ephemeral tier and releases the durable store.
func newExecEnv(ctx context.Context, cfg *config.Config, collector *metrics.Collector) (*execenv.Context, func() error, error) {
	store, err := newStore(ctx, cfg)
	if err != nil {
		return nil, nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to open durable store", err)
	}

	ecfg := execenv.Config{
		Root:         cfg.Workspace.Root,
		Tool:         cfg.Workspace.Tool,
		ToolLogLevel: cfg.Workspace.ToolLogLevel,
		StorePrefix:  cfg.Storage.Prefix,
		RateLimit:    cfg.Storage.RateLimit,
		Logger:       observability.Logger.Named("execenv"),
	}
	if store != nil {
		ecfg.Store = store
	}
	if collector != nil {
		ecfg.Observer = collector
	}
	env, err := execenv.New(ecfg)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, nil, exitError(foundry.ExitInvalidArgument, "Invalid workspace", err)
	}

	closer := func() error {
		err := env.Close()
		if store != nil {
			err = errors.Join(err, store.Close())
		}
		return err
	}
	return env, closer, nil
}

// newStore opens the durable backend of the permanent tier, or returns nil
// for the "none" backend.
func newStore(ctx context.Context, cfg *config.Config) (provider.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendFile:
		return file.New(file.Config{BaseDir: cfg.StoreDir()})
	case config.BackendS3:
		return s3.New(ctx, s3.Config{
			Bucket:         cfg.Storage.Bucket,
			Region:         cfg.Storage.Region,
			Endpoint:       cfg.Storage.Endpoint,
			Profile:        cfg.Storage.Profile,
			ForcePathStyle: cfg.Storage.ForcePathStyle,
		})
	default:
		return nil, nil
	}
}

func newRouter(env *execenv.Context, collector *metrics.Collector) (*router.Router, error) {
	rcfg := router.Config{
		Env:    env,
		Level:  &observability.Level,
		Logger: observability.Logger.Named("router"),
	}
	if collector != nil {
		rcfg.Observer = collector
	}
	return router.New(rcfg)
}
