// Package router serves worker operations against an execution context.
//
// The Router reads requests from a message.WorkerEnd, runs each one in its own
// goroutine and replies with a response carrying the same job id. Handler
// errors and panics become failure descriptors in the response; they never
// fail the channel.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/3leaps/ffenv/pkg/execenv"
	"github.com/3leaps/ffenv/pkg/failure"
	"github.com/3leaps/ffenv/pkg/message"
)

// Config configures a Router.
type Config struct {
	// Env is the execution context every storage operation runs against.
	Env *execenv.Context

	// Level is the log level changed by the configure operation. When nil,
	// configure succeeds without effect.
	Level *zap.AtomicLevel

	// Observer is notified once per handled job. Optional.
	Observer Observer

	Logger *zap.Logger
}

// Observer is notified of every handled job, typically to record metrics.
// kind is empty for successful jobs.
type Observer interface {
	ObserveJob(op message.Op, d time.Duration, kind failure.Kind)
}

// Router dispatches requests to operation handlers.
type Router struct {
	env      *execenv.Context
	level    *zap.AtomicLevel
	observer Observer
	logger   *zap.Logger
}

// New creates a Router.
func New(cfg Config) (*Router, error) {
	if cfg.Env == nil {
		return nil, errors.New("router: execution context is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		env:      cfg.Env,
		level:    cfg.Level,
		observer: cfg.Observer,
		logger:   logger,
	}, nil
}

// Serve handles requests from end until ctx is cancelled or end is done.
//
// Requests already delivered when end reports done are still handled, and
// Serve waits for every in-flight handler before returning.
func (r *Router) Serve(ctx context.Context, end message.WorkerEnd) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	reqs := end.Requests()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-reqs:
			r.spawn(ctx, &wg, end, req)
		case <-end.Done():
			for {
				select {
				case req := <-reqs:
					r.spawn(ctx, &wg, end, req)
				default:
					return nil
				}
			}
		}
	}
}

func (r *Router) spawn(ctx context.Context, wg *sync.WaitGroup, end message.WorkerEnd, req *message.Request) {
	if req == nil {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		resp := r.Handle(ctx, req)
		if err := end.Reply(ctx, resp); err != nil {
			r.logger.Warn("Failed to reply",
				zap.Int64("job", req.Job),
				zap.String("op", req.Op.String()),
				zap.Error(err))
		}
	}()
}

// Handle runs one request and returns its response. It never returns nil.
func (r *Router) Handle(ctx context.Context, req *message.Request) (resp *message.Response) {
	start := time.Now()
	resp = &message.Response{Job: req.Job}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Handler panicked",
				zap.Int64("job", req.Job),
				zap.String("op", req.Op.String()),
				zap.Any("panic", p))
			resp.Result = message.Result{
				Err: failure.New(failure.KindInternal, req.Op.String(), fmt.Sprint(p)),
			}
		}
		r.observe(req.Op, time.Since(start), resp.Err)
	}()

	res, err := r.dispatch(ctx, &req.Command)
	if err != nil {
		fe := failure.From(err, failure.KindStorage, req.Op.String())
		r.logger.Debug("Operation failed",
			zap.Int64("job", req.Job),
			zap.String("op", req.Op.String()),
			zap.Error(fe))
		resp.Result = message.Result{Err: fe}
		return resp
	}
	resp.Result = res
	return resp
}

func (r *Router) observe(op message.Op, d time.Duration, fe *failure.Error) {
	if r.observer == nil {
		return
	}
	var kind failure.Kind
	if fe != nil {
		kind = fe.Kind
	}
	r.observer.ObserveJob(op, d, kind)
}

func (r *Router) dispatch(ctx context.Context, cmd *message.Command) (message.Result, error) {
	switch cmd.Op {
	case message.OpLoad:
		return message.Result{}, r.env.Load(ctx, cmd.ToolPath)

	case message.OpConfigure:
		return message.Result{}, r.configure(cmd.LogLevel)

	case message.OpFPush:
		return message.Result{}, r.fpush(ctx, cmd.FilePath, cmd.Buffer)

	case message.OpFPull:
		buf, err := r.fpull(ctx, cmd.FilePath, cmd.Offset, cmd.Length)
		return message.Result{FPull: buf}, err

	case message.OpFile:
		d, err := r.file(ctx, cmd.FilePath)
		return message.Result{File: d}, err

	case message.OpRm:
		return message.Result{}, r.rm(ctx, cmd.FilePath)

	case message.OpLs:
		entries, err := r.ls(ctx, cmd.Directory, cmd.Pattern)
		return message.Result{Ls: entries}, err

	case message.OpMv:
		return message.Result{}, r.mv(ctx, cmd.FromPath, cmd.ToPath)

	case message.OpFFmpeg:
		res, err := r.ffmpeg(ctx, cmd.Args)
		return message.Result{Out: res.Out, Stderr: res.Stderr, Thrown: res.Thrown}, err

	default:
		return message.Result{}, failure.New(failure.KindUnknownOperation, cmd.Op.String(),
			fmt.Sprintf("no handler for operation %q", cmd.Op))
	}
}

// configure applies runtime settings. Unknown log levels are ignored.
func (r *Router) configure(level string) error {
	if level == "" || r.level == nil {
		return nil
	}
	lvl, err := parseLevel(level)
	if err != nil {
		r.logger.Warn("Ignoring unknown log level", zap.String("level", level))
		return nil
	}
	r.level.SetLevel(lvl)
	r.logger.Info("Log level changed", zap.String("level", lvl.String()))
	return nil
}

func parseLevel(s string) (zapcore.Level, error) {
	if s == "trace" {
		return zapcore.DebugLevel, nil
	}
	return zapcore.ParseLevel(s)
}
