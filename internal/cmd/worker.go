package cmd

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/ffenv/internal/observability"
	"github.com/3leaps/ffenv/pkg/wire"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Serve jobs over stdin/stdout",
	Long: `Serve worker operations over stdin/stdout using JSON lines.

Each request is one line {"type":"ffenv.request.v1","ts":...,"session":...,
"data":{...},"nbytes":N} followed by N raw payload bytes. Responses use the
same framing with type "ffenv.response.v1". Logs go to stderr.

The worker exits when stdin is closed, after every in-flight job replied.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, closeEnv, err := newExecEnv(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeEnv(); err != nil {
			observability.Logger.Warn("Failed to tear down workspace", zap.Error(err))
		}
	}()

	r, err := newRouter(env, nil)
	if err != nil {
		return exitError(ExitFailure, "Failed to create router", err)
	}

	conn := wire.NewWorkerConn(os.Stdin, os.Stdout, wire.Options{Logger: observability.Logger.Named("wire")})
	defer func() { _ = conn.Close() }()

	observability.Logger.Info("Worker started", zap.String("session", conn.Session()))
	if err := r.Serve(ctx, conn); err != nil && !errors.Is(err, context.Canceled) {
		return exitError(ExitFailure, "Worker stopped", err)
	}
	observability.Logger.Info("Worker stopped")
	return nil
}

// wireCallerConn speaks the wire protocol to a worker reading w and writing r.
func wireCallerConn(r io.ReadCloser, w io.WriteCloser) *wire.CallerConn {
	return wire.NewCallerConn(r, w, wire.Options{Logger: observability.Logger.Named("wire")})
}
