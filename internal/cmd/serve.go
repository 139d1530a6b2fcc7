package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/ffenv/internal/config"
	"github.com/3leaps/ffenv/internal/metrics"
	"github.com/3leaps/ffenv/internal/observability"
	"github.com/3leaps/ffenv/internal/server"
	"github.com/3leaps/ffenv/internal/server/handlers"
	"github.com/3leaps/ffenv/pkg/dispatch"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway",
	Long: `Run an HTTP gateway in front of one worker.

Endpoints:
  POST /v1/jobs        one job; body is the command JSON, buffers are base64
  GET  /health         all checks (also /health/live, /health/ready, /health/startup)
  GET  /version        build information
  GET  /metrics        Prometheus metrics (when metrics.enabled)

Examples:
  ffenv serve
  ffenv serve --host 0.0.0.0 --port 9000
  curl -d '{"exec":"ls","directory":"permanent"}' localhost:8080/v1/jobs`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Override server.host")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Override server.port")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	host, port := cfg.Server.Host, cfg.Server.Port
	if serveHost != "" {
		host = serveHost
	}
	if servePort != 0 {
		port = servePort
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}
	sess, err := openSession(ctx, cfg, collector)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start worker", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			observability.Logger.Warn("Failed to stop worker", zap.Error(err))
		}
	}()

	registerHealthChecks(sess.client)

	srv := server.New(host, port, serverOptions(cfg, sess.dispatcher, collector)...)
	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return exitError(foundry.ExitExternalServiceUnavailable, "HTTP gateway failed", err)
	}
	return nil
}

func serverOptions(cfg *config.Config, s dispatch.Submitter, collector *metrics.Collector) []server.Option {
	opts := []server.Option{
		server.WithJobs(s, 0),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout,
			cfg.Server.IdleTimeout, cfg.Server.ShutdownTimeout),
	}
	if collector != nil {
		opts = append(opts, server.WithMetrics(collector.Handler()))
	}
	return opts
}

// registerHealthChecks installs the health manager with a worker check that
// bootstraps the workspace on first use.
func registerHealthChecks(c *dispatch.Client) {
	m := handlers.InitHealthManager(versionInfo.Version)
	m.RegisterChecker("worker", workerHealthChecker{client: c})
}

type workerHealthChecker struct {
	client *dispatch.Client
}

func (w workerHealthChecker) CheckHealth(ctx context.Context) error {
	return w.client.Load(ctx, "")
}
