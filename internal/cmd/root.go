// Package cmd implements the ffenv command line.
package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/ffenv/internal/config"
	"github.com/3leaps/ffenv/internal/observability"
	"github.com/3leaps/ffenv/internal/server/handlers"
)

// serviceName names the loggers.
const serviceName = "ffenv"

var (
	cfgFile   string
	logLevel  string
	verbose   bool
	inProcess bool

	appConfig *config.Config
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var rootCmd = &cobra.Command{
	Use:   "ffenv",
	Short: "Persistent ffmpeg workspace behind a job protocol",
	Long: `ffenv runs ffmpeg inside an isolated execution context with two storage
tiers: /ephemeral (emptied on every start) and /permanent (synced to a
durable store).

Every command below is one job sent through the dispatcher to a worker. By
default the worker runs inside this process; --in-process=false spawns
'ffenv worker' and talks to it over JSON lines on stdio.

Examples:
  ffenv push clip.mp4 /permanent/clip.mp4
  ffenv ls permanent --pattern '*.mp4'
  ffenv file /permanent/clip.mp4
  ffenv exec -- -i /permanent/clip.mp4 -t 5 /ephemeral/head.mp4
  ffenv serve --port 8080`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initApp,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: ./ffenv.yaml or <user config dir>/ffenv/ffenv.yaml)")
	pf.StringVar(&logLevel, "log-level", "", "Log level (trace|debug|info|warn|error)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	pf.BoolVar(&inProcess, "in-process", true, "Run the worker inside this process (false spawns 'ffenv worker')")
}

// Execute runs the root command.
func Execute() error {
	defer observability.Sync()
	return rootCmd.Execute()
}

// SetVersionInfo records build information for the version command and the
// /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

func initApp(cmd *cobra.Command, args []string) error {
	config.SetConfigFile(cfgFile)

	var overrides []map[string]any
	if logLevel != "" {
		overrides = append(overrides, map[string]any{"logging": map[string]any{"level": logLevel}})
	}
	cfg, err := config.Load(cmd.Context(), overrides...)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	appConfig = cfg

	if err := observability.SetLevel(cfg.Logging.Level); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid log level", err)
	}
	observability.InitCLILogger(serviceName, verbose)
	if err := observability.InitLogger(serviceName, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging profile", err)
	}

	observability.CLILogger.Debug("Configuration loaded",
		zap.String("root", cfg.Workspace.Root),
		zap.String("tool", cfg.Workspace.Tool),
		zap.String("backend", cfg.Storage.Backend))
	return nil
}

// currentConfig returns the loaded configuration.
func currentConfig() (*config.Config, error) {
	if appConfig == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return appConfig, nil
}
