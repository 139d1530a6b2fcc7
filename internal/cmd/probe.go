package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/ffenv/pkg/dispatch"
)

var fileOutput string

var fileCmd = &cobra.Command{
	Use:   "file <path>",
	Short: "Describe a media file",
	Long: `Run the tool on a workspace file and print its container format,
duration and tracks.

Examples:
  ffenv file /permanent/clip.mp4
  ffenv file /permanent/clip.mp4 --output json`,
	Args: cobra.ExactArgs(1),
	RunE: runFile,
}

var execCmd = &cobra.Command{
	Use:   "exec -- <args>...",
	Short: "Run the tool on workspace paths",
	Long: `Run ffmpeg with the given arguments. Workspace paths such as
/permanent/in.mp4 are rewritten to host paths; -hide_banner and -loglevel
are added. The permanent tier is synced before and after the run.

Tool stdout goes to stdout and tool stderr to stderr. A failing tool exits 1.

Examples:
  ffenv exec -- -i /permanent/in.mp4 -t 5 /ephemeral/head.mp4
  ffenv exec -- -version`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

func init() {
	rootCmd.AddCommand(fileCmd, execCmd)
	fileCmd.Flags().StringVarP(&fileOutput, "output", "o", "yaml", "Output format (yaml|json)")
}

func runFile(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c *dispatch.Client) error {
		d, err := c.File(ctx, args[0])
		if err != nil {
			return jobError("file failed", err)
		}
		return writeStructured(cmd.OutOrStdout(), fileOutput, d)
	})
}

func runExec(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c *dispatch.Client) error {
		out, err := c.FFmpeg(ctx, args...)
		if err != nil {
			return jobError("exec failed", err)
		}
		for _, line := range out.Out {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		for _, line := range out.Stderr {
			_, _ = fmt.Fprintln(cmd.ErrOrStderr(), line)
		}
		if out.Thrown != "" {
			return exitError(ExitFailure, "ffmpeg failed", errors.New(out.Thrown))
		}
		return nil
	})
}

// writeStructured prints v as yaml or json.
func writeStructured(w io.Writer, format string, v any) error {
	switch strings.ToLower(format) {
	case "", "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --output", fmt.Errorf("unsupported format %q", format))
	}
}
