package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/ffenv/internal/observability"
	"github.com/3leaps/ffenv/pkg/dispatch"
	"github.com/3leaps/ffenv/pkg/failure"
)

var (
	lsPattern string
	lsJSON    bool

	pushReplace bool

	pullOffset int64
	pullLength int64
)

var lsCmd = &cobra.Command{
	Use:   "ls [directory]",
	Short: "List files in the workspace",
	Long: `List files in one tier, or in both when no directory is given.

Examples:
  ffenv ls
  ffenv ls permanent
  ffenv ls /ephemeral --pattern '*.wav'
  ffenv ls --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLs,
}

var pushCmd = &cobra.Command{
	Use:   "push <local-file|-> <path>",
	Short: "Copy a local file into the workspace",
	Long: `Copy a local file (or stdin with "-") into the workspace.

Pushing to an existing path appends to it unless --replace is set.

Examples:
  ffenv push clip.mp4 /permanent/clip.mp4
  cat part2.bin | ffenv push - /ephemeral/joined.bin`,
	Args: cobra.ExactArgs(2),
	RunE: runPush,
}

var pullCmd = &cobra.Command{
	Use:   "pull <path> [local-file]",
	Short: "Copy a workspace file out",
	Long: `Copy a workspace file to a local file, or to stdout.

Examples:
  ffenv pull /permanent/clip.mp4 clip.mp4
  ffenv pull /permanent/clip.mp4 --offset 0 --length 1024 | xxd`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runPull,
}

var rmCmd = &cobra.Command{
	Use:   "rm <path>...",
	Short: "Remove workspace files",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRm,
}

var mvCmd = &cobra.Command{
	Use:   "mv <from> <to>",
	Short: "Move a workspace file, also across tiers",
	Args:  cobra.ExactArgs(2),
	RunE:  runMv,
}

func init() {
	rootCmd.AddCommand(lsCmd, pushCmd, pullCmd, rmCmd, mvCmd)

	lsCmd.Flags().StringVar(&lsPattern, "pattern", "", "Glob on file names (doublestar syntax)")
	lsCmd.Flags().BoolVar(&lsJSON, "json", false, "Print entries as JSON")

	pushCmd.Flags().BoolVar(&pushReplace, "replace", false, "Remove an existing file first instead of appending")

	pullCmd.Flags().Int64Var(&pullOffset, "offset", 0, "First byte to read")
	pullCmd.Flags().Int64Var(&pullLength, "length", -1, "Bytes to read (-1 reads to the end)")
}

// withClient runs fn against a fresh session.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *dispatch.Client) error) error {
	cfg, err := currentConfig()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	ctx := cmd.Context()
	sess, err := openSession(ctx, cfg, nil)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start worker", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			observability.CLILogger.Warn("Failed to stop worker", zap.Error(err))
		}
	}()
	return fn(ctx, sess.client)
}

func runLs(cmd *cobra.Command, args []string) error {
	directory := ""
	if len(args) == 1 {
		directory = args[0]
	}
	return withClient(cmd, func(ctx context.Context, c *dispatch.Client) error {
		entries, err := c.Ls(ctx, directory, lsPattern)
		if err != nil {
			return jobError("ls failed", err)
		}

		out := cmd.OutOrStdout()
		if lsJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
		for _, e := range entries {
			_, _ = fmt.Fprintf(w, "%d\t %s\t\n", e.Size, e.Path)
		}
		return w.Flush()
	})
}

func runPush(cmd *cobra.Command, args []string) error {
	src, dst := args[0], args[1]

	var data []byte
	var err error
	if src == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(src)
	}
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read input", err)
	}

	return withClient(cmd, func(ctx context.Context, c *dispatch.Client) error {
		if pushReplace {
			if err := c.Rm(ctx, dst); err != nil && !failure.IsStorage(err) {
				return jobError("push failed", err)
			}
		}
		if err := c.FPush(ctx, dst, data); err != nil {
			return jobError("push failed", err)
		}
		observability.CLILogger.Debug("Pushed", zap.String("path", dst), zap.Int("bytes", len(data)))
		return nil
	})
}

func runPull(cmd *cobra.Command, args []string) error {
	src := args[0]
	return withClient(cmd, func(ctx context.Context, c *dispatch.Client) error {
		data, err := c.FPullRange(ctx, src, pullOffset, pullLength)
		if err != nil {
			return jobError("pull failed", err)
		}
		if len(args) == 1 {
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}
		if err := os.WriteFile(args[1], data, 0o644); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
		return nil
	})
}

func runRm(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c *dispatch.Client) error {
		for _, path := range args {
			if err := c.Rm(ctx, path); err != nil {
				return jobError("rm failed", err)
			}
		}
		return nil
	})
}

func runMv(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c *dispatch.Client) error {
		if err := c.Mv(ctx, args[0], args[1]); err != nil {
			return jobError("mv failed", err)
		}
		return nil
	})
}
