package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/ffenv/pkg/vpath"
)

var (
	metaTier   string
	metaExt    string
	metaMime   string
	metaSet    []string
	metaJSON   string
	metaOutput string
)

var metaCmd = &cobra.Command{
	Use:   "meta",
	Short: "Encode and decode metadata carried in file names",
	Long: `Workspace file names can carry a JSON record:

  <modifiedMillis>_v1.<base64url(JSON)>[.<ext>]

These commands run locally; they do not start a worker.`,
}

var metaEncodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Print a path whose name encodes a record",
	Long: `Print a path whose name encodes a record. created and modified are
stamped automatically.

Examples:
  ffenv meta encode --tier permanent --set title=intro --ext mp4
  ffenv meta encode --json '{"take":3}' --mime 'video/webm;codecs="vp9"'`,
	Args: cobra.NoArgs,
	RunE: runMetaEncode,
}

var metaDecodeCmd = &cobra.Command{
	Use:   "decode <path>",
	Short: "Print the record encoded in a path",
	Args:  cobra.ExactArgs(1),
	RunE:  runMetaDecode,
}

var metaMimeCmd = &cobra.Command{
	Use:   "mime <type>",
	Short: "Split a media type into major, minor and codecs",
	Args:  cobra.ExactArgs(1),
	RunE:  runMetaMime,
}

func init() {
	rootCmd.AddCommand(metaCmd)
	metaCmd.AddCommand(metaEncodeCmd, metaDecodeCmd, metaMimeCmd)

	metaEncodeCmd.Flags().StringVar(&metaTier, "tier", string(vpath.Permanent), "Tier of the path (ephemeral|permanent)")
	metaEncodeCmd.Flags().StringVar(&metaExt, "ext", "", "Extension to append")
	metaEncodeCmd.Flags().StringVar(&metaMime, "mime", "", "Media type whose minor type becomes the extension")
	metaEncodeCmd.Flags().StringArrayVar(&metaSet, "set", nil, "key=value pair (repeatable)")
	metaEncodeCmd.Flags().StringVar(&metaJSON, "json", "", "Record as a JSON object")

	for _, c := range []*cobra.Command{metaDecodeCmd, metaMimeCmd} {
		c.Flags().StringVarP(&metaOutput, "output", "o", "yaml", "Output format (yaml|json)")
	}
}

func runMetaEncode(cmd *cobra.Command, args []string) error {
	tier, ok := vpath.ParseTier(metaTier)
	if !ok {
		return exitError(foundry.ExitInvalidArgument, "Invalid --tier", fmt.Errorf("unknown tier %q", metaTier))
	}

	meta := vpath.Meta{}
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --json", err)
		}
	}
	for _, kv := range metaSet {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return exitError(foundry.ExitInvalidArgument, "Invalid --set", fmt.Errorf("expected key=value, got %q", kv))
		}
		meta[k] = v
	}

	path, err := vpath.NameWithEncodedMeta(tier, meta, vpath.Hint{Ext: metaExt, Mime: metaMime})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot encode", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
	return err
}

func runMetaDecode(cmd *cobra.Command, args []string) error {
	meta, err := vpath.DecodeMeta(args[0])
	if err != nil {
		return jobError("decode failed", err)
	}
	return writeStructured(cmd.OutOrStdout(), metaOutput, map[string]any(meta))
}

func runMetaMime(cmd *cobra.Command, args []string) error {
	mt, ok := vpath.MimeOf(args[0])
	if !ok {
		return exitError(foundry.ExitInvalidArgument, "Invalid media type", fmt.Errorf("%q is not major/minor", args[0]))
	}
	return writeStructured(cmd.OutOrStdout(), metaOutput, struct {
		Major  string   `json:"major" yaml:"major"`
		Minor  string   `json:"minor" yaml:"minor"`
		Codecs []string `json:"codecs,omitempty" yaml:"codecs,omitempty"`
	}{mt.Major, mt.Minor, mt.Codecs})
}
