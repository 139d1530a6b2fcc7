package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	ffconfig "github.com/3leaps/ffenv/internal/config"
	"github.com/3leaps/ffenv/internal/observability"
)

var doctorProvider string

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Examples:
  ffenv doctor                 # Full environment check
  ffenv doctor --provider s3   # Also check AWS credentials`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3); defaults to storage.backend")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	log := observability.CLILogger

	log.Info("=== ffenv doctor ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	provider := doctorProvider
	if provider == "" {
		provider = cfg.Storage.Backend
	}

	allChecks := true
	checkNum := 1
	totalChecks := 5
	if provider == ffconfig.BackendS3 {
		totalChecks = 8
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	log.Info(fmt.Sprintf("[%d/%d] Checking Go runtime... ✅ %s %s/%s", checkNum, totalChecks, goVersion, runtime.GOOS, runtime.GOARCH),
		zap.String("go_version", goVersion))
	checkNum++

	// Check 2: Crucible catalog
	version := crucible.GetVersion()
	if version.Crucible != "" {
		log.Info(fmt.Sprintf("[%d/%d] Checking Crucible catalog... ✅ v%s", checkNum, totalChecks, version.Crucible),
			zap.String("crucible_version", version.Crucible))
	} else {
		log.Error(fmt.Sprintf("[%d/%d] Checking Crucible catalog... ❌ Cannot access Crucible", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// Check 3: Tool
	if toolPath, err := exec.LookPath(cfg.Workspace.Tool); err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking tool... ❌ %s not found", checkNum, totalChecks, cfg.Workspace.Tool),
			zap.Error(err))
		log.Info("  Install ffmpeg or set workspace.tool (FFENV_TOOL) to its path")
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking tool... ✅ %s", checkNum, totalChecks, toolPath),
			zap.String("tool", toolPath))
	}
	checkNum++

	// Check 4: Workspace root
	if err := checkWritable(cfg.Workspace.Root); err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking workspace root... ❌ %s", checkNum, totalChecks, cfg.Workspace.Root),
			zap.Error(err))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking workspace root... ✅ %s", checkNum, totalChecks, cfg.Workspace.Root))
	}
	checkNum++

	// Check 5: Durable store
	switch cfg.Storage.Backend {
	case ffconfig.BackendFile:
		if err := checkWritable(cfg.StoreDir()); err != nil {
			log.Error(fmt.Sprintf("[%d/%d] Checking durable store... ❌ %s", checkNum, totalChecks, cfg.StoreDir()),
				zap.Error(err))
			allChecks = false
		} else {
			log.Info(fmt.Sprintf("[%d/%d] Checking durable store... ✅ file %s", checkNum, totalChecks, cfg.StoreDir()))
		}
	case ffconfig.BackendS3:
		log.Info(fmt.Sprintf("[%d/%d] Checking durable store... ✅ s3://%s/%s", checkNum, totalChecks, cfg.Storage.Bucket, cfg.Storage.Prefix))
	default:
		log.Warn(fmt.Sprintf("[%d/%d] Checking durable store... ⚠️  none (permanent tier lives only under the workspace root)", checkNum, totalChecks))
	}
	checkNum++

	if provider == ffconfig.BackendS3 {
		allChecks = runS3Checks(cmd.Context(), cfg.Storage.Profile, checkNum, totalChecks, allChecks)
	}

	log.Info("")
	if allChecks {
		log.Info("✅ All checks passed! Your ffenv installation is healthy.")
	} else {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	log.Info("")
	log.Info("=== End Diagnostics ===")

	if !allChecks {
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed", errors.New("one or more checks failed"))
	}
	return nil
}

// checkWritable creates dir if needed and writes a probe file into it.
func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".ffenv-doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// runS3Checks runs S3-specific diagnostic checks.
func runS3Checks(ctx context.Context, profile string, checkNum, totalChecks int, allChecks bool) bool {
	log := observability.CLILogger
	log.Info("")
	log.Info("S3 Provider Checks:")

	var opts []func(*config.LoadOptions) error
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	maskedKey := maskAccessKey(creds.AccessKeyID)
	log.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskedKey),
		zap.String("source", creds.Source))
	checkNum++

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking credential source... ✅ %s", checkNum, totalChecks, source),
		zap.String("credential_source", source))
	checkNum++

	region, origin := resolveRegion(ctx, cfg.Region, imds.NewFromConfig(cfg))
	if region == "" {
		log.Warn(fmt.Sprintf("[%d/%d] Checking region... ⚠️  not set (us-east-1 will be used for AWS)", checkNum, totalChecks))
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking region... ✅ %s (%s)", checkNum, totalChecks, region, origin),
			zap.String("region", region))
	}

	return allChecks
}

// regionSource is the instance metadata call used to discover a region.
type regionSource interface {
	GetRegion(ctx context.Context, params *imds.GetRegionInput, optFns ...func(*imds.Options)) (*imds.GetRegionOutput, error)
}

// imdsTimeout bounds the metadata lookup off EC2, where it never answers.
const imdsTimeout = time.Second

// resolveRegion reports the configured region, falling back to instance
// metadata when running on EC2.
func resolveRegion(ctx context.Context, configured string, md regionSource) (region, origin string) {
	if configured != "" {
		return configured, "environment or profile"
	}
	ctx, cancel := context.WithTimeout(ctx, imdsTimeout)
	defer cancel()
	out, err := md.GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil || out.Region == "" {
		return "", ""
	}
	return out.Region, "instance metadata"
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("")
	log.Info("To configure AWS credentials:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	log.Info("  2. Run 'aws configure' to set up a profile (storage.profile selects it), or")
	log.Info("  3. Use IAM role when running on AWS infrastructure")
	log.Info("")
	log.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	log.Info("  - storage.endpoint (FFENV_ENDPOINT) and storage.force_path_style")
	log.Info("")
}
