// Package observability owns the process loggers.
//
// CLILogger writes human-readable lines to stderr for interactive commands.
// Logger writes structured JSON for the worker and the HTTP gateway. Both
// share Level, so a runtime level change affects every logger at once.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileStructured = "structured"
	ProfileConsole    = "console"
)

var (
	// Level is shared by every logger created here.
	Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

	// CLILogger is the logger for interactive command output.
	CLILogger = zap.NewNop()

	// Logger is the structured logger for long-running processes.
	Logger = zap.NewNop()
)

// InitCLILogger builds CLILogger. verbose lowers the shared level to debug.
func InitCLILogger(service string, verbose bool) {
	if verbose {
		Level.SetLevel(zapcore.DebugLevel)
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.TimeKey = ""
	encCfg.CallerKey = ""
	encCfg.NameKey = ""
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if !isTerminal(os.Stderr) {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), Level)
	CLILogger = zap.New(core).Named(service)
}

// InitLogger builds Logger with the given profile, writing to stderr so that
// stdout stays free for protocol traffic.
func InitLogger(service, profile string) error {
	var enc zapcore.Encoder
	switch strings.ToLower(profile) {
	case "", ProfileStructured:
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	case ProfileConsole:
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	default:
		return fmt.Errorf("unknown logging profile %q", profile)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), Level)
	Logger = zap.New(core, zap.AddCaller()).With(zap.String("service", service))
	return nil
}

// SetLevel parses and applies level. "trace" is accepted as debug.
func SetLevel(level string) error {
	if strings.EqualFold(level, "trace") {
		Level.SetLevel(zapcore.DebugLevel)
		return nil
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return err
	}
	Level.SetLevel(lvl)
	return nil
}

// Sync flushes both loggers.
func Sync() {
	_ = CLILogger.Sync()
	_ = Logger.Sync()
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
