package execenv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

var commandContext = exec.CommandContext

// Runtime runs the native media tool.
type Runtime interface {
	// Bootstrap prepares the runtime for use. It may be called again after a
	// failure.
	Bootstrap(ctx context.Context) error

	// Run invokes the tool with argv in dir and returns its output split into
	// lines. A non-nil error with captured output means the tool ran and failed.
	Run(ctx context.Context, argv []string, dir string) (stdout, stderr []string, err error)
}

// ExecRuntime runs the tool as a host process.
type ExecRuntime struct {
	// Tool is the binary name or path. Defaults to "ffmpeg".
	Tool string

	mu   sync.Mutex
	path string
}

// NewExecRuntime returns a runtime for tool.
func NewExecRuntime(tool string) *ExecRuntime {
	if strings.TrimSpace(tool) == "" {
		tool = DefaultTool
	}
	return &ExecRuntime{Tool: tool}
}

// Bootstrap resolves the tool binary on PATH.
func (r *ExecRuntime) Bootstrap(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	path, err := exec.LookPath(r.Tool)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", r.Tool, err)
	}
	r.path = path
	return nil
}

// SetTool replaces the tool binary. It takes effect on the next Bootstrap.
func (r *ExecRuntime) SetTool(tool string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Tool = tool
}

// Path returns the resolved binary, empty before Bootstrap.
func (r *ExecRuntime) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

func (r *ExecRuntime) Run(ctx context.Context, argv []string, dir string) ([]string, []string, error) {
	path := r.Path()
	if path == "" {
		return nil, nil, errors.New("runtime not bootstrapped")
	}
	var stdout, stderr bytes.Buffer
	cmd := commandContext(ctx, path, argv...) //nolint:gosec
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return splitLines(stdout.String()), splitLines(stderr.String()), err
}

// splitLines splits tool output on newlines, dropping carriage returns and a
// trailing empty line.
func splitLines(s string) []string {
	if s == "" {
		return []string{}
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n")
}
