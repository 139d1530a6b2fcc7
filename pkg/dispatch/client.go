package dispatch

import (
	"context"

	"github.com/3leaps/ffenv/pkg/failure"
	"github.com/3leaps/ffenv/pkg/message"
	"github.com/3leaps/ffenv/pkg/probe"
)

// Submitter submits one command and returns its result.
type Submitter interface {
	Submit(ctx context.Context, cmd message.Command) (message.Result, error)
}

// Client offers one typed method per worker operation.
//
// Operation failures are returned as *failure.Error; transport errors are
// returned as-is.
type Client struct {
	s Submitter
}

// NewClient wraps s.
func NewClient(s Submitter) *Client {
	return &Client{s: s}
}

// ToolOutput is the captured outcome of a tool invocation.
type ToolOutput struct {
	Out    []string `json:"out" yaml:"out"`
	Stderr []string `json:"stderr" yaml:"stderr"`

	// Thrown describes how the tool failed, empty on success.
	Thrown string `json:"thrown,omitempty" yaml:"thrown,omitempty"`
}

func (c *Client) do(ctx context.Context, cmd message.Command) (message.Result, error) {
	res, err := c.s.Submit(ctx, cmd)
	if err != nil {
		return message.Result{}, err
	}
	if res.Err != nil {
		return res, res.Err
	}
	return res, nil
}

// Load bootstraps the worker's execution context. toolPath is optional.
func (c *Client) Load(ctx context.Context, toolPath string) error {
	_, err := c.do(ctx, message.Command{Op: message.OpLoad, ToolPath: toolPath})
	return err
}

// Configure changes the worker's log level.
func (c *Client) Configure(ctx context.Context, logLevel string) error {
	_, err := c.do(ctx, message.Command{Op: message.OpConfigure, LogLevel: logLevel})
	return err
}

// FPush appends buf to the file at path, creating it if needed.
func (c *Client) FPush(ctx context.Context, path string, buf []byte) error {
	_, err := c.do(ctx, message.Command{Op: message.OpFPush, FilePath: path, Buffer: buf})
	return err
}

// FPull returns the whole file at path.
func (c *Client) FPull(ctx context.Context, path string) ([]byte, error) {
	res, err := c.do(ctx, message.Command{Op: message.OpFPull, FilePath: path})
	if err != nil {
		return nil, err
	}
	return res.FPull, nil
}

// FPullRange returns up to length bytes of the file at path starting at
// offset. A negative length reads to the end of the file.
func (c *Client) FPullRange(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	cmd := message.Command{Op: message.OpFPull, FilePath: path, Offset: &offset}
	if length >= 0 {
		cmd.Length = &length
	}
	res, err := c.do(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return res.FPull, nil
}

// File probes the media file at path.
func (c *Client) File(ctx context.Context, path string) (*probe.Descriptor, error) {
	res, err := c.do(ctx, message.Command{Op: message.OpFile, FilePath: path})
	if err != nil {
		return nil, err
	}
	if res.File == nil {
		return nil, failure.New(failure.KindInternal, message.OpFile.String(), "response carries no descriptor").WithPath(path)
	}
	return res.File, nil
}

// Rm removes the file at path.
func (c *Client) Rm(ctx context.Context, path string) error {
	_, err := c.do(ctx, message.Command{Op: message.OpRm, FilePath: path})
	return err
}

// Ls lists files. An empty directory lists every tier; an empty pattern
// matches every name.
func (c *Client) Ls(ctx context.Context, directory, pattern string) ([]message.Entry, error) {
	res, err := c.do(ctx, message.Command{Op: message.OpLs, Directory: directory, Pattern: pattern})
	if err != nil {
		return nil, err
	}
	if res.Ls == nil {
		return []message.Entry{}, nil
	}
	return res.Ls, nil
}

// Mv moves the file at from to to.
func (c *Client) Mv(ctx context.Context, from, to string) error {
	_, err := c.do(ctx, message.Command{Op: message.OpMv, FromPath: from, ToPath: to})
	return err
}

// FFmpeg runs the tool with args. A failing tool is reported in
// ToolOutput.Thrown, not as an error.
func (c *Client) FFmpeg(ctx context.Context, args ...string) (ToolOutput, error) {
	res, err := c.do(ctx, message.Command{Op: message.OpFFmpeg, Args: args})
	if err != nil {
		return ToolOutput{}, err
	}
	return ToolOutput{Out: res.Out, Stderr: res.Stderr, Thrown: res.Thrown}, nil
}
