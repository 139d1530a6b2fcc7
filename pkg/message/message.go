// Package message defines the job protocol spoken between the caller-side
// dispatcher and the worker-side router.
//
// A Request carries a job id and a Command; a Response carries the same job id
// and a Result. The id is the only correlation key: responses may arrive in any
// order and carry no operation name.
package message

import (
	"github.com/3leaps/ffenv/pkg/failure"
	"github.com/3leaps/ffenv/pkg/probe"
)

// Op names a worker operation.
type Op string

const (
	OpLoad      Op = "load"
	OpConfigure Op = "configure"
	OpFPush     Op = "fpush"
	OpFPull     Op = "fpull"
	OpFile      Op = "file"
	OpRm        Op = "rm"
	OpLs        Op = "ls"
	OpMv        Op = "mv"
	OpFFmpeg    Op = "ffmpeg"
)

// Ops lists every operation the worker understands.
var Ops = []Op{OpLoad, OpConfigure, OpFPush, OpFPull, OpFile, OpRm, OpLs, OpMv, OpFFmpeg}

// String returns the string representation of the op.
func (o Op) String() string {
	return string(o)
}

// Known reports whether o is one of Ops.
func (o Op) Known() bool {
	for _, op := range Ops {
		if op == o {
			return true
		}
	}
	return false
}

// Command is a request payload without its correlation id.
//
// Only the fields relevant to Op are set. Buffer is carried out of band by the
// wire transport and never appears in the JSON body.
type Command struct {
	Op Op `json:"exec"`

	// load
	ToolPath string `json:"toolPath,omitempty"`

	// configure
	LogLevel string `json:"logLevel,omitempty"`

	// fpush, fpull, file, rm
	FilePath string `json:"filePath,omitempty"`
	Buffer   []byte `json:"-"`

	// fpull
	Offset *int64 `json:"offset,omitempty"`
	Length *int64 `json:"length,omitempty"`

	// ls
	Directory string `json:"directory,omitempty"`
	Pattern   string `json:"pattern,omitempty"`

	// mv
	FromPath string `json:"fromPath,omitempty"`
	ToPath   string `json:"toPath,omitempty"`

	// ffmpeg
	Args []string `json:"args,omitempty"`
}

// Request is a Command tagged with its job id.
type Request struct {
	Job int64 `json:"job"`
	Command
}

// Entry is one file in an ls listing.
type Entry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Result is a response payload without its correlation id.
//
// Err is set when the operation failed; the remaining fields are then unset.
type Result struct {
	Err *failure.Error `json:"err,omitempty"`

	// fpull; carried out of band by the wire transport.
	FPull []byte `json:"-"`

	// file
	File *probe.Descriptor `json:"file,omitempty"`

	// ls
	Ls []Entry `json:"ls,omitempty"`

	// ffmpeg
	Out    []string `json:"out,omitempty"`
	Stderr []string `json:"stderr,omitempty"`
	Thrown string   `json:"thrown,omitempty"`
}

// Failed reports whether the result carries a failure.
func (r Result) Failed() bool {
	return r.Err != nil
}

// Response is a Result tagged with the job id of its request.
type Response struct {
	Job int64 `json:"job"`
	Result
}
