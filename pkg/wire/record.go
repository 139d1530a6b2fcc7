// Package wire carries job messages over a byte stream as JSONL records.
//
// Each message is one JSON record terminated by '\n'. Binary payloads (pushed
// or pulled file content) are not embedded in the JSON: a record with
// nbytes > 0 is followed immediately by exactly that many raw bytes.
//
// This is the framing used between the CLI and a `ffenv worker` subprocess
// over stdin/stdout.
package wire

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants follow the pattern: ffenv.<type>.v<version>
const (
	// TypeRequest identifies a job request record.
	TypeRequest = "ffenv.request.v1"

	// TypeResponse identifies a job response record.
	TypeResponse = "ffenv.response.v1"
)

// Record is the envelope for every line on the wire.
type Record struct {
	// Type identifies the record type (e.g., "ffenv.request.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was written.
	TS time.Time `json:"ts"`

	// Session correlates all records of one caller/worker pairing.
	Session string `json:"session"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`

	// NBytes is the length of the raw payload following this line.
	NBytes int64 `json:"nbytes,omitempty"`
}

// Frame is a decoded record plus its raw payload, if any.
type Frame struct {
	Record Record
	Blob   []byte
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "wire: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
