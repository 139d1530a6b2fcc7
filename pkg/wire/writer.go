package wire

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer emits records, each optionally followed by a raw payload.
//
// Writer is safe for concurrent use. A record line and its payload are written
// under one lock so frames never interleave.
type Writer struct {
	w       io.Writer
	session string
	mu      sync.Mutex

	// closed indicates the writer has been closed.
	closed bool
}

// NewWriter creates a new record writer.
//
// Parameters:
//   - w: The underlying writer (stdout, pipe, etc.)
//   - session: Correlation ID stamped on every record
func NewWriter(w io.Writer, session string) *Writer {
	return &Writer{w: w, session: session}
}

// Write marshals data into a record of recordType and writes it, followed by
// blob when blob is non-empty.
func (ww *Writer) Write(ctx context.Context, recordType string, data any, blob []byte) error {
	// Check context cancellation before acquiring lock
	if err := ctx.Err(); err != nil {
		return err
	}

	// Marshal the data payload first (outside the lock for better concurrency)
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	rec := Record{
		Type:    recordType,
		TS:      time.Now().UTC(),
		Session: ww.session,
		Data:    dataBytes,
		NBytes:  int64(len(blob)),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}
	line = append(line, '\n')

	ww.mu.Lock()
	defer ww.mu.Unlock()

	if ww.closed {
		return ErrWriterClosed
	}

	// We must handle short writes: io.Writer is allowed to return n < len(p)
	// with nil error, which would silently truncate lines and corrupt framing.
	if err := writeAll(ww.w, line); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	if len(blob) > 0 {
		if err := writeAll(ww.w, blob); err != nil {
			return &WriteError{Op: "write_blob", Err: err}
		}
	}
	return nil
}

// Close marks the writer as closed.
//
// If the underlying writer implements io.Closer, it is NOT closed.
// The caller is responsible for closing the underlying writer.
func (ww *Writer) Close() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()

	ww.closed = true
	return nil
}

// writeAll writes all bytes to w, handling short writes.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			// No progress made - avoid infinite loop
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}
