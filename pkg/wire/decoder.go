package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxLineBytes bounds a single JSON line.
const DefaultMaxLineBytes = 1 << 20

// DefaultMaxBlobBytes bounds a single raw payload.
const DefaultMaxBlobBytes int64 = 1 << 30

// ErrBlobTooLarge is returned when a record declares a payload above the
// decoder's limit.
var ErrBlobTooLarge = errors.New("wire: payload exceeds max bytes")

// Decoder reads frames written by Writer.
//
// Decoder is not safe for concurrent use.
type Decoder struct {
	r            *bufio.Reader
	maxLineBytes int
	maxBlobBytes int64
}

// NewDecoder creates a decoder with default limits.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:            bufio.NewReader(r),
		maxLineBytes: DefaultMaxLineBytes,
		maxBlobBytes: DefaultMaxBlobBytes,
	}
}

func (d *Decoder) SetMaxLineBytes(n int) {
	if n <= 0 {
		d.maxLineBytes = DefaultMaxLineBytes
		return
	}
	d.maxLineBytes = n
}

func (d *Decoder) SetMaxBlobBytes(n int64) {
	if n <= 0 {
		d.maxBlobBytes = DefaultMaxBlobBytes
		return
	}
	d.maxBlobBytes = n
}

// Next returns the next frame. Blank lines are skipped. io.EOF is returned
// at a clean end of stream; a payload cut short yields io.ErrUnexpectedEOF.
func (d *Decoder) Next() (Frame, error) {
	var line []byte
	for {
		l, err := readLineLimited(d.r, d.maxLineBytes)
		if err != nil {
			return Frame{}, err
		}
		if len(bytes.TrimSpace(l)) > 0 {
			line = l
			break
		}
	}

	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Frame{}, fmt.Errorf("wire: decode record: %w", err)
	}
	if rec.NBytes < 0 {
		return Frame{}, errors.New("wire: nbytes must be >= 0")
	}
	if rec.NBytes == 0 {
		return Frame{Record: rec}, nil
	}
	if rec.NBytes > d.maxBlobBytes {
		return Frame{}, ErrBlobTooLarge
	}

	blob := make([]byte, rec.NBytes)
	if _, err := io.ReadFull(d.r, blob); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	return Frame{Record: rec, Blob: blob}, nil
}

func readLineLimited(r *bufio.Reader, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxLineBytes
	}

	var out []byte
	for {
		frag, err := r.ReadSlice('\n')
		out = append(out, frag...)
		if len(out) > maxBytes {
			return nil, errors.New("wire: jsonl line exceeds max bytes")
		}
		if err == nil {
			return bytes.TrimSuffix(out, []byte("\n")), nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(out) == 0 {
				return nil, io.EOF
			}
			return out, nil
		}
		return nil, err
	}
}
