// Package provider defines the durable object store behind the permanent tier.
//
// A store is a flat key namespace holding whole objects. Backends list keys
// page by page and move object bodies as streams; they authenticate through
// SDK default credential chains.
package provider

import (
	"context"
	"io"
	"time"
)

// Store is a durable key/value namespace for permanent-tier files.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// List returns one page of objects under opts.Prefix, ordered by key.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// GetObject opens an object for reading. The caller closes body.
	// Returns ErrNotFound if the key does not exist.
	GetObject(ctx context.Context, key string) (body io.ReadCloser, size int64, err error)

	// PutObject stores body under key, replacing any previous object.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// DeleteObject removes key. Deleting a missing key is not an error.
	DeleteObject(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

// ListOptions selects a page of a List.
type ListOptions struct {
	// Prefix restricts results to keys starting with it.
	Prefix string

	// ContinuationToken resumes after a previous truncated page.
	ContinuationToken string

	// PageSize bounds the page. Zero uses the backend default.
	PageSize int
}

// ListResult is one page of a List.
type ListResult struct {
	Objects []Object

	// ContinuationToken fetches the next page while IsTruncated is set.
	ContinuationToken string
	IsTruncated       bool
}

// Object describes a stored object.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ListAll drains every page under prefix.
func ListAll(ctx context.Context, s Store, prefix string) ([]Object, error) {
	var (
		out   []Object
		token string
	)
	for {
		res, err := s.List(ctx, ListOptions{Prefix: prefix, ContinuationToken: token})
		if err != nil {
			return nil, err
		}
		out = append(out, res.Objects...)
		if !res.IsTruncated || res.ContinuationToken == "" {
			return out, nil
		}
		token = res.ContinuationToken
	}
}

// Backend names a Store implementation.
type Backend string

const (
	// BackendS3 is AWS S3 or an S3-compatible service.
	BackendS3 Backend = "s3"

	// BackendFile is a directory on the local filesystem.
	BackendFile Backend = "file"
)

func (b Backend) String() string {
	return string(b)
}
