// Package s3 stores the permanent tier in an AWS S3 or S3-compatible bucket.
package s3

import "errors"

// Config selects the bucket and how to reach it.
//
// Credentials come from the SDK default chain (environment, shared files,
// Profile, instance roles) unless AccessKeyID and SecretAccessKey are set.
// For S3-compatible stores such as MinIO set Endpoint and usually
// ForcePathStyle.
type Config struct {
	Bucket string

	// Region falls back to DefaultRegion for AWS when neither the config
	// nor the environment names one. With a custom Endpoint no fallback
	// applies.
	Region string

	Endpoint       string
	Profile        string
	ForcePathStyle bool

	AccessKeyID     string
	SecretAccessKey string

	// PageSize bounds List pages. Zero means DefaultPageSize; larger values
	// are clamped to MaxPageSize.
	PageSize int
}

const (
	DefaultPageSize = 1000
	MaxPageSize     = 1000
	DefaultRegion   = "us-east-1"
)

var (
	errNoBucket    = errors.New("s3: bucket is required")
	errPartialKeys = errors.New("s3: access key id and secret access key must be set together")
)

// Validate reports a missing bucket or half-specified static credentials.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return errNoBucket
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return errPartialKeys
	}
	return nil
}

// region picks the effective region once the SDK has resolved its own.
func (c Config) region(resolved string) string {
	if resolved != "" || c.Endpoint != "" {
		return resolved
	}
	return DefaultRegion
}

// pageSize clamps a requested page size.
func (c Config) pageSize(requested int) int {
	if requested <= 0 {
		requested = c.PageSize
	}
	if requested <= 0 {
		requested = DefaultPageSize
	}
	return min(requested, MaxPageSize)
}
