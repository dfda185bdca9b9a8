// Package archive stores full command output that is too large for a result
// row. Result rows keep a truncated copy plus the reference returned by Put.
package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendNone = "none"
	BackendFile = "file"
	BackendS3   = "s3"
)

// Sentinel errors for archive operations.
var (
	ErrNotFound           = errors.New("archived output not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnavailable        = errors.New("archive unavailable")
	ErrThrottled          = errors.New("request throttled")
	ErrInvalidKey         = errors.New("invalid archive key")
	ErrUnknownRef         = errors.New("reference does not belong to this archive")
)

// Archive stores and retrieves output blobs.
type Archive interface {
	// Put stores data under key and returns a reference for later Get calls.
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Close() error
}

// Error wraps backend errors with context.
type Error struct {
	Op      string
	Backend string
	Bucket  string
	Key     string
	Err     error
}

func (e *Error) Error() string {
	if e.Bucket != "" {
		return fmt.Sprintf("%s %s: %s/%s: %v", e.Backend, e.Op, e.Bucket, e.Key, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Backend, e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Config selects and configures a backend.
type Config struct {
	Backend string `mapstructure:"backend"`
	// Dir is the root directory of the file backend.
	Dir string `mapstructure:"dir"`
	// Prefix is prepended to every key.
	Prefix string   `mapstructure:"prefix"`
	S3     S3Config `mapstructure:",squash"`
}

// Open builds the configured backend. It returns nil when archiving is
// disabled.
func Open(ctx context.Context, cfg Config) (Archive, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendNone:
		return nil, nil
	case BackendFile:
		a, err := NewFile(cfg.Dir, cfg.Prefix)
		if err != nil {
			return nil, err
		}
		return a, nil
	case BackendS3:
		a, err := NewS3(ctx, cfg.S3, cfg.Prefix)
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unsupported archive backend: %q", cfg.Backend)
	}
}

// cleanKey joins prefix and key and rejects keys that could escape the
// archive root.
func cleanKey(prefix, key string) (string, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return "", ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return key, nil
	}
	return prefix + "/" + key, nil
}
