// Package artifact exports pipeline outputs (CSV tables and residual
// matrices) to a blob store: local filesystem, S3-compatible, or memory.
package artifact

import (
	"context"
	"errors"
	"io"
	"time"
)

// Driver identifies a blob store backend
type Driver string

const (
	DriverFilesystem Driver = "fs"
	DriverS3         Driver = "s3"
	DriverMemory     Driver = "memory"
)

// ErrNotFound is returned for keys that do not exist
var ErrNotFound = errors.New("artifact not found")

// Info describes a stored artifact
type Info struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size_bytes"`
	ContentType  string    `json:"content_type,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// Store is the subset of an object store the pipeline needs. Put replaces
// an existing key.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Info, error)
	Driver() Driver
}
