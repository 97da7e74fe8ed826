package repository

import (
	"context"
	"time"
)

// Bucket names one of the two buckets the object store serves.
type Bucket string

const (
	BucketSource Bucket = "source"
	BucketOutput Bucket = "output"
)

// ObjectStoreStage names which operation an ObjectStoreError occurred during.
type ObjectStoreStage string

const (
	StageAuth     ObjectStoreStage = "auth"
	StageDownload ObjectStoreStage = "download"
	StageUpload   ObjectStoreStage = "upload"
	StageList     ObjectStoreStage = "list"
	StageDelete   ObjectStoreStage = "delete"
)

// ObjectStoreError carries the stage a failure occurred at and whether the
// Queue should retry the owning job because of it.
type ObjectStoreError struct {
	Stage     ObjectStoreStage
	Retriable bool
	Err       error
}

func (e *ObjectStoreError) Error() string {
	return string(e.Stage) + ": " + e.Err.Error()
}

func (e *ObjectStoreError) Unwrap() error {
	return e.Err
}

// UploadResult is returned by Upload.
type UploadResult struct {
	Size       int64
	ETag       string
	UploadedAt time.Time
}

// ObjectInfo is the result of Head, or nil if the object does not exist.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// ObjectStore defines the interface for object storage operations against
// the two named buckets (source, output). Implementations should be
// provided by the infrastructure layer (e.g. MinIO against a B2-compatible
// endpoint).
type ObjectStore interface {
	// Download fetches key from bucket into localPath.
	Download(ctx context.Context, key, localPath string, bucket Bucket) error

	// Upload stores the file at localPath under key in bucket.
	Upload(ctx context.Context, localPath, key, contentType string, bucket Bucket) (*UploadResult, error)

	// Head returns object metadata, or nil if the object does not exist.
	Head(ctx context.Context, key string, bucket Bucket) (*ObjectInfo, error)

	// List returns up to max keys under prefix in bucket.
	List(ctx context.Context, prefix string, max int, bucket Bucket) ([]ObjectInfo, error)

	// Delete removes key from bucket.
	Delete(ctx context.Context, key string, bucket Bucket) error

	// PublicURL returns a caller-facing URL for key in bucket.
	PublicURL(key string, bucket Bucket) string
}
