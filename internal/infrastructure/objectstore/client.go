// Package objectstore adapts a MinIO client to the two-bucket object store
// contract used by the transcoding pipeline. It targets any
// S3-compatible endpoint, including Backblaze B2 (the B2_* env vars wired
// in internal/config).
package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/singleflight"

	"github.com/hszk-dev/transcoder/internal/domain/repository"
	"github.com/hszk-dev/transcoder/internal/infrastructure/metrics"
)

// minioClient abstracts *minio.Client so tests can substitute a fake.
type minioClient interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	FGetObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.GetObjectOptions) error
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expiry time.Duration, reqParams url.Values) (*url.URL, error)
	EndpointURL() *url.URL
}

type minioClientAdapter struct {
	client *minio.Client
}

func (a *minioClientAdapter) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	return a.client.BucketExists(ctx, bucketName)
}

func (a *minioClientAdapter) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return a.client.PutObject(ctx, bucketName, objectName, reader, objectSize, opts)
}

func (a *minioClientAdapter) FGetObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.GetObjectOptions) error {
	return a.client.FGetObject(ctx, bucketName, objectName, filePath, opts)
}

func (a *minioClientAdapter) StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	return a.client.StatObject(ctx, bucketName, objectName, opts)
}

func (a *minioClientAdapter) RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error {
	return a.client.RemoveObject(ctx, bucketName, objectName, opts)
}

func (a *minioClientAdapter) ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	return a.client.ListObjects(ctx, bucketName, opts)
}

func (a *minioClientAdapter) PresignedGetObject(ctx context.Context, bucketName, objectName string, expiry time.Duration, reqParams url.Values) (*url.URL, error) {
	return a.client.PresignedGetObject(ctx, bucketName, objectName, expiry, reqParams)
}

func (a *minioClientAdapter) EndpointURL() *url.URL {
	return a.client.EndpointURL()
}

// ClientConfig holds configuration for the object-store client.
type ClientConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	SourceBucket  string
	OutputBucket  string
	UseSSL        bool
	PublicURLBase string
	// AuthTTL bounds how long a successful lazy-auth check is cached before
	// the next call re-verifies bucket access.
	AuthTTL time.Duration
}

// DefaultAuthTTL is used when ClientConfig.AuthTTL is zero.
const DefaultAuthTTL = 5 * time.Minute

// Client implements repository.ObjectStore using MinIO.
type Client struct {
	client minioClient
	cfg    ClientConfig

	authGroup   singleflight.Group
	authMu      sync.Mutex
	authExpires time.Time
}

var _ repository.ObjectStore = (*Client)(nil)

// NewClient creates a new object-store client. Bucket existence is not
// checked eagerly; authorization is lazy and coalesced.
func NewClient(cfg ClientConfig) (*Client, error) {
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	if cfg.AuthTTL == 0 {
		cfg.AuthTTL = DefaultAuthTTL
	}

	return newClientWithMinioClient(&minioClientAdapter{client: cli}, cfg), nil
}

func newClientWithMinioClient(client minioClient, cfg ClientConfig) *Client {
	return &Client{client: client, cfg: cfg}
}

func (c *Client) bucketName(bucket repository.Bucket) string {
	if bucket == repository.BucketOutput {
		return c.cfg.OutputBucket
	}
	return c.cfg.SourceBucket
}

// ensureAuthorized lazily verifies bucket access, coalescing concurrent
// callers into a single in-flight check.
func (c *Client) ensureAuthorized(ctx context.Context) error {
	c.authMu.Lock()
	if time.Now().Before(c.authExpires) {
		c.authMu.Unlock()
		return nil
	}
	c.authMu.Unlock()

	_, err, shared := c.authGroup.Do("auth", func() (any, error) {
		if _, err := c.client.BucketExists(ctx, c.cfg.SourceBucket); err != nil {
			return nil, err
		}
		if _, err := c.client.BucketExists(ctx, c.cfg.OutputBucket); err != nil {
			return nil, err
		}
		c.authMu.Lock()
		c.authExpires = time.Now().Add(c.cfg.AuthTTL)
		c.authMu.Unlock()
		return nil, nil
	})
	if shared {
		metrics.SingleflightRequestsTotal.WithLabelValues(metrics.SingleflightShared).Inc()
	} else {
		metrics.SingleflightRequestsTotal.WithLabelValues(metrics.SingleflightInitiated).Inc()
	}
	if err != nil {
		return &repository.ObjectStoreError{Stage: repository.StageAuth, Retriable: isRetriableAuthErr(err), Err: err}
	}
	return nil
}

// observe records the outcome of one object-store operation.
func observe(operation string, bucket repository.Bucket, err error) {
	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
	}
	metrics.ObjectStoreOperationsTotal.WithLabelValues(operation, string(bucket), status).Inc()
}

// Download fetches key from bucket into localPath.
func (c *Client) Download(ctx context.Context, key, localPath string, bucket repository.Bucket) (err error) {
	defer func() { observe("download", bucket, err) }()

	if err := c.ensureAuthorized(ctx); err != nil {
		return err
	}

	if err := c.client.FGetObject(ctx, c.bucketName(bucket), key, localPath, minio.GetObjectOptions{}); err != nil {
		_ = os.Remove(localPath)
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return &repository.ObjectStoreError{Stage: repository.StageDownload, Retriable: false, Err: repository.ErrObjectNotFound}
		}
		return &repository.ObjectStoreError{Stage: repository.StageDownload, Retriable: isRetriableErr(err), Err: err}
	}
	return nil
}

// Upload stores the file at localPath under key in bucket.
func (c *Client) Upload(ctx context.Context, localPath, key, contentType string, bucket repository.Bucket) (_ *repository.UploadResult, err error) {
	defer func() { observe("upload", bucket, err) }()

	if err := c.ensureAuthorized(ctx); err != nil {
		return nil, err
	}

	file, err := os.Open(localPath)
	if err != nil {
		return nil, &repository.ObjectStoreError{Stage: repository.StageUpload, Retriable: false, Err: err}
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return nil, &repository.ObjectStoreError{Stage: repository.StageUpload, Retriable: false, Err: err}
	}

	uploadInfo, err := c.client.PutObject(ctx, c.bucketName(bucket), key, file, info.Size(), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return nil, &repository.ObjectStoreError{Stage: repository.StageUpload, Retriable: isRetriableErr(err), Err: err}
	}

	return &repository.UploadResult{
		Size:       uploadInfo.Size,
		ETag:       uploadInfo.ETag,
		UploadedAt: time.Now(),
	}, nil
}

// Head returns object metadata, or nil if the object does not exist.
func (c *Client) Head(ctx context.Context, key string, bucket repository.Bucket) (_ *repository.ObjectInfo, err error) {
	defer func() { observe("head", bucket, err) }()

	if err := c.ensureAuthorized(ctx); err != nil {
		return nil, err
	}

	info, err := c.client.StatObject(ctx, c.bucketName(bucket), key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, &repository.ObjectStoreError{Stage: repository.StageList, Retriable: isRetriableErr(err), Err: err}
	}

	return &repository.ObjectInfo{
		Key:          key,
		Size:         info.Size,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}, nil
}

// List returns up to max keys under prefix in bucket.
func (c *Client) List(ctx context.Context, prefix string, max int, bucket repository.Bucket) (_ []repository.ObjectInfo, err error) {
	defer func() { observe("list", bucket, err) }()

	if err := c.ensureAuthorized(ctx); err != nil {
		return nil, err
	}

	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var results []repository.ObjectInfo
	for obj := range c.client.ListObjects(listCtx, c.bucketName(bucket), minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, &repository.ObjectStoreError{Stage: repository.StageList, Retriable: isRetriableErr(obj.Err), Err: obj.Err}
		}
		results = append(results, repository.ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			ContentType:  obj.ContentType,
			LastModified: obj.LastModified,
		})
		if max > 0 && len(results) >= max {
			break
		}
	}
	return results, nil
}

// Delete removes key from bucket.
func (c *Client) Delete(ctx context.Context, key string, bucket repository.Bucket) (err error) {
	defer func() { observe("delete", bucket, err) }()

	if err := c.ensureAuthorized(ctx); err != nil {
		return err
	}

	if err := c.client.RemoveObject(ctx, c.bucketName(bucket), key, minio.RemoveObjectOptions{}); err != nil {
		return &repository.ObjectStoreError{Stage: repository.StageDelete, Retriable: isRetriableErr(err), Err: err}
	}
	return nil
}

// PublicURL returns a caller-facing URL for key in bucket, rooted at
// PublicURLBase when configured, else the endpoint URL the client talks to.
func (c *Client) PublicURL(key string, bucket repository.Bucket) string {
	base := c.cfg.PublicURLBase
	if base == "" {
		if u := c.client.EndpointURL(); u != nil {
			base = u.String()
		}
	}
	return strings.TrimRight(base, "/") + "/" + c.bucketName(bucket) + "/" + key
}

// isRetriableErr implements the network/5xx/auth-expired-retriable,
// 4xx-other-than-401-terminal rule.
func isRetriableErr(err error) bool {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == 0 {
		// Not an API error response (e.g. network failure): retriable.
		return true
	}
	return resp.StatusCode == 401 || resp.StatusCode >= 500
}

func isRetriableAuthErr(err error) bool {
	return isRetriableErr(err)
}
