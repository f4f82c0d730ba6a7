// Package minio implements store.Blob on S3 or any S3-compatible service
// through minio-go.
package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/unkn0wn-root/dynacache/store"
)

// Config holds the connection settings of the blob store.
type Config struct {
	// Endpoint is the server address (e.g., "s3.amazonaws.com", "localhost:9000").
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	// Region skips the bucket location lookup when set.
	Region string

	// Bucket holds the blobs. Factory fills it from Options.BucketName.
	Bucket string

	// Prefix is prepended to every object key.
	Prefix string

	// Client is an optional pre-configured client.
	// If provided, Endpoint/AccessKey/SecretKey are ignored.
	Client *minio.Client
}

// validate checks if the configuration is valid.
// Either Client OR (Endpoint + AccessKey + SecretKey) must be provided.
func (c *Config) validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if c.Client != nil {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when client is not provided")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return fmt.Errorf("access and secret key are required when client is not provided")
	}
	return nil
}

type Blob struct {
	client *minio.Client
	bucket string
	prefix string
}

var (
	_ store.Blob             = (*Blob)(nil)
	_ store.BlobBatchDeleter = (*Blob)(nil)
	_ store.Checker          = (*Blob)(nil)
)

func New(cfg Config) (*Blob, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("minio: invalid config: %w", err)
	}
	client := cfg.Client
	if client == nil {
		var err error
		client, err = minio.New(cfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: cfg.UseSSL,
			Region: cfg.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("minio: create client: %w", err)
		}
	}
	return &Blob{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Factory returns a store.BlobFactory. The bucket comes from the cache
// options unless cfg names one.
func Factory(cfg Config) store.BlobFactory {
	return func(_ context.Context, bc store.BlobConfig) (store.Blob, error) {
		c := cfg
		if c.Bucket == "" {
			c.Bucket = bc.Bucket
		}
		return New(c)
	}
}

func (b *Blob) objectKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

func (b *Blob) PutBlob(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, b.bucket, b.objectKey(key), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	return translate("minio put", err)
}

func (b *Blob) GetBlob(ctx context.Context, key string) ([]byte, bool, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, b.objectKey(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, false, translate("minio get", err)
	}
	defer func() {
		_ = obj.Close()
	}()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, false, nil
		}
		return nil, false, translate("minio get", err)
	}
	return data, true, nil
}

// DeleteBlob removes key. S3 reports success for missing keys.
func (b *Blob) DeleteBlob(ctx context.Context, key string) error {
	err := b.client.RemoveObject(ctx, b.bucket, b.objectKey(key), minio.RemoveObjectOptions{})
	if isNoSuchKey(err) {
		return nil
	}
	return translate("minio delete", err)
}

// DeleteBlobs removes keys with the multi-object delete API.
func (b *Blob) DeleteBlobs(ctx context.Context, keys []string) (map[string]error, error) {
	byObject := make(map[string]string, len(keys))
	objects := make(chan minio.ObjectInfo, len(keys))
	for _, k := range keys {
		ok := b.objectKey(k)
		byObject[ok] = k
		objects <- minio.ObjectInfo{Key: ok}
	}
	close(objects)

	failed := make(map[string]error)
	for rerr := range b.client.RemoveObjects(ctx, b.bucket, objects, minio.RemoveObjectsOptions{}) {
		if rerr.Err == nil || isNoSuchKey(rerr.Err) {
			continue
		}
		if k, ok := byObject[rerr.ObjectName]; ok {
			failed[k] = translate("minio delete", rerr.Err)
			continue
		}
		// an error not tied to an object fails the whole request
		return nil, translate("minio delete", rerr.Err)
	}
	if err := ctx.Err(); err != nil {
		return nil, store.Unavailable("minio delete", err)
	}
	return failed, nil
}

func (b *Blob) Check(ctx context.Context) error {
	ok, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return translate("minio check", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrBucketNotFound, b.bucket)
	}
	return nil
}

// Close is a no-op; minio clients hold no resources beyond pooled
// connections.
func (b *Blob) Close(context.Context) error { return nil }

func isNoSuchKey(err error) bool {
	return err != nil && minio.ToErrorResponse(err).Code == "NoSuchKey"
}

// translate maps minio errors to store errors: missing buckets to
// ErrBucketNotFound, throttling, server and transport failures to
// ErrUnavailable. Anything else is permanent.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchBucket":
		return fmt.Errorf("%w: %s: %v", store.ErrBucketNotFound, resp.BucketName, err)
	case resp.Code == "" && resp.StatusCode == 0,
		resp.Code == "SlowDown",
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return store.Unavailable(op, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return store.Unavailable(op, err)
	}
	return fmt.Errorf("minio: %w", err)
}
