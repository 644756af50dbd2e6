// Package storage keeps attachment files in an S3-compatible bucket.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotConfigured is returned by NoopStore uploads.
var ErrNotConfigured = errors.New("storage: attachment store is not configured")

// AttachmentStore uploads and removes attachment objects.
type AttachmentStore interface {
	Upload(ctx context.Context, key, contentType string, data []byte) (publicURL string, err error)
	Delete(ctx context.Context, key string) error
}

// Options configures a MinioStore.
type Options struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	PublicBaseURL string
	UseSSL        bool
	Logger        *slog.Logger
}

// MinioStore is an AttachmentStore backed by MinIO or any S3 endpoint.
type MinioStore struct {
	bucket        string
	publicBaseURL string
	client        *minio.Client
	logger        *slog.Logger

	bucketOnce sync.Once
	bucketErr  error
}

// NewMinioStore configures a store for the bucket described by opts.
func NewMinioStore(opts Options) (*MinioStore, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, errors.New("storage: endpoint is required")
	}
	bucket := strings.TrimSpace(opts.Bucket)
	if bucket == "" {
		return nil, errors.New("storage: bucket is required")
	}

	client, err := minio.New(hostOf(endpoint), &minio.Options{
		Creds:  credentials.NewStaticV4(strings.TrimSpace(opts.AccessKey), strings.TrimSpace(opts.SecretKey), ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: create client: %w", err)
	}

	base := strings.TrimSpace(opts.PublicBaseURL)
	if base == "" {
		base = endpoint
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &MinioStore{
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(base, "/"),
		client:        client,
		logger:        logger,
	}, nil
}

// Upload stores data under key and returns its public URL.
func (s *MinioStore) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	key = strings.Trim(strings.TrimSpace(key), "/")
	if key == "" {
		return "", errors.New("storage: object key is required")
	}
	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("storage: put object: %w", err)
	}

	publicURL := s.ObjectURL(key)
	s.logger.DebugContext(ctx, "attachment uploaded", "bucket", s.bucket, "key", key)
	return publicURL, nil
}

// Delete removes the object. Missing objects are not an error.
func (s *MinioStore) Delete(ctx context.Context, key string) error {
	key = strings.Trim(strings.TrimSpace(key), "/")
	if key == "" {
		return nil
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("storage: remove object: %w", err)
	}
	return nil
}

// ObjectURL is the public address of key.
func (s *MinioStore) ObjectURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", s.publicBaseURL, s.bucket, strings.TrimLeft(key, "/"))
}

func (s *MinioStore) ensureBucket(ctx context.Context) error {
	s.bucketOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			s.bucketErr = fmt.Errorf("storage: check bucket: %w", err)
			return
		}
		if exists {
			return
		}
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			s.bucketErr = fmt.Errorf("storage: create bucket: %w", err)
			return
		}
		policy := fmt.Sprintf(`{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"AWS":["*"]},"Action":["s3:GetObject"],"Resource":["arn:aws:s3:::%s/*"]}]}`, s.bucket)
		if err := s.client.SetBucketPolicy(ctx, s.bucket, policy); err != nil {
			s.bucketErr = fmt.Errorf("storage: set bucket policy: %w", err)
		}
	})
	return s.bucketErr
}

// NoopStore rejects uploads and ignores deletes. It is used when no bucket
// is configured so text-only chat keeps working.
type NoopStore struct{}

func (NoopStore) Upload(context.Context, string, string, []byte) (string, error) {
	return "", ErrNotConfigured
}

func (NoopStore) Delete(context.Context, string) error { return nil }

// ObjectKey builds a collision-free key for a file in a conversation,
// keeping the original extension.
func ObjectKey(conversationID uint, filename string) string {
	ext := strings.ToLower(path.Ext(strings.TrimSpace(filename)))
	if len(ext) > 10 {
		ext = ""
	}
	return fmt.Sprintf("chats/%d/%s%s", conversationID, uuid.NewString(), ext)
}

// ThumbnailKey derives the thumbnail key stored next to an attachment.
func ThumbnailKey(key string) string {
	return strings.TrimSuffix(key, path.Ext(key)) + "_thumb.webp"
}

func hostOf(endpoint string) string {
	if parsed, err := url.Parse(endpoint); err == nil && parsed.Host != "" {
		return parsed.Host
	}
	return endpoint
}

var (
	_ AttachmentStore = (*MinioStore)(nil)
	_ AttachmentStore = NoopStore{}
)
