package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore implements Store on a MinIO/S3-compatible bucket. One object
// per path; the object ETag is the revision token and conditional puts
// (If-Match / If-None-Match) enforce the compare-and-set contract.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to MinIO and ensures the bucket exists.
func NewMinioStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

// ReadJSON decodes the object at path into out.
func (s *MinioStore) ReadJSON(ctx context.Context, path string, out any) (string, bool, error) {
	data, rev, ok, err := s.read(ctx, path)
	if err != nil || !ok {
		return "", ok, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return "", false, fmt.Errorf("%w: decode %s: %v", ErrBackendFailure, path, err)
	}
	return rev, true, nil
}

// SaveJSON writes the value as a JSON object, conditional on expectRev.
func (s *MinioStore) SaveJSON(ctx context.Context, path string, value any, expectRev string) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("%w: encode %s: %v", ErrBackendFailure, path, err)
	}
	return s.save(ctx, path, data, contentTypeJSON, expectRev)
}

// ReadText returns the raw object at path.
func (s *MinioStore) ReadText(ctx context.Context, path string) (string, string, bool, error) {
	data, rev, ok, err := s.read(ctx, path)
	if err != nil || !ok {
		return "", "", ok, err
	}
	return string(data), rev, true, nil
}

// SaveText writes the raw text, conditional on expectRev.
func (s *MinioStore) SaveText(ctx context.Context, path string, text string, expectRev string) (string, error) {
	return s.save(ctx, path, []byte(text), contentTypeText, expectRev)
}

func (s *MinioStore) read(ctx context.Context, path string) ([]byte, string, bool, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", false, fmt.Errorf("%w: get %s: %v", ErrBackendFailure, path, err)
	}
	defer obj.Close()
	info, err := obj.Stat()
	if err != nil {
		if isNoSuchKey(err) {
			return nil, "", false, nil
		}
		return nil, "", false, fmt.Errorf("%w: stat %s: %v", ErrBackendFailure, path, err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, "", false, fmt.Errorf("%w: read %s: %v", ErrBackendFailure, path, err)
	}
	return data, info.ETag, true, nil
}

func (s *MinioStore) save(ctx context.Context, path string, data []byte, contentType, expectRev string) (string, error) {
	opts := minio.PutObjectOptions{ContentType: contentType}
	switch expectRev {
	case AnyRev:
	case "":
		// Create-only: refuse when any object already exists at path.
		opts.SetMatchETagExcept("*")
	default:
		opts.SetMatchETag(expectRev)
	}
	info, err := s.client.PutObject(ctx, s.bucket, path, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		if isPreconditionFailed(err) {
			return "", fmt.Errorf("save %s: %w", path, ErrRevisionMismatch)
		}
		return "", fmt.Errorf("%w: put %s: %v", ErrBackendFailure, path, err)
	}
	return info.ETag, nil
}

// ListFiles enumerates objects under prefix. Order is whatever the
// backend returns.
func (s *MinioStore) ListFiles(ctx context.Context, prefix string) ([]FileInfo, error) {
	var res []FileInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("%w: list %s: %v", ErrBackendFailure, prefix, obj.Err)
		}
		res = append(res, FileInfo{
			Path:        obj.Key,
			Locator:     obj.Key,
			Size:        obj.Size,
			UpdatedAt:   obj.LastModified,
			ContentType: obj.ContentType,
		})
	}
	return res, nil
}

// DeleteFile removes the object identified by locator.
func (s *MinioStore) DeleteFile(ctx context.Context, locator string) error {
	// S3 deletes are idempotent, so probe first to honor the contract.
	if _, err := s.client.StatObject(ctx, s.bucket, locator, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return fmt.Errorf("delete %s: %w", locator, ErrNotFound)
		}
		return fmt.Errorf("%w: stat %s: %v", ErrBackendFailure, locator, err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, locator, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrBackendFailure, locator, err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func isPreconditionFailed(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusPreconditionFailed ||
		strings.EqualFold(resp.Code, "PreconditionFailed")
}
