package storage

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/starford/gallery/internal/apperr"
)

// S3Options configures an S3-compatible bucket backend.
type S3Options struct {
	Endpoint       string
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	SessionToken   string
	Prefix         string
	UploadDir      string
	UseSSL         bool
	ForcePathStyle bool
	Insecure       bool
}

// S3 stores images as objects in a bucket.
type S3 struct {
	client    *minio.Client
	bucket    string
	prefix    string
	uploadDir string
	now       func() time.Time
}

// NewS3 creates the bucket backend. Keys are path-joined under Prefix.
func NewS3(opts S3Options) (*S3, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed endpoints
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, opts.SessionToken),
		Secure:    opts.UseSSL,
		Region:    opts.Region,
		Transport: transport,
		BucketLookup: func() minio.BucketLookupType {
			if opts.ForcePathStyle {
				return minio.BucketLookupPath
			}
			return minio.BucketLookupDNS
		}(),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: s3 client: %w", err)
	}
	return &S3{
		client:    client,
		bucket:    opts.Bucket,
		prefix:    strings.Trim(opts.Prefix, "/"),
		uploadDir: strings.Trim(opts.UploadDir, "/"),
		now:       time.Now,
	}, nil
}

// Name implements Backend.
func (s *S3) Name() string { return "s3" }

func (s *S3) key(p string) string {
	if s.prefix == "" {
		return p
	}
	return s.prefix + "/" + p
}

func (s *S3) rel(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, s.prefix+"/")
}

// List returns every image object under dir.
func (s *S3) List(ctx context.Context, dir string) ([]Object, error) {
	prefix := s.key(strings.Trim(dir, "/"))
	if prefix != "" {
		prefix += "/"
	}
	out := []Object{}
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("storage: s3 list: %w", classifyS3Error(obj.Err))
		}
		if !IsImage(obj.Key) {
			continue
		}
		out = append(out, Object{Path: s.rel(obj.Key), Size: obj.Size, Modified: obj.LastModified, SHA: obj.ETag})
	}
	return out, nil
}

// Stat implements Backend. SHA is the object ETag.
func (s *S3) Stat(ctx context.Context, p string) (Object, error) {
	info, err := s.client.StatObject(ctx, s.bucket, s.key(p), minio.StatObjectOptions{})
	if err != nil {
		return Object{}, fmt.Errorf("storage: s3 stat %s: %w", p, classifyS3Error(err))
	}
	return Object{Path: p, Size: info.Size, Modified: info.LastModified, SHA: info.ETag}, nil
}

// Read implements Backend.
func (s *S3) Read(ctx context.Context, p string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(p), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: s3 read %s: %w", p, classifyS3Error(err))
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("storage: s3 read %s: %w", p, classifyS3Error(err))
	}
	return data, nil
}

// Write implements Backend.
func (s *S3) Write(ctx context.Context, p string, content []byte) (Object, error) {
	info, err := s.client.PutObject(ctx, s.bucket, s.key(p), bytes.NewReader(content), int64(len(content)),
		minio.PutObjectOptions{ContentType: contentTypeFor(p)})
	if err != nil {
		return Object{}, fmt.Errorf("storage: s3 write %s: %w", p, classifyS3Error(err))
	}
	return Object{Path: p, Size: info.Size, Modified: s.now(), SHA: info.ETag}, nil
}

// Upload implements Backend.
func (s *S3) Upload(ctx context.Context, originalName string, content []byte) (Object, error) {
	if !IsImage(originalName) {
		return Object{}, fmt.Errorf("storage: upload %s: unsupported file type", originalName)
	}
	for range casAttempts {
		p := path.Join(s.uploadDir, localName(originalName, s.now()))
		_, err := s.Stat(ctx, p)
		if err == nil {
			continue
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return Object{}, err
		}
		return s.Write(ctx, p, content)
	}
	return Object{}, fmt.Errorf("storage: upload %s: %w", originalName, apperr.ErrConflict)
}

// Delete implements Backend. S3 deletes of missing keys succeed silently,
// so existence is probed first to report NotFound.
func (s *S3) Delete(ctx context.Context, p string) error {
	if _, err := s.Stat(ctx, p); err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, s.key(p), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("storage: s3 delete %s: %w", p, classifyS3Error(err))
	}
	return nil
}

func contentTypeFor(p string) string {
	if strings.HasSuffix(p, ".json") {
		return "application/json"
	}
	return ContentType(p)
}

func classifyS3Error(err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return fmt.Errorf("%w: %w", apperr.ErrNotFound, err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
		return fmt.Errorf("%w: %w", apperr.ErrUnauthorized, err)
	case "SlowDown", "RequestLimitExceeded":
		return fmt.Errorf("%w: %w", apperr.ErrRateLimited, err)
	}
	if resp.StatusCode != 0 {
		if se := ClassifyStatus(resp.StatusCode); se != nil {
			return fmt.Errorf("%w: %w", se, err)
		}
	}
	return fmt.Errorf("%w: %w", apperr.ErrTransient, err)
}
