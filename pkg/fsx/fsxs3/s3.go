package fsxs3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/truxeio/truxe/pkg/fsx"
)

// S3FileSystem implements fsx.FileSystem backed by an S3 bucket.
// Directories are a naming convention (key prefixes ending in "/").
type S3FileSystem struct {
	client *s3.Client
	bucket string
	prefix string // optional key prefix, e.g. "production/"
}

// NewS3FileSystem creates a new S3-backed file system.
func NewS3FileSystem(client *s3.Client, bucket, prefix string) *S3FileSystem {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3FileSystem{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

// ============================================================================
// FileReader Implementation
// ============================================================================

func (fs *S3FileSystem) ReadFile(ctx context.Context, path string) ([]byte, error) {
	stream, err := fs.ReadFileStream(ctx, path)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	return data, nil
}

func (fs *S3FileSystem) ReadFileStream(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := fs.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(fs.bucket),
		Key:    aws.String(fs.key(path)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", path, err)
	}
	return out.Body, nil
}

func (fs *S3FileSystem) Stat(ctx context.Context, path string) (fsx.FileInfo, error) {
	out, err := fs.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(fs.bucket),
		Key:    aws.String(fs.key(path)),
	})
	if err != nil {
		return fsx.FileInfo{}, fmt.Errorf("failed to stat object %s: %w", path, err)
	}

	info := fsx.FileInfo{
		Name:     baseName(path),
		Metadata: out.Metadata,
	}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.LastModified != nil {
		info.ModTime = *out.LastModified
	}
	if out.ContentType != nil {
		info.ContentType = *out.ContentType
	}
	return info, nil
}

func (fs *S3FileSystem) List(ctx context.Context, path string) ([]fsx.FileInfo, error) {
	prefix := fs.key(path)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var infos []fsx.FileInfo
	paginator := s3.NewListObjectsV2Paginator(fs.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(fs.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects under %s: %w", path, err)
		}

		for _, cp := range page.CommonPrefixes {
			if cp.Prefix == nil {
				continue
			}
			infos = append(infos, fsx.FileInfo{
				Name:  baseName(strings.TrimSuffix(*cp.Prefix, "/")),
				IsDir: true,
			})
		}
		for _, obj := range page.Contents {
			if obj.Key == nil || *obj.Key == prefix {
				continue
			}
			info := fsx.FileInfo{Name: baseName(*obj.Key)}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			if obj.LastModified != nil {
				info.ModTime = *obj.LastModified
			}
			infos = append(infos, info)
		}
	}
	return infos, nil
}

func (fs *S3FileSystem) Exists(ctx context.Context, path string) (bool, error) {
	_, err := fs.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(fs.bucket),
		Key:    aws.String(fs.key(path)),
	})
	if err != nil {
		// HeadObject reports missing keys as an API error; treat any
		// NotFound-ish failure as absence.
		if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404") {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object %s: %w", path, err)
	}
	return true, nil
}

// ============================================================================
// FileWriter Implementation
// ============================================================================

func (fs *S3FileSystem) WriteFile(ctx context.Context, path string, data []byte) error {
	return fs.WriteFileStream(ctx, path, bytes.NewReader(data))
}

func (fs *S3FileSystem) WriteFileStream(ctx context.Context, path string, r io.Reader) error {
	_, err := fs.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(fs.bucket),
		Key:    aws.String(fs.key(path)),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", path, err)
	}
	return nil
}

func (fs *S3FileSystem) CreateDir(ctx context.Context, path string) error {
	key := fs.key(path)
	if !strings.HasSuffix(key, "/") {
		key += "/"
	}
	_, err := fs.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(fs.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return fmt.Errorf("failed to create directory marker %s: %w", path, err)
	}
	return nil
}

// ============================================================================
// FileDeleter Implementation
// ============================================================================

func (fs *S3FileSystem) DeleteFile(ctx context.Context, path string) error {
	_, err := fs.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(fs.bucket),
		Key:    aws.String(fs.key(path)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", path, err)
	}
	return nil
}

func (fs *S3FileSystem) DeleteDir(ctx context.Context, path string, recursive bool) error {
	if !recursive {
		return fs.DeleteFile(ctx, strings.TrimSuffix(path, "/")+"/")
	}

	prefix := fs.key(path)
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	paginator := s3.NewListObjectsV2Paginator(fs.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(fs.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list objects under %s: %w", path, err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			if _, err := fs.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(fs.bucket),
				Key:    obj.Key,
			}); err != nil {
				return fmt.Errorf("failed to delete object %s: %w", *obj.Key, err)
			}
		}
	}
	return nil
}

// ============================================================================
// PathOperations Implementation
// ============================================================================

func (fs *S3FileSystem) Join(elem ...string) string {
	parts := make([]string, 0, len(elem))
	for _, e := range elem {
		e = strings.Trim(e, "/")
		if e != "" {
			parts = append(parts, e)
		}
	}
	return strings.Join(parts, "/")
}

// ============================================================================
// PresignedURLGenerator Implementation
// ============================================================================

func (fs *S3FileSystem) GetPresignedDownloadURL(ctx context.Context, path string, expiration time.Duration) (string, error) {
	presigner := s3.NewPresignClient(fs.client)
	req, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(fs.bucket),
		Key:    aws.String(fs.key(path)),
	}, s3.WithPresignExpires(expiration))
	if err != nil {
		return "", fmt.Errorf("failed to presign download for %s: %w", path, err)
	}
	return req.URL, nil
}

func (fs *S3FileSystem) GetPresignedUploadURL(ctx context.Context, path string, expiration time.Duration) (string, error) {
	return fs.GetPresignedUploadURLWithOptions(ctx, path, fsx.PresignedURLOptions{Expiration: expiration})
}

func (fs *S3FileSystem) GetPresignedUploadURLWithOptions(ctx context.Context, path string, opts fsx.PresignedURLOptions) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(fs.bucket),
		Key:    aws.String(fs.key(path)),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if len(opts.Metadata) > 0 {
		input.Metadata = opts.Metadata
	}

	presigner := s3.NewPresignClient(fs.client)
	req, err := presigner.PresignPutObject(ctx, input, s3.WithPresignExpires(opts.Expiration))
	if err != nil {
		return "", fmt.Errorf("failed to presign upload for %s: %w", path, err)
	}
	return req.URL, nil
}

// ============================================================================
// Helpers
// ============================================================================

func (fs *S3FileSystem) key(path string) string {
	return fs.prefix + strings.TrimPrefix(path, "/")
}

func baseName(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[i+1:]
	}
	return key
}
