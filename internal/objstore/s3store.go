package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Config configures the S3-backed Store, per the configuration surface's
// store.* settings.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
	MaxConnections  int
}

// S3Store implements Store against an S3-compatible bucket, using the same
// PutObject-with-IfNoneMatch idempotent-write idiom as
// trillian-tessera/storage/aws's setObjectIfNoneMatch: a conditional write
// that is a no-op (rather than an error) when the existing object already
// contains the bytes being written.
type S3Store struct {
	bucket string
	client *s3.Client
}

// NewS3Store builds an S3Store from an already-resolved *s3.Client, so the
// caller controls credential/endpoint resolution (see buildStore in
// cmd/ingestd).
func NewS3Store(bucket string, client *s3.Client) *S3Store {
	return &S3Store{bucket: bucket, client: client}
}

func (s *S3Store) Get(ctx context.Context, path string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("objstore: get %q: %w", path, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("objstore: list %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			info := ObjectInfo{Path: aws.ToString(obj.Key)}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			out = append(out, info)
		}
	}
	SortObjectsByPath(out)
	return out, nil
}

func (s *S3Store) Delete(ctx context.Context, path string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return fmt.Errorf("objstore: delete %q: %w", path, err)
	}
	return nil
}

func (s *S3Store) Put(ctx context.Context, path string, body io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(path),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("objstore: put %q: %w", path, err)
	}
	return nil
}

func (s *S3Store) PutIfAbsent(ctx context.Context, path string, body []byte) (bool, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(path),
		Body:        bytes.NewReader(body),
		IfNoneMatch: aws.String("*"),
	})
	if err == nil {
		return true, nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
		existing, getErr := s.Get(ctx, path)
		if getErr != nil {
			return false, fmt.Errorf("objstore: PutIfAbsent %q: reading existing object: %w", path, getErr)
		}
		if bytes.Equal(existing, body) {
			return false, nil
		}
		return false, ErrAlreadyExists
	}
	return false, fmt.Errorf("objstore: PutIfAbsent %q: %w", path, err)
}
