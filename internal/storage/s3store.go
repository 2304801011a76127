package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Store is an alternative production Backend that stores each key as an
// object in an S3 (or S3-compatible) bucket, for deployments that need
// durability beyond a single host's local disk.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3StoreOption configures an S3Store.
type S3StoreOption func(*s3.Options)

// WithEndpoint points the client at an S3-compatible endpoint instead of
// AWS (e.g. a MinIO or R2 deployment) and enables path-style addressing.
func WithEndpoint(endpoint string) S3StoreOption {
	return func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	}
}

// NewS3Store creates an S3-backed Backend writing objects under
// "{prefix}/{key}" in bucket. It loads AWS credentials and region using the
// default SDK credential chain (environment, shared config, IAM role).
func NewS3Store(ctx context.Context, bucket, prefix string, opts ...S3StoreOption) (*S3Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("storage: s3 bucket is required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, opts...)
	return &S3Store{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// Get implements Backend.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	defer out.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	return buf.Bytes(), nil
}

// Put implements Backend.
func (s *S3Store) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   bytes.NewReader(value),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// Delete implements Backend.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// List implements Backend.
func (s *S3Store) List(ctx context.Context) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReadFailed, err)
		}
		for _, obj := range out.Contents {
			name := aws.ToString(obj.Key)
			if s.prefix != "" {
				name = name[len(s.prefix)+1:]
			}
			keys = append(keys, name)
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	return keys, nil
}
