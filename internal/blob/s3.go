package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/touristsafe/custody/internal/config"
)

// S3Store persists blobs in an S3-compatible bucket, keyed by content address
// under a fixed prefix. Works against AWS, MinIO and other compatible backends.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store creates an S3-backed blob store from backend configuration.
func NewS3Store(cfg *config.BlobConfig) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Configure endpoint and path-style for non-AWS providers (e.g. MinIO).
	s3Options := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.PathStyle
		})
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, s3Options...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3Store) key(id string) string {
	if s.prefix == "" {
		return id
	}
	return s.prefix + "/" + id
}

// Put uploads data under its content address. Re-uploading an existing blob is
// a harmless overwrite with identical bytes.
func (s *S3Store) Put(ctx context.Context, data []byte) (string, error) {
	id := ContentAddress(data)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("failed to put blob %s: %w", id, ErrUnavailable)
	}

	return id, nil
}

// Get downloads the blob and verifies it still matches its content address.
func (s *S3Store) Get(ctx context.Context, id string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return nil, mapS3Error(id, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", id, ErrUnavailable)
	}

	if ContentAddress(data) != id {
		return nil, fmt.Errorf("blob %s failed content verification: %w", id, ErrNotFound)
	}

	return data, nil
}

// Delete removes the blob from the bucket.
func (s *S3Store) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete blob %s: %w", id, ErrUnavailable)
	}
	return nil
}

// mapS3Error folds provider error codes into the package sentinels.
func mapS3Error(id string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("blob %s: %w", id, ErrNotFound)
		}
	}
	return fmt.Errorf("failed to get blob %s: %w", id, ErrUnavailable)
}
