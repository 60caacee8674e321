package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"

	"github.com/vitalbase/vitalbase/common"
	"github.com/vitalbase/vitalbase/config"
)

// S3Store keeps payloads in an S3-compatible bucket, one object per id. A
// nil uploader falls back to plain PutObject, which is the path the mock
// client exercises.
type S3Store struct {
	client   S3Client
	uploader *manager.Uploader
	bucket   string
}

// NewS3Store loads the AWS configuration, wires the client for the
// configured endpoint (path-style for MinIO) and ensures the bucket exists.
func NewS3Store(ctx context.Context, cfg config.StorageConfig) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 storage requires a bucket name")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle // required for MinIO
	})

	store := &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
	}
	if err := store.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// NewS3StoreWithClient wires the store over an injected client, used by
// tests.
func NewS3StoreWithClient(client S3Client, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("bucket %s is not accessible and cannot be created: %w", s.bucket, err)
	}
	return nil
}

func (s *S3Store) Put(ctx context.Context, id string, blob Blob) error {
	contentType := blob.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var err error
	if s.uploader != nil {
		_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(id),
			Body:        bytes.NewReader(blob.Data),
			ContentType: aws.String(contentType),
		})
	} else {
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(id),
			Body:        bytes.NewReader(blob.Data),
			ContentType: aws.String(contentType),
		})
	}
	if err != nil {
		return fmt.Errorf("failed to store blob %s: %w", id, err)
	}
	common.Logger.WithField("size", humanize.Bytes(uint64(len(blob.Data)))).
		WithField("id", id).Debug("blob stored")
	return nil
}

func (s *S3Store) Get(ctx context.Context, id string) (*Blob, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("failed to load blob %s: %w", id, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", id, err)
	}
	blob := &Blob{Data: data, ContentType: "application/octet-stream"}
	if out.ContentType != nil && *out.ContentType != "" {
		blob.ContentType = *out.ContentType
	}
	return blob, nil
}

func (s *S3Store) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		return fmt.Errorf("failed to delete blob %s: %w", id, err)
	}
	return nil
}
