package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the S3 client the adapter uses
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config holds S3-specific configuration
type S3Config struct {
	Bucket string
	Region string
	// Endpoint points at an S3-compatible server such as MinIO
	Endpoint  string
	PathStyle bool
	Config    Config
}

// S3Adapter stores payloads as objects in one bucket, one object per key.
// Object age is checked against the TTL on read.
type S3Adapter struct {
	client S3API
	bucket string
	config Config
}

// NewS3Adapter builds a client from the default AWS credential chain
func NewS3Adapter(ctx context.Context, cfg S3Config) (*S3Adapter, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 cache requires a bucket")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewS3AdapterWithClient(client, cfg.Bucket, cfg.Config), nil
}

// NewS3AdapterWithClient creates an adapter over an existing client
func NewS3AdapterWithClient(client S3API, bucket string, config Config) *S3Adapter {
	return &S3Adapter{client: client, bucket: bucket, config: config}
}

func (a *S3Adapter) objectKey(key string) string {
	return a.config.Prefix + key
}

// Get retrieves a payload
func (a *S3Adapter) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.objectKey(key)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrCacheMiss{Key: key}
		}
		return nil, err
	}
	defer out.Body.Close()

	if a.config.TTL > 0 && out.LastModified != nil && time.Since(*out.LastModified) > a.config.TTL {
		_ = a.Remove(ctx, key)
		return nil, ErrCacheMiss{Key: key}
	}
	return io.ReadAll(out.Body)
}

// Set stores a payload
func (a *S3Adapter) Set(ctx context.Context, key string, value []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.objectKey(key)),
		Body:        bytes.NewReader(value),
		ContentType: aws.String("application/cbor"),
	})
	return err
}

// Remove deletes a payload. Deleting a missing object succeeds.
func (a *S3Adapter) Remove(ctx context.Context, key string) error {
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.objectKey(key)),
	})
	if err != nil && !isNoSuchKey(err) {
		return err
	}
	return nil
}

// Clear deletes every object under the adapter prefix
func (a *S3Adapter) Clear(ctx context.Context) error {
	var token *string
	for {
		out, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(a.bucket),
			Prefix:            aws.String(a.config.Prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return err
		}
		for _, obj := range out.Contents {
			if _, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(a.bucket),
				Key:    obj.Key,
			}); err != nil {
				return err
			}
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			return nil
		}
		token = out.NextContinuationToken
	}
}

func isNoSuchKey(err error) bool {
	var noKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}
