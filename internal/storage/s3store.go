package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3OpenerConfig configures an S3-compatible Storage Port backend.
// Grounded on the teacher's artifacts.S3StoreConfig; this repo uses it as
// a namespace-per-prefix KV backend rather than an opaque artifact blob
// store, so each Opener.Open call becomes a further key prefix under
// S3OpenerConfig.Prefix instead of a separate store type.
type S3OpenerConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3Opener is the Storage Port's third backend choice, for deployments
// that want durability delegated to an S3-compatible object store rather
// than local disk or a SQL database.
type S3Opener struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Opener connects to S3 using cfg, following the same
// LoadDefaultConfig + static-credentials-if-given + optional custom
// endpoint sequence as the teacher's NewS3Store.
func NewS3Opener(ctx context.Context, cfg S3OpenerConfig) (*S3Opener, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("storage: s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	loadOptions := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &S3Opener{client: client, bucket: bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (o *S3Opener) Close() error { return nil }

func (o *S3Opener) Open(namespace string) (Store, error) {
	if strings.TrimSpace(namespace) == "" {
		return nil, fmt.Errorf("storage: namespace is required")
	}
	prefix := namespace
	if o.prefix != "" {
		prefix = o.prefix + "/" + namespace
	}
	return &s3Store{client: o.client, bucket: o.bucket, prefix: prefix}, nil
}

type s3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

func (s *s3Store) objectKey(key string) string {
	return s.prefix + "/" + key
}

func (s *s3Store) Put(ctx context.Context, key string, value []byte) error {
	objKey := s.objectKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &objKey,
		Body:   bytes.NewReader(value),
	})
	if err != nil {
		return fmt.Errorf("storage: s3 put: %w", err)
	}
	return nil
}

func (s *s3Store) Get(ctx context.Context, key string) ([]byte, error) {
	objKey := s.objectKey(key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &objKey,
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: s3 get: %w", err)
	}
	defer out.Body.Close()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("storage: s3 read body: %w", err)
	}
	return b, nil
}

func (s *s3Store) Delete(ctx context.Context, key string) error {
	objKey := s.objectKey(key)
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &objKey}); err != nil {
		if isS3NotFound(err) {
			return ErrNotFound
		}
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &objKey,
	}); err != nil {
		return fmt.Errorf("storage: s3 delete: %w", err)
	}
	return nil
}

func (s *s3Store) Scan(ctx context.Context, prefix string) (func(yield func(Entry) bool), error) {
	listPrefix := s.objectKey(prefix)
	var entries []Entry

	var continuationToken *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            &listPrefix,
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("storage: s3 list: %w", err)
		}
		for _, obj := range out.Contents {
			key := strings.TrimPrefix(*obj.Key, s.prefix+"/")
			b, err := s.Get(ctx, key)
			if err != nil {
				return nil, err
			}
			entries = append(entries, Entry{Key: key, Value: b})
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		continuationToken = out.NextContinuationToken
	}

	return func(yield func(Entry) bool) {
		for _, e := range entries {
			if !yield(e) {
				return
			}
		}
	}, nil
}

func isS3NotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && strings.EqualFold(apiErr.ErrorCode(), "NotFound") {
		return true
	}
	return false
}
