package storage

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"pngoptimiser-go/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client used by the saver.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 uploads files to a bucket.
type S3 struct {
	client S3API
	bucket string
	prefix string
}

// NewS3 creates an S3 saver around an existing client.
func NewS3(client S3API, bucket, prefix string) (*S3, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 storage: client must not be nil")
	}
	if bucket == "" {
		return nil, fmt.Errorf("s3 storage: bucket is required")
	}
	return &S3{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// NewS3FromConfig builds an aws-sdk-go-v2 client from the storage settings.
// Static credentials are used when given, otherwise the default chain.
func NewS3FromConfig(ctx context.Context, cfg config.S3Config) (*S3, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
		if cfg.Endpoint != "" {
			region = "auto"
		}
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: cfg.Endpoint, HostnameImmutable: cfg.UsePathStyle}, nil
			})))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3(client, cfg.Bucket, cfg.Prefix)
}

// Key returns the object key for name.
func (s *S3) Key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// Save uploads the file at p as name.
func (s *S3) Save(ctx context.Context, p, name string) (*SaveResult, error) {
	if name == "" {
		name = filepath.Base(p)
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := s.Key(filepath.Base(name))
	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"source": "pngoptimiser",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s to s3://%s: %w", key, s.bucket, err)
	}

	return &SaveResult{
		Location: fmt.Sprintf("s3://%s/%s", s.bucket, key),
		Name:     key,
		Size:     info.Size(),
		ETag:     aws.ToString(out.ETag),
	}, nil
}
