package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"assetvault/internal/domain"
)

// S3Config holds the connection settings for an S3-compatible endpoint
// (MinIO, SeaweedFS, real S3).
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
}

// S3Provider stores assets in an S3-compatible object store. The client is
// constructed lazily on first use and reused for the provider's lifetime.
type S3Provider struct {
	cfg S3Config

	mu     sync.Mutex
	client *s3.Client
}

// NewS3Provider builds an S3 provider. No network activity happens until the
// first store or read call.
func NewS3Provider(cfg S3Config) *S3Provider {
	return &S3Provider{cfg: cfg}
}

// ProviderName returns the persisted provider tag.
func (p *S3Provider) ProviderName() string { return domain.StorageProviderS3 }

// DefaultBucket returns the configured bucket.
func (p *S3Provider) DefaultBucket() string { return p.cfg.Bucket }

// KeyForAssetID returns the sharded object key for an asset ID.
func (p *S3Provider) KeyForAssetID(assetID string) string {
	assetID = strings.ToLower(strings.TrimSpace(assetID))
	shard := "xx"
	if len(assetID) >= 2 {
		shard = assetID[:2]
	}
	return path.Join("assets", shard, assetID)
}

func (p *S3Provider) getClient(ctx context.Context) (*s3.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}

	if p.cfg.Endpoint == "" {
		return nil, fmt.Errorf("storage: s3 endpoint not configured")
	}
	if p.cfg.AccessKey == "" || p.cfg.SecretKey == "" {
		return nil, fmt.Errorf("storage: s3 credentials not configured")
	}

	endpoint := p.cfg.Endpoint
	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{URL: endpoint}, nil
	})

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithEndpointResolverWithOptions(resolver),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			p.cfg.AccessKey,
			p.cfg.SecretKey,
			"",
		)),
		awsconfig.WithRegion(p.cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}

	p.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Path-style addressing for self-hosted S3 endpoints.
		o.UsePathStyle = true
	})
	return p.client, nil
}

// EnsureBucket checks the bucket exists and best-effort creates it otherwise.
func (p *S3Provider) EnsureBucket(ctx context.Context, bucket string) error {
	if bucket == "" {
		bucket = p.cfg.Bucket
	}
	client, err := p.getClient(ctx)
	if err != nil {
		return err
	}
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err == nil {
		return nil
	}
	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return fmt.Errorf("storage: create bucket %q: %w", bucket, err)
	}
	return nil
}

// PutFile uploads the file at sourcePath as a whole object. The source file
// is only read, never modified or removed.
func (p *S3Provider) PutFile(ctx context.Context, sourcePath string, loc S3ObjectLocation) error {
	client, err := p.getClient(ctx)
	if err != nil {
		return err
	}
	if err := p.EnsureBucket(ctx, loc.Bucket); err != nil {
		return err
	}

	f, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("storage: open upload source: %w", err)
	}
	defer f.Close()

	if _, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
		Body:   f,
	}); err != nil {
		return fmt.Errorf("storage: put object: %w", err)
	}
	return nil
}

// HeadSize returns the object size via a metadata-only request.
func (p *S3Provider) HeadSize(ctx context.Context, loc S3ObjectLocation) (int64, error) {
	client, err := p.getClient(ctx)
	if err != nil {
		return 0, err
	}
	out, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return 0, fmt.Errorf("storage: head object: %w", err)
	}
	if out.ContentLength == nil {
		return 0, nil
	}
	return *out.ContentLength, nil
}

// OpenRange issues a byte-range-restricted read and returns the response body
// as a stream; bytes are never buffered in full.
func (p *S3Provider) OpenRange(ctx context.Context, loc S3ObjectLocation, start, end int64) (io.ReadCloser, error) {
	client, err := p.getClient(ctx)
	if err != nil {
		return nil, err
	}
	rangeHeader := fmt.Sprintf("bytes=%d-%d", start, end)
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: get object range: %w", err)
	}
	return out.Body, nil
}
