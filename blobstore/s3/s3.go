// Package s3 stores overflow payloads in an S3 bucket. The container name is
// the bucket name and each blob is one object.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazons3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/drblury/rpcflow/blobstore"
)

// StoreName is the name used to register this backend.
const StoreName = "s3"

// API is the subset of the S3 client used by the store.
type API interface {
	HeadBucket(ctx context.Context, in *amazons3.HeadBucketInput, optFns ...func(*amazons3.Options)) (*amazons3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *amazons3.CreateBucketInput, optFns ...func(*amazons3.Options)) (*amazons3.CreateBucketOutput, error)
	PutObject(ctx context.Context, in *amazons3.PutObjectInput, optFns ...func(*amazons3.Options)) (*amazons3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *amazons3.GetObjectInput, optFns ...func(*amazons3.Options)) (*amazons3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *amazons3.HeadObjectInput, optFns ...func(*amazons3.Options)) (*amazons3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *amazons3.DeleteObjectInput, optFns ...func(*amazons3.Options)) (*amazons3.DeleteObjectOutput, error)
}

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// ClientFactory allows overriding the S3 client creation for testing.
var ClientFactory = func(cfg aws.Config, optFns ...func(*amazons3.Options)) API {
	return amazons3.NewFromConfig(cfg, optFns...)
}

func init() {
	blobstore.Register(StoreName, Build)
}

// Build creates an S3 backed store from the shared AWS settings.
func Build(ctx context.Context, cfg blobstore.Config, logger watermill.LoggerAdapter) (blobstore.Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region := cfg.GetAWSRegion(); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if accessKey, secretKey := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey(); accessKey != "" && secretKey != "" {
		logger.Info("Using static AWS credentials for S3 blob store", watermill.LogFields{})
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(accessKey, secretKey)))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("Failed to load AWS config for S3 blob store", err, watermill.LogFields{"region": cfg.GetAWSRegion()})
		return nil, err
	}
	if cfg.GetAWSRegion() != "" {
		awsCfg.Region = cfg.GetAWSRegion()
	}

	endpoint := cfg.GetAWSEndpoint()
	pathStyle := cfg.GetS3UsePathStyle()
	client := ClientFactory(awsCfg, func(o *amazons3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = pathStyle
	})

	logger.Info("Created S3 blob store", watermill.LogFields{
		"region":          awsCfg.Region,
		"custom_endpoint": endpoint != "",
		"path_style":      pathStyle,
	})
	return New(client, awsCfg.Region), nil
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}

// Store maps containers onto buckets.
type Store struct {
	client API
	region string
}

// New wraps an S3 client. region is used as the location constraint when a
// bucket has to be created.
func New(client API, region string) *Store {
	return &Store{client: client, region: region}
}

// Container returns the bucket called name, creating it when it does not exist.
func (s *Store) Container(ctx context.Context, name string) (blobstore.Container, error) {
	if _, err := s.client.HeadBucket(ctx, &amazons3.HeadBucketInput{Bucket: aws.String(name)}); err == nil {
		return &bucket{client: s.client, name: name}, nil
	}

	in := &amazons3.CreateBucketInput{Bucket: aws.String(name)}
	if s.region != "" && s.region != "us-east-1" {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}
	if _, err := s.client.CreateBucket(ctx, in); err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if !errors.As(err, &owned) {
			return nil, fmt.Errorf("s3: create bucket %q: %w", name, err)
		}
	}
	return &bucket{client: s.client, name: name}, nil
}

func (s *Store) Close() error { return nil }

type bucket struct {
	client API
	name   string
}

func (b *bucket) Name() string { return b.name }

func (b *bucket) BlockBlob(name string) blobstore.Blob {
	return &object{bucket: b, key: name}
}

type object struct {
	bucket *bucket
	key    string
}

func (o *object) Name() string { return o.key }

func (o *object) Upload(ctx context.Context, r io.Reader) error {
	_, err := o.bucket.client.PutObject(ctx, &amazons3.PutObjectInput{
		Bucket: aws.String(o.bucket.name),
		Key:    aws.String(o.key),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("s3: put %s/%s: %w", o.bucket.name, o.key, err)
	}
	return nil
}

func (o *object) Download(ctx context.Context, w io.Writer) error {
	out, err := o.bucket.client.GetObject(ctx, &amazons3.GetObjectInput{
		Bucket: aws.String(o.bucket.name),
		Key:    aws.String(o.key),
	})
	if err != nil {
		return translate(err, "get", o)
	}
	defer func() { _ = out.Body.Close() }()
	_, err = io.Copy(w, out.Body)
	return err
}

// Delete reports ErrBlobNotFound for absent keys. S3 itself treats deleting a
// missing key as success, so the key is checked first.
func (o *object) Delete(ctx context.Context) error {
	_, err := o.bucket.client.HeadObject(ctx, &amazons3.HeadObjectInput{
		Bucket: aws.String(o.bucket.name),
		Key:    aws.String(o.key),
	})
	if err != nil {
		return translate(err, "head", o)
	}
	_, err = o.bucket.client.DeleteObject(ctx, &amazons3.DeleteObjectInput{
		Bucket: aws.String(o.bucket.name),
		Key:    aws.String(o.key),
	})
	if err != nil {
		return translate(err, "delete", o)
	}
	return nil
}

func translate(err error, op string, o *object) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return blobstore.ErrBlobNotFound
	}
	return fmt.Errorf("s3: %s %s/%s: %w", op, o.bucket.name, o.key, err)
}
