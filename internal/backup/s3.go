package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"syncr-go/internal/syncr"
)

const s3MetadataTimeout = 30 * time.Second

// S3Options configures an S3Area. Static credentials are used when
// AccessKey is set; otherwise the default AWS credential chain applies.
type S3Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // S3-compatible endpoint; enables path-style addressing
	AccessKey string
	SecretKey string
}

// S3Area stores artifacts as objects under an optional key prefix.
type S3Area struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Area loads AWS configuration and builds the client.
func NewS3Area(ctx context.Context, opts S3Options) (*S3Area, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 backup area requires a bucket")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3AreaWithClient(client, opts.Bucket, opts.Prefix), nil
}

// NewS3AreaWithClient wraps an existing client.
func NewS3AreaWithClient(client *s3.Client, bucket, prefix string) *S3Area {
	return &S3Area{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}
}

func (a *S3Area) objectKey(key string) (string, error) {
	clean, err := syncr.CleanPath(key)
	if err != nil {
		return "", fmt.Errorf("invalid backup key: %w", err)
	}
	return a.prefix + clean, nil
}

func (a *S3Area) Put(key string, r io.Reader, size int64) error {
	exists, err := a.Exists(key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrExists, key)
	}

	objKey, err := a.objectKey(key)
	if err != nil {
		return err
	}

	cr := &countingReader{r: r}
	_, err = a.uploader.Upload(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(objKey),
		Body:   cr,
	})
	if err != nil {
		return fmt.Errorf("uploading backup artifact: %w", err)
	}

	if cr.n != size {
		// The upload succeeded with the wrong content; do not leave it behind.
		a.delete(objKey)
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, cr.n)
	}
	return nil
}

func (a *S3Area) delete(objKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), s3MetadataTimeout)
	defer cancel()
	a.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(a.bucket), Key: aws.String(objKey)})
}

func (a *S3Area) Get(key string, w io.Writer) error {
	objKey, err := a.objectKey(key)
	if err != nil {
		return err
	}

	resp, err := a.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", syncr.ErrMissingBackupArtifact, key)
		}
		return fmt.Errorf("downloading backup artifact: %w", err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("reading backup artifact: %w", err)
	}
	return nil
}

func (a *S3Area) Exists(key string) (bool, error) {
	objKey, err := a.objectKey(key)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s3MetadataTimeout)
	defer cancel()

	_, err = a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking backup artifact: %w", err)
	}
	return true, nil
}

// ValidateSetup checks that the bucket is reachable with the configured credentials.
func (a *S3Area) ValidateSetup() error {
	ctx, cancel := context.WithTimeout(context.Background(), s3MetadataTimeout)
	defer cancel()

	if _, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)}); err != nil {
		return fmt.Errorf("s3 bucket %s not accessible: %w", a.bucket, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

var _ syncr.BackupArea = (*S3Area)(nil)
