// Package s3 provides an S3-compatible storage backend.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/fruitsalade/assetspace/internal/logging"
	"github.com/fruitsalade/assetspace/internal/storage"
)

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	OpTimeout time.Duration
}

// Backend implements storage.Backend using S3/MinIO.
type Backend struct {
	client    *s3.Client
	presign   *s3.PresignClient
	bucket    string
	opTimeout time.Duration
}

// New creates a new S3 storage backend.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 30 * time.Second
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO
		}
	})

	b := &Backend{
		client:    client,
		presign:   s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		opTimeout: cfg.OpTimeout,
	}

	// Verify bucket exists
	if err := b.ensureBucket(ctx); err != nil {
		logging.Error("bucket check failed", logging.String("bucket", cfg.Bucket), logging.Err(err))
	}

	return b, nil
}

func (b *Backend) ensureBucket(ctx context.Context) error {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()

	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		// Try to create
		_, createErr := b.client.CreateBucket(ctx, &s3.CreateBucketInput{
			Bucket: aws.String(b.bucket),
		})
		if createErr != nil {
			return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, createErr)
		}
		logging.Info("created S3 bucket", logging.String("bucket", b.bucket))
	}
	return nil
}

func (b *Backend) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.opTimeout)
}

// classify maps SDK errors onto storage errors: 404 is not-found, network
// failures, throttling and 5xx are retryable, any other response is terminal.
func classify(op, key string, err error) error {
	if err == nil {
		return nil
	}

	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return storage.NotFound(op, key)
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		switch {
		case status == http.StatusNotFound:
			return storage.NotFound(op, key)
		case status == http.StatusTooManyRequests || status >= 500:
			return storage.Transient(op, key, err)
		default:
			return storage.Terminal(op, key, err)
		}
	}

	if errors.Is(err, context.Canceled) {
		return storage.Terminal(op, key, err)
	}
	// Timeouts and transport failures never produced a response.
	return storage.Transient(op, key, err)
}

// Put uploads content to S3.
func (b *Backend) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()

	if body == nil || strings.HasSuffix(key, "/") {
		body = strings.NewReader("")
		size = 0
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	_, err := b.client.PutObject(ctx, input)
	return classify("put", key, err)
}

// Get returns the object body. The per-call timeout covers the response
// headers only; the body is read under the caller's context.
func (b *Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify("get", key, err)
	}
	return result.Body, nil
}

// Delete removes an object from S3. Absent objects are not an error.
func (b *Backend) Delete(ctx context.Context, key string) error {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err = classify("delete", key, err); storage.IsNotFound(err) {
		return nil
	}
	return err
}

// DeleteBatch removes keys with DeleteObjects, one request per chunk.
func (b *Backend) DeleteBatch(ctx context.Context, keys []string) (map[string]bool, error) {
	return storage.ChunkedDelete(ctx, keys, storage.MaxBatchSize, b.deleteChunk)
}

func (b *Backend) deleteChunk(ctx context.Context, chunk []string) (map[string]bool, error) {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()

	ids := make([]types.ObjectIdentifier, len(chunk))
	for i, k := range chunk {
		ids[i] = types.ObjectIdentifier{Key: aws.String(k)}
	}

	out, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(b.bucket),
		Delete: &types.Delete{
			Objects: ids,
			Quiet:   aws.Bool(false),
		},
	})
	if err != nil {
		return nil, classify("delete_batch", "", err)
	}

	results := make(map[string]bool, len(chunk))
	for _, d := range out.Deleted {
		results[aws.ToString(d.Key)] = true
	}
	for _, e := range out.Errors {
		key := aws.ToString(e.Key)
		results[key] = false
		logging.Warn("batch delete item failed",
			logging.Key(key),
			logging.String("code", aws.ToString(e.Code)),
			logging.String("message", aws.ToString(e.Message)),
		)
	}
	return results, nil
}

// Copy copies an object within the bucket.
func (b *Backend) Copy(ctx context.Context, srcKey, dstKey string) error {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()

	source := b.bucket + "/" + storage.EscapeKey(srcKey)
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		CopySource: aws.String(source),
		Key:        aws.String(dstKey),
	})
	return classify("copy", srcKey, err)
}

// List returns one level under prefix using the "/" delimiter.
func (b *Backend) List(ctx context.Context, prefix string) (*storage.Listing, error) {
	listing := &storage.Listing{}
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	for paginator.HasMorePages() {
		page, err := b.nextPage(ctx, paginator)
		if err != nil {
			return nil, classify("list", prefix, err)
		}
		for _, cp := range page.CommonPrefixes {
			listing.Prefixes = append(listing.Prefixes, aws.ToString(cp.Prefix))
		}
		for _, obj := range page.Contents {
			if aws.ToString(obj.Key) == prefix {
				continue // the folder's own marker
			}
			listing.Objects = append(listing.Objects, objectInfo(obj))
		}
	}
	return listing, nil
}

// Walk visits every object under prefix, one page per callback.
func (b *Backend) Walk(ctx context.Context, prefix string, fn func([]storage.ObjectInfo) error) error {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(storage.MaxBatchSize),
	})

	for paginator.HasMorePages() {
		page, err := b.nextPage(ctx, paginator)
		if err != nil {
			return classify("walk", prefix, err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		objs := make([]storage.ObjectInfo, len(page.Contents))
		for i, obj := range page.Contents {
			objs[i] = objectInfo(obj)
		}
		if err := fn(objs); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) nextPage(ctx context.Context, p *s3.ListObjectsV2Paginator) (*s3.ListObjectsV2Output, error) {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()
	return p.NextPage(ctx)
}

func objectInfo(obj types.Object) storage.ObjectInfo {
	return storage.ObjectInfo{
		Key:          aws.ToString(obj.Key),
		Size:         aws.ToInt64(obj.Size),
		LastModified: aws.ToTime(obj.LastModified),
	}
}

// Exists checks if an object exists using HeadObject.
func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := b.Size(ctx, key)
	return ok, err
}

// Size returns the object's content length.
func (b *Backend) Size(ctx context.Context, key string) (int64, bool, error) {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()

	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if err = classify("head", key, err); storage.IsNotFound(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return aws.ToInt64(out.ContentLength), true, nil
}

// PresignedURL returns a presigned GET URL.
func (b *Backend) PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = storage.DefaultLinkTTL
	}
	req, err := b.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}, func(po *s3.PresignOptions) {
		po.Expires = ttl
	})
	if err != nil {
		return "", storage.Terminal("presign", key, err)
	}
	return req.URL, nil
}

// Type returns "s3".
func (b *Backend) Type() string { return "s3" }

// Close is a no-op; the SDK client holds no resources that need release.
func (b *Backend) Close() error { return nil }
