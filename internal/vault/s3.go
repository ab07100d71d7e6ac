package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"keep/internal/config"
	"keep/internal/keep"
)

// S3Vault is an object-storage implementation of the Vault interface.
// Paths map to object keys preserving directory-like prefixes, optionally
// under a configured key prefix. Works against AWS S3 and S3-compatible
// endpoints (MinIO) via the endpoint override.
type S3Vault struct {
	name     string
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

var _ keep.Vault = (*S3Vault)(nil)

// NewS3Vault builds a client from the vault config using static credentials
// and the configured endpoint/region.
func NewS3Vault(ctx context.Context, cfg config.VaultConfig) (*S3Vault, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.S3AccessKey,
			cfg.S3SecretKey,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		o.UsePathStyle = true // required for MinIO-style endpoints
	})

	return &S3Vault{
		name:     cfg.Name,
		bucket:   cfg.S3Bucket,
		prefix:   strings.Trim(cfg.S3Prefix, "/"),
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

// objectKey maps a vault key to the full S3 object key.
func (v *S3Vault) objectKey(key string) string {
	if v.prefix == "" {
		return key
	}
	return v.prefix + "/" + key
}

// vaultKey strips the configured prefix from a full S3 object key.
func (v *S3Vault) vaultKey(objectKey string) string {
	if v.prefix == "" {
		return objectKey
	}
	return strings.TrimPrefix(objectKey, v.prefix+"/")
}

// Put uploads the object, using multipart upload for large bodies.
func (v *S3Vault) Put(ctx context.Context, key string, r io.Reader, size int64) (*keep.Receipt, error) {
	_, err := v.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.objectKey(key)),
		Body:   r,
	})
	if err != nil {
		return nil, classifyS3Err(fmt.Errorf("uploading %s: %w", key, err))
	}
	return &keep.Receipt{Key: key, Size: size, Written: time.Now()}, nil
}

// Get downloads the object at key and writes it to w.
func (v *S3Vault) Get(ctx context.Context, key string, w io.Writer) error {
	out, err := v.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.objectKey(key)),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return fmt.Errorf("%w: %s", keep.ErrObjectNotFound, key)
		}
		return classifyS3Err(fmt.Errorf("getting %s: %w", key, err))
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("reading object body: %w", err)
	}
	return nil
}

// Delete removes the object at key. S3 delete of a missing key already
// succeeds, matching the idempotent contract.
func (v *S3Vault) Delete(ctx context.Context, key string) error {
	_, err := v.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.objectKey(key)),
	})
	if err != nil {
		return classifyS3Err(fmt.Errorf("deleting %s: %w", key, err))
	}
	return nil
}

// List returns objects under prefix using ListObjectsV2 pagination.
func (v *S3Vault) List(ctx context.Context, prefix string) ([]keep.ObjectInfo, error) {
	var objects []keep.ObjectInfo

	paginator := s3.NewListObjectsV2Paginator(v.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(v.bucket),
		Prefix: aws.String(v.objectKey(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classifyS3Err(fmt.Errorf("listing %s: %w", prefix, err))
		}
		for _, obj := range page.Contents {
			info := keep.ObjectInfo{Key: v.vaultKey(aws.ToString(obj.Key))}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			if obj.LastModified != nil {
				info.ModTime = *obj.LastModified
			}
			objects = append(objects, info)
		}
	}
	return objects, nil
}

// TestConnection performs a minimal write-then-read-then-cleanup probe to
// confirm write access without leaving residue, distinguishing credential
// errors from network errors from bucket/permission errors.
func (v *S3Vault) TestConnection(ctx context.Context) (*keep.ProbeResult, error) {
	probeKey := "keep/probe-" + uuid.New().String()
	payload := "probe"

	if _, err := v.Put(ctx, probeKey, strings.NewReader(payload), int64(len(payload))); err != nil {
		return &keep.ProbeResult{Err: err, Detail: fmt.Sprintf("probe write failed: %v", err)}, nil
	}

	var buf strings.Builder
	if err := v.Get(ctx, probeKey, &buf); err != nil || buf.String() != payload {
		v.Delete(ctx, probeKey)
		return &keep.ProbeResult{Err: fmt.Errorf("%w: probe read-back failed", keep.ErrVaultUnreachable), Detail: "probe read-back failed"}, nil
	}

	if err := v.Delete(ctx, probeKey); err != nil {
		return &keep.ProbeResult{Err: err, Detail: fmt.Sprintf("probe cleanup failed: %v", err)}, nil
	}

	return &keep.ProbeResult{OK: true, Detail: fmt.Sprintf("bucket %s writable", v.bucket)}, nil
}

// classifyS3Err maps S3 API failures onto the vault error taxonomy.
// Anything that is not an API error (DNS failure, refused connection,
// timeout) counts as unreachable.
func classifyS3Err(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", keep.ErrVaultUnreachable, err)
	}

	switch apiErr.ErrorCode() {
	case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "TokenRefreshRequired":
		return fmt.Errorf("%w: %v", keep.ErrVaultAuthFailed, err)
	case "AccessDenied", "AllAccessDisabled":
		return fmt.Errorf("%w: %v", keep.ErrVaultWriteDenied, err)
	case "NoSuchBucket", "PermanentRedirect":
		return fmt.Errorf("%w: %v", keep.ErrVaultUnreachable, err)
	default:
		return fmt.Errorf("%w: %v", keep.ErrVaultUnreachable, err)
	}
}
