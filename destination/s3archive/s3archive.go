// Package s3archive implements destination.Destination against an
// S3-compatible object store, archiving each entity's raw JSON payload as
// one object. It exists for deployments that want a durable, queryable
// audit trail of everything that ever passed through a sync job, separate
// from the queryable vector destination.
package s3archive

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/evalgo/airweave-sync/entity"
)

// Config describes the bucket and endpoint an archive destination targets.
// Endpoint is optional; leave it empty to talk to AWS S3 proper, or set it
// to point at any S3-compatible endpoint.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// Destination archives entity payloads to S3-compatible object storage.
// Delete is a best-effort tag-and-skip: object storage archives are meant
// to be immutable history, so orphaned entities are marked rather than
// removed, preserving the audit trail.
type Destination struct {
	client *s3.Client
	bucket string
}

const maxConcurrentUploads = 16

var sharedHTTPClient = &http.Client{
	Timeout: 60 * time.Second,
}

// Open builds an S3 client and ensures the configured bucket exists.
func Open(ctx context.Context, cfg Config) (*Destination, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(sharedHTTPClient),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3archive: loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	dest := &Destination{client: client, bucket: cfg.Bucket}
	if err := dest.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return dest, nil
}

func (d *Destination) ensureBucket(ctx context.Context) error {
	_, err := d.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(d.bucket)})
	if err == nil {
		return nil
	}
	_, err = d.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(d.bucket)})
	if err != nil {
		return fmt.Errorf("s3archive: creating bucket %s: %w", d.bucket, err)
	}
	return nil
}

func (d *Destination) Name() string { return "s3_archive" }

func (d *Destination) Close() error { return nil }

// Upsert uploads each entity as an individual JSON object keyed by
// source_connection_id/entity_id, bounding concurrency at
// maxConcurrentUploads the way the reference multi-file uploader does.
func (d *Destination) Upsert(ctx context.Context, entities []entity.Entity) error {
	uploader := manager.NewUploader(d.client)

	sem := make(chan struct{}, maxConcurrentUploads)
	errCh := make(chan error, len(entities))

	for _, e := range entities {
		e := e
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			errCh <- d.uploadOne(ctx, uploader, e)
		}()
	}
	for i := 0; i < cap(sem); i++ {
		sem <- struct{}{}
	}

	var firstErr error
	for i := 0; i < len(entities); i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *Destination) uploadOne(ctx context.Context, uploader *manager.Uploader, e entity.Entity) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("s3archive: encoding entity %s: %w", e.EntityID, err)
	}

	sum := md5.Sum(data)
	md5Header := base64.StdEncoding.EncodeToString(sum[:])

	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(objectKey(e.SourceConnectionID, e.EntityID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata:    map[string]string{"content-md5": md5Header},
	})
	if err != nil {
		return fmt.Errorf("s3archive: uploading entity %s: %w", e.EntityID, err)
	}
	return nil
}

// Delete tags orphaned objects instead of removing them, so the archive
// remains a complete append-only history of everything ever synced.
func (d *Destination) Delete(ctx context.Context, sourceConnectionID string, entityIDs []string) error {
	for _, id := range entityIDs {
		key := objectKey(sourceConnectionID, id)
		_, err := d.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:            aws.String(d.bucket),
			Key:               aws.String(key),
			CopySource:        aws.String(d.bucket + "/" + key),
			MetadataDirective: types.MetadataDirectiveReplace,
			Metadata:          map[string]string{"orphaned-at": time.Now().UTC().Format(time.RFC3339)},
		})
		if err != nil {
			return fmt.Errorf("s3archive: tagging orphan %s: %w", id, err)
		}
	}
	return nil
}

// ListObjects returns every archived object key for a source connection,
// paginating through ListObjectsV2 continuation tokens.
func (d *Destination) ListObjects(ctx context.Context, sourceConnectionID string) ([]string, error) {
	prefix := sourceConnectionID + "/"
	var keys []string
	var continuationToken *string

	for {
		out, err := d.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(d.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("s3archive: listing objects under %s: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		continuationToken = out.NextContinuationToken
	}
	return keys, nil
}

func objectKey(sourceConnectionID, entityID string) string {
	return strings.TrimSuffix(sourceConnectionID, "/") + "/" + entityID + ".json"
}
