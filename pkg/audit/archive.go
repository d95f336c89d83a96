package audit

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/platinummonkey/tenantgate/pkg/observability"
)

// Archiver stores a batch of expired events before they are deleted.
type Archiver interface {
	Archive(ctx context.Context, key string, events []*Event) error
}

// ObjectPutter is the subset of *s3.Client the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config locates the archive bucket. Endpoint is set for S3-compatible
// stores such as MinIO.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
}

// S3Archiver uploads NDJSON batches to a bucket.
type S3Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
}

// NewS3Archiver builds an S3 client from cfg.
func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3ArchiverWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3ArchiverWithClient uses an existing client.
func NewS3ArchiverWithClient(client ObjectPutter, bucket, prefix string) *S3Archiver {
	if prefix == "" {
		prefix = "audit"
	}
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

// Archive writes events under prefix/key.
func (a *S3Archiver) Archive(ctx context.Context, key string, events []*Event) error {
	var buf bytes.Buffer
	if err := EncodeNDJSON(&buf, events); err != nil {
		return err
	}

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.prefix + "/" + key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String(ExportFormatNDJSON.ContentType()),
	})
	if err != nil {
		return fmt.Errorf("failed to upload audit archive: %w", err)
	}
	return nil
}

// RetentionStore is what Retention needs from Store.
type RetentionStore interface {
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Event, error)
	DeleteIDs(ctx context.Context, ids []string) (int64, error)
}

// Retention deletes events older than the retention period, archiving each
// batch first when an Archiver is configured. A failed upload stops the run
// before that batch is deleted.
type Retention struct {
	store     RetentionStore
	archiver  Archiver
	retention time.Duration
	batchSize int
	logger    *observability.Logger
	now       func() time.Time
}

// NewRetention creates a retention job. archiver may be nil.
func NewRetention(store RetentionStore, archiver Archiver, retentionDays int, logger *observability.Logger) *Retention {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Retention{
		store:     store,
		archiver:  archiver,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		batchSize: 1000,
		logger:    logger,
		now:       time.Now,
	}
}

// RetentionResult summarizes a run.
type RetentionResult struct {
	Archived int
	Deleted  int64
	Batches  int
}

// Run processes expired events batch by batch until none remain.
func (r *Retention) Run(ctx context.Context) (RetentionResult, error) {
	var res RetentionResult
	cutoff := r.now().UTC().Add(-r.retention)

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		events, err := r.store.ListBefore(ctx, cutoff, r.batchSize)
		if err != nil {
			return res, err
		}
		if len(events) == 0 {
			break
		}

		if r.archiver != nil {
			key := fmt.Sprintf("%s/%s.ndjson", events[0].Timestamp.Format("2006/01/02"), events[0].ID)
			if err := r.archiver.Archive(ctx, key, events); err != nil {
				return res, err
			}
			res.Archived += len(events)
		}

		ids := make([]string, len(events))
		for i, e := range events {
			ids[i] = e.ID
		}
		n, err := r.store.DeleteIDs(ctx, ids)
		if err != nil {
			return res, err
		}
		res.Deleted += n
		res.Batches++

		if len(events) < r.batchSize {
			break
		}
	}

	r.logger.WithFields(map[string]interface{}{
		"archived": res.Archived,
		"deleted":  res.Deleted,
		"cutoff":   cutoff.Format(time.RFC3339),
	}).Info("Audit retention complete")
	return res, nil
}
