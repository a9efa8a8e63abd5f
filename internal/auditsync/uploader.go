// Package auditsync ships the local audit log to an S3-compatible bucket.
// Pending records are written as zstd-compressed NDJSON objects, one per
// batch, and stamped synced only after the bucket accepted the object.
package auditsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"

	"github.com/dmitrijs2005/poskeeper/internal/audit"
	"github.com/dmitrijs2005/poskeeper/internal/clock"
	"github.com/dmitrijs2005/poskeeper/internal/common"
	"github.com/dmitrijs2005/poskeeper/internal/logging"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// ObjectPutter is the part of *s3.Client the uploader needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Options struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// NewS3Client builds a path-style client for S3 or MinIO.
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := loadDefaultAWSConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = true
	}), nil
}

type Options struct {
	Bucket     string
	Prefix     string
	TerminalID string
	// BatchSize caps records per object.
	BatchSize int
	// RetentionDays is passed to audit.Log.Cleanup after each flush.
	RetentionDays int
}

type Uploader struct {
	audit  *audit.Log
	putter ObjectPutter
	opts   Options
	clock  clock.Clock
	log    logging.Logger
	enc    *zstd.Encoder
}

func New(a *audit.Log, p ObjectPutter, opts Options, clk clock.Clock, log logging.Logger) (*Uploader, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("%w: audit bucket is required", common.ErrInvalidArgument)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.TerminalID == "" {
		opts.TerminalID = "terminal"
	}
	if clk == nil {
		clk = clock.Real()
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	return &Uploader{audit: a, putter: p, opts: opts, clock: clk, log: log.With("module", "auditsync"), enc: enc}, nil
}

// Flush uploads every pending record and returns how many were shipped.
// A failed upload stops the flush; the batch stays pending.
func (u *Uploader) Flush(ctx context.Context) (int, error) {
	total := 0
	for {
		batch, err := u.audit.Pending(ctx, u.opts.BatchSize)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}
		if err := u.upload(ctx, batch); err != nil {
			return total, err
		}

		ids := make([]string, len(batch))
		for i, r := range batch {
			ids[i] = r.ID
		}
		n, err := u.audit.MarkSynced(ctx, ids)
		if err != nil {
			return total, err
		}
		total += n
		if len(batch) < u.opts.BatchSize {
			return total, nil
		}
	}
}

func (u *Uploader) upload(ctx context.Context, batch []audit.Record) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range batch {
		if err := enc.Encode(&batch[i]); err != nil {
			return err
		}
	}
	body := u.enc.EncodeAll(buf.Bytes(), nil)

	key := u.objectKey(batch[0].ID)
	_, err := u.putter.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(u.opts.Bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("zstd"),
		Metadata:        map[string]string{"records": fmt.Sprint(len(batch))},
	})
	if err != nil {
		return fmt.Errorf("%w: put %s: %w", common.ErrSyncFailure, key, err)
	}
	u.log.Debug(ctx, "audit batch uploaded", "key", key, "records", len(batch), "bytes", len(body))
	return nil
}

// objectKey is <prefix>/<terminal>/<yyyy>/<mm>/<dd>/<first record id>.ndjson.zst
func (u *Uploader) objectKey(firstID string) string {
	day := u.clock.Now().UTC().Format("2006/01/02")
	return path.Join(u.opts.Prefix, u.opts.TerminalID, day, firstID+".ndjson.zst")
}

// Sync flushes and then applies the retention window.
func (u *Uploader) Sync(ctx context.Context) error {
	n, err := u.Flush(ctx)
	if n > 0 {
		u.log.Info(ctx, "audit records shipped", "count", n)
	}
	if err != nil {
		return err
	}
	if u.opts.RetentionDays > 0 {
		removed, err := u.audit.Cleanup(ctx, u.opts.RetentionDays)
		if err != nil {
			return err
		}
		if removed > 0 {
			u.log.Info(ctx, "old audit records removed", "count", removed)
		}
	}
	return nil
}

// Run syncs once at start, then every interval until ctx is done.
func (u *Uploader) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := u.Sync(ctx); err != nil && ctx.Err() == nil {
			u.log.Warn(ctx, "audit sync failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
