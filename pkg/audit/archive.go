// Package audit keeps a write-once copy of every terminal settlement record in
// object storage. The archive is not authoritative; the ledger is.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/web3ekko/ekko-settler/pkg/settlement"
)

// Archiver stores terminal records.
type Archiver interface {
	Archive(ctx context.Context, rec settlement.Request) error
}

// Nop archives nothing.
type Nop struct{}

func (Nop) Archive(context.Context, settlement.Request) error { return nil }

// ObjectStore is the part of *minio.Client the archiver uses.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioConfig contains configuration for the MinIO archive.
type MinioConfig struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	UseSSL     bool
	BucketName string
	BasePath   string
}

// MinioArchiver writes one JSON object per terminal record.
type MinioArchiver struct {
	client   ObjectStore
	bucket   string
	basePath string
	log      *zap.Logger
}

// NewMinioArchiver connects to MinIO and creates the bucket if it is missing.
func NewMinioArchiver(ctx context.Context, cfg MinioConfig, log *zap.Logger) (*MinioArchiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	a := NewArchiver(client, cfg.BucketName, cfg.BasePath, log)
	return a, a.ensureBucket(ctx)
}

// NewArchiver archives through an existing client.
func NewArchiver(client ObjectStore, bucket, basePath string, log *zap.Logger) *MinioArchiver {
	if log == nil {
		log = zap.NewNop()
	}
	return &MinioArchiver{
		client:   client,
		bucket:   bucket,
		basePath: strings.Trim(basePath, "/"),
		log:      log,
	}
}

func (a *MinioArchiver) ensureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("failed to check if bucket %s exists: %w", a.bucket, err)
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", a.bucket, err)
		}
		a.log.Info("created audit bucket", zap.String("bucket", a.bucket))
	}
	return nil
}

// ObjectPath is the key a terminal record is archived under, partitioned by
// pipeline, status and the day the record became terminal.
func ObjectPath(rec settlement.Request) string {
	at := rec.CreatedAt
	if rec.DisbursedAt != nil {
		at = *rec.DisbursedAt
	}
	at = at.UTC()
	return fmt.Sprintf("settlements/pipeline=%s/status=%s/year=%04d/month=%02d/day=%02d/%s.json",
		rec.Pipeline, rec.Status, at.Year(), int(at.Month()), at.Day(), settlement.IDString(rec.RequestID))
}

func (a *MinioArchiver) Archive(ctx context.Context, rec settlement.Request) error {
	if !rec.Status.Terminal() {
		return fmt.Errorf("refusing to archive pending record %s", settlement.IDString(rec.RequestID))
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	object := ObjectPath(rec)
	if a.basePath != "" {
		object = path.Join(a.basePath, object)
	}
	info, err := a.client.PutObject(ctx, a.bucket, object, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"pipeline":   rec.Pipeline.String(),
				"status":     rec.Status.String(),
				"archivedAt": time.Now().UTC().Format(time.RFC3339),
			},
		})
	if err != nil {
		return fmt.Errorf("failed to upload object %s: %w", object, err)
	}
	a.log.Debug("record archived", zap.String("object", object), zap.Int64("size", info.Size))
	return nil
}
