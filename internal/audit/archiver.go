// Package audit exports the conflict audit log to S3-compatible storage.
// When no bucket is configured the NoopArchiver is used and the audit log
// stays local.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/tether/internal/config"
	"github.com/hyperengineering/tether/internal/types"
)

// ErrNotConfigured is returned when audit export is not configured.
var ErrNotConfigured = errors.New("audit archive not configured")

// Archiver ships a batch of audit records to long-term storage.
type Archiver interface {
	// Archive writes records as one object and returns its key.
	Archive(ctx context.Context, records []types.ConflictAudit) (string, error)
	// Enabled reports whether archived records leave the host.
	Enabled() bool
}

// s3Client is the subset of *minio.Client the S3Archiver calls.
type s3Client interface {
	PutObject(ctx context.Context, bucket, objectName string, r io.Reader, size int64, contentType string) error
}

type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) PutObject(ctx context.Context, bucket, objectName string, r io.Reader, size int64, contentType string) error {
	_, err := w.client.PutObject(ctx, bucket, objectName, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

// S3Archiver writes JSON-lines batches to a bucket.
type S3Archiver struct {
	client s3Client
	bucket string
	prefix string
}

// Archive encodes records as JSON lines and uploads them under
// {prefix}/{first-id}-{last-id}.jsonl.
func (a *S3Archiver) Archive(ctx context.Context, records []types.ConflictAudit) (string, error) {
	if len(records) == 0 {
		return "", nil
	}

	body, err := EncodeJSONL(records)
	if err != nil {
		return "", err
	}

	key := ObjectKey(a.prefix, records[0].ID, records[len(records)-1].ID)
	if err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("upload audit batch to S3: %w", err)
	}

	slog.Info("audit batch archived",
		"component", "audit",
		"action", "archive",
		"bucket", a.bucket,
		"key", key,
		"records", len(records),
	)
	return key, nil
}

// Enabled is always true for an S3Archiver.
func (a *S3Archiver) Enabled() bool { return true }

// NoopArchiver is used when audit storage is not configured.
type NoopArchiver struct{}

// Archive returns ErrNotConfigured.
func (NoopArchiver) Archive(context.Context, []types.ConflictAudit) (string, error) {
	return "", ErrNotConfigured
}

// Enabled is always false for a NoopArchiver.
func (NoopArchiver) Enabled() bool { return false }

// NewArchiver returns a NoopArchiver when the bucket is empty and an
// S3Archiver otherwise.
func NewArchiver(cfg config.AuditConfig) (Archiver, error) {
	if cfg.Bucket == "" {
		return NoopArchiver{}, nil
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.SSL(),
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Archiver{
		client: &minioClientWrapper{client: client},
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// EncodeJSONL renders records one JSON object per line.
func EncodeJSONL(records []types.ConflictAudit) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("encode audit record %d: %w", r.ID, err)
		}
	}
	return buf.Bytes(), nil
}

// ObjectKey names the object holding audit rows first..last.
// Convention: {prefix}/{yyyy}/{mm}/{first}-{last}.jsonl, zero-padded so keys
// sort by id.
func ObjectKey(prefix string, first, last int64) string {
	now := time.Now().UTC()
	key := fmt.Sprintf("%04d/%02d/%012d-%012d.jsonl", now.Year(), int(now.Month()), first, last)
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}
