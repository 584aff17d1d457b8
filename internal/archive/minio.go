// Package archive retains approved change-set snapshots in S3-compatible
// object storage, one JSON object per approval.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"countersign/api/internal/signoff"
)

// Config holds object storage settings. An empty Endpoint disables
// archiving.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Service uploads snapshots to object storage.
type Service struct {
	client *minio.Client
	bucket string
}

// New creates the archive service and ensures the target bucket exists.
func New(ctx context.Context, cfg Config) (*Service, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check archive bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create archive bucket: %w", err)
		}
		log.Printf("archive: created bucket %s", cfg.Bucket)
	}

	return &Service{client: client, bucket: cfg.Bucket}, nil
}

// ArchiveSnapshot stores the snapshot under
// {bucket}/{collection}/{timestamp}.json.
func (s *Service) ArchiveSnapshot(ctx context.Context, workflow *signoff.Workflow, snapshot *signoff.Snapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	objectName := fmt.Sprintf("%s/%s/%d.json",
		workflow.Source.Bucket, workflow.Source.Collection, time.Now().UnixMilli())
	_, err = s.client.PutObject(ctx, s.bucket, objectName,
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("upload snapshot %s: %w", objectName, err)
	}
	return nil
}
