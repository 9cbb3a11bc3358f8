package usercode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"processagent/internal/agent"
	"processagent/internal/apperrors"
	"processagent/internal/config"
	"processagent/internal/job"
	"processagent/internal/store"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArchiveConfig configures the S3-compatible bucket receiving job reports.
type ArchiveConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Prefix    string
	UseSSL    bool
}

// LoadArchiveConfigFromEnv reads PA_ARCHIVE_* variables. Keys are read from
// the files named by PA_ARCHIVE_ACCESS_KEY_FILE and PA_ARCHIVE_SECRET_KEY_FILE.
func LoadArchiveConfigFromEnv() ArchiveConfig {
	cfg := ArchiveConfig{
		Endpoint:  config.GetEnv("PA_ARCHIVE_ENDPOINT", ""),
		AccessKey: config.GetSecretFile(config.GetEnv("PA_ARCHIVE_ACCESS_KEY_FILE", "")),
		SecretKey: config.GetSecretFile(config.GetEnv("PA_ARCHIVE_SECRET_KEY_FILE", "")),
		Bucket:    config.GetEnv("PA_ARCHIVE_BUCKET", ""),
		Region:    config.GetEnv("PA_ARCHIVE_REGION", ""),
		Prefix:    config.GetEnv("PA_ARCHIVE_PREFIX", ""),
		UseSSL:    config.GetBoolEnv("PA_ARCHIVE_USE_SSL", false),
	}
	return cfg.withDefaults()
}

func (c ArchiveConfig) withDefaults() ArchiveConfig {
	if c.Bucket == "" {
		c.Bucket = "process-agent"
	}
	if c.Prefix == "" {
		c.Prefix = "reports"
	}
	return c
}

// Enabled reports whether an endpoint is configured.
func (c ArchiveConfig) Enabled() bool {
	return c.Endpoint != ""
}

// NewMinioClient connects to the configured endpoint.
func NewMinioClient(cfg ArchiveConfig) (*minio.Client, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, apperrors.Validation("archive", "access and secret keys are required")
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
}

// ObjectStore is the part of the minio client the archiver uses.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Report is the document archived when an agent is done.
type Report struct {
	AgentID    string       `json:"agentId"`
	FinishedAt time.Time    `json:"finishedAt"`
	Counts     store.Counts `json:"counts"`
	Jobs       []job.View   `json:"jobs"`
}

// Archiver uploads a report of every job when the agent is done.
type Archiver struct {
	client  ObjectStore
	cfg     ArchiveConfig
	agentID string
	logger  *slog.Logger
	now     func() time.Time
}

// NewArchiver creates an archiver writing reports of agentID.
func NewArchiver(client ObjectStore, agentID string, cfg ArchiveConfig) *Archiver {
	return &Archiver{
		client:  client,
		cfg:     cfg.withDefaults(),
		agentID: agentID,
		logger:  slog.With("component", "archiver", "agent", agentID),
		now:     time.Now,
	}
}

// EnsureBucket creates the bucket when missing.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.cfg.Bucket, minio.MakeBucketOptions{Region: a.cfg.Region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", a.cfg.Bucket, err)
	}
	a.logger.Info("Created report bucket", "bucket", a.cfg.Bucket)
	return nil
}

// Key returns the object name of a report written at t.
func (a *Archiver) Key(t time.Time) string {
	return path.Join(a.cfg.Prefix, a.agentID, t.UTC().Format("20060102T150405Z")+".json")
}

// Archive uploads the report of s and returns its object name.
func (a *Archiver) Archive(ctx context.Context, s *store.Store) (string, error) {
	now := a.now()
	all := s.GetAll()
	report := Report{
		AgentID:    a.agentID,
		FinishedAt: now.UTC(),
		Counts:     s.Counts(),
		Jobs:       make([]job.View, 0, len(all)),
	}
	for _, j := range all {
		report.Jobs = append(report.Jobs, j.View())
	}

	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", apperrors.Internal("archive.marshal", err)
	}

	key := a.Key(now)
	if _, err := a.client.PutObject(ctx, a.cfg.Bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	}); err != nil {
		return "", apperrors.Internal("archive.put", err)
	}
	a.logger.Info("Archived job report", "bucket", a.cfg.Bucket, "key", key, "jobs", len(report.Jobs))
	return key, nil
}

// WrapDone returns a done callback that runs next, then archives the report.
// Archive failures are logged, not returned: the agent is already exiting.
func (a *Archiver) WrapDone(next agent.DoneFunc) agent.DoneFunc {
	return func(ctx context.Context, s *store.Store) error {
		var err error
		if next != nil {
			err = next(ctx, s)
		}
		if _, archiveErr := a.Archive(ctx, s); archiveErr != nil {
			a.logger.Error("Failed to archive job report", "error", archiveErr)
		}
		return err
	}
}
