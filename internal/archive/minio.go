// Package archive copies flushed snapshots to S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/Leen4k/pdf-chat-notes-sub000/internal/crdt"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/export"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/store"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// objectStore is the subset of the MinIO client the archive uses.
type objectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archive writes every flushed snapshot twice: an immutable versioned object
// and a "latest" object that is overwritten, plus an HTML rendering.
type Archive struct {
	objects objectStore
	bucket  string
	log     *zap.Logger
}

// New connects to the object store and creates the bucket if needed.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		log.Info("archive bucket created", zap.String("bucket", cfg.Bucket))
	}
	return newArchive(client, cfg.Bucket, log), nil
}

func newArchive(objects objectStore, bucket string, log *zap.Logger) *Archive {
	return &Archive{objects: objects, bucket: bucket, log: log.Named("archive")}
}

func (a *Archive) Name() string {
	return "minio-archive"
}

// Object is the archived form of a snapshot.
type Object struct {
	DocumentID    string          `json:"documentId"`
	Version       uint64          `json:"version"`
	SchemaVersion int             `json:"schemaVersion"`
	State         json.RawMessage `json:"state"`
	Content       json.RawMessage `json:"content"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func VersionKey(documentID string, version uint64) string {
	return fmt.Sprintf("documents/%s/v%d.json", documentID, version)
}

func LatestKey(documentID string) string {
	return fmt.Sprintf("documents/%s/latest.json", documentID)
}

func HTMLKey(documentID string) string {
	return fmt.Sprintf("documents/%s/latest.html", documentID)
}

func (a *Archive) SnapshotFlushed(ctx context.Context, snap store.Snapshot) error {
	body, err := json.Marshal(Object{
		DocumentID:    snap.DocumentID,
		Version:       snap.Version,
		SchemaVersion: snap.SchemaVersion,
		State:         snap.State,
		Content:       snap.Content,
		UpdatedAt:     snap.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode archive object: %w", err)
	}
	for _, key := range []string{VersionKey(snap.DocumentID, snap.Version), LatestKey(snap.DocumentID)} {
		if err := a.put(ctx, key, body, "application/json"); err != nil {
			return err
		}
	}

	var content crdt.Content
	if err := json.Unmarshal(snap.Content, &content); err != nil {
		return fmt.Errorf("decode content for html: %w", err)
	}
	page, err := export.Render(export.Document{
		ID:        snap.DocumentID,
		Version:   snap.Version,
		Content:   content,
		UpdatedAt: snap.UpdatedAt,
	}, export.FormatHTML)
	if err != nil {
		return err
	}
	if err := a.put(ctx, HTMLKey(snap.DocumentID), page.Data, page.MimeType); err != nil {
		return err
	}
	a.log.Debug("snapshot archived", zap.String("documentId", snap.DocumentID), zap.Uint64("version", snap.Version))
	return nil
}

func (a *Archive) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := a.objects.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", a.bucket, key, err)
	}
	return nil
}
