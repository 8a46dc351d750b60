// Package gcs provides an ArtifactStore backed by Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/roster-crawler/internal/roster"
	"github.com/JakeFAU/roster-crawler/internal/storage/csvcodec"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// Prefix is prepended to every object name.
	Prefix string
}

// ArtifactStore writes one CSV object per task to a bucket.
type ArtifactStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed artifact store.
func New(client *storage.Client, cfg Config) (*ArtifactStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &ArtifactStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// ObjectName returns the object key for task.
func (s *ArtifactStore) ObjectName(task roster.CoarseTaskID) string {
	name := csvcodec.FileName(task)
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// URI returns the gs:// location of the task's artifact.
func (s *ArtifactStore) URI(task roster.CoarseTaskID) string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, s.ObjectName(task))
}

// Write uploads the encoded artifact, replacing any existing object.
func (s *ArtifactStore) Write(ctx context.Context, artifact roster.Artifact) error {
	var buf bytes.Buffer
	if err := csvcodec.Encode(&buf, artifact); err != nil {
		return fmt.Errorf("encode artifact %s: %w", artifact.Task, err)
	}

	writer := s.client.Bucket(s.bucket).Object(s.ObjectName(artifact.Task)).NewWriter(ctx)
	writer.ContentType = csvcodec.ContentType
	if _, err := writer.Write(buf.Bytes()); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Read downloads and decodes the task's artifact, or returns roster.ErrNotFound.
func (s *ArtifactStore) Read(ctx context.Context, task roster.CoarseTaskID) (roster.Artifact, error) {
	reader, err := s.client.Bucket(s.bucket).Object(s.ObjectName(task)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return roster.Artifact{}, fmt.Errorf("artifact %s: %w", task, roster.ErrNotFound)
	}
	if err != nil {
		return roster.Artifact{}, fmt.Errorf("open object %s: %w", s.URI(task), err)
	}
	defer reader.Close()

	artifact, err := csvcodec.Decode(reader, task)
	if err != nil {
		return roster.Artifact{}, fmt.Errorf("decode object %s: %w", s.URI(task), err)
	}
	return artifact, nil
}

// Exists reports whether the task's object is present.
func (s *ArtifactStore) Exists(ctx context.Context, task roster.CoarseTaskID) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(s.ObjectName(task)).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat object %s: %w", s.URI(task), err)
	}
}
