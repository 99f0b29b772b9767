package storage

import (
	"context"
	"io"
	"path"
	"time"

	"github.com/google/uuid"
)

// ArtifactStore keeps finished videos. Keys are slash-separated and relative.
type ArtifactStore interface {
	// Save uploads the file at localPath under key.
	Save(ctx context.Context, key, localPath, contentType string) error
	// Open returns the stored object; a missing key yields apperr.ErrNotFound.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// Signer is implemented by stores that can hand out temporary download URLs.
type Signer interface {
	SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// ArtifactKey is the storage key of a job's final video.
func ArtifactKey(jobID uuid.UUID) string {
	return path.Join("jobs", jobID.String(), "final.mp4")
}
