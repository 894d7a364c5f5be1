package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

// Logical path scheme under the single platform bucket.

// VideoObject returns the upload path of a session's video.
func VideoObject(sessionID string) string {
	return fmt.Sprintf("Uploads-mp4/%s/video.mp4", sessionID)
}

// KeypointsObject returns the upload path of a session's keypoints export.
func KeypointsObject(sessionID, filename string) string {
	return fmt.Sprintf("Uploads-CSV/%s/%s", sessionID, filename)
}

// ResultObject returns the publication path of an analysis artifact.
func ResultObject(recordingID, filename string) string {
	return fmt.Sprintf("Result-Output/%s/%s", recordingID, filename)
}

// LabelImageObject returns the publication path of a labeled image or plot.
func LabelImageObject(recordingID, filename string) string {
	return fmt.Sprintf("Label-Images/%s/%s", recordingID, filename)
}

// ObjectStoreConfig holds the MinIO connection settings.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// ObjectStore is the worker's client for the platform blob store. Stateless
// and safe for concurrent use by multiple worker slots; path-keyed writes
// keep different recordings from colliding.
type ObjectStore struct {
	client        *minio.Client
	bucket        string
	downloadTries int
	retryDelay    time.Duration
}

// NewObjectStore builds the client. No network I/O happens here; call
// EnsureBucket during startup to verify connectivity.
func NewObjectStore(cfg ObjectStoreConfig) (*ObjectStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client for %s: %w", cfg.Endpoint, err)
	}

	return &ObjectStore{
		client:        client,
		bucket:        cfg.Bucket,
		downloadTries: 3,
		retryDelay:    2 * time.Second,
	}, nil
}

// EnsureBucket creates the platform bucket if it does not exist yet.
func (s *ObjectStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}

	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	log.Info().Str("bucket", s.bucket).Msg("Created storage bucket")
	return nil
}

// Download fetches one object to a local file. Transient failures are
// retried with a linear backoff; a missing object is returned immediately
// since retrying cannot produce it.
func (s *ObjectStore) Download(ctx context.Context, objectPath, localPath string) error {
	var lastErr error
	for attempt := 1; attempt <= s.downloadTries; attempt++ {
		err := s.client.FGetObject(ctx, s.bucket, objectPath, localPath, minio.GetObjectOptions{})
		if err == nil {
			log.Debug().
				Str("object", objectPath).
				Str("local", localPath).
				Int("attempt", attempt).
				Msg("Downloaded object")
			return nil
		}

		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
			return fmt.Errorf("object %s not found: %w", objectPath, err)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("download %s: %w", objectPath, ctx.Err())
		}

		lastErr = err
		log.Warn().
			Err(err).
			Str("object", objectPath).
			Int("attempt", attempt).
			Msg("Download failed, retrying")
		time.Sleep(s.retryDelay * time.Duration(attempt))
	}

	return fmt.Errorf("download %s after %d attempts: %w", objectPath, s.downloadTries, lastErr)
}

// Upload publishes one local file. The caller is responsible for the
// existence gate; Upload itself treats a missing local file as an error.
func (s *ObjectStore) Upload(ctx context.Context, localPath, objectPath string) error {
	_, err := s.client.FPutObject(ctx, s.bucket, objectPath, localPath, minio.PutObjectOptions{
		ContentType: contentTypeFor(localPath),
	})
	if err != nil {
		return fmt.Errorf("upload %s to %s: %w", localPath, objectPath, err)
	}

	log.Debug().
		Str("local", localPath).
		Str("object", objectPath).
		Msg("Uploaded artifact")
	return nil
}

// Delete removes one object. Deleting a missing object is not an error.
func (s *ObjectStore) Delete(ctx context.Context, objectPath string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, objectPath, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s: %w", objectPath, err)
	}
	return nil
}

// List returns all object paths under a prefix.
func (s *ObjectStore) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		paths = append(paths, obj.Key)
	}
	return paths, nil
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4":
		return "video/mp4"
	case ".csv":
		return "text/csv"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".pdf":
		return "application/pdf"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
