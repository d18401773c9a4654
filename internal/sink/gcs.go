package sink

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/option"
)

const uploadTimeout = 2 * time.Minute

// GCSSink uploads each export as one object under prefix.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
	now    func() time.Time
}

// NewGCSSink creates a storage client. An empty credentialsFile uses
// Application Default Credentials.
func NewGCSSink(ctx context.Context, bucket, prefix, credentialsFile string) (*GCSSink, error) {
	if bucket == "" {
		return nil, fmt.Errorf("NewGCSSink: bucket is required")
	}
	client, err := storage.NewClient(ctx, ClientOptions(credentialsFile)...)
	if err != nil {
		return nil, fmt.Errorf("NewGCSSink: create storage client: %w", err)
	}
	return &GCSSink{client: client, bucket: bucket, prefix: prefix, now: time.Now}, nil
}

// ObjectName places filename under prefix/<date>/<uuid>/ so repeated exports
// with the same row count never overwrite each other.
func (s *GCSSink) ObjectName(filename string) string {
	return objectName(s.prefix, s.now(), uuid.NewString(), filename)
}

func objectName(prefix string, at time.Time, id, filename string) string {
	return path.Join(strings.Trim(prefix, "/"), at.UTC().Format("2006-01-02"), id, filename)
}

func (s *GCSSink) Save(ctx context.Context, filename, text, mimeType string) error {
	if err := validFilename(filename); err != nil {
		return err
	}
	objectName := s.ObjectName(filename)

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(objectName).NewWriter(ctx)
	w.ContentType = mimeType
	w.Metadata = map[string]string{"source": "risk-monitor", "filename": filename}

	if _, err := io.Copy(w, strings.NewReader(text)); err != nil {
		// Cancelling before Close aborts the upload; no object is created.
		cancel()
		_ = w.Close()
		return fmt.Errorf("copy export to GCS writer: %w", err)
	}

	// Close to finalize the upload
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize upload gs://%s/%s: %w", s.bucket, objectName, err)
	}
	return nil
}

func (s *GCSSink) Close() error {
	return s.client.Close()
}

// ClientOptions uses credentialsFile when set, otherwise application default credentials.
func ClientOptions(credentialsFile string) []option.ClientOption {
	if credentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(credentialsFile)}
}
