// Package media archives inbound WhatsApp attachments to S3. Messages keep
// only the object key.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/wolfman30/whatsapp-concierge/pkg/logging"
)

// MaxObjectBytes caps a single archived attachment.
const MaxObjectBytes = 16 << 20

// ErrTooLarge is returned when an attachment exceeds MaxObjectBytes.
var ErrTooLarge = errors.New("media: object too large")

// S3API is the subset of the S3 client used by Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Object is an attachment ready to be archived.
type Object struct {
	TenantID          string
	ProviderMessageID string
	ContentType       string
	Data              []byte
}

// Store writes attachments under a per-tenant prefix.
type Store struct {
	bucket   string
	s3Client S3API
	logger   *logging.Logger
	now      func() time.Time
}

// NewStore creates a media Store. If bucket is empty, Put is a no-op that
// returns an empty key.
func NewStore(s3Client S3API, bucket string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{bucket: strings.TrimSpace(bucket), s3Client: s3Client, logger: logger, now: time.Now}
}

// Enabled returns true if archival is configured.
func (s *Store) Enabled() bool {
	return s != nil && s.bucket != "" && s.s3Client != nil
}

// Put archives obj and returns its object key.
func (s *Store) Put(ctx context.Context, obj Object) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	if obj.TenantID == "" {
		return "", errors.New("media: tenant id required")
	}
	if len(obj.Data) == 0 {
		return "", errors.New("media: empty object")
	}
	if len(obj.Data) > MaxObjectBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, len(obj.Data))
	}

	key := s.objectKey(obj)
	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	metadata := map[string]string{"tenant-id": obj.TenantID}
	if obj.ProviderMessageID != "" {
		metadata["provider-message-id"] = obj.ProviderMessageID
	}

	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(obj.Data),
		ContentType: aws.String(contentType),
		Metadata:    metadata,
	})
	if err != nil {
		return "", fmt.Errorf("media: s3 put %s: %w", key, err)
	}

	s.logger.Info("archived inbound media",
		"tenant_id", obj.TenantID,
		"s3_key", key,
		"bytes", len(obj.Data),
	)
	return key, nil
}

func (s *Store) objectKey(obj Object) string {
	now := s.now().UTC()
	return fmt.Sprintf("media/v1/%s/%d/%02d/%02d/%s%s",
		obj.TenantID, now.Year(), now.Month(), now.Day(), uuid.NewString(), extensionFor(obj.ContentType))
}

func extensionFor(contentType string) string {
	base, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	switch base {
	case "audio/ogg":
		return ".ogg"
	case "image/jpeg":
		return ".jpg"
	case "application/pdf":
		return ".pdf"
	}
	exts, err := mime.ExtensionsByType(base)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}
