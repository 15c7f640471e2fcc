package storage

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/supabase-community/supabase-go"

	"github.com/chadiek/voice-checkout/internal/config"
)

// ErrNotConfigured is returned when the Supabase URL or service key is missing.
var ErrNotConfigured = errors.New("missing Supabase configuration: SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY required")

// objectUploader is the slice of the storage client used here.
type objectUploader interface {
	upload(bucket, key string, data []byte) error
}

type supabaseUploader struct {
	client *supabase.Client
}

func (u supabaseUploader) upload(bucket, key string, data []byte) error {
	_, err := u.client.Storage.UploadFile(bucket, key, bytes.NewReader(data))
	return err
}

// SupabaseStorage stores checkout orders in a Supabase Storage bucket.
type SupabaseStorage struct {
	bucket   string
	uploader objectUploader
}

// NewSupabaseStorage connects to the bucket described by cfg.
func NewSupabaseStorage(cfg config.Storage) (*SupabaseStorage, error) {
	if strings.TrimSpace(cfg.SupabaseURL) == "" || strings.TrimSpace(cfg.SupabaseServiceRoleKey) == "" {
		return nil, ErrNotConfigured
	}
	client, err := supabase.NewClient(strings.TrimRight(cfg.SupabaseURL, "/"), cfg.SupabaseServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create Supabase client: %w", err)
	}
	return &SupabaseStorage{bucket: cfg.Bucket, uploader: supabaseUploader{client: client}}, nil
}

// Upload writes data under key. The storage API infers the content type from the key.
func (s *SupabaseStorage) Upload(key, contentType string, data []byte) error {
	if key == "" {
		return fmt.Errorf("upload to Supabase: empty object key")
	}
	if err := s.uploader.upload(s.bucket, key, data); err != nil {
		return fmt.Errorf("upload %s (%s) to Supabase: %w", key, contentType, err)
	}
	return nil
}
