package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SupabaseBucket stores objects through the Supabase Storage REST API.
type SupabaseBucket struct {
	baseURL    string
	apiKey     string
	bucket     string
	httpClient *http.Client
}

func NewSupabaseBucket(baseURL, apiKey, bucket string) *SupabaseBucket {
	if bucket == "" {
		bucket = DefaultBucket
	}
	return &SupabaseBucket{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		bucket:  bucket,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (b *SupabaseBucket) Upload(ctx context.Context, path string, r io.Reader, size int64, mime string) error {
	endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s", b.baseURL, b.bucket, strings.TrimLeft(path, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, r)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("apikey", b.apiKey)
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	req.Header.Set("Content-Type", mime)
	req.Header.Set("x-upsert", "false")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("supabase storage error (status %d): %s", resp.StatusCode, string(body))
	}
	return nil
}

func (b *SupabaseBucket) PublicURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", b.baseURL, b.bucket, strings.TrimLeft(path, "/"))
}
