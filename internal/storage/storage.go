// Package storage uploads chat attachments to an object store and resolves
// their public URLs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// DefaultBucket holds chat media.
const DefaultBucket = "chat_media"

var ErrEmptyObject = errors.New("storage: empty object")

// Bucket is a public object bucket.
type Bucket interface {
	Upload(ctx context.Context, path string, r io.Reader, size int64, mime string) error
	PublicURL(path string) string
}

// Object describes an uploaded attachment.
type Object struct {
	Path string `json:"path"`
	URL  string `json:"url"`
	Mime string `json:"mime"`
	Size int64  `json:"size"`
}

// AttachmentPath returns chat/{userID}/{unixMillis}.{ext}.
func AttachmentPath(userID, filename string, now time.Time) string {
	ext := filename
	if i := strings.LastIndex(filename, "."); i >= 0 {
		ext = filename[i+1:]
	}
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		ext = "bin"
	}
	return fmt.Sprintf("chat/%s/%d.%s", userID, now.UnixMilli(), ext)
}

// UploadAttachment stores r for userID and returns the object's public
// location.
func UploadAttachment(ctx context.Context, b Bucket, userID, filename string, r io.Reader, size int64, mime string, now time.Time) (Object, error) {
	if userID == "" {
		return Object{}, errors.New("storage: user id is required")
	}
	if size <= 0 {
		return Object{}, ErrEmptyObject
	}
	if mime == "" {
		mime = "application/octet-stream"
	}
	path := AttachmentPath(userID, filename, now)
	if err := b.Upload(ctx, path, r, size, mime); err != nil {
		return Object{}, fmt.Errorf("upload %s: %w", path, err)
	}
	return Object{Path: path, URL: b.PublicURL(path), Mime: mime, Size: size}, nil
}
