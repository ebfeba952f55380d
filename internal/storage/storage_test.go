package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	mimes   map[string]string
	err     error
}

func (b *memoryBucket) Upload(_ context.Context, path string, r io.Reader, _ int64, mime string) error {
	if b.err != nil {
		return b.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objects == nil {
		b.objects = map[string][]byte{}
		b.mimes = map[string]string{}
	}
	b.objects[path] = data
	b.mimes[path] = mime
	return nil
}

func (b *memoryBucket) PublicURL(path string) string {
	return "https://cdn.example/" + path
}

func TestAttachmentPath(t *testing.T) {
	now := time.UnixMilli(1714550400123)
	tests := []struct {
		filename string
		want     string
	}{
		{"figure.PNG", "chat/u1/1714550400123.png"},
		{"notes.final.pdf", "chat/u1/1714550400123.pdf"},
		{"voice-1.webm", "chat/u1/1714550400123.webm"},
		{"README", "chat/u1/1714550400123.readme"},
		{"trailing.", "chat/u1/1714550400123.bin"},
	}
	for _, tt := range tests {
		if got := AttachmentPath("u1", tt.filename, now); got != tt.want {
			t.Errorf("AttachmentPath(%q) = %s, want %s", tt.filename, got, tt.want)
		}
	}
}

func TestUploadAttachment(t *testing.T) {
	b := &memoryBucket{}
	now := time.UnixMilli(1000)

	obj, err := UploadAttachment(context.Background(), b, "u1", "a.png", strings.NewReader("png"), 3, "image/png", now)
	require.NoError(t, err)
	assert.Equal(t, Object{Path: "chat/u1/1000.png", URL: "https://cdn.example/chat/u1/1000.png", Mime: "image/png", Size: 3}, obj)
	assert.Equal(t, []byte("png"), b.objects["chat/u1/1000.png"])

	_, err = UploadAttachment(context.Background(), b, "u1", "a.png", strings.NewReader(""), 0, "image/png", now)
	assert.ErrorIs(t, err, ErrEmptyObject)

	b.err = errors.New("bucket offline")
	_, err = UploadAttachment(context.Background(), b, "u1", "a.png", strings.NewReader("png"), 3, "image/png", now)
	assert.Error(t, err)
}

func TestSupabaseBucket(t *testing.T) {
	var gotPath, gotAuth, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		if strings.Contains(r.URL.Path, "exists") {
			http.Error(w, `{"error":"Duplicate"}`, http.StatusConflict)
			return
		}
		_, _ = w.Write([]byte(`{"Key":"chat_media/x"}`))
	}))
	defer srv.Close()

	b := NewSupabaseBucket(srv.URL, "service-key", "")
	err := b.Upload(context.Background(), "chat/u1/1.png", bytes.NewReader([]byte("img")), 3, "image/png")
	require.NoError(t, err)
	assert.Equal(t, "/storage/v1/object/chat_media/chat/u1/1.png", gotPath)
	assert.Equal(t, "Bearer service-key", gotAuth)
	assert.Equal(t, "image/png", gotType)
	assert.Equal(t, []byte("img"), gotBody)
	assert.Equal(t, srv.URL+"/storage/v1/object/public/chat_media/chat/u1/1.png", b.PublicURL("chat/u1/1.png"))

	err = b.Upload(context.Background(), "exists.png", bytes.NewReader([]byte("img")), 3, "image/png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
}

func TestMinioBucketUpload(t *testing.T) {
	var mu sync.Mutex
	var puts []string
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		if r.Method == http.MethodPut {
			mu.Lock()
			puts = append(puts, r.URL.Path)
			contentType = r.Header.Get("Content-Type")
			mu.Unlock()
		}
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b, err := NewMinioBucket(MinioConfig{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "minio",
		SecretKey: "minio-secret",
	})
	require.NoError(t, err)

	err = b.Upload(context.Background(), "chat/u1/1.png", bytes.NewReader([]byte("img")), 3, "image/png")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/chat_media/chat/u1/1.png"}, puts)
	assert.Equal(t, "image/png", contentType)
	assert.Equal(t, srv.URL+"/chat_media/chat/u1/1.png", b.PublicURL("chat/u1/1.png"))
}
