// Package objectstore stores original uploads and derived artifacts as opaque
// objects under tenant-namespaced keys.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by Get for a key that was never written.
var ErrNotFound = errors.New("object not found")

// FS keeps objects as files below a root directory. The content type of each
// object is kept in a sibling ".type" file.
type FS struct {
	root string
}

// NewFS creates the root directory if needed.
func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating object root: %w", err)
	}
	return &FS{root: root}, nil
}

func (s *FS) path(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

// Put writes data under key, replacing any previous object.
func (s *FS) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating object directory: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing object %s: %w", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing object %s: %w", key, err)
	}
	if err := os.WriteFile(p+".type", []byte(contentType), 0o644); err != nil {
		return fmt.Errorf("writing content type for %s: %w", key, err)
	}
	return nil
}

// Get returns the bytes stored under key.
func (s *FS) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading object %s: %w", key, err)
	}
	return b, nil
}

// ContentType returns the content type recorded by Put, or
// application/octet-stream when none was recorded.
func (s *FS) ContentType(key string) string {
	p, err := s.path(key)
	if err != nil {
		return "application/octet-stream"
	}
	b, err := os.ReadFile(p + ".type")
	if err != nil || len(b) == 0 {
		return "application/octet-stream"
	}
	return string(b)
}

// OriginalKey is where the uploaded bytes of a version live.
func OriginalKey(tenantID, documentID, versionID string) string {
	return fmt.Sprintf("tenant/%s/documents/%s/versions/%s/original", tenantID, documentID, versionID)
}

// ArtifactKey is where a derived artifact of a version lives.
func ArtifactKey(tenantID, documentID, versionID, kind string) string {
	return fmt.Sprintf("tenant/%s/documents/%s/versions/%s/artifacts/%s", tenantID, documentID, versionID, strings.ToLower(kind))
}
