package objectstore

import (
	"context"
	"errors"
	"testing"
)

func TestPutGet(t *testing.T) {
	s, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	ctx := context.Background()
	key := OriginalKey("t1", "d1", "v1")

	if err := s.Put(ctx, key, []byte("first"), "text/plain"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, key, []byte("second"), "text/markdown"); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "second" {
		t.Errorf("Get = %q, want %q", got, "second")
	}
	if ct := s.ContentType(key); ct != "text/markdown" {
		t.Errorf("ContentType = %q, want text/markdown", ct)
	}
}

func TestGetMissing(t *testing.T) {
	s, _ := NewFS(t.TempDir())
	_, err := s.Get(context.Background(), "tenant/t1/nothing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing: err = %v, want ErrNotFound", err)
	}
}

func TestRejectsEscapingKeys(t *testing.T) {
	s, _ := NewFS(t.TempDir())
	for _, key := range []string{"", "/etc/passwd", "../outside", "a/../../b"} {
		if err := s.Put(context.Background(), key, []byte("x"), ""); err == nil {
			t.Errorf("Put(%q) succeeded, want error", key)
		}
	}
}

func TestKeys(t *testing.T) {
	if got, want := ArtifactKey("t", "d", "v", "PARSED_JSON"), "tenant/t/documents/d/versions/v/artifacts/parsed_json"; got != want {
		t.Errorf("ArtifactKey = %q, want %q", got, want)
	}
	if got, want := OriginalKey("t", "d", "v"), "tenant/t/documents/d/versions/v/original"; got != want {
		t.Errorf("OriginalKey = %q, want %q", got, want)
	}
}
