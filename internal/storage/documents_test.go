package storage

import (
	"context"
	"errors"
	"testing"
)

func TestCreateVersionNumbersSequentially(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	d, v1 := seedVersion(t, s, "tenant-a", DocumentPolicy)

	v2, err := s.CreateVersion(ctx, DocumentVersion{TenantID: "tenant-a", DocumentID: d.ID, ObjectKeyOriginal: "k2"})
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if v1.VersionNum != 1 || v2.VersionNum != 2 {
		t.Errorf("version numbers = %d, %d, want 1, 2", v1.VersionNum, v2.VersionNum)
	}
	if v2.Status != VersionUploaded {
		t.Errorf("Status = %q, want %q", v2.Status, VersionUploaded)
	}

	versions, err := s.ListVersions(ctx, "tenant-a", d.ID)
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 2 || versions[0].ID != v1.ID || versions[1].ID != v2.ID {
		t.Errorf("ListVersions returned %d versions in wrong order", len(versions))
	}
}

func TestCreateVersionRejectsForeignDocument(t *testing.T) {
	s := openTestStore(t)
	d, _ := seedVersion(t, s, "tenant-a", DocumentPolicy)

	_, err := s.CreateVersion(context.Background(), DocumentVersion{TenantID: "tenant-b", DocumentID: d.ID, ObjectKeyOriginal: "k"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("CreateVersion for other tenant's document: err = %v, want ErrNotFound", err)
	}
}

func TestDocumentTenantIsolation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	d, v := seedVersion(t, s, "tenant-a", DocumentPolicy)

	if _, err := s.GetDocument(ctx, "tenant-b", d.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDocument cross-tenant: err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetVersion(ctx, "tenant-b", v.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetVersion cross-tenant: err = %v, want ErrNotFound", err)
	}
	if err := s.SetVersionStatus(ctx, "tenant-b", v.ID, VersionReady); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetVersionStatus cross-tenant: err = %v, want ErrNotFound", err)
	}
	docs, err := s.ListDocuments(ctx, "tenant-b")
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("ListDocuments(tenant-b) = %d docs, want 0", len(docs))
	}

	got, err := s.GetDocument(ctx, "tenant-a", d.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Title != d.Title || got.Type != DocumentPolicy {
		t.Errorf("GetDocument = %+v, want title %q type POLICY", got, d.Title)
	}
}

func TestUpsertArtifactReplacesSameKind(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, v := seedVersion(t, s, "tenant-a", DocumentPolicy)

	for _, key := range []string{"first", "second"} {
		if _, err := s.UpsertArtifact(ctx, Artifact{
			TenantID:          "tenant-a",
			DocumentVersionID: v.ID,
			Kind:              ArtifactExtractedText,
			ObjectKey:         key,
			ContentType:       "text/plain",
			SizeBytes:         int64(len(key)),
		}); err != nil {
			t.Fatalf("UpsertArtifact(%s): %v", key, err)
		}
	}

	arts, err := s.ListArtifacts(ctx, "tenant-a", v.ID)
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(arts) != 1 {
		t.Fatalf("ListArtifacts = %d artifacts, want 1", len(arts))
	}
	if arts[0].ObjectKey != "second" {
		t.Errorf("ObjectKey = %q, want %q", arts[0].ObjectKey, "second")
	}

	if _, err := s.GetArtifact(ctx, "tenant-a", v.ID, ArtifactParsedJSON); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetArtifact missing kind: err = %v, want ErrNotFound", err)
	}
}

func TestUpdateVersionContent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, v := seedVersion(t, s, "tenant-a", DocumentPolicy)

	if err := s.UpdateVersionContent(ctx, "tenant-a", v.ID, 1234, "abc123"); err != nil {
		t.Fatalf("UpdateVersionContent: %v", err)
	}
	got, err := s.GetVersion(ctx, "tenant-a", v.ID)
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if got.SizeBytes != 1234 || got.Checksum != "abc123" {
		t.Errorf("size/checksum = %d/%q, want 1234/%q", got.SizeBytes, got.Checksum, "abc123")
	}
}

func TestParseDocumentType(t *testing.T) {
	if _, ok := ParseDocumentType("POLICY"); !ok {
		t.Error("ParseDocumentType(POLICY) not ok")
	}
	if _, ok := ParseDocumentType("policy"); ok {
		t.Error("ParseDocumentType(policy) ok, want case-sensitive rejection")
	}
}
