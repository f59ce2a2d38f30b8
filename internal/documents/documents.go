// Package documents implements the upload workflow: documents, versions,
// their original bytes and the hand-off to the processing pipeline.
package documents

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/attest/internal/ingest"
	"github.com/kalambet/attest/internal/objectstore"
	"github.com/kalambet/attest/internal/storage"
)

// ErrInvalid marks a request the caller has to fix.
var ErrInvalid = errors.New("invalid request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// ObjectStore is the subset of the object store the workflow needs.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

type Service struct {
	store   *storage.Store
	objects ObjectStore
	logger  *slog.Logger
}

func NewService(store *storage.Store, objects ObjectStore) *Service {
	return &Service{store: store, objects: objects, logger: slog.Default()}
}

func (s *Service) CreateDocument(ctx context.Context, tenantID, userID, title string, typ storage.DocumentType, source string) (storage.Document, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return storage.Document{}, invalid("title is required")
	}
	if _, ok := storage.ParseDocumentType(string(typ)); !ok {
		return storage.Document{}, invalid("unknown document type %q", typ)
	}
	return s.store.CreateDocument(ctx, storage.Document{
		TenantID:  tenantID,
		Title:     title,
		Type:      typ,
		Source:    source,
		CreatedBy: userID,
	})
}

func (s *Service) ListDocuments(ctx context.Context, tenantID string) ([]storage.Document, error) {
	return s.store.ListDocuments(ctx, tenantID)
}

// VersionInput describes an upload announced before its bytes arrive.
// SizeBytes and Checksum are optional and verified by PutOriginal.
type VersionInput struct {
	Filename  string
	MimeType  string
	SizeBytes int64
	Checksum  string
}

// CreateVersion registers the next version of a document in UPLOADED state.
func (s *Service) CreateVersion(ctx context.Context, tenantID, userID, documentID string, in VersionInput) (storage.DocumentVersion, error) {
	if strings.TrimSpace(in.Filename) == "" {
		return storage.DocumentVersion{}, invalid("filename is required")
	}
	if in.SizeBytes < 0 {
		return storage.DocumentVersion{}, invalid("size must not be negative")
	}
	if _, err := s.store.GetDocument(ctx, tenantID, documentID); err != nil {
		return storage.DocumentVersion{}, err
	}
	if in.MimeType == "" {
		in.MimeType = "application/octet-stream"
	}

	// The object key embeds the version id, so it is chosen here.
	id := uuid.NewString()
	v, err := s.store.CreateVersion(ctx, storage.DocumentVersion{
		ID:                id,
		TenantID:          tenantID,
		DocumentID:        documentID,
		Status:            storage.VersionUploaded,
		OriginalFilename:  in.Filename,
		MimeType:          in.MimeType,
		SizeBytes:         in.SizeBytes,
		Checksum:          normalizeChecksum(in.Checksum),
		ObjectKeyOriginal: objectstore.OriginalKey(tenantID, documentID, id),
		CreatedBy:         userID,
	})
	if err != nil {
		return storage.DocumentVersion{}, err
	}
	s.logger.Info("version created", "tenant_id", tenantID, "version_id", v.ID, "version_num", v.VersionNum)
	return v, nil
}

// PutOriginal stores the uploaded bytes of a version. A size or checksum
// announced at CreateVersion must match.
func (s *Service) PutOriginal(ctx context.Context, tenantID, versionID string, data []byte) error {
	v, err := s.store.GetVersion(ctx, tenantID, versionID)
	if err != nil {
		return err
	}
	if v.SizeBytes > 0 && int64(len(data)) != v.SizeBytes {
		return invalid("size mismatch: announced %d bytes, received %d", v.SizeBytes, len(data))
	}
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])
	if v.Checksum != "" && v.Checksum != checksum {
		return invalid("checksum mismatch")
	}
	if err := s.objects.Put(ctx, v.ObjectKeyOriginal, data, v.MimeType); err != nil {
		return fmt.Errorf("storing original: %w", err)
	}
	return s.store.UpdateVersionContent(ctx, tenantID, versionID, int64(len(data)), checksum)
}

// CompleteUpload moves an UPLOADED version to PROCESSING and submits its
// PARSE job. Calling it again while the version is processing is a no-op; a
// version that is already READY or FAILED is rejected with ErrInvalid.
func (s *Service) CompleteUpload(ctx context.Context, tenantID, versionID string) (storage.DocumentVersion, error) {
	v, err := s.store.GetVersion(ctx, tenantID, versionID)
	if err != nil {
		return storage.DocumentVersion{}, err
	}
	if v.Status == storage.VersionUploaded {
		if _, err := s.objects.Get(ctx, v.ObjectKeyOriginal); errors.Is(err, objectstore.ErrNotFound) {
			return storage.DocumentVersion{}, invalid("no content uploaded for version %s", versionID)
		} else if err != nil {
			return storage.DocumentVersion{}, err
		}
	}

	job, err := ingest.SubmitParse(ctx, s.store, tenantID, versionID)
	switch {
	case errors.Is(err, storage.ErrJobActive):
		s.logger.Debug("version already processing", "tenant_id", tenantID, "version_id", versionID)
	case errors.Is(err, storage.ErrVersionState):
		cur, gerr := s.store.GetVersion(ctx, tenantID, versionID)
		if gerr != nil {
			return storage.DocumentVersion{}, gerr
		}
		if cur.Status != storage.VersionProcessing {
			return storage.DocumentVersion{}, invalid("version %s is already %s", versionID, cur.Status)
		}
	case err != nil:
		return storage.DocumentVersion{}, fmt.Errorf("submitting parse: %w", err)
	default:
		s.logger.Info("upload completed", "tenant_id", tenantID, "version_id", versionID, "job_id", job.ID)
	}
	return s.store.GetVersion(ctx, tenantID, versionID)
}

// VersionView is a version together with its artifacts and jobs.
type VersionView struct {
	Version   storage.DocumentVersion
	Artifacts []storage.Artifact
	Jobs      []storage.Job
}

func (s *Service) GetVersion(ctx context.Context, tenantID, versionID string) (VersionView, error) {
	v, err := s.store.GetVersion(ctx, tenantID, versionID)
	if err != nil {
		return VersionView{}, err
	}
	artifacts, err := s.store.ListArtifacts(ctx, tenantID, versionID)
	if err != nil {
		return VersionView{}, err
	}
	jobs, err := s.store.ListJobs(ctx, tenantID, versionID)
	if err != nil {
		return VersionView{}, err
	}
	return VersionView{Version: v, Artifacts: artifacts, Jobs: jobs}, nil
}

// ArtifactContent returns the bytes and content type of one artifact.
func (s *Service) ArtifactContent(ctx context.Context, tenantID, versionID string, kind storage.ArtifactKind) ([]byte, string, error) {
	if _, ok := storage.ParseArtifactKind(string(kind)); !ok {
		return nil, "", invalid("unknown artifact kind %q", kind)
	}
	a, err := s.store.GetArtifact(ctx, tenantID, versionID, kind)
	if err != nil {
		return nil, "", err
	}
	data, err := s.objects.Get(ctx, a.ObjectKey)
	if err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", kind, err)
	}
	return data, a.ContentType, nil
}

func normalizeChecksum(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	return strings.TrimPrefix(c, "sha256:")
}
