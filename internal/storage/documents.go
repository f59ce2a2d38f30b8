package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// --- Documents ---

// CreateDocument inserts a document. An empty ID is assigned.
func (s *Store) CreateDocument(ctx context.Context, d Document) (Document, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.CreatedAt = s.now().UTC()
	_, err := s.exec(ctx, s.db, `
		INSERT INTO documents (id, tenant_id, title, type, source, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TenantID, d.Title, string(d.Type), d.Source, d.CreatedBy, formatTime(d.CreatedAt),
	)
	if err != nil {
		return Document{}, fmt.Errorf("inserting document: %w", err)
	}
	return d, nil
}

const documentColumns = `id, tenant_id, title, type, source, created_by, created_at`

func scanDocument(sc interface{ Scan(...any) error }) (Document, error) {
	var d Document
	var typ, createdAt string
	if err := sc.Scan(&d.ID, &d.TenantID, &d.Title, &typ, &d.Source, &d.CreatedBy, &createdAt); err != nil {
		return Document{}, err
	}
	d.Type = DocumentType(typ)
	t, err := parseTime(createdAt)
	if err != nil {
		return Document{}, fmt.Errorf("parsing created_at for document %s: %w", d.ID, err)
	}
	d.CreatedAt = t
	return d, nil
}

func (s *Store) GetDocument(ctx context.Context, tenantID, id string) (Document, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+documentColumns+` FROM documents WHERE tenant_id = ? AND id = ?`, tenantID, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	return d, err
}

// ListDocuments returns the tenant's documents, newest first.
func (s *Store) ListDocuments(ctx context.Context, tenantID string) ([]Document, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+documentColumns+` FROM documents WHERE tenant_id = ? ORDER BY created_at DESC, id ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// --- Versions ---

// CreateVersion inserts a version with the next version number of its document.
// The owning document must belong to the same tenant.
func (s *Store) CreateVersion(ctx context.Context, v DocumentVersion) (DocumentVersion, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Status == "" {
		v.Status = VersionUploaded
	}
	now := s.now().UTC()
	v.CreatedAt, v.UpdatedAt = now, now

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var owner string
		err := s.queryRow(ctx, tx, `SELECT tenant_id FROM documents WHERE id = ?`, v.DocumentID).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != v.TenantID) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if err := s.queryRow(ctx, tx,
			`SELECT COALESCE(MAX(version_num), 0) + 1 FROM document_versions WHERE document_id = ?`,
			v.DocumentID,
		).Scan(&v.VersionNum); err != nil {
			return fmt.Errorf("computing version number: %w", err)
		}

		_, err = s.exec(ctx, tx, `
			INSERT INTO document_versions (id, tenant_id, document_id, version_num, status, original_filename,
				mime_type, size_bytes, checksum, object_key_original, created_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.TenantID, v.DocumentID, v.VersionNum, string(v.Status), v.OriginalFilename,
			v.MimeType, v.SizeBytes, v.Checksum, v.ObjectKeyOriginal, v.CreatedBy,
			formatTime(now), formatTime(now),
		)
		if err != nil {
			return fmt.Errorf("inserting version: %w", err)
		}
		return nil
	})
	if err != nil {
		return DocumentVersion{}, err
	}
	return v, nil
}

const versionColumns = `id, tenant_id, document_id, version_num, status, original_filename, mime_type,
	size_bytes, checksum, object_key_original, created_by, created_at, updated_at`

func scanVersion(sc interface{ Scan(...any) error }) (DocumentVersion, error) {
	var v DocumentVersion
	var status, createdAt, updatedAt string
	if err := sc.Scan(&v.ID, &v.TenantID, &v.DocumentID, &v.VersionNum, &status, &v.OriginalFilename,
		&v.MimeType, &v.SizeBytes, &v.Checksum, &v.ObjectKeyOriginal, &v.CreatedBy, &createdAt, &updatedAt); err != nil {
		return DocumentVersion{}, err
	}
	v.Status = VersionStatus(status)
	var err error
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return DocumentVersion{}, fmt.Errorf("parsing created_at for version %s: %w", v.ID, err)
	}
	if v.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return DocumentVersion{}, fmt.Errorf("parsing updated_at for version %s: %w", v.ID, err)
	}
	return v, nil
}

func (s *Store) GetVersion(ctx context.Context, tenantID, id string) (DocumentVersion, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+versionColumns+` FROM document_versions WHERE tenant_id = ? AND id = ?`, tenantID, id)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentVersion{}, ErrNotFound
	}
	return v, err
}

// ListVersions returns the versions of a document in version order.
func (s *Store) ListVersions(ctx context.Context, tenantID, documentID string) ([]DocumentVersion, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+versionColumns+` FROM document_versions
		WHERE tenant_id = ? AND document_id = ? ORDER BY version_num ASC`, tenantID, documentID)
	if err != nil {
		return nil, fmt.Errorf("querying versions: %w", err)
	}
	defer rows.Close()

	var out []DocumentVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) SetVersionStatus(ctx context.Context, tenantID, id string, status VersionStatus) error {
	return s.setVersionStatus(ctx, s.db, tenantID, id, status)
}

func (s *Store) setVersionStatus(ctx context.Context, q querier, tenantID, id string, status VersionStatus) error {
	res, err := s.exec(ctx, q, `UPDATE document_versions SET status = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
		string(status), s.stamp(), tenantID, id)
	if err != nil {
		return fmt.Errorf("updating version status: %w", err)
	}
	return expectOne(res)
}

// UpdateVersionContent records the size and checksum of the stored original.
func (s *Store) UpdateVersionContent(ctx context.Context, tenantID, id string, size int64, checksum string) error {
	res, err := s.exec(ctx, s.db, `UPDATE document_versions SET size_bytes = ?, checksum = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
		size, checksum, s.stamp(), tenantID, id)
	if err != nil {
		return fmt.Errorf("updating version content: %w", err)
	}
	return expectOne(res)
}

// --- Artifacts ---

// UpsertArtifact records an artifact, replacing any previous artifact of the
// same kind for the version.
func (s *Store) UpsertArtifact(ctx context.Context, a Artifact) (Artifact, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = s.now().UTC()
	_, err := s.exec(ctx, s.db, `
		INSERT INTO document_artifacts (id, tenant_id, document_version_id, kind, object_key, content_type, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (document_version_id, kind) DO UPDATE SET
			object_key = excluded.object_key,
			content_type = excluded.content_type,
			size_bytes = excluded.size_bytes,
			created_at = excluded.created_at`,
		a.ID, a.TenantID, a.DocumentVersionID, string(a.Kind), a.ObjectKey, a.ContentType, a.SizeBytes, formatTime(a.CreatedAt),
	)
	if err != nil {
		return Artifact{}, fmt.Errorf("upserting artifact %s: %w", a.Kind, err)
	}
	return a, nil
}

const artifactColumns = `id, tenant_id, document_version_id, kind, object_key, content_type, size_bytes, created_at`

func scanArtifact(sc interface{ Scan(...any) error }) (Artifact, error) {
	var a Artifact
	var kind, createdAt string
	if err := sc.Scan(&a.ID, &a.TenantID, &a.DocumentVersionID, &kind, &a.ObjectKey, &a.ContentType, &a.SizeBytes, &createdAt); err != nil {
		return Artifact{}, err
	}
	a.Kind = ArtifactKind(kind)
	t, err := parseTime(createdAt)
	if err != nil {
		return Artifact{}, fmt.Errorf("parsing created_at for artifact %s: %w", a.ID, err)
	}
	a.CreatedAt = t
	return a, nil
}

func (s *Store) GetArtifact(ctx context.Context, tenantID, versionID string, kind ArtifactKind) (Artifact, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+artifactColumns+` FROM document_artifacts
		WHERE tenant_id = ? AND document_version_id = ? AND kind = ?`, tenantID, versionID, string(kind))
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, ErrNotFound
	}
	return a, err
}

func (s *Store) ListArtifacts(ctx context.Context, tenantID, versionID string) ([]Artifact, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+artifactColumns+` FROM document_artifacts
		WHERE tenant_id = ? AND document_version_id = ? ORDER BY kind ASC`, tenantID, versionID)
	if err != nil {
		return nil, fmt.Errorf("querying artifacts: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
