package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// --- Chunks ---

// ReplaceChunks deletes the version's existing chunks (and their embeddings)
// and inserts chunks in one transaction, so a retried CHUNK stage converges.
func (s *Store) ReplaceChunks(ctx context.Context, tenantID, versionID string, chunks []Chunk) ([]Chunk, error) {
	return s.replaceChunks(ctx, nil, tenantID, versionID, chunks)
}

// ReplaceChunksForJob is ReplaceChunks for the version of a claimed job. It
// writes nothing and returns ErrLockLost once the claim has been taken over.
func (s *Store) ReplaceChunksForJob(ctx context.Context, job *Job, chunks []Chunk) ([]Chunk, error) {
	return s.replaceChunks(ctx, job, job.TenantID, job.DocumentVersionID, chunks)
}

func (s *Store) replaceChunks(ctx context.Context, guard *Job, tenantID, versionID string, chunks []Chunk) ([]Chunk, error) {
	now := s.now().UTC()
	out := make([]Chunk, len(chunks))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.holdsLock(ctx, tx, guard); err != nil {
			return err
		}
		if err := s.deleteVersionEmbeddings(ctx, tx, tenantID, versionID); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM kb_chunks WHERE tenant_id = ? AND document_version_id = ?`, tenantID, versionID); err != nil {
			return fmt.Errorf("deleting chunks: %w", err)
		}
		for i, c := range chunks {
			c.ID = uuid.NewString()
			c.TenantID = tenantID
			c.DocumentVersionID = versionID
			c.CreatedAt = now
			if c.Metadata == "" {
				c.Metadata = "{}"
			}
			if _, err := s.exec(ctx, tx, `
				INSERT INTO kb_chunks (id, tenant_id, document_version_id, chunk_index, text, metadata, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				c.ID, c.TenantID, c.DocumentVersionID, c.Index, c.Text, c.Metadata, formatTime(now),
			); err != nil {
				return fmt.Errorf("inserting chunk %d: %w", c.Index, err)
			}
			out[i] = c
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

const chunkColumns = `id, tenant_id, document_version_id, chunk_index, text, metadata, created_at`

func scanChunk(sc interface{ Scan(...any) error }) (Chunk, error) {
	var c Chunk
	var createdAt string
	if err := sc.Scan(&c.ID, &c.TenantID, &c.DocumentVersionID, &c.Index, &c.Text, &c.Metadata, &createdAt); err != nil {
		return Chunk{}, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return Chunk{}, fmt.Errorf("parsing created_at for chunk %s: %w", c.ID, err)
	}
	c.CreatedAt = t
	return c, nil
}

// ListChunks returns a version's chunks in index order.
func (s *Store) ListChunks(ctx context.Context, tenantID, versionID string) ([]Chunk, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+chunkColumns+` FROM kb_chunks
		WHERE tenant_id = ? AND document_version_id = ? ORDER BY chunk_index ASC`, tenantID, versionID)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()
	return collectChunks(rows)
}

// GetChunks returns the tenant's chunks with the given IDs, keyed by ID.
// IDs that are unknown or owned by another tenant are absent from the map.
func (s *Store) GetChunks(ctx context.Context, tenantID string, ids []string) (map[string]Chunk, error) {
	if len(ids) == 0 {
		return map[string]Chunk{}, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, tenantID)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.query(ctx, s.db, `SELECT `+chunkColumns+` FROM kb_chunks
		WHERE tenant_id = ? AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying chunks by id: %w", err)
	}
	defer rows.Close()

	chunks, err := collectChunks(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Chunk, len(chunks))
	for _, c := range chunks {
		out[c.ID] = c
	}
	return out, nil
}

func collectChunks(rows *sql.Rows) ([]Chunk, error) {
	var out []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Embeddings ---

// ReplaceEmbeddings deletes the embeddings of the version's chunks and inserts
// embeddings in one transaction. Every embedding must reference a chunk of the
// same tenant and version.
func (s *Store) ReplaceEmbeddings(ctx context.Context, tenantID, versionID string, embeddings []Embedding) error {
	return s.replaceEmbeddings(ctx, nil, tenantID, versionID, embeddings)
}

// ReplaceEmbeddingsForJob is ReplaceEmbeddings guarded by the job's claim.
func (s *Store) ReplaceEmbeddingsForJob(ctx context.Context, job *Job, embeddings []Embedding) error {
	return s.replaceEmbeddings(ctx, job, job.TenantID, job.DocumentVersionID, embeddings)
}

func (s *Store) replaceEmbeddings(ctx context.Context, guard *Job, tenantID, versionID string, embeddings []Embedding) error {
	now := s.now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.holdsLock(ctx, tx, guard); err != nil {
			return err
		}
		if err := s.deleteVersionEmbeddings(ctx, tx, tenantID, versionID); err != nil {
			return err
		}
		for _, e := range embeddings {
			var owner string
			err := s.queryRow(ctx, tx, `SELECT document_version_id FROM kb_chunks WHERE tenant_id = ? AND id = ?`, tenantID, e.ChunkID).Scan(&owner)
			if err == sql.ErrNoRows || (err == nil && owner != versionID) {
				return fmt.Errorf("chunk %s: %w", e.ChunkID, ErrNotFound)
			}
			if err != nil {
				return err
			}
			if _, err := s.exec(ctx, tx, `
				INSERT INTO kb_embeddings (id, tenant_id, chunk_id, model, dims, embedding, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				uuid.NewString(), tenantID, e.ChunkID, e.Model, len(e.Vector), s.vectorValue(e.Vector), formatTime(now),
			); err != nil {
				return fmt.Errorf("inserting embedding for chunk %s: %w", e.ChunkID, err)
			}
		}
		return nil
	})
}

func (s *Store) deleteVersionEmbeddings(ctx context.Context, q querier, tenantID, versionID string) error {
	_, err := s.exec(ctx, q, `DELETE FROM kb_embeddings WHERE tenant_id = ? AND chunk_id IN
		(SELECT id FROM kb_chunks WHERE tenant_id = ? AND document_version_id = ?)`, tenantID, tenantID, versionID)
	if err != nil {
		return fmt.Errorf("deleting embeddings: %w", err)
	}
	return nil
}

// ListEmbeddingCandidates loads every stored embedding of the tenant with the
// type of the document that owns it. Order is stable: version creation, then
// version id, then chunk index.
func (s *Store) ListEmbeddingCandidates(ctx context.Context, tenantID string) ([]EmbeddingCandidate, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT e.chunk_id, c.document_version_id, d.id, d.type, e.embedding
		FROM kb_embeddings e
		JOIN kb_chunks c ON c.id = e.chunk_id AND c.tenant_id = e.tenant_id
		JOIN document_versions v ON v.id = c.document_version_id AND v.tenant_id = c.tenant_id
		JOIN documents d ON d.id = v.document_id AND d.tenant_id = v.tenant_id
		WHERE e.tenant_id = ?
		ORDER BY v.created_at ASC, c.document_version_id ASC, c.chunk_index ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying embeddings: %w", err)
	}
	defer rows.Close()

	var out []EmbeddingCandidate
	for rows.Next() {
		var c EmbeddingCandidate
		var typ string
		col := vectorColumn{dialect: s.dialect}
		if err := rows.Scan(&c.ChunkID, &c.DocumentVersionID, &c.DocumentID, &typ, &col); err != nil {
			return nil, fmt.Errorf("scanning embedding: %w", err)
		}
		c.DocumentType = DocumentType(typ)
		c.Vector = col.v
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountEmbeddings returns the number of stored embeddings for a version.
func (s *Store) CountEmbeddings(ctx context.Context, tenantID, versionID string) (int, error) {
	var n int
	err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM kb_embeddings e JOIN kb_chunks c ON c.id = e.chunk_id
		WHERE e.tenant_id = ? AND c.document_version_id = ?`, tenantID, versionID).Scan(&n)
	return n, err
}

// vectorValue encodes a vector for the store's embedding column.
func (s *Store) vectorValue(v []float32) any {
	if s.dialect == Postgres {
		return pgvector.NewVector(v)
	}
	return encodeFloat32s(v)
}

// vectorColumn scans an embedding column of either dialect.
type vectorColumn struct {
	dialect Dialect
	v       []float32
}

func (c *vectorColumn) Scan(src any) error {
	if c.dialect == Postgres {
		var pv pgvector.Vector
		if err := pv.Scan(src); err != nil {
			return err
		}
		c.v = pv.Slice()
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("unexpected embedding column type %T", src)
	}
	v, err := decodeFloat32s(b)
	if err != nil {
		return err
	}
	c.v = v
	return nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
