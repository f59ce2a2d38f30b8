package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// claimCandidates bounds how many eligible rows a SQLite claim tries before
// giving up for this sweep.
const claimCandidates = 5

// EnqueueJob creates a PENDING job for the version and stage. It returns
// ErrJobActive when a PENDING or RUNNING job already exists for the pair.
func (s *Store) EnqueueJob(ctx context.Context, tenantID, versionID string, stage Stage) (Job, error) {
	return s.enqueueJob(ctx, s.db, tenantID, versionID, stage)
}

func (s *Store) enqueueJob(ctx context.Context, q querier, tenantID, versionID string, stage Stage) (Job, error) {
	now := s.now().UTC()
	j := Job{
		ID:                uuid.NewString(),
		TenantID:          tenantID,
		DocumentVersionID: versionID,
		Stage:             stage,
		Status:            JobPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	res, err := s.exec(ctx, q, `
		INSERT INTO processing_jobs (id, tenant_id, document_version_id, stage, status, attempt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT DO NOTHING`,
		j.ID, j.TenantID, j.DocumentVersionID, string(j.Stage), string(j.Status), formatTime(now), formatTime(now),
	)
	if err != nil {
		return Job{}, fmt.Errorf("inserting job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Job{}, err
	}
	if n == 0 {
		return Job{}, ErrJobActive
	}
	return j, nil
}

// StartProcessing moves an UPLOADED version to PROCESSING and enqueues its
// PARSE job in one transaction. It returns ErrJobActive while any job of the
// version is unfinished and ErrVersionState when the version is not UPLOADED,
// so a version runs through the pipeline once.
func (s *Store) StartProcessing(ctx context.Context, tenantID, versionID string) (Job, error) {
	var job Job
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := s.queryRow(ctx, tx, `SELECT status FROM document_versions WHERE tenant_id = ? AND id = ?`, tenantID, versionID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("loading version status: %w", err)
		}

		var open int
		if err := s.queryRow(ctx, tx, `SELECT COUNT(*) FROM processing_jobs
			WHERE tenant_id = ? AND document_version_id = ? AND status IN ('PENDING', 'RUNNING')`,
			tenantID, versionID).Scan(&open); err != nil {
			return fmt.Errorf("counting open jobs: %w", err)
		}
		if open > 0 {
			return ErrJobActive
		}
		if VersionStatus(status) != VersionUploaded {
			return fmt.Errorf("%w: version is %s", ErrVersionState, status)
		}

		res, err := s.exec(ctx, tx, `UPDATE document_versions SET status = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ? AND status = ?`,
			string(VersionProcessing), s.stamp(), tenantID, versionID, string(VersionUploaded))
		if err != nil {
			return fmt.Errorf("updating version status: %w", err)
		}
		if err := expectOne(res); err != nil {
			return ErrVersionState
		}
		job, err = s.enqueueJob(ctx, tx, tenantID, versionID, StageParse)
		return err
	})
	if err != nil {
		return Job{}, err
	}
	return job, nil
}

// ClaimNextJob atomically takes the oldest eligible job of the given stage for
// workerID: the job flips to RUNNING, its attempt counter increments and the
// lock fields are stamped. Eligible means PENDING, or RUNNING with a lock older
// than staleAfter when staleAfter > 0. Returns nil when nothing is claimable.
//
// On Postgres the candidate row is selected FOR UPDATE SKIP LOCKED, so
// concurrent claimants pass over each other. On SQLite the update is a
// compare-and-swap on status and lock owner, and a lost race moves on to the
// next candidate.
func (s *Store) ClaimNextJob(ctx context.Context, stage Stage, workerID string, staleAfter time.Duration) (*Job, error) {
	now := s.now().UTC()

	cond := `status = 'PENDING'`
	args := []any{string(stage)}
	if staleAfter > 0 {
		cond = `(status = 'PENDING' OR (status = 'RUNNING' AND locked_at < ?))`
		args = append(args, formatTime(now.Add(-staleAfter)))
	}

	limit := claimCandidates
	lock := ""
	if s.dialect == Postgres {
		limit = 1
		lock = ` FOR UPDATE SKIP LOCKED`
	}
	query := fmt.Sprintf(`SELECT id, status, COALESCE(locked_by, '') FROM processing_jobs
		WHERE stage = ? AND %s
		ORDER BY created_at ASC, id ASC
		LIMIT %d%s`, cond, limit, lock)

	var claimed string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := s.query(ctx, tx, query, args...)
		if err != nil {
			return fmt.Errorf("selecting next job: %w", err)
		}
		type candidate struct{ id, status, lockedBy string }
		var cands []candidate
		for rows.Next() {
			var c candidate
			if err := rows.Scan(&c.id, &c.status, &c.lockedBy); err != nil {
				rows.Close()
				return fmt.Errorf("scanning job candidate: %w", err)
			}
			cands = append(cands, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, c := range cands {
			res, err := s.exec(ctx, tx, `
				UPDATE processing_jobs
				SET status = 'RUNNING', attempt = attempt + 1, locked_at = ?, locked_by = ?, updated_at = ?
				WHERE id = ? AND status = ? AND COALESCE(locked_by, '') = ?`,
				formatTime(now), workerID, formatTime(now), c.id, c.status, c.lockedBy,
			)
			if err != nil {
				return fmt.Errorf("updating job status: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("checking updated job rows: %w", err)
			}
			if n == 1 {
				claimed = c.id
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claiming %s job: %w", stage, err)
	}
	if claimed == "" {
		return nil, nil
	}

	j, err := s.getJob(ctx, s.db, claimed)
	if err != nil {
		return nil, fmt.Errorf("loading claimed job %s: %w", claimed, err)
	}
	return &j, nil
}

// CompleteJob marks a claimed job DONE. In the same transaction it enqueues
// next (when non-empty) and sets the version status (when non-empty).
// Returns ErrLockLost if the job is no longer RUNNING under job.LockedBy.
func (s *Store) CompleteJob(ctx context.Context, job *Job, next Stage, versionStatus VersionStatus) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx, `
			UPDATE processing_jobs SET status = 'DONE', error_code = NULL, error_message = NULL, updated_at = ?
			WHERE id = ? AND tenant_id = ? AND status = 'RUNNING' AND locked_by = ?`,
			s.stamp(), job.ID, job.TenantID, job.LockedBy,
		)
		if err != nil {
			return fmt.Errorf("completing job %s: %w", job.ID, err)
		}
		if err := expectOne(res); err != nil {
			return ErrLockLost
		}

		if versionStatus != "" {
			if err := s.setVersionStatus(ctx, tx, job.TenantID, job.DocumentVersionID, versionStatus); err != nil {
				return err
			}
		}
		if next != "" {
			// An already active successor is the one this job would create.
			_, err := s.enqueueJob(ctx, tx, job.TenantID, job.DocumentVersionID, next)
			if err != nil && !errors.Is(err, ErrJobActive) {
				return fmt.Errorf("enqueueing %s: %w", next, err)
			}
		}
		return nil
	})
}

// holdsLock returns ErrLockLost unless job is still RUNNING under
// job.LockedBy. A nil job always passes.
func (s *Store) holdsLock(ctx context.Context, q querier, job *Job) error {
	if job == nil {
		return nil
	}
	lock := ""
	if s.dialect == Postgres {
		lock = ` FOR UPDATE`
	}
	var id string
	err := s.queryRow(ctx, q, `SELECT id FROM processing_jobs
		WHERE id = ? AND tenant_id = ? AND status = 'RUNNING' AND locked_by = ?`+lock,
		job.ID, job.TenantID, job.LockedBy).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrLockLost
	}
	if err != nil {
		return fmt.Errorf("checking lock of job %s: %w", job.ID, err)
	}
	return nil
}

// FailJob records a failed run of a claimed job. While job.Attempt is below
// maxAttempts the job returns to PENDING with its lock cleared; otherwise it
// becomes FAILED and the owning version becomes FAILED. The returned bool
// reports the terminal case.
func (s *Store) FailJob(ctx context.Context, job *Job, maxAttempts int, code, msg string) (bool, error) {
	terminal := job.Attempt >= maxAttempts
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var res sql.Result
		var err error
		if terminal {
			res, err = s.exec(ctx, tx, `
				UPDATE processing_jobs
				SET status = 'FAILED', error_code = ?, error_message = ?, locked_at = NULL, locked_by = NULL, updated_at = ?
				WHERE id = ? AND tenant_id = ? AND status = 'RUNNING' AND locked_by = ?`,
				code, msg, s.stamp(), job.ID, job.TenantID, job.LockedBy,
			)
		} else {
			res, err = s.exec(ctx, tx, `
				UPDATE processing_jobs
				SET status = 'PENDING', error_code = ?, error_message = ?, locked_at = NULL, locked_by = NULL, updated_at = ?
				WHERE id = ? AND tenant_id = ? AND status = 'RUNNING' AND locked_by = ?`,
				code, msg, s.stamp(), job.ID, job.TenantID, job.LockedBy,
			)
		}
		if err != nil {
			return fmt.Errorf("failing job %s: %w", job.ID, err)
		}
		if err := expectOne(res); err != nil {
			return ErrLockLost
		}
		if terminal {
			if err := s.setVersionStatus(ctx, tx, job.TenantID, job.DocumentVersionID, VersionFailed); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return terminal, nil
}

const jobColumns = `id, tenant_id, document_version_id, stage, status, attempt, locked_at, locked_by,
	error_code, error_message, created_at, updated_at`

func scanJob(sc interface{ Scan(...any) error }) (Job, error) {
	var j Job
	var stage, status, createdAt, updatedAt string
	var lockedAt, lockedBy, errCode, errMsg sql.NullString
	if err := sc.Scan(&j.ID, &j.TenantID, &j.DocumentVersionID, &stage, &status, &j.Attempt,
		&lockedAt, &lockedBy, &errCode, &errMsg, &createdAt, &updatedAt); err != nil {
		return Job{}, err
	}
	j.Stage = Stage(stage)
	j.Status = JobStatus(status)
	j.LockedBy = lockedBy.String
	j.ErrorCode = errCode.String
	j.ErrorMessage = errMsg.String
	var err error
	if j.LockedAt, err = parseTime(lockedAt.String); err != nil {
		return Job{}, fmt.Errorf("parsing locked_at for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return j, nil
}

func (s *Store) getJob(ctx context.Context, q querier, id string) (Job, error) {
	j, err := scanJob(s.queryRow(ctx, q, `SELECT `+jobColumns+` FROM processing_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

func (s *Store) GetJob(ctx context.Context, tenantID, id string) (Job, error) {
	j, err := s.getJob(ctx, s.db, id)
	if err != nil {
		return Job{}, err
	}
	if j.TenantID != tenantID {
		return Job{}, ErrNotFound
	}
	return j, nil
}

// ListJobs returns every job of a version in creation order.
func (s *Store) ListJobs(ctx context.Context, tenantID, versionID string) ([]Job, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+jobColumns+` FROM processing_jobs
		WHERE tenant_id = ? AND document_version_id = ? ORDER BY created_at ASC, id ASC`, tenantID, versionID)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CountJobs returns the number of jobs per status across all tenants.
// Used for operator status output only.
func (s *Store) CountJobs(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.query(ctx, s.db, `SELECT status, COUNT(*) FROM processing_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[JobStatus(status)] = n
	}
	return out, rows.Err()
}
