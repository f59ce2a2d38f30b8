package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/attest/internal/chunking"
	"github.com/kalambet/attest/internal/engine"
	"github.com/kalambet/attest/internal/extraction"
	"github.com/kalambet/attest/internal/objectstore"
	"github.com/kalambet/attest/internal/parser"
	"github.com/kalambet/attest/internal/storage"
)

// Error codes recorded on failed jobs.
const (
	CodeNotFound    = "NOT_FOUND"
	CodeParseFailed = "PARSE_FAILED"
	CodeStageFailed = "STAGE_FAILED"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultMaxAttempts  = 3
	DefaultStaleAfter   = 15 * time.Minute
)

// ObjectStore holds originals and artifacts.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Parser converts an original into text, tables and a rendered view.
type Parser interface {
	Parse(ctx context.Context, in parser.Input) (*parser.Result, error)
}

type Config struct {
	WorkerID     string
	PollInterval time.Duration
	MaxAttempts  int
	// StaleAfter makes RUNNING jobs with an older lock claimable again; 0
	// disables reclaiming.
	StaleAfter time.Duration
}

// Worker advances document versions through the processing stages.
type Worker struct {
	store     *storage.Store
	objects   ObjectStore
	parser    Parser
	chunker   *chunking.Chunker
	extractor *extraction.Extractor
	embedder  engine.Embedder
	cfg       Config
	logger    *slog.Logger
}

// NewWorker creates a Worker. Zero config fields take the package defaults
// and an empty WorkerID gets a fresh one.
func NewWorker(store *storage.Store, objects ObjectStore, p Parser, chunker *chunking.Chunker,
	extractor *extraction.Extractor, embedder engine.Embedder, cfg Config) *Worker {
	if cfg.WorkerID == "" {
		cfg.WorkerID = NewWorkerID()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.StaleAfter < 0 {
		cfg.StaleAfter = 0
	}
	return &Worker{
		store:     store,
		objects:   objects,
		parser:    p,
		chunker:   chunker,
		extractor: extractor,
		embedder:  embedder,
		cfg:       cfg,
		logger:    slog.Default().With("worker_id", cfg.WorkerID),
	}
}

// NewWorkerID returns "worker-" followed by eight hex digits.
func NewWorkerID() string {
	return "worker-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (w *Worker) ID() string { return w.cfg.WorkerID }

// Run sweeps the queue every poll interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("pipeline worker started",
		"poll_interval", w.cfg.PollInterval, "max_attempts", w.cfg.MaxAttempts, "stale_after", w.cfg.StaleAfter)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		w.Sweep(ctx)
		select {
		case <-ctx.Done():
			w.logger.Info("pipeline worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Sweep tries to run one job of every stage, in stage order, and returns how
// many jobs it processed.
func (w *Worker) Sweep(ctx context.Context) int {
	processed := 0
	for _, stage := range storage.Stages {
		if ctx.Err() != nil {
			break
		}
		did, err := w.RunOnce(ctx, stage)
		if err != nil {
			w.logger.Error("sweep iteration failed", "stage", stage, "error", err)
		}
		if did {
			processed++
		}
	}
	return processed
}

// RunOnce claims and runs a single job of stage. It returns true when a job
// was claimed, whether or not its handler succeeded.
func (w *Worker) RunOnce(ctx context.Context, stage storage.Stage) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, stage, w.cfg.WorkerID, w.cfg.StaleAfter)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	log := w.logger.With("job_id", job.ID, "stage", job.Stage, "version_id", job.DocumentVersionID,
		"tenant_id", job.TenantID, "attempt", job.Attempt)
	log.Debug("job claimed")

	next, status, err := w.execute(ctx, job)
	if err != nil {
		terminal, ferr := w.store.FailJob(ctx, job, w.cfg.MaxAttempts, errorCode(job.Stage, err), err.Error())
		if errors.Is(ferr, storage.ErrLockLost) {
			log.Warn("job taken over before failure was recorded", "error", err)
			return true, nil
		}
		if ferr != nil {
			return true, fmt.Errorf("failing job %s: %w", job.ID, ferr)
		}
		if terminal {
			log.Error("job failed permanently", "error", err)
		} else {
			log.Warn("job failed, will retry", "error", err)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job, next, status); err != nil {
		if errors.Is(err, storage.ErrLockLost) {
			log.Warn("job taken over before completion was recorded")
			return true, nil
		}
		// Release the claim so the job is retried instead of staying RUNNING.
		if _, ferr := w.store.FailJob(ctx, job, w.cfg.MaxAttempts, CodeStageFailed, err.Error()); ferr != nil {
			log.Error("releasing job after failed completion", "error", ferr)
		}
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	log.Info("job done", "next_stage", next)
	return true, nil
}

func errorCode(stage storage.Stage, err error) string {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, objectstore.ErrNotFound):
		return CodeNotFound
	case stage == storage.StageParse:
		return CodeParseFailed
	default:
		return CodeStageFailed
	}
}

// SubmitParse moves an UPLOADED version to PROCESSING and enqueues its PARSE
// job. It is the pipeline's entry point on upload completion. It returns
// storage.ErrJobActive while a job of the version is unfinished and
// storage.ErrVersionState once the version has left UPLOADED.
func SubmitParse(ctx context.Context, store *storage.Store, tenantID, versionID string) (storage.Job, error) {
	return store.StartProcessing(ctx, tenantID, versionID)
}
