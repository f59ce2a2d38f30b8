package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEnqueueRejectsDuplicateActiveJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, v := seedVersion(t, s, "tenant-a", DocumentPolicy)

	if _, err := s.EnqueueJob(ctx, "tenant-a", v.ID, StageParse); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.EnqueueJob(ctx, "tenant-a", v.ID, StageParse); !errors.Is(err, ErrJobActive) {
		t.Errorf("second EnqueueJob: err = %v, want ErrJobActive", err)
	}
	// A different stage for the same version is allowed.
	if _, err := s.EnqueueJob(ctx, "tenant-a", v.ID, StageChunk); err != nil {
		t.Errorf("EnqueueJob(CHUNK): %v", err)
	}
}

func TestClaimNextJobOldestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	advance := fakeClock(s, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	_, v1 := seedVersion(t, s, "tenant-a", DocumentPolicy)
	_, v2 := seedVersion(t, s, "tenant-b", DocumentPolicy)
	first, _ := s.EnqueueJob(ctx, "tenant-a", v1.ID, StageParse)
	advance(time.Second)
	if _, err := s.EnqueueJob(ctx, "tenant-b", v2.ID, StageParse); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	job, err := s.ClaimNextJob(ctx, StageParse, "worker-1", 0)
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job == nil {
		t.Fatal("ClaimNextJob returned nil, want job")
	}
	if job.ID != first.ID {
		t.Errorf("claimed %s, want oldest %s", job.ID, first.ID)
	}
	if job.Status != JobRunning || job.Attempt != 1 || job.LockedBy != "worker-1" {
		t.Errorf("claimed job = status %q attempt %d locked_by %q", job.Status, job.Attempt, job.LockedBy)
	}
	if job.LockedAt.IsZero() {
		t.Error("LockedAt not set")
	}

	// Another stage has nothing to claim.
	none, err := s.ClaimNextJob(ctx, StageChunk, "worker-1", 0)
	if err != nil {
		t.Fatalf("ClaimNextJob(CHUNK): %v", err)
	}
	if none != nil {
		t.Errorf("ClaimNextJob(CHUNK) = %+v, want nil", none)
	}
}

func TestClaimNextJobIsExclusive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, v := seedVersion(t, s, "tenant-a", DocumentPolicy)
	if _, err := s.EnqueueJob(ctx, "tenant-a", v.ID, StageParse); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	a, err := s.ClaimNextJob(ctx, StageParse, "worker-a", time.Hour)
	if err != nil || a == nil {
		t.Fatalf("first claim = %v, %v", a, err)
	}
	b, err := s.ClaimNextJob(ctx, StageParse, "worker-b", time.Hour)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if b != nil {
		t.Errorf("second claim took job %s held by %s", b.ID, a.LockedBy)
	}
}

func TestClaimNextJobReclaimsStaleLock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	advance := fakeClock(s, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	_, v := seedVersion(t, s, "tenant-a", DocumentPolicy)
	if _, err := s.EnqueueJob(ctx, "tenant-a", v.ID, StageEmbed); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	crashed, err := s.ClaimNextJob(ctx, StageEmbed, "worker-crashed", 15*time.Minute)
	if err != nil || crashed == nil {
		t.Fatalf("first claim = %v, %v", crashed, err)
	}

	advance(10 * time.Minute)
	if j, _ := s.ClaimNextJob(ctx, StageEmbed, "worker-2", 15*time.Minute); j != nil {
		t.Fatalf("job reclaimed before stale threshold")
	}

	advance(10 * time.Minute)
	j, err := s.ClaimNextJob(ctx, StageEmbed, "worker-2", 15*time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if j == nil {
		t.Fatal("stale job was not reclaimed")
	}
	if j.LockedBy != "worker-2" || j.Attempt != 2 {
		t.Errorf("reclaimed job locked_by %q attempt %d, want worker-2 attempt 2", j.LockedBy, j.Attempt)
	}

	// The original holder can no longer complete it.
	if err := s.CompleteJob(ctx, crashed, "", ""); !errors.Is(err, ErrLockLost) {
		t.Errorf("CompleteJob by stale holder: err = %v, want ErrLockLost", err)
	}
}

func TestClaimNextJobWithoutStaleReclaim(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	advance := fakeClock(s, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	_, v := seedVersion(t, s, "tenant-a", DocumentPolicy)
	s.EnqueueJob(ctx, "tenant-a", v.ID, StageParse)

	if j, _ := s.ClaimNextJob(ctx, StageParse, "w1", 0); j == nil {
		t.Fatal("claim returned nil")
	}
	advance(48 * time.Hour)
	if j, _ := s.ClaimNextJob(ctx, StageParse, "w2", 0); j != nil {
		t.Errorf("RUNNING job reclaimed with stale reclaim disabled")
	}
}

func TestCompleteJobEnqueuesNextStage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, v := seedVersion(t, s, "tenant-a", DocumentPolicy)
	s.EnqueueJob(ctx, "tenant-a", v.ID, StageParse)

	job, _ := s.ClaimNextJob(ctx, StageParse, "w1", 0)
	if err := s.CompleteJob(ctx, job, StageExtractQuestions, ""); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	jobs, err := s.ListJobs(ctx, "tenant-a", v.ID)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("ListJobs = %d jobs, want 2", len(jobs))
	}
	if jobs[0].Status != JobDone {
		t.Errorf("PARSE status = %q, want DONE", jobs[0].Status)
	}
	if jobs[1].Stage != StageExtractQuestions || jobs[1].Status != JobPending {
		t.Errorf("next job = %s/%s, want EXTRACT_QUESTIONS/PENDING", jobs[1].Stage, jobs[1].Status)
	}

	// Completing twice fails: the job is no longer RUNNING.
	if err := s.CompleteJob(ctx, job, StageExtractQuestions, ""); !errors.Is(err, ErrLockLost) {
		t.Errorf("second CompleteJob: err = %v, want ErrLockLost", err)
	}
}

func TestCompleteFinalizeMarksVersionReady(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, v := seedVersion(t, s, "tenant-a", DocumentPolicy)
	s.EnqueueJob(ctx, "tenant-a", v.ID, StageFinalize)

	job, _ := s.ClaimNextJob(ctx, StageFinalize, "w1", 0)
	if err := s.CompleteJob(ctx, job, "", VersionReady); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	got, _ := s.GetVersion(ctx, "tenant-a", v.ID)
	if got.Status != VersionReady {
		t.Errorf("version status = %q, want READY", got.Status)
	}
}

func TestFailJobRetriesThenFails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, v := seedVersion(t, s, "tenant-a", DocumentPolicy)
	s.EnqueueJob(ctx, "tenant-a", v.ID, StageParse)

	for attempt := 1; attempt <= 3; attempt++ {
		job, err := s.ClaimNextJob(ctx, StageParse, "w1", 0)
		if err != nil || job == nil {
			t.Fatalf("attempt %d: claim = %v, %v", attempt, job, err)
		}
		if job.Attempt != attempt {
			t.Errorf("Attempt = %d, want %d", job.Attempt, attempt)
		}
		terminal, err := s.FailJob(ctx, job, 3, "PARSE_ERROR", "parser unavailable")
		if err != nil {
			t.Fatalf("FailJob: %v", err)
		}
		if want := attempt == 3; terminal != want {
			t.Errorf("attempt %d: terminal = %v, want %v", attempt, terminal, want)
		}
		got, _ := s.GetJob(ctx, "tenant-a", job.ID)
		if got.ErrorCode != "PARSE_ERROR" || got.ErrorMessage != "parser unavailable" {
			t.Errorf("error fields = %q/%q", got.ErrorCode, got.ErrorMessage)
		}
		if got.LockedBy != "" {
			t.Errorf("LockedBy = %q after failure, want empty", got.LockedBy)
		}
	}

	if j, _ := s.ClaimNextJob(ctx, StageParse, "w1", 0); j != nil {
		t.Errorf("FAILED job was claimed again")
	}
	jobs, _ := s.ListJobs(ctx, "tenant-a", v.ID)
	if len(jobs) != 1 || jobs[0].Status != JobFailed {
		t.Errorf("jobs = %+v, want one FAILED job", jobs)
	}
	got, _ := s.GetVersion(ctx, "tenant-a", v.ID)
	if got.Status != VersionFailed {
		t.Errorf("version status = %q, want FAILED", got.Status)
	}

	// A terminal job no longer blocks a new run of the stage.
	if _, err := s.EnqueueJob(ctx, "tenant-a", v.ID, StageParse); err != nil {
		t.Errorf("EnqueueJob after failure: %v", err)
	}
}

func TestGetJobTenantScoped(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, v := seedVersion(t, s, "tenant-a", DocumentPolicy)
	j, _ := s.EnqueueJob(ctx, "tenant-a", v.ID, StageParse)

	if _, err := s.GetJob(ctx, "tenant-b", j.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetJob cross-tenant: err = %v, want ErrNotFound", err)
	}
}

func TestCountJobs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, v := seedVersion(t, s, "tenant-a", DocumentPolicy)
	s.EnqueueJob(ctx, "tenant-a", v.ID, StageParse)
	s.EnqueueJob(ctx, "tenant-a", v.ID, StageChunk)
	s.ClaimNextJob(ctx, StageParse, "w1", 0)

	counts, err := s.CountJobs(ctx)
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if counts[JobPending] != 1 || counts[JobRunning] != 1 {
		t.Errorf("counts = %v, want 1 PENDING and 1 RUNNING", counts)
	}
}

func TestCompleteJobWithActiveSuccessor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, v := seedVersion(t, s, "tenant-a", DocumentPolicy)
	s.EnqueueJob(ctx, "tenant-a", v.ID, StageParse)
	if _, err := s.EnqueueJob(ctx, "tenant-a", v.ID, StageChunk); err != nil {
		t.Fatalf("EnqueueJob(CHUNK): %v", err)
	}

	job, _ := s.ClaimNextJob(ctx, StageParse, "w1", 0)
	if err := s.CompleteJob(ctx, job, StageChunk, VersionProcessing); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	jobs, _ := s.ListJobs(ctx, "tenant-a", v.ID)
	if len(jobs) != 2 {
		t.Fatalf("ListJobs = %d jobs, want 2", len(jobs))
	}
	for _, j := range jobs {
		want := JobPending
		if j.Stage == StageParse {
			want = JobDone
		}
		if j.Status != want {
			t.Errorf("%s status = %s, want %s", j.Stage, j.Status, want)
		}
	}
}

func TestStartProcessingOnlyFromUploaded(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, v := seedVersion(t, s, "tenant-a", DocumentPolicy)

	job, err := s.StartProcessing(ctx, "tenant-a", v.ID)
	if err != nil {
		t.Fatalf("StartProcessing: %v", err)
	}
	if job.Stage != StageParse || job.Status != JobPending {
		t.Errorf("job = %s/%s, want PARSE/PENDING", job.Stage, job.Status)
	}
	got, _ := s.GetVersion(ctx, "tenant-a", v.ID)
	if got.Status != VersionProcessing {
		t.Errorf("version status = %s, want PROCESSING", got.Status)
	}

	if _, err := s.StartProcessing(ctx, "tenant-a", v.ID); !errors.Is(err, ErrJobActive) {
		t.Errorf("while PARSE pending: err = %v, want ErrJobActive", err)
	}

	claimed, _ := s.ClaimNextJob(ctx, StageParse, "w1", 0)
	s.FailJob(ctx, claimed, 1, "PARSE_FAILED", "unreadable")
	if _, err := s.StartProcessing(ctx, "tenant-a", v.ID); !errors.Is(err, ErrVersionState) {
		t.Errorf("after terminal failure: err = %v, want ErrVersionState", err)
	}
	if jobs, _ := s.ListJobs(ctx, "tenant-a", v.ID); len(jobs) != 1 {
		t.Errorf("ListJobs = %d jobs, want 1", len(jobs))
	}

	if _, err := s.StartProcessing(ctx, "tenant-b", v.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign tenant: err = %v, want ErrNotFound", err)
	}
}
