// Package jobqueue owns the extraction job state machine and the batch
// driver that runs documents through extraction and codification.
package jobqueue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/resilience"
	"github.com/sells-group/docintel/internal/store"
)

// LeaseExpiredMessage is recorded as lastError on reaped jobs.
const LeaseExpiredMessage = "lease expired"

// Queue wraps the job table with the queue's transition rules.
type Queue struct {
	st          store.Store
	maxAttempts int
	lease       time.Duration
	failFast    bool
	nowFunc     func() time.Time
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithMaxAttempts sets the attempt budget for new jobs.
func WithMaxAttempts(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithLease sets how long a claimed job may run before the reaper takes it
// back.
func WithLease(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.lease = d
		}
	}
}

// WithFailFastPermanent makes content and not-found errors fail a job
// immediately instead of consuming the remaining attempts.
func WithFailFastPermanent(enabled bool) QueueOption {
	return func(q *Queue) { q.failFast = enabled }
}

// NewQueue creates a Queue over st.
func NewQueue(st store.Store, opts ...QueueOption) *Queue {
	q := &Queue{
		st:          st,
		maxAttempts: model.DefaultMaxAttempts,
		lease:       15 * time.Minute,
		nowFunc:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Create enqueues a document. A second create for the same document
// returns the existing job with created=false.
func (q *Queue) Create(ctx context.Context, req model.NewJob) (*model.ExtractionJob, bool, error) {
	req.DocumentID = strings.TrimSpace(req.DocumentID)
	req.ClientID = strings.TrimSpace(req.ClientID)
	req.FileRef = strings.TrimSpace(req.FileRef)
	if req.DocumentID == "" {
		return nil, false, eris.New("jobqueue: documentId is required")
	}
	if req.ClientID == "" {
		return nil, false, eris.New("jobqueue: clientId is required")
	}
	if req.FileRef == "" {
		return nil, false, eris.New("jobqueue: fileRef is required")
	}
	if req.DocumentName == "" {
		req.DocumentName = req.FileRef
	}

	job, created, err := q.st.CreateJob(ctx, req, q.maxAttempts)
	if err != nil {
		return nil, false, eris.Wrapf(err, "jobqueue: create job for %s", req.DocumentID)
	}
	if created {
		zap.L().Info("job created",
			zap.String("job_id", job.ID),
			zap.String("document_id", job.DocumentID),
		)
	}
	return job, created, nil
}

// ClaimNext moves up to limit pending jobs, oldest first, to processing.
// Claiming and the transition happen in one statement, so concurrent
// callers never receive the same job.
func (q *Queue) ClaimNext(ctx context.Context, limit int) ([]model.ExtractionJob, error) {
	jobs, err := q.st.ClaimJobs(ctx, limit, q.lease)
	if err != nil {
		return nil, eris.Wrap(err, "jobqueue: claim jobs")
	}
	return jobs, nil
}

// Claim moves one specific pending job to processing. It returns nil when
// the job exists but is not pending.
func (q *Queue) Claim(ctx context.Context, jobID string) (*model.ExtractionJob, error) {
	job, err := q.st.ClaimJob(ctx, jobID, q.lease)
	if err != nil {
		return nil, eris.Wrapf(err, "jobqueue: claim job %s", jobID)
	}
	if job == nil {
		if _, err := q.st.GetJob(ctx, jobID); err != nil {
			return nil, err
		}
	}
	return job, nil
}

// StartProcessing moves a job to processing and counts an attempt,
// whatever its current status.
func (q *Queue) StartProcessing(ctx context.Context, jobID string) (*model.ExtractionJob, error) {
	return q.st.StartJob(ctx, jobID, q.lease)
}

// Complete records a successful run. Completing a completed job overwrites
// its result; any other state is a ConflictError.
func (q *Queue) Complete(ctx context.Context, jobID string, result *model.JobResult) error {
	return q.complete(ctx, jobID, 0, result)
}

// Fail records msg and returns the job to pending while attempts remain,
// otherwise marks it failed. Only processing jobs can fail.
func (q *Queue) Fail(ctx context.Context, jobID, msg string) (*model.ExtractionJob, error) {
	return q.fail(ctx, jobID, 0, msg, false)
}

// FailWithError is Fail for a classified error. With fail-fast enabled,
// permanent errors fail the job outright.
func (q *Queue) FailWithError(ctx context.Context, jobID string, cause error) (*model.ExtractionJob, error) {
	return q.failWithError(ctx, jobID, 0, cause)
}

// Skip marks a pending or processing job as not needing extraction.
func (q *Queue) Skip(ctx context.Context, jobID, reason string) error {
	return q.skip(ctx, jobID, 0, reason)
}

// The attempt-scoped variants below are used by the processor, which holds
// the claimed attempt and must not overwrite a later claim.

func (q *Queue) complete(ctx context.Context, jobID string, attempt int, result *model.JobResult) error {
	return q.st.CompleteJob(ctx, jobID, attempt, result)
}

func (q *Queue) failWithError(ctx context.Context, jobID string, attempt int, cause error) (*model.ExtractionJob, error) {
	return q.fail(ctx, jobID, attempt, cause.Error(), q.failFast && resilience.IsPermanent(cause))
}

func (q *Queue) fail(ctx context.Context, jobID string, attempt int, msg string, terminal bool) (*model.ExtractionJob, error) {
	job, err := q.st.FailJob(ctx, jobID, attempt, msg, terminal)
	if err != nil {
		return nil, err
	}
	zap.L().Warn("job attempt failed",
		zap.String("job_id", job.ID),
		zap.String("document_id", job.DocumentID),
		zap.Int("attempts", job.Attempts),
		zap.Int("attempts_remaining", job.AttemptsRemaining()),
		zap.String("status", string(job.Status)),
		zap.String("error", msg),
	)
	return job, nil
}

// ensureClaim returns a ConflictError when job's claim was reaped or
// superseded by a later attempt.
func (q *Queue) ensureClaim(ctx context.Context, job model.ExtractionJob) error {
	cur, err := q.st.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if cur.Status != model.JobStatusProcessing || cur.Attempts != job.Attempts {
		return resilience.NewConflictError("job", job.ID, fmt.Sprintf(
			"claim for attempt %d no longer held (status %s, attempt %d)", job.Attempts, cur.Status, cur.Attempts))
	}
	return nil
}

func (q *Queue) skip(ctx context.Context, jobID string, attempt int, reason string) error {
	return q.st.SkipJob(ctx, jobID, attempt, reason)
}

// ReapStale treats processing jobs whose lease has expired as failed
// attempts.
func (q *Queue) ReapStale(ctx context.Context) ([]model.ExtractionJob, error) {
	jobs, err := q.st.ReapJobs(ctx, q.nowFunc(), LeaseExpiredMessage)
	if err != nil {
		return nil, eris.Wrap(err, "jobqueue: reap stale jobs")
	}
	for _, j := range jobs {
		zap.L().Warn("reaped stale job",
			zap.String("job_id", j.ID),
			zap.String("document_id", j.DocumentID),
			zap.Int("attempts", j.Attempts),
			zap.String("status", string(j.Status)),
		)
	}
	return jobs, nil
}

// Get returns a job by ID.
func (q *Queue) Get(ctx context.Context, jobID string) (*model.ExtractionJob, error) {
	return q.st.GetJob(ctx, jobID)
}

// List returns jobs matching filter.
func (q *Queue) List(ctx context.Context, filter store.JobFilter) ([]model.ExtractionJob, error) {
	return q.st.ListJobs(ctx, filter)
}
