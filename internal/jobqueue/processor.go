package jobqueue

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docintel/internal/codify"
	"github.com/sells-group/docintel/internal/docstore"
	"github.com/sells-group/docintel/internal/extraction"
	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/resilience"
)

// Extractor runs the extraction pipeline.
type Extractor interface {
	Run(ctx context.Context, doc extraction.Document) (*model.ExtractionResult, error)
}

// Codifier runs the Fast Pass and stores codified items.
type Codifier interface {
	Codify(ctx context.Context, documentID string, items []model.LineItem) (*codify.FastPassResult, error)
}

// BatchRequest selects the jobs for one batch: a specific job, or up to
// Limit pending jobs.
type BatchRequest struct {
	Limit int    `json:"limit"`
	JobID string `json:"jobId,omitempty"`
}

// JobOutcome is the result of one job in a batch.
type JobOutcome struct {
	JobID      string `json:"jobId"`
	DocumentID string `json:"documentId"`
	Success    bool   `json:"success"`
	Skipped    bool   `json:"skipped,omitempty"`
	Error      string `json:"error,omitempty"`
}

// BatchResult summarizes a batch.
type BatchResult struct {
	Processed  int          `json:"processed"`
	Successful int          `json:"successful"`
	Failed     int          `json:"failed"`
	Skipped    int          `json:"skipped"`
	Results    []JobOutcome `json:"results"`
}

// Processor drives claimed jobs through download, rendering, extraction
// and the Fast Pass, one job at a time.
type Processor struct {
	queue      *Queue
	docs       docstore.Store
	extractor  Extractor
	codifier   Codifier
	batchLimit int
}

// NewProcessor wires a Processor.
func NewProcessor(q *Queue, docs docstore.Store, ex Extractor, cod Codifier, batchLimit int) *Processor {
	if batchLimit <= 0 {
		batchLimit = 5
	}
	return &Processor{queue: q, docs: docs, extractor: ex, codifier: cod, batchLimit: batchLimit}
}

// ProcessBatch claims jobs and processes them sequentially. Job failures
// are recorded on the job and in the result; only claim errors fail the
// batch.
func (p *Processor) ProcessBatch(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	var jobs []model.ExtractionJob
	if req.JobID != "" {
		job, err := p.queue.Claim(ctx, req.JobID)
		if err != nil {
			return nil, err
		}
		if job != nil {
			jobs = append(jobs, *job)
		}
	} else {
		limit := req.Limit
		if limit <= 0 {
			limit = p.batchLimit
		}
		claimed, err := p.queue.ClaimNext(ctx, limit)
		if err != nil {
			return nil, err
		}
		jobs = claimed
	}

	res := &BatchResult{Results: make([]JobOutcome, 0, len(jobs))}
	for _, job := range jobs {
		if ctx.Err() != nil {
			zap.L().Warn("batch cancelled, remaining jobs left to the reaper",
				zap.String("job_id", job.ID),
			)
			break
		}

		out := p.process(ctx, job)
		res.Processed++
		switch {
		case out.Skipped:
			res.Skipped++
		case out.Success:
			res.Successful++
		default:
			res.Failed++
		}
		res.Results = append(res.Results, out)
	}

	if res.Processed > 0 {
		zap.L().Info("batch complete",
			zap.Int("processed", res.Processed),
			zap.Int("successful", res.Successful),
			zap.Int("failed", res.Failed),
			zap.Int("skipped", res.Skipped),
		)
	}
	return res, nil
}

func (p *Processor) process(ctx context.Context, job model.ExtractionJob) JobOutcome {
	out := JobOutcome{JobID: job.ID, DocumentID: job.DocumentID}
	log := zap.L().With(
		zap.String("job_id", job.ID),
		zap.String("document_id", job.DocumentID),
		zap.Int("attempt", job.Attempts),
	)

	result, err := p.run(ctx, job)
	switch {
	case err == nil:
		if err := p.queue.complete(ctx, job.ID, job.Attempts, result); err != nil {
			logTransitionError(log, "complete job", err)
			out.Error = err.Error()
			return out
		}
		out.Success = true
		log.Info("job completed",
			zap.Int("items", result.ItemCount),
			zap.Int("matched", result.MatchedCount),
			zap.Int64("duration_ms", result.DurationMs),
		)

	case resilience.IsConflict(err):
		out.Error = err.Error()
		logTransitionError(log, "process job", err)

	case errors.Is(err, docstore.ErrNotExtractable):
		out.Skipped = true
		out.Error = err.Error()
		if err := p.queue.skip(ctx, job.ID, job.Attempts, err.Error()); err != nil {
			logTransitionError(log, "skip job", err)
		}
		log.Info("job skipped", zap.String("reason", out.Error))

	default:
		out.Error = err.Error()
		if _, ferr := p.queue.failWithError(ctx, job.ID, job.Attempts, err); ferr != nil {
			logTransitionError(log, "record job failure", ferr, zap.NamedError("cause", err))
		}
	}
	return out
}

// logTransitionError logs a failed state write. A conflict means the claim
// was reaped and the job now belongs to a later attempt, so it is a warning.
func logTransitionError(log *zap.Logger, msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	if resilience.IsConflict(err) {
		log.Warn(msg+": claim no longer held", fields...)
		return
	}
	log.Error(msg, fields...)
}

func (p *Processor) run(ctx context.Context, job model.ExtractionJob) (*model.JobResult, error) {
	start := time.Now()

	fileURL, err := p.docs.FileURL(ctx, job.FileRef)
	if err != nil {
		return nil, eris.Wrapf(err, "jobqueue: resolve %s", job.FileRef)
	}
	if fileURL == "" {
		return nil, resilience.NewNotFoundError("file", job.FileRef)
	}

	data, err := p.docs.Download(ctx, fileURL)
	if err != nil {
		return nil, eris.Wrapf(err, "jobqueue: download %s", job.FileRef)
	}

	name := job.DocumentName
	if name == "" {
		name = job.FileRef
	}
	text, err := docstore.Render(name, data)
	if err != nil {
		return nil, err
	}

	extracted, err := p.extractor.Run(ctx, extraction.Document{Name: name, Content: text})
	if err != nil {
		return nil, err
	}

	// Extraction can outlive the lease; a reclaimed job must not have its
	// items replaced by this attempt.
	if err := p.queue.ensureClaim(ctx, job); err != nil {
		return nil, err
	}

	fp, err := p.codifier.Codify(ctx, job.DocumentID, extracted.Costs)
	if err != nil {
		return nil, err
	}

	return &model.JobResult{
		ItemCount:      fp.Stats.Total,
		MatchedCount:   fp.Stats.Matched,
		PendingCount:   fp.Stats.Pending,
		Confidence:     extracted.Confidence,
		TokensUsed:     extracted.TokensUsed,
		Notes:          extracted.Notes,
		Discrepancies:  extracted.Discrepancies,
		StagesDegraded: extracted.StagesDegraded,
		DurationMs:     time.Since(start).Milliseconds(),
	}, nil
}
