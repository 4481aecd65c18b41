package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/resilience"
)

// JobFilter specifies criteria for listing extraction jobs.
type JobFilter struct {
	Status     model.JobStatus `json:"status,omitempty"`
	DocumentID string          `json:"documentId,omitempty"`
	ClientID   string          `json:"clientId,omitempty"`
	Limit      int             `json:"limit,omitempty"`
	Offset     int             `json:"offset,omitempty"`
}

// ItemFilter specifies criteria for listing codified items.
type ItemFilter struct {
	DocumentID string              `json:"documentId,omitempty"`
	Status     model.MappingStatus `json:"status,omitempty"`
	Limit      int                 `json:"limit,omitempty"`
}

// AliasDecider reports whether incoming should replace the stored mapping.
type AliasDecider func(existing, incoming *model.ItemCodeAlias) bool

// AliasWrite is the stored mapping after an upsert, and what happened to it.
type AliasWrite struct {
	Alias   model.ItemCodeAlias `json:"alias"`
	Outcome model.AliasOutcome  `json:"outcome"`
}

// Store defines the persistence interface for extraction and codification.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job model.NewJob, maxAttempts int) (*model.ExtractionJob, bool, error)
	GetJob(ctx context.Context, jobID string) (*model.ExtractionJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.ExtractionJob, error)
	ClaimJobs(ctx context.Context, limit int, lease time.Duration) ([]model.ExtractionJob, error)
	ClaimJob(ctx context.Context, jobID string, lease time.Duration) (*model.ExtractionJob, error)
	StartJob(ctx context.Context, jobID string, lease time.Duration) (*model.ExtractionJob, error)
	// CompleteJob, FailJob and SkipJob only apply to a job in a state that
	// allows the transition (see jobConflict). A positive attempt must also
	// match the job's attempt count, which rejects writes from a worker whose
	// claim was reaped. Mismatches return a resilience.ConflictError.
	CompleteJob(ctx context.Context, jobID string, attempt int, result *model.JobResult) error
	FailJob(ctx context.Context, jobID string, attempt int, message string, terminal bool) (*model.ExtractionJob, error)
	SkipJob(ctx context.Context, jobID string, attempt int, reason string) error
	ReapJobs(ctx context.Context, now time.Time, message string) ([]model.ExtractionJob, error)

	// Codified items
	ReplaceItems(ctx context.Context, documentID string, items []model.CodifiedItem) error
	GetItem(ctx context.Context, itemID string) (*model.CodifiedItem, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]model.CodifiedItem, error)
	UpdateItemMapping(ctx context.Context, item model.CodifiedItem) error

	// Canonical codes
	ListCodes(ctx context.Context) ([]model.CanonicalCode, error)
	GetCode(ctx context.Context, codeID string) (*model.CanonicalCode, error)
	GetCodeByToken(ctx context.Context, code string) (*model.CanonicalCode, error)
	CreateCode(ctx context.Context, code model.CanonicalCode) (*model.CanonicalCode, bool, error)
	UpsertCodes(ctx context.Context, codes []model.CanonicalCode) (int64, error)

	// Aliases
	ListAliases(ctx context.Context) ([]model.ItemCodeAlias, error)
	UpsertAlias(ctx context.Context, alias model.ItemCodeAlias, decide AliasDecider) (*AliasWrite, error)
	// IncrementAliasUsage adds one use per entry, so an alias listed n times
	// gains n.
	IncrementAliasUsage(ctx context.Context, aliasIDs []string) error
	DeactivateAlias(ctx context.Context, aliasID string) error

	// Intelligence
	GetIntelligence(ctx context.Context, scope model.Scope, entityID string) (map[string]model.IntelligenceField, error)
	SaveIntelligence(ctx context.Context, scope model.Scope, entityID string, fields []model.IntelligenceField) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// jobConflict explains why a guarded transition matched no row for job.
// Completion is allowed from processing (or completed, as an idempotent
// overwrite), failure only from processing, and skipping from pending or
// processing.
func jobConflict(job *model.ExtractionJob, attempt int, op string) error {
	reason := fmt.Sprintf("cannot %s a %s job", op, job.Status)
	if attempt > 0 && job.Attempts != attempt {
		reason = fmt.Sprintf("attempt %d was superseded by attempt %d (status %s)", attempt, job.Attempts, job.Status)
	}
	return resilience.NewConflictError("job", job.ID, reason)
}

// countHits collapses repeated alias IDs into per-alias hit counts, ordered
// by ID.
func countHits(aliasIDs []string) ([]string, []int) {
	hits := make(map[string]int, len(aliasIDs))
	for _, id := range aliasIDs {
		hits[id]++
	}
	ids := make([]string, 0, len(hits))
	for id := range hits {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	counts := make([]int, len(ids))
	for i, id := range ids {
		counts[i] = hits[id]
	}
	return ids, counts
}
