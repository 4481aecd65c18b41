package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/resilience"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// replaceIfBetter mirrors the alias priority policy without importing it.
func replaceIfBetter(existing, incoming *model.ItemCodeAlias) bool {
	return incoming.Source.Authoritative() || incoming.Confidence > existing.Confidence
}

func newJob(doc string) model.NewJob {
	return model.NewJob{
		DocumentID:   doc,
		ClientID:     "client-1",
		FileRef:      "files/" + doc + ".txt",
		DocumentName: doc + ".txt",
	}
}

func seedCode(t *testing.T, s Store, token string) *model.CanonicalCode {
	t.Helper()
	c, _, err := s.CreateCode(context.Background(), model.CanonicalCode{
		Code:        token,
		DisplayName: token,
		Category:    "construction",
		DataType:    model.DataTypeCurrency,
	})
	require.NoError(t, err)
	return c
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateJobIsIdempotentPerDocument", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first, created, err := s.CreateJob(ctx, newJob("doc-1"), 3)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, model.JobStatusPending, first.Status)
		assert.Equal(t, 0, first.Attempts)
		assert.Equal(t, 3, first.MaxAttempts)

		second, created, err := s.CreateJob(ctx, newJob("doc-1"), 3)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)

		jobs, err := s.ListJobs(ctx, JobFilter{DocumentID: "doc-1"})
		require.NoError(t, err)
		assert.Len(t, jobs, 1)
	})

	t.Run("GetJobNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetJob(context.Background(), "missing")
		require.Error(t, err)
		assert.Equal(t, resilience.KindNotFound, resilience.Kind(err))
	})

	t.Run("ClaimJobsFIFO", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var ids []string
		for _, doc := range []string{"doc-a", "doc-b", "doc-c"} {
			j, _, err := s.CreateJob(ctx, newJob(doc), 3)
			require.NoError(t, err)
			ids = append(ids, j.ID)
			time.Sleep(2 * time.Millisecond)
		}

		claimed, err := s.ClaimJobs(ctx, 2, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		assert.Equal(t, ids[0], claimed[0].ID)
		assert.Equal(t, ids[1], claimed[1].ID)
		for _, j := range claimed {
			assert.Equal(t, model.JobStatusProcessing, j.Status)
			assert.Equal(t, 1, j.Attempts)
			require.NotNil(t, j.LeaseExpiresAt)
			require.NotNil(t, j.LastAttemptAt)
		}

		rest, err := s.ClaimJobs(ctx, 5, time.Minute)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, ids[2], rest[0].ID)

		none, err := s.ClaimJobs(ctx, 5, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("ClaimJobOnlyWhenPending", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		j, _, err := s.CreateJob(ctx, newJob("doc-1"), 3)
		require.NoError(t, err)

		claimed, err := s.ClaimJob(ctx, j.ID, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, model.JobStatusProcessing, claimed.Status)

		again, err := s.ClaimJob(ctx, j.ID, time.Minute)
		require.NoError(t, err)
		assert.Nil(t, again)
	})

	t.Run("RetryExhaustion", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		j, _, err := s.CreateJob(ctx, newJob("doc-1"), 3)
		require.NoError(t, err)

		var last *model.ExtractionJob
		for i := 1; i <= 3; i++ {
			claimed, err := s.ClaimJobs(ctx, 1, time.Minute)
			require.NoError(t, err)
			require.Len(t, claimed, 1, "attempt %d", i)
			assert.Equal(t, i, claimed[0].Attempts)

			last, err = s.FailJob(ctx, j.ID, claimed[0].Attempts, "upstream 503", false)
			require.NoError(t, err)
		}

		assert.Equal(t, model.JobStatusFailed, last.Status)
		assert.Equal(t, 3, last.Attempts)
		assert.Equal(t, "upstream 503", last.LastError)
		assert.Nil(t, last.LeaseExpiresAt)

		none, err := s.ClaimJobs(ctx, 1, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("FailJobReturnsToPendingWithAttemptsLeft", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		j, _, err := s.CreateJob(ctx, newJob("doc-1"), 3)
		require.NoError(t, err)
		_, err = s.StartJob(ctx, j.ID, time.Minute)
		require.NoError(t, err)

		failed, err := s.FailJob(ctx, j.ID, 0, "timeout", false)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusPending, failed.Status)
		assert.Equal(t, 1, failed.Attempts)
	})

	t.Run("FailJobTerminal", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		j, _, err := s.CreateJob(ctx, newJob("doc-1"), 3)
		require.NoError(t, err)
		_, err = s.StartJob(ctx, j.ID, time.Minute)
		require.NoError(t, err)

		failed, err := s.FailJob(ctx, j.ID, 0, "content: document is empty", true)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, failed.Status)
		assert.Equal(t, 1, failed.Attempts)
	})

	t.Run("CompleteJobStoresResult", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		j, _, err := s.CreateJob(ctx, newJob("doc-1"), 3)
		require.NoError(t, err)
		_, err = s.StartJob(ctx, j.ID, time.Minute)
		require.NoError(t, err)

		require.NoError(t, s.CompleteJob(ctx, j.ID, 1, &model.JobResult{
			ItemCount:      4,
			MatchedCount:   3,
			PendingCount:   1,
			Confidence:     0.9,
			StagesDegraded: []string{"verify"},
		}))

		got, err := s.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, got.Status)
		require.NotNil(t, got.Result)
		assert.Equal(t, 4, got.Result.ItemCount)
		assert.Equal(t, []string{"verify"}, got.Result.StagesDegraded)
		assert.NotNil(t, got.CompletedAt)
		assert.Nil(t, got.LeaseExpiresAt)
	})

	t.Run("CompleteJobNotFound", func(t *testing.T) {
		s := newStore(t)
		err := s.CompleteJob(context.Background(), "missing", 0, &model.JobResult{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("TerminalJobRejectsLateTransitions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		j, _, err := s.CreateJob(ctx, newJob("doc-1"), 3)
		require.NoError(t, err)
		claimed, err := s.ClaimJob(ctx, j.ID, time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.CompleteJob(ctx, j.ID, claimed.Attempts, &model.JobResult{ItemCount: 2}))

		_, err = s.FailJob(ctx, j.ID, 0, "late failure", false)
		require.Error(t, err)
		assert.Equal(t, resilience.KindConflict, resilience.Kind(err))

		err = s.SkipJob(ctx, j.ID, 0, "late skip")
		assert.Equal(t, resilience.KindConflict, resilience.Kind(err))

		// Completing again overwrites the result in place.
		require.NoError(t, s.CompleteJob(ctx, j.ID, claimed.Attempts, &model.JobResult{ItemCount: 3}))

		got, err := s.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, got.Status)
		assert.Equal(t, 3, got.Result.ItemCount)
		assert.Empty(t, got.LastError)
	})

	t.Run("SupersededAttemptRejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		j, _, err := s.CreateJob(ctx, newJob("doc-1"), 3)
		require.NoError(t, err)
		first, err := s.ClaimJob(ctx, j.ID, time.Millisecond)
		require.NoError(t, err)
		_, err = s.ReapJobs(ctx, time.Now().Add(time.Minute), "lease expired")
		require.NoError(t, err)
		second, err := s.ClaimJob(ctx, j.ID, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, second)
		assert.Equal(t, 2, second.Attempts)

		err = s.CompleteJob(ctx, j.ID, first.Attempts, &model.JobResult{})
		require.Error(t, err)
		assert.Equal(t, resilience.KindConflict, resilience.Kind(err))
		assert.Contains(t, err.Error(), "superseded")

		_, err = s.FailJob(ctx, j.ID, first.Attempts, "stale", false)
		assert.Equal(t, resilience.KindConflict, resilience.Kind(err))

		got, err := s.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusProcessing, got.Status)

		require.NoError(t, s.CompleteJob(ctx, j.ID, second.Attempts, &model.JobResult{ItemCount: 1}))
	})

	t.Run("FailPendingJobRejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		j, _, err := s.CreateJob(ctx, newJob("doc-1"), 3)
		require.NoError(t, err)
		_, err = s.FailJob(ctx, j.ID, 0, "never claimed", false)
		assert.Equal(t, resilience.KindConflict, resilience.Kind(err))

		_, err = s.FailJob(ctx, "missing", 0, "x", false)
		assert.Equal(t, resilience.KindNotFound, resilience.Kind(err))
	})

	t.Run("SkipJob", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		j, _, err := s.CreateJob(ctx, newJob("doc-1"), 3)
		require.NoError(t, err)
		require.NoError(t, s.SkipJob(ctx, j.ID, 0, "unsupported file type .docx"))

		got, err := s.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusSkipped, got.Status)
		assert.Equal(t, "unsupported file type .docx", got.LastError)
	})

	t.Run("ReapJobsExpiredLeases", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		stale, _, err := s.CreateJob(ctx, newJob("doc-stale"), 3)
		require.NoError(t, err)
		_, err = s.ClaimJob(ctx, stale.ID, time.Millisecond)
		require.NoError(t, err)

		fresh, _, err := s.CreateJob(ctx, newJob("doc-fresh"), 3)
		require.NoError(t, err)
		_, err = s.ClaimJob(ctx, fresh.ID, time.Hour)
		require.NoError(t, err)

		reaped, err := s.ReapJobs(ctx, time.Now().Add(time.Minute), "lease expired")
		require.NoError(t, err)
		require.Len(t, reaped, 1)
		assert.Equal(t, stale.ID, reaped[0].ID)
		assert.Equal(t, model.JobStatusPending, reaped[0].Status)
		assert.Equal(t, "lease expired", reaped[0].LastError)

		got, err := s.GetJob(ctx, fresh.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusProcessing, got.Status)
	})

	t.Run("ListJobsByStatus", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a, _, err := s.CreateJob(ctx, newJob("doc-a"), 3)
		require.NoError(t, err)
		_, _, err = s.CreateJob(ctx, newJob("doc-b"), 3)
		require.NoError(t, err)
		require.NoError(t, s.SkipJob(ctx, a.ID, 0, "empty"))

		pending, err := s.ListJobs(ctx, JobFilter{Status: model.JobStatusPending})
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "doc-b", pending[0].DocumentID)

		all, err := s.ListJobs(ctx, JobFilter{ClientID: "client-1", Limit: 10})
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("ReplaceItems", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.ReplaceItems(ctx, "doc-1", []model.CodifiedItem{
			{OriginalName: "Stamp Duty", Value: 1200, MappingStatus: model.MappingMatched},
			{OriginalName: "Legal Fees", Value: 800, MappingStatus: model.MappingPendingReview},
		}))
		require.NoError(t, s.ReplaceItems(ctx, "doc-1", []model.CodifiedItem{
			{OriginalName: "Build Cost", Value: 250000, Currency: "GBP", MappingStatus: model.MappingPendingReview},
		}))

		items, err := s.ListItems(ctx, ItemFilter{DocumentID: "doc-1"})
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "Build Cost", items[0].OriginalName)
		assert.Equal(t, "GBP", items[0].Currency)
		assert.NotEmpty(t, items[0].ID)
	})

	t.Run("UpdateItemMapping", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		code := seedCode(t, s, "<build.cost>")

		require.NoError(t, s.ReplaceItems(ctx, "doc-1", []model.CodifiedItem{
			{ID: "item-1", OriginalName: "Net Construction Cost", Value: 10, MappingStatus: model.MappingPendingReview},
		}))

		item, err := s.GetItem(ctx, "item-1")
		require.NoError(t, err)
		item.SuggestedCodeID = code.ID
		item.SuggestedCode = code.Code
		item.Confidence = 0.95
		item.MappingStatus = model.MappingSuggested
		require.NoError(t, s.UpdateItemMapping(ctx, *item))

		suggested, err := s.ListItems(ctx, ItemFilter{DocumentID: "doc-1", Status: model.MappingSuggested})
		require.NoError(t, err)
		require.Len(t, suggested, 1)
		assert.Equal(t, "<build.cost>", suggested[0].SuggestedCode)
		assert.InDelta(t, 0.95, suggested[0].Confidence, 0.0001)

		_, err = s.GetItem(ctx, "missing")
		assert.Equal(t, resilience.KindNotFound, resilience.Kind(err))
	})

	t.Run("CreateCodeReturnsExisting", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first, created, err := s.CreateCode(ctx, model.CanonicalCode{Code: "<stamp.duty>", DisplayName: "Stamp Duty", Category: "acquisition", DataType: model.DataTypeCurrency})
		require.NoError(t, err)
		assert.True(t, created)

		second, created, err := s.CreateCode(ctx, model.CanonicalCode{Code: "<stamp.duty>", DisplayName: "SDLT", Category: "acquisition", DataType: model.DataTypeCurrency})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, "Stamp Duty", second.DisplayName)

		missing, err := s.GetCodeByToken(ctx, "<nope>")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("UpsertCodesKeepsIDs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		orig := seedCode(t, s, "<build.cost>")

		_, err := s.UpsertCodes(ctx, []model.CanonicalCode{
			{Code: "<build.cost>", DisplayName: "Build Cost", Category: "construction", DataType: model.DataTypeCurrency},
			{Code: "<gdv>", DisplayName: "Gross Development Value", Category: "valuation", DataType: model.DataTypeCurrency},
		})
		require.NoError(t, err)

		codes, err := s.ListCodes(ctx)
		require.NoError(t, err)
		assert.Len(t, codes, 2)

		got, err := s.GetCodeByToken(ctx, "<build.cost>")
		require.NoError(t, err)
		assert.Equal(t, orig.ID, got.ID)
		assert.Equal(t, "Build Cost", got.DisplayName)
	})

	t.Run("UpsertAliasPriority", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		build := seedCode(t, s, "<build.cost>")
		fees := seedCode(t, s, "<professional.fees>")

		w, err := s.UpsertAlias(ctx, model.ItemCodeAlias{
			Alias: "Net Construction Cost", AliasNormalized: "net construction cost",
			CanonicalCodeID: build.ID, CanonicalCode: build.Code, Confidence: 0.8, Source: model.AliasSourceLLM,
		}, replaceIfBetter)
		require.NoError(t, err)
		assert.Equal(t, model.AliasInserted, w.Outcome)
		assert.Equal(t, 1, w.Alias.UsageCount)

		// Lower confidence from a non-authoritative source keeps the mapping.
		w, err = s.UpsertAlias(ctx, model.ItemCodeAlias{
			Alias: "net construction cost", AliasNormalized: "net construction cost",
			CanonicalCodeID: fees.ID, CanonicalCode: fees.Code, Confidence: 0.6, Source: model.AliasSourceLLM,
		}, replaceIfBetter)
		require.NoError(t, err)
		assert.Equal(t, model.AliasKept, w.Outcome)
		assert.Equal(t, build.ID, w.Alias.CanonicalCodeID)
		assert.Equal(t, 2, w.Alias.UsageCount)

		// A user confirmation wins regardless of confidence.
		w, err = s.UpsertAlias(ctx, model.ItemCodeAlias{
			Alias: "Net Construction Cost", AliasNormalized: "net construction cost",
			CanonicalCodeID: fees.ID, CanonicalCode: fees.Code, Confidence: 0.5, Source: model.AliasSourceUserConfirmed,
		}, replaceIfBetter)
		require.NoError(t, err)
		assert.Equal(t, model.AliasReplaced, w.Outcome)
		assert.Equal(t, fees.ID, w.Alias.CanonicalCodeID)
		assert.Equal(t, 3, w.Alias.UsageCount)

		aliases, err := s.ListAliases(ctx)
		require.NoError(t, err)
		require.Len(t, aliases, 1)
		assert.Equal(t, model.AliasSourceUserConfirmed, aliases[0].Source)
		assert.True(t, aliases[0].Active)
	})

	t.Run("DeactivateAndIncrementAlias", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		build := seedCode(t, s, "<build.cost>")

		w, err := s.UpsertAlias(ctx, model.ItemCodeAlias{
			Alias: "Build", AliasNormalized: "build",
			CanonicalCodeID: build.ID, CanonicalCode: build.Code, Confidence: 1, Source: model.AliasSourceSeed,
		}, replaceIfBetter)
		require.NoError(t, err)

		require.NoError(t, s.IncrementAliasUsage(ctx, []string{w.Alias.ID}))
		aliases, err := s.ListAliases(ctx)
		require.NoError(t, err)
		require.Len(t, aliases, 1)
		assert.Equal(t, 2, aliases[0].UsageCount)

		// Each listed hit counts.
		require.NoError(t, s.IncrementAliasUsage(ctx, []string{w.Alias.ID, w.Alias.ID, w.Alias.ID}))
		aliases, err = s.ListAliases(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, aliases[0].UsageCount)

		require.NoError(t, s.DeactivateAlias(ctx, w.Alias.ID))
		aliases, err = s.ListAliases(ctx)
		require.NoError(t, err)
		assert.Empty(t, aliases)

		// A fresh insert is allowed once the old mapping is inactive.
		w2, err := s.UpsertAlias(ctx, model.ItemCodeAlias{
			Alias: "Build", AliasNormalized: "build",
			CanonicalCodeID: build.ID, CanonicalCode: build.Code, Confidence: 0.7, Source: model.AliasSourceLLM,
		}, replaceIfBetter)
		require.NoError(t, err)
		assert.Equal(t, model.AliasInserted, w2.Outcome)
		assert.NotEqual(t, w.Alias.ID, w2.Alias.ID)
	})

	t.Run("SaveIntelligenceKeepsHigherConfidence", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		n, err := s.SaveIntelligence(ctx, model.ScopeProject, "proj-1", []model.IntelligenceField{
			{FieldPath: "financials.marketValue", Value: json.RawMessage(`1500000`), Confidence: 0.9, SourceDocumentID: "doc-1"},
			{FieldPath: "property.address", Value: json.RawMessage(`"1 High St"`), Confidence: 0.6, SourceDocumentID: "doc-1"},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = s.SaveIntelligence(ctx, model.ScopeProject, "proj-1", []model.IntelligenceField{
			{FieldPath: "financials.marketValue", Value: json.RawMessage(`1400000`), Confidence: 0.7, SourceDocumentID: "doc-2"},
			{FieldPath: "property.address", Value: json.RawMessage(`"1 High Street"`), Confidence: 0.8, SourceDocumentID: "doc-2"},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		fields, err := s.GetIntelligence(ctx, model.ScopeProject, "proj-1")
		require.NoError(t, err)
		require.Len(t, fields, 2)
		assert.JSONEq(t, `1500000`, string(fields["financials.marketValue"].Value))
		assert.Equal(t, "doc-1", fields["financials.marketValue"].SourceDocumentID)
		assert.JSONEq(t, `"1 High Street"`, string(fields["property.address"].Value))

		other, err := s.GetIntelligence(ctx, model.ScopeClient, "proj-1")
		require.NoError(t, err)
		assert.Empty(t, other)
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}
