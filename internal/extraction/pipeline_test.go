package extraction

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docintel/internal/llm"
	"github.com/sells-group/docintel/internal/resilience"
)

type mockCompleter struct {
	mock.Mock
}

func (m *mockCompleter) Complete(ctx context.Context, system, user string, opts llm.Options) (*llm.Completion, error) {
	args := m.Called(ctx, system, user, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*llm.Completion), args.Error(1)
}

func onStage(mc *mockCompleter, system string) *mock.Call {
	return mc.On("Complete", mock.Anything, system, mock.Anything, mock.Anything)
}

func completion(content string, tokens int) *llm.Completion {
	return &llm.Completion{Content: content, TokensUsed: tokens}
}

var doc = Document{
	Name:    "cost-plan.txt",
	Content: "Land purchase £1.2m\nStamp duty £50,000\nLegal fees £12,500",
}

const extracted = `{"costs": [
	{"name": "Land purchase", "amount": 1.2, "currency": "gbp", "confidence": 0.8},
	{"name": "Stamp duty", "amount": 50000, "currency": "GBP", "confidence": 0.9},
	{"name": "  ", "amount": 1}
], "confidence": 0.85, "notes": "amounts in GBP"}`

const normalized = `{"costs": [
	{"name": "Land purchase", "amount": 1200000, "currency": "GBP", "category": "acquisition", "confidence": 0.8},
	{"name": "Stamp duty", "amount": 50000, "currency": "GBP", "category": "acquisition", "confidence": 0.9}
], "notes": "expanded 1.2m"}`

const verified = `{"costs": [
	{"name": "Land purchase", "amount": 1200000, "currency": "GBP", "category": "acquisition", "confidence": 0.9},
	{"name": "Stamp duty", "amount": 50000, "currency": "GBP", "category": "acquisition", "confidence": 0.9},
	{"name": "Legal fees", "amount": 12500, "currency": "GBP", "category": "acquisition", "confidence": 0.85}
], "discrepancies": [{"type": "missing_item", "description": "Legal fees were not extracted"}], "confidence": 0.93}`

func TestRun_AllStages(t *testing.T) {
	mc := &mockCompleter{}
	onStage(mc, extractSystem).Return(completion(extracted, 100), nil).Once()
	onStage(mc, normalizeSystem).Return(completion(normalized, 50), nil).Once()
	onStage(mc, verifySystem).Return(completion(verified, 70), nil).Once()

	res, err := New(mc).Run(context.Background(), doc)
	require.NoError(t, err)

	require.Len(t, res.Costs, 3)
	assert.Equal(t, "Legal fees", res.Costs[2].Name)
	assert.Equal(t, 1_200_000.0, res.Costs[0].Amount)
	assert.InDelta(t, 0.93, res.Confidence, 1e-9)
	assert.Equal(t, 220, res.TokensUsed)
	require.Len(t, res.Discrepancies, 1)
	assert.Equal(t, "missing_item", res.Discrepancies[0].Type)
	assert.Empty(t, res.StagesDegraded)
	assert.Equal(t, "amounts in GBP\nexpanded 1.2m", res.Notes)
	mc.AssertExpectations(t)
}

func TestRun_NormalizeFailureFallsBackToExtract(t *testing.T) {
	mc := &mockCompleter{}
	onStage(mc, extractSystem).Return(completion(extracted, 100), nil).Once()
	onStage(mc, normalizeSystem).Return(nil, errors.New("model refused")).Once()
	onStage(mc, verifySystem).Return(completion("not json at all", 5), nil).Once()

	res, err := New(mc).Run(context.Background(), doc)
	require.NoError(t, err)

	require.Len(t, res.Costs, 2)
	assert.Equal(t, 1.2, res.Costs[0].Amount)
	assert.Equal(t, "GBP", res.Costs[0].Currency)
	assert.InDelta(t, 0.85, res.Confidence, 1e-9)
	assert.Equal(t, []string{StageNormalize, StageVerify}, res.StagesDegraded)
	assert.Equal(t, 105, res.TokensUsed)
}

func TestRun_VerifyFailureKeepsNormalized(t *testing.T) {
	mc := &mockCompleter{}
	onStage(mc, extractSystem).Return(completion(extracted, 1), nil).Once()
	onStage(mc, normalizeSystem).Return(completion(normalized, 1), nil).Once()
	onStage(mc, verifySystem).Return(completion(`{"costs": [], "confidence": 0.2}`, 1), nil).Once()

	res, err := New(mc).Run(context.Background(), doc)
	require.NoError(t, err)
	require.Len(t, res.Costs, 2)
	assert.Equal(t, 1_200_000.0, res.Costs[0].Amount)
	assert.Equal(t, []string{StageVerify}, res.StagesDegraded)
	assert.InDelta(t, 0.85, res.Confidence, 1e-9)
}

func TestRun_SkipVerify(t *testing.T) {
	mc := &mockCompleter{}
	onStage(mc, extractSystem).Return(completion(extracted, 1), nil).Once()
	onStage(mc, normalizeSystem).Return(completion(normalized, 1), nil).Once()

	res, err := New(mc, WithSkipVerify(true)).Run(context.Background(), doc)
	require.NoError(t, err)
	assert.Len(t, res.Costs, 2)
	mc.AssertNotCalled(t, "Complete", mock.Anything, verifySystem, mock.Anything, mock.Anything)
}

func TestRun_PassesTemperature(t *testing.T) {
	mc := &mockCompleter{}
	mc.On("Complete", mock.Anything, mock.Anything, mock.Anything,
		mock.MatchedBy(func(o llm.Options) bool { return o.Temperature == 0.2 && o.JSONMode }),
	).Return(completion(extracted, 1), nil).Once()
	mc.On("Complete", mock.Anything, mock.Anything, mock.Anything,
		mock.MatchedBy(func(o llm.Options) bool { return o.Temperature == 0.2 && o.JSONMode }),
	).Return(completion(normalized, 1), nil).Once()

	res, err := New(mc, WithTemperature(0.2), WithSkipVerify(true)).Run(context.Background(), doc)
	require.NoError(t, err)
	assert.Len(t, res.Costs, 2)
	mc.AssertExpectations(t)
}

func TestRun_EmptyContentIsContentError(t *testing.T) {
	mc := &mockCompleter{}
	_, err := New(mc).Run(context.Background(), Document{Name: "blank.txt", Content: " \n\t"})
	require.Error(t, err)
	assert.Equal(t, resilience.KindContent, resilience.Kind(err))
	mc.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_ZeroItemsIsContentError(t *testing.T) {
	mc := &mockCompleter{}
	onStage(mc, extractSystem).Return(completion(`{"costs": []}`, 10), nil).Once()

	_, err := New(mc).Run(context.Background(), doc)
	require.Error(t, err)
	assert.Equal(t, resilience.KindContent, resilience.Kind(err))
	assert.True(t, resilience.IsPermanent(err))
}

func TestRun_ExtractFailuresPropagate(t *testing.T) {
	t.Run("transient", func(t *testing.T) {
		mc := &mockCompleter{}
		onStage(mc, extractSystem).Return(nil, resilience.NewTransientError(errors.New("timeout"), 504)).Once()
		_, err := New(mc).Run(context.Background(), doc)
		require.Error(t, err)
		assert.Equal(t, resilience.KindTransient, resilience.Kind(err))
	})
	t.Run("parse", func(t *testing.T) {
		mc := &mockCompleter{}
		onStage(mc, extractSystem).Return(completion(`{"costs": [{"name": "x"}]}`, 10), nil).Once()
		_, err := New(mc).Run(context.Background(), doc)
		require.Error(t, err)
		assert.Equal(t, resilience.KindParse, resilience.Kind(err))
	})
}

func TestRun_TruncatesLongContent(t *testing.T) {
	mc := &mockCompleter{}
	mc.On("Complete", mock.Anything, extractSystem, mock.MatchedBy(func(user string) bool {
		return len(user) < 200 && strings.HasPrefix(user, "File name: big.txt")
	}), mock.Anything).Return(completion(extracted, 1), nil).Once()
	onStage(mc, normalizeSystem).Return(completion(normalized, 1), nil).Once()

	big := Document{Name: "big.txt", Content: strings.Repeat("£", 500)}
	_, err := New(mc, WithMaxContentChars(100), WithSkipVerify(true)).Run(context.Background(), big)
	require.NoError(t, err)
	mc.AssertExpectations(t)
}

func TestTruncate(t *testing.T) {
	s := "ab£cd"
	assert.Equal(t, "ab", truncate(s, 3))
	assert.Equal(t, "ab£", truncate(s, 4))
	assert.Equal(t, s, truncate(s, 50))
}

func TestNormalizeCurrency(t *testing.T) {
	assert.Equal(t, "GBP", normalizeCurrency(" gbp "))
	assert.Equal(t, "EUR", normalizeCurrency("EUR"))
	assert.Equal(t, "", normalizeCurrency("£"))
	assert.Equal(t, "", normalizeCurrency(""))
}
