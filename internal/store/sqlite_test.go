package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-advisors/dealdesk/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testJob(t *testing.T, target, acquirer string) *model.AnalysisJob {
	t.Helper()
	req := model.NewAnalysisRequest(target, acquirer)
	return model.NewAnalysisJob(req)
}

// --- Jobs ---

func TestSQLite_CreateJob_And_GetJob(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := testJob(t, "AAPL", "MSFT")
	require.NoError(t, st.CreateJob(ctx, job))

	fetched, err := st.GetJob(ctx, job.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Request.ID, fetched.Request.ID)
	assert.Equal(t, "AAPL", fetched.Request.TargetSymbol)
	assert.Equal(t, "MSFT", fetched.Request.AcquirerSymbol)
	assert.Equal(t, model.JobStatusPending, fetched.Status)
	assert.NotNil(t, fetched.Stages)
}

func TestSQLite_GetJob_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetJob(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_UpdateJob_RoundTripsStages(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := testJob(t, "AAPL", "MSFT")
	require.NoError(t, st.CreateJob(ctx, job))

	job.SetStage(model.StageResult{
		Name:     model.StageClassification,
		Status:   model.StageStatusSucceeded,
		Required: true,
		Payload:  json.RawMessage(`{"sector":"Technology"}`),
	})
	job.SetStage(model.StageResult{
		Name:     "dcf",
		Status:   model.StageStatusFailed,
		Required: true,
		Error:    model.NewFault(model.FaultUpstream, "valuation service unavailable"),
	})
	job.Finalize()
	require.NoError(t, st.UpdateJob(ctx, job))

	fetched, err := st.GetJob(ctx, job.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPartial, fetched.Status)
	require.NotNil(t, fetched.Error)
	assert.Equal(t, model.FaultPartial, fetched.Error.Kind)

	cls, ok := fetched.Stage(model.StageClassification)
	require.True(t, ok)
	assert.JSONEq(t, `{"sector":"Technology"}`, string(cls.Payload))

	dcf, ok := fetched.Stage("dcf")
	require.True(t, ok)
	require.NotNil(t, dcf.Error)
	assert.Equal(t, model.FaultUpstream, dcf.Error.Kind)
}

func TestSQLite_UpdateJob_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	job := testJob(t, "AAPL", "MSFT")
	err := st.UpdateJob(context.Background(), job)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_ListJobs(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateJob(ctx, testJob(t, "AAPL", "MSFT")))
	require.NoError(t, st.CreateJob(ctx, testJob(t, "NVDA", "AMD")))

	jobs, err := st.ListJobs(ctx, JobFilter{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestSQLite_ListJobs_FilterByStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	done := testJob(t, "AAPL", "MSFT")
	require.NoError(t, st.CreateJob(ctx, done))
	done.Status = model.JobStatusSucceeded
	require.NoError(t, st.UpdateJob(ctx, done))

	require.NoError(t, st.CreateJob(ctx, testJob(t, "NVDA", "AMD")))

	jobs, err := st.ListJobs(ctx, JobFilter{Status: model.JobStatusSucceeded, Limit: 10})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, done.Request.ID, jobs[0].Request.ID)
}

func TestSQLite_ListJobs_FilterBySymbol(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateJob(ctx, testJob(t, "AAPL", "MSFT")))
	require.NoError(t, st.CreateJob(ctx, testJob(t, "NVDA", "AAPL")))
	require.NoError(t, st.CreateJob(ctx, testJob(t, "GOOG", "AMZN")))

	// Symbol matches either side of the deal.
	jobs, err := st.ListJobs(ctx, JobFilter{Symbol: "AAPL", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestSQLite_DeleteJobsBefore(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateJob(ctx, testJob(t, "AAPL", "MSFT")))

	// Cutoff in the past deletes nothing.
	n, err := st.DeleteJobsBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Cutoff in the future deletes the job.
	n, err = st.DeleteJobsBefore(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs, err := st.ListJobs(ctx, JobFilter{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

// --- Ingestion operations ---

func testOperation(id, corpusID string) *model.IngestionOperation {
	return &model.IngestionOperation{
		ID:         id,
		CorpusID:   corpusID,
		SourceURIs: []string{"s3://deals/10-K.pdf", "s3://deals/10-Q.pdf"},
		Config:     model.ChunkConfig{ChunkSize: 512, ChunkOverlap: 64, RatePerMinute: 300},
		Status:     model.OperationStatusSubmitted,
		TotalCount: 2,
	}
}

func TestSQLite_CreateOperation_And_GetOperation(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	op := testOperation("op-1", "deal-123")
	require.NoError(t, st.CreateOperation(ctx, op))

	fetched, err := st.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, "deal-123", fetched.CorpusID)
	assert.Equal(t, []string{"s3://deals/10-K.pdf", "s3://deals/10-Q.pdf"}, fetched.SourceURIs)
	assert.Equal(t, 512, fetched.Config.ChunkSize)
	assert.Equal(t, model.OperationStatusSubmitted, fetched.Status)
}

func TestSQLite_GetOperation_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetOperation(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_UpdateOperation_TerminalStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	op := testOperation("op-2", "deal-123")
	require.NoError(t, st.CreateOperation(ctx, op))

	op.ClassifyCompletion(1, 2, nil)
	require.NoError(t, st.UpdateOperation(ctx, op))

	fetched, err := st.GetOperation(ctx, "op-2")
	require.NoError(t, err)
	assert.Equal(t, model.OperationStatusWarnings, fetched.Status)
	assert.Equal(t, 1, fetched.ImportedCount)
	assert.Equal(t, 2, fetched.TotalCount)
}

func TestSQLite_UpdateOperation_PersistsError(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	op := testOperation("op-3", "deal-123")
	require.NoError(t, st.CreateOperation(ctx, op))

	op.ClassifyCompletion(0, 2, model.NewFault(model.FaultUpstream, "embedding service rejected batch"))
	require.NoError(t, st.UpdateOperation(ctx, op))

	fetched, err := st.GetOperation(ctx, "op-3")
	require.NoError(t, err)
	assert.Equal(t, model.OperationStatusFailed, fetched.Status)
	require.NotNil(t, fetched.Error)
	assert.Equal(t, model.FaultUpstream, fetched.Error.Kind)
}

func TestSQLite_ListOperations_FilterByCorpus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateOperation(ctx, testOperation("op-a", "deal-1")))
	require.NoError(t, st.CreateOperation(ctx, testOperation("op-b", "deal-1")))
	require.NoError(t, st.CreateOperation(ctx, testOperation("op-c", "deal-2")))

	ops, err := st.ListOperations(ctx, "deal-1", 10)
	require.NoError(t, err)
	assert.Len(t, ops, 2)

	all, err := st.ListOperations(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

// --- Migrate ---

func TestSQLite_Migrate_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.Migrate(context.Background())
	require.NoError(t, err)
}
