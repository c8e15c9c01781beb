package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadlog-pipeline/internal/apperr"
	"loadlog-pipeline/internal/ledger"
	"loadlog-pipeline/internal/memstore"
	"loadlog-pipeline/internal/models"
)

func TestJobViews(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemory()
	st := memstore.New()
	svc := NewService(l, st)

	ingest, err := l.Create(ctx, ledger.NewJob{Params: models.Params{Ingest: &models.IngestParams{FileID: "f1"}}})
	require.NoError(t, err)
	analyze, err := l.Create(ctx, ledger.NewJob{Params: models.Params{Analyze: &models.AnalyzeParams{ReportID: "report_f1"}}})
	require.NoError(t, err)

	_, err = l.Transition(ctx, ingest.ID, models.StateRunning, ledger.Outcome{WorkerID: "w1"})
	require.NoError(t, err)
	_, err = l.Transition(ctx, ingest.ID, models.StateSucceeded, ledger.Outcome{Result: &models.Result{Ingest: &models.IngestResult{FileID: "f1", RowsPromoted: 3}}})
	require.NoError(t, err)

	v, err := svc.Job(ctx, ingest.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateSucceeded, v.State)
	assert.Equal(t, 1, v.Attempts)
	require.NotNil(t, v.DurationMs)
	assert.GreaterOrEqual(t, *v.DurationMs, 0.0)
	assert.Equal(t, int64(3), v.Result.Ingest.RowsPromoted)

	byFile, err := svc.JobsByFile(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, byFile, 1)
	assert.Equal(t, ingest.ID, byFile[0].ID)

	byReport, err := svc.JobsByReport(ctx, "report_f1")
	require.NoError(t, err)
	require.Len(t, byReport, 2)
	assert.Equal(t, analyze.ID, byReport[0].ID)
	assert.Nil(t, byReport[0].DurationMs)

	none, err := svc.JobsByFile(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestJobErrors(t *testing.T) {
	svc := NewService(ledger.NewMemory(), memstore.New())
	_, err := svc.Job(context.Background(), " ")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = svc.Job(context.Background(), "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	_, err = svc.Report(context.Background(), "report_x")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}
