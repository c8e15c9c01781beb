package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadlog-pipeline/internal/apperr"
	"loadlog-pipeline/internal/models"
)

func rec(endpoint string, status int, ms float64, at time.Time) models.Record {
	return models.Record{Timestamp: at, Endpoint: endpoint, Method: "GET", StatusCode: status, DurationMs: ms}
}

func TestPromote_OrdersChunksAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.WriteChunk(ctx, "j1", 2, []models.Record{rec("/c", 200, 3, t0)}))
	require.NoError(t, s.WriteChunk(ctx, "j1", 1, []models.Record{rec("/a", 200, 1, t0), rec("/b", 200, 2, t0)}))
	n, err := s.StagedRows(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	rows, already, err := s.Promote(ctx, "j1", "f1")
	require.NoError(t, err)
	assert.False(t, already)
	assert.Equal(t, int64(3), rows)
	assert.False(t, s.HasStaging("j1"))

	got := s.Rows("f1")
	require.Len(t, got, 3)
	assert.Equal(t, []string{"/a", "/b", "/c"}, []string{got[0].Endpoint, got[1].Endpoint, got[2].Endpoint})

	rows, already, err = s.Promote(ctx, "j1", "f1")
	require.NoError(t, err)
	assert.True(t, already)
	assert.Equal(t, int64(3), rows)
	assert.Len(t, s.Rows("f1"), 3)

	p, ok, err := s.Promotion(ctx, "j1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "f1", p.FileID)
}

func TestResetStagingDropsChunks(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.WriteChunk(ctx, "j1", 1, []models.Record{rec("/a", 200, 1, time.Now())}))
	require.NoError(t, s.ResetStaging(ctx, "j1"))
	assert.False(t, s.HasStaging("j1"))

	s.PromoteErr = apperr.New(apperr.KindPromotionInfra, "test", "down")
	_, _, err := s.Promote(ctx, "j1", "f1")
	assert.True(t, apperr.Is(err, apperr.KindPromotionInfra))
}

func TestSummarize(t *testing.T) {
	ctx := context.Background()
	s := New()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	chunk := []models.Record{
		rec("/a", 200, 10, t0),
		rec("/a", 200, 20, t0.Add(time.Second)),
		rec("/a", 302, 30, t0.Add(2*time.Second)),
		rec("/b", 404, 40, t0.Add(3*time.Second)),
		rec("/b", 503, 50, t0.Add(4*time.Second)),
	}
	require.NoError(t, s.WriteChunk(ctx, "j1", 1, chunk))
	_, _, err := s.Promote(ctx, "j1", "f1")
	require.NoError(t, err)

	sum, err := s.Summarize(ctx, "f1")
	require.NoError(t, err)
	g := sum.Global
	assert.Equal(t, int64(5), g.TotalRequests)
	assert.InDelta(t, 30, g.AvgMs, 1e-9)
	assert.InDelta(t, 30, g.P50Ms, 1e-9)
	assert.InDelta(t, 46, g.P90Ms, 1e-9)
	assert.InDelta(t, 49.6, g.P99Ms, 1e-9)
	assert.InDelta(t, 0.6, g.SuccessRate, 1e-9)
	assert.Equal(t, int64(2), g.Status2xx)
	assert.Equal(t, int64(1), g.Status3xx)
	assert.Equal(t, int64(1), g.Status5xx)
	assert.Equal(t, t0, g.FirstRequest)

	require.Len(t, sum.Endpoints, 2)
	assert.Equal(t, "/a", sum.Endpoints[0].Endpoint)
	assert.Equal(t, int64(3), sum.Endpoints[0].TotalRequests)
	assert.InDelta(t, 1.0, sum.Endpoints[0].SuccessRate, 1e-9)

	empty, err := s.Summarize(ctx, "nope")
	require.NoError(t, err)
	assert.Zero(t, empty.Global.TotalRequests)
	assert.Empty(t, empty.Endpoints)
}

func TestUploads(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateUpload(ctx, models.Upload{FileID: "f1"}))
	assert.True(t, apperr.Is(s.CreateUpload(ctx, models.Upload{FileID: "f1"}), apperr.KindValidation))
	_, err := s.GetUpload(ctx, "f2")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}
