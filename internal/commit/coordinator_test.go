package commit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadlog-pipeline/internal/apperr"
)

type fakeStore struct {
	mu         sync.Mutex
	staged     map[string]int64
	promoted   map[string]Promotion
	promoteErr []error
	calls      int
	discarded  []string
	// lookupMiss hides promotions from Promotion, as when a concurrent attempt promotes between
	// the lookup and Promote.
	lookupMiss bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{staged: map[string]int64{}, promoted: map[string]Promotion{}}
}

func (f *fakeStore) StagedRows(_ context.Context, jobID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.staged[jobID], nil
}

func (f *fakeStore) Promote(_ context.Context, jobID, fileID string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.promoteErr) > 0 {
		err := f.promoteErr[0]
		f.promoteErr = f.promoteErr[1:]
		return 0, false, err
	}
	if p, ok := f.promoted[jobID]; ok {
		return p.Rows, true, nil
	}
	rows := f.staged[jobID]
	f.promoted[jobID] = Promotion{JobID: jobID, FileID: fileID, Rows: rows, PromotedAt: time.Now()}
	delete(f.staged, jobID)
	return rows, false, nil
}

func (f *fakeStore) DiscardStaging(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.staged, jobID)
	f.discarded = append(f.discarded, jobID)
	return nil
}

func (f *fakeStore) Promotion(_ context.Context, jobID string) (Promotion, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupMiss {
		return Promotion{}, false, nil
	}
	p, ok := f.promoted[jobID]
	return p, ok, nil
}

func testConfig() Config {
	return Config{MaxAttempts: 3, BackoffInitial: time.Millisecond, BackoffMax: 2 * time.Millisecond, AttemptTimeout: time.Second}
}

func ptr[T any](v T) *T { return &v }

func TestCommit_Promotes(t *testing.T) {
	st := newFakeStore()
	st.staged["job-1"] = 1000
	c := NewCoordinator(st, testConfig())

	out, err := c.Commit(context.Background(), Request{JobID: "job-1", FileID: "f", ExpectedRows: ptr(int64(1000))})
	require.NoError(t, err)
	assert.Equal(t, Outcome{Rows: 1000}, out)
	assert.NotContains(t, st.staged, "job-1")

	p, ok, err := c.Committed(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1000), p.Rows)
}

func TestCommit_IsIdempotent(t *testing.T) {
	st := newFakeStore()
	st.staged["job-1"] = 10
	c := NewCoordinator(st, testConfig())
	ctx := context.Background()

	_, err := c.Commit(ctx, Request{JobID: "job-1", FileID: "f"})
	require.NoError(t, err)

	out, err := c.Commit(ctx, Request{JobID: "job-1", FileID: "f", ExpectedRows: ptr(int64(10))})
	require.NoError(t, err)
	assert.True(t, out.AlreadyCommitted)
	assert.Equal(t, int64(10), out.Rows)
	assert.Equal(t, 1, st.calls)
}

func TestCommit_AlreadyPromotedDiscardsRestagedRows(t *testing.T) {
	for _, lookupMiss := range []bool{false, true} {
		t.Run(fmt.Sprintf("lookup_miss_%v", lookupMiss), func(t *testing.T) {
			st := newFakeStore()
			st.staged["job-1"] = 10
			c := NewCoordinator(st, testConfig())
			ctx := context.Background()

			_, err := c.Commit(ctx, Request{JobID: "job-1", FileID: "f"})
			require.NoError(t, err)

			// A re-delivered attempt staged the file again before reaching commit.
			st.staged["job-1"] = 10
			st.lookupMiss = lookupMiss
			out, err := c.Commit(ctx, Request{JobID: "job-1", FileID: "f"})
			require.NoError(t, err)
			assert.True(t, out.AlreadyCommitted)
			assert.Equal(t, int64(10), out.Rows)
			assert.NotContains(t, st.staged, "job-1")
			assert.Equal(t, []string{"job-1"}, st.discarded)
		})
	}
}

func TestCommit_CountMismatchIsFatal(t *testing.T) {
	st := newFakeStore()
	st.staged["job-1"] = 999
	c := NewCoordinator(st, testConfig())

	_, err := c.Commit(context.Background(), Request{JobID: "job-1", FileID: "f", ExpectedRows: ptr(int64(1000))})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.False(t, apperr.IsRetryable(err))
	assert.Zero(t, st.calls)
	assert.Equal(t, []string{"job-1"}, st.discarded)
	assert.Empty(t, st.promoted)
}

func TestCommit_RetriesInfraErrors(t *testing.T) {
	st := newFakeStore()
	st.staged["job-1"] = 5
	st.promoteErr = []error{
		&pgconn.PgError{Code: "40001", Message: "could not serialize access"},
		&pgconn.PgError{Code: "40P01", Message: "deadlock detected"},
	}
	c := NewCoordinator(st, testConfig())

	out, err := c.Commit(context.Background(), Request{JobID: "job-1", FileID: "f"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), out.Rows)
	assert.Equal(t, 3, st.calls)
}

func TestCommit_InfraErrorsExhausted(t *testing.T) {
	st := newFakeStore()
	st.staged["job-1"] = 5
	for i := 0; i < 3; i++ {
		st.promoteErr = append(st.promoteErr, fmt.Errorf("dial: %w", context.DeadlineExceeded))
	}
	c := NewCoordinator(st, testConfig())

	_, err := c.Commit(context.Background(), Request{JobID: "job-1", FileID: "f"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindPromotionInfra))
	assert.True(t, apperr.IsRetryable(err))
	assert.Equal(t, 3, st.calls)
	assert.Equal(t, []string{"job-1"}, st.discarded)
}

func TestCommit_ConstraintViolationNotRetried(t *testing.T) {
	st := newFakeStore()
	st.staged["job-1"] = 5
	st.promoteErr = []error{&pgconn.PgError{Code: "23514", Message: "check constraint violated"}}
	c := NewCoordinator(st, testConfig())

	_, err := c.Commit(context.Background(), Request{JobID: "job-1", FileID: "f"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Equal(t, 1, st.calls)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperr.Kind
	}{
		{"serialization", &pgconn.PgError{Code: "40001"}, apperr.KindPromotionInfra},
		{"connection", &pgconn.PgError{Code: "08006"}, apperr.KindPromotionInfra},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, apperr.KindPromotionInfra},
		{"unique", &pgconn.PgError{Code: "23505"}, apperr.KindValidation},
		{"bad data", &pgconn.PgError{Code: "22003"}, apperr.KindValidation},
		{"undefined table", &pgconn.PgError{Code: "42P01"}, apperr.KindInternal},
		{"deadline", context.DeadlineExceeded, apperr.KindPromotionInfra},
		{"kinded", apperr.New(apperr.KindStagingConflict, "x", "y"), apperr.KindStagingConflict},
		{"unknown", errors.New("boom"), apperr.KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apperr.KindOf(classify("op", tt.err)))
		})
	}
}
