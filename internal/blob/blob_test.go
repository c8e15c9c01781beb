package blob

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadlog-pipeline/internal/apperr"
)

func TestLocal_PutOpen(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal(dir)
	ctx := context.Background()

	n, err := l.Put(ctx, KeyForFile("f1"), strings.NewReader("timestamp,endpoint\n"), -1, "text/csv")
	require.NoError(t, err)
	assert.Equal(t, int64(19), n)

	rc, err := l.Open(ctx, KeyForFile("f1"))
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "timestamp,endpoint\n", string(b))

	leftovers, err := filepath.Glob(filepath.Join(dir, "uploads", ".upload-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestLocal_KeysStayInsideBaseDir(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal(filepath.Join(dir, "base"))
	_, err := l.Put(context.Background(), "../../escape", strings.NewReader("x"), 1, "")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "base", "escape"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "escape"))
	assert.True(t, os.IsNotExist(err))
}

func TestOpenMissing(t *testing.T) {
	for name, s := range map[string]Store{"local": NewLocal(t.TempDir()), "memory": NewMemory()} {
		t.Run(name, func(t *testing.T) {
			_, err := s.Open(context.Background(), "uploads/none")
			assert.True(t, apperr.Is(err, apperr.KindNotFound))
		})
	}
}

func TestPut_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLocal(t.TempDir()).Put(ctx, "k", strings.NewReader("data"), 4, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemory_PutOpen(t *testing.T) {
	m := NewMemory()
	_, err := m.Put(context.Background(), "k", strings.NewReader("abc"), 3, "")
	require.NoError(t, err)
	rc, err := m.Open(context.Background(), "k")
	require.NoError(t, err)
	b, _ := io.ReadAll(rc)
	assert.Equal(t, "abc", string(b))
}
