// Package blob stores raw uploads. Bytes are streamed in and out; nothing here holds a whole
// file in memory.
package blob

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"loadlog-pipeline/internal/apperr"
)

// Store puts and opens raw upload bytes by key.
type Store interface {
	// Put streams r under key and returns the number of bytes stored. size may be -1 when unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// KeyForFile is the blob key of an uploaded file.
func KeyForFile(fileID string) string {
	return "uploads/" + fileID
}

// Local writes blobs under a base directory.
type Local struct {
	baseDir string
}

func NewLocal(baseDir string) *Local {
	if baseDir == "" {
		baseDir = "./data/uploads"
	}
	return &Local{baseDir: baseDir}
}

func (l *Local) Put(ctx context.Context, key string, r io.Reader, _ int64, _ string) (int64, error) {
	path := filepath.Join(l.baseDir, sanitizeKey(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, eris.Wrap(err, "blob: create dirs")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return 0, eris.Wrap(err, "blob: create temp file")
	}
	defer os.Remove(tmp.Name()) // no-op after rename

	n, err := io.Copy(tmp, contextReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, eris.Wrapf(err, "blob: write %s", key)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, eris.Wrapf(err, "blob: commit %s", key)
	}
	return n, nil
}

func (l *Local) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(l.baseDir, sanitizeKey(key)))
	if os.IsNotExist(err) {
		return nil, apperr.Newf(apperr.KindNotFound, "blob: open", "blob %s not found", key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "blob: open %s", key)
	}
	return f, nil
}

// sanitizeKey keeps keys inside the base directory.
func sanitizeKey(key string) string {
	key = filepath.Clean("/" + key)
	return strings.TrimPrefix(key, string(filepath.Separator))
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Memory keeps blobs in a map. It is meant for tests and local runs with small inputs.
type Memory struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Put(ctx context.Context, key string, r io.Reader, _ int64, _ string) (int64, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, contextReader{ctx: ctx, r: r})
	if err != nil {
		return 0, eris.Wrapf(err, "blob: write %s", key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = buf.Bytes()
	return n, nil
}

func (m *Memory) Open(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[key]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "blob: open", "blob %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}
