package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourorg/cvemaps/internal/db"
	"github.com/yourorg/cvemaps/internal/pipeline"
)

type memLedger struct {
	mu        sync.Mutex
	pending   []db.Unpublished
	published []string
}

func (m *memLedger) ListUnpublished(_ context.Context, limit int) ([]db.Unpublished, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]db.Unpublished(nil), m.pending[:min(limit, len(m.pending))]...), nil
}

func (m *memLedger) MarkPublished(_ context.Context, runID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, u := range m.pending {
		if u.RunID == runID && u.Name == name {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			m.published = append(m.published, name)
			return nil
		}
	}
	return errors.New("not found")
}

type memStore struct {
	mu   sync.Mutex
	keys []string
	fail string
}

func (m *memStore) UploadFile(_ context.Context, _, key, _ string) error {
	if m.fail != "" && strings.HasSuffix(key, m.fail) {
		return errors.New("denied")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	return nil
}

func pending(n int) []db.Unpublished {
	out := make([]db.Unpublished, n)
	for i := range out {
		name := string(rune('a' + i))
		out[i] = db.Unpublished{RunID: "run-1", Name: name, Path: "/out/" + name + ".json"}
	}
	return out
}

func TestDrainLedgerPublishesInBatches(t *testing.T) {
	ledger := &memLedger{pending: pending(5)}
	store := &memStore{}
	up := &pipeline.Uploader{Publisher: store, Bucket: "maps", Prefix: "v1", Concurrency: 2}

	total, ok, err := drainLedger(context.Background(), ledger, up, 2, 0, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Equal(t, 5, ok)
	assert.Empty(t, ledger.pending)
	assert.ElementsMatch(t, []string{"v1/a.json", "v1/b.json", "v1/c.json", "v1/d.json", "v1/e.json"}, store.keys)
}

func TestDrainLedgerHonoursMax(t *testing.T) {
	ledger := &memLedger{pending: pending(5)}
	up := &pipeline.Uploader{Publisher: &memStore{}, Bucket: "maps"}

	total, ok, err := drainLedger(context.Background(), ledger, up, 2, 3, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 3, ok)
	assert.Len(t, ledger.pending, 2)
}

func TestDrainLedgerStopsOnFailingBatch(t *testing.T) {
	ledger := &memLedger{pending: pending(1)}
	up := &pipeline.Uploader{Publisher: &memStore{fail: "a.json"}, Bucket: "maps"}

	total, ok, err := drainLedger(context.Background(), ledger, up, 10, 0, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, 0, ok)
	assert.Len(t, ledger.pending, 1)
}

func TestDrainLedgerCountsRelistedFailureOnce(t *testing.T) {
	ledger := &memLedger{pending: pending(3)}
	up := &pipeline.Uploader{Publisher: &memStore{fail: "a.json"}, Bucket: "maps"}

	total, ok, err := drainLedger(context.Background(), ledger, up, 2, 0, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, ok)
	assert.Equal(t, []string{"b", "c"}, ledger.published)
	require.Len(t, ledger.pending, 1)
	assert.Equal(t, "a", ledger.pending[0].Name)
}

func TestLocalArtifacts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b_map.json", "a_map.json", "last_updated.txt", "notes.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.json"), 0o755))

	arts, err := localArtifacts(dir)
	require.NoError(t, err)
	names := make([]string, len(arts))
	for i, a := range arts {
		names[i] = a.Name
	}
	assert.Equal(t, []string{"a_map", "b_map", "last_updated.txt"}, names)
	assert.Equal(t, filepath.Join(dir, "a_map.json"), arts[0].Path)

	_, err = localArtifacts(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
