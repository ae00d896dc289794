package transaction

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/store"
)

func setup(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	target := filepath.Join(dir, "restaurant_database.json")
	m := NewManager(nil, target, DefaultConfig(filepath.Join(dir, "backups")))
	return m, target
}

func writeStore(t *testing.T, path string, names ...string) {
	t.Helper()
	s := store.New()
	for i, name := range names {
		require.NoError(t, s.Insert(&models.Entity{
			ID:     string(rune('a' + i)),
			Name:   name,
			Status: models.EntityStatusActive,
		}))
	}
	require.NoError(t, store.NewFileStore(path).Save(s))
}

func readAudit(t *testing.T, path string) []models.AuditRecord {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	records := []models.AuditRecord{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r models.AuditRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		records = append(records, r)
	}
	require.NoError(t, scanner.Err())
	return records
}

func TestManager_RollbackRestoresExactBytes(t *testing.T) {
	ctx := context.Background()
	m, target := setup(t)
	writeStore(t, target, "留湘", "Joe's Pizza")

	before, err := os.ReadFile(target)
	require.NoError(t, err)

	txID, err := m.Begin(ctx, "ingest")
	require.NoError(t, err)

	writeStore(t, target, "something", "else", "entirely")
	require.NoError(t, os.WriteFile(target, []byte("{half written"), 0o644))

	ok, err := m.Rollback(ctx, txID)
	require.NoError(t, err)
	assert.True(t, ok)

	after, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	audit := readAudit(t, m.config.AuditLogPath)
	require.Len(t, audit, 1)
	assert.Equal(t, models.AuditActionRollback, audit[0].Action)
	assert.Equal(t, "ingest", audit[0].Label)
	assert.True(t, audit[0].Restored)

	_, err = m.Begin(ctx, "again")
	assert.NoError(t, err, "rollback releases the lock")
}

func TestManager_CommitWritesAuditAndReleasesLock(t *testing.T) {
	ctx := context.Background()
	m, target := setup(t)
	writeStore(t, target, "留湘")

	txID, err := m.Begin(ctx, "quality sweep")
	require.NoError(t, err)
	assert.Contains(t, txID, "quality-sweep_")

	writeStore(t, target, "留湘小聚")
	require.NoError(t, m.Commit(ctx, txID))

	audit := readAudit(t, m.config.AuditLogPath)
	require.Len(t, audit, 1)
	assert.Equal(t, txID, audit[0].TxID)
	assert.Equal(t, models.AuditActionCommit, audit[0].Action)
	assert.Len(t, audit[0].Fingerprint, 64)

	assert.ErrorIs(t, m.Commit(ctx, txID), ErrUnknownTx)

	records, err := m.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, txID, records[0].ID)
	assert.Equal(t, "quality-sweep", records[0].Label)
}

func TestManager_MissingStoreRollsBackToEmpty(t *testing.T) {
	ctx := context.Background()
	m, target := setup(t)

	txID, err := m.Begin(ctx, "ingest")
	require.NoError(t, err)
	writeStore(t, target, "留湘")

	ok, err := m.Rollback(ctx, txID)
	require.NoError(t, err)
	require.True(t, ok)

	s, err := store.NewFileStore(target).Load()
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestManager_RollbackMissingSnapshot(t *testing.T) {
	m, _ := setup(t)
	ok, err := m.Rollback(context.Background(), "ingest_20260101T000000.000000000Z_deadbeef")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_ConcurrentBeginIsRefused(t *testing.T) {
	ctx := context.Background()
	m, target := setup(t)
	other := NewManager(nil, target, m.config)

	txID, err := m.Begin(ctx, "ingest")
	require.NoError(t, err)

	_, err = other.Begin(ctx, "quality")
	assert.ErrorIs(t, err, ErrLocked)

	_, err = m.Begin(ctx, "nested")
	assert.ErrorIs(t, err, ErrTxAlreadyOpen)

	require.NoError(t, m.Commit(ctx, txID))
	_, err = other.Begin(ctx, "quality")
	assert.NoError(t, err)
}

func TestManager_InvalidLabel(t *testing.T) {
	m, _ := setup(t)
	_, err := m.Begin(context.Background(), "___")
	assert.ErrorIs(t, err, ErrInvalidTxLabel)
}

func TestManager_Retention(t *testing.T) {
	ctx := context.Background()
	m, target := setup(t)
	writeStore(t, target, "留湘")

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	for i := 0; i < 25; i++ {
		clock = clock.Add(time.Hour)
		txID, err := m.Begin(ctx, "ingest")
		require.NoError(t, err)
		require.NoError(t, m.Commit(ctx, txID))
	}

	records, err := m.List()
	require.NoError(t, err)
	assert.Len(t, records, 25, "snapshots inside the window are kept beyond the count")

	clock = clock.Add(30 * 24 * time.Hour)
	txID, err := m.Begin(ctx, "ingest")
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx, txID))

	records, err = m.List()
	require.NoError(t, err)
	require.Len(t, records, 20)
	assert.Equal(t, txID, records[0].ID, "newest first")
	for i := 1; i < len(records); i++ {
		assert.False(t, records[i].CreatedAt.After(records[i-1].CreatedAt))
	}
}
