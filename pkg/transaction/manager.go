// Package transaction snapshots the canonical store before a mutation and
// restores or retires the snapshot afterwards
package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/fingerprint"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/store"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/tracing"
)

var (
	ErrLocked         = errors.New("store is locked by another transaction")
	ErrUnknownTx      = errors.New("unknown transaction")
	ErrTxAlreadyOpen  = errors.New("a transaction is already open")
	ErrInvalidTxLabel = errors.New("invalid transaction label")
)

const (
	snapshotExt     = ".json"
	timestampLayout = "20060102T150405.000000000Z"
)

var unsafeLabelChars = regexp.MustCompile(`[^A-Za-z0-9-]+`)

// Config controls snapshot placement and retention
type Config struct {
	SnapshotDir  string
	AuditLogPath string
	RetainCount  int           // Newest snapshots always kept (default: 20)
	RetainWindow time.Duration // Older snapshots beyond RetainCount are pruned once this old (default: 168h)
}

// DefaultConfig returns the default retention policy under dir
func DefaultConfig(dir string) Config {
	return Config{
		SnapshotDir:  dir,
		AuditLogPath: filepath.Join(dir, "audit.jsonl"),
		RetainCount:  20,
		RetainWindow: 7 * 24 * time.Hour,
	}
}

type openTx struct {
	record models.TransactionRecord
}

// Manager owns the snapshot directory for one canonical store path. It holds
// an advisory file lock from Begin until Commit or Rollback.
type Manager struct {
	logger *zap.Logger
	target string
	config Config
	lock   *flock.Flock
	now    func() time.Time

	mu   sync.Mutex
	open *openTx
}

// NewManager creates a transaction manager for the store at target
func NewManager(logger *zap.Logger, target string, config Config) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.RetainCount < 1 {
		config.RetainCount = 20
	}
	return &Manager{
		logger: logger.Named("transaction"),
		target: target,
		config: config,
		lock:   flock.New(target + ".lock"),
		now:    time.Now,
	}
}

// Target returns the canonical store path the manager protects
func (m *Manager) Target() string {
	return m.target
}

// Begin locks the store and snapshots it under a label-and-timestamp id. A
// missing store is snapshotted as an empty document so rollback can restore it.
func (m *Manager) Begin(ctx context.Context, label string) (string, error) {
	_, span := tracing.StartSpan(ctx, "transaction.Manager.Begin")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.open != nil {
		return "", fmt.Errorf("%w: %s", ErrTxAlreadyOpen, m.open.record.ID)
	}

	safe := strings.Trim(unsafeLabelChars.ReplaceAllString(label, "-"), "-")
	if safe == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidTxLabel, label)
	}

	if err := os.MkdirAll(filepath.Dir(m.target), 0o755); err != nil {
		return "", fmt.Errorf("failed to create store directory: %w", err)
	}
	locked, err := m.lock.TryLock()
	if err != nil {
		return "", fmt.Errorf("failed to acquire store lock: %w", err)
	}
	if !locked {
		return "", fmt.Errorf("%w: %s", ErrLocked, m.lock.Path())
	}

	data, err := os.ReadFile(m.target)
	if errors.Is(err, fs.ErrNotExist) {
		data, err = store.Encode(store.New())
	}
	if err != nil {
		m.unlock()
		return "", fmt.Errorf("failed to read store for snapshot: %w", err)
	}

	now := m.now().UTC()
	txID := fmt.Sprintf("%s_%s_%s", safe, now.Format(timestampLayout), uuid.NewString()[:8])
	path := m.snapshotPath(txID)

	if err := store.WriteFileAtomic(path, data); err != nil {
		m.unlock()
		tracing.RecordError(span, err)
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}

	m.open = &openTx{record: models.TransactionRecord{
		ID:        txID,
		Label:     safe,
		CreatedAt: now,
		Path:      path,
		SizeBytes: int64(len(data)),
	}}

	m.logger.Info("Transaction started",
		zap.String("tx_id", txID),
		zap.String("snapshot", path),
	)

	return txID, nil
}

// Commit retires an open transaction: it prunes old snapshots, appends an
// audit record and releases the lock. The caller has already written the store.
func (m *Manager) Commit(ctx context.Context, txID string) error {
	_, span := tracing.StartSpan(ctx, "transaction.Manager.Commit")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.open == nil || m.open.record.ID != txID {
		return fmt.Errorf("%w: %s", ErrUnknownTx, txID)
	}
	record := m.open.record

	pruned, err := m.prune()
	if err != nil {
		// retention is housekeeping; a failed prune never undoes a written store
		m.logger.Warn("Failed to prune snapshots", zap.Error(err))
	}

	if err := m.appendAudit(models.AuditRecord{
		TxID:        txID,
		Label:       record.Label,
		Action:      models.AuditActionCommit,
		At:          m.now().UTC(),
		Fingerprint: m.targetFingerprint(),
	}); err != nil {
		tracing.RecordError(span, err)
		return err
	}

	m.open = nil
	m.unlock()

	m.logger.Info("Transaction committed",
		zap.String("tx_id", txID),
		zap.Int("pruned", pruned),
	)
	return nil
}

// Rollback copies the named snapshot back over the store. It reports false
// when the snapshot does not exist. Any lock held for txID is released.
func (m *Manager) Rollback(ctx context.Context, txID string) (bool, error) {
	_, span := tracing.StartSpan(ctx, "transaction.Manager.Rollback")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	holding := m.open != nil && m.open.record.ID == txID
	if holding {
		defer func() {
			m.open = nil
			m.unlock()
		}()
	} else if m.open == nil {
		// standalone rollback (operator CLI) still excludes concurrent writers
		locked, err := m.lock.TryLock()
		if err != nil {
			return false, fmt.Errorf("failed to acquire store lock: %w", err)
		}
		if !locked {
			return false, fmt.Errorf("%w: %s", ErrLocked, m.lock.Path())
		}
		defer m.unlock()
	}

	path := m.snapshotPath(txID)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		m.logger.Error("Cannot roll back: snapshot missing", zap.String("tx_id", txID), zap.String("snapshot", path))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read snapshot %s: %w", path, err)
	}

	if err := store.WriteFileAtomic(m.target, data); err != nil {
		tracing.RecordError(span, err)
		return false, fmt.Errorf("failed to restore snapshot: %w", err)
	}

	if err := m.appendAudit(models.AuditRecord{
		TxID:        txID,
		Label:       labelOf(txID),
		Action:      models.AuditActionRollback,
		At:          m.now().UTC(),
		Fingerprint: fingerprint.Bytes(data),
		Restored:    true,
	}); err != nil {
		m.logger.Warn("Failed to append rollback audit record", zap.Error(err))
	}

	m.logger.Warn("Transaction rolled back", zap.String("tx_id", txID))
	return true, nil
}

// List returns the retained snapshots, newest first
func (m *Manager) List() ([]models.TransactionRecord, error) {
	entries, err := os.ReadDir(m.config.SnapshotDir)
	if errors.Is(err, fs.ErrNotExist) {
		return []models.TransactionRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	records := []models.TransactionRecord{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, snapshotExt) {
			continue
		}
		id := strings.TrimSuffix(name, snapshotExt)
		created, ok := createdAt(id)
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		records = append(records, models.TransactionRecord{
			ID:        id,
			Label:     labelOf(id),
			CreatedAt: created,
			Path:      filepath.Join(m.config.SnapshotDir, name),
			SizeBytes: info.Size(),
		})
	}

	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].ID > records[j].ID
	})
	return records, nil
}

// prune deletes snapshots that are both outside the newest RetainCount and older than RetainWindow
func (m *Manager) prune() (int, error) {
	records, err := m.List()
	if err != nil {
		return 0, err
	}
	if len(records) <= m.config.RetainCount {
		return 0, nil
	}

	cutoff := m.now().Add(-m.config.RetainWindow)
	pruned := 0
	for _, r := range records[m.config.RetainCount:] {
		if m.config.RetainWindow > 0 && r.CreatedAt.After(cutoff) {
			continue
		}
		if err := os.Remove(r.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return pruned, fmt.Errorf("failed to remove snapshot %s: %w", r.Path, err)
		}
		m.logger.Debug("Pruned snapshot", zap.String("tx_id", r.ID))
		pruned++
	}
	return pruned, nil
}

func (m *Manager) appendAudit(record models.AuditRecord) error {
	path := m.config.AuditLogPath
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode audit record: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return f.Sync()
}

func (m *Manager) targetFingerprint() string {
	data, err := os.ReadFile(m.target)
	if err != nil {
		return ""
	}
	return fingerprint.Bytes(data)
}

func (m *Manager) snapshotPath(txID string) string {
	return filepath.Join(m.config.SnapshotDir, txID+snapshotExt)
}

func (m *Manager) unlock() {
	if err := m.lock.Unlock(); err != nil {
		m.logger.Warn("Failed to release store lock", zap.Error(err))
	}
}

// tx ids are <label>_<timestamp>_<suffix>; labels never contain '_'
func labelOf(txID string) string {
	label, _, _ := strings.Cut(txID, "_")
	return label
}

func createdAt(txID string) (time.Time, bool) {
	parts := strings.Split(txID, "_")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	t, err := time.Parse(timestampLayout, parts[1])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
