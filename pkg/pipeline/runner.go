// Package pipeline runs store mutations inside a transaction: begin, load,
// mutate, verify, write, commit. Any failure after begin restores the snapshot.
package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	pipelineerrors "github.com/iris-familiar/bay-area-food-map-sub000/pkg/errors"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/events"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/processor"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/store"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/telemetry"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/tracing"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/verify"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/view"
)

// Mutation changes the loaded store and reports what it did
type Mutation func(ctx context.Context, st *store.Store) (*models.BatchSummary, error)

// Transactions is the subset of the transaction manager the runner drives
type Transactions interface {
	Target() string
	Begin(ctx context.Context, label string) (string, error)
	Commit(ctx context.Context, txID string) error
	Rollback(ctx context.Context, txID string) (bool, error)
}

// Result describes a finished run
type Result struct {
	TxID    string
	Summary *models.BatchSummary
	// Skipped is set when the batch was already committed and nothing ran
	Skipped bool
}

// Option configures a Runner
type Option func(*Runner)

// WithSource loads the store from path instead of the transaction target
func WithSource(path string) Option {
	return func(r *Runner) {
		if path != "" {
			r.source = store.NewFileStore(path)
		}
	}
}

// WithViewWriter rebuilds the derived index after each commit
func WithViewWriter(w view.Writer) Option {
	return func(r *Runner) { r.view = w }
}

// WithEmitter publishes entity events after each commit
func WithEmitter(e *events.Emitter) Option {
	return func(r *Runner) { r.emitter = e }
}

// WithMetrics records every run
func WithMetrics(m *telemetry.Metrics, textfile string) Option {
	return func(r *Runner) {
		r.metrics = m
		r.metricsPath = textfile
	}
}

// WithCheckpoint enables batch checkpointing for RunBatch
func WithCheckpoint(path string) Option {
	return func(r *Runner) { r.checkpointPath = path }
}

type Runner struct {
	logger         *zap.Logger
	tx             Transactions
	source         *store.FileStore
	target         *store.FileStore
	view           view.Writer
	emitter        *events.Emitter
	metrics        *telemetry.Metrics
	metricsPath    string
	checkpointPath string
	now            func() time.Time
}

func NewRunner(logger *zap.Logger, tx Transactions, opts ...Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		logger: logger.Named("pipeline"),
		tx:     tx,
		target: store.NewFileStore(tx.Target()),
		now:    time.Now,
	}
	r.source = r.target
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes mutate as one transaction labelled label
func (r *Runner) Run(ctx context.Context, label string, mutate Mutation) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Runner.Run")
	defer span.End()

	started := r.now()
	logger := r.logger.With(zap.String("operation", label))
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		logger = logger.With(zap.String("trace_id", traceID))
	}

	txID, err := r.tx.Begin(ctx, label)
	if err != nil {
		tracing.RecordError(span, err)
		r.record(label, telemetry.OutcomeFailed, nil, started)
		r.flushMetrics(logger)
		return nil, pipelineerrors.Persistence(err)
	}
	logger = logger.With(zap.String("tx_id", txID))

	st, summary, err := r.apply(ctx, mutate)
	if err != nil {
		tracing.RecordError(span, err)
		r.rollback(ctx, logger, txID, err)
		r.record(label, telemetry.OutcomeRolledBack, summary, started)
		r.flushMetrics(logger)
		return &Result{TxID: txID, Summary: summary}, err
	}

	if err := r.tx.Commit(ctx, txID); err != nil {
		tracing.RecordError(span, err)
		r.rollback(ctx, logger, txID, err)
		r.record(label, telemetry.OutcomeRolledBack, summary, started)
		r.flushMetrics(logger)
		return &Result{TxID: txID, Summary: summary}, pipelineerrors.Persistence(err)
	}

	logger.Info("Batch committed",
		zap.Int("processed", summary.Processed),
		zap.Int("created", summary.Created),
		zap.Int("updated", summary.Updated),
		zap.Int("merged", summary.Merged),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
	)

	r.afterCommit(ctx, logger, st, summary, txID)
	r.record(label, telemetry.OutcomeCommitted, summary, started)
	if r.metrics != nil {
		r.metrics.ObserveStore(st.Document())
	}
	r.flushMetrics(logger)

	return &Result{TxID: txID, Summary: summary}, nil
}

// RunBatch is Run with checkpointing: a batch whose fingerprint matches the
// last committed one is skipped unless force is set
func (r *Runner) RunBatch(ctx context.Context, label, fingerprint string, force bool, mutate Mutation) (*Result, error) {
	cp, err := processor.LoadCheckpoint(r.checkpointPath)
	if err != nil {
		return nil, pipelineerrors.Persistence(err)
	}

	if !force && processor.AlreadyIngested(cp, fingerprint) {
		r.logger.Info("Batch already committed, skipping",
			zap.String("operation", label),
			zap.String("fingerprint", fingerprint),
			zap.String("last_tx_id", cp.LastTxID),
		)
		r.record(label, telemetry.OutcomeSkipped, nil, r.now())
		r.flushMetrics(r.logger)
		return &Result{Summary: &models.BatchSummary{}, Skipped: true}, nil
	}

	result, err := r.Run(ctx, label, mutate)
	if err != nil {
		return result, err
	}

	next := processor.Advance(cp, result.TxID, fingerprint, result.Summary, r.now())
	if err := processor.SaveCheckpoint(r.checkpointPath, next); err != nil {
		// the store is committed; the next run just will not skip this batch
		r.logger.Error("Failed to write checkpoint", zap.String("tx_id", result.TxID), zap.Error(err))
	}
	return result, nil
}

func (r *Runner) apply(ctx context.Context, mutate Mutation) (*store.Store, *models.BatchSummary, error) {
	st, err := r.source.Load()
	if err != nil {
		return nil, nil, pipelineerrors.Persistence(err)
	}
	before := st.Document()

	summary, err := mutate(ctx, st)
	if summary == nil {
		summary = &models.BatchSummary{}
	}
	if err != nil {
		return nil, summary, err
	}

	if err := verify.Transition(before, st.Document()); err != nil {
		return nil, summary, pipelineerrors.Wrap(pipelineerrors.ClassInvariant, err)
	}

	if err := r.target.Save(st); err != nil {
		return nil, summary, pipelineerrors.Persistence(err)
	}
	return st, summary, nil
}

func (r *Runner) rollback(ctx context.Context, logger *zap.Logger, txID string, cause error) {
	fields := []zap.Field{zap.Error(cause)}
	if pipelineerrors.ClassOf(cause) == pipelineerrors.ClassInvariant {
		for _, v := range verify.Violations(errors.Unwrap(cause)) {
			fields = append(fields, zap.NamedError("violation", v))
		}
	}
	logger.Error("Rolling back transaction", fields...)

	restored, err := r.tx.Rollback(ctx, txID)
	if err != nil {
		logger.Error("Rollback failed", zap.Error(err))
		return
	}
	if !restored {
		logger.Error("Rollback found no snapshot")
	}
}

func (r *Runner) afterCommit(ctx context.Context, logger *zap.Logger, st *store.Store, summary *models.BatchSummary, txID string) {
	if r.view != nil {
		if err := r.view.Write(ctx, view.Build(st.Document(), r.now())); err != nil {
			logger.Error("Failed to write index view", zap.Error(err))
		}
	}
	if r.emitter != nil {
		// errors are logged by the emitter; the batch stays committed
		_ = r.emitter.Emit(ctx, st, summary, txID)
	}
}

func (r *Runner) record(label, outcome string, summary *models.BatchSummary, started time.Time) {
	if r.metrics == nil {
		return
	}
	now := r.now()
	r.metrics.RecordRun(label, outcome, summary, now.Sub(started), now)
}

func (r *Runner) flushMetrics(logger *zap.Logger) {
	if r.metrics == nil {
		return
	}
	if err := r.metrics.WriteTextfile(r.metricsPath); err != nil {
		logger.Warn("Failed to write metrics textfile", zap.Error(err))
	}
}
