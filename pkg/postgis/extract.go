package postgis

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/ajitpratap0/clearmap/pkg/clearmaperrors"
	"github.com/ajitpratap0/clearmap/pkg/logger"
	"github.com/ajitpratap0/clearmap/pkg/metrics"
	"github.com/ajitpratap0/clearmap/pkg/models"
)

const tracerName = "github.com/ajitpratap0/clearmap/pkg/postgis"

// BatchHandler consumes one batch. It must have handed every row on before
// returning; the next batch is not fetched until it does.
type BatchHandler func(ctx context.Context, batch models.Batch) error

// ExtractStats summarizes one relation extraction.
type ExtractStats struct {
	Rows     int
	Batches  int
	Fetches  int
	Duration time.Duration
}

// Extractor streams relations out of their databases.
type Extractor struct {
	pools     PoolProvider
	resolver  *ColumnResolver
	fetchSize int
	logger    *zap.Logger
}

// NewExtractor creates an extractor reading fetchSize rows per batch.
func NewExtractor(pools PoolProvider, resolver *ColumnResolver, fetchSize int, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		pools:     pools,
		resolver:  resolver,
		fetchSize: fetchSize,
		logger:    logger.With(zap.String("component", "extractor")),
	}
}

// Extract runs rel through a cursor inside one transaction, calling handle
// for every non-empty batch in order. The transaction commits only after the
// cursor is exhausted and every batch was handled; any error rolls it back.
// The pooled connection is released on every path.
func (e *Extractor) Extract(ctx context.Context, rel models.Relation, handle BatchHandler) (stats ExtractStats, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "relation.extract")
	span.SetAttributes(
		attribute.String("database", rel.Database),
		attribute.String("schema", rel.Schema),
		attribute.String("table", rel.Table),
	)

	start := time.Now()
	log := logger.WithContext(ctx, e.logger).With(
		zap.String("database", rel.Database),
		zap.String("schema", rel.Schema),
		zap.String("table", rel.Table))

	defer func() {
		if err != nil {
			log.Error("relation failed", zap.Int("rows", stats.Rows), zap.Error(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	pool, err := e.pools.Pool(ctx, rel.Database)
	if err != nil {
		return stats, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return stats, withRelation(clearmaperrors.Wrap(err, clearmaperrors.ErrorTypeConnection, "failed to begin transaction"), rel)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			log.Error("failed to roll back transaction", zap.Error(rbErr))
		}
	}()

	cols, err := e.resolver.Resolve(ctx, tx, rel)
	if err != nil {
		return stats, err
	}
	query, args, err := SelectSQL(rel, cols)
	if err != nil {
		return stats, withRelation(clearmaperrors.Wrap(err, clearmaperrors.ErrorTypeQuery, "failed to build extraction query"), rel)
	}

	cur, err := OpenCursor(ctx, tx, DefaultCursorName, query, args, e.fetchSize)
	if err != nil {
		return stats, withRelation(asError(err, clearmaperrors.ErrorTypeQuery), rel)
	}

	extracted := metrics.RowsExtracted.WithLabelValues(rel.Database, rel.Table)
	batches := metrics.BatchesFetched.WithLabelValues(rel.Database, rel.Table)
	throughput := metrics.NewThroughputTracker(rel.Database, rel.Table)

	for batch, err := range cur.Batches(ctx) {
		if err != nil {
			stats.Fetches = cur.Fetches()
			return stats, withRelation(asError(err, clearmaperrors.ErrorTypeCursor), rel)
		}
		stats.Batches++
		batches.Inc()

		if err := handle(ctx, batch); err != nil {
			stats.Fetches = cur.Fetches()
			return stats, withRelation(asError(err, clearmaperrors.ErrorTypeData), rel)
		}
		n := batch.Len()
		stats.Rows += n
		extracted.Add(float64(n))
		throughput.Increment(int64(n))

		log.Debug("batch handled", zap.Int("batch", stats.Batches), zap.Int("rows", n))
	}
	stats.Fetches = cur.Fetches()

	if err := cur.Close(ctx); err != nil {
		return stats, withRelation(asError(err, clearmaperrors.ErrorTypeCursor), rel)
	}
	if err := tx.Commit(ctx); err != nil {
		return stats, withRelation(clearmaperrors.Wrap(err, clearmaperrors.ErrorTypeQuery, "failed to commit transaction"), rel)
	}
	committed = true

	stats.Duration = time.Since(start)
	log.Info("relation finished",
		zap.String("relation", rel.String()),
		zap.Int("rows", stats.Rows),
		zap.Int("batches", stats.Batches),
		zap.Float64("rows_per_second", throughput.GetAndReset()),
		zap.Duration("duration", stats.Duration))

	return stats, nil
}

// asError returns err as an *Error, wrapping foreign errors with errType.
func asError(err error, errType clearmaperrors.ErrorType) *clearmaperrors.Error {
	var e *clearmaperrors.Error
	if errors.As(err, &e) && e == err {
		return e
	}
	return clearmaperrors.Wrap(err, errType, "relation extraction failed")
}
