package postgis

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/ajitpratap0/clearmap/pkg/clearmaperrors"
	"github.com/ajitpratap0/clearmap/pkg/models"
)

// Description is what extraction of a relation would select.
type Description struct {
	Relation models.Relation
	Columns  ColumnSet
	Query    string
	// Sample is the first row, nil when the relation is empty.
	Sample models.Row
}

// Describe resolves rel's columns and reads one row through the same cursor
// path Extract uses. The transaction is always rolled back.
func (e *Extractor) Describe(ctx context.Context, rel models.Relation) (*Description, error) {
	pool, err := e.pools.Pool(ctx, rel.Database)
	if err != nil {
		return nil, err
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, withRelation(clearmaperrors.Wrap(err, clearmaperrors.ErrorTypeConnection, "failed to begin transaction"), rel)
	}
	defer func() {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			e.logger.Warn("failed to roll back transaction", zap.String("relation", rel.String()), zap.Error(rbErr))
		}
	}()

	cols, err := e.resolver.Resolve(ctx, tx, rel)
	if err != nil {
		return nil, err
	}
	query, args, err := SelectSQL(rel, cols)
	if err != nil {
		return nil, withRelation(clearmaperrors.Wrap(err, clearmaperrors.ErrorTypeQuery, "failed to build extraction query"), rel)
	}

	d := &Description{Relation: rel, Columns: cols, Query: query}
	cur, err := OpenCursor(ctx, tx, DefaultCursorName, query, args, 1)
	if err != nil {
		return nil, withRelation(asError(err, clearmaperrors.ErrorTypeQuery), rel)
	}
	batch, err := cur.Next(ctx)
	if err != nil {
		return nil, withRelation(asError(err, clearmaperrors.ErrorTypeCursor), rel)
	}
	if len(batch) > 0 {
		d.Sample = batch[0]
	}
	if err := cur.Close(ctx); err != nil {
		return nil, withRelation(asError(err, clearmaperrors.ErrorTypeCursor), rel)
	}
	return d, nil
}
