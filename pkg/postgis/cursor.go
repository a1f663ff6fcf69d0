package postgis

import (
	"context"
	"fmt"
	"iter"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ajitpratap0/clearmap/pkg/clearmaperrors"
	"github.com/ajitpratap0/clearmap/pkg/models"
)

// DefaultCursorName names the cursor opened for each relation. One cursor is
// open per transaction, so a fixed name does not collide.
const DefaultCursorName = "clearmap_features"

// CursorExecMode is the protocol every cursor statement runs with. FETCH text
// is the same for every relation while its result shape is not, so it must
// never be served from a connection's statement cache.
const CursorExecMode = pgx.QueryExecModeSimpleProtocol

// Cursor is a server-side cursor declared in an open transaction. It reads
// the result of one query in batches of fetchSize rows.
type Cursor struct {
	q         Querier
	name      string
	fetchSize int
	closed    bool
	fetches   int
}

// OpenCursor declares a cursor named name over query inside the
// transaction q belongs to.
func OpenCursor(ctx context.Context, q Querier, name, query string, args []interface{}, fetchSize int) (*Cursor, error) {
	if fetchSize <= 0 {
		return nil, clearmaperrors.Newf(clearmaperrors.ErrorTypeValidation, "fetch size must be positive, got %d", fetchSize)
	}

	ident := pgx.Identifier{name}.Sanitize()
	declareArgs := append([]interface{}{CursorExecMode}, args...)
	if _, err := q.Exec(ctx, "DECLARE "+ident+" NO SCROLL CURSOR FOR "+query, declareArgs...); err != nil {
		return nil, clearmaperrors.Wrap(err, clearmaperrors.ErrorTypeQuery, "failed to declare cursor").
			WithDetail("cursor", name)
	}

	return &Cursor{q: q, name: ident, fetchSize: fetchSize}, nil
}

// Next reads the next batch. An empty batch means the cursor is exhausted.
func (c *Cursor) Next(ctx context.Context) (models.Batch, error) {
	if c.closed {
		return nil, clearmaperrors.New(clearmaperrors.ErrorTypeCursor, "cursor is closed")
	}

	c.fetches++
	rows, err := c.q.Query(ctx, fmt.Sprintf("FETCH FORWARD %d FROM %s", c.fetchSize, c.name), CursorExecMode)
	if err != nil {
		return nil, clearmaperrors.Wrap(err, clearmaperrors.ErrorTypeCursor, "failed to fetch batch").
			WithDetail("fetch", c.fetches)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	batch := make(models.Batch, 0, c.fetchSize)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, clearmaperrors.Wrap(err, clearmaperrors.ErrorTypeData, "failed to decode row").
				WithDetail("fetch", c.fetches)
		}
		row := make(models.Row, len(fields))
		for i, fd := range fields {
			if i < len(values) {
				row[fd.Name] = NormalizeValue(values[i])
			}
		}
		batch = append(batch, row)
	}
	if err := rows.Err(); err != nil {
		return nil, clearmaperrors.Wrap(err, clearmaperrors.ErrorTypeCursor, "failed to fetch batch").
			WithDetail("fetch", c.fetches)
	}

	return batch, nil
}

// Batches yields non-empty batches until the cursor returns an empty one.
// A read error is yielded once and ends the sequence. Ranging again resumes
// where the previous range stopped.
func (c *Cursor) Batches(ctx context.Context) iter.Seq2[models.Batch, error] {
	return func(yield func(models.Batch, error) bool) {
		for {
			batch, err := c.Next(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if len(batch) == 0 {
				return
			}
			if !yield(batch, nil) {
				return
			}
		}
	}
}

// Fetches returns the number of FETCH statements issued, including the one
// that observed exhaustion.
func (c *Cursor) Fetches() int { return c.fetches }

// Close closes the cursor. Closing twice is a no-op.
func (c *Cursor) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	if _, err := c.q.Exec(ctx, "CLOSE "+c.name, CursorExecMode); err != nil {
		return clearmaperrors.Wrap(err, clearmaperrors.ErrorTypeCursor, "failed to close cursor")
	}
	return nil
}

// NormalizeValue converts a decoded column value into a JSON friendly
// property value. Values JSON cannot represent (NaN, ±Infinity) become nil.
func NormalizeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case nil:
		return nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
		return v
	case float32:
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil
		}
		return v
	case []byte:
		return string(v)
	case time.Time:
		return v.Format(time.RFC3339)
	case [16]byte:
		return fmt.Sprintf("%x-%x-%x-%x-%x", v[0:4], v[4:6], v[6:8], v[8:10], v[10:16])
	case pgtype.Numeric:
		if !v.Valid || v.NaN || v.InfinityModifier != pgtype.Finite {
			return nil
		}
		f, err := v.Float64Value()
		if err != nil || !f.Valid {
			if b, err := v.MarshalJSON(); err == nil {
				return string(b)
			}
			return nil
		}
		return f.Float64
	default:
		return v
	}
}
