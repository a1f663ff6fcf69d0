package postgis

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ajitpratap0/clearmap/pkg/clearmaperrors"
	"github.com/ajitpratap0/clearmap/pkg/models"
)

const (
	// GeometryColumn is the raw geometry column. It is never selected as is.
	GeometryColumn = "geom"
	// GeoJSONColumn is the result column of the geometry projection.
	GeoJSONColumn = "st_asgeojson"
)

// Computed geometry measures.
const (
	ComputedArea   = "area"
	ComputedLength = "length"
)

// DefaultComputedColumns lists the tables whose features carry computed
// measures when none are configured.
var DefaultComputedColumns = map[string][]string{
	"unmap_wbya10_a": {ComputedArea, ComputedLength},
	"unmap_dral10_l": {ComputedLength},
}

var computedExpressions = map[string]struct {
	function string
	alias    string
}{
	ComputedArea:   {function: "ST_Area", alias: "areacalc"},
	ComputedLength: {function: "ST_Length", alias: "lengthcalc"},
}

// Querier is the query surface shared by pgx.Tx, *pgx.Conn and
// *pgxpool.Pool.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// ColumnSet is the ordered select list of a relation. It never contains the
// raw geometry column and always ends with the GeoJSON projection.
type ColumnSet []string

// ColumnResolver builds column sets from the catalog.
type ColumnResolver struct {
	computed map[string][]string
}

// NewColumnResolver creates a resolver. computed maps table names to the
// measures selected for them; nil selects DefaultComputedColumns.
func NewColumnResolver(computed map[string][]string) *ColumnResolver {
	if computed == nil {
		computed = DefaultComputedColumns
	}
	return &ColumnResolver{computed: computed}
}

// Resolve reads the columns of rel in ordinal order and builds its select
// list.
func (r *ColumnResolver) Resolve(ctx context.Context, q Querier, rel models.Relation) (ColumnSet, error) {
	query, args, err := catalogQuery(rel)
	if err != nil {
		return nil, withRelation(clearmaperrors.Wrap(err, clearmaperrors.ErrorTypeQuery, "failed to build catalog query"), rel)
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, withRelation(clearmaperrors.Wrap(err, clearmaperrors.ErrorTypeQuery, "failed to query columns"), rel)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, withRelation(clearmaperrors.Wrap(err, clearmaperrors.ErrorTypeQuery, "failed to read columns"), rel)
	}
	if len(names) == 0 {
		return nil, withRelation(clearmaperrors.New(clearmaperrors.ErrorTypeQuery, "relation has no columns in the catalog"), rel)
	}

	return r.Build(rel, names)
}

// Build turns catalog column names into the select list of rel.
func (r *ColumnResolver) Build(rel models.Relation, names []string) (ColumnSet, error) {
	geom := pgx.Identifier{rel.Schema, rel.Table, GeometryColumn}.Sanitize()

	cols := make(ColumnSet, 0, len(names)+3)
	for _, name := range names {
		if name == GeometryColumn {
			continue
		}
		cols = append(cols, pgx.Identifier{name}.Sanitize())
	}

	for _, kind := range r.computed[rel.Table] {
		expr, ok := computedExpressions[kind]
		if !ok {
			return nil, withRelation(clearmaperrors.Newf(clearmaperrors.ErrorTypeConfig, "unknown computed column %q", kind), rel)
		}
		cols = append(cols, fmt.Sprintf("%s(%s) AS %s", expr.function, geom, expr.alias))
	}

	cols = append(cols, fmt.Sprintf("ST_AsGeoJSON(%s) AS %s", geom, GeoJSONColumn))
	return cols, nil
}

// SelectSQL returns the extraction query of rel over cols.
func SelectSQL(rel models.Relation, cols ColumnSet) (string, []interface{}, error) {
	return sq.Select(cols...).
		From(pgx.Identifier{rel.Schema, rel.Table}.Sanitize()).
		PlaceholderFormat(sq.Dollar).
		ToSql()
}

func catalogQuery(rel models.Relation) (string, []interface{}, error) {
	return sq.Select("column_name").
		From("information_schema.columns").
		Where(sq.Eq{"table_schema": rel.Schema}).
		Where(sq.Eq{"table_name": rel.Table}).
		OrderBy("ordinal_position").
		PlaceholderFormat(sq.Dollar).
		ToSql()
}

func withRelation(err *clearmaperrors.Error, rel models.Relation) *clearmaperrors.Error {
	return err.
		WithDetail("database", rel.Database).
		WithDetail("schema", rel.Schema).
		WithDetail("table", rel.Table)
}
