// Package postgistest provides an in-memory stand-in for a PostGIS database
// that understands the statements the postgis package issues: the
// information_schema column query, DECLARE ... CURSOR, FETCH FORWARD and
// CLOSE.
package postgistest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Table is a fake relation.
type Table struct {
	// Columns are the catalog columns in ordinal order, geometry included.
	Columns []string
	// Rows are keyed by output column name (st_asgeojson, areacalc, ...).
	Rows []map[string]interface{}

	// CatalogErr fails the column query.
	CatalogErr error
	// DeclareErr fails the cursor declaration.
	DeclareErr error
	// FailFetch makes the n-th FETCH of each cursor over this table fail
	// with FetchErr. Zero never fails.
	FailFetch int
	FetchErr  error
}

// Stats counts statements seen by a DB.
type Stats struct {
	Begins        int
	Commits       int
	Rollbacks     int
	Declares      int
	Fetches       int
	ClosedCursors int
	OpenTx        int
	// CachedFetches counts FETCH statements that would have gone through
	// the connection's prepared statement cache.
	CachedFetches int
}

// DB is a fake database. It satisfies postgis.Pool.
type DB struct {
	mu       sync.Mutex
	tables   map[string]*Table
	stats    Stats
	closed   bool
	BeginErr error

	// described emulates pgx's per connection statement cache: the result
	// column count first seen for a given SQL text. All transactions share
	// it, as they would on a pool with a single connection.
	described map[string]int

	// Queries records every extraction query declared as a cursor.
	Queries []string
}

// NewDB creates an empty fake database.
func NewDB() *DB {
	return &DB{tables: make(map[string]*Table), described: make(map[string]int)}
}

// AddTable registers t as schema.table.
func (d *DB) AddTable(schema, table string, t *Table) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tables[schema+"."+table] = t
}

// Stats returns a snapshot of the statement counters.
func (d *DB) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Closed reports whether Close was called.
func (d *DB) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Begin starts a fake transaction.
func (d *DB) Begin(context.Context) (pgx.Tx, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, errors.New("pool closed")
	}
	if d.BeginErr != nil {
		return nil, d.BeginErr
	}
	d.stats.Begins++
	d.stats.OpenTx++
	return &tx{db: d, cursors: make(map[string]*cursor)}, nil
}

// Close marks the database closed.
func (d *DB) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
}

type cursor struct {
	table   *Table
	columns []string
	pos     int
	fetches int
}

type tx struct {
	pgx.Tx

	db      *DB
	cursors map[string]*cursor
	done    bool
}

// execMode strips a leading pgx.QueryExecMode from args the way pgx does.
// Without one, pgx uses the cached statement mode.
func execMode(args []any) (pgx.QueryExecMode, []any) {
	if len(args) > 0 {
		if mode, ok := args[0].(pgx.QueryExecMode); ok {
			return mode, args[1:]
		}
	}
	return pgx.QueryExecModeCacheStatement, args
}

func (t *tx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	if t.done {
		return pgconn.CommandTag{}, pgx.ErrTxClosed
	}

	switch {
	case strings.HasPrefix(sql, "DECLARE "):
		rest := strings.TrimPrefix(sql, "DECLARE ")
		name, query, ok := strings.Cut(rest, " NO SCROLL CURSOR FOR ")
		if !ok {
			return pgconn.CommandTag{}, fmt.Errorf("postgistest: malformed DECLARE: %s", sql)
		}
		table, columns, err := t.parseSelect(query)
		if err != nil {
			return pgconn.CommandTag{}, err
		}
		if table.DeclareErr != nil {
			return pgconn.CommandTag{}, table.DeclareErr
		}
		t.cursors[name] = &cursor{table: table, columns: columns}
		t.db.stats.Declares++
		t.db.Queries = append(t.db.Queries, query)
		return pgconn.NewCommandTag("DECLARE CURSOR"), nil

	case strings.HasPrefix(sql, "CLOSE "):
		name := strings.TrimPrefix(sql, "CLOSE ")
		if _, ok := t.cursors[name]; !ok {
			return pgconn.CommandTag{}, fmt.Errorf("postgistest: cursor %s does not exist", name)
		}
		delete(t.cursors, name)
		t.db.stats.ClosedCursors++
		return pgconn.NewCommandTag("CLOSE CURSOR"), nil
	}

	return pgconn.CommandTag{}, fmt.Errorf("postgistest: unsupported statement: %s", sql)
}

func (t *tx) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	if t.done {
		return nil, pgx.ErrTxClosed
	}
	mode, args := execMode(args)

	if strings.Contains(sql, "information_schema.columns") {
		if len(args) != 2 {
			return nil, fmt.Errorf("postgistest: catalog query wants 2 args, got %d", len(args))
		}
		table, ok := t.db.tables[fmt.Sprint(args[0])+"."+fmt.Sprint(args[1])]
		if !ok {
			return &rows{fields: []string{"column_name"}}, nil
		}
		if table.CatalogErr != nil {
			return nil, table.CatalogErr
		}
		values := make([][]any, 0, len(table.Columns))
		for _, c := range table.Columns {
			values = append(values, []any{c})
		}
		return &rows{fields: []string{"column_name"}, values: values}, nil
	}

	var n int
	var name string
	if _, err := fmt.Sscanf(sql, "FETCH FORWARD %d FROM %s", &n, &name); err != nil {
		return nil, fmt.Errorf("postgistest: unsupported query: %s", sql)
	}
	cur, ok := t.cursors[name]
	if !ok {
		return nil, fmt.Errorf("postgistest: cursor %s does not exist", name)
	}
	cur.fetches++
	t.db.stats.Fetches++
	if mode == pgx.QueryExecModeCacheStatement || mode == pgx.QueryExecModeCacheDescribe {
		t.db.stats.CachedFetches++
		if n, ok := t.db.described[sql]; ok && n != len(cur.columns) {
			return nil, fmt.Errorf("postgistest: bind message has %d result formats but query has %d columns", n, len(cur.columns))
		}
		t.db.described[sql] = len(cur.columns)
	}
	if cur.table.FailFetch > 0 && cur.fetches == cur.table.FailFetch {
		return nil, cur.table.FetchErr
	}

	end := cur.pos + n
	if end > len(cur.table.Rows) {
		end = len(cur.table.Rows)
	}
	values := make([][]any, 0, end-cur.pos)
	for _, row := range cur.table.Rows[cur.pos:end] {
		v := make([]any, len(cur.columns))
		for i, c := range cur.columns {
			v[i] = row[c]
		}
		values = append(values, v)
	}
	cur.pos = end
	return &rows{fields: cur.columns, values: values}, nil
}

func (t *tx) Commit(context.Context) error {
	return t.finish(func(s *Stats) { s.Commits++ })
}

func (t *tx) Rollback(context.Context) error {
	return t.finish(func(s *Stats) { s.Rollbacks++ })
}

func (t *tx) finish(count func(*Stats)) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	count(&t.db.stats)
	t.db.stats.OpenTx--
	return nil
}

// parseSelect resolves the table and output column names of an extraction
// query of the form SELECT <expr>, ... FROM "schema"."table".
func (t *tx) parseSelect(query string) (*Table, []string, error) {
	if !strings.HasPrefix(query, "SELECT ") {
		return nil, nil, fmt.Errorf("postgistest: unsupported cursor query: %s", query)
	}
	list, from, ok := strings.Cut(strings.TrimPrefix(query, "SELECT "), " FROM ")
	if !ok {
		return nil, nil, fmt.Errorf("postgistest: cursor query has no FROM: %s", query)
	}
	key := strings.ReplaceAll(strings.TrimSpace(from), `"`, "")
	table, ok := t.db.tables[key]
	if !ok {
		return nil, nil, fmt.Errorf("postgistest: relation %q does not exist", key)
	}

	var columns []string
	for _, expr := range strings.Split(list, ", ") {
		if _, alias, ok := strings.Cut(expr, " AS "); ok {
			columns = append(columns, alias)
			continue
		}
		columns = append(columns, strings.Trim(expr, `"`))
	}
	return table, columns, nil
}

type rows struct {
	pgx.Rows

	fields []string
	values [][]any
	pos    int
	closed bool
}

func (r *rows) Next() bool {
	if r.closed || r.pos >= len(r.values) {
		r.closed = true
		return false
	}
	r.pos++
	return true
}

func (r *rows) Values() ([]any, error) {
	return r.values[r.pos-1], nil
}

func (r *rows) Scan(dest ...any) error {
	row := r.values[r.pos-1]
	if len(dest) != len(row) {
		return fmt.Errorf("postgistest: scan wants %d destinations, got %d", len(row), len(dest))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			s, ok := row[i].(string)
			if !ok {
				return fmt.Errorf("postgistest: column %d is %T, not string", i, row[i])
			}
			*p = s
		case *any:
			*p = row[i]
		default:
			return fmt.Errorf("postgistest: unsupported scan destination %T", d)
		}
	}
	return nil
}

func (r *rows) FieldDescriptions() []pgconn.FieldDescription {
	fds := make([]pgconn.FieldDescription, len(r.fields))
	for i, f := range r.fields {
		fds[i] = pgconn.FieldDescription{Name: f}
	}
	return fds
}

func (r *rows) Err() error                    { return nil }
func (r *rows) Close()                        { r.closed = true }
func (r *rows) CommandTag() pgconn.CommandTag { return pgconn.NewCommandTag("FETCH") }
