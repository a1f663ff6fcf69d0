// Package postgis reads features out of PostGIS relations. It owns the
// per-database connection pools, resolves the column set of a relation from
// the catalog and streams rows through a transaction-scoped server-side
// cursor in fixed-size batches.
package postgis

import (
	"context"
	"net"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ajitpratap0/clearmap/pkg/clearmaperrors"
	"github.com/ajitpratap0/clearmap/pkg/config"
)

// Pool is the part of a connection pool the extractor uses. *pgxpool.Pool
// satisfies it.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PoolProvider hands out the pool of a logical database.
type PoolProvider interface {
	Pool(ctx context.Context, database string) (Pool, error)
}

// PoolFactory opens the pool of one database.
type PoolFactory func(ctx context.Context, database string, conn config.ConnectionConfig) (Pool, error)

// Registry lazily opens and caches one pool per logical database name. Pools
// stay open until Close.
type Registry struct {
	mu      sync.Mutex
	conns   map[string]config.ConnectionConfig
	pools   map[string]Pool
	factory PoolFactory
	logger  *zap.Logger
	closed  bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithPoolFactory replaces the pgxpool factory.
func WithPoolFactory(f PoolFactory) RegistryOption {
	return func(r *Registry) { r.factory = f }
}

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a registry over the configured connections. No
// connection is made until a pool is first requested.
func NewRegistry(conns map[string]config.ConnectionConfig, opts ...RegistryOption) *Registry {
	r := &Registry{
		conns:   conns,
		pools:   make(map[string]Pool),
		factory: NewPgxPool,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "connection_registry"))
	return r
}

// Pool returns the pool for database, opening it on first use.
func (r *Registry) Pool(ctx context.Context, database string) (Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, clearmaperrors.New(clearmaperrors.ErrorTypeConnection, "connection registry is closed").
			WithDetail("database", database)
	}
	if p, ok := r.pools[database]; ok {
		return p, nil
	}

	conn, ok := r.conns[database]
	if !ok {
		return nil, clearmaperrors.New(clearmaperrors.ErrorTypeConfig, "no connection configured").
			WithDetail("database", database)
	}

	p, err := r.factory(ctx, database, conn)
	if err != nil {
		return nil, clearmaperrors.Wrap(err, clearmaperrors.ErrorTypeConnection, "failed to open connection pool").
			WithDetail("database", database)
	}
	r.pools[database] = p

	r.logger.Info("opened pool",
		zap.String("database", database),
		zap.String("host", conn.Host),
		zap.Int32("max_connections", conn.MaxConns))

	return p, nil
}

// Databases returns the names of the databases with an open pool, sorted.
func (r *Registry) Databases() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every open pool. The registry cannot be used afterwards.
// Calling Close more than once is a no-op.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true

	for name, p := range r.pools {
		r.closePool(name, p)
		delete(r.pools, name)
	}
}

func (r *Registry) closePool(name string, p Pool) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("failed to close pool", zap.String("database", name), zap.Any("panic", v))
		}
	}()
	p.Close()
	r.logger.Info("closed pool", zap.String("database", name))
}

// NewPgxPool is the default PoolFactory. pgxpool connects lazily, so the
// first connection is made by the first Begin.
func NewPgxPool(ctx context.Context, database string, conn config.ConnectionConfig) (Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(ConnString(database, conn))
	if err != nil {
		return nil, clearmaperrors.Wrap(err, clearmaperrors.ErrorTypeConfig, "failed to parse connection string")
	}

	poolConfig.MaxConns = conn.MaxConns
	if poolConfig.MaxConns <= 0 {
		poolConfig.MaxConns = 4
	}
	poolConfig.MaxConnIdleTime = conn.IdleTime
	if poolConfig.MaxConnIdleTime <= 0 {
		poolConfig.MaxConnIdleTime = 30 * time.Minute
	}
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// ConnString builds a postgres URL for database from its connection
// parameters.
func ConnString(database string, conn config.ConnectionConfig) string {
	port := conn.Port
	if port == 0 {
		port = 5432
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(conn.Host, strconv.Itoa(port)),
		Path:   "/" + database,
	}
	switch {
	case conn.User != "" && conn.Password != "":
		u.User = url.UserPassword(conn.User, conn.Password)
	case conn.User != "":
		u.User = url.User(conn.User)
	}
	if conn.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": []string{conn.SSLMode}}.Encode()
	}
	return u.String()
}
