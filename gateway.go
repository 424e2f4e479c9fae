package main

import (
	"context"
	"log/slog"
)

// Gateway is the read-only entry point: one pool, one validator, one
// executor and one introspector for a single database.
type Gateway struct {
	cfg          ConnectionConfig
	adapter      DBAdapter
	pool         *ConnectionPool
	executor     *QueryExecutor
	introspector *SchemaIntrospector
	logger       *slog.Logger
}

func NewGateway(cfg ConnectionConfig, adapter DBAdapter, metrics *Metrics, logger *slog.Logger) *Gateway {
	logger = logger.With("component", "gateway")
	pool := NewConnectionPool(cfg, adapter, metrics, logger)
	return &Gateway{
		cfg:          cfg,
		adapter:      adapter,
		pool:         pool,
		executor:     NewQueryExecutor(pool, adapter, cfg, metrics, logger),
		introspector: NewSchemaIntrospector(pool, adapter, cfg, metrics, logger),
		logger:       logger,
	}
}

func (g *Gateway) Connect(ctx context.Context) error {
	return g.pool.Connect(ctx)
}

func (g *Gateway) Disconnect() error {
	return g.pool.Disconnect()
}

// Close is Disconnect, for use with defer.
func (g *Gateway) Close() error {
	return g.Disconnect()
}

// Query validates before touching the pool, so a rejected statement reports
// its ValidationError even while disconnected. Otherwise ErrNotConnected.
func (g *Gateway) Query(ctx context.Context, sqlQuery string, params ...any) (*QueryResult, error) {
	return g.executor.Execute(ctx, sqlQuery, params...)
}

func (g *Gateway) Explain(ctx context.Context, sqlQuery string, params ...any) (*QueryResult, error) {
	return g.executor.Explain(ctx, sqlQuery, params...)
}

func (g *Gateway) GetSchema(ctx context.Context, tables ...string) (*SchemaInfo, error) {
	return g.introspector.GetSchema(ctx, tables...)
}

func (g *Gateway) ListTables(ctx context.Context) ([]string, error) {
	return g.introspector.ListTables(ctx)
}

// HealthStatus is reported by the ops endpoint.
type HealthStatus struct {
	Status          string `json:"status"`
	Dialect         string `json:"dialect"`
	Database        string `json:"database,omitempty"`
	Error           string `json:"error,omitempty"`
	OpenConnections int    `json:"open_connections"`
	InUse           int    `json:"in_use"`
	Idle            int    `json:"idle"`
	WaitCount       int64  `json:"wait_count"`
}

// Health pings the pool. Status is "ok", "unavailable" or "disconnected".
func (g *Gateway) Health(ctx context.Context) HealthStatus {
	stats := g.pool.Stats()
	h := HealthStatus{
		Status:          "ok",
		Dialect:         g.adapter.Dialect(),
		Database:        g.pool.DatabaseName(),
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
		Idle:            stats.Idle,
		WaitCount:       stats.WaitCount,
	}

	if g.pool.Status() == Disconnected {
		h.Status = Disconnected.String()
		return h
	}
	if err := g.pool.Ping(ctx); err != nil {
		h.Status = "unavailable"
		h.Error = err.Error()
	}
	return h
}

// DatabaseName is the connected database, used to build resource URIs.
func (g *Gateway) DatabaseName() string {
	return g.pool.DatabaseName()
}

func (g *Gateway) Adapter() DBAdapter {
	return g.adapter
}
