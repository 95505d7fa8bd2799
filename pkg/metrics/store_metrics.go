package metrics

import (
	"context"
	"strings"

	"github.com/gocql/gocql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// CassandraObserver records every Cassandra query as a store metric
type CassandraObserver struct {
	m *Metrics
}

// NewCassandraObserver returns a gocql query observer feeding m
func NewCassandraObserver(m *Metrics) *CassandraObserver {
	return &CassandraObserver{m: m}
}

// ObserveQuery implements gocql.QueryObserver
func (o *CassandraObserver) ObserveQuery(_ context.Context, q gocql.ObservedQuery) {
	o.m.RecordStoreQuery("cassandra", statementVerb(q.Statement), q.End.Sub(q.Start), q.Err)
}

// RegisterPoolStats exposes the connection counts of a pgx pool
func (m *Metrics) RegisterPoolStats(pool *pgxpool.Pool) error {
	if m == nil || pool == nil {
		return nil
	}
	inUse := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "db_connections_in_use",
		Help: "Current number of database connections in use",
	}, func() float64 { return float64(pool.Stat().AcquiredConns()) })
	idle := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "db_connections_idle",
		Help: "Current number of idle database connections",
	}, func() float64 { return float64(pool.Stat().IdleConns()) })

	if err := m.registry.Register(inUse); err != nil {
		return err
	}
	return m.registry.Register(idle)
}

// statementVerb is the lower-cased first keyword of a CQL statement
func statementVerb(stmt string) string {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return "unknown"
	}
	return strings.ToLower(fields[0])
}
