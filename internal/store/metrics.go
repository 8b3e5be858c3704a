package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/uptrace/bun"
)

var (
	// QueriesTotal counts executed statements.
	// Labels: operation (SELECT, INSERT, ...), result (success, error)
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autofix",
			Subsystem: "store",
			Name:      "queries_total",
			Help:      "Total number of SQL statements executed",
		},
		[]string{"operation", "result"},
	)

	// QueryDuration tracks statement latency.
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "autofix",
			Subsystem: "store",
			Name:      "query_duration_seconds",
			Help:      "Duration of SQL statements in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

// metricsHook records every bun query in the metrics above.
type metricsHook struct{}

var _ bun.QueryHook = (*metricsHook)(nil)

func (h *metricsHook) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

func (h *metricsHook) AfterQuery(_ context.Context, event *bun.QueryEvent) {
	op := strings.ToUpper(event.Operation())
	if op == "" {
		op = "OTHER"
	}

	result := "success"
	if event.Err != nil && !errors.Is(event.Err, sql.ErrNoRows) {
		result = "error"
	}

	QueriesTotal.WithLabelValues(op, result).Inc()
	QueryDuration.WithLabelValues(op).Observe(time.Since(event.StartTime).Seconds())
}
