// Package metrics holds the Prometheus instruments of the bonus ledger and
// an Observer that feeds them from ledger units of work.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warp/bonus-ledger/bonus"
)

// ─── Ledger ─────────────────────────────────────────────────────────────────

// UnitsTotal counts units of work by tenant, operation and outcome.
var UnitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "bonus",
	Subsystem: "ledger",
	Name:      "units_total",
	Help:      "Total ledger units of work by outcome.",
}, []string{"tenant", "op", "outcome"})

// UnitDuration tracks the wall time of a unit of work, lock wait included.
var UnitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "bonus",
	Subsystem: "ledger",
	Name:      "unit_duration_seconds",
	Help:      "Duration of ledger units of work.",
	Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
}, []string{"tenant", "op"})

// LockWait tracks time spent waiting for a customer lock.
var LockWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "bonus",
	Subsystem: "ledger",
	Name:      "lock_wait_seconds",
	Help:      "Time spent waiting for the per-customer lock.",
	Buckets:   []float64{.0001, .001, .01, .05, .1, .5, 1, 5},
}, []string{"tenant"})

// LockConflicts counts lock acquisitions that timed out or were cancelled.
var LockConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "bonus",
	Subsystem: "ledger",
	Name:      "lock_conflicts_total",
	Help:      "Total customer lock acquisitions that failed.",
}, []string{"tenant"})

// DriftTotal counts recomputations that found stale cached totals.
var DriftTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "bonus",
	Subsystem: "ledger",
	Name:      "drift_total",
	Help:      "Total recomputations whose cached totals differed from the log.",
}, []string{"tenant"})

// ─── Auditor ────────────────────────────────────────────────────────────────

// AuditRuns counts auditor sweeps by result ("ok", "drift", "failed").
var AuditRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "bonus",
	Subsystem: "auditor",
	Name:      "runs_total",
	Help:      "Total auditor sweeps by result.",
}, []string{"tenant", "result"})

// ─── HTTP ───────────────────────────────────────────────────────────────────

// HTTPRequests counts served requests by route pattern and status code.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "bonus",
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "Total HTTP requests by route and status.",
}, []string{"method", "route", "status"})

// Outcome labels a unit of work result.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, bonus.ErrConcurrencyConflict):
		return "conflict"
	case bonus.IsNotFound(err):
		return "not_found"
	case bonus.IsClientError(err):
		return "rejected"
	default:
		return "error"
	}
}

// Observer reports ledger activity for one tenant.
type Observer struct {
	tenant string
}

var _ bonus.Observer = Observer{}

func NewObserver(tenant string) Observer {
	return Observer{tenant: tenant}
}

func (o Observer) ObserveLockWait(_ bonus.Op, wait time.Duration, err error) {
	LockWait.WithLabelValues(o.tenant).Observe(wait.Seconds())
	if err != nil {
		LockConflicts.WithLabelValues(o.tenant).Inc()
	}
}

func (o Observer) ObserveUnit(op bonus.Op, d time.Duration, err error) {
	UnitsTotal.WithLabelValues(o.tenant, string(op), Outcome(err)).Inc()
	UnitDuration.WithLabelValues(o.tenant, string(op)).Observe(d.Seconds())
}

func (o Observer) ObserveDrift(_ bonus.CustomerKey, d bonus.Drift) {
	if d.Drifted() {
		DriftTotal.WithLabelValues(o.tenant).Inc()
	}
}
