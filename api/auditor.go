/*
auditor.go - Periodic drift auditor

PURPOSE:
  Re-derives every customer's totals from the log on a timer and repairs
  any record whose cached totals drifted. The request path never depends
  on it; it catches damage from outside the ledger (manual SQL, restores
  from backup).

DESIGN:
  - One background goroutine with a ticker
  - Sweeps run RecomputeAll on each tenant that is already open
  - Each customer is recomputed under its own lock, so sweeps interleave
    with live traffic instead of blocking it

USAGE:
  auditor := NewAuditor(registry, time.Hour, log)
  auditor.Start()
  // ... later
  auditor.Stop()
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/bonus-ledger/metrics"
	"github.com/warp/bonus-ledger/tenant"
)

type Auditor struct {
	Tenants  *tenant.Registry
	Interval time.Duration

	log    *zap.Logger
	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewAuditor(tenants *tenant.Registry, interval time.Duration, log *zap.Logger) *Auditor {
	return &Auditor{
		Tenants:  tenants,
		Interval: interval,
		log:      log.Named("auditor"),
	}
}

// Start begins the sweep loop. Calling Start twice is a no-op.
func (a *Auditor) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.ticker = time.NewTicker(a.Interval)
	a.wg.Add(1)

	go a.run(ctx)

	a.log.Info("started", zap.Duration("interval", a.Interval))
}

// Stop cancels an in-flight sweep and waits for the loop to exit.
func (a *Auditor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ticker == nil {
		return
	}
	a.ticker.Stop()
	a.cancel()
	a.wg.Wait()
	a.ticker = nil
	a.log.Info("stopped")
}

func (a *Auditor) run(ctx context.Context) {
	defer a.wg.Done()

	for {
		select {
		case <-a.ticker.C:
			a.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep audits every opened tenant once.
func (a *Auditor) Sweep(ctx context.Context) {
	for _, t := range a.Tenants.Opened() {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		report, err := t.Service.RecomputeAll(ctx)
		log := a.log.With(zap.String("tenant", t.ID))
		switch {
		case err != nil:
			metrics.AuditRuns.WithLabelValues(t.ID, "failed").Inc()
			log.Error("sweep failed", zap.Error(err))
		case len(report.Drifted) > 0 || len(report.Failed) > 0:
			metrics.AuditRuns.WithLabelValues(t.ID, "drift").Inc()
			keys := make([]string, len(report.Drifted))
			for i, k := range report.Drifted {
				keys[i] = string(k)
			}
			log.Warn("sweep repaired drift",
				zap.Int("customers", report.Customers),
				zap.Strings("drifted", keys),
				zap.Int("failed", len(report.Failed)),
				zap.Duration("duration", time.Since(start)))
		default:
			metrics.AuditRuns.WithLabelValues(t.ID, "ok").Inc()
			log.Debug("sweep clean",
				zap.Int("customers", report.Customers),
				zap.Duration("duration", time.Since(start)))
		}
	}
}
