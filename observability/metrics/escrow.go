package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics exposes the gauges refreshed by reconciliation runs.
type LedgerMetrics struct {
	liveEscrows *prometheus.GaugeVec
	tracked     prometheus.Gauge
	openBonds   prometheus.Gauge
	anomalies   *prometheus.CounterVec
	lastRun     prometheus.Gauge
	runsTotal   *prometheus.CounterVec
}

var (
	ledgerOnce     sync.Once
	ledgerRegistry *LedgerMetrics
)

func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			liveEscrows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "yapbay_escrow_live",
				Help: "Live escrows by state at the last reconciliation.",
			}, []string{"state"}),
			tracked: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "yapbay_escrow_tracked_total",
				Help: "Sum of tracked escrow balances at the last reconciliation.",
			}),
			openBonds: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "yapbay_escrow_open_bonds",
				Help: "Bond accounts open at the last reconciliation.",
			}),
			anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "yapbay_escrow_recon_anomalies_total",
				Help: "Reconciliation findings by kind.",
			}, []string{"kind"}),
			lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "yapbay_escrow_recon_last_run_timestamp",
				Help: "Unix time of the last completed reconciliation.",
			}),
			runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "yapbay_escrow_recon_runs_total",
				Help: "Reconciliation runs by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.liveEscrows,
			ledgerRegistry.tracked,
			ledgerRegistry.openBonds,
			ledgerRegistry.anomalies,
			ledgerRegistry.lastRun,
			ledgerRegistry.runsTotal,
		)
	})
	return ledgerRegistry
}

// SetLive replaces the per-state live escrow gauge.
func (m *LedgerMetrics) SetLive(byState map[string]int) {
	if m == nil {
		return
	}
	m.liveEscrows.Reset()
	for state, count := range byState {
		m.liveEscrows.WithLabelValues(state).Set(float64(count))
	}
}

func (m *LedgerMetrics) SetTracked(total uint64) {
	if m == nil {
		return
	}
	m.tracked.Set(float64(total))
}

func (m *LedgerMetrics) SetOpenBonds(count int) {
	if m == nil {
		return
	}
	m.openBonds.Set(float64(count))
}

func (m *LedgerMetrics) RecordAnomaly(kind string) {
	if m == nil || kind == "" {
		return
	}
	m.anomalies.WithLabelValues(kind).Inc()
}

// RecordRun marks a completed run at unix time ts.
func (m *LedgerMetrics) RecordRun(ts int64, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	} else {
		m.lastRun.Set(float64(ts))
	}
	m.runsTotal.WithLabelValues(outcome).Inc()
}
