package schedule

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gmoodle",
			Name:      "sweeps_total",
			Help:      "Auto-sync sweeps run, by whether the account list could be read.",
		},
		[]string{"status"},
	)

	sweepAccountsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gmoodle",
			Name:      "sweep_accounts_total",
			Help:      "Accounts seen by sweeps, by outcome.",
		},
		[]string{"outcome"},
	)

	lastSweepTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gmoodle",
			Name:      "last_sweep_timestamp_seconds",
			Help:      "Unix time the most recent sweep finished.",
		},
	)
)

func recordSweep(rep SweepReport) {
	lastSweepTimestamp.Set(float64(rep.Finished.Unix()))
	if rep.Err != nil {
		sweepsTotal.WithLabelValues("error").Inc()
		return
	}
	sweepsTotal.WithLabelValues("ok").Inc()
	sweepAccountsTotal.WithLabelValues("succeeded").Add(float64(rep.Succeeded))
	sweepAccountsTotal.WithLabelValues("failed").Add(float64(rep.Failed))
	sweepAccountsTotal.WithLabelValues("ineligible").Add(float64(rep.Ineligible))
}
