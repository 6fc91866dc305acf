package reconcile

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"gmoodle/internal/model"
)

var (
	syncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gmoodle",
			Name:      "syncs_total",
			Help:      "Completed sync attempts by trigger and outcome kind.",
		},
		[]string{"trigger", "result"},
	)

	eventsInsertedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gmoodle",
			Name:      "events_inserted_total",
			Help:      "Assignment events inserted into Google Calendar.",
		},
	)

	assignmentFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gmoodle",
			Name:      "assignment_failures_total",
			Help:      "Assignments skipped because their date did not parse or the insert failed.",
		},
		[]string{"kind"},
	)

	syncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gmoodle",
			Name:      "sync_duration_seconds",
			Help:      "Wall time of one sync, lock wait excluded.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 40, 80, 160},
		},
		[]string{"trigger"},
	)
)

func trigger(autoRun bool) string {
	if autoRun {
		return "scheduled"
	}
	return "interactive"
}

// observe records one finished sync.
func observe(autoRun bool, res model.SyncResult, elapsed time.Duration) {
	t := trigger(autoRun)
	syncDuration.WithLabelValues(t).Observe(elapsed.Seconds())
	if !res.Success {
		syncsTotal.WithLabelValues(t, res.Kind).Inc()
		return
	}
	syncsTotal.WithLabelValues(t, "success").Inc()
	eventsInsertedTotal.Add(float64(res.Inserted))
	for _, o := range res.Outcomes {
		if !o.OK() {
			assignmentFailuresTotal.WithLabelValues(string(KindOf(o.Err))).Inc()
		}
	}
}
