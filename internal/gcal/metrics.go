package gcal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var apiRetriesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gmoodle",
		Name:      "calendar_api_retries_total",
		Help:      "Calendar API calls retried after a 429 or 5xx response.",
	},
	[]string{"op"},
)
