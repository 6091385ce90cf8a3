package index

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var updatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "librarian_index_updates_total",
	Help: "Index updates by index and outcome",
}, []string{"index", "outcome"})
