package repo

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	openTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "librarian_repo_open_total",
		Help: "Repository opens by result",
	}, []string{"result"})

	openDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "librarian_repo_open_duration_seconds",
		Help:    "Time to open and migrate a repository",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	migrationsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "librarian_repo_migrations_applied_total",
		Help: "Migration steps applied",
	})
)
