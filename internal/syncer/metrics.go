package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	enqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "librarian_sync_enqueued_total",
		Help: "Records added to the upload queue by kind",
	}, []string{"kind"})

	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "librarian_sync_uploads_total",
		Help: "Upload steps by file kind and result",
	}, []string{"kind", "result"})

	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "librarian_sync_downloads_total",
		Help: "Downloaded remote files by file kind and result",
	}, []string{"kind", "result"})

	snapshotsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "librarian_sync_snapshots_total",
		Help: "Full linked-data snapshots uploaded",
	})

	remoteDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "librarian_sync_remote_deleted_total",
		Help: "Superseded fragments and snapshots deleted from the remote",
	})

	passDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "librarian_sync_download_pass_duration_seconds",
		Help:    "Duration of download passes by result",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"result"})

	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "librarian_sync_state_transitions_total",
		Help: "State changes by new state",
	}, []string{"state"})
)
