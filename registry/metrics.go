package registry

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cppla/livedrop/models"
)

var (
	objectsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "livedrop",
		Name:      "objects",
		Help:      "Objects currently held in memory.",
	})
	sessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "livedrop",
		Name:      "sessions",
		Help:      "Sessions owning at least one object.",
	})
	bytesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "livedrop",
		Name:      "payload_bytes",
		Help:      "Total payload bytes held in memory.",
	})
	objectsStored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "livedrop",
		Name:      "objects_stored_total",
		Help:      "Objects accepted by the registry.",
	})
	objectsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livedrop",
		Name:      "objects_deleted_total",
		Help:      "Objects deleted, by reason.",
	}, []string{"reason"})
	storeRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livedrop",
		Name:      "store_rejected_total",
		Help:      "Uploads refused for lack of capacity.",
	}, []string{"resource"})
	heartbeats = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livedrop",
		Name:      "heartbeats_total",
		Help:      "Heartbeats received, by outcome.",
	}, []string{"outcome"})
	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "livedrop",
		Name:      "sweep_duration_seconds",
		Help:      "Time spent in one expiry sweep.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
	})
)

func sortByCreated(objs []models.StoredObject) {
	sort.Slice(objs, func(i, j int) bool {
		if objs[i].CreatedAt.Equal(objs[j].CreatedAt) {
			return objs[i].Code < objs[j].Code
		}
		return objs[i].CreatedAt.Before(objs[j].CreatedAt)
	})
}
