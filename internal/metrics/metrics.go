package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RetrievesTotal counts study retrievals by strategy and outcome.
	RetrievesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dicom_gateway",
		Subsystem: "retrieve",
		Name:      "total",
		Help:      "Study retrievals by strategy and final status.",
	}, []string{"strategy", "status"})

	// RetrieveDuration observes end-to-end retrieval latency.
	RetrieveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dicom_gateway",
		Subsystem: "retrieve",
		Name:      "duration_seconds",
		Help:      "End-to-end study retrieval duration.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
	}, []string{"strategy"})

	// InstancesIngested counts instances written to the disk cache.
	InstancesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dicom_gateway",
		Subsystem: "cache",
		Name:      "instances_ingested_total",
		Help:      "DICOM instances written to the disk cache.",
	})

	// BytesIngested counts bytes written to the disk cache.
	BytesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dicom_gateway",
		Subsystem: "cache",
		Name:      "bytes_ingested_total",
		Help:      "Bytes written to the disk cache.",
	})

	// CacheHits counts WADO requests served from the disk cache.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dicom_gateway",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "WADO requests served from the disk cache.",
	})

	// CacheMisses counts WADO requests that required an upstream fetch.
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dicom_gateway",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "WADO requests not found in the disk cache.",
	})

	// CacheSizeBytes tracks the measured size of the disk cache.
	CacheSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dicom_gateway",
		Subsystem: "cache",
		Name:      "size_bytes",
		Help:      "Measured size of the disk cache.",
	})

	// StudiesEvicted counts studies removed by the cache sweeps.
	StudiesEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dicom_gateway",
		Subsystem: "cache",
		Name:      "studies_evicted_total",
		Help:      "Studies evicted from the cache by sweep type.",
	}, []string{"sweep"})

	// QueriesTotal counts upstream C-FIND queries by level and outcome.
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dicom_gateway",
		Subsystem: "query",
		Name:      "total",
		Help:      "Upstream C-FIND queries by level and outcome.",
	}, []string{"level", "outcome"})

	// AssociationsOpen tracks currently open outbound associations per node.
	AssociationsOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dicom_gateway",
		Subsystem: "dimse",
		Name:      "associations_open",
		Help:      "Open outbound associations per PACS node.",
	}, []string{"node"})

	// InboundAssociations counts associations accepted by the storage SCP.
	InboundAssociations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dicom_gateway",
		Subsystem: "dimse",
		Name:      "inbound_associations_total",
		Help:      "Associations accepted by the local storage SCP.",
	})

	// WebsocketSubscribers tracks connected progress subscribers.
	WebsocketSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dicom_gateway",
		Subsystem: "ws",
		Name:      "subscribers",
		Help:      "Connected websocket progress subscribers.",
	})
)
