// Package metrics exposes extmon's failure and throughput counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons used as the "reason" label of EventsDropped.
const (
	ReasonMalformed        = "malformed"
	ReasonUnknownExtension = "unknown_extension"
	ReasonStorage          = "storage"
	ReasonClosed           = "closed"
)

// Metrics holds every counter. Construct with New; a nil *Metrics is not
// valid.
type Metrics struct {
	EventsProcessed prometheus.Counter
	EventsDropped   *prometheus.CounterVec
	StorageErrors   *prometheus.CounterVec
	StorageRetries  prometheus.Counter
	Resyncs         *prometheus.CounterVec
	Samples         *prometheus.CounterVec
}

// New creates the counters and registers them on registerer.
func New(registerer prometheus.Registerer) *Metrics {
	eventsProcessed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "extmon", Subsystem: "ingest", Name: "events_processed_total",
		Help: "Network events counted into extension stats.",
	})
	registerer.MustRegister(eventsProcessed)

	eventsDropped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "extmon",
			Subsystem: "ingest",
			Name:      "events_dropped_total",
			Help:      "Network events dropped, by reason.",
		},
		[]string{"reason"},
	)
	registerer.MustRegister(eventsDropped)

	storageErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "extmon",
			Subsystem: "storage",
			Name:      "errors_total",
			Help:      "Failed storage operations, by operation.",
		},
		[]string{"op"},
	)
	registerer.MustRegister(storageErrors)

	storageRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "extmon", Subsystem: "storage", Name: "retries_total",
		Help: "Storage operations retried after an I/O error.",
	})
	registerer.MustRegister(storageRetries)

	resyncs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "extmon",
			Subsystem: "registry",
			Name:      "resyncs_total",
			Help:      "Registry resyncs, by result.",
		},
		[]string{"result"},
	)
	registerer.MustRegister(resyncs)

	samples := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "extmon",
			Subsystem: "sampler",
			Name:      "samples_total",
			Help:      "Performance samples written, by result.",
		},
		[]string{"result"},
	)
	registerer.MustRegister(samples)

	return &Metrics{
		EventsProcessed: eventsProcessed,
		EventsDropped:   eventsDropped,
		StorageErrors:   storageErrors,
		StorageRetries:  storageRetries,
		Resyncs:         resyncs,
		Samples:         samples,
	}
}

// NewUnregistered returns counters registered on a private registry. Used
// by tests and by components constructed without an explicit registerer.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
