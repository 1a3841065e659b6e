package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "deposit_watcher"

// Skip reasons for LogsSkipped.
const (
	ReasonMalformed = "malformed"
	ReasonPending   = "pending"
	ReasonRemoved   = "removed"
	ReasonDuplicate = "duplicate"
)

// Pipeline holds the collectors for the deposit pipeline.
type Pipeline struct {
	LogsReceived        prometheus.Counter
	LogsSkipped         *prometheus.CounterVec
	TransfersDelivered  prometheus.Counter
	DepositsDetected    prometheus.Counter
	EventsPublished     *prometheus.CounterVec
	PublishFailures     *prometheus.CounterVec
	Reconnects          prometheus.Counter
	SyncActive          prometheus.Gauge
	LastBlock           prometheus.Gauge
	AddressesAllocated  prometheus.Counter
	AllocationConflicts prometheus.Counter
	RPCLatency          *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. When reg is also a
// Gatherer, Handler serves it.
func New(reg prometheus.Registerer) *Pipeline {
	p := &Pipeline{
		LogsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "logs_received_total",
			Help: "Transfer logs received from the node.",
		}),
		LogsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "logs_skipped_total",
			Help: "Transfer logs dropped before delivery, by reason.",
		}, []string{"reason"}),
		TransfersDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "transfers_delivered_total",
			Help: "Decoded transfers handed to the deposit filter.",
		}),
		DepositsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "deposits_detected_total",
			Help: "Transfers addressed to a ledger address.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_published_total",
			Help: "Chain events published, by kind.",
		}, []string{"kind"}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "publish_failures_total",
			Help: "Failed publish attempts, by sink.",
		}, []string{"sink"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "subscription_reconnects_total",
			Help: "Attempts to re-establish a dropped log subscription.",
		}),
		SyncActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sync_active",
			Help: "1 while a live sync task is running.",
		}),
		LastBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_block",
			Help: "Highest block number seen on the live stream.",
		}),
		AddressesAllocated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "addresses_allocated_total",
			Help: "Receive addresses revealed.",
		}),
		AllocationConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "allocation_conflicts_total",
			Help: "Allocations retried after losing an index race.",
		}),
		RPCLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "rpc_duration_seconds",
			Help:    "Latency of node RPC calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}

	reg.MustRegister(
		p.LogsReceived, p.LogsSkipped, p.TransfersDelivered, p.DepositsDetected,
		p.EventsPublished, p.PublishFailures, p.Reconnects, p.SyncActive, p.LastBlock,
		p.AddressesAllocated, p.AllocationConflicts, p.RPCLatency,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		p.gatherer = g
	}
	return p
}

// NewUnregistered returns collectors backed by a private registry, for tests and tools.
func NewUnregistered() *Pipeline {
	return New(prometheus.NewRegistry())
}

// Handler serves the registry New was given, or the default gatherer.
func (p *Pipeline) Handler() http.Handler {
	if p.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}
