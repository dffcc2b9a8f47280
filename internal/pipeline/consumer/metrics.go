package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricInserts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eventpipe_consumer_inserts_total",
		Help: "Records accepted into the upload queue.",
	})
	metricDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eventpipe_consumer_drops_total",
		Help: "Records dropped (queue full, oversize, rejected batches).",
	})
	metricUploaded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eventpipe_consumer_uploaded_total",
		Help: "Records acknowledged by the collector.",
	})
	metricNetworkErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eventpipe_consumer_network_errors_total",
		Help: "Upload attempts that failed with a network-class error.",
	})
	metricQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "eventpipe_consumer_queue_size",
		Help: "Records currently buffered in the upload queue.",
	})
	metricBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "eventpipe_consumer_events_per_batch",
		Help:    "Events per successfully uploaded batch.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})
)

func init() {
	prometheus.MustRegister(
		metricInserts,
		metricDrops,
		metricUploaded,
		metricNetworkErrors,
		metricQueueSize,
		metricBatchSize,
	)
}
