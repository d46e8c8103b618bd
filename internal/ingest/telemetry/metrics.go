// Package telemetry exposes Prometheus metrics for the ingestion pipeline.
// All collectors are process-global and registered eagerly; if no /metrics
// endpoint is mounted the registration is harmless. Helper functions are
// cheap enough to call from hot paths.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	entriesAcceptedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logpipe_entries_accepted_total",
		Help: "Entries that passed validation and entered the coalescer",
	})
	entriesRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logpipe_entries_rejected_total",
		Help: "Entries rejected synchronously by bounds validation",
	})
	coalescerBatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logpipe_coalescer_batches_total",
		Help: "Batches dispatched by the request coalescer",
	})
	coalescerBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "logpipe_coalescer_batch_size",
		Help:    "Distribution of entries per coalesced dispatch",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
	})
	streamAppendsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logpipe_stream_appends_total",
		Help: "Entries durably appended to the stream",
	})
	streamAppendErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logpipe_stream_append_errors_total",
		Help: "Failed stream append pipelines (whole batch failed)",
	})
	sinkWritesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logpipe_sink_writes_total",
		Help: "Successful bulk writes into the analytics store",
	})
	sinkWriteErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logpipe_sink_write_errors_total",
		Help: "Failed bulk writes routed to the retry strategy",
	})
	sinkRowsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logpipe_sink_rows_total",
		Help: "Rows written into the analytics store",
	})
	ackedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logpipe_stream_acked_total",
		Help: "Stream messages acknowledged after a successful sink write",
	})
	recoveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logpipe_stream_recovered_total",
		Help: "Stalled pending messages claimed from silent consumers",
	})
	retryQueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logpipe_retry_queued_total",
		Help: "Retry envelopes persisted after sink failures",
	})
	retryDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logpipe_retry_dropped_total",
		Help: "Retry envelopes dropped after exhausting max attempts",
	})
	retryPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "logpipe_retry_pending",
		Help: "Retry envelopes currently awaiting reprocessing",
	})
	workerRestartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logpipe_worker_restarts_total",
		Help: "Consumer workers restarted by the pool supervisor",
	})
	workerBuffered = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "logpipe_worker_buffered",
		Help: "Entries currently buffered per worker awaiting flush",
	}, []string{"consumer"})
	workerProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logpipe_worker_processed_total",
		Help: "Entries processed (written or retried) per worker",
	}, []string{"consumer"})
)

func init() {
	prometheus.MustRegister(
		entriesAcceptedTotal, entriesRejectedTotal,
		coalescerBatchesTotal, coalescerBatchSize,
		streamAppendsTotal, streamAppendErrorsTotal,
		sinkWritesTotal, sinkWriteErrorsTotal, sinkRowsTotal,
		ackedTotal, recoveredTotal,
		retryQueuedTotal, retryDroppedTotal, retryPending,
		workerRestartsTotal, workerBuffered, workerProcessedTotal,
	)
}

func ObserveAccepted(n int)     { entriesAcceptedTotal.Add(float64(n)) }
func ObserveRejected(n int)     { entriesRejectedTotal.Add(float64(n)) }
func ObserveSinkRows(n int)     { sinkRowsTotal.Add(float64(n)); sinkWritesTotal.Inc() }
func ObserveSinkError()         { sinkWriteErrorsTotal.Inc() }
func ObserveAcked(n int)        { ackedTotal.Add(float64(n)) }
func ObserveRecovered(n int)    { recoveredTotal.Add(float64(n)) }
func ObserveRetryQueued(n int)  { retryQueuedTotal.Add(float64(n)) }
func ObserveRetryDropped(n int) { retryDroppedTotal.Add(float64(n)) }
func SetRetryPending(n int)     { retryPending.Set(float64(n)) }
func ObserveWorkerRestart()     { workerRestartsTotal.Inc() }

// ObserveCoalescedBatch records one dispatched batch and its size.
func ObserveCoalescedBatch(size int) {
	if size <= 0 {
		return
	}
	coalescerBatchesTotal.Inc()
	coalescerBatchSize.Observe(float64(size))
}

// ObserveStreamAppend records the outcome of one append pipeline.
func ObserveStreamAppend(entries int, err error) {
	if err != nil {
		streamAppendErrorsTotal.Inc()
		return
	}
	streamAppendsTotal.Add(float64(entries))
}

// SetWorkerBuffered publishes the current buffer depth for one consumer.
func SetWorkerBuffered(consumer string, n int) {
	workerBuffered.WithLabelValues(consumer).Set(float64(n))
}

// ObserveWorkerProcessed counts entries a consumer has moved out of its buffer.
func ObserveWorkerProcessed(consumer string, n int) {
	if n > 0 {
		workerProcessedTotal.WithLabelValues(consumer).Add(float64(n))
	}
}
