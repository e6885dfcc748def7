// Package metrics defines prometheus metric types and provides convenience
// methods to add accounting to various parts of the benchmarking pipeline.
//
// When defining new operations or metrics, these are helpful values to track:
//  - things coming into or go out of the system: packets sent, packets received.
//  - the success or error status of any of the above.
//  - the distribution of processing latency.
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TxPacketsTotal counts packets successfully handed to the kernel for
	// transmission, labeled by engine ("syscall", "syscall-echo",
	// "io-uring").
	TxPacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netbench_tx_packets_total",
			Help: "Total number of packets transmitted.",
		}, []string{"engine"})

	// RxPacketsTotal counts received packets, labeled by engine like
	// TxPacketsTotal. It is bumped before any header parsing; the syscall
	// receiver counts only packets of the configured size.
	RxPacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netbench_rx_packets_total",
			Help: "Total number of packets received.",
		}, []string{"engine"})

	// SendErrorsTotal counts failed send/sendmmsg/sendto syscalls that were
	// swallowed in the steady-state hot path, labeled by syscall name.
	SendErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netbench_send_errors_total",
			Help: "Number of transmit syscall errors swallowed in steady state.",
		}, []string{"syscall"})

	// RingFullTotal counts IoUringFull events, labeled by ring request kind.
	RingFullTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netbench_ring_full_total",
			Help: "Number of times a submission queue was full when pushing a request.",
		}, []string{"kind"})

	// LatencyHistogram tracks per-packet round-trip latency, in the
	// aggregator's step unit (milliseconds), for packets whose echo arrived.
	LatencyHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "netbench_latency_ms_histogram",
			Help: "Round-trip latency distribution in milliseconds.",
			Buckets: []float64{
				0.1, 0.2, 0.3, 0.5, 0.8, 1, 1.6, 2.5, 4, 6.3,
				10, 16, 25, 40, 63, 100, 160, 250, 400, 630, 1000,
			},
		},
	)

	// ActiveRecvGauge tracks nb_active_recv per io_uring ring, labeled by
	// ring index, for the "receive pipeline running dry" diagnostic.
	ActiveRecvGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netbench_ring_active_recv",
			Help: "Number of outstanding recv submissions per io_uring ring.",
		}, []string{"ring"})
)

// init prints a log message to let the user know that the package has been
// loaded and the metrics registered, matching the house convention of
// logging Prometheus registration at package init time.
func init() {
	log.Println("Prometheus metrics in netbench.metrics are registered.")
}
