package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	packetsTx = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "embercore",
			Subsystem: "epacket",
			Name:      "packets_transmitted_total",
			Help:      "Packets queued for transmission, by interface and type.",
		},
		[]string{"interface", "type"},
	)
	packetsRx = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "embercore",
			Subsystem: "epacket",
			Name:      "packets_received_total",
			Help:      "Packets received and decoded, by interface and type.",
		},
		[]string{"interface", "type"},
	)
	authFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "embercore",
			Subsystem: "epacket",
			Name:      "auth_failures_total",
			Help:      "Received packets that failed decryption or authentication.",
		},
		[]string{"interface"},
	)
	sequenceDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "embercore",
			Subsystem: "epacket",
			Name:      "sequence_drops_total",
			Help:      "Packets dropped as duplicates or stale by sequence tracking.",
		},
		[]string{"interface"},
	)
	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "embercore",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "RPC commands executed by the server, by command and return code.",
		},
		[]string{"command", "code"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "embercore",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "RPC command execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"command", "code"},
	)
	rpcTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "embercore",
			Subsystem: "rpc",
			Name:      "client_timeouts_total",
			Help:      "Client-side RPC requests that expired without a response.",
		},
	)
	tdfFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "embercore",
			Subsystem: "tdf",
			Name:      "logger_flushes_total",
			Help:      "TDF logger buffer flushes, by interface.",
		},
		[]string{"interface"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			packetsTx, packetsRx, authFailures, sequenceDrops,
			rpcRequests, rpcDuration, rpcTimeouts, tdfFlushes,
		)
	})
}

func RecordPacketTx(iface, pktType string) {
	RegisterMetrics()
	packetsTx.WithLabelValues(iface, pktType).Inc()
}

func RecordPacketRx(iface, pktType string) {
	RegisterMetrics()
	packetsRx.WithLabelValues(iface, pktType).Inc()
}

func RecordAuthFailure(iface string) {
	RegisterMetrics()
	authFailures.WithLabelValues(iface).Inc()
}

func RecordSequenceDrop(iface string) {
	RegisterMetrics()
	sequenceDrops.WithLabelValues(iface).Inc()
}

func RecordRPC(command string, code int16, duration time.Duration) {
	RegisterMetrics()
	codeLabel := strconv.Itoa(int(code))
	rpcRequests.WithLabelValues(command, codeLabel).Inc()
	rpcDuration.WithLabelValues(command, codeLabel).Observe(duration.Seconds())
}

func RecordRPCTimeout() {
	RegisterMetrics()
	rpcTimeouts.Inc()
}

func RecordTDFFlush(iface string) {
	RegisterMetrics()
	tdfFlushes.WithLabelValues(iface).Inc()
}
