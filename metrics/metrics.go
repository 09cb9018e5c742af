// Package metrics exposes the engine's stream telemetry as Prometheus
// collectors.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Collector holds the engine's Prometheus instruments. Create one per
// process; promauto registers everything with the default registry.
type Collector struct {
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter

	PacketsSent     prometheus.Counter
	PacketsReceived prometheus.Counter
	BytesSent       prometheus.Counter
	Retransmits     prometheus.Counter

	FramesReleased prometheus.Counter
	FramesDropped  prometheus.Counter
	FECRecoveries  prometheus.Counter

	PacketLossPercent prometheus.Gauge
	JitterMicros      prometheus.Gauge
	BitrateKbps       prometheus.Gauge

	HandshakeDuration prometheus.Histogram
}

// NewCollector registers and returns the engine's instruments.
func NewCollector() *Collector {
	return &Collector{
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "streamcore_sessions_active",
			Help: "Number of currently active streaming sessions",
		}),

		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "streamcore_sessions_total",
			Help: "Total number of streaming sessions started",
		}),

		PacketsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "streamcore_packets_sent_total",
			Help: "Total media datagrams sent",
		}),

		PacketsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "streamcore_packets_received_total",
			Help: "Total media datagrams received",
		}),

		BytesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "streamcore_bytes_sent_total",
			Help: "Total media bytes sent",
		}),

		Retransmits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "streamcore_retransmits_total",
			Help: "Total NACK-triggered retransmissions",
		}),

		FramesReleased: promauto.NewCounter(prometheus.CounterOpts{
			Name: "streamcore_frames_released_total",
			Help: "Total frames released by the jitter buffer",
		}),

		FramesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "streamcore_frames_dropped_total",
			Help: "Total frames dropped as lost or expired",
		}),

		FECRecoveries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "streamcore_fec_recoveries_total",
			Help: "Total fragments reconstructed from parity",
		}),

		PacketLossPercent: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "streamcore_packet_loss_percent",
			Help: "Most recent reported packet loss percentage",
		}),

		JitterMicros: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "streamcore_jitter_microseconds",
			Help: "Most recent reported interarrival jitter",
		}),

		BitrateKbps: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "streamcore_bitrate_kbps",
			Help: "Current encoder target bitrate",
		}),

		HandshakeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamcore_handshake_duration_seconds",
			Help:    "Time from connectivity checks to encrypted transport",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
}

// Serve exposes /metrics on the given port until the context is
// cancelled. Errors other than server shutdown are logged, not fatal.
func Serve(ctx context.Context, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Serve",
				"error":    err.Error(),
			}).Warn("Metrics server shutdown failed")
		}
	}()

	logrus.WithFields(logrus.Fields{
		"function": "Serve",
		"port":     port,
	}).Info("Metrics endpoint started")

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logrus.WithFields(logrus.Fields{
			"function": "Serve",
			"error":    err.Error(),
		}).Error("Metrics server failed")
	}
}
