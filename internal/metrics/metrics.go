// Package metrics exposes the Prometheus instrumentation for the core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the core records into. One instance per
// process, registered on its own registry so tests can run in isolation.
type Metrics struct {
	Registry *prometheus.Registry

	Reconnects       *prometheus.CounterVec
	ConnectorState   *prometheus.GaugeVec
	FramesDropped    *prometheus.CounterVec
	TicksIngested    *prometheus.CounterVec
	TradesIngested   *prometheus.CounterVec
	FlushTotal       *prometheus.CounterVec
	FlushFailures    *prometheus.CounterVec
	CandlesClosed    *prometheus.CounterVec
	SweepDuration    prometheus.Histogram
	GatewayClients   prometheus.Gauge
	GatewayPushTotal *prometheus.CounterVec
}

// New builds a metrics bundle on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsefeed_connector_reconnects_total",
			Help: "Reconnect attempts per venue.",
		}, []string{"venue"}),
		ConnectorState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pulsefeed_connector_state",
			Help: "Connector state machine position (0=disconnected..4=failed).",
		}, []string{"venue"}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsefeed_connector_frames_dropped_total",
			Help: "Malformed frames dropped per venue.",
		}, []string{"venue"}),
		TicksIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsefeed_ticks_ingested_total",
			Help: "Ticks consumed from connectors.",
		}, []string{"venue"}),
		TradesIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsefeed_trades_ingested_total",
			Help: "Trades consumed from connectors.",
		}, []string{"venue"}),
		FlushTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsefeed_buffer_flush_total",
			Help: "Write buffer flush attempts per table.",
		}, []string{"table"}),
		FlushFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsefeed_buffer_flush_failures_total",
			Help: "Write buffer flushes that failed and were requeued.",
		}, []string{"table"}),
		CandlesClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsefeed_candles_closed_total",
			Help: "Candles closed per timeframe.",
		}, []string{"timeframe"}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pulsefeed_aggregation_sweep_seconds",
			Help:    "Duration of aggregator sweeps.",
			Buckets: prometheus.DefBuckets,
		}),
		GatewayClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pulsefeed_gateway_clients",
			Help: "Connected gateway clients.",
		}),
		GatewayPushTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsefeed_gateway_push_total",
			Help: "Messages pushed to gateway clients per channel.",
		}, []string{"channel"}),
	}
}
