// Package metrics holds the prometheus collectors shared by the fleet
// components. A nil *Metrics is valid everywhere and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fpsd"

type Metrics struct {
	Registry *prometheus.Registry

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	transferBytes   *prometheus.CounterVec

	monitorConns   prometheus.Gauge
	monitorLines   prometheus.Counter
	monitorDrops   *prometheus.CounterVec
	ingestMessages *prometheus.CounterVec
	devices        prometheus.Gauge
	leaseHeld      prometheus.Gauge
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "commands_total",
			Help:      "Command exchanges by command and outcome.",
		}, []string{"command", "outcome"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "command_duration_seconds",
			Help:      "Wall time of one command exchange, connect to close.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"command"}),
		transferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "transfer_bytes_total",
			Help:      "Template bytes moved by direction.",
		}, []string{"direction"}),
		monitorConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "connections",
			Help:      "Open continuous-monitoring connections.",
		}),
		monitorLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "lines_total",
			Help:      "Unsolicited lines relayed from monitored devices.",
		}),
		monitorDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "disconnects_total",
			Help:      "Monitoring connections closed, by reason.",
		}, []string{"reason"}),
		ingestMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Status-port messages by kind.",
		}, []string{"kind"}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "devices",
			Help:      "Devices known to the registry.",
		}),
		leaseHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "lease_held",
			Help:      "1 while a device is under exclusive control.",
		}),
	}

	m.Registry.MustRegister(
		m.commands, m.commandDuration, m.transferBytes,
		m.monitorConns, m.monitorLines, m.monitorDrops,
		m.ingestMessages, m.devices, m.leaseHeld,
	)
	return m
}

// Handler serves the private registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveCommand(command, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, outcome).Inc()
	m.commandDuration.WithLabelValues(command).Observe(elapsed.Seconds())
}

func (m *Metrics) AddTransferBytes(direction string, n int) {
	if m == nil {
		return
	}
	m.transferBytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) SetMonitorConnections(n int) {
	if m == nil {
		return
	}
	m.monitorConns.Set(float64(n))
}

func (m *Metrics) IncMonitorLine() {
	if m == nil {
		return
	}
	m.monitorLines.Inc()
}

func (m *Metrics) IncMonitorDisconnect(reason string) {
	if m == nil {
		return
	}
	m.monitorDrops.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncIngest(kind string) {
	if m == nil {
		return
	}
	m.ingestMessages.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetDevices(n int) {
	if m == nil {
		return
	}
	m.devices.Set(float64(n))
}

func (m *Metrics) SetLeaseHeld(held bool) {
	if m == nil {
		return
	}
	if held {
		m.leaseHeld.Set(1)
		return
	}
	m.leaseHeld.Set(0)
}
