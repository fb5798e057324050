package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/markus-lassfolk/uomping/pkg"
)

const namespace = "uomping"

// Metrics holds the supervisor's Prometheus collectors
type Metrics struct {
	registry *prometheus.Registry

	linkState       *prometheus.GaugeVec
	avgRtt          *prometheus.GaugeVec
	avgRssi         *prometheus.GaugeVec
	probes          *prometheus.CounterVec
	fetches         *prometheus.CounterVec
	restarts        *prometheus.CounterVec
	selectionMisses prometheus.Counter
	selections      *prometheus.CounterVec
	pendingActions  prometheus.Gauge
}

// New creates and registers every collector on a private registry
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		linkState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "interface_state",
			Help:      "Supervisor state per interface (0 down, 1 metadata pending, 2 ready)",
		}, []string{"interface"}),
		avgRtt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "avg_rtt_milliseconds",
			Help:      "Rolling average probe RTT",
		}, []string{"interface"}),
		avgRssi: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "avg_rssi_dbm",
			Help:      "Rolling average RSSI reported by the modem",
		}, []string{"interface"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Probe attempts by result",
		}, []string{"interface", "result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Fetch attempts by selection mode and exit code",
		}, []string{"interface", "selection", "error_code"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_restarts_total",
			Help:      "Workers restarted after exiting unexpectedly",
		}, []string{"interface", "worker"}),
		selectionMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selection_misses_total",
			Help:      "Actions whose dynamic fetch was skipped for lack of latency data",
		}),
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selections_total",
			Help:      "Interfaces chosen by dynamic selection",
		}, []string{"interface"}),
		pendingActions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_actions",
			Help:      "Scheduled actions not yet executed",
		}),
	}

	registry.MustRegister(
		m.linkState, m.avgRtt, m.avgRssi, m.probes, m.fetches,
		m.restarts, m.selectionMisses, m.selections, m.pendingActions,
	)
	return m
}

// Registry returns the registry backing the exporter
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveState records the current state of an interface
func (m *Metrics) ObserveState(iface string, state pkg.LinkState) {
	m.linkState.WithLabelValues(iface).Set(float64(state))
}

// ObserveWorkerRestart counts an unexpected worker exit
func (m *Metrics) ObserveWorkerRestart(iface, worker string) {
	m.restarts.WithLabelValues(iface, worker).Inc()
}

// ObserveSelection counts a dynamic selection outcome
func (m *Metrics) ObserveSelection(iface string, err error) {
	if err != nil {
		m.selectionMisses.Inc()
		return
	}
	m.selections.WithLabelValues(iface).Inc()
}

// ObserveFetch counts one fetch attempt
func (m *Metrics) ObserveFetch(iface string, dynamic bool, errorCode int) {
	selection := "baseline"
	if dynamic {
		selection = "dynamic"
	}
	m.fetches.WithLabelValues(iface, selection, strconv.Itoa(errorCode)).Inc()
}

// SetPendingActions records how many actions remain
func (m *Metrics) SetPendingActions(n int) {
	m.pendingActions.Set(float64(n))
}

// observeRecord updates probe counters and averages from an emitted record
func (m *Metrics) observeRecord(rec pkg.Record) {
	switch r := rec.(type) {
	case *pkg.ProbeSuccess:
		m.probes.WithLabelValues(r.Interface, "success").Inc()
		m.avgRtt.WithLabelValues(r.Interface).Set(r.AvgRtt)
		if r.Rssi != nil {
			m.avgRssi.WithLabelValues(r.Interface).Set(r.AvgRssi)
		}
	case *pkg.ProbeFailure:
		m.probes.WithLabelValues(r.Interface, "failure").Inc()
	}
}

// Sink passes records to the wrapped sink after updating the collectors
type Sink struct {
	next    pkg.FlushingSink
	metrics *Metrics
}

// WrapSink decorates next with metric collection
func (m *Metrics) WrapSink(next pkg.FlushingSink) *Sink {
	return &Sink{next: next, metrics: m}
}

func (s *Sink) Save(rec pkg.Record) {
	s.metrics.observeRecord(rec)
	s.next.Save(rec)
}

func (s *Sink) Close() error { return s.next.Close() }
