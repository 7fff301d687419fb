package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ember-shard/shardgate/pkg/events"
)

// Metrics holds Prometheus metric descriptors for the gate. It subscribes
// to the event bus to count decisions and firewall drops as they happen;
// gauges are refreshed from the gate on scrape.
type Metrics struct {
	gate      *Gate
	registry  *prometheus.Registry
	startTime time.Time

	sessions        *prometheus.GaugeVec
	accountsTotal   prometheus.Gauge
	decisionsTotal  *prometheus.CounterVec
	firewallDrops   prometheus.Counter
	firewallEntries prometheus.Gauge
	throttleEntries prometheus.Gauge
	watchdogEntries prometheus.Gauge
	uptimeSeconds   prometheus.Gauge
	memoryHeapBytes prometheus.Gauge
	goroutines      prometheus.Gauge
}

// NewMetrics creates and registers Prometheus metrics for the gate.
func NewMetrics(gate *Gate, startTime time.Time) *Metrics {
	m := &Metrics{
		gate:      gate,
		registry:  prometheus.NewRegistry(),
		startTime: startTime,
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardgate_sessions",
			Help: "Number of live sessions by transport.",
		}, []string{"transport"}),
		accountsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardgate_accounts_total",
			Help: "Total number of accounts in the store.",
		}),
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardgate_decisions_total",
			Help: "Admission decisions since server start, by call site and reason.",
		}, []string{"site", "reason"}),
		firewallDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardgate_firewall_drops_total",
			Help: "Connections dropped by the firewall pre-check.",
		}),
		firewallEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardgate_firewall_entries",
			Help: "Current number of firewall entries.",
		}),
		throttleEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardgate_throttle_entries",
			Help: "Addresses currently tracked by the attack throttle.",
		}),
		watchdogEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardgate_watchdog_entries",
			Help: "Addresses currently inside the post-disconnect grace window.",
		}),
		uptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardgate_uptime_seconds",
			Help: "Server uptime in seconds.",
		}),
		memoryHeapBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardgate_memory_heap_bytes",
			Help: "Go heap memory allocated in bytes.",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardgate_goroutines",
			Help: "Number of active goroutines.",
		}),
	}

	m.registry.MustRegister(
		m.sessions,
		m.accountsTotal,
		m.decisionsTotal,
		m.firewallDrops,
		m.firewallEntries,
		m.throttleEntries,
		m.watchdogEntries,
		m.uptimeSeconds,
		m.memoryHeapBytes,
		m.goroutines,
	)

	return m
}

// Receive implements events.Subscriber, counting decisions and drops.
func (m *Metrics) Receive(ev events.Event) {
	switch ev.Kind {
	case events.EvDecision:
		site := "account-login"
		if ev.Data != nil {
			if s, ok := ev.Data["site"].(string); ok {
				site = s
			}
		}
		m.decisionsTotal.WithLabelValues(site, ev.Reason).Inc()
	case events.EvFirewall:
		m.firewallDrops.Inc()
	}
}

// Closed implements events.Subscriber. Metrics live for the process.
func (m *Metrics) Closed() bool { return false }

// Update refreshes all gauge metrics from current gate state.
func (m *Metrics) Update() {
	snap := m.gate.Stats()

	m.sessions.WithLabelValues("tcp").Set(float64(snap.SessionsTCP))
	m.sessions.WithLabelValues("websocket").Set(float64(snap.SessionsWS))
	m.accountsTotal.Set(float64(snap.Accounts))
	m.firewallEntries.Set(float64(snap.FirewallEntries))
	m.throttleEntries.Set(float64(snap.ThrottleEntries))
	m.watchdogEntries.Set(float64(snap.WatchdogEntries))
	m.uptimeSeconds.Set(time.Since(m.startTime).Seconds())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.memoryHeapBytes.Set(float64(mem.HeapAlloc))
	m.goroutines.Set(float64(runtime.NumGoroutine()))
}

// Handler returns an http.Handler that updates metrics before serving them.
func (m *Metrics) Handler() http.Handler {
	promHandler := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.Update()
		promHandler.ServeHTTP(w, r)
	})
}
