package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

type AppMetrics struct {
	TCPAccepted       prometheus.Counter
	TCPBytesReceived  prometheus.Counter
	ActiveConnections prometheus.Gauge
	HandshakeTotal    *prometheus.CounterVec // result=ok|error
	FramesTotal       *prometheus.CounterVec // result=ok|unsupported|decode_error
	RecordsTotal      prometheus.Counter
	FixesTotal        prometheus.Counter
	StoreForwardTotal *prometheus.CounterVec // result=ok|error|dropped
	OnlineGauge       prometheus.Gauge
}

func NewAppMetrics(reg prometheus.Registerer) *AppMetrics {
	m := &AppMetrics{
		TCPAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcp_accept_total",
			Help: "Total accepted TCP connections.",
		}),
		TCPBytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcp_bytes_received_total",
			Help: "Total bytes received over TCP.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tcp_active_connections",
			Help: "Currently open device connections.",
		}),
		HandshakeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "avl_handshake_total",
			Help: "IMEI handshakes by result.",
		}, []string{"result"}),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "avl_frames_total",
			Help: "AVL frames extracted, by decode result.",
		}, []string{"result"}),
		RecordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avl_records_total",
			Help: "AVL records decoded.",
		}),
		FixesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avl_fixes_total",
			Help: "AVL records carrying a position fix.",
		}),
		StoreForwardTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "avl_store_forward_total",
			Help: "Fixes forwarded to storage, by result.",
		}, []string{"result"}),
		OnlineGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "session_online_count",
			Help: "Current number of online devices.",
		}),
	}
	reg.MustRegister(m.TCPAccepted, m.TCPBytesReceived, m.ActiveConnections, m.HandshakeTotal,
		m.FramesTotal, m.RecordsTotal, m.FixesTotal, m.StoreForwardTotal, m.OnlineGauge)
	return m
}
