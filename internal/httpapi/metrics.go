package httpapi

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// PromRegistry exposes cluster state as Prometheus gauges, scraped at
// GET /metrics, which Server.Handler serves through FastHTTPHandler on the
// same fasthttp listener as the JSON API. This sits alongside, not
// instead of, the JSON-envelope /api/cluster/metrics route: one is for
// the admin console, the other for a scrape target.
type PromRegistry struct {
	reg *prometheus.Registry

	term        prometheus.Gauge
	lastLogIdx  prometheus.Gauge
	lastApplied prometheus.Gauge
	isLeader    prometheus.Gauge
	instances   *prometheus.GaugeVec
}

// NewPromRegistry builds and registers the gauge set.
func NewPromRegistry() *PromRegistry {
	p := &PromRegistry{
		reg: prometheus.NewRegistry(),
		term: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conreg", Subsystem: "raft", Name: "term", Help: "Current Raft term.",
		}),
		lastLogIdx: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conreg", Subsystem: "raft", Name: "last_log_index", Help: "Index of the last log entry.",
		}),
		lastApplied: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conreg", Subsystem: "raft", Name: "last_applied_index", Help: "Index of the last entry applied to the state machine.",
		}),
		isLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conreg", Subsystem: "raft", Name: "is_leader", Help: "1 if this node currently believes it is the leader.",
		}),
		instances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "conreg", Subsystem: "discovery", Name: "available_instances", Help: "Available instance count per namespace/service.",
		}, []string{"namespace_id", "service_id"}),
	}
	p.reg.MustRegister(p.term, p.lastLogIdx, p.lastApplied, p.isLeader, p.instances)
	return p
}

// Handler returns the net/http promhttp handler for the registry;
// FastHTTPHandler wraps it for the fasthttp listener.
func (p *PromRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}

// FastHTTPHandler adapts Handler for registration in the fasthttp route
// table via fasthttpadaptor, so /metrics is scraped over the same
// listener as the rest of the JSON API with no separate port.
func (p *PromRegistry) FastHTTPHandler() fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(p.Handler())
}

// refreshMetrics updates the gauge set from s's current state. Called on a
// timer by RunMetricsRefresh, which cmd/conregd starts.
func (s *Server) refreshMetrics(p *PromRegistry) {
	m, err := s.Node.Metrics()
	if err != nil {
		return
	}
	p.term.Set(float64(m.Term))
	p.lastLogIdx.Set(float64(m.LastLogIndex))
	p.lastApplied.Set(float64(m.LastApplied))
	if s.Node.IsLeader() {
		p.isLeader.Set(1)
	} else {
		p.isLeader.Set(0)
	}

	for _, ns := range s.Namespaces.List() {
		for _, svc := range s.Discovery.ListServices(ns.ID) {
			n := len(s.Discovery.AvailableInstances(ns.ID, svc.ServiceID))
			p.instances.WithLabelValues(ns.ID, svc.ServiceID).Set(float64(n))
		}
	}
}

// RunMetricsRefresh periodically refreshes p until ctx-less forever; the
// caller stops it by closing stop.
func (s *Server) RunMetricsRefresh(p *PromRegistry, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.refreshMetrics(p)
		}
	}
}
