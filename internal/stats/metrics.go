package stats

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/desertthunder/waveline/internal/models"
)

const namespace = "waveline"

// Metrics holds the node's Prometheus collectors in a private registry.
type Metrics struct {
	registry *prometheus.Registry
	stats    *Collector

	players        prometheus.Gauge
	playingPlayers prometheus.Gauge
	uptime         prometheus.Gauge
	memory         *prometheus.GaugeVec
	cpuCores       prometheus.Gauge
	cpuLoad        *prometheus.GaugeVec
	frames         *prometheus.GaugeVec
	loads          *prometheus.CounterVec
	requests       *prometheus.CounterVec
}

// NewMetrics registers the node metrics. Gauges are refreshed from stats on every scrape.
func NewMetrics(stats *Collector) *Metrics {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}

	m := &Metrics{
		registry:       prometheus.NewRegistry(),
		stats:          stats,
		players:        gauge("players", "Number of players."),
		playingPlayers: gauge("playing_players", "Number of players playing a track."),
		uptime:         gauge("uptime_milliseconds", "Node uptime."),
		cpuCores:       gauge("cpu_cores", "Number of CPU cores."),
		memory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "memory_bytes", Help: "Memory by kind.",
		}, []string{"kind"}),
		cpuLoad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cpu_load_ratio", Help: "CPU load of the system and the node.",
		}, []string{"scope"}),
		frames: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "frames_per_minute", Help: "Audio frames per player over the last minute.",
		}, []string{"kind"}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "loadtracks_total", Help: "Completed track loads.",
		}, []string{"source", "load_type"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total", Help: "Handled HTTP requests.",
		}, []string{"route", "status"}),
	}

	m.registry.MustRegister(
		m.players, m.playingPlayers, m.uptime, m.memory, m.cpuCores, m.cpuLoad, m.frames, m.loads, m.requests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the metrics are registered in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe copies a stats snapshot into the gauges.
func (m *Metrics) Observe(s models.Stats) {
	m.players.Set(float64(s.Players))
	m.playingPlayers.Set(float64(s.PlayingPlayers))
	m.uptime.Set(float64(s.Uptime))

	m.memory.WithLabelValues("free").Set(float64(s.Memory.Free))
	m.memory.WithLabelValues("used").Set(float64(s.Memory.Used))
	m.memory.WithLabelValues("allocated").Set(float64(s.Memory.Allocated))
	m.memory.WithLabelValues("reservable").Set(float64(s.Memory.Reservable))

	m.cpuCores.Set(float64(s.CPU.Cores))
	m.cpuLoad.WithLabelValues("system").Set(s.CPU.SystemLoad)
	m.cpuLoad.WithLabelValues("node").Set(s.CPU.NodeLoad)

	if f := s.FrameStats; f != nil {
		m.frames.WithLabelValues("sent").Set(float64(f.Sent))
		m.frames.WithLabelValues("nulled").Set(float64(f.Nulled))
		m.frames.WithLabelValues("deficit").Set(float64(f.Deficit))
	} else {
		m.frames.Reset()
	}
}

// ObserveLoad counts a completed load. It matches services.LoadObserver.
func (m *Metrics) ObserveLoad(source string, loadType models.LoadType) {
	m.loads.WithLabelValues(source, string(loadType)).Inc()
}

// ObserveRequest counts a handled request by route pattern.
func (m *Metrics) ObserveRequest(route string, status int) {
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.stats != nil {
			m.Observe(m.stats.Snapshot(r.Context()))
		}
		h.ServeHTTP(w, r)
	})
}
