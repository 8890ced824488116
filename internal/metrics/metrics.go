package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_active_connections",
		Help: "Active websocket sessions",
	})
	Frames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_frames_total",
		Help: "Inbound frames by command and result",
	}, []string{"command", "result"})
	Rejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_frame_rejections_total",
		Help: "Frames rejected by pipeline stage",
	}, []string{"stage"})
	Broadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_broadcasts_total",
		Help: "Envelopes published by type",
	}, []string{"type"})
	DroppedDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_dropped_deliveries_total",
		Help: "Envelopes dropped because a session send buffer was full",
	})
	Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_notifications_total",
		Help: "Offline notifications handed to the broker by result",
	}, []string{"result"})
	DispatchQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_dispatch_queue_depth",
		Help: "Frames waiting in dispatcher shards",
	})
)

var once sync.Once

// Init registers the collectors with the default registry. Safe to call more than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			Connections,
			Frames,
			Rejections,
			Broadcasts,
			DroppedDeliveries,
			Notifications,
			DispatchQueueDepth,
		)
	})
}

// Handler returns an http.Handler for Prometheus scraping
func Handler() http.Handler {
	return promhttp.Handler()
}
