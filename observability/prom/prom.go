package prom

import (
	"net/http"
	"time"

	"github.com/floegence/wsfetch/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// SessionObserver exports session metrics to Prometheus.
type SessionObserver struct {
	sessionGauge  prometheus.Gauge
	acceptTotal   *prometheus.CounterVec
	sessionTotal  *prometheus.CounterVec
	sessionLength prometheus.Histogram
	frameTotal    *prometheus.CounterVec
	frameBytes    *prometheus.CounterVec
	dropTotal     *prometheus.CounterVec
}

// NewSessionObserver registers session metrics on the registry.
func NewSessionObserver(reg *prometheus.Registry) *SessionObserver {
	o := &SessionObserver{
		sessionGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wsfetch_sessions",
			Help: "Current websocket session count.",
		}),
		acceptTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wsfetch_accept_total",
			Help: "Session admission attempts by result and reason.",
		}, []string{"result", "reason"}),
		sessionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wsfetch_session_end_total",
			Help: "Finished sessions by result.",
		}, []string{"result"}),
		sessionLength: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wsfetch_session_duration_seconds",
			Help:    "Session lifetime from upgrade to close.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		frameTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wsfetch_frames_total",
			Help: "Inbound frames by routed kind.",
		}, []string{"kind"}),
		frameBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wsfetch_frame_bytes_total",
			Help: "Inbound frame bytes by routed kind.",
		}, []string{"kind"}),
		dropTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wsfetch_frame_drops_total",
			Help: "Inbound frames or messages dropped by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		o.sessionGauge,
		o.acceptTotal,
		o.sessionTotal,
		o.sessionLength,
		o.frameTotal,
		o.frameBytes,
		o.dropTotal,
	)
	return o
}

func (o *SessionObserver) SessionCount(n int64) {
	o.sessionGauge.Set(float64(n))
}

func (o *SessionObserver) Accept(result observability.AcceptResult, reason observability.AcceptReason) {
	o.acceptTotal.WithLabelValues(string(result), string(reason)).Inc()
}

func (o *SessionObserver) SessionEnd(result observability.SessionResult, d time.Duration) {
	o.sessionTotal.WithLabelValues(string(result)).Inc()
	o.sessionLength.Observe(d.Seconds())
}

func (o *SessionObserver) Frame(kind observability.FrameKind, bytes int) {
	o.frameTotal.WithLabelValues(string(kind)).Inc()
	o.frameBytes.WithLabelValues(string(kind)).Add(float64(bytes))
}

func (o *SessionObserver) FrameDrop(reason observability.DropReason) {
	o.dropTotal.WithLabelValues(string(reason)).Inc()
}

// FetchObserver exports remote fetch metrics to Prometheus.
type FetchObserver struct {
	fetchTotal   *prometheus.CounterVec
	fetchLatency prometheus.Histogram
	pending      prometheus.Gauge
}

// NewFetchObserver registers fetch metrics on the registry.
func NewFetchObserver(reg *prometheus.Registry) *FetchObserver {
	o := &FetchObserver{
		fetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wsfetch_fetch_total",
			Help: "Remote fetch outcomes.",
		}, []string{"result"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wsfetch_fetch_latency_seconds",
			Help:    "Remote fetch latency from send to response.",
			Buckets: prometheus.DefBuckets,
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wsfetch_fetch_pending",
			Help: "Requests awaiting a response, sampled on change.",
		}),
	}
	reg.MustRegister(o.fetchTotal, o.fetchLatency, o.pending)
	return o
}

func (o *FetchObserver) Fetch(result observability.FetchResult, d time.Duration) {
	o.fetchTotal.WithLabelValues(string(result)).Inc()
	o.fetchLatency.Observe(d.Seconds())
}

func (o *FetchObserver) Pending(n int) {
	o.pending.Set(float64(n))
}

// PeerObserver exports reference peer metrics to Prometheus.
type PeerObserver struct {
	requestTotal   *prometheus.CounterVec
	requestLatency prometheus.Histogram
	chunkedTotal   prometheus.Counter
	chunkFrames    prometheus.Counter
}

// NewPeerObserver registers peer metrics on the registry.
func NewPeerObserver(reg *prometheus.Registry) *PeerObserver {
	o := &PeerObserver{
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wsfetch_peer_requests_total",
			Help: "HTTP requests performed by the peer.",
		}, []string{"result"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wsfetch_peer_request_latency_seconds",
			Help:    "Upstream request latency observed by the peer.",
			Buckets: prometheus.DefBuckets,
		}),
		chunkedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsfetch_peer_chunked_replies_total",
			Help: "Replies that were split into chunk frames.",
		}),
		chunkFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsfetch_peer_chunk_frames_total",
			Help: "Chunk frames written by the peer.",
		}),
	}
	reg.MustRegister(o.requestTotal, o.requestLatency, o.chunkedTotal, o.chunkFrames)
	return o
}

func (o *PeerObserver) Request(result observability.PeerResult, d time.Duration) {
	o.requestTotal.WithLabelValues(string(result)).Inc()
	o.requestLatency.Observe(d.Seconds())
}

func (o *PeerObserver) ChunkedReply(chunks int) {
	o.chunkedTotal.Inc()
	o.chunkFrames.Add(float64(chunks))
}
