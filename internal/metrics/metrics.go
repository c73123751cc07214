package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/KorszunKarol/go-distort/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	FramesRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frames_rx_total",
		Help: "Total protocol frames received over TCP links.",
	})
	FramesTx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frames_tx_total",
		Help: "Total protocol frames sent over TCP links.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (checksum mismatch, oversize payload, truncation).",
	})
	WorkerPromotions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_promotions_total",
		Help: "Total secondary workers promoted to primary of their class.",
	})
	PeerEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peer_evictions_total",
		Help: "Total peers evicted after heartbeat silence.",
	})
	DistortDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "distort_dispatch_total",
		Help: "Distortion dispatch decisions by outcome.",
	}, []string{"outcome"})
	SessionsServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_sessions_total",
		Help: "Worker serving sessions by result.",
	}, []string{"result"})
	Heartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heartbeats_total",
		Help: "Total heartbeat frames answered.",
	})
	RegistryWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "registry_workers",
		Help: "Current number of registered workers.",
	})
	RegistryClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "registry_clients",
		Help: "Current number of registered clients.",
	})
	BusyWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "registry_busy_workers",
		Help: "Current number of workers serving a session.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead   = "tcp_read"
	ErrTCPWrite  = "tcp_write"
	ErrClassify  = "classify"
	ErrDispatch  = "dispatch"
	ErrRegistry  = "registry"
	ErrSession   = "session"
	ErrHeartbeat = "heartbeat"
)

// Dispatch outcome label values.
const (
	DispatchOK      = "ok"
	DispatchNoMedia = "media_ko"
	DispatchNoFree  = "distort_ko"
)

// Session result label values.
const (
	SessionOK     = "ok"
	SessionFailed = "failed"
)

// StartHTTP serves Prometheus metrics at /metrics plus a /ready probe.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localFramesRx   uint64
	localFramesTx   uint64
	localMalformed  uint64
	localPromotions uint64
	localEvictions  uint64
	localErrors     uint64
	localWorkers    uint64
	localClients    uint64
	localHeartbeats uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	FramesRx   uint64
	FramesTx   uint64
	Malformed  uint64
	Promotions uint64
	Evictions  uint64
	Errors     uint64 // sum across error labels
	Workers    uint64
	Clients    uint64
	Heartbeats uint64
}

func Snap() Snapshot {
	return Snapshot{
		FramesRx:   atomic.LoadUint64(&localFramesRx),
		FramesTx:   atomic.LoadUint64(&localFramesTx),
		Malformed:  atomic.LoadUint64(&localMalformed),
		Promotions: atomic.LoadUint64(&localPromotions),
		Evictions:  atomic.LoadUint64(&localEvictions),
		Errors:     atomic.LoadUint64(&localErrors),
		Workers:    atomic.LoadUint64(&localWorkers),
		Clients:    atomic.LoadUint64(&localClients),
		Heartbeats: atomic.LoadUint64(&localHeartbeats),
	}
}

// Wrapper helpers to keep call sites simple.
func IncFrameRx() {
	FramesRx.Inc()
	atomic.AddUint64(&localFramesRx, 1)
}

func IncFrameTx() {
	FramesTx.Inc()
	atomic.AddUint64(&localFramesTx, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncPromotion() {
	WorkerPromotions.Inc()
	atomic.AddUint64(&localPromotions, 1)
}

func IncEviction() {
	PeerEvictions.Inc()
	atomic.AddUint64(&localEvictions, 1)
}

func IncHeartbeat() {
	Heartbeats.Inc()
	atomic.AddUint64(&localHeartbeats, 1)
}

func IncDispatch(outcome string) {
	DistortDispatches.WithLabelValues(outcome).Inc()
}

func IncSession(result string) {
	SessionsServed.WithLabelValues(result).Inc()
}

func SetWorkers(n int) {
	RegistryWorkers.Set(float64(n))
	atomic.StoreUint64(&localWorkers, uint64(n))
}

func SetClients(n int) {
	RegistryClients.Set(float64(n))
	atomic.StoreUint64(&localClients, uint64(n))
}

func SetBusyWorkers(n int) {
	BusyWorkers.Set(float64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrClassify,
		ErrDispatch, ErrRegistry, ErrSession, ErrHeartbeat,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
