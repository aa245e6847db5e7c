package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rjboer/gouhd/internal/logging"
)

// Direction labels.
const (
	DirRx = "rx"
	DirTx = "tx"
)

// Stream event labels (stable values to bound cardinality).
const (
	EventTimeout     = "timeout"
	EventOverflow    = "overflow"
	EventLateCommand = "late_command"
	EventBrokenChain = "broken_chain"
	EventAlignment   = "alignment"
	EventBadPacket   = "bad_packet"
	EventUnderflow   = "underflow"
	EventBurstAck    = "burst_ack"
	EventSeqError    = "seq_error"
	EventTimeError   = "time_error"
)

// Driver operation labels for DriverErrors.
const (
	OpOpen        = "open"
	OpStreamer    = "streamer"
	OpCommand     = "command"
	OpRecv        = "recv"
	OpSend        = "send"
	OpAsync       = "async"
	OpRelease     = "release"
	OpChannels    = "channels"
	OpMaxPacket   = "max_packet"
	OpDiscovery   = "discovery"
	OpTransport   = "transport"
	OpMetadata    = "metadata"
	OpReconfigure = "reconfigure"
)

var (
	RxSamples = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uhd_rx_samples_total",
		Help: "Total samples per channel received from the device.",
	})
	TxSamples = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uhd_tx_samples_total",
		Help: "Total samples per channel accepted by the device.",
	})
	StreamEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uhd_stream_events_total",
		Help: "Stream anomalies and async events by direction.",
	}, []string{"dir", "event"})
	DriverErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uhd_driver_errors_total",
		Help: "Non-zero driver statuses by operation.",
	}, []string{"op"})
	StreamersOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "uhd_streamers_open",
		Help: "Currently open streamers by direction.",
	}, []string{"dir"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

var (
	localRx     uint64
	localTx     uint64
	localEvents uint64
	localErrors uint64
)

// Snapshot is a cheap copy of the in-process counters.
type Snapshot struct {
	RxSamples    uint64
	TxSamples    uint64
	StreamEvents uint64
	DriverErrors uint64
}

func Snap() Snapshot {
	return Snapshot{
		RxSamples:    atomic.LoadUint64(&localRx),
		TxSamples:    atomic.LoadUint64(&localTx),
		StreamEvents: atomic.LoadUint64(&localEvents),
		DriverErrors: atomic.LoadUint64(&localErrors),
	}
}

func AddRxSamples(n int) {
	if n <= 0 {
		return
	}
	RxSamples.Add(float64(n))
	atomic.AddUint64(&localRx, uint64(n))
}

func AddTxSamples(n int) {
	if n <= 0 {
		return
	}
	TxSamples.Add(float64(n))
	atomic.AddUint64(&localTx, uint64(n))
}

// IncStreamEvent counts one stream anomaly or async event.
func IncStreamEvent(dir, event string) {
	StreamEvents.WithLabelValues(dir, event).Inc()
	atomic.AddUint64(&localEvents, 1)
}

// IncDriverError counts a failed driver call.
func IncDriverError(op string) {
	DriverErrors.WithLabelValues(op).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func StreamerOpened(dir string) { StreamersOpen.WithLabelValues(dir).Inc() }
func StreamerClosed(dir string) { StreamersOpen.WithLabelValues(dir).Dec() }

// Handler returns the mux serving /metrics and /ready.
func Handler() http.Handler {
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
	return mux
}

// StartHTTP serves Handler on addr in the background.
func StartHTTP(addr string) *http.Server {
	srv := &http.Server{
		Addr:    addr,
		Handler: Handler(),
	}
	go func() {
		logging.Default().Info("metrics listening", logging.Field{Key: "addr", Value: addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Default().Error("metrics http error", logging.Field{Key: "error", Value: err})
		}
	}()
	return srv
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
