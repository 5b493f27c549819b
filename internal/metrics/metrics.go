package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Prometheus counters
var (
	TxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canspi_tx_frames_total",
		Help: "Total CAN frames loaded in a controller transmit buffer.",
	})
	RxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canspi_rx_frames_total",
		Help: "Total CAN frames read from the controller receive buffers.",
	})
	TxQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canspi_tx_queued_total",
		Help: "Total CAN frames queued because every transmit buffer was pending.",
	})
	TxDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canspi_tx_dropped_total",
		Help: "Total CAN frames dropped because the transmit queue was full.",
	})
	ModeRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canspi_mode_retries_total",
		Help: "Total operating mode requests repeated because the controller had not applied them yet, by target mode.",
	}, []string{"target"})
	Bridged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canspi_bridged_frames_total",
		Help: "Total CAN frames forwarded by the bridge, by direction.",
	}, []string{"direction"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canspi_errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrSPIRead    = "spi_read"
	ErrSPIWrite   = "spi_write"
	ErrBridge     = "bridge"
	ErrMessageRx  = "message_error"
	ErrSocketCAN  = "socketcan_rx"
	ErrVirtualCAN = "virtualcan_rx"
)

// Local mirrored counters, readable without scraping
var (
	localTx      uint64
	localRx      uint64
	localQueued  uint64
	localDropped uint64
	localBridged uint64
	localErrors  uint64
	localRetries uint64
)

// Snapshot is a cheap copy of local counters
type Snapshot struct {
	Tx      uint64
	Rx      uint64
	Queued  uint64
	Dropped uint64
	Bridged uint64
	Errors  uint64 // sum across error labels
	Retries uint64 // mode retries, all targets
}

func Snap() Snapshot {
	return Snapshot{
		Tx:      atomic.LoadUint64(&localTx),
		Rx:      atomic.LoadUint64(&localRx),
		Queued:  atomic.LoadUint64(&localQueued),
		Dropped: atomic.LoadUint64(&localDropped),
		Bridged: atomic.LoadUint64(&localBridged),
		Errors:  atomic.LoadUint64(&localErrors),
		Retries: atomic.LoadUint64(&localRetries),
	}
}

func IncTx() {
	TxFrames.Inc()
	atomic.AddUint64(&localTx, 1)
}

func IncRx() {
	RxFrames.Inc()
	atomic.AddUint64(&localRx, 1)
}

func IncQueued() {
	TxQueued.Inc()
	atomic.AddUint64(&localQueued, 1)
}

func IncDropped() {
	TxDropped.Inc()
	atomic.AddUint64(&localDropped, 1)
}

// IncBridged counts a forwarded frame, direction is e.g. "a_to_b"
func IncBridged(direction string) {
	Bridged.WithLabelValues(direction).Inc()
	atomic.AddUint64(&localBridged, 1)
}

// IncModeRetry counts a repeated mode request, target is the mode name
func IncModeRetry(target string) {
	ModeRetries.WithLabelValues(target).Inc()
	atomic.AddUint64(&localRetries, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// StartHTTP serves Prometheus metrics at /metrics in the background
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		log.WithField("addr", addr).Info("serving metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics http server failed")
		}
	}()
	return srv
}
