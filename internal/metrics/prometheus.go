package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics contains the Prometheus metrics for a capture session
type Metrics struct {
	// Capture metrics
	FramesRead      prometheus.Counter
	CaptureOverruns prometheus.Counter
	ReadTimeouts    prometheus.Counter

	// Segmentation metrics
	SegmentsEmitted   prometheus.Counter
	SegmentsDiscarded prometheus.Counter
	SegmentDuration   prometheus.Histogram

	// Delivery metrics
	MessagesSent      *prometheus.CounterVec
	SegmentsDropped   *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	Transcriptions    prometheus.Counter
	ChannelState      prometheus.Gauge
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesRead: f.NewCounter(prometheus.CounterOpts{
			Name: "micrelay_frames_read_total",
			Help: "Total number of audio frames read from the capture device",
		}),
		CaptureOverruns: f.NewCounter(prometheus.CounterOpts{
			Name: "micrelay_capture_overruns_total",
			Help: "Total number of frames lost to capture overruns",
		}),
		ReadTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "micrelay_read_timeouts_total",
			Help: "Total number of frame reads that timed out",
		}),

		SegmentsEmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "micrelay_segments_emitted_total",
			Help: "Total number of speech segments emitted by the segmenter",
		}),
		SegmentsDiscarded: f.NewCounter(prometheus.CounterOpts{
			Name: "micrelay_segments_discarded_total",
			Help: "Total number of speech bursts discarded as too short",
		}),
		SegmentDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "micrelay_segment_duration_seconds",
			Help:    "Duration of emitted speech segments",
			Buckets: []float64{0.5, 1, 2, 3, 5, 8, 12, 15, 30},
		}),

		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "micrelay_messages_sent_total",
			Help: "Total number of messages written to the backend, by type",
		}, []string{"type"}),
		SegmentsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "micrelay_segments_dropped_total",
			Help: "Total number of segments dropped instead of delivered, by reason",
		}, []string{"reason"}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "micrelay_reconnect_attempts_total",
			Help: "Total number of backend reconnect attempts",
		}),
		Transcriptions: f.NewCounter(prometheus.CounterOpts{
			Name: "micrelay_transcriptions_received_total",
			Help: "Total number of transcription messages received",
		}),
		ChannelState: f.NewGauge(prometheus.GaugeOpts{
			Name: "micrelay_channel_state",
			Help: "Delivery channel state (0 disconnected, 1 connecting, 2 handshaking, 3 ready, 4 closed)",
		}),
	}
}

// NewUnregistered returns metrics backed by a private registry, for callers
// that do not export them.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}

// Serve exposes g on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
