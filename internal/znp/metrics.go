package znp

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "znp",
			Subsystem: "transport",
			Name:      "frames_total",
			Help:      "MT frames written to or read from the coprocessor.",
		},
		[]string{"direction", "type", "subsystem"},
	)
	framingErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "znp",
			Subsystem: "transport",
			Name:      "framing_errors_total",
			Help:      "Frames rejected by the codec.",
		},
		[]string{"reason"},
	)
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "znp",
			Subsystem: "request",
			Name:      "total",
			Help:      "Correlated requests by outcome.",
		},
		[]string{"subsystem", "outcome"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "znp",
			Subsystem: "request",
			Name:      "duration_seconds",
			Help:      "Time from request write to matched response.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"subsystem"},
	)
)

// RegisterMetrics registers the driver collectors with the default registry.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(framesTotal, framingErrors, requestsTotal, requestDuration)
	})
}

func recordFrame(direction string, f Frame) {
	framesTotal.WithLabelValues(direction, f.Type.String(), f.Subsystem.String()).Inc()
}

func recordFramingError(reason string) {
	framingErrors.WithLabelValues(reason).Inc()
}

func recordRequest(sub Subsystem, outcome string, elapsed time.Duration) {
	requestsTotal.WithLabelValues(sub.String(), outcome).Inc()
	if outcome == "ok" {
		requestDuration.WithLabelValues(sub.String()).Observe(elapsed.Seconds())
	}
}
