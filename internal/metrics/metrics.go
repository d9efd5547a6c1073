package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "screenmirror_sessions_active",
		Help: "Number of mirroring sessions currently registered",
	})

	sessionStartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "screenmirror_session_starts_total",
		Help: "Session start requests by outcome (created, reused, failed)",
	}, []string{"outcome"})

	sessionExitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "screenmirror_session_exits_total",
		Help: "Session terminations by reason (command, remote, error)",
	}, []string{"reason"})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "screenmirror_session_duration_seconds",
		Help:    "Lifetime of mirroring sessions",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2h
	})

	// Decode metrics
	framesDecodedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "screenmirror_frames_decoded_total",
		Help: "Frames produced by the video decoder",
	}, []string{"codec", "accel"})

	framesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "screenmirror_frames_dropped_total",
		Help: "Frames overwritten in the mailbox before being consumed",
	})

	decodeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "screenmirror_decode_errors_total",
		Help: "Per-packet decode failures",
	}, []string{"codec", "stage"})

	hwDevicesAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "screenmirror_hw_devices_available",
		Help: "Hardware decode devices discovered at startup",
	}, []string{"type"})

	// Worker metrics
	actorRespawnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "screenmirror_actor_respawns_total",
		Help: "Worker instances respawned after their channel closed",
	}, []string{"actor"})

	staleResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "screenmirror_stale_results_total",
		Help: "Asynchronous results discarded because a newer request superseded them",
	}, []string{"resource"})

	// Device metrics
	devicesConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "screenmirror_devices_connected",
		Help: "Devices reported by the last successful refresh",
	})

	deviceRefreshDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "screenmirror_device_refresh_seconds",
		Help:    "Latency of device list refreshes",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
	}, []string{"result"})
)

// SetActiveSessions sets the number of live sessions.
func SetActiveSessions(count int) {
	sessionsActive.Set(float64(count))
}

// IncrementSessionStart records a start request outcome.
func IncrementSessionStart(outcome string) {
	sessionStartsTotal.WithLabelValues(outcome).Inc()
}

// RecordSessionExit records why a session ended and how long it ran.
func RecordSessionExit(reason string, seconds float64) {
	sessionExitsTotal.WithLabelValues(reason).Inc()
	sessionDuration.Observe(seconds)
}

// IncrementFramesDecoded counts a decoded frame.
func IncrementFramesDecoded(codec string, hardware bool) {
	framesDecodedTotal.WithLabelValues(codec, accelLabel(hardware)).Inc()
}

// IncrementFramesDropped counts a frame overwritten before it was read.
func IncrementFramesDropped() {
	framesDroppedTotal.Inc()
}

// IncrementDecodeError counts a per-packet failure in stage (send, receive, download).
func IncrementDecodeError(codec, stage string) {
	decodeErrorsTotal.WithLabelValues(codec, stage).Inc()
}

// SetHWDevicesAvailable records how many devices of a type were found.
func SetHWDevicesAvailable(deviceType string, count int) {
	hwDevicesAvailable.WithLabelValues(deviceType).Set(float64(count))
}

// IncrementActorRespawn counts a worker respawn.
func IncrementActorRespawn(actor string) {
	actorRespawnsTotal.WithLabelValues(actor).Inc()
}

// IncrementStaleResult counts a discarded asynchronous result.
func IncrementStaleResult(resource string) {
	staleResultsTotal.WithLabelValues(resource).Inc()
}

// RecordDeviceRefresh records a refresh and, on success, the device count.
func RecordDeviceRefresh(seconds float64, count int, err error) {
	if err != nil {
		deviceRefreshDuration.WithLabelValues("error").Observe(seconds)
		return
	}
	deviceRefreshDuration.WithLabelValues("ok").Observe(seconds)
	devicesConnected.Set(float64(count))
}

func accelLabel(hardware bool) string {
	if hardware {
		return "hardware"
	}
	return "software"
}
