package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cvdrelay",
			Subsystem: "relay",
			Name:      "notifications_total",
			Help:      "Inbound channel notifications by length check result.",
		},
		[]string{"result"},
	)
	handoffs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cvdrelay",
			Subsystem: "relay",
			Name:      "handoffs_total",
			Help:      "Mailbox hand-offs by outcome (stored, replaced, dropped, closed).",
		},
		[]string{"outcome"},
	)
	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cvdrelay",
			Subsystem: "relay",
			Name:      "dispatch_total",
			Help:      "Worker dispatches by opcode and action.",
		},
		[]string{"opcode", "action"},
	)
	firmwareCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cvdrelay",
			Subsystem: "firmware",
			Name:      "calls_total",
			Help:      "Firmware voice actions invoked by the worker.",
		},
		[]string{"action", "success"},
	)
	responses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cvdrelay",
			Subsystem: "relay",
			Name:      "responses_total",
			Help:      "Synthesized basic-result responses by send result.",
		},
		[]string{"result"},
	)
	responseDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "cvdrelay",
			Subsystem: "relay",
			Name:      "response_duration_seconds",
			Help:      "Control call duration for synthesized responses.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cvdrelay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cvdrelay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			notifications,
			handoffs,
			dispatches,
			firmwareCalls,
			responses,
			responseDuration,
			httpRequests,
			httpDuration,
		)
	})
}

func RecordNotification(malformed bool) {
	RegisterMetrics()
	result := "ok"
	if malformed {
		result = "malformed"
	}
	notifications.WithLabelValues(result).Inc()
}

func RecordHandoff(outcome string) {
	RegisterMetrics()
	handoffs.WithLabelValues(outcome).Inc()
}

func RecordDispatch(opcode, action string) {
	RegisterMetrics()
	dispatches.WithLabelValues(opcode, action).Inc()
}

func RecordFirmwareCall(action string, success bool) {
	RegisterMetrics()
	firmwareCalls.WithLabelValues(action, strconv.FormatBool(success)).Inc()
}

func RecordResponse(result string, duration time.Duration) {
	RegisterMetrics()
	responses.WithLabelValues(result).Inc()
	responseDuration.Observe(duration.Seconds())
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
