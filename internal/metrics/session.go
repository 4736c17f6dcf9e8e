// Package metrics holds the prometheus metrics for the session engine:
// one file per concern, promauto constructors, small Inc helpers so
// callers never touch label vectors directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnection = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_connection_total",
			Help: "Incoming SMTP connections.",
		},
		[]string{"listener"},
	)

	metricCommand = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smtpd_command_duration_seconds",
			Help:    "SMTP commands by result code. The session engine observes every command with a duration of 0.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"cmd", "code"},
	)

	metricKick = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smtpd_kick_total",
			Help: "Sessions forcibly disconnected for too many invalid commands.",
		},
	)

	metricDelivery = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_delivery_total",
			Help: "Message delivery outcomes: accepted, tempfail, permfail.",
		},
		[]string{"result"},
	)

	metricSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smtpd_sessions_active",
			Help: "Number of sessions currently open.",
		},
	)
)

func ConnectionInc(listener string) {
	metricConnection.WithLabelValues(listener).Inc()
}

func CommandObserve(cmd, code string, seconds float64) {
	metricCommand.WithLabelValues(cmd, code).Observe(seconds)
}

func KickInc() {
	metricKick.Inc()
}

func DeliveryInc(result string) {
	metricDelivery.WithLabelValues(result).Inc()
}

func SessionOpened() {
	metricSessionsActive.Inc()
}

func SessionClosed() {
	metricSessionsActive.Dec()
}
