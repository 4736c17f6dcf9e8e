package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAuthentication = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_authentication_total",
			Help: "Authentication attempts and results.",
		},
		[]string{
			"variant", // plain, login
			"result",  // ok, badcreds, aborted, error
		},
	)
)

func AuthenticationInc(variant, result string) {
	metricAuthentication.WithLabelValues(variant, result).Inc()
}
