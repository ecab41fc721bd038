package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OrdersSubmitted counts gateway submissions by broker and outcome
var OrdersSubmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "klear_orders_submitted_total",
		Help: "Orders handled by the submission gateway",
	},
	[]string{"broker", "outcome"},
)

// TokenRefreshes counts OAuth2 refresh grants by broker and result
var TokenRefreshes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "klear_token_refreshes_total",
		Help: "OAuth2 refresh token grants performed",
	},
	[]string{"broker", "result"},
)

// SessionAuthentications counts gateway re-authentications
var SessionAuthentications = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "klear_session_authentications_total",
		Help: "Session gateway authentications performed",
	},
	[]string{"broker", "result"},
)

// JobsProcessed counts broker jobs by type and result (success, retry, dead_letter)
var JobsProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "klear_jobs_processed_total",
		Help: "Broker jobs processed by the worker",
	},
	[]string{"type", "result"},
)

// RateLimitDenials counts requests rejected by the rate limiter
var RateLimitDenials = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "klear_rate_limit_denials_total",
		Help: "Requests denied by the rate limiter",
	},
	[]string{"class"},
)

func init() {
	prometheus.MustRegister(OrdersSubmitted, TokenRefreshes, SessionAuthentications)
	prometheus.MustRegister(JobsProcessed, RateLimitDenials)
}

// Handler exposes the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
