package metrics

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PollRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socialfeed_list_poll_runs_total",
		Help: "Total list poll iterations",
	}, []string{"list"})
	TweetsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socialfeed_tweets_emitted_total",
		Help: "Total tweet events emitted by list polls",
	}, []string{"list"})
	PollDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "socialfeed_list_poll_duration_seconds",
		Help:    "List poll iteration duration seconds",
		Buckets: prometheus.DefBuckets,
	})
	APIRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socialfeed_api_retries_total",
		Help: "Total platform API retry attempts",
	}, []string{"endpoint"})
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socialfeed_api_rate_limited_total",
		Help: "Total rate-limit suppressions per endpoint",
	}, []string{"endpoint"})
	TokenRefreshes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "socialfeed_token_refreshes_total",
		Help: "Total OAuth2 token refreshes",
	})
	TokenRefreshErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "socialfeed_token_refresh_errors_total",
		Help: "Total OAuth2 token refresh failures",
	})
	Subscriptions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "socialfeed_subscriptions_total",
		Help: "Total entity-to-user subscriptions",
	})
	SubscriptionErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socialfeed_subscription_errors_total",
		Help: "Total classified subscription failures",
	}, []string{"reason"})
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "socialfeed_account_queue_depth",
		Help: "Members currently queued for list assignment",
	})
	FeedWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "socialfeed_feed_writes_total",
		Help: "Total attributed events written to the feed",
	})
)

func init() {
	prometheus.MustRegister(
		PollRuns, TweetsEmitted, PollDuration, APIRetries, RateLimited,
		TokenRefreshes, TokenRefreshErrors, Subscriptions, SubscriptionErrors,
		QueueDepth, FeedWrites,
	)
}

// StartServer starts a metrics HTTP server on addr (e.g., ":9090").
func StartServer(addr string) {
	if addr == "" {
		addr = os.Getenv("METRICS_ADDR")
	}
	if addr == "" {
		return
	}
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	go func() { _ = http.ListenAndServe(addr, nil) }()
}

// ObservePollDuration records a poll iteration duration.
func ObservePollDuration(start time.Time) {
	PollDuration.Observe(time.Since(start).Seconds())
}

// IncAPIRetry increments the retry counter for an endpoint.
func IncAPIRetry(endpoint string) { APIRetries.WithLabelValues(endpoint).Inc() }
