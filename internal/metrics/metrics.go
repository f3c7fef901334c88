package metrics

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Request metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotad_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"route", "method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quotad_http_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quotad_http_rate_limited_total",
			Help: "Requests rejected by the per-client rate limiter",
		},
	)

	// Quota metrics
	QuotaDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotad_quota_decisions_total",
			Help: "Quota decisions by reason",
		},
		[]string{"reason"},
	)

	UsageRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotad_usage_recorded_total",
			Help: "Free-quota uses counted against a device",
		},
		[]string{"feature"},
	)

	PolicyFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quotad_policy_fallbacks_total",
			Help: "Decisions served by the built-in decider after a policy evaluation error",
		},
	)

	StorageErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotad_storage_errors_total",
			Help: "Storage operations that failed",
		},
		[]string{"operation"},
	)

	// Purchase metrics
	PremiumGrants = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotad_premium_grants_total",
			Help: "Premium windows granted by source (product id or admin)",
		},
		[]string{"source"},
	)

	PurchaseRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotad_purchase_rejections_total",
			Help: "Purchases that did not result in a grant",
		},
		[]string{"reason"},
	)

	// Retention metrics
	RetentionPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quotad_retention_pruned_counters_total",
			Help: "Daily usage counters removed by the retention job",
		},
	)

	// Push metrics
	PushSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotad_push_sends_total",
			Help: "Push messages handed to the provider",
		},
		[]string{"kind", "result"},
	)

	PushSubscriptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotad_push_topic_operations_total",
			Help: "Topic subscribe and unsubscribe calls",
		},
		[]string{"operation", "topic", "result"},
	)

	PushSubscriptionCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quotad_push_subscription_cache_hits_total",
			Help: "Topic subscriptions skipped because they were sent recently",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		RateLimited,
		QuotaDecisions,
		UsageRecorded,
		PolicyFallbacks,
		StorageErrors,
		PremiumGrants,
		PurchaseRejections,
		RetentionPruned,
		PushSends,
		PushSubscriptions,
		PushSubscriptionCacheHits,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Shutdown(ctx)
}
