package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of order creations that failed",
	}, []string{"reason"})

	PaymentInitiationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_initiations_total",
		Help: "Total number of payment initiation attempts",
	}, []string{"result"})

	CallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_callbacks_total",
		Help: "Total number of gateway callbacks received",
	}, []string{"result"})

	ReconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_reconciliations_total",
		Help: "Total number of reconciliation runs",
	}, []string{"source", "status"})

	TokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_token_refreshes_total",
		Help: "Total number of access-token exchanges with the gateway",
	}, []string{"result"})

	StatusChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_status_checks_total",
		Help: "Total number of payment status queries to the gateway",
	}, []string{"result"})

	DownloadsAuthorizedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "downloads_authorized_total",
		Help: "Total number of download grants issued",
	})

	DownloadsDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "downloads_denied_total",
		Help: "Total number of download requests denied",
	}, []string{"reason"})

	GatewayRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_latency_seconds",
		Help:    "Latency of HTTP calls to the payment gateway",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
