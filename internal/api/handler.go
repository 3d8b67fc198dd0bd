package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"storefront-service/internal/apperr"
	"storefront-service/internal/download"
	"storefront-service/internal/gateway"
	"storefront-service/internal/models"
	"storefront-service/internal/service"
	"storefront-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Lifecycle is the slice of the lifecycle controller the HTTP surface uses.
type Lifecycle interface {
	CreateOrder(ctx context.Context, req *service.CreateOrderRequest) (*service.CreateOrderResponse, error)
	Reconcile(ctx context.Context, correlationID, source string, verified *gateway.CallbackData) (*models.Order, error)
	VerifyCallback(responseBody, checksum string) gateway.CallbackResult
	GetOrder(ctx context.Context, correlationID string) (*models.Order, error)
	RedirectURL(order *models.Order, reconcileErr error) string
}

// Downloads authorizes artifact access.
type Downloads interface {
	Authorize(ctx context.Context, productID, correlationID string) (*models.DownloadGrant, error)
}

// IdempotencyStore guards against duplicate order submissions.
type IdempotencyStore interface {
	CheckIdempotencyKey(ctx context.Context, key string) (bool, error)
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Catalog lists purchasable products.
type Catalog interface {
	GetProducts(ctx context.Context) ([]models.Product, error)
}

// Handler contains HTTP handlers
type Handler struct {
	lifecycle   Lifecycle
	downloads   Downloads
	catalog     Catalog
	files       *download.Handler
	idempotency IdempotencyStore
	logger      *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(lifecycle Lifecycle, downloads Downloads, catalog Catalog, files *download.Handler, idempotency IdempotencyStore) *Handler {
	return &Handler{
		lifecycle:   lifecycle,
		downloads:   downloads,
		catalog:     catalog,
		files:       files,
		idempotency: idempotency,
		logger:      util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if h.files != nil {
		router.GET("/files/*key", h.files.Serve)
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/products", h.listProducts)
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:correlationId", h.getOrder)
		v1.GET("/payments/callback/:transactionId", h.paymentCallback)
		v1.POST("/payments/callback/:transactionId", h.paymentCallback)
		v1.GET("/downloads/:productId", h.authorizeDownload)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// listProducts handles GET /products
func (h *Handler) listProducts(c *gin.Context) {
	products, err := h.catalog.GetProducts(c.Request.Context())
	if err != nil {
		h.writeError(c, err, "Failed to list products")
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

// createOrder handles POST /orders. A client-supplied Idempotency-Key
// header protects against double submission of the same checkout.
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	idemKey := c.GetHeader("Idempotency-Key")
	if idemKey != "" && h.idempotency != nil {
		seen, err := h.idempotency.CheckIdempotencyKey(c.Request.Context(), idemKey)
		if err != nil {
			h.logger.Error("Idempotency check failed", zap.Error(err))
		} else if seen {
			c.JSON(http.StatusConflict, gin.H{"error": "Duplicate order submission"})
			return
		}
	}

	resp, err := h.lifecycle.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err, "Failed to create order")
		return
	}

	if idemKey != "" && h.idempotency != nil {
		if err := h.idempotency.SetIdempotencyKey(c.Request.Context(), idemKey, resp.TransactionID, 24*time.Hour); err != nil {
			h.logger.Error("Failed to record idempotency key", zap.Error(err))
		}
	}

	c.JSON(http.StatusCreated, resp)
}

// getOrder handles GET /orders/:correlationId
func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.lifecycle.GetOrder(c.Request.Context(), c.Param("correlationId"))
	if err != nil {
		h.writeError(c, err, "Order not found")
		return
	}
	c.JSON(http.StatusOK, orderSummary(order))
}

// paymentCallback handles the gateway's asynchronous notification, GET and
// POST variants. A callback whose authenticity cannot be established is
// advisory only: reconciliation then re-derives the status through an
// authenticated status check instead of trusting the posted state.
func (h *Handler) paymentCallback(c *gin.Context) {
	transactionID := c.Param("transactionId")
	if !service.ValidTransactionID(transactionID) {
		util.CallbacksTotal.WithLabelValues("bad_correlation_id").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid transaction id"})
		return
	}

	var verified *gateway.CallbackData
	if c.Request.Method == http.MethodPost {
		verified = h.verifiedCallbackData(c, transactionID)
	}

	order, err := h.lifecycle.Reconcile(c.Request.Context(), transactionID, service.SourceCallback, verified)
	if err != nil {
		util.CallbacksTotal.WithLabelValues("reconcile_error").Inc()
		h.logger.Error("Callback reconciliation failed",
			zap.String("transaction_id", transactionID), zap.Error(err))
	} else {
		util.CallbacksTotal.WithLabelValues("ok").Inc()
	}

	c.Redirect(http.StatusFound, h.lifecycle.RedirectURL(order, err))
}

// verifiedCallbackData extracts and verifies the posted callback body.
// Returns nil when the checksum does not hold or the body is unusable.
func (h *Handler) verifiedCallbackData(c *gin.Context, transactionID string) *gateway.CallbackData {
	checksum := c.GetHeader("X-VERIFY")

	var body struct {
		Response string `json:"response"`
	}
	raw, err := io.ReadAll(c.Request.Body)
	if err == nil && len(raw) > 0 {
		if jsonErr := json.Unmarshal(raw, &body); jsonErr != nil || body.Response == "" {
			// Some provider variants post the raw base64 payload directly.
			body.Response = string(raw)
		}
	}
	if body.Response == "" || checksum == "" {
		return nil
	}

	result := h.lifecycle.VerifyCallback(body.Response, checksum)
	if !result.Valid {
		util.CallbacksTotal.WithLabelValues("checksum_mismatch").Inc()
		h.logger.Warn("Callback checksum mismatch, falling back to status poll",
			zap.String("transaction_id", transactionID))
		return nil
	}
	if result.DecodeErr != nil {
		util.CallbacksTotal.WithLabelValues("decode_error").Inc()
		h.logger.Warn("Callback payload undecodable, falling back to status poll",
			zap.String("transaction_id", transactionID), zap.Error(result.DecodeErr))
		return nil
	}
	return result.Data
}

// authorizeDownload handles GET /downloads/:productId?orderId=...
func (h *Handler) authorizeDownload(c *gin.Context) {
	grant, err := h.downloads.Authorize(c.Request.Context(),
		c.Param("productId"), c.Query("orderId"))
	if err != nil {
		h.writeError(c, err, "Download not authorized")
		return
	}
	c.JSON(http.StatusOK, grant)
}

// writeError maps the error taxonomy onto HTTP statuses.
func (h *Handler) writeError(c *gin.Context, err error, fallback string) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(fallback, zap.Error(err))
		c.JSON(status, gin.H{"error": fallback})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// orderSummary shapes the status-query response. The raw payment URL and
// customer phone stay internal.
func orderSummary(order *models.Order) gin.H {
	return gin.H{
		"order_id":          order.ID,
		"transaction_id":    order.TransactionID,
		"merchant_order_id": order.MerchantOrderID,
		"customer_name":     order.CustomerName,
		"items":             order.Items,
		"total_amount":      order.TotalAmount,
		"payment_status":    order.Payment.Status,
		"paid_at":           order.Payment.PaidAt,
		"created_at":        order.CreatedAt,
		"updated_at":        order.UpdatedAt,
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
