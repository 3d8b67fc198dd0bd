package service

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"regexp"
	"strings"
	"time"

	"storefront-service/internal/apperr"
	"storefront-service/internal/gateway"
	"storefront-service/internal/models"
	"storefront-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Reconciliation sources.
const (
	SourceCallback = "callback"
	SourcePoll     = "poll"
)

// reconcileClaimTTL bounds how long a terminal-transition claim is held in
// redis. Long enough that a replayed callback never re-fires side effects.
const reconcileClaimTTL = 24 * time.Hour

var transactionIDPattern = regexp.MustCompile(`^TXN\d+$`)

// ValidTransactionID reports whether id matches the generated transaction
// id format. Handlers reject malformed correlation ids before any lookup.
func ValidTransactionID(id string) bool {
	return transactionIDPattern.MatchString(id)
}

// LifecycleService owns the order/payment state machine. Reconcile is the
// single transition entry point; both the callback and the poll handlers
// funnel into it.
type LifecycleService struct {
	store     OrderStore
	gateway   PaymentGateway
	marker    ReconcileMarker
	publisher EventPublisher
	// callbackBaseURL is this service's external address; the gateway
	// redirects the customer to <base>/api/v1/payments/callback/<txn>.
	callbackBaseURL string
	frontendBaseURL string
	logger          *zap.Logger
}

func NewLifecycleService(
	store OrderStore,
	gw PaymentGateway,
	marker ReconcileMarker,
	publisher EventPublisher,
	callbackBaseURL, frontendBaseURL string,
) *LifecycleService {
	return &LifecycleService{
		store:           store,
		gateway:         gw,
		marker:          marker,
		publisher:       publisher,
		callbackBaseURL: strings.TrimRight(callbackBaseURL, "/"),
		frontendBaseURL: strings.TrimRight(frontendBaseURL, "/"),
		logger:          util.GetLogger(),
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	CustomerName  string             `json:"customer_name" binding:"required"`
	CustomerEmail string             `json:"customer_email" binding:"required,email"`
	CustomerPhone string             `json:"customer_phone" binding:"required"`
	Items         []OrderItemRequest `json:"items" binding:"required,min=1"`
	TotalAmount   float64            `json:"total_amount" binding:"required"`
}

// OrderItemRequest represents an item in an order
type OrderItemRequest struct {
	ProductID string  `json:"product_id" binding:"required"`
	Name      string  `json:"name" binding:"required"`
	Price     float64 `json:"price" binding:"required"`
	Quantity  int     `json:"quantity" binding:"required,min=1"`
}

// CreateOrderResponse represents the response after creating an order
type CreateOrderResponse struct {
	OrderID         int64  `json:"order_id"`
	TransactionID   string `json:"transaction_id"`
	MerchantOrderID string `json:"merchant_order_id"`
	PaymentURL      string `json:"payment_url"`
	Status          string `json:"status"`
}

// CreateOrder validates the request, persists a pending order, then asks
// the gateway to initiate payment. The order row is written before the
// gateway call so a gateway outage never loses the checkout attempt; a
// failed initiation leaves the row behind as an audit record.
func (s *LifecycleService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	ctx, span := util.StartSpan(ctx, "LifecycleService.CreateOrder")
	defer span.End()

	order, err := s.buildOrder(req)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}

	if err := s.store.CreateOrder(ctx, order); err != nil {
		util.OrdersFailedTotal.WithLabelValues("store_error").Inc()
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.String("transaction_id", order.TransactionID))

	created := &models.OrderCreatedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderCreated,
			Timestamp: time.Now(),
		},
		OrderID:         order.ID,
		TransactionID:   order.TransactionID,
		MerchantOrderID: order.MerchantOrderID,
		CustomerEmail:   order.CustomerEmail,
		TotalAmount:     order.TotalAmount,
	}
	if err := s.publisher.PublishOrderCreated(ctx, created); err != nil {
		s.logger.Error("Failed to publish OrderCreated event",
			zap.String("transaction_id", order.TransactionID), zap.Error(err))
	}

	result, err := s.gateway.InitiatePayment(ctx, gateway.InitiationRequest{
		TransactionID:   order.TransactionID,
		MerchantOrderID: order.MerchantOrderID,
		Amount:          order.TotalAmount,
		CustomerName:    order.CustomerName,
		CustomerPhone:   order.CustomerPhone,
		CallbackURL:     s.callbackBaseURL + "/api/v1/payments/callback/" + order.TransactionID,
	})
	if err != nil {
		return nil, s.failInitiation(ctx, order, err.Error())
	}
	if !result.Success {
		s.logger.Warn("Payment initiation rejected",
			zap.String("transaction_id", order.TransactionID),
			zap.String("error", result.Error),
			zap.String("debug", result.Debug))
		return nil, s.failInitiation(ctx, order, result.Error)
	}

	payment := order.Payment
	payment.PaymentURL = result.PaymentURL
	if _, err := s.store.UpdatePayment(ctx, order.ID, payment); err != nil {
		return nil, fmt.Errorf("failed to persist payment url: %w", err)
	}

	return &CreateOrderResponse{
		OrderID:         order.ID,
		TransactionID:   order.TransactionID,
		MerchantOrderID: order.MerchantOrderID,
		PaymentURL:      result.PaymentURL,
		Status:          models.PaymentStatusPending,
	}, nil
}

func (s *LifecycleService) buildOrder(req *CreateOrderRequest) (*models.Order, error) {
	if strings.TrimSpace(req.CustomerName) == "" {
		return nil, apperr.Validation("customer name is required")
	}
	if len(req.CustomerPhone) < 10 {
		return nil, apperr.Validation("phone number must be at least 10 digits")
	}
	if len(req.Items) == 0 {
		return nil, apperr.Validation("order must contain at least one item")
	}

	items := make(models.OrderItems, 0, len(req.Items))
	for _, item := range req.Items {
		if item.ProductID == "" || item.Name == "" {
			return nil, apperr.Validation("every item needs a product id and a name")
		}
		if item.Price <= 0 || item.Quantity <= 0 {
			return nil, apperr.Validationf("invalid price or quantity for product %s", item.ProductID)
		}
		items = append(items, models.OrderItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			Price:     item.Price,
			Quantity:  item.Quantity,
		})
	}

	order := &models.Order{
		TransactionID:   newTransactionID(),
		MerchantOrderID: newMerchantOrderID(req.Items[0].ProductID, req.CustomerPhone),
		CustomerName:    req.CustomerName,
		CustomerEmail:   req.CustomerEmail,
		CustomerPhone:   req.CustomerPhone,
		Items:           items,
		TotalAmount:     req.TotalAmount,
	}
	if !order.TotalMatches() {
		return nil, apperr.Validationf("total amount %.2f does not match item sum %.2f",
			req.TotalAmount, order.ItemsTotal())
	}

	order.Payment = models.PaymentState{
		Gateway:         models.GatewayName,
		TransactionID:   order.TransactionID,
		MerchantOrderID: order.MerchantOrderID,
		Amount:          order.TotalAmount,
		Status:          models.PaymentStatusPending,
	}
	return order, nil
}

// failInitiation persists the failed attempt and surfaces a gateway error.
func (s *LifecycleService) failInitiation(ctx context.Context, order *models.Order, reason string) error {
	payment := order.Payment
	payment.Status = models.PaymentStatusFailed
	payment.FailureReason = reason
	if _, err := s.store.UpdatePayment(ctx, order.ID, payment); err != nil {
		s.logger.Error("Failed to persist failed initiation",
			zap.String("transaction_id", order.TransactionID), zap.Error(err))
	}
	util.OrdersFailedTotal.WithLabelValues("gateway").Inc()
	return apperr.Gateway(order.TransactionID, "payment initiation failed", nil)
}

// Reconcile merges one external payment-status observation into the order
// identified by correlationID. Callback data that has not been verified
// must not be passed in; hand in nil instead and the order's status is
// re-derived through an authenticated status check.
func (s *LifecycleService) Reconcile(ctx context.Context, correlationID, source string, verified *gateway.CallbackData) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "LifecycleService.Reconcile")
	defer span.End()

	order, err := s.store.GetOrderByTransactionID(ctx, correlationID)
	if err != nil {
		return nil, fmt.Errorf("order lookup failed: %w", err)
	}
	if order == nil {
		util.WithCorrelation(correlationID).Warn("Reconciliation for unknown order",
			zap.String("source", source))
		return nil, apperr.NotFound(correlationID, "unknown order")
	}

	// Completed is terminal and monotonic; a duplicate observation is a no-op.
	if order.Payment.Status == models.PaymentStatusCompleted {
		util.ReconciliationsTotal.WithLabelValues(source, "noop").Inc()
		return order, nil
	}

	// A checksum-valid callback can still be a replay captured from a
	// different order's payment. Its payload must name this order; anything
	// else is discarded and the status re-derived through an authenticated
	// poll.
	if verified != nil && verified.Data.MerchantTransactionID != order.TransactionID {
		util.ReconciliationsTotal.WithLabelValues(source, "callback_order_mismatch").Inc()
		util.WithCorrelation(correlationID).Warn("Callback names a different order, falling back to status poll",
			zap.String("callback_transaction_id", verified.Data.MerchantTransactionID))
		verified = nil
	}

	var observed observation
	if verified != nil {
		observed = observation{
			state:                verified.Data.State,
			gatewayTransactionID: verified.Data.TransactionID,
			paymentMethod:        verified.Data.PaymentInstrument.Type,
			amount:               verified.Data.Amount / 100,
		}
	} else {
		status, err := s.gateway.CheckStatus(ctx, order.MerchantOrderID)
		if err != nil {
			// A gateway failure is not a payment failure: leave the order
			// for the next poll or callback.
			util.ReconciliationsTotal.WithLabelValues(source, "gateway_error").Inc()
			return nil, err
		}
		observed = observation{
			state:                status.State,
			gatewayTransactionID: status.GatewayTransactionID,
			paymentMethod:        status.PaymentMethod,
			amount:               status.Amount,
		}
	}

	newStatus := s.mapProviderState(observed.state, correlationID)

	// A success observation whose amount does not match the order total is
	// never trusted; the order stays pending for manual review.
	if newStatus == models.PaymentStatusCompleted && observed.amount > 0 &&
		math.Abs(observed.amount-order.TotalAmount) > models.TotalEpsilon {
		util.ReconciliationsTotal.WithLabelValues(source, "amount_mismatch").Inc()
		util.WithCorrelation(correlationID).Error("Provider amount does not match order total",
			zap.Float64("observed", observed.amount),
			zap.Float64("expected", order.TotalAmount))
		return nil, apperr.Integrity(correlationID, "provider amount does not match order total")
	}

	// Re-read right before the write so a concurrent reconciliation is not
	// clobbered with stale fields.
	fresh, err := s.store.GetOrderByTransactionID(ctx, correlationID)
	if err != nil {
		return nil, fmt.Errorf("order re-read failed: %w", err)
	}
	if fresh == nil {
		return nil, apperr.NotFound(correlationID, "order disappeared during reconciliation")
	}
	if fresh.Payment.Status == models.PaymentStatusCompleted {
		util.ReconciliationsTotal.WithLabelValues(source, "noop").Inc()
		return fresh, nil
	}

	now := time.Now()
	payment := fresh.Payment
	payment.LastCheckedAt = &now

	switch newStatus {
	case models.PaymentStatusCompleted:
		payment.Status = models.PaymentStatusCompleted
		payment.GatewayTransactionID = observed.gatewayTransactionID
		payment.PaymentMethod = observed.paymentMethod
		payment.PaidAt = &now
		payment.FailureReason = ""
	case models.PaymentStatusFailed:
		payment.Status = models.PaymentStatusFailed
		payment.FailureReason = fmt.Sprintf("gateway reported %s", observed.state)
	case models.PaymentStatusProcessing:
		payment.Status = models.PaymentStatusProcessing
	default:
		// Unchanged; only the check timestamp moves.
	}

	updated, err := s.store.UpdatePayment(ctx, fresh.ID, payment)
	if err != nil {
		return nil, fmt.Errorf("failed to persist reconciliation: %w", err)
	}

	util.ReconciliationsTotal.WithLabelValues(source, newStatus).Inc()
	s.logger.Info("Reconciled order",
		zap.String("transaction_id", updated.TransactionID),
		zap.String("source", source),
		zap.String("status", newStatus))

	if models.IsTerminal(newStatus) {
		s.fireTerminalEvents(ctx, updated, newStatus)
	}
	return updated, nil
}

type observation struct {
	state                string
	gatewayTransactionID string
	paymentMethod        string
	amount               float64
}

// mapProviderState maps provider strings onto order statuses through a
// closed table. Unknown strings never map to a terminal state.
func (s *LifecycleService) mapProviderState(state, correlationID string) string {
	switch state {
	case "COMPLETED", "PAYMENT_SUCCESS":
		return models.PaymentStatusCompleted
	case "FAILED", "PAYMENT_ERROR":
		return models.PaymentStatusFailed
	case "PAYMENT_INITIATED", "PROCESSING":
		return models.PaymentStatusProcessing
	case "PENDING", "PAYMENT_PENDING", "":
		return models.PaymentStatusPending
	default:
		util.WithCorrelation(correlationID).Warn("Unknown provider state, treating as pending",
			zap.String("state", state))
		return models.PaymentStatusPending
	}
}

// fireTerminalEvents publishes the terminal-transition event exactly once
// per (order, status): the redis claim makes duplicate reconciliations a
// no-op here even when they race.
func (s *LifecycleService) fireTerminalEvents(ctx context.Context, order *models.Order, status string) {
	claimed, err := s.marker.ClaimReconciliation(ctx, order.TransactionID, status, reconcileClaimTTL)
	if err != nil {
		s.logger.Error("Reconciliation claim failed, skipping event publication",
			zap.String("transaction_id", order.TransactionID), zap.Error(err))
		return
	}
	if !claimed {
		return
	}

	base := models.BaseEvent{
		EventID:   uuid.New().String(),
		Timestamp: time.Now(),
	}
	switch status {
	case models.PaymentStatusCompleted:
		base.EventType = models.EventTypePaymentCompleted
		err = s.publisher.PublishPaymentCompleted(ctx, &models.PaymentCompletedEvent{
			BaseEvent:            base,
			OrderID:              order.ID,
			TransactionID:        order.TransactionID,
			MerchantOrderID:      order.MerchantOrderID,
			GatewayTransactionID: order.Payment.GatewayTransactionID,
			CustomerName:         order.CustomerName,
			CustomerEmail:        order.CustomerEmail,
			Amount:               order.TotalAmount,
			Items:                order.Items,
		})
	case models.PaymentStatusFailed:
		base.EventType = models.EventTypePaymentFailed
		err = s.publisher.PublishPaymentFailed(ctx, &models.PaymentFailedEvent{
			BaseEvent:     base,
			OrderID:       order.ID,
			TransactionID: order.TransactionID,
			CustomerEmail: order.CustomerEmail,
			Reason:        order.Payment.FailureReason,
		})
	}
	if err != nil {
		s.logger.Error("Failed to publish terminal event",
			zap.String("transaction_id", order.TransactionID),
			zap.String("status", status), zap.Error(err))
	}
}

// VerifyCallback delegates checksum verification to the gateway client.
func (s *LifecycleService) VerifyCallback(responseBody, checksum string) gateway.CallbackResult {
	return s.gateway.VerifyCallback(responseBody, checksum)
}

// GetOrder returns an order by either correlation id.
func (s *LifecycleService) GetOrder(ctx context.Context, correlationID string) (*models.Order, error) {
	order, err := s.store.GetOrderByTransactionID(ctx, correlationID)
	if err != nil {
		return nil, fmt.Errorf("order lookup failed: %w", err)
	}
	if order == nil {
		return nil, apperr.NotFound(correlationID, "order not found")
	}
	return order, nil
}

// RedirectURL maps a reconciliation outcome onto the frontend target page.
// The error page is reserved for lookup and verification failures; a
// legitimate pending or failed payment gets its own page.
func (s *LifecycleService) RedirectURL(order *models.Order, reconcileErr error) string {
	page := "payment-error"
	q := url.Values{}
	if reconcileErr == nil && order != nil {
		switch order.Payment.Status {
		case models.PaymentStatusCompleted:
			page = "payment-success"
		case models.PaymentStatusFailed, models.PaymentStatusCancelled:
			page = "payment-failed"
		default:
			page = "payment-pending"
		}
		q.Set("orderId", fmt.Sprintf("%d", order.ID))
		q.Set("transactionId", order.TransactionID)
	} else if order != nil {
		q.Set("orderId", fmt.Sprintf("%d", order.ID))
		q.Set("transactionId", order.TransactionID)
	}

	target := s.frontendBaseURL + "/" + page
	if encoded := q.Encode(); encoded != "" {
		target += "?" + encoded
	}
	return target
}

// newTransactionID builds the time-based internal correlation id used for
// callback correlation: TXN<unix millis><4-digit nonce>.
func newTransactionID() string {
	return fmt.Sprintf("TXN%d%04d", time.Now().UnixMilli(), rand.Intn(10000))
}

// newMerchantOrderID composes the merchant-facing correlation id from the
// lead product code, the last 4 digits of the phone, the current unix time
// and a 4-digit nonce. Collisions are accepted as negligible.
func newMerchantOrderID(productCode, phone string) string {
	suffix := phone
	if len(phone) > 4 {
		suffix = phone[len(phone)-4:]
	}
	code := strings.ToUpper(strings.ReplaceAll(productCode, "-", ""))
	if len(code) > 8 {
		code = code[:8]
	}
	return fmt.Sprintf("%s%s%d%04d", code, suffix, time.Now().Unix(), rand.Intn(10000))
}
