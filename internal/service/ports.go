package service

import (
	"context"
	"time"

	"storefront-service/internal/gateway"
	"storefront-service/internal/models"
)

// OrderStore is the record-store contract the lifecycle controller depends
// on. Lookups return nil, nil when the order is absent; UpdatePayment is a
// single-row atomic replace of the payment sub-record.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByTransactionID(ctx context.Context, correlationID string) (*models.Order, error)
	UpdatePayment(ctx context.Context, orderID int64, payment models.PaymentState) (*models.Order, error)
	GetProductByID(ctx context.Context, id string) (*models.Product, error)
}

// PaymentGateway is the provider-facing contract.
type PaymentGateway interface {
	InitiatePayment(ctx context.Context, req gateway.InitiationRequest) (*gateway.InitiationResult, error)
	CheckStatus(ctx context.Context, merchantOrderID string) (*gateway.StatusResult, error)
	VerifyCallback(responseBody, checksum string) gateway.CallbackResult
}

// ReconcileMarker claims the side effects of a terminal transition exactly
// once across concurrent and repeated reconciliations.
type ReconcileMarker interface {
	ClaimReconciliation(ctx context.Context, transactionID, status string, ttl time.Duration) (bool, error)
}

// EventPublisher emits order lifecycle events.
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishPaymentCompleted(ctx context.Context, event *models.PaymentCompletedEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
}

// URLSigner mints a time-boxed retrieval URL for one stored object.
type URLSigner interface {
	Sign(objectKey string, ttl time.Duration) (string, error)
}
