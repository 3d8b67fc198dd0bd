package models

import "time"

// Event types
const (
	EventTypeOrderCreated     = "ORDER_CREATED"
	EventTypePaymentCompleted = "PAYMENT_COMPLETED"
	EventTypePaymentFailed    = "PAYMENT_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published when a pending order is persisted
type OrderCreatedEvent struct {
	BaseEvent
	OrderID         int64   `json:"order_id"`
	TransactionID   string  `json:"transaction_id"`
	MerchantOrderID string  `json:"merchant_order_id"`
	CustomerEmail   string  `json:"customer_email"`
	TotalAmount     float64 `json:"total_amount"`
}

// PaymentCompletedEvent published on the first transition to completed.
// The notification worker consumes it to send the order confirmation.
type PaymentCompletedEvent struct {
	BaseEvent
	OrderID              int64       `json:"order_id"`
	TransactionID        string      `json:"transaction_id"`
	MerchantOrderID      string      `json:"merchant_order_id"`
	GatewayTransactionID string      `json:"gateway_transaction_id"`
	CustomerName         string      `json:"customer_name"`
	CustomerEmail        string      `json:"customer_email"`
	Amount               float64     `json:"amount"`
	Items                []OrderItem `json:"items"`
}

// PaymentFailedEvent published on the first transition to failed
type PaymentFailedEvent struct {
	BaseEvent
	OrderID       int64  `json:"order_id"`
	TransactionID string `json:"transaction_id"`
	CustomerEmail string `json:"customer_email"`
	Reason        string `json:"reason"`
}
