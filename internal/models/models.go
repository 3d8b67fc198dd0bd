package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Payment statuses. Completed is monotonic: once an order reaches it, no
// later reconciliation may downgrade it.
const (
	PaymentStatusPending    = "pending"
	PaymentStatusProcessing = "processing"
	PaymentStatusCompleted  = "completed"
	PaymentStatusFailed     = "failed"
	PaymentStatusCancelled  = "cancelled"
)

// GatewayName identifies the payment provider in persisted payment records.
const GatewayName = "phonepe"

// TotalEpsilon is the tolerance when checking an order total against the
// sum of its line items.
const TotalEpsilon = 0.01

// IsTerminal reports whether a payment status admits no further organic
// transition.
func IsTerminal(status string) bool {
	return status == PaymentStatusCompleted ||
		status == PaymentStatusFailed ||
		status == PaymentStatusCancelled
}

// Order represents one checkout attempt. Items are immutable after
// creation; the payment sub-record is the only part mutated afterwards,
// always as a whole-value replace.
type Order struct {
	ID              int64        `db:"id" json:"id"`
	TransactionID   string       `db:"transaction_id" json:"transaction_id"`
	MerchantOrderID string       `db:"merchant_order_id" json:"merchant_order_id"`
	CustomerName    string       `db:"customer_name" json:"customer_name"`
	CustomerEmail   string       `db:"customer_email" json:"customer_email"`
	CustomerPhone   string       `db:"customer_phone" json:"customer_phone"`
	Items           OrderItems   `db:"items" json:"items"`
	TotalAmount     float64      `db:"total_amount" json:"total_amount"`
	Payment         PaymentState `db:"payment" json:"payment"`
	CreatedAt       time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at" json:"updated_at"`
}

// HasProduct reports whether productID appears among the order's line items.
func (o *Order) HasProduct(productID string) bool {
	for _, item := range o.Items {
		if item.ProductID == productID {
			return true
		}
	}
	return false
}

// ItemsTotal sums price×quantity over the line items.
func (o *Order) ItemsTotal() float64 {
	var total float64
	for _, item := range o.Items {
		total += item.Price * float64(item.Quantity)
	}
	return total
}

// TotalMatches checks the declared total against the line items within
// TotalEpsilon.
func (o *Order) TotalMatches() bool {
	return math.Abs(o.ItemsTotal()-o.TotalAmount) <= TotalEpsilon
}

// OrderItem is one line of an order.
type OrderItem struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	Quantity  int     `json:"quantity"`
}

// OrderItems is stored as a single JSONB column.
type OrderItems []OrderItem

func (items OrderItems) Value() (driver.Value, error) {
	return json.Marshal(items)
}

func (items *OrderItems) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, items)
	case string:
		return json.Unmarshal([]byte(v), items)
	case nil:
		*items = nil
		return nil
	}
	return fmt.Errorf("cannot scan %T into OrderItems", src)
}

// PaymentState is the payment sub-record embedded in an order. It is
// persisted as one JSONB value and replaced atomically by UpdatePayment.
type PaymentState struct {
	Gateway              string     `json:"gateway"`
	TransactionID        string     `json:"transaction_id"`
	MerchantOrderID      string     `json:"merchant_order_id"`
	Amount               float64    `json:"amount"`
	Status               string     `json:"status"`
	PaymentURL           string     `json:"payment_url,omitempty"`
	GatewayTransactionID string     `json:"gateway_transaction_id,omitempty"`
	PaymentMethod        string     `json:"payment_method,omitempty"`
	PaidAt               *time.Time `json:"paid_at,omitempty"`
	FailureReason        string     `json:"failure_reason,omitempty"`
	LastCheckedAt        *time.Time `json:"last_checked_at,omitempty"`
}

func (p PaymentState) Value() (driver.Value, error) {
	return json.Marshal(p)
}

func (p *PaymentState) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	case nil:
		*p = PaymentState{}
		return nil
	}
	return fmt.Errorf("cannot scan %T into PaymentState", src)
}

// Product is a catalog entry. DownloadFile is the object key of the digital
// artifact under the storage root; empty means the product has no
// downloadable file.
type Product struct {
	ID           string    `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	Price        float64   `db:"price" json:"price"`
	DownloadFile string    `db:"download_file" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// DownloadGrant is an ephemeral, never persisted signed retrieval handle.
type DownloadGrant struct {
	ProductID string `json:"product_id"`
	SignedURL string `json:"signed_url"`
	ExpiresIn int    `json:"expires_in"`
}

// ProcessedEvent records a consumed event id for worker idempotency.
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
