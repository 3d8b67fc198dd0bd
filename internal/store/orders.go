package store

import (
	"context"
	"database/sql"
	"fmt"

	"storefront-service/internal/models"
)

// CreateOrder atomically inserts an order and fills in the store-assigned
// id and timestamps.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (
			transaction_id, merchant_order_id,
			customer_name, customer_email, customer_phone,
			items, total_amount, payment
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		order.TransactionID, order.MerchantOrderID,
		order.CustomerName, order.CustomerEmail, order.CustomerPhone,
		order.Items, order.TotalAmount, order.Payment,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
}

// GetOrderByTransactionID looks an order up by either correlation key
// (transaction id or merchant order id). Absence is nil, nil so callers
// can distinguish a miss from a store failure.
func (s *Store) GetOrderByTransactionID(ctx context.Context, correlationID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT * FROM orders WHERE transaction_id = $1 OR merchant_order_id = $1",
		correlationID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdatePayment replaces the payment sub-record of one order as a single
// atomic write and returns the updated row. Other readers never observe a
// partially written payment value.
func (s *Store) UpdatePayment(ctx context.Context, orderID int64, payment models.PaymentState) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"UPDATE orders SET payment = $1, updated_at = NOW() WHERE id = $2 RETURNING *",
		payment, orderID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order not found: %d", orderID)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}
