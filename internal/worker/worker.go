package worker

import (
	"context"
	"encoding/json"

	"storefront-service/internal/broker"
	"storefront-service/internal/models"
	"storefront-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Notifier delivers customer-facing notifications. Rendering and transport
// live outside this service.
type Notifier interface {
	PaymentConfirmed(ctx context.Context, event *models.PaymentCompletedEvent) error
	PaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
}

// ProcessedEventStore remembers handled event ids so a redelivered message
// never notifies twice.
type ProcessedEventStore interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// NotificationWorker consumes terminal payment events and triggers the
// order confirmation / failure notifications.
type NotificationWorker struct {
	consumer *broker.Consumer
	store    ProcessedEventStore
	notifier Notifier
	logger   *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer, store ProcessedEventStore, notifier Notifier) *NotificationWorker {
	return &NotificationWorker{
		consumer: consumer,
		store:    store,
		notifier: notifier,
		logger:   util.GetLogger(),
	}
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.handleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}

func (w *NotificationWorker) handleMessage(ctx context.Context, msg kafka.Message) error {
	var base models.BaseEvent
	if err := json.Unmarshal(msg.Value, &base); err != nil {
		w.logger.Error("Failed to unmarshal event", zap.Error(err))
		// Poison message; committing it is the only way forward.
		return nil
	}

	if base.EventType != models.EventTypePaymentCompleted &&
		base.EventType != models.EventTypePaymentFailed {
		return nil
	}

	processed, err := w.store.IsEventProcessed(ctx, base.EventID)
	if err != nil {
		return err
	}
	if processed {
		w.logger.Info("Skipping already-processed event",
			zap.String("event_id", base.EventID),
			zap.String("event_type", base.EventType))
		return nil
	}

	switch base.EventType {
	case models.EventTypePaymentCompleted:
		var event models.PaymentCompletedEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			return err
		}
		if err := w.notifier.PaymentConfirmed(ctx, &event); err != nil {
			return err
		}
	case models.EventTypePaymentFailed:
		var event models.PaymentFailedEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			return err
		}
		if err := w.notifier.PaymentFailed(ctx, &event); err != nil {
			return err
		}
	}

	return w.store.MarkEventProcessed(ctx, base.EventID, base.EventType)
}

// LogNotifier is the default Notifier: it records the notification intent
// and leaves delivery to the downstream mail collaborator.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: util.GetLogger()}
}

func (n *LogNotifier) PaymentConfirmed(ctx context.Context, event *models.PaymentCompletedEvent) error {
	n.logger.Info("Order confirmation notification",
		zap.String("transaction_id", event.TransactionID),
		zap.String("customer_email", event.CustomerEmail),
		zap.Float64("amount", event.Amount))
	return nil
}

func (n *LogNotifier) PaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	n.logger.Info("Payment failure notification",
		zap.String("transaction_id", event.TransactionID),
		zap.String("customer_email", event.CustomerEmail),
		zap.String("reason", event.Reason))
	return nil
}
