package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"storefront-service/internal/apperr"
	"storefront-service/internal/gateway"
	"storefront-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory OrderStore. Reads hand out copies, the way a
// real store does, so stale-copy bugs in the controller would surface.
type fakeStore struct {
	mu       sync.Mutex
	nextID   int64
	orders   map[int64]models.Order
	products map[string]models.Product

	createErr error
	onCreate  func(order models.Order)

	// lookups beyond this many reads miss; zero disables
	missAfterReads int
	reads          int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders:   make(map[int64]models.Order),
		products: make(map[string]models.Product),
	}
}

func (f *fakeStore) CreateOrder(ctx context.Context, order *models.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.nextID++
	order.ID = f.nextID
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	f.orders[order.ID] = *order
	if f.onCreate != nil {
		f.onCreate(*order)
	}
	return nil
}

func (f *fakeStore) GetOrderByTransactionID(ctx context.Context, correlationID string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.missAfterReads > 0 && f.reads > f.missAfterReads {
		return nil, nil
	}
	for _, o := range f.orders {
		if o.TransactionID == correlationID || o.MerchantOrderID == correlationID {
			copied := o
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) UpdatePayment(ctx context.Context, orderID int64, payment models.PaymentState) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order not found: %d", orderID)
	}
	o.Payment = payment
	o.UpdatedAt = time.Now()
	f.orders[orderID] = o
	copied := o
	return &copied, nil
}

func (f *fakeStore) GetProductByID(ctx context.Context, id string) (*models.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[id]
	if !ok {
		return nil, nil
	}
	copied := p
	return &copied, nil
}

type fakeGateway struct {
	initResult  *gateway.InitiationResult
	initErr     error
	initCalls   int
	statusState string
	statusErr   error
	statusCalls int
}

func (f *fakeGateway) InitiatePayment(ctx context.Context, req gateway.InitiationRequest) (*gateway.InitiationResult, error) {
	f.initCalls++
	if f.initErr != nil {
		return nil, f.initErr
	}
	if f.initResult != nil {
		return f.initResult, nil
	}
	return &gateway.InitiationResult{
		Success:         true,
		PaymentURL:      "https://pay.example/redirect",
		TransactionID:   req.TransactionID,
		MerchantOrderID: req.MerchantOrderID,
	}, nil
}

func (f *fakeGateway) CheckStatus(ctx context.Context, merchantOrderID string) (*gateway.StatusResult, error) {
	f.statusCalls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &gateway.StatusResult{
		State:                f.statusState,
		GatewayTransactionID: "GW-1",
		PaymentMethod:        "UPI",
	}, nil
}

func (f *fakeGateway) VerifyCallback(responseBody, checksum string) gateway.CallbackResult {
	return gateway.CallbackResult{Valid: false}
}

type fakeMarker struct {
	mu     sync.Mutex
	claims map[string]bool
	err    error
}

func newFakeMarker() *fakeMarker {
	return &fakeMarker{claims: make(map[string]bool)}
}

func (f *fakeMarker) ClaimReconciliation(ctx context.Context, transactionID, status string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	key := transactionID + ":" + status
	if f.claims[key] {
		return false, nil
	}
	f.claims[key] = true
	return true, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	created   int
	completed int
	failed    int
}

func (f *fakePublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return nil
}

func (f *fakePublisher) PublishPaymentCompleted(ctx context.Context, event *models.PaymentCompletedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed++
	return nil
}

func (f *fakePublisher) PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed++
	return nil
}

func newTestLifecycle(store *fakeStore, gw *fakeGateway, marker *fakeMarker, pub *fakePublisher) *LifecycleService {
	return NewLifecycleService(store, gw, marker, pub,
		"http://localhost:8080", "http://localhost:3000")
}

func validRequest() *CreateOrderRequest {
	return &CreateOrderRequest{
		CustomerName:  "Asha Kumar",
		CustomerEmail: "asha@example.com",
		CustomerPhone: "9999912345",
		Items: []OrderItemRequest{
			{ProductID: "P1", Name: "Course One", Price: 500, Quantity: 2},
		},
		TotalAmount: 1000,
	}
}

func TestCreateOrderRejectsTotalMismatch(t *testing.T) {
	store := newFakeStore()
	svc := newTestLifecycle(store, &fakeGateway{}, newFakeMarker(), &fakePublisher{})

	req := validRequest()
	req.TotalAmount = 999.90

	_, err := svc.CreateOrder(context.Background(), req)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Empty(t, store.orders, "no order may be persisted for invalid input")
}

func TestCreateOrderAcceptsTotalWithinEpsilon(t *testing.T) {
	store := newFakeStore()
	svc := newTestLifecycle(store, &fakeGateway{}, newFakeMarker(), &fakePublisher{})

	req := validRequest()
	req.TotalAmount = 1000.009

	resp, err := svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.PaymentURL)
}

func TestCreateOrderRejectsBadItems(t *testing.T) {
	store := newFakeStore()
	svc := newTestLifecycle(store, &fakeGateway{}, newFakeMarker(), &fakePublisher{})

	cases := []func(*CreateOrderRequest){
		func(r *CreateOrderRequest) { r.Items = nil },
		func(r *CreateOrderRequest) { r.Items[0].Price = 0 },
		func(r *CreateOrderRequest) { r.Items[0].Quantity = -1 },
		func(r *CreateOrderRequest) { r.Items[0].ProductID = "" },
		func(r *CreateOrderRequest) { r.CustomerPhone = "123" },
	}
	for i, mutate := range cases {
		req := validRequest()
		mutate(req)
		_, err := svc.CreateOrder(context.Background(), req)
		require.Errorf(t, err, "case %d", i)
		assert.True(t, apperr.Is(err, apperr.KindValidation), "case %d", i)
	}
}

func TestCreateOrderPersistsPendingBeforeGatewayCall(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{}
	var persistedAtInit bool
	store.onCreate = func(models.Order) {
		persistedAtInit = gw.initCalls == 0
	}
	svc := newTestLifecycle(store, gw, newFakeMarker(), &fakePublisher{})

	resp, err := svc.CreateOrder(context.Background(), validRequest())
	require.NoError(t, err)
	assert.True(t, persistedAtInit, "order row must exist before the gateway is contacted")
	assert.Equal(t, models.PaymentStatusPending, resp.Status)
	assert.Regexp(t, `^TXN\d+$`, resp.TransactionID)
	assert.Contains(t, resp.MerchantOrderID, "P1")
	assert.Contains(t, resp.MerchantOrderID, "2345") // phone suffix
}

func TestCreateOrderGatewayFailureLeavesAuditRow(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{initResult: &gateway.InitiationResult{
		Success: false,
		Error:   "provider rejected the payment",
	}}
	svc := newTestLifecycle(store, gw, newFakeMarker(), &fakePublisher{})

	_, err := svc.CreateOrder(context.Background(), validRequest())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindGateway))

	require.Len(t, store.orders, 1)
	for _, order := range store.orders {
		assert.Equal(t, models.PaymentStatusFailed, order.Payment.Status)
		assert.Equal(t, "provider rejected the payment", order.Payment.FailureReason)
	}
}

func seedPendingOrder(t *testing.T, store *fakeStore) models.Order {
	t.Helper()
	order := models.Order{
		TransactionID:   "TXN17000000000001234",
		MerchantOrderID: "P1234517000000001111",
		CustomerName:    "Asha Kumar",
		CustomerEmail:   "asha@example.com",
		CustomerPhone:   "9999912345",
		Items:           models.OrderItems{{ProductID: "P1", Name: "Course One", Price: 500, Quantity: 2}},
		TotalAmount:     1000,
		Payment: models.PaymentState{
			Gateway:         models.GatewayName,
			TransactionID:   "TXN17000000000001234",
			MerchantOrderID: "P1234517000000001111",
			Amount:          1000,
			Status:          models.PaymentStatusPending,
		},
	}
	require.NoError(t, store.CreateOrder(context.Background(), &order))
	return order
}

func TestReconcileCompletesOrder(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{statusState: "COMPLETED"}
	pub := &fakePublisher{}
	svc := newTestLifecycle(store, gw, newFakeMarker(), pub)
	order := seedPendingOrder(t, store)

	updated, err := svc.Reconcile(context.Background(), order.TransactionID, SourcePoll, nil)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, updated.Payment.Status)
	require.NotNil(t, updated.Payment.PaidAt)
	assert.Equal(t, "GW-1", updated.Payment.GatewayTransactionID)
	assert.Equal(t, "UPI", updated.Payment.PaymentMethod)
	assert.NotNil(t, updated.Payment.LastCheckedAt)
	assert.Equal(t, 1, pub.completed)
}

func TestReconcileIsIdempotent(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{statusState: "COMPLETED"}
	pub := &fakePublisher{}
	svc := newTestLifecycle(store, gw, newFakeMarker(), pub)
	order := seedPendingOrder(t, store)

	first, err := svc.Reconcile(context.Background(), order.TransactionID, SourcePoll, nil)
	require.NoError(t, err)
	second, err := svc.Reconcile(context.Background(), order.TransactionID, SourceCallback, nil)
	require.NoError(t, err)

	assert.Equal(t, first.Payment.Status, second.Payment.Status)
	assert.Equal(t, first.Payment.PaidAt.Unix(), second.Payment.PaidAt.Unix())
	assert.Equal(t, 1, pub.completed, "duplicate reconciliation must not re-fire events")
	assert.Equal(t, 1, gw.statusCalls, "a completed order needs no further status checks")
}

func TestReconcileCompletedIsMonotonic(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{statusState: "COMPLETED"}
	pub := &fakePublisher{}
	svc := newTestLifecycle(store, gw, newFakeMarker(), pub)
	order := seedPendingOrder(t, store)

	_, err := svc.Reconcile(context.Background(), order.TransactionID, SourcePoll, nil)
	require.NoError(t, err)

	// A later, contradictory observation must not downgrade the order.
	gw.statusState = "FAILED"
	updated, err := svc.Reconcile(context.Background(), order.TransactionID, SourcePoll, nil)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, updated.Payment.Status)
	assert.Equal(t, 0, pub.failed)
}

func TestReconcileFailedOrder(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{statusState: "FAILED"}
	pub := &fakePublisher{}
	svc := newTestLifecycle(store, gw, newFakeMarker(), pub)
	order := seedPendingOrder(t, store)

	updated, err := svc.Reconcile(context.Background(), order.TransactionID, SourceCallback, nil)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, updated.Payment.Status)
	assert.NotEmpty(t, updated.Payment.FailureReason)
	assert.Nil(t, updated.Payment.PaidAt)
	assert.Equal(t, 1, pub.failed)
}

func TestReconcileInitiatedStateMovesToProcessing(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{statusState: "PAYMENT_INITIATED"}
	pub := &fakePublisher{}
	svc := newTestLifecycle(store, gw, newFakeMarker(), pub)
	order := seedPendingOrder(t, store)

	updated, err := svc.Reconcile(context.Background(), order.TransactionID, SourcePoll, nil)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusProcessing, updated.Payment.Status)
	assert.Equal(t, 0, pub.completed+pub.failed, "processing is not terminal")

	// A later success observation completes the order as usual.
	gw.statusState = "COMPLETED"
	updated, err = svc.Reconcile(context.Background(), order.TransactionID, SourcePoll, nil)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, updated.Payment.Status)
}

func TestReconcileUnknownProviderStateStaysPending(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{statusState: "SOMETHING_NEW"}
	svc := newTestLifecycle(store, gw, newFakeMarker(), &fakePublisher{})
	order := seedPendingOrder(t, store)

	updated, err := svc.Reconcile(context.Background(), order.TransactionID, SourcePoll, nil)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, updated.Payment.Status)
	assert.NotNil(t, updated.Payment.LastCheckedAt)
}

func TestReconcileOrderVanishingBetweenReadsIsNotFound(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{statusState: "COMPLETED"}
	svc := newTestLifecycle(store, gw, newFakeMarker(), &fakePublisher{})
	order := seedPendingOrder(t, store)

	// The order resolves on the first read but is gone by the pre-write
	// re-read.
	store.missAfterReads = 1

	_, err := svc.Reconcile(context.Background(), order.TransactionID, SourcePoll, nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.NotContains(t, err.Error(), "%!w", "no nil error may be wrapped")
}

func TestReconcileUnknownOrderIsNoOp(t *testing.T) {
	store := newFakeStore()
	svc := newTestLifecycle(store, &fakeGateway{}, newFakeMarker(), &fakePublisher{})

	_, err := svc.Reconcile(context.Background(), "TXN404", SourceCallback, nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestReconcileGatewayErrorLeavesOrderPending(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{statusErr: apperr.Gateway("MO1", "status check failed", nil)}
	svc := newTestLifecycle(store, gw, newFakeMarker(), &fakePublisher{})
	order := seedPendingOrder(t, store)

	_, err := svc.Reconcile(context.Background(), order.TransactionID, SourcePoll, nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindGateway))

	current, err := svc.GetOrder(context.Background(), order.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, current.Payment.Status,
		"a gateway failure is not a payment failure")
}

func TestReconcileVerifiedCallbackSkipsStatusPoll(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{}
	pub := &fakePublisher{}
	svc := newTestLifecycle(store, gw, newFakeMarker(), pub)
	order := seedPendingOrder(t, store)

	verified := &gateway.CallbackData{Code: "PAYMENT_SUCCESS"}
	verified.Data.MerchantTransactionID = order.TransactionID
	verified.Data.TransactionID = "GW-9"
	verified.Data.State = "COMPLETED"
	verified.Data.PaymentInstrument.Type = "CARD"

	updated, err := svc.Reconcile(context.Background(), order.TransactionID, SourceCallback, verified)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, updated.Payment.Status)
	assert.Equal(t, "GW-9", updated.Payment.GatewayTransactionID)
	assert.Equal(t, "CARD", updated.Payment.PaymentMethod)
	assert.Equal(t, 0, gw.statusCalls, "verified callback data needs no poll")
}

func TestReconcileIgnoresCallbackForDifferentOrder(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{} // provider still reports no state for this order
	pub := &fakePublisher{}
	svc := newTestLifecycle(store, gw, newFakeMarker(), pub)
	order := seedPendingOrder(t, store)

	// A captured success callback from another order's payment, replayed
	// at this order's callback URL. The checksum holds, the amounts match,
	// but the payload names the other order.
	verified := &gateway.CallbackData{Code: "PAYMENT_SUCCESS"}
	verified.Data.MerchantTransactionID = "TXN9999999999990000"
	verified.Data.State = "COMPLETED"
	verified.Data.Amount = 100000

	updated, err := svc.Reconcile(context.Background(), order.TransactionID, SourceCallback, verified)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, updated.Payment.Status,
		"a replayed callback must never complete a different order")
	assert.Equal(t, 1, gw.statusCalls, "the mismatched payload is advisory only")
	assert.Equal(t, 0, pub.completed)
}

func TestReconcileRejectsAmountMismatch(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	svc := newTestLifecycle(store, &fakeGateway{}, newFakeMarker(), pub)
	order := seedPendingOrder(t, store)

	verified := &gateway.CallbackData{Code: "PAYMENT_SUCCESS"}
	verified.Data.MerchantTransactionID = order.TransactionID
	verified.Data.State = "COMPLETED"
	verified.Data.Amount = 50000 // 500.00, half the order total

	_, err := svc.Reconcile(context.Background(), order.TransactionID, SourceCallback, verified)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindIntegrity))
	assert.Equal(t, 0, pub.completed)

	current, err := svc.GetOrder(context.Background(), order.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, current.Payment.Status,
		"a mismatched amount must never complete the order")
}

func TestReconcileUnverifiedCallbackFallsBackToPoll(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{statusState: "COMPLETED"}
	svc := newTestLifecycle(store, gw, newFakeMarker(), &fakePublisher{})
	order := seedPendingOrder(t, store)

	// nil callback data stands for "authenticity not established".
	updated, err := svc.Reconcile(context.Background(), order.TransactionID, SourceCallback, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, gw.statusCalls)
	assert.Equal(t, models.PaymentStatusCompleted, updated.Payment.Status)
}

func TestRedirectURLMapping(t *testing.T) {
	svc := newTestLifecycle(newFakeStore(), &fakeGateway{}, newFakeMarker(), &fakePublisher{})

	order := &models.Order{ID: 7, TransactionID: "TXN1"}

	order.Payment.Status = models.PaymentStatusCompleted
	assert.Contains(t, svc.RedirectURL(order, nil), "/payment-success?")

	order.Payment.Status = models.PaymentStatusFailed
	assert.Contains(t, svc.RedirectURL(order, nil), "/payment-failed?")

	order.Payment.Status = models.PaymentStatusCancelled
	assert.Contains(t, svc.RedirectURL(order, nil), "/payment-failed?")

	order.Payment.Status = models.PaymentStatusPending
	url := svc.RedirectURL(order, nil)
	assert.Contains(t, url, "/payment-pending?")
	assert.Contains(t, url, "orderId=7")
	assert.Contains(t, url, "transactionId=TXN1")

	assert.Contains(t, svc.RedirectURL(nil, apperr.NotFound("TXN404", "unknown order")),
		"/payment-error")
	assert.Contains(t, svc.RedirectURL(order, apperr.Gateway("TXN1", "boom", nil)),
		"/payment-error")
}

func TestValidTransactionID(t *testing.T) {
	assert.True(t, ValidTransactionID("TXN17000000000001234"))
	assert.False(t, ValidTransactionID("TXN"))
	assert.False(t, ValidTransactionID("ORDER-1"))
	assert.False(t, ValidTransactionID("TXN12abc"))
	assert.False(t, ValidTransactionID("../etc/passwd"))
}

func TestMerchantOrderIDComposition(t *testing.T) {
	id := newMerchantOrderID("p-1", "9876543210")
	assert.Contains(t, id, "P1")
	assert.Contains(t, id, "3210")
	assert.GreaterOrEqual(t, len(id), len("P1")+4+10+4)
}
