package service

import (
	"context"
	"fmt"
	"time"

	"storefront-service/internal/apperr"
	"storefront-service/internal/models"
	"storefront-service/internal/util"

	"go.uber.org/zap"
)

// DownloadService gates artifact access on the reconciled payment state
// and mints short-lived signed retrieval handles.
type DownloadService struct {
	store    OrderStore
	signer   URLSigner
	grantTTL time.Duration
}

func NewDownloadService(store OrderStore, signer URLSigner, grantTTL time.Duration) *DownloadService {
	if grantTTL <= 0 {
		grantTTL = 60 * time.Second
	}
	return &DownloadService{
		store:    store,
		signer:   signer,
		grantTTL: grantTTL,
	}
}

// Authorize checks that productID belongs to a completed order identified
// by correlationID and mints a signed grant for its stored artifact. The
// completed-order check is the sole payment gate; nothing downstream of a
// grant re-checks payment.
func (s *DownloadService) Authorize(ctx context.Context, productID, correlationID string) (*models.DownloadGrant, error) {
	ctx, span := util.StartSpan(ctx, "DownloadService.Authorize")
	defer span.End()

	if productID == "" || correlationID == "" {
		util.DownloadsDeniedTotal.WithLabelValues("missing_input").Inc()
		return nil, apperr.Validation("product id and order id are required")
	}

	order, err := s.store.GetOrderByTransactionID(ctx, correlationID)
	if err != nil {
		return nil, fmt.Errorf("order lookup failed: %w", err)
	}
	if order == nil {
		util.DownloadsDeniedTotal.WithLabelValues("order_not_found").Inc()
		return nil, apperr.NotFound(correlationID, "order not found")
	}

	if order.Payment.Status != models.PaymentStatusCompleted {
		util.DownloadsDeniedTotal.WithLabelValues("not_paid").Inc()
		util.WithCorrelation(correlationID).Warn("Download denied: payment not completed",
			zap.String("status", order.Payment.Status))
		return nil, apperr.Authorization(correlationID, "payment not completed")
	}

	if !order.HasProduct(productID) {
		util.DownloadsDeniedTotal.WithLabelValues("product_mismatch").Inc()
		util.WithCorrelation(correlationID).Warn("Download denied: product not in order",
			zap.String("product_id", productID))
		return nil, apperr.Authorization(correlationID, "product not part of this order")
	}

	product, err := s.store.GetProductByID(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("product lookup failed: %w", err)
	}
	if product == nil {
		util.DownloadsDeniedTotal.WithLabelValues("product_not_found").Inc()
		return nil, apperr.NotFound(correlationID, "product not found")
	}
	if product.DownloadFile == "" {
		// The order is fine; the catalog entry is missing its storage key.
		return nil, apperr.Configuration(
			fmt.Sprintf("product %s has no download file configured", productID))
	}

	signedURL, err := s.signer.Sign(product.DownloadFile, s.grantTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign download url: %w", err)
	}

	util.DownloadsAuthorizedTotal.Inc()
	util.WithCorrelation(correlationID).Info("Download grant issued",
		zap.String("product_id", productID))

	return &models.DownloadGrant{
		ProductID: productID,
		SignedURL: signedURL,
		ExpiresIn: int(s.grantTTL.Seconds()),
	}, nil
}
