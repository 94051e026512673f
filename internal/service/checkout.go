package service

import (
	"context"

	"github.com/resultrx/backend/internal/models"
	"github.com/resultrx/backend/internal/payment"
	"github.com/resultrx/backend/pkg/logger"
)

type CheckoutGateway interface {
	CreateCheckoutSession(userID, successURL, cancelURL, priceID string) (string, string, error)
}

type PaymentStore interface {
	SavePayment(ctx context.Context, p *models.Payment) error
}

type CheckoutService struct {
	gateway CheckoutGateway
	store   PaymentStore
	logger  *logger.Logger
}

func NewCheckoutService(gateway CheckoutGateway, store PaymentStore, l *logger.Logger) *CheckoutService {
	return &CheckoutService{gateway: gateway, store: store, logger: l}
}

// CreateCheckout opens a checkout session for the user and records the
// pending payment. An empty priceID buys a single credit; a priceID
// starts a subscription.
func (s *CheckoutService) CreateCheckout(ctx context.Context, userID, successURL, cancelURL, priceID string) (string, string, error) {
	sessionID, checkoutURL, err := s.gateway.CreateCheckoutSession(userID, successURL, cancelURL, priceID)
	if err != nil {
		return "", "", models.ErrInternal("failed to create checkout session", err)
	}

	if priceID == "" {
		p := &models.Payment{
			UserID:          userID,
			Amount:          payment.CreditPriceCents,
			Currency:        "usd",
			StripeSessionID: sessionID,
			Status:          "pending",
		}
		if err := s.store.SavePayment(ctx, p); err != nil {
			// Not fatal for the user: the webhook grant does not depend
			// on this row.
			s.logger.Error("Failed to save payment record", "error", err, "sessionID", sessionID)
		}
	}

	return sessionID, checkoutURL, nil
}
