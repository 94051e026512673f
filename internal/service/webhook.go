package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stripe/stripe-go/v72"

	"github.com/resultrx/backend/internal/models"
	"github.com/resultrx/backend/pkg/logger"
)

// WebhookStore holds the entitlement mutations driven by payment events.
// All of them tolerate redelivery: the credit grant is deduplicated by
// checkout session id, subscription writes are last-write-wins by event
// timestamp.
type WebhookStore interface {
	GrantCreditForSession(ctx context.Context, userID, sessionID string) (bool, error)
	SetSubscription(ctx context.Context, userID string, sub models.Subscription, eventTime time.Time) error
	UpdatePaymentStatus(ctx context.Context, stripeSessionID, status string) error
}

// PaymentGateway verifies payloads and maps purchased prices to plans.
type PaymentGateway interface {
	VerifyWebhookSignature(payload []byte, sig string) (stripe.Event, error)
	PlanFromPriceID(priceID string) string
}

type WebhookService struct {
	store   WebhookStore
	gateway PaymentGateway
	logger  *logger.Logger
}

func NewWebhookService(store WebhookStore, gateway PaymentGateway, l *logger.Logger) *WebhookService {
	return &WebhookService{
		store:   store,
		gateway: gateway,
		logger:  l,
	}
}

// HandleEvent verifies and processes one payment processor notification.
// An invalid signature aborts before any mutation. Events that carry no
// user id are acknowledged without acting; unknown event types are logged
// and acknowledged, since the processor retries anything else.
func (s *WebhookService) HandleEvent(ctx context.Context, payload []byte, sigHeader string) error {
	event, err := s.gateway.VerifyWebhookSignature(payload, sigHeader)
	if err != nil {
		return models.ErrInvalidSignature(err)
	}

	switch event.Type {
	case "checkout.session.completed":
		return s.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.created", "customer.subscription.updated":
		return s.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		return s.handleSubscriptionDeleted(ctx, event)
	default:
		s.logger.Info("Unhandled webhook event type", "type", event.Type)
		return nil
	}
}

func (s *WebhookService) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return models.ErrInternal("failed to parse checkout session", err)
	}

	userID := session.Metadata["userId"]
	if userID == "" {
		userID = session.ClientReferenceID
	}
	if userID == "" {
		s.logger.Warn("Checkout session completed without a user id", "sessionID", session.ID)
		return nil
	}

	if session.Mode == stripe.CheckoutSessionModeSubscription {
		// Subscription checkouts grant no credits; the subscription
		// lifecycle events carry the entitlement change.
		return nil
	}

	granted, err := s.store.GrantCreditForSession(ctx, userID, session.ID)
	if err != nil {
		return models.ErrInternal("failed to grant credit", err)
	}
	if !granted {
		s.logger.Info("Duplicate checkout webhook ignored", "sessionID", session.ID)
		return nil
	}

	if err := s.store.UpdatePaymentStatus(ctx, session.ID, "completed"); err != nil {
		s.logger.Error("Failed to mark payment completed", "error", err, "sessionID", session.ID)
	}

	s.logger.Info("Credit granted", "userID", userID, "sessionID", session.ID)
	return nil
}

func (s *WebhookService) handleSubscriptionUpdated(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return models.ErrInternal("failed to parse subscription", err)
	}

	userID := sub.Metadata["userId"]
	if userID == "" {
		s.logger.Warn("Subscription event without a user id", "subscriptionID", sub.ID)
		return nil
	}

	priceID := ""
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		priceID = sub.Items.Data[0].Price.ID
	}

	periodEnd := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	update := models.Subscription{
		Plan:             s.gateway.PlanFromPriceID(priceID),
		Status:           string(sub.Status),
		CurrentPeriodEnd: &periodEnd,
	}

	if err := s.store.SetSubscription(ctx, userID, update, time.Unix(event.Created, 0).UTC()); err != nil {
		return models.ErrInternal("failed to update subscription", err)
	}

	s.logger.Info("Subscription updated", "userID", userID, "plan", update.Plan, "status", update.Status)
	return nil
}

func (s *WebhookService) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return models.ErrInternal("failed to parse subscription", err)
	}

	userID := sub.Metadata["userId"]
	if userID == "" {
		s.logger.Warn("Subscription deletion without a user id", "subscriptionID", sub.ID)
		return nil
	}

	update := models.Subscription{
		Plan:   models.PlanFree,
		Status: models.StatusCanceled,
	}

	if err := s.store.SetSubscription(ctx, userID, update, time.Unix(event.Created, 0).UTC()); err != nil {
		return models.ErrInternal("failed to cancel subscription", err)
	}

	s.logger.Info("Subscription canceled", "userID", userID)
	return nil
}
