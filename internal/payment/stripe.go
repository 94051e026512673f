package payment

import (
	"fmt"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/checkout/session"
	"github.com/stripe/stripe-go/v72/webhook"

	"github.com/resultrx/backend/internal/models"
)

// CreditPriceCents is the one-time price of a single explanation credit,
// used when no credit price is configured in Stripe.
const CreditPriceCents = 999

type StripeClient struct {
	secretKey     string
	webhookSecret string
	proPriceID    string
	creditPriceID string
}

func NewStripeClient(config struct {
	SecretKey     string
	WebhookKey    string
	ProPriceID    string
	CreditPriceID string
}) *StripeClient {
	stripe.Key = config.SecretKey

	return &StripeClient{
		secretKey:     config.SecretKey,
		webhookSecret: config.WebhookKey,
		proPriceID:    config.ProPriceID,
		creditPriceID: config.CreditPriceID,
	}
}

func (s *StripeClient) GetWebhookSecret() string {
	return s.webhookSecret
}

// PlanFromPriceID maps a purchased price to a subscription plan. Unknown
// prices stay on the free plan.
func (s *StripeClient) PlanFromPriceID(priceID string) string {
	if priceID != "" && priceID == s.proPriceID {
		return models.PlanPro
	}
	return models.PlanFree
}

// CreateCheckoutSession opens a Stripe-hosted checkout. With an empty
// priceID it sells a single explanation credit as a one-time payment;
// with a priceID it opens a subscription checkout for that price.
func (s *StripeClient) CreateCheckoutSession(userID, successURL, cancelURL, priceID string) (string, string, error) {
	if stripe.Key != s.secretKey {
		stripe.Key = s.secretKey
	}

	sess, err := session.New(s.checkoutParams(userID, successURL, cancelURL, priceID))
	if err != nil {
		return "", "", fmt.Errorf("failed to create checkout session: %w", err)
	}

	return sess.ID, sess.URL, nil
}

// checkoutParams builds the session parameters. The user id travels in
// client_reference_id and session metadata; in subscription mode it is
// additionally placed in subscription_data metadata, because Stripe does
// not copy session metadata onto the Subscription it creates, and the
// subscription lifecycle webhooks only see the Subscription object.
func (s *StripeClient) checkoutParams(userID, successURL, cancelURL, priceID string) *stripe.CheckoutSessionParams {
	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{
			"card",
		}),
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(userID),
	}
	params.AddMetadata("userId", userID)

	if priceID == "" {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		item := &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(1),
		}
		if s.creditPriceID != "" {
			item.Price = stripe.String(s.creditPriceID)
		} else {
			item.PriceData = &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(string(stripe.CurrencyUSD)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("ResultRx AI Explanation"),
				},
				UnitAmount: stripe.Int64(CreditPriceCents),
			}
		}
		params.LineItems = []*stripe.CheckoutSessionLineItemParams{item}
	} else {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.LineItems = []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		}
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"userId": userID},
		}
	}

	return params
}

func (s *StripeClient) VerifyWebhookSignature(payload []byte, sig string) (stripe.Event, error) {
	if s.webhookSecret == "" {
		return stripe.Event{}, fmt.Errorf("webhook secret is not configured")
	}
	return webhook.ConstructEvent(payload, sig, s.webhookSecret)
}
