package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/resultrx/backend/internal/models"
	"github.com/resultrx/backend/internal/service"
	"github.com/resultrx/backend/pkg/logger"
)

// maxWebhookBody bounds how much of a webhook payload we read.
const maxWebhookBody = 1 << 20

type Handler struct {
	explain  *service.ExplainService
	checkout *service.CheckoutService
	webhooks *service.WebhookService
	users    *service.UserService
	logger   *logger.Logger
}

func NewHandler(explain *service.ExplainService, checkout *service.CheckoutService, webhooks *service.WebhookService, users *service.UserService, l *logger.Logger) *Handler {
	return &Handler{
		explain:  explain,
		checkout: checkout,
		webhooks: webhooks,
		users:    users,
		logger:   l,
	}
}

// HandleExplainLab accepts one lab result and returns its AI explanation.
func (h *Handler) HandleExplainLab(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not authenticated"})
		return
	}

	var lab models.LabResult
	if err := json.NewDecoder(r.Body).Decode(&lab); err != nil {
		writeError(w, h.logger, models.ErrMissingFields("invalid JSON body"))
		return
	}

	explanation, err := h.explain.HandleSubmission(r.Context(), userID, lab)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"explanation": explanation,
	})
}

type checkoutRequest struct {
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
	PriceID    string `json:"priceId"`
}

// HandleCreateCheckoutSession opens a Stripe checkout for the
// authenticated user.
func (h *Handler) HandleCreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not authenticated"})
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, models.ErrMissingFields("invalid JSON body"))
		return
	}
	if req.SuccessURL == "" || req.CancelURL == "" {
		writeError(w, h.logger, models.ErrMissingFields("successUrl and cancelUrl are required"))
		return
	}

	sessionID, checkoutURL, err := h.checkout.CreateCheckout(r.Context(), userID, req.SuccessURL, req.CancelURL, req.PriceID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"sessionId": sessionID,
		"url":       checkoutURL,
	})
}

// HandleStripeWebhook receives signed payment processor notifications.
func (h *Handler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing signature"})
		return
	}

	if err := h.webhooks.HandleEvent(r.Context(), body, signature); err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// HandleListLabs returns the user's submission history, newest first.
func (h *Handler) HandleListLabs(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not authenticated"})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	subs, err := h.explain.History(r.Context(), userID, limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if subs == nil {
		subs = []models.LabSubmission{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"labs": subs})
}

// HandleMe returns the authenticated user's entitlement record for the
// credits badge and subscription banner.
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not authenticated"})
		return
	}

	user, err := h.users.Get(r.Context(), userID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, user)
}
