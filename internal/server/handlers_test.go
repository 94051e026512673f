package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v72"

	"github.com/resultrx/backend/internal/ai"
	"github.com/resultrx/backend/internal/db"
	"github.com/resultrx/backend/internal/entitlement"
	"github.com/resultrx/backend/internal/models"
	"github.com/resultrx/backend/internal/service"
	"github.com/resultrx/backend/pkg/logger"
)

const testJWTSecret = "test-secret"

type memStore struct {
	mu          sync.Mutex
	users       map[string]*models.User
	submissions []models.LabSubmission
	granted     map[string]bool
	payments    []models.Payment
}

func newMemStore() *memStore {
	return &memStore{users: make(map[string]*models.User), granted: make(map[string]bool)}
}

func (m *memStore) GetUser(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	copied := *user
	return &copied, nil
}

func (m *memStore) EnsureUser(_ context.Context, id, email string, signupCredits int) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user, ok := m.users[id]; ok {
		copied := *user
		return &copied, nil
	}
	user := &models.User{
		ID:           id,
		Email:        email,
		Credits:      signupCredits,
		Subscription: models.Subscription{Plan: models.PlanFree, Status: models.StatusActive},
	}
	m.users[id] = user
	copied := *user
	return &copied, nil
}

func (m *memStore) ReserveCredit(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok || user.Credits <= 0 {
		return false, nil
	}
	user.Credits--
	return true, nil
}

func (m *memStore) ReleaseCredit(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user, ok := m.users[userID]; ok {
		user.Credits++
	}
	return nil
}

func (m *memStore) CountSubmissionsSince(_ context.Context, userID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, sub := range m.submissions {
		if sub.UserID == userID && !sub.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *memStore) SaveSubmission(_ context.Context, sub *models.LabSubmission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	m.submissions = append(m.submissions, *sub)
	return nil
}

func (m *memStore) ListSubmissions(_ context.Context, userID string, limit int) ([]models.LabSubmission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LabSubmission
	for i := len(m.submissions) - 1; i >= 0 && len(out) < limit; i-- {
		if m.submissions[i].UserID == userID {
			out = append(out, m.submissions[i])
		}
	}
	return out, nil
}

func (m *memStore) GrantCreditForSession(_ context.Context, userID, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.granted[sessionID] {
		return false, nil
	}
	m.granted[sessionID] = true
	if user, ok := m.users[userID]; ok {
		user.Credits++
	}
	return true, nil
}

func (m *memStore) SetSubscription(_ context.Context, userID string, sub models.Subscription, eventTime time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user, ok := m.users[userID]; ok {
		user.Subscription = sub
		user.SubscriptionUpdatedAt = eventTime
	}
	return nil
}

func (m *memStore) SavePayment(_ context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments = append(m.payments, *p)
	return nil
}

func (m *memStore) UpdatePaymentStatus(_ context.Context, sessionID, status string) error {
	return nil
}

func (m *memStore) credits(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[userID].Credits
}

type fixedExplainer struct {
	calls int
}

func (f *fixedExplainer) Explain(_ context.Context, _ models.LabResult) (*models.Explanation, error) {
	f.calls++
	result := ai.FallbackExplanation()
	result.Summary = "Your ALT is slightly elevated."
	return &result, nil
}

type stubGateway struct {
	event     stripe.Event
	verifyErr error
}

func (g *stubGateway) VerifyWebhookSignature(_ []byte, _ string) (stripe.Event, error) {
	if g.verifyErr != nil {
		return stripe.Event{}, g.verifyErr
	}
	return g.event, nil
}

func (g *stubGateway) PlanFromPriceID(string) string { return models.PlanFree }

func (g *stubGateway) CreateCheckoutSession(userID, successURL, cancelURL, priceID string) (string, string, error) {
	return "cs_test_123", "https://checkout.stripe.com/pay/cs_test_123", nil
}

type testEnv struct {
	store     *memStore
	explainer *fixedExplainer
	gateway   *stubGateway
	router    http.Handler
}

func newTestEnv(t *testing.T, freeQuota int) *testEnv {
	t.Helper()

	store := newMemStore()
	explainer := &fixedExplainer{}
	gateway := &stubGateway{}
	l := logger.NewNop()

	users := service.NewUserService(store, 0)
	explain := service.NewExplainService(store, explainer, entitlement.NewEvaluator(freeQuota), l)
	checkout := service.NewCheckoutService(gateway, store, l)
	webhooks := service.NewWebhookService(store, gateway, l)

	handler := NewHandler(explain, checkout, webhooks, users, l)
	srv := NewServer("0", []string{"*"}, testJWTSecret, handler, users, l)

	return &testEnv{
		store:     store,
		explainer: explainer,
		gateway:   gateway,
		router:    srv.server.Handler,
	}
}

func signToken(t *testing.T, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   userID,
		"email": userID + "@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

func (e *testEnv) request(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	e.router.ServeHTTP(resp, req)
	return resp
}

func TestExplainLabRequiresAuth(t *testing.T) {
	env := newTestEnv(t, 1)

	resp := env.request(t, http.MethodPost, "/api/explain-lab", "", map[string]string{})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestExplainLabScenario(t *testing.T) {
	env := newTestEnv(t, 0)
	token := signToken(t, "u1")

	// First authenticated touch provisions the record; top it up.
	resp := env.request(t, http.MethodGet, "/api/me", token, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	env.store.mu.Lock()
	env.store.users["u1"].Credits = 1
	env.store.mu.Unlock()

	body := map[string]string{
		"testName":    "ALT",
		"value":       "72",
		"units":       "U/L",
		"normalRange": "7-56",
	}

	resp = env.request(t, http.MethodPost, "/api/explain-lab", token, body)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var out struct {
		Success     bool               `json:"success"`
		Explanation models.Explanation `json:"explanation"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.True(t, out.Success)
	assert.Equal(t, "Your ALT is slightly elevated.", out.Explanation.Summary)
	assert.NotEmpty(t, out.Explanation.SuggestedQuestions)
	assert.Equal(t, 0, env.store.credits("u1"))

	// Immediate repeat: no credits, no active subscription, quota disabled.
	resp = env.request(t, http.MethodPost, "/api/explain-lab", token, body)
	assert.Equal(t, http.StatusForbidden, resp.Code)
	assert.Equal(t, 0, env.store.credits("u1"))
	assert.Equal(t, 1, env.explainer.calls)

	var errOut map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &errOut))
	assert.NotEmpty(t, errOut["error"])
}

func TestExplainLabMissingFields(t *testing.T) {
	env := newTestEnv(t, 1)
	token := signToken(t, "u1")

	resp := env.request(t, http.MethodPost, "/api/explain-lab", token, map[string]string{
		"testName": "ALT",
	})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Zero(t, env.explainer.calls)
}

func TestCreateCheckoutSession(t *testing.T) {
	env := newTestEnv(t, 1)
	token := signToken(t, "u1")

	resp := env.request(t, http.MethodPost, "/api/create-checkout-session", token, map[string]string{
		"successUrl": "https://resultrx.test/success",
		"cancelUrl":  "https://resultrx.test/cancel",
	})
	require.Equal(t, http.StatusOK, resp.Code)

	var out map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.Equal(t, "cs_test_123", out["sessionId"])
	assert.NotEmpty(t, out["url"])

	require.Len(t, env.store.payments, 1)
	assert.Equal(t, "pending", env.store.payments[0].Status)
}

func TestCreateCheckoutSessionValidatesURLs(t *testing.T) {
	env := newTestEnv(t, 1)
	token := signToken(t, "u1")

	resp := env.request(t, http.MethodPost, "/api/create-checkout-session", token, map[string]string{
		"successUrl": "https://resultrx.test/success",
	})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestStripeWebhookInvalidSignature(t *testing.T) {
	env := newTestEnv(t, 1)
	env.gateway.verifyErr = errors.New("signature mismatch")

	req := httptest.NewRequest(http.MethodPost, "/webhook/stripe", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Stripe-Signature", "t=1,v1=bad")
	resp := httptest.NewRecorder()
	env.router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Empty(t, env.store.granted)
}

func TestStripeWebhookMissingSignatureHeader(t *testing.T) {
	env := newTestEnv(t, 1)

	req := httptest.NewRequest(http.MethodPost, "/webhook/stripe", bytes.NewReader([]byte(`{}`)))
	resp := httptest.NewRecorder()
	env.router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestStripeWebhookGrantsCredit(t *testing.T) {
	env := newTestEnv(t, 1)
	token := signToken(t, "u2")
	require.Equal(t, http.StatusOK, env.request(t, http.MethodGet, "/api/me", token, nil).Code)

	raw, err := json.Marshal(map[string]interface{}{
		"id":       "cs_grant",
		"mode":     "payment",
		"metadata": map[string]string{"userId": "u2"},
	})
	require.NoError(t, err)
	env.gateway.event = stripe.Event{
		Type:    "checkout.session.completed",
		Created: time.Now().Unix(),
		Data:    &stripe.EventData{Raw: raw},
	}

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhook/stripe", bytes.NewReader([]byte(`{}`)))
		req.Header.Set("Stripe-Signature", "t=1,v1=ok")
		resp := httptest.NewRecorder()
		env.router.ServeHTTP(resp, req)
		return resp
	}

	resp := send()
	require.Equal(t, http.StatusOK, resp.Code)
	var out map[string]bool
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.True(t, out["received"])
	assert.Equal(t, 1, env.store.credits("u2"))

	// Replaying the identical payload does not grant twice.
	require.Equal(t, http.StatusOK, send().Code)
	assert.Equal(t, 1, env.store.credits("u2"))
}

func TestListLabsReturnsHistory(t *testing.T) {
	env := newTestEnv(t, 1)
	token := signToken(t, "u1")
	require.Equal(t, http.StatusOK, env.request(t, http.MethodGet, "/api/me", token, nil).Code)

	require.NoError(t, env.store.SaveSubmission(context.Background(), &models.LabSubmission{
		ID:       "s1",
		UserID:   "u1",
		TestName: "ALT",
	}))

	resp := env.request(t, http.MethodGet, "/api/labs", token, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var out struct {
		Labs []models.LabSubmission `json:"labs"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	require.Len(t, out.Labs, 1)
	assert.Equal(t, "ALT", out.Labs[0].TestName)
}

func TestMeProvisionsUserLazily(t *testing.T) {
	env := newTestEnv(t, 1)
	token := signToken(t, "newcomer")

	resp := env.request(t, http.MethodGet, "/api/me", token, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var user models.User
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &user))
	assert.Equal(t, "newcomer", user.ID)
	assert.Equal(t, 0, user.Credits)
	assert.Equal(t, models.PlanFree, user.Subscription.Plan)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, 1)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp := httptest.NewRecorder()
	env.router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "OK", resp.Body.String())
}
