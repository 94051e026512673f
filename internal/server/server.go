package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/resultrx/backend/internal/service"
	"github.com/resultrx/backend/pkg/logger"
)

type Server struct {
	server *http.Server
	logger *logger.Logger
}

// NewServer wires the router: public webhook and health endpoints, and
// the authenticated API group behind JWT auth and a per-IP rate limit.
func NewServer(port string, corsOrigins []string, jwtSecret string, h *Handler, users *service.UserService, l *logger.Logger) *Server {
	r := chi.NewRouter()

	r.Use(Recovery(l))
	r.Use(RequestLogger(l))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Stripe-Signature"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	rateLimiter := NewRateLimiter(10, 20)
	r.Use(rateLimiter.Middleware())

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Post("/webhook/stripe", h.HandleStripeWebhook)

	r.Group(func(r chi.Router) {
		r.Use(Auth(jwtSecret, users, l))

		r.Post("/api/explain-lab", h.HandleExplainLab)
		r.Post("/api/create-checkout-session", h.HandleCreateCheckoutSession)
		r.Get("/api/labs", h.HandleListLabs)
		r.Get("/api/me", h.HandleMe)
	})

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		server: httpServer,
		logger: l,
	}
}

func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}
