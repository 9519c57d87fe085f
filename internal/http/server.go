package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"runtime/debug"
	"sort"
	"time"

	"metergate/internal/config"
	"metergate/internal/gateway"
	"metergate/internal/ledger"
	"metergate/internal/models"
	"metergate/internal/payments"
	"metergate/internal/quota"
	"metergate/internal/upstream"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

// Generator runs one metered generation end to end.
type Generator interface {
	Generate(ctx context.Context, req gateway.GenerateRequest) (*gateway.GenerateResult, error)
}

// LedgerReader is the slice of the credit ledger the handlers need.
type LedgerReader interface {
	GetBalance(ctx context.Context, userID string) (models.CreditBalance, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error)
	Credit(ctx context.Context, userID string, amount int64, reason string, metadata map[string]string) (models.CreditTransaction, error)
}

// QuotaReader is the slice of the quota manager the handlers need.
type QuotaReader interface {
	GetStatus(ctx context.Context, userID string) (quota.Status, error)
	SetTier(ctx context.Context, userID string, tier models.Tier) error
	Deactivate(ctx context.Context, userID string) error
}

// WebhookProcessor applies one verified payment event.
type WebhookProcessor interface {
	HandleEvent(ctx context.Context, event stripe.Event) (payments.Outcome, error)
}

// ModelLister exposes the model whitelist for the health endpoint.
type ModelLister interface {
	Models() []string
}

type Server struct {
	gen      Generator
	ledger   LedgerReader
	quotas   QuotaReader
	webhooks WebhookProcessor
	catalog  ModelLister
	cfg      config.Config
}

func NewServer(gen Generator, ledger LedgerReader, quotas QuotaReader, webhooks WebhookProcessor, catalog ModelLister, cfg config.Config) *Server {
	return &Server{
		gen:      gen,
		ledger:   ledger,
		quotas:   quotas,
		webhooks: webhooks,
		catalog:  catalog,
		cfg:      cfg,
	}
}

// loggingRecoverer turns handler panics into logged 500 responses.
func loggingRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				reqID := middleware.GetReqID(r.Context())
				log.Printf("[ERROR] [%s] Panic recovered in %s %s: %v\n%s",
					reqID, r.Method, r.URL.Path, rvr, debug.Stack())

				if r.Header.Get("Connection") != "Upgrade" {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					errMsg := fmt.Sprintf("internal server error: %v", rvr)
					_ = json.NewEncoder(w).Encode(ErrorResponse{Error: errMsg})
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			reqID := middleware.GetReqID(r.Context())
			log.Printf("[%s] %s %s %d %s",
				reqID, r.Method, r.URL.Path, ww.Status(), time.Since(start))
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingRecoverer)
	r.Use(requestLogger)
	r.Use(s.corsMiddleware)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/webhooks/stripe", s.handleStripeWebhook)
		r.Post("/admin/login", s.handleAdminLogin)

		// service-to-service endpoints, X-API-Key verified
		r.Group(func(r chi.Router) {
			r.Use(s.gatewayKeyMiddleware)

			r.Post("/generate", s.handleGenerate)
			r.Get("/credits/{userID}", s.handleGetCredits)
			r.Get("/quota/{userID}", s.handleGetQuota)
		})

		// operator endpoints
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.jwtMiddleware)
			r.Use(s.adminMiddleware)

			r.Post("/credits/grant", s.handleAdminGrantCredits)
			r.Post("/tier", s.handleAdminSetTier)
			r.Get("/users/{userID}/transactions", s.handleAdminListTransactions)
			r.Post("/users/{userID}/deactivate", s.handleAdminDeactivateUser)
		})
	})

	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,X-API-Key")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ids := s.catalog.Models()
	sort.Strings(ids)
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"models": ids,
	})
}

type generateRequest struct {
	UserID      string  `json:"user_id"`
	Tier        string  `json:"tier"`
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float32 `json:"temperature"`
}

type generateResponse struct {
	Model          string          `json:"model"`
	ModelUsed      string          `json:"model_used"`
	Family         string          `json:"family"`
	CreditsCharged int64           `json:"credits_charged"`
	TransactionID  int64           `json:"transaction_id"`
	Data           json.RawMessage `json:"data"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == "" || req.Model == "" || req.Prompt == "" {
		respondError(w, http.StatusBadRequest, errors.New("user_id, model and prompt are required"))
		return
	}
	tier := models.Tier(req.Tier)
	if req.Tier == "" {
		tier = models.TierFree
	}
	if !tier.Valid() {
		respondError(w, http.StatusBadRequest, fmt.Errorf("unknown tier %q", req.Tier))
		return
	}

	result, err := s.gen.Generate(r.Context(), gateway.GenerateRequest{
		UserID:      req.UserID,
		Tier:        tier,
		Model:       req.Model,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, generateResponse{
		Model:          req.Model,
		ModelUsed:      result.ModelUsed,
		Family:         result.Family,
		CreditsCharged: result.CreditsCharged,
		TransactionID:  result.TransactionID,
		Data:           result.Payload,
	})
}

func (s *Server) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		respondError(w, http.StatusBadRequest, errors.New("user id is required"))
		return
	}
	balance, err := s.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, balance)
}

func (s *Server) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		respondError(w, http.StatusBadRequest, errors.New("user id is required"))
		return
	}
	status, err := s.quotas.GetStatus(r.Context(), userID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.StripeWebhookSecret == "" {
		respondError(w, http.StatusServiceUnavailable, errors.New("stripe webhook secret not configured"))
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	sigHeader := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(payload, sigHeader, s.cfg.StripeWebhookSecret)
	if err != nil {
		respondErrorWithLog(w, r, http.StatusBadRequest, err, "verify_signature")
		return
	}

	outcome, err := s.webhooks.HandleEvent(r.Context(), event)
	if err != nil {
		// A non-2xx answer makes the provider redeliver; only fail when a
		// retry could actually help.
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, outcome)
}

type adminLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var req adminLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, errors.New("email and password are required"))
		return
	}
	if !s.checkAdminCredentials(req.Email, req.Password) {
		respondError(w, http.StatusUnauthorized, errors.New("invalid credentials"))
		return
	}
	token, err := s.generateJWT(req.Email, roleAdmin)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"token": token})
}

type grantCreditsRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func (s *Server) handleAdminGrantCredits(w http.ResponseWriter, r *http.Request) {
	var req grantCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == "" || req.Amount <= 0 {
		respondError(w, http.StatusBadRequest, errors.New("user_id and a positive amount are required"))
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "admin:grant"
	}
	tx, err := s.ledger.Credit(r.Context(), req.UserID, req.Amount, reason, map[string]string{
		"granted_by": getEmailFromContext(r.Context()),
	})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, tx)
}

type setTierRequest struct {
	UserID string `json:"user_id"`
	Tier   string `json:"tier"`
}

func (s *Server) handleAdminSetTier(w http.ResponseWriter, r *http.Request) {
	var req setTierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == "" || req.Tier == "" {
		respondError(w, http.StatusBadRequest, errors.New("user_id and tier are required"))
		return
	}
	if err := s.quotas.SetTier(r.Context(), req.UserID, models.Tier(req.Tier)); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAdminDeactivateUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		respondError(w, http.StatusBadRequest, errors.New("user id is required"))
		return
	}
	if err := s.quotas.Deactivate(r.Context(), userID); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAdminListTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		respondError(w, http.StatusBadRequest, errors.New("user id is required"))
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil {
			respondError(w, http.StatusBadRequest, errors.New("limit must be an integer"))
			return
		}
	}
	records, err := s.ledger.ListTransactions(r.Context(), userID, limit)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		respondError(w, http.StatusPaymentRequired, err)
	case errors.Is(err, ledger.ErrInvalidAmount):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, quota.ErrQuotaExceeded):
		respondError(w, http.StatusForbidden, err)
	case errors.Is(err, quota.ErrModelNotAllowed):
		respondError(w, http.StatusForbidden, err)
	case errors.Is(err, quota.ErrInvalidTier):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, quota.ErrNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, payments.ErrUnknownPlan):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, payments.ErrInvalidEvent):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, payments.ErrNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, upstream.ErrUnknownModel):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, upstream.ErrAllKeysExhausted):
		respondError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, upstream.ErrFatalRequest):
		respondError(w, http.StatusBadGateway, err)
	default:
		respondErrorWithLog(w, r, http.StatusInternalServerError, err, "internal")
	}
}
