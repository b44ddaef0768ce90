package handler

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"verify-service/internal/dispatch"
	"verify-service/internal/model"
	"verify-service/internal/service"
	"verify-service/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// VerificationHandler exposes the verification lifecycle over HTTP.
type VerificationHandler struct {
	service *service.VerificationService
	logger  *zap.Logger
}

func NewVerificationHandler(svc *service.VerificationService, logger *zap.Logger) *VerificationHandler {
	return &VerificationHandler{
		service: svc,
		logger:  logger,
	}
}

// RegisterRoutes registers all verification routes.
func (h *VerificationHandler) RegisterRoutes(router chi.Router) {
	router.Route("/verifications", func(r chi.Router) {
		r.Post("/", h.Initiate)
		r.Post("/verify", h.Verify)
		r.Get("/{verificationID}", h.Status)
		r.Post("/{verificationID}/cancel", h.Cancel)
		r.Get("/history/{phoneNumber}", h.History)
	})
}

type initiateRequest struct {
	PhoneNumber string `json:"phone_number"`
	Channel     string `json:"channel"`
}

type initiateResponse struct {
	VerificationID string    `json:"verification_id"`
	Status         string    `json:"status"`
	Attempts       int       `json:"attempts"`
	MaxAttempts    int       `json:"max_attempts"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Initiate starts a verification session and dispatches the code. The
// code itself never appears in the response.
func (h *VerificationHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}

	result, err := h.service.Initiate(ctx, req.PhoneNumber, req.Channel, clientIP(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err)
		return
	}

	h.respondWithJSON(w, http.StatusCreated, initiateResponse{
		VerificationID: result.VerificationID,
		Status:         string(result.State),
		Attempts:       result.Attempts,
		MaxAttempts:    result.MaxAttempts,
		ExpiresAt:      result.ExpiresAt,
	})
	h.logger.Info("Verification initiated via HTTP",
		util.String("verification_id", result.VerificationID),
		util.String("channel", req.Channel),
		util.Duration("duration", time.Since(startTime)))
}

type verifyRequest struct {
	VerificationID string `json:"verification_id"`
	Code           string `json:"code"`
	PhoneNumber    string `json:"phone_number,omitempty"`
}

type verifyResponse struct {
	Verified          bool   `json:"verified"`
	Token             string `json:"token,omitempty"`
	RemainingAttempts *int   `json:"remaining_attempts,omitempty"`
}

// Verify checks a submitted code. A wrong code is a negative result,
// not a transport error, so it answers 400 with the remaining budget.
func (h *VerificationHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if req.Code == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("code is required"))
		return
	}

	result, err := h.service.Verify(ctx, req.VerificationID, req.Code, req.PhoneNumber)
	if err != nil {
		var rejected *service.RejectedCodeError
		if errors.As(err, &rejected) {
			remaining := rejected.Remaining
			h.respondWithJSON(w, http.StatusBadRequest, verifyResponse{
				Verified:          false,
				RemainingAttempts: &remaining,
			})
			return
		}
		h.respondWithError(w, h.getStatusCode(err), err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, verifyResponse{
		Verified: true,
		Token:    result.Token,
	})
	h.logger.Info("Verification completed via HTTP",
		util.String("verification_id", result.VerificationID),
		util.Duration("duration", time.Since(startTime)))
}

type statusResponse struct {
	VerificationID string    `json:"verification_id"`
	Status         string    `json:"status"`
	Channel        string    `json:"channel"`
	Attempts       int       `json:"attempts"`
	MaxAttempts    int       `json:"max_attempts"`
	DeliveryStatus string    `json:"delivery_status"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Status returns a read-only snapshot of a session.
func (h *VerificationHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	verificationID := chi.URLParam(r, "verificationID")
	session, err := h.service.Status(ctx, verificationID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, statusResponse{
		VerificationID: session.VerificationID,
		Status:         string(session.State),
		Channel:        string(session.Channel),
		Attempts:       session.Attempts,
		MaxAttempts:    session.MaxAttempts,
		DeliveryStatus: string(session.DeliveryStatus),
		CreatedAt:      session.CreatedAt,
		ExpiresAt:      session.ExpiresAt,
	})
}

// Cancel moves a pending session to cancelled; already-terminal
// sessions answer 200 as well.
func (h *VerificationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	verificationID := chi.URLParam(r, "verificationID")
	if err := h.service.Cancel(ctx, verificationID); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]string{
		"verification_id": verificationID,
		"status":          string(model.StateCancelled),
	})
}

type historyEntry struct {
	VerificationID string    `json:"verification_id"`
	Channel        string    `json:"channel"`
	FinalState     string    `json:"final_state"`
	Attempts       int       `json:"attempts"`
	DeliveryStatus string    `json:"delivery_status"`
	RiskLevel      string    `json:"risk_level"`
	CompletedAt    time.Time `json:"completed_at"`
}

// History returns recent archived outcomes for a phone number.
func (h *VerificationHandler) History(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 || parsed > 50 {
			h.respondWithError(w, http.StatusBadRequest, errors.New("limit must be between 1 and 50"))
			return
		}
		limit = parsed
	}

	records, err := h.service.History(ctx, chi.URLParam(r, "phoneNumber"), limit)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err)
		return
	}

	entries := make([]historyEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, historyEntry{
			VerificationID: record.VerificationID,
			Channel:        record.Channel,
			FinalState:     record.FinalState,
			Attempts:       record.Attempts,
			DeliveryStatus: record.DeliveryStatus,
			RiskLevel:      record.RiskLevel,
			CompletedAt:    record.CompletedAt,
		})
	}

	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"history": entries,
	})
}

// Helper Methods

type errorResponse struct {
	Error string `json:"error"`
}

func (h *VerificationHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *VerificationHandler) respondWithError(w http.ResponseWriter, statusCode int, err error) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode))
	h.respondWithJSON(w, statusCode, errorResponse{Error: err.Error()})
}

// getStatusCode maps service errors onto HTTP status codes.
func (h *VerificationHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, dispatch.ErrDeliveryFailed):
		return http.StatusBadGateway
	case errors.Is(err, dispatch.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrExpired):
		return http.StatusGone
	case errors.Is(err, service.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, service.ErrRejectedCode):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrStoreUnavailable), errors.Is(err, service.ErrHistoryDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// clientIP relies on the RealIP middleware having rewritten RemoteAddr;
// a raw host:port form is stripped down to the host.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
