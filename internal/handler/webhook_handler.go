package handler

import (
	"io"
	"net/http"
	"time"

	"verify-service/internal/config"
	"verify-service/internal/service"
	"verify-service/internal/util"
	"verify-service/internal/webhook"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// maxWebhookBody bounds how much callback body we are willing to read.
const maxWebhookBody = 1 << 20 // 1MB

// WebhookHandler is the inbound trust boundary for provider delivery
// callbacks. Everything behind it assumes an authenticated event.
type WebhookHandler struct {
	validator       *webhook.Validator
	service         *service.VerificationService
	logger          *zap.Logger
	signatureHeader string
	timestampHeader string
}

func NewWebhookHandler(validator *webhook.Validator, svc *service.VerificationService, cfg *config.Config, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		validator:       validator,
		service:         svc,
		logger:          logger,
		signatureHeader: cfg.Webhook.SignatureHeader,
		timestampHeader: cfg.Webhook.TimestampHeader,
	}
}

// RegisterRoutes registers the webhook routes.
func (h *WebhookHandler) RegisterRoutes(router chi.Router) {
	router.Post("/delivery", h.Delivery)
}

// Delivery handles a provider delivery-status callback. Signature and
// shape failures are rejected with 401/400; a syntactically valid event
// is acknowledged with 200 even when it is semantically discarded, so
// the provider does not retry events we will never accept.
func (h *WebhookHandler) Delivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.respond(w, http.StatusBadRequest, `{"error":"unreadable body"}`)
		return
	}

	timestamp := r.Header.Get(h.timestampHeader)
	signature := r.Header.Get(h.signatureHeader)

	envelope, verr := h.validator.Validate(timestamp, signature, rawBody, time.Now())
	if verr != nil {
		h.service.RecordWebhookRejection(ctx, verr.Reason, verr.Detail, clientIP(r))
		h.logger.Warn("Webhook rejected",
			util.String("reason", string(verr.Reason)),
			util.String("detail", verr.Detail))

		switch verr.Reason {
		case webhook.ReasonMalformedPayload:
			h.respond(w, http.StatusBadRequest, `{"error":"malformed_payload"}`)
		default:
			h.respond(w, http.StatusUnauthorized, `{"error":"`+string(verr.Reason)+`"}`)
		}
		return
	}

	if err := h.service.ApplyDeliveryEvent(ctx, envelope); err != nil {
		h.logger.Error("Failed to apply delivery event",
			util.String("provider_ref", envelope.Data.ID),
			util.ErrorField(err))
		h.respond(w, http.StatusServiceUnavailable, `{"error":"temporarily unavailable"}`)
		return
	}

	h.respond(w, http.StatusOK, `{"received":true}`)
}

func (h *WebhookHandler) respond(w http.ResponseWriter, statusCode int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write([]byte(body))
}
