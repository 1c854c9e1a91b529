package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/onnwee/vidcredit/internal/eventlog"
	"github.com/onnwee/vidcredit/internal/middleware"
	"github.com/onnwee/vidcredit/internal/signature"
	wh "github.com/onnwee/vidcredit/internal/webhook"
)

// maxWebhookBody bounds inbound webhook bodies.
const maxWebhookBody = 1 << 20

// StripeSignatureHeader is the header Stripe signs deliveries with.
const StripeSignatureHeader = "Stripe-Signature"

// WebhookProcessor records and applies verified deliveries.
type WebhookProcessor interface {
	HandlePayment(ctx context.Context, body []byte) (*wh.Receipt, error)
	HandleGeneration(ctx context.Context, body []byte) (*wh.Receipt, error)
	HandleStripe(ctx context.Context, event stripe.Event, body []byte) (*wh.Receipt, error)
}

// WebhookHandlersConfig configures WebhookHandlers.
type WebhookHandlersConfig struct {
	Processor          WebhookProcessor
	PaymentVerifier    *signature.Verifier
	GenerationVerifier *signature.Verifier
	// StripeSecret enables POST /webhooks/stripe when set.
	StripeSecret string
	Metrics      *wh.Metrics
	Logger       *slog.Logger
}

// WebhookHandlers holds dependencies for webhook HTTP handlers.
type WebhookHandlers struct {
	config WebhookHandlersConfig
}

// NewWebhookHandlers creates a new WebhookHandlers instance.
func NewWebhookHandlers(config WebhookHandlersConfig) *WebhookHandlers {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &WebhookHandlers{config: config}
}

// HandlePayment processes payment provider notifications.
// POST /webhooks/payments
func (h *WebhookHandlers) HandlePayment(w http.ResponseWriter, r *http.Request) {
	h.handleSigned(w, r, eventlog.ProviderPayments, h.config.PaymentVerifier, h.config.Processor.HandlePayment)
}

// HandleGeneration processes generation provider callbacks.
// POST /webhooks/generations
func (h *WebhookHandlers) HandleGeneration(w http.ResponseWriter, r *http.Request) {
	h.handleSigned(w, r, eventlog.ProviderGenerations, h.config.GenerationVerifier, h.config.Processor.HandleGeneration)
}

func (h *WebhookHandlers) handleSigned(
	w http.ResponseWriter,
	r *http.Request,
	provider string,
	verifier *signature.Verifier,
	handle func(ctx context.Context, body []byte) (*wh.Receipt, error),
) {
	ctx := r.Context()
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	res, err := verifier.Verify(body, r.Header.Get(signature.HeaderName))
	if err != nil {
		h.rejectSignature(w, r, provider, signatureReason(err), err)
		return
	}
	if res.Skipped {
		h.config.Logger.WarnContext(ctx, "webhook secret not configured, signature not verified",
			"provider", provider)
	}

	receipt, err := handle(ctx, body)
	h.respond(w, r, provider, receipt, err)
}

// HandleStripe processes Stripe checkout events.
// POST /webhooks/stripe
func (h *WebhookHandlers) HandleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	header := r.Header.Get(StripeSignatureHeader)
	if header == "" {
		h.rejectSignature(w, r, eventlog.ProviderStripe, "missing_header", errors.New("missing Stripe-Signature header"))
		return
	}
	event, err := webhook.ConstructEventWithOptions(body, header, h.config.StripeSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.rejectSignature(w, r, eventlog.ProviderStripe, "mismatch", err)
		return
	}

	h.config.Logger.InfoContext(ctx, "stripe event received", "event_type", event.Type, "event_id", event.ID)
	receipt, err := h.config.Processor.HandleStripe(ctx, event, body)
	h.respond(w, r, eventlog.ProviderStripe, receipt, err)
}

func (h *WebhookHandlers) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "failed to read request body")
		return nil, false
	}
	return body, true
}

func (h *WebhookHandlers) rejectSignature(w http.ResponseWriter, r *http.Request, provider, reason string, err error) {
	h.config.Metrics.SignatureRejected(provider, reason)
	h.config.Logger.WarnContext(r.Context(), "webhook signature verification failed",
		"provider", provider,
		"reason", reason,
		"error", err)
	ctx := middleware.SetErrorCode(r.Context(), ErrCodeInvalidSignature)
	WriteError(w, ctx, http.StatusUnauthorized, ErrCodeInvalidSignature, "invalid signature")
}

// respond acknowledges every recorded delivery with 200, whatever the
// processing outcome. Only malformed bodies and recording failures are errors.
func (h *WebhookHandlers) respond(w http.ResponseWriter, r *http.Request, provider string, receipt *wh.Receipt, err error) {
	switch {
	case errors.Is(err, wh.ErrMalformedPayload):
		h.config.Logger.WarnContext(r.Context(), "malformed webhook payload", "provider", provider, "error", err)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeMalformedPayload)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeMalformedPayload, err.Error())
	case err != nil:
		h.config.Logger.ErrorContext(r.Context(), "failed to record webhook event", "provider", provider, "error", err)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to record webhook event")
	default:
		writeJSON(w, r, http.StatusOK, receipt)
	}
}

func signatureReason(err error) string {
	switch {
	case errors.Is(err, signature.ErrSecretNotConfigured):
		return "secret_missing"
	case errors.Is(err, signature.ErrTimestampOutOfTolerance):
		return "timestamp"
	case errors.Is(err, signature.ErrSignatureMismatch):
		return "mismatch"
	default:
		return "malformed"
	}
}
