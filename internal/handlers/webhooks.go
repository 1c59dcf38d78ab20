package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/clearcart/checkout-api/internal/checkout"
	"github.com/clearcart/checkout-api/internal/gateway"
	"github.com/clearcart/checkout-api/internal/platform/auth"
	"github.com/clearcart/checkout-api/internal/platform/httpx"
)

const (
	maxWebhookBody        = 256 * 1024
	stripeSignatureHeader = "Stripe-Signature"
)

// WebhookHandlers receives callbacks from external systems: the pricing
// service that overrides shopper context and the card gateway's asynchronous
// authorization verdicts.
type WebhookHandlers struct {
	hmac              *auth.HMACValidator
	pricingSecretName string
	contexts          *checkout.ShopperContextStore
	translator        *gateway.WebhookTranslator
	listener          checkout.AuthorizationListener
}

// WebhookOption customises webhook handler behaviour.
type WebhookOption func(*WebhookHandlers)

// WithStripeWebhook wires the card gateway verdict endpoint.
func WithStripeWebhook(translator *gateway.WebhookTranslator, listener checkout.AuthorizationListener) WebhookOption {
	return func(h *WebhookHandlers) {
		h.translator = translator
		h.listener = listener
	}
}

// NewWebhookHandlers constructs webhook handlers. The HMAC validator guards
// the pricing endpoint using the named shared secret.
func NewWebhookHandlers(hmac *auth.HMACValidator, pricingSecretName string, contexts *checkout.ShopperContextStore, opts ...WebhookOption) *WebhookHandlers {
	h := &WebhookHandlers{
		hmac:              hmac,
		pricingSecretName: strings.TrimSpace(pricingSecretName),
		contexts:          contexts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers webhook endpoints under the provided router.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	pricing := r
	if h.hmac != nil && h.pricingSecretName != "" {
		pricing = r.With(h.hmac.RequireHMAC(h.pricingSecretName))
	}
	pricing.Post("/pricing", h.pricingOverride)
	r.Post("/stripe", h.stripeEvent)
}

type pricingOverrideRequest struct {
	ShopperID      string `json:"shopperId"`
	ShopperContext string `json:"shopperContext"`
}

func (h *WebhookHandlers) pricingOverride(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.contexts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "pricing overrides unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBody)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req pricingOverrideRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}
	shopperID := strings.TrimSpace(req.ShopperID)
	if shopperID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "shopperId is required", http.StatusBadRequest))
		return
	}

	h.contexts.Set(shopperID, req.ShopperContext)
	writeJSONResponse(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *WebhookHandlers) stripeEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.translator == nil || h.listener == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "gateway webhook unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBody)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	event, err := h.translator.Translate(ctx, body, r.Header.Get(stripeSignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrEventIgnored):
			// Acknowledge so the gateway stops retrying event types we never handle.
			writeJSONResponse(w, http.StatusOK, map[string]any{"status": "ignored"})
		case errors.Is(err, gateway.ErrMissingOrderReference):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "event carries no order reference", http.StatusBadRequest))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusUnauthorized))
		}
		return
	}

	if err := h.listener.HandleAuthorization(ctx, event); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "failed to process authorization verdict", http.StatusInternalServerError))
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"status": "ok"})
}
