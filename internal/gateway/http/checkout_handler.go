package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fjod/storefront/internal/checkout/service"
	"github.com/fjod/storefront/internal/orders/domain"
)

type Checkout interface {
	Submit(ctx context.Context, req service.CheckoutRequest) (*domain.Order, error)
}

type CheckoutHandler struct {
	checkout Checkout
	timeout  time.Duration
	log      *slog.Logger
}

func NewCheckoutHandler(checkout Checkout, timeout time.Duration, log *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		checkout: checkout,
		timeout:  timeout,
		log:      log,
	}
}

type CheckoutRequestDTO struct {
	IdempotencyKey string `json:"idempotency_key"`
}

// POST /api/v1/checkout
func (h *CheckoutHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req CheckoutRequestDTO
	if r.Body != nil {
		// an empty body means no idempotency key
		if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
	}
	if key := r.Header.Get("Idempotency-Key"); req.IdempotencyKey == "" && key != "" {
		req.IdempotencyKey = key
	}

	order, err := h.checkout.Submit(ctx, service.CheckoutRequest{
		UserID:         getUserIDFromContext(r.Context()),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		handleAppError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusCreated, convertOrder(order))
}
