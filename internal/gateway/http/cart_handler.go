package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/fjod/storefront/internal/cart/domain"
	"github.com/shopspring/decimal"
)

type CartService interface {
	GetCart(ctx context.Context, userID string) (*domain.View, error)
	AddItem(ctx context.Context, userID string, productID int64, unitPrice decimal.Decimal) (*domain.View, error)
	RemoveOne(ctx context.Context, userID string, productID int64) (*domain.View, error)
	RemoveAll(ctx context.Context, userID string, productID int64) (*domain.View, error)
	ClearCart(ctx context.Context, userID string) error
	RefreshStock(ctx context.Context, userID string) (map[int64]int, error)
}

type CartHandler struct {
	carts   CartService
	timeout time.Duration
	log     *slog.Logger
}

func NewCartHandler(carts CartService, timeout time.Duration, log *slog.Logger) *CartHandler {
	return &CartHandler{
		carts:   carts,
		timeout: timeout,
		log:     log,
	}
}

type AddItemRequestDTO struct {
	ProductID int64           `json:"product_id"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type CartLineDTO struct {
	ProductID int64  `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	Subtotal  string `json:"subtotal"`
	Stock     *int   `json:"stock,omitempty"`
	Excess    int    `json:"excess,omitempty"`
	Flagged   bool   `json:"flagged"`
}

type CartResponseDTO struct {
	UserID    string        `json:"user_id"`
	Items     []CartLineDTO `json:"items"`
	Total     string        `json:"total"`
	UpdatedAt *time.Time    `json:"updated_at,omitempty"`
}

func convertCartView(v *domain.View) CartResponseDTO {
	items := make([]CartLineDTO, 0, len(v.Lines))
	for _, l := range v.Lines {
		items = append(items, CartLineDTO{
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice.StringFixed(2),
			Subtotal:  l.Subtotal().StringFixed(2),
			Stock:     l.Stock,
			Excess:    l.Excess,
			Flagged:   l.Flagged,
		})
	}
	dto := CartResponseDTO{
		UserID: v.SessionID,
		Items:  items,
		Total:  v.Total.StringFixed(2),
	}
	if !v.UpdatedAt.IsZero() {
		updated := v.UpdatedAt
		dto.UpdatedAt = &updated
	}
	return dto
}

// GET /api/v1/cart?refresh=true
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	userID := getUserIDFromContext(r.Context())
	if r.URL.Query().Get("refresh") == "true" {
		// a failed refresh still returns the cart with its last snapshots
		if _, err := h.carts.RefreshStock(ctx, userID); err != nil {
			h.log.WarnContext(ctx, "stock refresh failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()))
		}
	}

	view, err := h.carts.GetCart(ctx, userID)
	if err != nil {
		handleAppError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, convertCartView(view))
}

// POST /api/v1/cart/items
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req AddItemRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ProductID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id must be positive")
		return
	}
	if req.UnitPrice.IsNegative() {
		respondError(w, http.StatusBadRequest, "invalid_price", "unit_price must not be negative")
		return
	}

	view, err := h.carts.AddItem(ctx, getUserIDFromContext(r.Context()), req.ProductID, req.UnitPrice)
	if err != nil {
		handleAppError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusCreated, convertCartView(view))
}

// DELETE /api/v1/cart/items/{product_id}/one
func (h *CartHandler) RemoveOne(w http.ResponseWriter, r *http.Request) {
	h.remove(w, r, h.carts.RemoveOne)
}

// DELETE /api/v1/cart/items/{product_id}
func (h *CartHandler) RemoveAll(w http.ResponseWriter, r *http.Request) {
	h.remove(w, r, h.carts.RemoveAll)
}

func (h *CartHandler) remove(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, userID string, productID int64) (*domain.View, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}

	view, err := fn(ctx, getUserIDFromContext(r.Context()), productID)
	if err != nil {
		handleAppError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, convertCartView(view))
}

// DELETE /api/v1/cart
func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.carts.ClearCart(ctx, getUserIDFromContext(r.Context())); err != nil {
		handleAppError(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
