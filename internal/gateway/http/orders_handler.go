package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/fjod/storefront/internal/orders/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type Orders interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	ListByUser(ctx context.Context, userID string) ([]*domain.Order, error)
	ListByStatus(ctx context.Context, status domain.OrderStatus) ([]*domain.Order, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, next domain.OrderStatus) (*domain.Order, error)
	CancelAndRestore(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type OrdersHandler struct {
	orders  Orders
	timeout time.Duration
	log     *slog.Logger
}

func NewOrdersHandler(orders Orders, timeout time.Duration, log *slog.Logger) *OrdersHandler {
	return &OrdersHandler{
		orders:  orders,
		timeout: timeout,
		log:     log,
	}
}

type OrderItemDTO struct {
	ProductID int64  `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	Restored  bool   `json:"restored,omitempty"`
}

type CustomerDTO struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

type OrderResponseDTO struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	Customer   CustomerDTO    `json:"customer"`
	TotalPrice string         `json:"total_price"`
	Status     string         `json:"status"`
	Items      []OrderItemDTO `json:"items"`
	CreatedAt  string         `json:"created_at"`
}

type UpdateStatusRequestDTO struct {
	Status string `json:"status"`
}

func convertOrder(o *domain.Order) OrderResponseDTO {
	items := make([]OrderItemDTO, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, OrderItemDTO{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice.StringFixed(2),
			Restored:  it.Restored,
		})
	}
	return OrderResponseDTO{
		ID:     o.ID.String(),
		UserID: o.UserID,
		Customer: CustomerDTO{
			Name:    o.Customer.Name,
			Phone:   o.Customer.Phone,
			Address: o.Customer.Address,
		},
		TotalPrice: o.TotalPrice.StringFixed(2),
		Status:     string(o.Status),
		Items:      items,
		CreatedAt:  o.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func convertOrders(orders []*domain.Order) []OrderResponseDTO {
	dtos := make([]OrderResponseDTO, 0, len(orders))
	for _, o := range orders {
		dtos = append(dtos, convertOrder(o))
	}
	return dtos
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "order_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_order_id", "order_id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// GET /api/v1/orders
func (h *OrdersHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	orders, err := h.orders.ListByUser(ctx, getUserIDFromContext(r.Context()))
	if err != nil {
		handleAppError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, convertOrders(orders))
}

// GET /api/v1/orders/{order_id}
func (h *OrdersHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	order, err := h.orders.Get(ctx, id)
	if err != nil {
		handleAppError(w, r, h.log, err)
		return
	}
	if order.UserID != getUserIDFromContext(r.Context()) {
		respondError(w, http.StatusNotFound, "not_found", "order not found")
		return
	}
	respondJSON(w, http.StatusOK, convertOrder(order))
}

// GET /api/v1/admin/orders?status=
func (h *OrdersHandler) ListByStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	raw := r.URL.Query().Get("status")
	if raw == "" {
		raw = string(domain.OrderStatusPending)
	}
	status, err := domain.ParseStatus(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_status", err.Error())
		return
	}

	orders, err := h.orders.ListByStatus(ctx, status)
	if err != nil {
		handleAppError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, convertOrders(orders))
}

// PATCH /api/v1/admin/orders/{order_id}
func (h *OrdersHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req UpdateStatusRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}
	status, err := domain.ParseStatus(req.Status)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_status", err.Error())
		return
	}

	order, err := h.orders.UpdateStatus(ctx, id, status)
	if err != nil {
		handleAppError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, convertOrder(order))
}

// POST /api/v1/admin/orders/{order_id}/cancel
func (h *OrdersHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	order, err := h.orders.CancelAndRestore(ctx, id)
	if err != nil {
		handleAppError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, convertOrder(order))
}

// DELETE /api/v1/admin/orders/{order_id}
func (h *OrdersHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	if err := h.orders.Delete(ctx, id); err != nil {
		handleAppError(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
