package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fjod/storefront/internal/feed"
	"github.com/fjod/storefront/internal/inventory/domain"
)

type StockService interface {
	Get(ctx context.Context, productID int64) (domain.StockRecord, error)
	SetStock(ctx context.Context, productID int64, quantity int) (domain.StockRecord, error)
}

// FeedSource registers callbacks on the per-shopper feed subscriber. ok is
// false when the feed is not enabled.
type FeedSource interface {
	Subscribe(userID string, productID int64, fn feed.Callback) (unsubscribe func(), ok bool)
}

type StockHandler struct {
	stock     StockService
	feeds     FeedSource
	timeout   time.Duration
	heartbeat time.Duration
	log       *slog.Logger
}

func NewStockHandler(stock StockService, feeds FeedSource, timeout time.Duration, log *slog.Logger) *StockHandler {
	return &StockHandler{
		stock:     stock,
		feeds:     feeds,
		timeout:   timeout,
		heartbeat: 15 * time.Second,
		log:       log,
	}
}

type StockResponseDTO struct {
	ProductID int64     `json:"product_id"`
	Quantity  int       `json:"quantity"`
	Revision  int64     `json:"revision"`
	SoldOut   bool      `json:"sold_out"`
	LowStock  bool      `json:"low_stock"`
	UpdatedAt time.Time `json:"updated_at"`
}

type SetStockRequestDTO struct {
	Quantity *int `json:"quantity"`
}

func convertStock(rec domain.StockRecord) StockResponseDTO {
	return StockResponseDTO{
		ProductID: rec.ProductID,
		Quantity:  rec.Quantity,
		Revision:  rec.Revision,
		SoldOut:   rec.SoldOut(),
		LowStock:  rec.LowStock(),
		UpdatedAt: rec.UpdatedAt,
	}
}

// GET /api/v1/stock/{product_id}
func (h *StockHandler) GetStock(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}

	rec, err := h.stock.Get(ctx, productID)
	if err != nil {
		handleAppError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, convertStock(rec))
}

// PUT /api/v1/admin/stock/{product_id}
func (h *StockHandler) SetStock(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}
	var req SetStockRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Quantity == nil || *req.Quantity < 0 {
		respondError(w, http.StatusBadRequest, "invalid_quantity", "quantity must be zero or more")
		return
	}

	ctx = feed.WithActor(ctx, getUserIDFromContext(r.Context()))
	rec, err := h.stock.SetStock(ctx, productID, *req.Quantity)
	if err != nil {
		handleAppError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, convertStock(rec))
}

// GET /api/v1/stock/{product_id}/events
//
// Streams stock changes of one product as server-sent events. The shopper's
// own writes are suppressed by the feed subscriber.
func (h *StockHandler) Events(w http.ResponseWriter, r *http.Request) {
	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming is not supported")
		return
	}
	events := make(chan feed.Event, 16)
	unsubscribe, enabled := h.feeds.Subscribe(getUserIDFromContext(r.Context()), productID, func(ev feed.Event) {
		select {
		case events <- ev:
		default:
			// slow client: it catches up with the next event
		}
	})
	if !enabled {
		respondError(w, http.StatusServiceUnavailable, "feed_unavailable", "stock feed is not enabled")
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	if rec, err := h.stock.Get(ctx, productID); err == nil {
		h.writeEvent(w, convertStock(rec))
	}
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			h.writeEvent(w, convertStock(domain.StockRecord{
				ProductID: ev.ProductID,
				Quantity:  ev.Quantity,
				Revision:  ev.Revision,
				UpdatedAt: ev.At,
			}))
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func (h *StockHandler) writeEvent(w http.ResponseWriter, dto StockResponseDTO) {
	data, err := json.Marshal(dto)
	if err != nil {
		h.log.Error("failed to encode stock event", slog.String("error", err.Error()))
		return
	}
	fmt.Fprintf(w, "event: stock\nid: %d\ndata: %s\n\n", dto.Revision, data)
}
