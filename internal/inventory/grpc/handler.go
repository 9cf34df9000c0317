package grpc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fjod/storefront/internal/feed"
	"github.com/fjod/storefront/internal/inventory/domain"
	"github.com/fjod/storefront/internal/inventory/stockrpc"
	"github.com/fjod/storefront/internal/inventory/store"
	"github.com/fjod/storefront/pkg/apperr"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// StockServiceServer implements the gRPC stock service
type StockServiceServer struct {
	ledger store.Ledger
	log    *slog.Logger
}

// NewStockServiceServer creates a new gRPC handler
func NewStockServiceServer(ledger store.Ledger, log *slog.Logger) *StockServiceServer {
	return &StockServiceServer{
		ledger: ledger,
		log:    log,
	}
}

func (s *StockServiceServer) Get(ctx context.Context, req *stockrpc.GetStockRequest) (*stockrpc.StockResponse, error) {
	if req.ProductID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "product_id must be greater than 0")
	}
	rec, err := s.ledger.Get(ctx, req.ProductID)
	if err != nil {
		return nil, s.mapStoreError(ctx, err)
	}
	return toResponse(rec), nil
}

func (s *StockServiceServer) Decrement(ctx context.Context, req *stockrpc.AdjustStockRequest) (*stockrpc.StockResponse, error) {
	if req.ProductID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "product_id must be greater than 0")
	}
	if req.Quantity <= 0 {
		return nil, status.Error(codes.InvalidArgument, "quantity must be greater than 0")
	}
	rec, err := s.ledger.Decrement(withActor(ctx), req.ProductID, req.Quantity, req.Ref)
	if err != nil {
		return nil, s.mapStoreError(ctx, err)
	}
	return toResponse(rec), nil
}

func (s *StockServiceServer) Restore(ctx context.Context, req *stockrpc.AdjustStockRequest) (*stockrpc.StockResponse, error) {
	if req.ProductID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "product_id must be greater than 0")
	}
	if req.Quantity < 0 {
		return nil, status.Error(codes.InvalidArgument, "quantity must not be negative")
	}
	rec, err := s.ledger.Restore(withActor(ctx), req.ProductID, req.Quantity, req.Ref)
	if err != nil {
		return nil, s.mapStoreError(ctx, err)
	}
	return toResponse(rec), nil
}

func (s *StockServiceServer) SetStock(ctx context.Context, req *stockrpc.SetStockRequest) (*stockrpc.StockResponse, error) {
	if req.ProductID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "product_id must be greater than 0")
	}
	rec, err := s.ledger.SetStock(withActor(ctx), req.ProductID, req.Quantity)
	if err != nil {
		return nil, s.mapStoreError(ctx, err)
	}
	return toResponse(rec), nil
}

// withActor moves the actor id from incoming metadata onto the context the
// ledger publishes change events with.
func withActor(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}
	if vals := md.Get(stockrpc.ActorMetadataKey); len(vals) > 0 {
		return feed.WithActor(ctx, vals[0])
	}
	return ctx
}

func toResponse(rec domain.StockRecord) *stockrpc.StockResponse {
	resp := &stockrpc.StockResponse{
		ProductID: rec.ProductID,
		Quantity:  rec.Quantity,
		Revision:  rec.Revision,
	}
	if !rec.UpdatedAt.IsZero() {
		resp.UpdatedAt = rec.UpdatedAt.Format(time.RFC3339Nano)
	}
	return resp
}

// mapStoreError converts ledger errors to appropriate gRPC status codes
func (s *StockServiceServer) mapStoreError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, apperr.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, apperr.ErrConflict):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		s.log.ErrorContext(ctx, "stock ledger failure", slog.String("error", err.Error()))
		return status.Error(codes.Internal, "internal error")
	}
}
