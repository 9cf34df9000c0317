package stockrpc

import (
	"context"
	"time"

	"github.com/fjod/storefront/internal/feed"
	"github.com/fjod/storefront/internal/inventory/domain"
	"github.com/fjod/storefront/pkg/apperr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Client talks to a remote StockService and satisfies the same contract as
// the local stock ledgers.
type Client struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

func NewClient(conn grpc.ClientConnInterface, timeout time.Duration) *Client {
	return &Client{conn: conn, timeout: timeout}
}

func (c *Client) Get(ctx context.Context, productID int64) (domain.StockRecord, error) {
	return c.call(ctx, getMethod, &GetStockRequest{ProductID: productID}, productID)
}

func (c *Client) Decrement(ctx context.Context, productID int64, quantity int, ref string) (domain.StockRecord, error) {
	return c.call(ctx, decrementMethod, &AdjustStockRequest{ProductID: productID, Quantity: quantity, Ref: ref}, productID)
}

func (c *Client) Restore(ctx context.Context, productID int64, quantity int, ref string) (domain.StockRecord, error) {
	return c.call(ctx, restoreMethod, &AdjustStockRequest{ProductID: productID, Quantity: quantity, Ref: ref}, productID)
}

func (c *Client) SetStock(ctx context.Context, productID int64, quantity int) (domain.StockRecord, error) {
	return c.call(ctx, setStockMethod, &SetStockRequest{ProductID: productID, Quantity: quantity}, productID)
}

// Close is a no-op; the caller owns the connection.
func (c *Client) Close() error {
	return nil
}

func (c *Client) call(ctx context.Context, method string, req any, productID int64) (domain.StockRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if actor := feed.ActorFromContext(ctx); actor != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, ActorMetadataKey, actor)
	}

	var resp StockResponse
	if err := c.conn.Invoke(ctx, method, req, &resp, grpc.CallContentSubtype(CodecName)); err != nil {
		return domain.StockRecord{}, fromStatus(err, productID)
	}
	return toRecord(&resp), nil
}

func toRecord(resp *StockResponse) domain.StockRecord {
	rec := domain.StockRecord{
		ProductID: resp.ProductID,
		Quantity:  resp.Quantity,
		Revision:  resp.Revision,
	}
	if resp.UpdatedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, resp.UpdatedAt); err == nil {
			rec.UpdatedAt = t
		}
	}
	return rec
}

// fromStatus maps gRPC codes back to the error kinds of the local ledgers.
func fromStatus(err error, productID int64) error {
	st, ok := status.FromError(err)
	if !ok {
		return apperr.Persistence("stock service call", err)
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return &apperr.Error{Kind: apperr.ErrValidation, Message: st.Message()}
	case codes.NotFound:
		return &apperr.Error{Kind: apperr.ErrNotFound, Message: st.Message(), ProductIDs: []int64{productID}}
	case codes.FailedPrecondition:
		return &apperr.Error{Kind: apperr.ErrConflict, Message: st.Message(), ProductIDs: []int64{productID}}
	default:
		return apperr.Persistence("stock service call", err)
	}
}
