package stockrpc

import (
	"context"

	"google.golang.org/grpc"
)

const (
	ServiceName = "storefront.inventory.StockService"

	getMethod       = "/" + ServiceName + "/Get"
	decrementMethod = "/" + ServiceName + "/Decrement"
	restoreMethod   = "/" + ServiceName + "/Restore"
	setStockMethod  = "/" + ServiceName + "/SetStock"

	// ActorMetadataKey carries the id of the session performing a mutation.
	ActorMetadataKey = "actor-id"
)

type GetStockRequest struct {
	ProductID int64 `json:"product_id"`
}

type AdjustStockRequest struct {
	ProductID int64  `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Ref       string `json:"ref,omitempty"`
}

type SetStockRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type StockResponse struct {
	ProductID int64  `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Revision  int64  `json:"revision"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// StockServiceServer is implemented by the inventory service.
type StockServiceServer interface {
	Get(context.Context, *GetStockRequest) (*StockResponse, error)
	Decrement(context.Context, *AdjustStockRequest) (*StockResponse, error)
	Restore(context.Context, *AdjustStockRequest) (*StockResponse, error)
	SetStock(context.Context, *SetStockRequest) (*StockResponse, error)
}

func RegisterStockServiceServer(s grpc.ServiceRegistrar, srv StockServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StockServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Get", Handler: unaryHandler(getMethod, StockServiceServer.Get)},
		{MethodName: "Decrement", Handler: unaryHandler(decrementMethod, StockServiceServer.Decrement)},
		{MethodName: "Restore", Handler: unaryHandler(restoreMethod, StockServiceServer.Restore)},
		{MethodName: "SetStock", Handler: unaryHandler(setStockMethod, StockServiceServer.SetStock)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stockrpc",
}

// unaryHandler adapts a typed server method to grpc.MethodDesc.
func unaryHandler[Req any](fullMethod string, call func(StockServiceServer, context.Context, *Req) (*StockResponse, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(StockServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(StockServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}
