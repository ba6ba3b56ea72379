package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const InventoryServiceName = "Inventory"

const (
	inventorySetInvMethod         = "/Inventory/SetInv"
	inventoryInvDetailMethod      = "/Inventory/InvDetail"
	inventorySellMethod           = "/Inventory/Sell"
	inventoryRebackMethod         = "/Inventory/Reback"
	inventoryBatchInvDetailMethod = "/Inventory/BatchInvDetail"
)

type InventoryServer interface {
	SetInv(context.Context, *GoodsInvInfo) (*Empty, error)
	InvDetail(context.Context, *GoodsInvInfo) (*GoodsInvInfo, error)
	// Sell reserves every item for the order or none of them.
	Sell(context.Context, *SellInfo) (*Empty, error)
	// Reback gives back what Sell reserved for the order. Repeated calls
	// are no-ops.
	Reback(context.Context, *SellInfo) (*Empty, error)
	BatchInvDetail(*BatchGoodsIDInfo, InventoryBatchInvDetailServer) error
}

type InventoryBatchInvDetailServer interface {
	Send(*GoodsInvInfo) error
	grpc.ServerStream
}

type inventoryBatchInvDetailServer struct {
	grpc.ServerStream
}

func (s *inventoryBatchInvDetailServer) Send(m *GoodsInvInfo) error {
	return s.ServerStream.SendMsg(m)
}

func RegisterInventoryServer(s grpc.ServiceRegistrar, srv InventoryServer) {
	s.RegisterService(&InventoryServiceDesc, srv)
}

func unaryHandler[Req any](method string, call func(srv any, ctx context.Context, req *Req) (any, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv, ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func batchInvDetailHandler(srv any, stream grpc.ServerStream) error {
	in := new(BatchGoodsIDInfo)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(InventoryServer).BatchInvDetail(in, &inventoryBatchInvDetailServer{stream})
}

var InventoryServiceDesc = grpc.ServiceDesc{
	ServiceName: InventoryServiceName,
	HandlerType: (*InventoryServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SetInv",
			Handler: unaryHandler(inventorySetInvMethod, func(srv any, ctx context.Context, in *GoodsInvInfo) (any, error) {
				return srv.(InventoryServer).SetInv(ctx, in)
			}),
		},
		{
			MethodName: "InvDetail",
			Handler: unaryHandler(inventoryInvDetailMethod, func(srv any, ctx context.Context, in *GoodsInvInfo) (any, error) {
				return srv.(InventoryServer).InvDetail(ctx, in)
			}),
		},
		{
			MethodName: "Sell",
			Handler: unaryHandler(inventorySellMethod, func(srv any, ctx context.Context, in *SellInfo) (any, error) {
				return srv.(InventoryServer).Sell(ctx, in)
			}),
		},
		{
			MethodName: "Reback",
			Handler: unaryHandler(inventoryRebackMethod, func(srv any, ctx context.Context, in *SellInfo) (any, error) {
				return srv.(InventoryServer).Reback(ctx, in)
			}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "BatchInvDetail",
			Handler:       batchInvDetailHandler,
			ServerStreams: true,
		},
	},
	Metadata: "inventory",
}

// InventoryClient calls the inventory service. Every call is sent with the
// JSON content subtype.
type InventoryClient struct {
	cc grpc.ClientConnInterface
}

// NewInventoryClient calls the Inventory service over cc.
func NewInventoryClient(cc grpc.ClientConnInterface) *InventoryClient {
	return &InventoryClient{cc: cc}
}

func (c *InventoryClient) SetInv(ctx context.Context, in *GoodsInvInfo, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, inventorySetInvMethod, in, out, withJSON(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *InventoryClient) InvDetail(ctx context.Context, in *GoodsInvInfo, opts ...grpc.CallOption) (*GoodsInvInfo, error) {
	out := new(GoodsInvInfo)
	if err := c.cc.Invoke(ctx, inventoryInvDetailMethod, in, out, withJSON(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *InventoryClient) Sell(ctx context.Context, in *SellInfo, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, inventorySellMethod, in, out, withJSON(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *InventoryClient) Reback(ctx context.Context, in *SellInfo, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, inventoryRebackMethod, in, out, withJSON(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// InventoryBatchInvDetailClient yields one GoodsInvInfo per requested id
// and io.EOF when the server is done.
type InventoryBatchInvDetailClient interface {
	Recv() (*GoodsInvInfo, error)
	grpc.ClientStream
}

type inventoryBatchInvDetailClient struct {
	grpc.ClientStream
}

func (x *inventoryBatchInvDetailClient) Recv() (*GoodsInvInfo, error) {
	m := new(GoodsInvInfo)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *InventoryClient) BatchInvDetail(ctx context.Context, in *BatchGoodsIDInfo, opts ...grpc.CallOption) (InventoryBatchInvDetailClient, error) {
	stream, err := c.cc.NewStream(ctx, &InventoryServiceDesc.Streams[0], inventoryBatchInvDetailMethod, withJSON(opts)...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &inventoryBatchInvDetailClient{stream}, nil
}

func withJSON(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}
