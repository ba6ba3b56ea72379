package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const (
	GoodsServiceName         = "Goods"
	goodsBatchGetGoodsMethod = "/Goods/BatchGetGoods"
)

// GoodsServer is the part of the catalog service the order flow depends on.
type GoodsServer interface {
	BatchGetGoods(context.Context, *BatchGoodsIDInfo) (*GoodsListResponse, error)
}

func RegisterGoodsServer(s grpc.ServiceRegistrar, srv GoodsServer) {
	s.RegisterService(&GoodsServiceDesc, srv)
}

var GoodsServiceDesc = grpc.ServiceDesc{
	ServiceName: GoodsServiceName,
	HandlerType: (*GoodsServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "BatchGetGoods",
			Handler: unaryHandler(goodsBatchGetGoodsMethod, func(srv any, ctx context.Context, in *BatchGoodsIDInfo) (any, error) {
				return srv.(GoodsServer).BatchGetGoods(ctx, in)
			}),
		},
	},
	Metadata: "goods",
}

type GoodsClient struct {
	cc grpc.ClientConnInterface
}

// NewGoodsClient calls the Goods service over cc.
func NewGoodsClient(cc grpc.ClientConnInterface) *GoodsClient {
	return &GoodsClient{cc: cc}
}

func (c *GoodsClient) BatchGetGoods(ctx context.Context, in *BatchGoodsIDInfo, opts ...grpc.CallOption) (*GoodsListResponse, error) {
	out := new(GoodsListResponse)
	if err := c.cc.Invoke(ctx, goodsBatchGetGoodsMethod, in, out, withJSON(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}
