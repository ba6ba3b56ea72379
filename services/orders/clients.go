package main

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/matheusmosca/mxshop-fulfillment/internal/discovery"
	"github.com/matheusmosca/mxshop-fulfillment/internal/retry"
	"github.com/matheusmosca/mxshop-fulfillment/internal/rpc"
)

// InventoryClient is the part of the inventory service the order flow
// calls.
type InventoryClient interface {
	Sell(ctx context.Context, in *rpc.SellInfo, opts ...grpc.CallOption) (*rpc.Empty, error)
	BatchInvDetail(ctx context.Context, in *rpc.BatchGoodsIDInfo, opts ...grpc.CallOption) (rpc.InventoryBatchInvDetailClient, error)
}

type GoodsClient interface {
	BatchGetGoods(ctx context.Context, in *rpc.BatchGoodsIDInfo, opts ...grpc.CallOption) (*rpc.GoodsListResponse, error)
}

var (
	_ InventoryClient = (*rpc.InventoryClient)(nil)
	_ GoodsClient     = (*rpc.GoodsClient)(nil)
)

// dialService connects to staticAddr when it is set, otherwise to a healthy
// instance of name picked from the registry.
func dialService(ctx context.Context, registry *discovery.Client, name, staticAddr string, r *retry.Interceptor, logger *zap.Logger) (*grpc.ClientConn, error) {
	target := staticAddr
	if target == "" {
		if registry == nil {
			return nil, errors.Newf("no address for %s and discovery is disabled", name)
		}
		inst, err := registry.Pick(ctx, name)
		if err != nil {
			return nil, err
		}
		target = inst.Target()
	}
	logger.Info("dialing service", zap.String("service", name), zap.String("target", target))
	return rpc.Dial(target, r)
}
