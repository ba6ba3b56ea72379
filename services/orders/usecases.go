package main

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/matheusmosca/mxshop-fulfillment/internal/broker"
	"github.com/matheusmosca/mxshop-fulfillment/internal/errs"
	"github.com/matheusmosca/mxshop-fulfillment/internal/rpc"
)

const (
	defaultPage     = 1
	defaultPageSize = 10
	maxPageSize     = 100
)

type orderCreator interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error)
}

type OrderPage struct {
	Total int64   `json:"total"`
	Data  []Order `json:"data"`
}

// GoodsAvailability compares a checked cart entry with the current stock.
type GoodsAvailability struct {
	GoodsID int32 `json:"goodsId"`
	Nums    int32 `json:"nums"`
	Stock   int32 `json:"stock"`
	Enough  bool  `json:"enough"`
}

// OrderUseCase holds the cart and order operations. Order creation goes
// through the saga coordinator.
type OrderUseCase struct {
	repository Repository
	saga       orderCreator
	inventory  InventoryClient
	producer   broker.Producer
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// NewOrderUseCase wires the cart and order operations. The producer carries
// give-back requests for manually closed orders.
func NewOrderUseCase(
	repository Repository,
	saga orderCreator,
	inventory InventoryClient,
	producer broker.Producer,
	logger *zap.Logger,
	tracer trace.Tracer,
) *OrderUseCase {
	return &OrderUseCase{
		repository: repository,
		saga:       saga,
		inventory:  inventory,
		producer:   producer,
		logger:     logger,
		tracer:     tracer,
		now:        time.Now,
	}
}

func (uc *OrderUseCase) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	return uc.saga.CreateOrder(ctx, req)
}

func (uc *OrderUseCase) CartItemList(ctx context.Context, userID int32) ([]CartItem, error) {
	if userID <= 0 {
		return nil, errs.Newf(errs.ErrInvalidArgument, "invalid user id %d", userID)
	}
	items, err := uc.repository.ListCart(ctx, userID)
	if err != nil {
		return nil, errs.Wrapf(err, errs.ErrInternal, "list cart of user %d", userID)
	}
	return items, nil
}

// CreateCartItem adds nums of a goods to the cart, merging with an entry
// already there.
func (uc *OrderUseCase) CreateCartItem(ctx context.Context, item CartItem) (*CartItem, error) {
	switch {
	case item.UserID <= 0:
		return nil, errs.Newf(errs.ErrInvalidArgument, "invalid user id %d", item.UserID)
	case item.GoodsID <= 0:
		return nil, errs.Newf(errs.ErrInvalidArgument, "invalid goods id %d", item.GoodsID)
	case item.Nums <= 0:
		return nil, errs.Newf(errs.ErrInvalidArgument, "nums must be positive, got %d", item.Nums)
	}

	saved, err := uc.repository.AddCartItem(ctx, &item)
	if err != nil {
		return nil, errs.Wrapf(err, errs.ErrInternal, "add goods %d to cart", item.GoodsID)
	}
	return saved, nil
}

func (uc *OrderUseCase) UpdateCartItem(ctx context.Context, userID, goodsID int32, nums *int32, checked *bool) error {
	switch {
	case nums == nil && checked == nil:
		return errs.Newf(errs.ErrInvalidArgument, "nothing to update")
	case nums != nil && *nums <= 0:
		return errs.Newf(errs.ErrInvalidArgument, "nums must be positive, got %d", *nums)
	}
	err := uc.repository.UpdateCartItem(ctx, userID, goodsID, nums, checked)
	return markInternal(err, "update cart goods %d", goodsID)
}

func (uc *OrderUseCase) DeleteCartItem(ctx context.Context, userID, goodsID int32) error {
	err := uc.repository.SoftDeleteCartItem(ctx, userID, goodsID)
	return markInternal(err, "delete cart goods %d", goodsID)
}

// markInternal marks err as internal unless it already maps to a more
// specific code.
func markInternal(err error, format string, args ...any) error {
	if err == nil || errs.Code(err) != codes.Internal {
		return err
	}
	return errs.Wrapf(err, errs.ErrInternal, format, args...)
}

// OrderList pages through orders, newest first. userID 0 lists every
// user's orders.
func (uc *OrderUseCase) OrderList(ctx context.Context, userID int32, page, pageSize int) (*OrderPage, error) {
	if page <= 0 {
		page = defaultPage
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	pageSize = min(pageSize, maxPageSize)

	orders, total, err := uc.repository.ListOrders(ctx, userID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, errs.Wrapf(err, errs.ErrInternal, "list orders")
	}
	if orders == nil {
		orders = []Order{}
	}
	return &OrderPage{Total: total, Data: orders}, nil
}

func (uc *OrderUseCase) OrderDetail(ctx context.Context, id int64, userID int32) (*Order, error) {
	order, err := uc.repository.GetOrder(ctx, id, userID)
	if err != nil {
		return nil, markInternal(err, "get order %d", id)
	}
	return order, nil
}

// UpdateOrderStatus applies a payment result or a manual close. Closing a
// PENDING order gives its stock back the same way a timeout does.
func (uc *OrderUseCase) UpdateOrderStatus(ctx context.Context, orderSN, status string) (*Order, error) {
	ctx, span := uc.tracer.Start(ctx, "update_order_status")
	defer span.End()
	span.SetAttributes(attribute.String("order_sn", orderSN), attribute.String("status", status))

	tx, err := uc.repository.BeginTx(ctx)
	if err != nil {
		return nil, errs.Wrapf(err, errs.ErrInternal, "update order %s", orderSN)
	}
	defer tx.Rollback()

	order, err := uc.repository.GetOrderForUpdate(ctx, tx, orderSN)
	if err != nil {
		return nil, markInternal(err, "load order %s", orderSN)
	}
	if err := transition(order.Status, status); err != nil {
		return nil, err
	}
	if order.Status == status {
		return order, nil
	}

	var payTime *time.Time
	if status == OrderStatusPaid {
		now := uc.now()
		payTime = &now
		order.PayTime = payTime
	}
	if err := uc.repository.UpdateOrderStatus(ctx, tx, orderSN, status, payTime); err != nil {
		return nil, errs.Wrapf(err, errs.ErrInternal, "update order %s", orderSN)
	}
	if status == OrderStatusClosed {
		if err := sendReback(ctx, uc.producer, tx, orderSN); err != nil {
			return nil, errs.Wrapf(err, errs.ErrUnavailable, "publish give-back of %s", orderSN)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, errs.Wrapf(err, errs.ErrInternal, "commit order %s", orderSN)
	}

	uc.logger.Info("order status changed",
		zap.String("order_sn", orderSN), zap.String("from", order.Status), zap.String("to", status))
	order.Status = status
	return order, nil
}

// CartAvailability streams the stock of the user's checked goods from
// inventory. Goods unknown to inventory have a stock of zero.
func (uc *OrderUseCase) CartAvailability(ctx context.Context, userID int32) ([]GoodsAvailability, error) {
	if userID <= 0 {
		return nil, errs.Newf(errs.ErrInvalidArgument, "invalid user id %d", userID)
	}
	cart, err := uc.repository.CheckedCart(ctx, userID)
	if err != nil {
		return nil, errs.Wrapf(err, errs.ErrInternal, "read cart of user %d", userID)
	}
	if len(cart) == 0 {
		return []GoodsAvailability{}, nil
	}

	ids := make([]int32, 0, len(cart))
	for _, it := range cart {
		ids = append(ids, it.GoodsID)
	}
	stream, err := uc.inventory.BatchInvDetail(ctx, &rpc.BatchGoodsIDInfo{ID: ids})
	if err != nil {
		return nil, errs.FromStatus(err)
	}
	stock := make(map[int32]int32, len(ids))
	for {
		item, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.FromStatus(err)
		}
		stock[item.GoodsID] = item.Num
	}

	out := make([]GoodsAvailability, 0, len(cart))
	for _, it := range cart {
		out = append(out, GoodsAvailability{
			GoodsID: it.GoodsID,
			Nums:    it.Nums,
			Stock:   stock[it.GoodsID],
			Enough:  stock[it.GoodsID] >= it.Nums,
		})
	}
	return out, nil
}
