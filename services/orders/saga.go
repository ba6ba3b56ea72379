package main

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/matheusmosca/mxshop-fulfillment/internal/broker"
	"github.com/matheusmosca/mxshop-fulfillment/internal/config"
	"github.com/matheusmosca/mxshop-fulfillment/internal/errs"
	"github.com/matheusmosca/mxshop-fulfillment/internal/rpc"
	"github.com/matheusmosca/mxshop-fulfillment/internal/saga"
	"github.com/matheusmosca/mxshop-fulfillment/internal/telemetry"
)

// SagaState is a step of one order attempt. Every transition is logged and
// counted.
type SagaState string

const (
	StateInitiated         SagaState = "INITIATED"
	StateHalfMessageSent   SagaState = "HALF_MESSAGE_SENT"
	StateLocalExecuting    SagaState = "LOCAL_EXECUTING"
	StateLocalCommitted    SagaState = "LOCAL_COMMITTED"
	StateLocalAborted      SagaState = "LOCAL_ABORTED"
	StateMessageCommitted  SagaState = "MESSAGE_COMMITTED"
	StateMessageRolledBack SagaState = "MESSAGE_ROLLED_BACK"
	StateResolved          SagaState = "RESOLVED"
)

const defaultSagaDeadline = 30 * time.Second

var ErrNothingToSettle = errs.Newf(errs.ErrNotFound, "no checked goods")

// settlePayload is the body of the order_settle half message. It carries
// everything the local transaction needs, so the executor works from the
// message alone.
type settlePayload struct {
	OrderSn string `json:"orderSn"`
	UserID  int32  `json:"userId"`
	Address string `json:"address"`
	Name    string `json:"name"`
	Mobile  string `json:"mobile"`
	Post    string `json:"post"`
}

type orderSnPayload struct {
	OrderSn string `json:"orderSn"`
}

type sagaResult struct {
	order *Order
	err   error
}

// Coordinator places orders. The stock reservation and the order insert
// are tied together by a transactional order_settle message: when the
// outcome of the reservation is unclear the message is committed, and the
// settlement consumer gives the stock back for orders that do not exist.
type Coordinator struct {
	repository Repository
	inventory  InventoryClient
	goods      GoodsClient
	producer   broker.Producer
	txProducer broker.TransactionProducer
	results    *saga.Registry[sagaResult]
	logger     *zap.Logger
	tracer     trace.Tracer
	outcomes   metric.Int64Counter

	sagaCfg config.SagaConfig
	rpcCfg  config.RPCConfig
	now     func() time.Time
}

// NewCoordinator builds the order saga. A zero saga deadline falls back to
// defaultSagaDeadline.
func NewCoordinator(
	repository Repository,
	inventory InventoryClient,
	goods GoodsClient,
	producer broker.Producer,
	txProducer broker.TransactionProducer,
	sagaCfg config.SagaConfig,
	rpcCfg config.RPCConfig,
	logger *zap.Logger,
	tracer trace.Tracer,
) (*Coordinator, error) {
	outcomes, err := otel.Meter("orders-service").Int64Counter("orders.saga.outcomes",
		metric.WithDescription("Order saga transitions by state."))
	if err != nil {
		return nil, errors.Wrap(err, "create saga outcome counter")
	}
	if sagaCfg.Deadline <= 0 {
		sagaCfg.Deadline = defaultSagaDeadline
	}
	return &Coordinator{
		repository: repository,
		inventory:  inventory,
		goods:      goods,
		producer:   producer,
		txProducer: txProducer,
		results:    saga.NewRegistry[sagaResult](sagaCfg.ResultTTL),
		logger:     logger,
		tracer:     tracer,
		outcomes:   outcomes,
		sagaCfg:    sagaCfg,
		rpcCfg:     rpcCfg,
		now:        time.Now,
	}, nil
}

// Run evicts abandoned result slots until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	c.results.Run(ctx, c.sagaCfg.ResultTTL)
}

// CreateOrder settles the buyer's checked cart into a PENDING order and
// blocks until the local transaction has decided.
func (c *Coordinator) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	ctx, span := c.tracer.Start(ctx, "create_order_saga")
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	orderSN := NewOrderSN(c.now(), req.UserID)
	span.SetAttributes(attribute.String("order_sn", orderSN), attribute.Int("user_id", int(req.UserID)))
	c.record(ctx, orderSN, StateInitiated)

	msg, err := broker.NewMessage(TopicOrderSettle, orderSN, settlePayload{
		OrderSn: orderSN,
		UserID:  req.UserID,
		Address: req.Address,
		Name:    req.Name,
		Mobile:  req.Mobile,
		Post:    req.Post,
	})
	if err != nil {
		return nil, errs.Wrapf(err, errs.ErrInternal, "order %s", orderSN)
	}
	telemetry.Inject(ctx, msg.Properties)

	if err := c.results.Register(orderSN); err != nil {
		return nil, errs.Wrapf(err, errs.ErrAlreadyExists, "order %s", orderSN)
	}

	// A buyer hanging up must not abort the local transaction halfway; the
	// saga runs to its own deadline.
	ctx, cancelSaga := context.WithTimeout(context.WithoutCancel(ctx), c.sagaCfg.Deadline)
	defer cancelSaga()

	executed := false
	state, sendErr := c.txProducer.SendInTransaction(ctx, msg, func(ctx context.Context, m *broker.Message) broker.TransactionState {
		executed = true
		c.record(ctx, orderSN, StateHalfMessageSent)
		return c.execute(ctx, m)
	})
	if !executed {
		c.results.Forget(orderSN)
		if sendErr == nil {
			sendErr = errors.New("local transaction did not run")
		}
		span.RecordError(sendErr)
		return nil, errs.Wrapf(sendErr, errs.ErrUnavailable, "send settle message for %s", orderSN)
	}
	if sendErr != nil {
		c.logger.Error("settle message not resolved, left to the checker",
			zap.String("order_sn", orderSN), zap.Stringer("decision", state), zap.Error(sendErr))
	}

	switch state {
	case broker.Commit:
		c.record(ctx, orderSN, StateMessageCommitted)
	case broker.Rollback:
		c.record(ctx, orderSN, StateMessageRolledBack)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.sagaCfg.ResultWait)
	defer cancel()
	res, err := c.results.Wait(waitCtx, orderSN)
	if err != nil {
		return nil, errs.Wrapf(err, errs.ErrInternal, "wait for order %s", orderSN)
	}
	c.record(ctx, orderSN, StateResolved)

	if res.err != nil {
		span.RecordError(res.err)
		return nil, res.err
	}
	return res.order, nil
}

// execute is the local transaction of the settle message. It always
// resolves the waiting request.
func (c *Coordinator) execute(ctx context.Context, msg *broker.Message) broker.TransactionState {
	var p settlePayload
	if err := msg.Decode(&p); err != nil {
		c.logger.Error("undecodable settle message", zap.String("msg_id", msg.ID), zap.Error(err))
		c.results.Resolve(msg.Key, sagaResult{err: errs.Wrapf(err, errs.ErrInternal, "settle message")})
		return broker.Rollback
	}

	c.record(ctx, p.OrderSn, StateLocalExecuting)
	order, state, err := c.runLocal(ctx, p)
	if err != nil {
		c.record(ctx, p.OrderSn, StateLocalAborted)
		c.logger.Warn("order not created",
			zap.String("order_sn", p.OrderSn),
			zap.Stringer("decision", state),
			zap.Error(err),
		)
	} else {
		c.record(ctx, p.OrderSn, StateLocalCommitted)
	}

	c.results.Resolve(p.OrderSn, sagaResult{order: order, err: err})
	return state
}

// runLocal returns Rollback only when no reservation can exist for the
// order. Anything after a possible reservation commits the message so the
// settlement consumer can give the stock back.
//
// Every step runs in one transaction that holds the checked cart rows, so a
// concurrent cart edit cannot slip between the read and the delete.
func (c *Coordinator) runLocal(ctx context.Context, p settlePayload) (*Order, broker.TransactionState, error) {
	tx, err := c.repository.BeginTx(ctx)
	if err != nil {
		return nil, broker.Rollback, errs.Wrapf(err, errs.ErrInternal, "begin settlement of %s", p.OrderSn)
	}
	defer tx.Rollback()

	cart, err := c.repository.LockCheckedCart(ctx, tx, p.UserID)
	if err != nil {
		return nil, broker.Rollback, errs.Wrapf(err, errs.ErrInternal, "read cart of user %d", p.UserID)
	}
	if len(cart) == 0 {
		return nil, broker.Rollback, errors.Wrapf(ErrNothingToSettle, "user %d", p.UserID)
	}

	ids := make([]int32, 0, len(cart))
	for _, it := range cart {
		ids = append(ids, it.GoodsID)
	}

	goodsCtx, cancel := context.WithTimeout(ctx, c.rpcCfg.Timeout)
	catalog, err := c.goods.BatchGetGoods(goodsCtx, &rpc.BatchGoodsIDInfo{ID: ids})
	cancel()
	if err != nil {
		return nil, broker.Rollback, errs.Wrapf(err, errs.ErrInternal, "catalog unavailable")
	}
	byID := make(map[int32]*rpc.GoodsInfoResponse, len(catalog.Data))
	for _, g := range catalog.Data {
		byID[g.ID] = g
	}

	items := make([]OrderItem, 0, len(cart))
	sell := make([]rpc.GoodsInvInfo, 0, len(cart))
	for _, it := range cart {
		g, ok := byID[it.GoodsID]
		if !ok {
			return nil, broker.Rollback, errs.Newf(errs.ErrNotFound, "goods %d not in catalog", it.GoodsID)
		}
		items = append(items, OrderItem{
			GoodsID:    it.GoodsID,
			GoodsName:  g.Name,
			GoodsImage: g.GoodsFrontImage,
			GoodsPrice: g.ShopPrice,
			Nums:       it.Nums,
		})
		sell = append(sell, rpc.GoodsInvInfo{GoodsID: it.GoodsID, Num: it.Nums})
	}
	slices.SortFunc(sell, func(a, b rpc.GoodsInvInfo) int { return cmp.Compare(a.GoodsID, b.GoodsID) })

	sellCtx, cancel := context.WithTimeout(ctx, c.rpcCfg.SellTimeout)
	_, err = c.inventory.Sell(sellCtx, &rpc.SellInfo{OrderSn: p.OrderSn, GoodsInfo: sell})
	cancel()
	if err != nil {
		if isAmbiguous(err) {
			return nil, broker.Commit, errs.Wrapf(err, errs.ErrInternal, "stock reservation of %s has an unknown outcome", p.OrderSn)
		}
		return nil, broker.Rollback, errs.FromStatus(err)
	}

	order := NewOrder(p.OrderSn, CreateOrderRequest{
		UserID:  p.UserID,
		Address: p.Address,
		Name:    p.Name,
		Mobile:  p.Mobile,
		Post:    p.Post,
	}, items)
	if err := c.persist(ctx, tx, order, ids); err != nil {
		return nil, broker.Commit, errs.Wrapf(err, errs.ErrInternal, "create order %s", p.OrderSn)
	}
	return order, broker.Commit, nil
}

// persist inserts the order, clears the settled cart entries and schedules
// the payment timeout, then commits tx.
func (c *Coordinator) persist(ctx context.Context, tx Tx, order *Order, goodsIDs []int32) error {
	if err := c.repository.InsertOrder(ctx, tx, order); err != nil {
		return err
	}
	if err := c.repository.DeleteCheckedCart(ctx, tx, order.UserID, goodsIDs); err != nil {
		return err
	}

	timeout, err := broker.NewMessage(TopicOrderTimeout, order.OrderSn, orderSnPayload{OrderSn: order.OrderSn})
	if err != nil {
		return err
	}
	timeout.DelayLevel = c.sagaCfg.TimeoutDelayLevel
	telemetry.Inject(ctx, timeout.Properties)
	if err := sendWithTx(ctx, c.producer, tx, timeout); err != nil {
		return errors.Wrapf(err, "schedule timeout of %s", order.OrderSn)
	}

	return tx.Commit()
}

// isAmbiguous reports whether a failed Sell may still have reserved stock.
// A cancelled call may have reached inventory before the cancellation did.
func isAmbiguous(err error) bool {
	switch status.Code(err) {
	case codes.Unknown, codes.DeadlineExceeded, codes.Canceled:
		return true
	}
	return false
}

func (c *Coordinator) record(ctx context.Context, orderSN string, state SagaState) {
	c.logger.Info("order saga", zap.String("order_sn", orderSN), zap.String("state", string(state)))
	c.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(state))))
}

// SettleChecker answers the broker about settle messages whose local
// transaction never reported back.
type SettleChecker struct {
	repository Repository
	logger     *zap.Logger
}

// NewSettleChecker answers broker checks from the orders table.
func NewSettleChecker(repository Repository, logger *zap.Logger) *SettleChecker {
	return &SettleChecker{repository: repository, logger: logger}
}

// Check rolls the message back when the order exists and commits it when
// it does not, so the settlement consumer releases whatever was reserved.
func (s *SettleChecker) Check(ctx context.Context, msg *broker.Message) broker.TransactionState {
	orderSN := msg.Key
	if orderSN == "" {
		var p orderSnPayload
		if err := msg.Decode(&p); err != nil || p.OrderSn == "" {
			s.logger.Error("settle check without order sn", zap.String("msg_id", msg.ID), zap.Error(err))
			return broker.Unknown
		}
		orderSN = p.OrderSn
	}

	exists, err := s.repository.OrderExists(ctx, orderSN)
	if err != nil {
		s.logger.Warn("settle check failed", zap.String("order_sn", orderSN), zap.Error(err))
		return broker.Unknown
	}
	s.logger.Info("settle message checked", zap.String("order_sn", orderSN), zap.Bool("order_exists", exists))
	if exists {
		return broker.Rollback
	}
	return broker.Commit
}
