package main

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
	"google.golang.org/grpc"

	"github.com/matheusmosca/mxshop-fulfillment/internal/broker"
	"github.com/matheusmosca/mxshop-fulfillment/internal/rpc"
)

type MockRepository struct {
	mock.Mock
}

var _ Repository = (*MockRepository)(nil)

func (m *MockRepository) BeginTx(ctx context.Context) (Tx, error) {
	args := m.Called(ctx)
	if tx := args.Get(0); tx != nil {
		return tx.(Tx), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) ListCart(ctx context.Context, userID int32) ([]CartItem, error) {
	args := m.Called(ctx, userID)
	items, _ := args.Get(0).([]CartItem)
	return items, args.Error(1)
}

func (m *MockRepository) CheckedCart(ctx context.Context, userID int32) ([]CartItem, error) {
	args := m.Called(ctx, userID)
	items, _ := args.Get(0).([]CartItem)
	return items, args.Error(1)
}

func (m *MockRepository) LockCheckedCart(ctx context.Context, tx Tx, userID int32) ([]CartItem, error) {
	args := m.Called(ctx, tx, userID)
	items, _ := args.Get(0).([]CartItem)
	return items, args.Error(1)
}

func (m *MockRepository) AddCartItem(ctx context.Context, item *CartItem) (*CartItem, error) {
	args := m.Called(ctx, item)
	saved, _ := args.Get(0).(*CartItem)
	return saved, args.Error(1)
}

func (m *MockRepository) UpdateCartItem(ctx context.Context, userID, goodsID int32, nums *int32, checked *bool) error {
	return m.Called(ctx, userID, goodsID, nums, checked).Error(0)
}

func (m *MockRepository) SoftDeleteCartItem(ctx context.Context, userID, goodsID int32) error {
	return m.Called(ctx, userID, goodsID).Error(0)
}

func (m *MockRepository) DeleteCheckedCart(ctx context.Context, tx Tx, userID int32, goodsIDs []int32) error {
	return m.Called(ctx, tx, userID, goodsIDs).Error(0)
}

func (m *MockRepository) InsertOrder(ctx context.Context, tx Tx, order *Order) error {
	return m.Called(ctx, tx, order).Error(0)
}

func (m *MockRepository) ListOrders(ctx context.Context, userID int32, offset, limit int) ([]Order, int64, error) {
	args := m.Called(ctx, userID, offset, limit)
	orders, _ := args.Get(0).([]Order)
	return orders, args.Get(1).(int64), args.Error(2)
}

func (m *MockRepository) GetOrder(ctx context.Context, id int64, userID int32) (*Order, error) {
	args := m.Called(ctx, id, userID)
	order, _ := args.Get(0).(*Order)
	return order, args.Error(1)
}

func (m *MockRepository) GetOrderForUpdate(ctx context.Context, tx Tx, orderSN string) (*Order, error) {
	args := m.Called(ctx, tx, orderSN)
	order, _ := args.Get(0).(*Order)
	return order, args.Error(1)
}

func (m *MockRepository) UpdateOrderStatus(ctx context.Context, tx Tx, orderSN, status string, payTime *time.Time) error {
	return m.Called(ctx, tx, orderSN, status, payTime).Error(0)
}

func (m *MockRepository) OrderExists(ctx context.Context, orderSN string) (bool, error) {
	args := m.Called(ctx, orderSN)
	return args.Bool(0), args.Error(1)
}

// fakeTx records how a transaction ended.
type fakeTx struct {
	mu         sync.Mutex
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

func (t *fakeTx) wasCommitted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

type MockInventory struct {
	mock.Mock
}

func (m *MockInventory) Sell(ctx context.Context, in *rpc.SellInfo, _ ...grpc.CallOption) (*rpc.Empty, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*rpc.Empty)
	return out, args.Error(1)
}

func (m *MockInventory) BatchInvDetail(ctx context.Context, in *rpc.BatchGoodsIDInfo, _ ...grpc.CallOption) (rpc.InventoryBatchInvDetailClient, error) {
	args := m.Called(ctx, in)
	stream, _ := args.Get(0).(rpc.InventoryBatchInvDetailClient)
	return stream, args.Error(1)
}

type MockGoods struct {
	mock.Mock
}

func (m *MockGoods) BatchGetGoods(ctx context.Context, in *rpc.BatchGoodsIDInfo, _ ...grpc.CallOption) (*rpc.GoodsListResponse, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*rpc.GoodsListResponse)
	return out, args.Error(1)
}

// fakeStockStream replays items and then io.EOF.
type fakeStockStream struct {
	grpc.ClientStream
	items []*rpc.GoodsInvInfo
	err   error
}

func (s *fakeStockStream) Recv() (*rpc.GoodsInvInfo, error) {
	if len(s.items) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	item := s.items[0]
	s.items = s.items[1:]
	return item, nil
}

// spyProducer records plain sends.
type spyProducer struct {
	mu   sync.Mutex
	sent []*broker.Message
	err  error
}

func (p *spyProducer) Send(_ context.Context, msg *broker.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, msg.Clone())
	return nil
}

func (p *spyProducer) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.sent))
	for _, m := range p.sent {
		out = append(out, m.Topic)
	}
	return out
}

// spyTxProducer runs the executor inline and records its decisions.
type spyTxProducer struct {
	mu        sync.Mutex
	half      []*broker.Message
	decisions []broker.TransactionState
}

func (p *spyTxProducer) SendInTransaction(ctx context.Context, msg *broker.Message, exec broker.LocalExecutor) (broker.TransactionState, error) {
	p.mu.Lock()
	p.half = append(p.half, msg.Clone())
	p.mu.Unlock()

	state := exec(ctx, msg.Clone())

	p.mu.Lock()
	p.decisions = append(p.decisions, state)
	p.mu.Unlock()
	return state, nil
}
