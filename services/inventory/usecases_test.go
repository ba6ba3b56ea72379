package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/matheusmosca/mxshop-fulfillment/internal/errs"
	"github.com/matheusmosca/mxshop-fulfillment/internal/lock"
)

// memRepository keeps the ledger in maps. Writes are applied immediately
// and undone on rollback.
type memRepository struct {
	mu           sync.Mutex
	stocks       map[int32]*StockItem
	reservations map[string]*Reservation

	// casConflicts makes the next n DecreaseStockCAS calls lose the race.
	casConflicts int
	casCalls     int
}

type memTx struct {
	repo *memRepository
	undo []func()
	done bool
}

func (t *memTx) Commit() error {
	t.done = true
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	return nil
}

func newMemRepository(stocks map[int32]int32) *memRepository {
	r := &memRepository{
		stocks:       map[int32]*StockItem{},
		reservations: map[string]*Reservation{},
	}
	for id, q := range stocks {
		r.stocks[id] = &StockItem{GoodsID: id, Quantity: q, Version: 1}
	}
	return r
}

func (r *memRepository) quantity(id int32) int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stocks[id].Quantity
}

func (r *memRepository) reservation(orderSN string) *Reservation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reservations[orderSN]
}

func (r *memRepository) BeginTx(context.Context) (Tx, error) {
	return &memTx{repo: r}, nil
}

func (r *memRepository) GetStock(_ context.Context, goodsID int32) (*StockItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stocks[goodsID]
	if !ok {
		return nil, errs.Newf(errs.ErrNotFound, "goods %d: no stock record", goodsID)
	}
	cp := *s
	return &cp, nil
}

func (r *memRepository) GetStocks(_ context.Context, goodsIDs []int32) ([]StockItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []StockItem
	for _, id := range goodsIDs {
		if s, ok := r.stocks[id]; ok {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *memRepository) UpsertStock(_ context.Context, goodsID, quantity int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stocks[goodsID]; ok {
		s.Quantity = quantity
		s.Version++
		return nil
	}
	r.stocks[goodsID] = &StockItem{GoodsID: goodsID, Quantity: quantity, Version: 1}
	return nil
}

func (r *memRepository) GetStockTx(ctx context.Context, _ Tx, goodsID int32) (*StockItem, error) {
	return r.GetStock(ctx, goodsID)
}

func (r *memRepository) DecreaseStock(_ context.Context, tx Tx, goodsID, num int32) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stocks[goodsID]
	if !ok || s.Quantity < num {
		return false, nil
	}
	s.Quantity -= num
	s.Version++
	tx.(*memTx).undo = append(tx.(*memTx).undo, func() { s.Quantity += num })
	return true, nil
}

func (r *memRepository) DecreaseStockCAS(_ context.Context, tx Tx, goodsID, num int32, version int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.casCalls++
	s, ok := r.stocks[goodsID]
	if !ok {
		return false, nil
	}
	if r.casConflicts > 0 {
		r.casConflicts--
		s.Version++
		return false, nil
	}
	if s.Version != version || s.Quantity < num {
		return false, nil
	}
	s.Quantity -= num
	s.Version++
	tx.(*memTx).undo = append(tx.(*memTx).undo, func() { s.Quantity += num })
	return true, nil
}

func (r *memRepository) IncreaseStock(_ context.Context, tx Tx, goodsID, num int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stocks[goodsID]
	if !ok {
		return errs.Newf(errs.ErrNotFound, "goods %d: no stock record", goodsID)
	}
	s.Quantity += num
	s.Version++
	tx.(*memTx).undo = append(tx.(*memTx).undo, func() { s.Quantity -= num })
	return nil
}

func (r *memRepository) GetReservationForUpdate(_ context.Context, _ Tx, orderSN string) (*Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[orderSN]
	if !ok {
		return nil, nil
	}
	cp := *res
	return &cp, nil
}

func (r *memRepository) InsertReservation(_ context.Context, tx Tx, res *Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.reservations[res.OrderSN]; ok {
		return errors.Newf("duplicate reservation %s", res.OrderSN)
	}
	r.reservations[res.OrderSN] = res
	tx.(*memTx).undo = append(tx.(*memTx).undo, func() { delete(r.reservations, res.OrderSN) })
	return nil
}

func (r *memRepository) InsertTombstone(_ context.Context, tx Tx, orderSN string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.reservations[orderSN]; ok {
		return false, nil
	}
	r.reservations[orderSN] = &Reservation{OrderSN: orderSN, Status: ReservationReturned}
	tx.(*memTx).undo = append(tx.(*memTx).undo, func() { delete(r.reservations, orderSN) })
	return true, nil
}

func (r *memRepository) MarkReturned(_ context.Context, tx Tx, orderSN string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[orderSN]
	if !ok || res.Status != ReservationReserved {
		return nil
	}
	res.Status = ReservationReturned
	tx.(*memTx).undo = append(tx.(*memTx).undo, func() { res.Status = ReservationReserved })
	return nil
}

func newLockFactory(t *testing.T, waitTimeout time.Duration) *lock.Factory {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return lock.NewFactory(client, waitTimeout, lock.WithExpire(5*time.Second), lock.WithAutoRenewal())
}

func newTestUseCase(t *testing.T, repo Repository, mode ConcurrencyMode) *StockUseCase {
	t.Helper()
	var locks *lock.Factory
	if mode == ModeLock {
		locks = newLockFactory(t, 10*time.Second)
	}
	uc := NewStockUseCase(repo, locks, mode, zap.NewNop(), noop.NewTracerProvider().Tracer("test"))
	uc.sleep = func(context.Context, time.Duration) error { return nil }
	return uc
}

func TestReserve(t *testing.T) {
	testCases := []struct {
		name      string
		items     []ReservedItem
		wantErr   error
		wantStock map[int32]int32
	}{
		{
			name:      "success: every item deducted",
			items:     []ReservedItem{{GoodsID: 1, Num: 2}, {GoodsID: 2, Num: 5}},
			wantStock: map[int32]int32{1: 8, 2: 0},
		},
		{
			name:      "error: insufficient stock rolls the whole batch back",
			items:     []ReservedItem{{GoodsID: 1, Num: 2}, {GoodsID: 2, Num: 6}},
			wantErr:   errs.ErrInsufficientStock,
			wantStock: map[int32]int32{1: 10, 2: 5},
		},
		{
			name:      "error: unknown goods",
			items:     []ReservedItem{{GoodsID: 1, Num: 1}, {GoodsID: 99, Num: 1}},
			wantErr:   errs.ErrNotFound,
			wantStock: map[int32]int32{1: 10, 2: 5},
		},
		{
			name:      "error: non positive num",
			items:     []ReservedItem{{GoodsID: 1, Num: 0}},
			wantErr:   errs.ErrInvalidArgument,
			wantStock: map[int32]int32{1: 10, 2: 5},
		},
		{
			name:      "error: nothing to reserve",
			wantErr:   errs.ErrInvalidArgument,
			wantStock: map[int32]int32{1: 10, 2: 5},
		},
	}

	for _, mode := range []ConcurrencyMode{ModeLock, ModeOptimistic} {
		for _, tc := range testCases {
			t.Run(string(mode)+"/"+tc.name, func(t *testing.T) {
				// Arrange
				repo := newMemRepository(map[int32]int32{1: 10, 2: 5})
				uc := newTestUseCase(t, repo, mode)

				// Act
				err := uc.Reserve(context.Background(), "sn-1", tc.items)

				// Assert
				if tc.wantErr != nil {
					assert.True(t, errors.Is(err, tc.wantErr), "got %v", err)
					assert.Nil(t, repo.reservation("sn-1"))
				} else {
					require.NoError(t, err)
					res := repo.reservation("sn-1")
					require.NotNil(t, res)
					assert.Equal(t, ReservationReserved, res.Status)
					assert.Equal(t, tc.items, res.Items)
				}
				for id, want := range tc.wantStock {
					assert.Equal(t, want, repo.quantity(id), "goods %d", id)
				}
			})
		}
	}
}

func TestReserve_ConcurrentBuyersNeverOversell(t *testing.T) {
	// Arrange
	repo := newMemRepository(map[int32]int32{1: 10})
	uc := newTestUseCase(t, repo, ModeLock)

	var (
		wg      sync.WaitGroup
		results = make([]error, 2)
	)

	// Act
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = uc.Reserve(context.Background(), []string{"sn-a", "sn-b"}[i], []ReservedItem{{GoodsID: 1, Num: 6}})
		}(i)
	}
	wg.Wait()

	// Assert
	var ok, short int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, errs.ErrInsufficientStock):
			short++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, short)
	assert.Equal(t, int32(4), repo.quantity(1))
}

func TestReserve_ManyBuyers(t *testing.T) {
	// Arrange
	repo := newMemRepository(map[int32]int32{1: 5})
	uc := newTestUseCase(t, repo, ModeLock)

	const buyers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)

	// Act
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sn := "sn-" + string(rune('a'+i))
			if err := uc.Reserve(context.Background(), sn, []ReservedItem{{GoodsID: 1, Num: 1}}); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			} else {
				assert.True(t, errors.Is(err, errs.ErrInsufficientStock), "got %v", err)
			}
		}(i)
	}
	wg.Wait()

	// Assert
	assert.Equal(t, 5, success)
	assert.Equal(t, int32(0), repo.quantity(1))
}

func TestReserve_Idempotent(t *testing.T) {
	repo := newMemRepository(map[int32]int32{1: 10})
	uc := newTestUseCase(t, repo, ModeLock)
	items := []ReservedItem{{GoodsID: 1, Num: 3}}

	require.NoError(t, uc.Reserve(context.Background(), "sn-1", items))
	require.NoError(t, uc.Reserve(context.Background(), "sn-1", items))

	assert.Equal(t, int32(7), repo.quantity(1))
}

func TestReserve_AfterCompensationIsRefused(t *testing.T) {
	// Arrange
	repo := newMemRepository(map[int32]int32{1: 10})
	uc := newTestUseCase(t, repo, ModeLock)
	require.NoError(t, uc.Release(context.Background(), "sn-late"))

	// Act
	err := uc.Reserve(context.Background(), "sn-late", []ReservedItem{{GoodsID: 1, Num: 3}})

	// Assert
	assert.True(t, errors.Is(err, ErrAlreadyCompensated))
	assert.True(t, errors.Is(err, errs.ErrFailedPrecondition))
	assert.Equal(t, int32(10), repo.quantity(1))
}

func TestReserve_OptimisticRetriesThenConflict(t *testing.T) {
	testCases := []struct {
		name      string
		conflicts int
		wantErr   error
		wantCalls int
		wantStock int32
	}{
		{name: "success: wins after two lost races", conflicts: 2, wantCalls: 3, wantStock: 7},
		{name: "error: conflict after five lost races", conflicts: 5, wantErr: errs.ErrConflict, wantCalls: 5, wantStock: 10},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Arrange
			repo := newMemRepository(map[int32]int32{1: 10})
			repo.casConflicts = tc.conflicts
			uc := newTestUseCase(t, repo, ModeOptimistic)

			// Act
			err := uc.Reserve(context.Background(), "sn-1", []ReservedItem{{GoodsID: 1, Num: 3}})

			// Assert
			if tc.wantErr != nil {
				assert.True(t, errors.Is(err, tc.wantErr), "got %v", err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tc.wantCalls, repo.casCalls)
			assert.Equal(t, tc.wantStock, repo.quantity(1))
		})
	}
}

func TestReserve_LockBusyIsConflict(t *testing.T) {
	// Arrange
	repo := newMemRepository(map[int32]int32{1: 10})
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locks := lock.NewFactory(client, 100*time.Millisecond, lock.WithExpire(5*time.Second))
	uc := NewStockUseCase(repo, locks, ModeLock, zap.NewNop(), noop.NewTracerProvider().Tracer("test"))

	holder, err := locks.Obtain(context.Background(), lockName(1))
	require.NoError(t, err)
	defer holder.Release(context.Background())

	// Act
	err = uc.Reserve(context.Background(), "sn-1", []ReservedItem{{GoodsID: 1, Num: 1}})

	// Assert
	assert.True(t, errors.Is(err, errs.ErrConflict), "got %v", err)
	assert.False(t, errors.Is(err, errs.ErrInsufficientStock))
	assert.Equal(t, int32(10), repo.quantity(1))
}

func TestRelease(t *testing.T) {
	// Arrange
	repo := newMemRepository(map[int32]int32{1: 10, 2: 4})
	uc := newTestUseCase(t, repo, ModeLock)
	require.NoError(t, uc.Reserve(context.Background(), "sn-1", []ReservedItem{{GoodsID: 2, Num: 4}, {GoodsID: 1, Num: 3}}))

	// Act
	errFirst := uc.Release(context.Background(), "sn-1")
	errSecond := uc.Release(context.Background(), "sn-1")

	// Assert
	require.NoError(t, errFirst)
	require.NoError(t, errSecond)
	assert.Equal(t, int32(10), repo.quantity(1))
	assert.Equal(t, int32(4), repo.quantity(2))
	assert.Equal(t, ReservationReturned, repo.reservation("sn-1").Status)
}

func TestRelease_WithoutReservationWritesTombstone(t *testing.T) {
	repo := newMemRepository(map[int32]int32{1: 10})
	uc := newTestUseCase(t, repo, ModeLock)

	require.NoError(t, uc.Release(context.Background(), "sn-ghost"))

	res := repo.reservation("sn-ghost")
	require.NotNil(t, res)
	assert.Equal(t, ReservationReturned, res.Status)
	assert.Empty(t, res.Items)
	assert.Equal(t, int32(10), repo.quantity(1))
}

func TestSetStockAndDetail(t *testing.T) {
	repo := newMemRepository(nil)
	uc := newTestUseCase(t, repo, ModeLock)
	ctx := context.Background()

	require.NoError(t, uc.SetStock(ctx, 7, 100))
	require.NoError(t, uc.SetStock(ctx, 7, 40))
	assert.True(t, errors.Is(uc.SetStock(ctx, 7, -1), errs.ErrInvalidArgument))

	stock, err := uc.StockDetail(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int32(40), stock.Quantity)

	_, err = uc.StockDetail(ctx, 8)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestBatchStockDetail(t *testing.T) {
	repo := newMemRepository(map[int32]int32{1: 10, 3: 30})
	uc := newTestUseCase(t, repo, ModeOptimistic)

	var got []int32
	err := uc.BatchStockDetail(context.Background(), []int32{3, 2, 1}, func(s StockItem) error {
		got = append(got, s.GoodsID, s.Quantity)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int32{3, 30, 1, 10}, got)
}

func TestResetLocks(t *testing.T) {
	repo := newMemRepository(map[int32]int32{1: 10})
	uc := newTestUseCase(t, repo, ModeLock)
	ctx := context.Background()

	held, err := uc.locks.Obtain(ctx, lockName(1))
	require.NoError(t, err)
	defer func() { _ = held.Release(ctx) }()

	n, err := uc.ResetLocks(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// the reset lock can be taken again right away
	require.NoError(t, uc.Reserve(ctx, "sn-1", []ReservedItem{{GoodsID: 1, Num: 1}}))

	_, err = newTestUseCase(t, repo, ModeOptimistic).ResetLocks(ctx, 0)
	assert.True(t, errors.Is(err, errs.ErrFailedPrecondition))
}
