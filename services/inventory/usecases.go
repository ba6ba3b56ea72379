package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matheusmosca/mxshop-fulfillment/internal/errs"
	"github.com/matheusmosca/mxshop-fulfillment/internal/lock"
)

// ConcurrencyMode selects how concurrent deductions of the same goods are
// serialized.
type ConcurrencyMode string

const (
	// ModeLock holds the Redis lock goods_<id> around the read and update.
	ModeLock ConcurrencyMode = "lock"
	// ModeOptimistic retries a version compare-and-set instead.
	ModeOptimistic ConcurrencyMode = "optimistic"

	defaultCASRetries = 5
	defaultCASBackoff = 20 * time.Millisecond
)

// StockUseCase is the stock ledger.
type StockUseCase struct {
	repository Repository
	locks      *lock.Factory
	mode       ConcurrencyMode
	logger     *zap.Logger
	tracer     trace.Tracer

	casRetries int
	casBackoff time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewStockUseCase creates the ledger. locks may be nil in optimistic mode.
func NewStockUseCase(
	repository Repository,
	locks *lock.Factory,
	mode ConcurrencyMode,
	logger *zap.Logger,
	tracer trace.Tracer,
) *StockUseCase {
	return &StockUseCase{
		repository: repository,
		locks:      locks,
		mode:       mode,
		logger:     logger,
		tracer:     tracer,
		casRetries: defaultCASRetries,
		casBackoff: defaultCASBackoff,
		sleep:      sleepCtx,
	}
}

func lockName(goodsID int32) string {
	return fmt.Sprintf("goods_%d", goodsID)
}

// Reserve deducts every item for orderSN in one transaction, in the order
// given. A second call for an order that is already reserved succeeds
// without touching stock.
func (uc *StockUseCase) Reserve(ctx context.Context, orderSN string, items []ReservedItem) error {
	ctx, span := uc.tracer.Start(ctx, "stock.reserve")
	defer span.End()
	span.SetAttributes(attribute.String("order_sn", orderSN), attribute.Int("items", len(items)))

	if err := validateReserve(orderSN, items); err != nil {
		return err
	}

	tx, err := uc.repository.BeginTx(ctx)
	if err != nil {
		return errs.Wrapf(err, errs.ErrInternal, "reserve %s", orderSN)
	}
	defer tx.Rollback()

	existing, err := uc.repository.GetReservationForUpdate(ctx, tx, orderSN)
	if err != nil {
		return errs.Wrapf(err, errs.ErrInternal, "reserve %s", orderSN)
	}
	if existing != nil {
		if existing.Status == ReservationReserved {
			uc.logger.Info("reservation already recorded", zap.String("order_sn", orderSN))
			return nil
		}
		return errors.Wrapf(ErrAlreadyCompensated, "reserve %s", orderSN)
	}

	for _, item := range items {
		if err := uc.deduct(ctx, tx, orderSN, item); err != nil {
			uc.logger.Info("reservation refused",
				zap.String("order_sn", orderSN),
				zap.Int32("goods_id", item.GoodsID),
				zap.Error(err),
			)
			return err
		}
	}

	if err := uc.repository.InsertReservation(ctx, tx, NewReservation(orderSN, items)); err != nil {
		return errs.Wrapf(err, errs.ErrInternal, "reserve %s", orderSN)
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrapf(err, errs.ErrInternal, "commit reservation %s", orderSN)
	}

	uc.logger.Info("stock reserved", zap.String("order_sn", orderSN), zap.Int("items", len(items)))
	return nil
}

func (uc *StockUseCase) deduct(ctx context.Context, tx Tx, orderSN string, item ReservedItem) error {
	if uc.mode == ModeOptimistic {
		return uc.deductCAS(ctx, tx, orderSN, item)
	}

	l, err := uc.obtain(ctx, item.GoodsID)
	if err != nil {
		return err
	}
	defer uc.release(ctx, l)

	stock, err := uc.repository.GetStockTx(ctx, tx, item.GoodsID)
	if err != nil {
		return err
	}
	if stock.Quantity < item.Num {
		return errs.Newf(errs.ErrInsufficientStock, "goods %d: have %d, want %d", item.GoodsID, stock.Quantity, item.Num)
	}

	ok, err := uc.repository.DecreaseStock(ctx, tx, item.GoodsID, item.Num)
	if err != nil {
		return errs.Wrapf(err, errs.ErrInternal, "reserve %s", orderSN)
	}
	if !ok {
		return errs.Newf(errs.ErrInsufficientStock, "goods %d: stock changed below %d", item.GoodsID, item.Num)
	}
	return nil
}

func (uc *StockUseCase) deductCAS(ctx context.Context, tx Tx, orderSN string, item ReservedItem) error {
	for attempt := 0; attempt < uc.casRetries; attempt++ {
		stock, err := uc.repository.GetStockTx(ctx, tx, item.GoodsID)
		if err != nil {
			return err
		}
		if stock.Quantity < item.Num {
			return errs.Newf(errs.ErrInsufficientStock, "goods %d: have %d, want %d", item.GoodsID, stock.Quantity, item.Num)
		}

		ok, err := uc.repository.DecreaseStockCAS(ctx, tx, item.GoodsID, item.Num, stock.Version)
		if err != nil {
			return errs.Wrapf(err, errs.ErrInternal, "reserve %s", orderSN)
		}
		if ok {
			return nil
		}

		if err := uc.sleep(ctx, uc.backoff(attempt)); err != nil {
			return errs.Wrapf(err, errs.ErrConflict, "goods %d", item.GoodsID)
		}
	}
	return errs.Newf(errs.ErrConflict, "goods %d: version changed %d times", item.GoodsID, uc.casRetries)
}

// backoff grows linearly with the attempt and adds up to half a step of
// jitter.
func (uc *StockUseCase) backoff(attempt int) time.Duration {
	step := uc.casBackoff * time.Duration(attempt+1)
	return step + time.Duration(rand.Int64N(int64(uc.casBackoff/2)+1))
}

func (uc *StockUseCase) obtain(ctx context.Context, goodsID int32) (*lock.Lock, error) {
	l, err := uc.locks.Obtain(ctx, lockName(goodsID))
	if errors.Is(err, lock.ErrNotObtained) {
		return nil, errs.Wrapf(err, errs.ErrConflict, "goods %d busy", goodsID)
	}
	if err != nil {
		return nil, errs.Wrapf(err, errs.ErrUnavailable, "lock goods %d", goodsID)
	}
	return l, nil
}

func (uc *StockUseCase) release(ctx context.Context, l *lock.Lock) {
	if err := l.Release(context.WithoutCancel(ctx)); err != nil {
		uc.logger.Warn("lock release failed", zap.String("lock", l.Name()), zap.Error(err))
	}
}

// Release gives back what orderSN reserved. It is idempotent: a RETURNED
// record is a no-op and a missing record becomes a tombstone so a late
// reservation for the same order is refused.
func (uc *StockUseCase) Release(ctx context.Context, orderSN string) error {
	ctx, span := uc.tracer.Start(ctx, "stock.release")
	defer span.End()
	span.SetAttributes(attribute.String("order_sn", orderSN))

	if orderSN == "" {
		return errs.Newf(errs.ErrInvalidArgument, "order sn is required")
	}

	tx, err := uc.repository.BeginTx(ctx)
	if err != nil {
		return errs.Wrapf(err, errs.ErrInternal, "release %s", orderSN)
	}
	defer tx.Rollback()

	res, err := uc.repository.GetReservationForUpdate(ctx, tx, orderSN)
	if err != nil {
		return errs.Wrapf(err, errs.ErrInternal, "release %s", orderSN)
	}

	switch {
	case res == nil:
		inserted, err := uc.repository.InsertTombstone(ctx, tx, orderSN)
		if err != nil {
			return errs.Wrapf(err, errs.ErrInternal, "release %s", orderSN)
		}
		if !inserted {
			return errs.Newf(errs.ErrConflict, "release %s: reservation recorded concurrently", orderSN)
		}
		uc.logger.Info("no reservation to release, tombstone written", zap.String("order_sn", orderSN))
	case res.Status == ReservationReturned:
		uc.logger.Info("reservation already released", zap.String("order_sn", orderSN))
		return nil
	default:
		for _, item := range res.sortedItems() {
			if err := uc.restore(ctx, tx, item); err != nil {
				return err
			}
		}
		if err := uc.repository.MarkReturned(ctx, tx, orderSN); err != nil {
			return errs.Wrapf(err, errs.ErrInternal, "release %s", orderSN)
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrapf(err, errs.ErrInternal, "commit release %s", orderSN)
	}
	if res != nil {
		uc.logger.Info("stock released", zap.String("order_sn", orderSN), zap.Int("items", len(res.Items)))
	}
	return nil
}

func (uc *StockUseCase) restore(ctx context.Context, tx Tx, item ReservedItem) error {
	if uc.mode == ModeLock {
		l, err := uc.obtain(ctx, item.GoodsID)
		if err != nil {
			return err
		}
		defer uc.release(ctx, l)
	}
	return uc.repository.IncreaseStock(ctx, tx, item.GoodsID, item.Num)
}

// SetStock overwrites the quantity of goodsID, creating the record if
// needed.
func (uc *StockUseCase) SetStock(ctx context.Context, goodsID, quantity int32) error {
	ctx, span := uc.tracer.Start(ctx, "stock.set")
	defer span.End()
	span.SetAttributes(attribute.Int("goods_id", int(goodsID)), attribute.Int("quantity", int(quantity)))

	if goodsID <= 0 {
		return errs.Newf(errs.ErrInvalidArgument, "invalid goods id %d", goodsID)
	}
	if quantity < 0 {
		return errs.Newf(errs.ErrInvalidArgument, "goods %d: quantity must not be negative, got %d", goodsID, quantity)
	}

	if uc.mode == ModeLock {
		l, err := uc.obtain(ctx, goodsID)
		if err != nil {
			return err
		}
		defer uc.release(ctx, l)
	}
	if err := uc.repository.UpsertStock(ctx, goodsID, quantity); err != nil {
		return errs.Wrapf(err, errs.ErrInternal, "set stock %d", goodsID)
	}
	return nil
}

func (uc *StockUseCase) StockDetail(ctx context.Context, goodsID int32) (*StockItem, error) {
	ctx, span := uc.tracer.Start(ctx, "stock.detail")
	defer span.End()

	return uc.repository.GetStock(ctx, goodsID)
}

// BatchStockDetail calls fn for every known goods among ids, in request
// order. Unknown ids are skipped.
func (uc *StockUseCase) BatchStockDetail(ctx context.Context, ids []int32, fn func(StockItem) error) error {
	ctx, span := uc.tracer.Start(ctx, "stock.batch_detail")
	defer span.End()
	span.SetAttributes(attribute.Int("goods", len(ids)))

	if len(ids) == 0 {
		return nil
	}
	stocks, err := uc.repository.GetStocks(ctx, ids)
	if err != nil {
		return errs.Wrapf(err, errs.ErrInternal, "batch stock detail")
	}
	byID := make(map[int32]StockItem, len(stocks))
	for _, s := range stocks {
		byID[s.GoodsID] = s
	}
	for _, id := range ids {
		s, ok := byID[id]
		if !ok {
			continue
		}
		if err := fn(s); err != nil {
			return err
		}
	}
	return nil
}

// ResetLocks force-releases the lock of goodsID, or every goods lock when
// goodsID is zero.
func (uc *StockUseCase) ResetLocks(ctx context.Context, goodsID int32) (int, error) {
	if uc.locks == nil {
		return 0, errs.Newf(errs.ErrFailedPrecondition, "stock locks are disabled in %s mode", uc.mode)
	}
	if goodsID == 0 {
		n, err := uc.locks.ResetAll(ctx)
		return n, errs.Wrapf(err, errs.ErrUnavailable, "reset locks")
	}
	if err := uc.locks.Reset(ctx, lockName(goodsID)); err != nil {
		return 0, errs.Wrapf(err, errs.ErrUnavailable, "reset lock goods %d", goodsID)
	}
	return 1, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
