package main

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matheusmosca/mxshop-fulfillment/internal/errs"
)

// Repository is the persistence surface of the stock ledger. Methods taking
// a Tx run inside the caller's transaction.
type Repository interface {
	BeginTx(ctx context.Context) (Tx, error)

	GetStock(ctx context.Context, goodsID int32) (*StockItem, error)
	GetStocks(ctx context.Context, goodsIDs []int32) ([]StockItem, error)
	UpsertStock(ctx context.Context, goodsID, quantity int32) error

	GetStockTx(ctx context.Context, tx Tx, goodsID int32) (*StockItem, error)
	// DecreaseStock deducts num only while quantity >= num and reports
	// whether a row was changed.
	DecreaseStock(ctx context.Context, tx Tx, goodsID, num int32) (bool, error)
	// DecreaseStockCAS deducts num only if the row still has version.
	DecreaseStockCAS(ctx context.Context, tx Tx, goodsID, num int32, version int64) (bool, error)
	IncreaseStock(ctx context.Context, tx Tx, goodsID, num int32) error

	// GetReservationForUpdate returns nil, nil when the order has no record.
	GetReservationForUpdate(ctx context.Context, tx Tx, orderSN string) (*Reservation, error)
	InsertReservation(ctx context.Context, tx Tx, r *Reservation) error
	// InsertTombstone writes a RETURNED record with no items and reports
	// false when a record for the order already exists.
	InsertTombstone(ctx context.Context, tx Tx, orderSN string) (bool, error)
	MarkReturned(ctx context.Context, tx Tx, orderSN string) error
}

type Tx interface {
	Commit() error
	Rollback() error
}

type PostgresTx struct {
	tx pgx.Tx
}

func (t *PostgresTx) Commit() error {
	return t.tx.Commit(context.Background())
}

func (t *PostgresTx) Rollback() error {
	return t.tx.Rollback(context.Background())
}

type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewRepository creates the Postgres ledger repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	return &PostgresTx{tx: tx}, nil
}

func (r *PostgresRepository) GetStock(ctx context.Context, goodsID int32) (*StockItem, error) {
	var s StockItem
	err := r.db.QueryRow(ctx, `
		SELECT goods_id, quantity, version, created_at, updated_at
		FROM stocks
		WHERE goods_id = $1 AND NOT is_deleted
	`, goodsID).Scan(&s.GoodsID, &s.Quantity, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "goods %d: no stock record", goodsID)
	}
	return &s, nil
}

func (r *PostgresRepository) GetStocks(ctx context.Context, goodsIDs []int32) ([]StockItem, error) {
	rows, err := r.db.Query(ctx, `
		SELECT goods_id, quantity, version, created_at, updated_at
		FROM stocks
		WHERE goods_id = ANY($1) AND NOT is_deleted
	`, goodsIDs)
	if err != nil {
		return nil, errors.Wrap(err, "query stocks")
	}
	defer rows.Close()

	var out []StockItem
	for rows.Next() {
		var s StockItem
		if err := rows.Scan(&s.GoodsID, &s.Quantity, &s.Version, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan stock")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) UpsertStock(ctx context.Context, goodsID, quantity int32) error {
	now := time.Now()
	_, err := r.db.Exec(ctx, `
		INSERT INTO stocks (goods_id, quantity, version, created_at, updated_at, is_deleted)
		VALUES ($1, $2, 1, $3, $3, FALSE)
		ON CONFLICT (goods_id) DO UPDATE
		SET quantity = EXCLUDED.quantity,
			version = stocks.version + 1,
			updated_at = EXCLUDED.updated_at,
			is_deleted = FALSE
	`, goodsID, quantity, now)
	return errors.Wrapf(err, "upsert stock %d", goodsID)
}

func (r *PostgresRepository) GetStockTx(ctx context.Context, tx Tx, goodsID int32) (*StockItem, error) {
	pgTx := tx.(*PostgresTx).tx

	var s StockItem
	err := pgTx.QueryRow(ctx, `
		SELECT goods_id, quantity, version, created_at, updated_at
		FROM stocks
		WHERE goods_id = $1 AND NOT is_deleted
	`, goodsID).Scan(&s.GoodsID, &s.Quantity, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "goods %d: no stock record", goodsID)
	}
	return &s, nil
}

func (r *PostgresRepository) DecreaseStock(ctx context.Context, tx Tx, goodsID, num int32) (bool, error) {
	pgTx := tx.(*PostgresTx).tx

	tag, err := pgTx.Exec(ctx, `
		UPDATE stocks
		SET quantity = quantity - $2, version = version + 1, updated_at = $3
		WHERE goods_id = $1 AND quantity >= $2 AND NOT is_deleted
	`, goodsID, num, time.Now())
	if err != nil {
		return false, errors.Wrapf(err, "decrease stock %d", goodsID)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) DecreaseStockCAS(ctx context.Context, tx Tx, goodsID, num int32, version int64) (bool, error) {
	pgTx := tx.(*PostgresTx).tx

	tag, err := pgTx.Exec(ctx, `
		UPDATE stocks
		SET quantity = quantity - $2, version = version + 1, updated_at = $4
		WHERE goods_id = $1 AND version = $3 AND quantity >= $2 AND NOT is_deleted
	`, goodsID, num, version, time.Now())
	if err != nil {
		return false, errors.Wrapf(err, "decrease stock %d at version %d", goodsID, version)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) IncreaseStock(ctx context.Context, tx Tx, goodsID, num int32) error {
	pgTx := tx.(*PostgresTx).tx

	tag, err := pgTx.Exec(ctx, `
		UPDATE stocks
		SET quantity = quantity + $2, version = version + 1, updated_at = $3
		WHERE goods_id = $1
	`, goodsID, num, time.Now())
	if err != nil {
		return errors.Wrapf(err, "increase stock %d", goodsID)
	}
	if tag.RowsAffected() == 0 {
		return errs.Newf(errs.ErrNotFound, "goods %d: no stock record", goodsID)
	}
	return nil
}

func (r *PostgresRepository) GetReservationForUpdate(ctx context.Context, tx Tx, orderSN string) (*Reservation, error) {
	pgTx := tx.(*PostgresTx).tx

	var (
		res   Reservation
		items []byte
	)
	err := pgTx.QueryRow(ctx, `
		SELECT order_sn, status, items, created_at, updated_at
		FROM stock_reservations
		WHERE order_sn = $1
		FOR UPDATE
	`, orderSN).Scan(&res.OrderSN, &res.Status, &items, &res.CreatedAt, &res.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get reservation %s", orderSN)
	}
	if err := json.Unmarshal(items, &res.Items); err != nil {
		return nil, errors.Wrapf(err, "decode reservation %s items", orderSN)
	}
	return &res, nil
}

func (r *PostgresRepository) InsertReservation(ctx context.Context, tx Tx, res *Reservation) error {
	pgTx := tx.(*PostgresTx).tx

	items, err := json.Marshal(res.Items)
	if err != nil {
		return errors.Wrapf(err, "encode reservation %s items", res.OrderSN)
	}
	_, err = pgTx.Exec(ctx, `
		INSERT INTO stock_reservations (order_sn, status, items, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, res.OrderSN, res.Status, items, res.CreatedAt, res.UpdatedAt)
	return errors.Wrapf(err, "insert reservation %s", res.OrderSN)
}

func (r *PostgresRepository) InsertTombstone(ctx context.Context, tx Tx, orderSN string) (bool, error) {
	pgTx := tx.(*PostgresTx).tx

	now := time.Now()
	tag, err := pgTx.Exec(ctx, `
		INSERT INTO stock_reservations (order_sn, status, items, created_at, updated_at)
		VALUES ($1, $2, '[]', $3, $3)
		ON CONFLICT (order_sn) DO NOTHING
	`, orderSN, ReservationReturned, now)
	if err != nil {
		return false, errors.Wrapf(err, "insert tombstone %s", orderSN)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) MarkReturned(ctx context.Context, tx Tx, orderSN string) error {
	pgTx := tx.(*PostgresTx).tx

	_, err := pgTx.Exec(ctx, `
		UPDATE stock_reservations
		SET status = $2, updated_at = $3
		WHERE order_sn = $1 AND status = $4
	`, orderSN, ReservationReturned, time.Now(), ReservationReserved)
	return errors.Wrapf(err, "mark reservation %s returned", orderSN)
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.Newf(errs.ErrNotFound, format, args...)
	}
	return errors.Wrapf(err, format, args...)
}
