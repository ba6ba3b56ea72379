package main

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matheusmosca/mxshop-fulfillment/internal/errs"
)

// Repository is the persistence of carts and orders. Methods taking a Tx
// run inside the caller's transaction.
type Repository interface {
	BeginTx(ctx context.Context) (Tx, error)

	ListCart(ctx context.Context, userID int32) ([]CartItem, error)
	CheckedCart(ctx context.Context, userID int32) ([]CartItem, error)
	// LockCheckedCart reads the checked entries and holds their rows until
	// tx ends.
	LockCheckedCart(ctx context.Context, tx Tx, userID int32) ([]CartItem, error)
	// AddCartItem adds nums to the live entry of (user, goods), creating it
	// when there is none.
	AddCartItem(ctx context.Context, item *CartItem) (*CartItem, error)
	UpdateCartItem(ctx context.Context, userID, goodsID int32, nums *int32, checked *bool) error
	SoftDeleteCartItem(ctx context.Context, userID, goodsID int32) error
	// DeleteCheckedCart removes the settled entries of goodsIDs.
	DeleteCheckedCart(ctx context.Context, tx Tx, userID int32, goodsIDs []int32) error

	InsertOrder(ctx context.Context, tx Tx, order *Order) error
	ListOrders(ctx context.Context, userID int32, offset, limit int) ([]Order, int64, error)
	GetOrder(ctx context.Context, id int64, userID int32) (*Order, error)
	GetOrderForUpdate(ctx context.Context, tx Tx, orderSN string) (*Order, error)
	UpdateOrderStatus(ctx context.Context, tx Tx, orderSN, status string, payTime *time.Time) error
	OrderExists(ctx context.Context, orderSN string) (bool, error)
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

type OrderRepository struct {
	db *pgxpool.Pool
}

// NewOrderRepository creates the Postgres repository.
func NewOrderRepository(db *pgxpool.Pool) Repository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	return &PostgresTx{tx: tx}, nil
}

const cartColumns = `id, user_id, goods_id, nums, checked, created_at, updated_at`

func (r *OrderRepository) ListCart(ctx context.Context, userID int32) ([]CartItem, error) {
	return queryCart(ctx, r.db, `
		SELECT `+cartColumns+`
		FROM shopping_carts
		WHERE user_id = $1 AND NOT is_deleted
		ORDER BY id
	`, userID)
}

func (r *OrderRepository) CheckedCart(ctx context.Context, userID int32) ([]CartItem, error) {
	return queryCart(ctx, r.db, `
		SELECT `+cartColumns+`
		FROM shopping_carts
		WHERE user_id = $1 AND checked AND NOT is_deleted
		ORDER BY goods_id
	`, userID)
}

func (r *OrderRepository) LockCheckedCart(ctx context.Context, tx Tx, userID int32) ([]CartItem, error) {
	pgTx := tx.(*PostgresTx).tx

	return queryCart(ctx, pgTx, `
		SELECT `+cartColumns+`
		FROM shopping_carts
		WHERE user_id = $1 AND checked AND NOT is_deleted
		ORDER BY goods_id
		FOR UPDATE
	`, userID)
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryCart(ctx context.Context, q querier, sql string, args ...any) ([]CartItem, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query cart")
	}
	defer rows.Close()

	var out []CartItem
	for rows.Next() {
		var c CartItem
		if err := rows.Scan(&c.ID, &c.UserID, &c.GoodsID, &c.Nums, &c.Checked, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan cart item")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *OrderRepository) AddCartItem(ctx context.Context, item *CartItem) (*CartItem, error) {
	now := time.Now()
	var c CartItem
	err := r.db.QueryRow(ctx, `
		INSERT INTO shopping_carts (user_id, goods_id, nums, checked, is_deleted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, FALSE, $5, $5)
		ON CONFLICT (user_id, goods_id) WHERE NOT is_deleted DO UPDATE
		SET nums = shopping_carts.nums + EXCLUDED.nums,
			checked = EXCLUDED.checked,
			updated_at = EXCLUDED.updated_at
		RETURNING `+cartColumns,
		item.UserID, item.GoodsID, item.Nums, item.Checked, now,
	).Scan(&c.ID, &c.UserID, &c.GoodsID, &c.Nums, &c.Checked, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "add goods %d to cart of user %d", item.GoodsID, item.UserID)
	}
	return &c, nil
}

func (r *OrderRepository) UpdateCartItem(ctx context.Context, userID, goodsID int32, nums *int32, checked *bool) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE shopping_carts
		SET nums = COALESCE($3, nums),
			checked = COALESCE($4, checked),
			updated_at = $5
		WHERE user_id = $1 AND goods_id = $2 AND NOT is_deleted
	`, userID, goodsID, nums, checked, time.Now())
	if err != nil {
		return errors.Wrapf(err, "update cart goods %d of user %d", goodsID, userID)
	}
	if tag.RowsAffected() == 0 {
		return errs.Newf(errs.ErrNotFound, "goods %d is not in the cart of user %d", goodsID, userID)
	}
	return nil
}

func (r *OrderRepository) SoftDeleteCartItem(ctx context.Context, userID, goodsID int32) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE shopping_carts
		SET is_deleted = TRUE, updated_at = $3
		WHERE user_id = $1 AND goods_id = $2 AND NOT is_deleted
	`, userID, goodsID, time.Now())
	if err != nil {
		return errors.Wrapf(err, "delete cart goods %d of user %d", goodsID, userID)
	}
	if tag.RowsAffected() == 0 {
		return errs.Newf(errs.ErrNotFound, "goods %d is not in the cart of user %d", goodsID, userID)
	}
	return nil
}

func (r *OrderRepository) DeleteCheckedCart(ctx context.Context, tx Tx, userID int32, goodsIDs []int32) error {
	pgTx := tx.(*PostgresTx).tx

	_, err := pgTx.Exec(ctx, `
		UPDATE shopping_carts
		SET is_deleted = TRUE, updated_at = $3
		WHERE user_id = $1 AND goods_id = ANY($2) AND checked AND NOT is_deleted
	`, userID, goodsIDs, time.Now())
	return errors.Wrapf(err, "delete checked cart of user %d", userID)
}

func (r *OrderRepository) InsertOrder(ctx context.Context, tx Tx, order *Order) error {
	pgTx := tx.(*PostgresTx).tx

	err := pgTx.QueryRow(ctx, `
		INSERT INTO orders (order_sn, user_id, status, order_mount, pay_type, trade_no,
			address, signer_name, signer_mobile, post, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`, order.OrderSn, order.UserID, order.Status, order.OrderMount, order.PayType, order.TradeNo,
		order.Address, order.SignerName, order.SignerMobile, order.Post, order.CreatedAt, order.UpdatedAt,
	).Scan(&order.ID)
	if err != nil {
		return errors.Wrapf(err, "insert order %s", order.OrderSn)
	}

	batch := &pgx.Batch{}
	for i := range order.Goods {
		it := &order.Goods[i]
		it.OrderID = order.ID
		batch.Queue(`
			INSERT INTO order_goods (order_id, goods_id, goods_name, goods_image, goods_price, nums)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, it.OrderID, it.GoodsID, it.GoodsName, it.GoodsImage, it.GoodsPrice, it.Nums)
	}
	if err := pgTx.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrapf(err, "insert goods of order %s", order.OrderSn)
	}
	return nil
}

const orderColumns = `id, order_sn, user_id, status, order_mount, pay_type, trade_no, pay_time,
	address, signer_name, signer_mobile, post, created_at, updated_at`

func scanOrder(row pgx.Row, o *Order) error {
	return row.Scan(&o.ID, &o.OrderSn, &o.UserID, &o.Status, &o.OrderMount, &o.PayType, &o.TradeNo, &o.PayTime,
		&o.Address, &o.SignerName, &o.SignerMobile, &o.Post, &o.CreatedAt, &o.UpdatedAt)
}

// ListOrders pages through the orders of userID, newest first. A zero
// userID lists every order.
func (r *OrderRepository) ListOrders(ctx context.Context, userID int32, offset, limit int) ([]Order, int64, error) {
	var total int64
	if err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM orders WHERE $1 = 0 OR user_id = $1
	`, userID).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "count orders")
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE $1 = 0 OR user_id = $1
		ORDER BY id DESC
		OFFSET $2 LIMIT $3
	`, userID, offset, limit)
	if err != nil {
		return nil, 0, errors.Wrap(err, "list orders")
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		if err := scanOrder(rows, &o); err != nil {
			return nil, 0, errors.Wrap(err, "scan order")
		}
		out = append(out, o)
	}
	return out, total, rows.Err()
}

// GetOrder loads an order with its goods. A non-zero userID restricts the
// lookup to that user's orders.
func (r *OrderRepository) GetOrder(ctx context.Context, id int64, userID int32) (*Order, error) {
	var o Order
	err := scanOrder(r.db.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = $1 AND ($2 = 0 OR user_id = $2)
	`, id, userID), &o)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.Newf(errs.ErrNotFound, "order %d not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get order %d", id)
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, order_id, goods_id, goods_name, goods_image, goods_price, nums
		FROM order_goods
		WHERE order_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get goods of order %d", id)
	}
	defer rows.Close()
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.GoodsID, &it.GoodsName, &it.GoodsImage, &it.GoodsPrice, &it.Nums); err != nil {
			return nil, errors.Wrap(err, "scan order goods")
		}
		o.Goods = append(o.Goods, it)
	}
	return &o, rows.Err()
}

func (r *OrderRepository) GetOrderForUpdate(ctx context.Context, tx Tx, orderSN string) (*Order, error) {
	pgTx := tx.(*PostgresTx).tx

	var o Order
	err := scanOrder(pgTx.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE order_sn = $1
		FOR UPDATE
	`, orderSN), &o)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.Newf(errs.ErrNotFound, "order %s not found", orderSN)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "lock order %s", orderSN)
	}
	return &o, nil
}

func (r *OrderRepository) UpdateOrderStatus(ctx context.Context, tx Tx, orderSN, status string, payTime *time.Time) error {
	pgTx := tx.(*PostgresTx).tx

	_, err := pgTx.Exec(ctx, `
		UPDATE orders
		SET status = $2, pay_time = COALESCE($3, pay_time), updated_at = $4
		WHERE order_sn = $1
	`, orderSN, status, payTime, time.Now())
	return errors.Wrapf(err, "update status of order %s", orderSN)
}

func (r *OrderRepository) OrderExists(ctx context.Context, orderSN string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM orders WHERE order_sn = $1)", orderSN).Scan(&exists)
	if err != nil {
		return false, errors.Wrapf(err, "check order %s", orderSN)
	}
	return exists, nil
}
