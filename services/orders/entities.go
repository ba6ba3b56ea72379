package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/matheusmosca/mxshop-fulfillment/internal/errs"
)

const (
	OrderStatusPending = "PENDING"
	OrderStatusPaid    = "PAID"
	OrderStatusClosed  = "CLOSED"
)

// Order is a placed order. Goods is only filled by detail reads.
type Order struct {
	ID           int64           `json:"id" db:"id"`
	OrderSn      string          `json:"orderSn" db:"order_sn"`
	UserID       int32           `json:"userId" db:"user_id"`
	Status       string          `json:"status" db:"status"`
	OrderMount   decimal.Decimal `json:"total" db:"order_mount"`
	PayType      string          `json:"payType" db:"pay_type"`
	TradeNo      string          `json:"tradeNo" db:"trade_no"`
	PayTime      *time.Time      `json:"payTime,omitempty" db:"pay_time"`
	Address      string          `json:"address" db:"address"`
	SignerName   string          `json:"name" db:"signer_name"`
	SignerMobile string          `json:"mobile" db:"signer_mobile"`
	Post         string          `json:"post" db:"post"`
	CreatedAt    time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time       `json:"updatedAt" db:"updated_at"`
	Goods        []OrderItem     `json:"goods,omitempty"`
}

// OrderItem snapshots the goods price at order time.
type OrderItem struct {
	ID         int64           `json:"id" db:"id"`
	OrderID    int64           `json:"orderId" db:"order_id"`
	GoodsID    int32           `json:"goodsId" db:"goods_id"`
	GoodsName  string          `json:"goodsName" db:"goods_name"`
	GoodsImage string          `json:"goodsImage" db:"goods_image"`
	GoodsPrice decimal.Decimal `json:"goodsPrice" db:"goods_price"`
	Nums       int32           `json:"nums" db:"nums"`
}

type CartItem struct {
	ID        int64     `json:"id" db:"id"`
	UserID    int32     `json:"userId" db:"user_id"`
	GoodsID   int32     `json:"goodsId" db:"goods_id"`
	Nums      int32     `json:"nums" db:"nums"`
	Checked   bool      `json:"checked" db:"checked"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// CreateOrderRequest carries the buyer and the shipping fields. The goods
// come from the buyer's checked cart entries.
type CreateOrderRequest struct {
	UserID  int32  `json:"userId" binding:"required"`
	Address string `json:"address" binding:"required"`
	Name    string `json:"name" binding:"required"`
	Mobile  string `json:"mobile" binding:"required"`
	Post    string `json:"post"`
}

func (r CreateOrderRequest) Validate() error {
	switch {
	case r.UserID <= 0:
		return errs.Newf(errs.ErrInvalidArgument, "invalid user id %d", r.UserID)
	case strings.TrimSpace(r.Address) == "":
		return errs.Newf(errs.ErrInvalidArgument, "address is required")
	case strings.TrimSpace(r.Name) == "":
		return errs.Newf(errs.ErrInvalidArgument, "signer name is required")
	case strings.TrimSpace(r.Mobile) == "":
		return errs.Newf(errs.ErrInvalidArgument, "signer mobile is required")
	}
	return nil
}

// NewOrderSN builds yyyyMMddHHmmss + user id + 12 hex chars of a random
// UUID. The orders.order_sn unique constraint catches what is left of the
// collision risk.
func NewOrderSN(now time.Time, userID int32) string {
	entropy := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return now.Format("20060102150405") + strconv.Itoa(int(userID)) + entropy
}

// NewOrder creates a PENDING order for the items and computes its total.
func NewOrder(orderSN string, req CreateOrderRequest, items []OrderItem) *Order {
	now := time.Now()
	return &Order{
		OrderSn:      orderSN,
		UserID:       req.UserID,
		Status:       OrderStatusPending,
		OrderMount:   orderTotal(items),
		Address:      req.Address,
		SignerName:   req.Name,
		SignerMobile: req.Mobile,
		Post:         req.Post,
		CreatedAt:    now,
		UpdatedAt:    now,
		Goods:        items,
	}
}

func orderTotal(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.GoodsPrice.Mul(decimal.NewFromInt32(it.Nums)))
	}
	return total
}

// transition checks a status change. Setting the current status again is
// allowed so payment callbacks can be retried.
func transition(from, to string) error {
	if from == to {
		return nil
	}
	switch to {
	case OrderStatusPaid, OrderStatusClosed:
		if from == OrderStatusPending {
			return nil
		}
		return errs.Newf(errs.ErrFailedPrecondition, "order is %s, cannot become %s", from, to)
	case OrderStatusPending:
		return errs.Newf(errs.ErrFailedPrecondition, "order is %s, cannot go back to %s", from, to)
	}
	return errs.Newf(errs.ErrInvalidArgument, "unknown order status %q", to)
}
