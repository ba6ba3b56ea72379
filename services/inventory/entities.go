package main

import (
	"slices"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/matheusmosca/mxshop-fulfillment/internal/errs"
)

// ErrAlreadyCompensated refuses a reservation for an order whose stock was
// already given back (or tombstoned by a give-back that arrived first).
var ErrAlreadyCompensated = errors.Mark(errors.New("order already compensated"), errs.ErrFailedPrecondition)

// StockItem is the stock counter of one goods.
type StockItem struct {
	GoodsID   int32     `json:"goodsId" db:"goods_id"`
	Quantity  int32     `json:"num" db:"quantity"`
	Version   int64     `json:"version" db:"version"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

type ReservationStatus int16

const (
	ReservationReserved ReservationStatus = 1
	ReservationReturned ReservationStatus = 2
)

func (s ReservationStatus) String() string {
	switch s {
	case ReservationReserved:
		return "RESERVED"
	case ReservationReturned:
		return "RETURNED"
	}
	return "UNKNOWN"
}

// ReservedItem is one line of a reservation, stored as JSON in the ledger.
type ReservedItem struct {
	GoodsID int32 `json:"goodsId"`
	Num     int32 `json:"num"`
}

// Reservation records what an order took from stock so that the give-back
// restores exactly that, once.
type Reservation struct {
	OrderSN   string            `json:"orderSn" db:"order_sn"`
	Status    ReservationStatus `json:"status" db:"status"`
	Items     []ReservedItem    `json:"items" db:"items"`
	CreatedAt time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time         `json:"updatedAt" db:"updated_at"`
}

// NewReservation creates a RESERVED record for items.
func NewReservation(orderSN string, items []ReservedItem) *Reservation {
	now := time.Now()
	return &Reservation{
		OrderSN:   orderSN,
		Status:    ReservationReserved,
		Items:     items,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// sortedItems returns a copy of the reservation lines ordered by goods id,
// the order in which item locks are taken on release.
func (r *Reservation) sortedItems() []ReservedItem {
	out := slices.Clone(r.Items)
	slices.SortFunc(out, func(a, b ReservedItem) int { return int(a.GoodsID) - int(b.GoodsID) })
	return out
}

func validateReserve(orderSN string, items []ReservedItem) error {
	if orderSN == "" {
		return errs.Newf(errs.ErrInvalidArgument, "order sn is required")
	}
	if len(items) == 0 {
		return errs.Newf(errs.ErrInvalidArgument, "order %s: no goods to reserve", orderSN)
	}
	for _, item := range items {
		if item.GoodsID <= 0 {
			return errs.Newf(errs.ErrInvalidArgument, "order %s: invalid goods id %d", orderSN, item.GoodsID)
		}
		if item.Num <= 0 {
			return errs.Newf(errs.ErrInvalidArgument, "order %s: goods %d: num must be positive, got %d", orderSN, item.GoodsID, item.Num)
		}
	}
	return nil
}
