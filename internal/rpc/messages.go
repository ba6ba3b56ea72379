package rpc

import "github.com/shopspring/decimal"

type Empty struct{}

type GoodsInvInfo struct {
	GoodsID int32 `json:"goodsId"`
	Num     int32 `json:"num"`
}

type SellInfo struct {
	OrderSn   string         `json:"orderSn"`
	GoodsInfo []GoodsInvInfo `json:"goodsInfo"`
}

type BatchGoodsIDInfo struct {
	ID []int32 `json:"id"`
}

type GoodsInfoResponse struct {
	ID              int32           `json:"id"`
	Name            string          `json:"name"`
	ShopPrice       decimal.Decimal `json:"shopPrice"`
	GoodsFrontImage string          `json:"goodsFrontImage"`
}

type GoodsListResponse struct {
	Total int32                `json:"total"`
	Data  []*GoodsInfoResponse `json:"data"`
}
