package main

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matheusmosca/mxshop-fulfillment/internal/errs"
	"github.com/matheusmosca/mxshop-fulfillment/internal/rpc"
)

// InventoryServer exposes the ledger over gRPC.
type InventoryServer struct {
	useCase *StockUseCase
	logger  *zap.Logger
}

// NewInventoryServer exposes the ledger over gRPC.
func NewInventoryServer(useCase *StockUseCase, logger *zap.Logger) *InventoryServer {
	return &InventoryServer{useCase: useCase, logger: logger}
}

var _ rpc.InventoryServer = (*InventoryServer)(nil)

func (s *InventoryServer) SetInv(ctx context.Context, in *rpc.GoodsInvInfo) (*rpc.Empty, error) {
	if err := s.useCase.SetStock(ctx, in.GoodsID, in.Num); err != nil {
		return nil, errs.ToStatus(err)
	}
	return &rpc.Empty{}, nil
}

func (s *InventoryServer) InvDetail(ctx context.Context, in *rpc.GoodsInvInfo) (*rpc.GoodsInvInfo, error) {
	stock, err := s.useCase.StockDetail(ctx, in.GoodsID)
	if err != nil {
		return nil, errs.ToStatus(err)
	}
	return &rpc.GoodsInvInfo{GoodsID: stock.GoodsID, Num: stock.Quantity}, nil
}

func (s *InventoryServer) Sell(ctx context.Context, in *rpc.SellInfo) (*rpc.Empty, error) {
	if err := s.useCase.Reserve(ctx, in.OrderSn, toReservedItems(in.GoodsInfo)); err != nil {
		return nil, errs.ToStatus(err)
	}
	return &rpc.Empty{}, nil
}

// Reback releases by order sn. The goods list of the request is ignored;
// the reservation record says what to give back.
func (s *InventoryServer) Reback(ctx context.Context, in *rpc.SellInfo) (*rpc.Empty, error) {
	if err := s.useCase.Release(ctx, in.OrderSn); err != nil {
		return nil, errs.ToStatus(err)
	}
	return &rpc.Empty{}, nil
}

func (s *InventoryServer) BatchInvDetail(in *rpc.BatchGoodsIDInfo, stream rpc.InventoryBatchInvDetailServer) error {
	err := s.useCase.BatchStockDetail(stream.Context(), in.ID, func(item StockItem) error {
		return stream.Send(&rpc.GoodsInvInfo{GoodsID: item.GoodsID, Num: item.Quantity})
	})
	return errs.ToStatus(err)
}

func toReservedItems(in []rpc.GoodsInvInfo) []ReservedItem {
	out := make([]ReservedItem, 0, len(in))
	for _, g := range in {
		out = append(out, ReservedItem{GoodsID: g.GoodsID, Num: g.Num})
	}
	return out
}

// InventoryHandler holds the HTTP admin endpoints.
type InventoryHandler struct {
	useCase *StockUseCase
	tracer  trace.Tracer
	logger  *zap.Logger
}

// NewInventoryHandler creates the HTTP handlers of the stock admin API.
func NewInventoryHandler(useCase *StockUseCase, tracer trace.Tracer, logger *zap.Logger) *InventoryHandler {
	return &InventoryHandler{useCase: useCase, tracer: tracer, logger: logger}
}

type setStockRequest struct {
	Num *int32 `json:"num" binding:"required"`
}

type resetLocksRequest struct {
	GoodsID int32 `json:"goodsId"`
}

func (h *InventoryHandler) GetStock(c *gin.Context) {
	goodsID, ok := goodsIDParam(c)
	if !ok {
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "get_stock")
	defer span.End()
	span.SetAttributes(attribute.Int("goods_id", int(goodsID)))

	stock, err := h.useCase.StockDetail(ctx, goodsID)
	if err != nil {
		c.JSON(errs.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stock)
}

func (h *InventoryHandler) SetStock(c *gin.Context) {
	goodsID, ok := goodsIDParam(c)
	if !ok {
		return
	}
	var req setStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "set_stock")
	defer span.End()
	span.SetAttributes(attribute.Int("goods_id", int(goodsID)), attribute.Int("num", int(*req.Num)))

	if err := h.useCase.SetStock(ctx, goodsID, *req.Num); err != nil {
		h.logger.Warn("set stock failed", zap.Int32("goods_id", goodsID), zap.Error(err))
		c.JSON(errs.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"goodsId": goodsID, "num": *req.Num})
}

// ResetLocks is an operator endpoint for stuck goods locks. An empty body
// resets every lock.
func (h *InventoryHandler) ResetLocks(c *gin.Context) {
	var req resetLocksRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	n, err := h.useCase.ResetLocks(c.Request.Context(), req.GoodsID)
	if err != nil {
		c.JSON(errs.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	h.logger.Warn("goods locks reset", zap.Int32("goods_id", req.GoodsID), zap.Int("count", n))
	c.JSON(http.StatusOK, gin.H{"reset": n})
}

func (h *InventoryHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func goodsIDParam(c *gin.Context) (int32, bool) {
	id, err := strconv.ParseInt(c.Param("goodsId"), 10, 32)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid goods id"})
		return 0, false
	}
	return int32(id), true
}
