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
)

// OrderUseCaseInterface is what the HTTP layer needs from the use case.
type OrderUseCaseInterface interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error)
	OrderList(ctx context.Context, userID int32, page, pageSize int) (*OrderPage, error)
	OrderDetail(ctx context.Context, id int64, userID int32) (*Order, error)
	UpdateOrderStatus(ctx context.Context, orderSN, status string) (*Order, error)
	CartItemList(ctx context.Context, userID int32) ([]CartItem, error)
	CreateCartItem(ctx context.Context, item CartItem) (*CartItem, error)
	UpdateCartItem(ctx context.Context, userID, goodsID int32, nums *int32, checked *bool) error
	DeleteCartItem(ctx context.Context, userID, goodsID int32) error
	CartAvailability(ctx context.Context, userID int32) ([]GoodsAvailability, error)
}

type OrderHandler struct {
	useCase OrderUseCaseInterface
	tracer  trace.Tracer
	logger  *zap.Logger
}

// NewOrderHandler creates the HTTP handlers of the order API.
func NewOrderHandler(useCase OrderUseCaseInterface, tracer trace.Tracer, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		useCase: useCase,
		tracer:  tracer,
		logger:  logger,
	}
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

type createCartItemRequest struct {
	UserID  int32 `json:"userId" binding:"required"`
	GoodsID int32 `json:"goodsId" binding:"required"`
	Nums    int32 `json:"nums" binding:"required"`
	Checked *bool `json:"checked"`
}

type updateCartItemRequest struct {
	UserID  int32  `json:"userId" binding:"required"`
	Nums    *int32 `json:"nums"`
	Checked *bool  `json:"checked"`
}

// CreateOrder places an order for the buyer's checked cart entries.
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "create_order")
	defer span.End()

	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	span.SetAttributes(attribute.Int("user_id", int(req.UserID)))

	order, err := h.useCase.CreateOrder(ctx, req)
	if err != nil {
		span.RecordError(err)
		h.logger.Warn("create order failed", zap.Int32("user_id", req.UserID), zap.Error(err))
		c.JSON(errs.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(attribute.String("order_sn", order.OrderSn))
	c.JSON(http.StatusCreated, gin.H{
		"id":      order.ID,
		"orderSn": order.OrderSn,
		"total":   order.OrderMount,
		"status":  order.Status,
	})
}

func (h *OrderHandler) OrderList(c *gin.Context) {
	userID, ok := optionalInt32Query(c, "userId")
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.Query("page"))
	pageSize, _ := strconv.Atoi(c.Query("pageSize"))

	result, err := h.useCase.OrderList(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		c.JSON(errs.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *OrderHandler) OrderDetail(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	userID, ok := optionalInt32Query(c, "userId")
	if !ok {
		return
	}

	order, err := h.useCase.OrderDetail(c.Request.Context(), id, userID)
	if err != nil {
		c.JSON(errs.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *OrderHandler) UpdateOrderStatus(c *gin.Context) {
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	orderSN := c.Param("orderSn")
	order, err := h.useCase.UpdateOrderStatus(c.Request.Context(), orderSN, req.Status)
	if err != nil {
		h.logger.Warn("update order status failed", zap.String("order_sn", orderSN), zap.Error(err))
		c.JSON(errs.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *OrderHandler) CartItemList(c *gin.Context) {
	userID, ok := requiredInt32Query(c, "userId")
	if !ok {
		return
	}

	items, err := h.useCase.CartItemList(c.Request.Context(), userID)
	if err != nil {
		c.JSON(errs.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	if items == nil {
		items = []CartItem{}
	}
	c.JSON(http.StatusOK, gin.H{"total": len(items), "data": items})
}

func (h *OrderHandler) CreateCartItem(c *gin.Context) {
	var req createCartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	checked := true
	if req.Checked != nil {
		checked = *req.Checked
	}

	item, err := h.useCase.CreateCartItem(c.Request.Context(), CartItem{
		UserID:  req.UserID,
		GoodsID: req.GoodsID,
		Nums:    req.Nums,
		Checked: checked,
	})
	if err != nil {
		c.JSON(errs.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (h *OrderHandler) UpdateCartItem(c *gin.Context) {
	goodsID, ok := goodsIDParam(c)
	if !ok {
		return
	}
	var req updateCartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.useCase.UpdateCartItem(c.Request.Context(), req.UserID, goodsID, req.Nums, req.Checked); err != nil {
		c.JSON(errs.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *OrderHandler) DeleteCartItem(c *gin.Context) {
	goodsID, ok := goodsIDParam(c)
	if !ok {
		return
	}
	userID, ok := requiredInt32Query(c, "userId")
	if !ok {
		return
	}

	if err := h.useCase.DeleteCartItem(c.Request.Context(), userID, goodsID); err != nil {
		c.JSON(errs.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *OrderHandler) CartAvailability(c *gin.Context) {
	userID, ok := requiredInt32Query(c, "userId")
	if !ok {
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "cart_availability")
	defer span.End()
	span.SetAttributes(attribute.Int("user_id", int(userID)))

	items, err := h.useCase.CartAvailability(ctx, userID)
	if err != nil {
		span.RecordError(err)
		c.JSON(errs.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (h *OrderHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "orders-service",
	})
}

func goodsIDParam(c *gin.Context) (int32, bool) {
	id, err := strconv.ParseInt(c.Param("goodsId"), 10, 32)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid goods id"})
		return 0, false
	}
	return int32(id), true
}

// optionalInt32Query returns 0 when the parameter is absent.
func optionalInt32Query(c *gin.Context, name string) (int32, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || v < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return int32(v), true
}

func requiredInt32Query(c *gin.Context, name string) (int32, bool) {
	v, ok := optionalInt32Query(c, name)
	if ok && v == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " is required"})
		return 0, false
	}
	return v, ok
}
