package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/matheusmosca/mxshop-fulfillment/internal/broker"
)

const (
	TopicOrderReback = "order_reback"
	GroupInventory   = "mxshop_inventory"
)

type stockReleaser interface {
	Release(ctx context.Context, orderSN string) error
}

type rebackPayload struct {
	OrderSn string `json:"orderSn"`
}

// GiveBackConsumer restores the stock of orders that were closed or never
// created.
type GiveBackConsumer struct {
	ledger stockReleaser
	logger *zap.Logger
}

// NewGiveBackConsumer releases reservations named by order_reback.
func NewGiveBackConsumer(ledger stockReleaser, logger *zap.Logger) *GiveBackConsumer {
	return &GiveBackConsumer{ledger: ledger, logger: logger}
}

func (c *GiveBackConsumer) Handle(ctx context.Context, msg *broker.Message) broker.ConsumeResult {
	var p rebackPayload
	if err := msg.Decode(&p); err != nil || p.OrderSn == "" {
		c.logger.Error("dropping malformed give-back message",
			zap.String("topic", msg.Topic),
			zap.String("msg_id", msg.ID),
			zap.ByteString("body", msg.Body),
			zap.Error(err),
		)
		return broker.ConsumeSuccess
	}

	if err := c.ledger.Release(ctx, p.OrderSn); err != nil {
		c.logger.Warn("give-back failed, will reconsume",
			zap.String("order_sn", p.OrderSn),
			zap.Int("reconsume_times", msg.ReconsumeTimes),
			zap.Error(err),
		)
		return broker.ReconsumeLater
	}
	c.logger.Info("stock given back", zap.String("order_sn", p.OrderSn))
	return broker.ConsumeSuccess
}
