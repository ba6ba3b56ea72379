package main

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/matheusmosca/mxshop-fulfillment/internal/broker"
	"github.com/matheusmosca/mxshop-fulfillment/internal/errs"
	"github.com/matheusmosca/mxshop-fulfillment/internal/telemetry"
)

const (
	TopicOrderSettle  = "order_settle"
	TopicOrderTimeout = "order_timeout"
	TopicOrderReback  = "order_reback"

	GroupOrder       = "mxshop_order"
	GroupOrderSettle = "mxshop_order_settle"
)

// sendReback publishes the give-back request for orderSN as part of tx.
// tx may be nil.
func sendReback(ctx context.Context, producer broker.Producer, tx Tx, orderSN string) error {
	msg, err := broker.NewMessage(TopicOrderReback, orderSN, orderSnPayload{OrderSn: orderSN})
	if err != nil {
		return err
	}
	telemetry.Inject(ctx, msg.Properties)
	return sendWithTx(ctx, producer, tx, msg)
}

// outboxProducer parks a message in the caller's database transaction.
type outboxProducer interface {
	SendTx(ctx context.Context, tx pgx.Tx, msg *broker.Message) error
}

// sendWithTx writes msg to the outbox inside tx when the producer has one,
// so the message exists only if tx commits. Other producers send at once.
func sendWithTx(ctx context.Context, producer broker.Producer, tx Tx, msg *broker.Message) error {
	if outbox, ok := producer.(outboxProducer); ok {
		if pgTx, ok := tx.(*PostgresTx); ok {
			return outbox.SendTx(ctx, pgTx.tx, msg)
		}
	}
	return producer.Send(ctx, msg)
}

// TimeoutConsumer closes orders still unpaid when their timeout fires and
// asks inventory for the stock back.
type TimeoutConsumer struct {
	repository Repository
	producer   broker.Producer
	logger     *zap.Logger
}

// NewTimeoutConsumer handles order_timeout for the mxshop_order group.
func NewTimeoutConsumer(repository Repository, producer broker.Producer, logger *zap.Logger) *TimeoutConsumer {
	return &TimeoutConsumer{repository: repository, producer: producer, logger: logger}
}

func (c *TimeoutConsumer) Handle(ctx context.Context, msg *broker.Message) broker.ConsumeResult {
	var p orderSnPayload
	if err := msg.Decode(&p); err != nil || p.OrderSn == "" {
		c.logger.Error("dropping malformed timeout message",
			zap.String("topic", msg.Topic), zap.String("msg_id", msg.ID), zap.ByteString("body", msg.Body), zap.Error(err))
		return broker.ConsumeSuccess
	}

	closed, err := c.closeUnpaid(ctx, p.OrderSn)
	if err != nil {
		c.logger.Warn("order timeout failed, will reconsume",
			zap.String("order_sn", p.OrderSn), zap.Int("reconsume_times", msg.ReconsumeTimes), zap.Error(err))
		return broker.ReconsumeLater
	}
	if closed {
		c.logger.Info("unpaid order closed", zap.String("order_sn", p.OrderSn))
	}
	return broker.ConsumeSuccess
}

// closeUnpaid flips a PENDING order to CLOSED and publishes the give-back
// inside the same transaction. Unknown and settled orders are left alone.
func (c *TimeoutConsumer) closeUnpaid(ctx context.Context, orderSN string) (bool, error) {
	tx, err := c.repository.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	order, err := c.repository.GetOrderForUpdate(ctx, tx, orderSN)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if order.Status != OrderStatusPending {
		return false, nil
	}

	if err := c.repository.UpdateOrderStatus(ctx, tx, orderSN, OrderStatusClosed, nil); err != nil {
		return false, err
	}
	if err := sendReback(ctx, c.producer, tx, orderSN); err != nil {
		return false, errors.Wrapf(err, "publish give-back of %s", orderSN)
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrapf(err, "commit close of %s", orderSN)
	}
	return true, nil
}

// SettlementConsumer reads committed order_settle messages. An existing
// order means the message is only a record; a missing one means a
// reservation may be left behind and must be given back.
type SettlementConsumer struct {
	repository Repository
	producer   broker.Producer
	logger     *zap.Logger
}

// NewSettlementConsumer handles committed order_settle messages.
func NewSettlementConsumer(repository Repository, producer broker.Producer, logger *zap.Logger) *SettlementConsumer {
	return &SettlementConsumer{repository: repository, producer: producer, logger: logger}
}

func (c *SettlementConsumer) Handle(ctx context.Context, msg *broker.Message) broker.ConsumeResult {
	var p settlePayload
	if err := msg.Decode(&p); err != nil || p.OrderSn == "" {
		c.logger.Error("dropping malformed settle message",
			zap.String("topic", msg.Topic), zap.String("msg_id", msg.ID), zap.ByteString("body", msg.Body), zap.Error(err))
		return broker.ConsumeSuccess
	}

	exists, err := c.repository.OrderExists(ctx, p.OrderSn)
	if err != nil {
		c.logger.Warn("settle lookup failed, will reconsume", zap.String("order_sn", p.OrderSn), zap.Error(err))
		return broker.ReconsumeLater
	}
	if exists {
		return broker.ConsumeSuccess
	}

	if err := sendReback(ctx, c.producer, nil, p.OrderSn); err != nil {
		c.logger.Warn("give-back publish failed, will reconsume", zap.String("order_sn", p.OrderSn), zap.Error(err))
		return broker.ReconsumeLater
	}
	c.logger.Info("order missing after settlement, stock give-back requested", zap.String("order_sn", p.OrderSn))
	return broker.ConsumeSuccess
}
