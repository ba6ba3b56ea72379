package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/matheusmosca/mxshop-fulfillment/internal/broker"
	"github.com/matheusmosca/mxshop-fulfillment/internal/telemetry"
)

const (
	tracerName         = "broker-kafka"
	retryGroupProperty = "RETRY_GROUP"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads one consumer group. A handler asking to reconsume gets
// the message again through the producer's delayed path; after the
// reconsume budget it goes to the group's dead letter topic. The original
// offset is committed in both cases.
type Consumer struct {
	group        string
	producer     broker.Producer
	newReader    func(topic, group string) messageReader
	maxReconsume int
	retryBackoff time.Duration
	logger       *zap.Logger

	mu      sync.Mutex
	subs    map[string]broker.Handler
	readers []messageReader
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewConsumer reads for group. Redeliveries go back through producer
// with a growing delay level.
func NewConsumer(client *Client, group string, producer broker.Producer, maxReconsume int, logger *zap.Logger) *Consumer {
	return &Consumer{
		group:    group,
		producer: producer,
		newReader: func(topic, group string) messageReader {
			return client.NewReader(topic, group)
		},
		maxReconsume: maxReconsume,
		retryBackoff: 2 * time.Second,
		logger:       logger,
		subs:         map[string]broker.Handler{},
	}
}

func (c *Consumer) Subscribe(topic string, h broker.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errors.New("kafka: subscribe after start")
	}
	if _, ok := c.subs[topic]; ok {
		return errors.Newf("kafka: group %s already subscribed to %s", c.group, topic)
	}
	c.subs[topic] = h
	return nil
}

func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errors.Newf("kafka: consumer %s already started", c.group)
	}
	ctx, c.cancel = context.WithCancel(ctx)
	for topic, h := range c.subs {
		r := c.newReader(topic, c.group)
		c.readers = append(c.readers, r)
		c.wg.Add(1)
		go c.loop(ctx, topic, r, h)
	}
	return nil
}

func (c *Consumer) loop(ctx context.Context, topic string, r messageReader, h broker.Handler) {
	defer c.wg.Done()
	for {
		km, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka read error", zap.String("topic", topic), zap.Error(err))
			if !c.sleep(ctx) {
				return
			}
			continue
		}

		msg := fromKafka(km)
		if g := msg.Properties[retryGroupProperty]; g != "" && g != c.group {
			if err := r.CommitMessages(ctx, km); err != nil && ctx.Err() == nil {
				c.logger.Error("kafka commit error", zap.String("topic", topic), zap.Error(err))
			}
			continue
		}
		if c.handle(ctx, topic, msg, h) == broker.ReconsumeLater {
			for {
				err := c.redeliver(ctx, msg)
				if err == nil {
					break
				}
				c.logger.Error("redelivery failed", zap.String("topic", topic), zap.String("msg_id", msg.ID), zap.Error(err))
				if !c.sleep(ctx) {
					return
				}
			}
		}

		if err := r.CommitMessages(ctx, km); err != nil && ctx.Err() == nil {
			c.logger.Error("kafka commit error", zap.String("topic", topic), zap.Error(err))
		}
	}
}

func (c *Consumer) handle(ctx context.Context, topic string, msg *broker.Message, h broker.Handler) (res broker.ConsumeResult) {
	ctx, span := telemetry.StartConsumerSpan(ctx, tracerName, topic, msg.Key, msg.Properties)
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("consumer panic", zap.String("topic", topic), zap.Any("panic", r))
			res = broker.ReconsumeLater
		}
	}()

	res = h(ctx, msg)
	broker.Observe(topic, "consumed")
	return res
}

func (c *Consumer) redeliver(ctx context.Context, msg *broker.Message) error {
	next := msg.Clone()
	next.ReconsumeTimes++

	if next.ReconsumeTimes > c.maxReconsume {
		delete(next.Properties, retryGroupProperty)
		next.Properties["ORIGIN_TOPIC"] = msg.Topic
		next.Topic = broker.DLQTopic(c.group)
		next.DelayLevel = 0
		broker.Observe(msg.Topic, "dlq")
		c.logger.Error("message moved to dead letter topic",
			zap.String("topic", msg.Topic),
			zap.String("group", c.group),
			zap.String("msg_id", msg.ID),
			zap.Int("reconsume_times", msg.ReconsumeTimes),
		)
		return c.producer.Send(ctx, next)
	}

	// redeliveries are addressed to this group only
	next.Properties[retryGroupProperty] = c.group
	next.DelayLevel = broker.RedeliveryLevel(next.ReconsumeTimes)
	broker.Observe(msg.Topic, "reconsume")
	return c.producer.Send(ctx, next)
}

func (c *Consumer) sleep(ctx context.Context) bool {
	t := time.NewTimer(c.retryBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	readers := c.readers
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	var errs error
	for _, r := range readers {
		errs = errors.CombineErrors(errs, r.Close())
	}
	return errs
}
