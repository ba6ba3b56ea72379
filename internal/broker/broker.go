// Package broker defines the messaging contracts the services rely on:
// plain and delayed messages, transactional (half) messages resolved by a
// local executor or a check callback, and consumer groups with redelivery
// and a dead letter topic.
//
// Delivery is at least once. Handlers must be idempotent.
package broker

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Message struct {
	ID             string
	Topic          string
	Key            string
	Body           []byte
	Properties     map[string]string
	DelayLevel     int
	ReconsumeTimes int
}

// NewMessage encodes payload as JSON into a message with a fresh id.
func NewMessage(topic, key string, payload any) (*Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s message", topic)
	}
	return &Message{
		ID:         uuid.NewString(),
		Topic:      topic,
		Key:        key,
		Body:       body,
		Properties: map[string]string{},
	}, nil
}

func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return errors.Wrapf(err, "decode %s message %s", m.Topic, m.ID)
	}
	return nil
}

func (m *Message) Clone() *Message {
	c := *m
	c.Body = append([]byte(nil), m.Body...)
	c.Properties = make(map[string]string, len(m.Properties))
	for k, v := range m.Properties {
		c.Properties[k] = v
	}
	return &c
}

type ConsumeResult int

const (
	ConsumeSuccess ConsumeResult = iota
	ReconsumeLater
)

type TransactionState int

const (
	Commit TransactionState = iota
	Rollback
	Unknown
)

func (s TransactionState) String() string {
	switch s {
	case Commit:
		return "COMMIT"
	case Rollback:
		return "ROLLBACK"
	case Unknown:
		return "UNKNOWN"
	}
	return fmt.Sprintf("TransactionState(%d)", int(s))
}

type Handler func(ctx context.Context, msg *Message) ConsumeResult

// LocalExecutor runs the local part of a transactional message and decides
// its fate.
type LocalExecutor func(ctx context.Context, msg *Message) TransactionState

// Checker is asked about half messages whose executor never answered
// Commit or Rollback.
type Checker func(ctx context.Context, msg *Message) TransactionState

type Producer interface {
	Send(ctx context.Context, msg *Message) error
}

// TransactionProducer sends a half message, runs exec and commits or rolls
// back the message according to its answer. Unknown leaves the message to
// the producer's Checker.
type TransactionProducer interface {
	SendInTransaction(ctx context.Context, msg *Message, exec LocalExecutor) (TransactionState, error)
}

// Consumer belongs to one consumer group. Start is non-blocking; handlers
// run until ctx is done or Close is called.
type Consumer interface {
	Subscribe(topic string, h Handler) error
	Start(ctx context.Context) error
	Close() error
}

var ErrClosed = errors.New("broker: closed")

var messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mxshop",
	Subsystem: "broker",
	Name:      "messages_total",
	Help:      "Broker message events by topic.",
}, []string{"topic", "event"})

// Observe records a message event. Transports outside this package use it
// so every implementation reports the same series.
func Observe(topic, event string) {
	messagesTotal.WithLabelValues(topic, event).Inc()
}
