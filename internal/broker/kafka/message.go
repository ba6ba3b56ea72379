package kafka

import (
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/matheusmosca/mxshop-fulfillment/internal/broker"
)

const (
	headerMsgID          = "x-msg-id"
	headerReconsumeTimes = "x-reconsume-times"
)

func toKafka(msg *broker.Message, now time.Time) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Properties)+2)
	headers = append(headers,
		kafka.Header{Key: headerMsgID, Value: []byte(msg.ID)},
		kafka.Header{Key: headerReconsumeTimes, Value: []byte(strconv.Itoa(msg.ReconsumeTimes))},
	)
	for k, v := range msg.Properties {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return kafka.Message{
		Topic:   msg.Topic,
		Key:     []byte(msg.Key),
		Value:   msg.Body,
		Headers: headers,
		Time:    now.UTC(),
	}
}

func fromKafka(m kafka.Message) *broker.Message {
	msg := &broker.Message{
		Topic:      m.Topic,
		Key:        string(m.Key),
		Body:       m.Value,
		Properties: make(map[string]string, len(m.Headers)),
	}
	for _, h := range m.Headers {
		switch h.Key {
		case headerMsgID:
			msg.ID = string(h.Value)
		case headerReconsumeTimes:
			msg.ReconsumeTimes, _ = strconv.Atoi(string(h.Value))
		default:
			msg.Properties[h.Key] = string(h.Value)
		}
	}
	return msg
}
