package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastDelays(level int) time.Duration {
	if level <= 0 {
		return 0
	}
	return time.Duration(level) * time.Millisecond
}

type collector struct {
	mu   sync.Mutex
	msgs []*Message
}

func (c *collector) handler(res ConsumeResult) Handler {
	return func(_ context.Context, msg *Message) ConsumeResult {
		c.mu.Lock()
		c.msgs = append(c.msgs, msg)
		c.mu.Unlock()
		return res
	}
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) at(i int) *Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs[i]
}

func startConsumer(t *testing.T, m *Memory, group, topic string, h Handler) {
	t.Helper()
	c := m.NewConsumer(group)
	require.NoError(t, c.Subscribe(topic, h))
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
}

func TestDelay(t *testing.T) {
	assert.Equal(t, time.Duration(0), Delay(0))
	assert.Equal(t, time.Second, Delay(1))
	assert.Equal(t, 10*time.Second, Delay(3))
	assert.Equal(t, 30*time.Minute, Delay(16))
	assert.Equal(t, 2*time.Hour, Delay(18))
	assert.Equal(t, 2*time.Hour, Delay(40))

	assert.Equal(t, 3, RedeliveryLevel(1))
	assert.Equal(t, 18, RedeliveryLevel(16))
	assert.Equal(t, "%DLQ%mxshop_order", DLQTopic("mxshop_order"))
}

func TestMemory_SendReachesEveryGroup(t *testing.T) {
	// Arrange
	m := NewMemory(WithDelayFunc(fastDelays))
	defer m.Close()
	var a, b collector
	startConsumer(t, m, "group_a", "order_reback", a.handler(ConsumeSuccess))
	startConsumer(t, m, "group_b", "order_reback", b.handler(ConsumeSuccess))

	msg, err := NewMessage("order_reback", "sn-1", map[string]string{"orderSn": "sn-1"})
	require.NoError(t, err)

	// Act
	require.NoError(t, m.Send(context.Background(), msg))

	// Assert
	require.Eventually(t, func() bool { return a.len() == 1 && b.len() == 1 }, time.Second, 5*time.Millisecond)
	var body struct {
		OrderSn string `json:"orderSn"`
	}
	require.NoError(t, a.at(0).Decode(&body))
	assert.Equal(t, "sn-1", body.OrderSn)
}

func TestMemory_BacklogFlushedOnSubscribe(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	msg, _ := NewMessage("order_timeout", "sn-1", map[string]string{"orderSn": "sn-1"})
	require.NoError(t, m.Send(context.Background(), msg))

	var c collector
	startConsumer(t, m, "mxshop_order", "order_timeout", c.handler(ConsumeSuccess))

	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestMemory_BacklogLargerThanQueue(t *testing.T) {
	// Arrange
	m := NewMemory()
	defer m.Close()
	total := memoryQueueSize + 1
	for i := 0; i < total; i++ {
		msg, err := NewMessage("order_reback", "sn", map[string]int{"n": i})
		require.NoError(t, err)
		require.NoError(t, m.Send(context.Background(), msg))
	}
	var c collector
	consumer := m.NewConsumer("mxshop_inventory")

	// Act
	subscribed := make(chan error, 1)
	go func() { subscribed <- consumer.Subscribe("order_reback", c.handler(ConsumeSuccess)) }()

	// Assert
	select {
	case err := <-subscribed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Subscribe blocked on the backlog")
	}
	assert.Zero(t, c.len(), "nothing is consumed before Start")
	require.NoError(t, consumer.Start(context.Background()))
	defer consumer.Close()
	require.Eventually(t, func() bool { return c.len() == total }, 2*time.Second, 5*time.Millisecond)

	var first struct{ N int }
	require.NoError(t, c.at(0).Decode(&first))
	assert.Equal(t, 0, first.N)
}

func TestMemory_BacklogDropsOldest(t *testing.T) {
	// Arrange
	m := NewMemory(WithMaxBacklog(2))
	defer m.Close()
	for _, sn := range []string{"sn-1", "sn-2", "sn-3"} {
		msg, err := NewMessage("order_reback", sn, map[string]string{"orderSn": sn})
		require.NoError(t, err)
		require.NoError(t, m.Send(context.Background(), msg))
	}
	var c collector

	// Act
	startConsumer(t, m, "mxshop_inventory", "order_reback", c.handler(ConsumeSuccess))

	// Assert
	require.Eventually(t, func() bool { return c.len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "sn-2", c.at(0).Key)
	assert.Equal(t, "sn-3", c.at(1).Key)
}

func TestMemory_DelayedMessage(t *testing.T) {
	m := NewMemory(WithDelayFunc(func(level int) time.Duration {
		if level == 0 {
			return 0
		}
		return 100 * time.Millisecond
	}))
	defer m.Close()
	var c collector
	startConsumer(t, m, "mxshop_order", "order_timeout", c.handler(ConsumeSuccess))

	msg, _ := NewMessage("order_timeout", "sn-1", map[string]string{"orderSn": "sn-1"})
	msg.DelayLevel = 16
	require.NoError(t, m.Send(context.Background(), msg))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, c.len())
	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestMemory_ReconsumeThenDeadLetter(t *testing.T) {
	// Arrange
	m := NewMemory(WithDelayFunc(fastDelays), WithMaxReconsumeTimes(2))
	defer m.Close()
	var failing, dead collector
	startConsumer(t, m, "mxshop_inventory", "order_reback", failing.handler(ReconsumeLater))
	startConsumer(t, m, "ops", DLQTopic("mxshop_inventory"), dead.handler(ConsumeSuccess))

	msg, _ := NewMessage("order_reback", "sn-1", map[string]string{"orderSn": "sn-1"})

	// Act
	require.NoError(t, m.Send(context.Background(), msg))

	// Assert: first delivery plus two redeliveries, then the dead letter topic
	require.Eventually(t, func() bool { return dead.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, failing.len())
	assert.Equal(t, 0, failing.at(0).ReconsumeTimes)
	assert.Equal(t, 2, failing.at(2).ReconsumeTimes)
	assert.Equal(t, "order_reback", dead.at(0).Properties["ORIGIN_TOPIC"])
	assert.Equal(t, msg.ID, dead.at(0).ID)
}

func TestMemory_PanicIsReconsumed(t *testing.T) {
	m := NewMemory(WithDelayFunc(fastDelays))
	defer m.Close()

	var calls atomic.Int32
	startConsumer(t, m, "g", "t", func(context.Context, *Message) ConsumeResult {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return ConsumeSuccess
	})

	msg, _ := NewMessage("t", "k", struct{}{})
	require.NoError(t, m.Send(context.Background(), msg))

	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestMemory_SendInTransaction(t *testing.T) {
	testCases := []struct {
		name          string
		state         TransactionState
		wantDelivered bool
		wantPending   int
	}{
		{name: "success: commit delivers", state: Commit, wantDelivered: true},
		{name: "success: rollback suppresses", state: Rollback},
		{name: "success: unknown waits for the checker", state: Unknown, wantPending: 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Arrange
			m := NewMemory(WithDelayFunc(fastDelays))
			defer m.Close()
			var c collector
			startConsumer(t, m, "mxshop_order_settle", "order_settle", c.handler(ConsumeSuccess))

			p := m.TransactionProducer(func(context.Context, *Message) TransactionState { return Unknown })
			msg, _ := NewMessage("order_settle", "sn-1", map[string]string{"orderSn": "sn-1"})

			var seenBeforeCommit int
			exec := func(_ context.Context, got *Message) TransactionState {
				assert.Equal(t, "sn-1", got.Key)
				seenBeforeCommit = c.len()
				return tc.state
			}

			// Act
			state, err := p.SendInTransaction(context.Background(), msg, exec)

			// Assert
			require.NoError(t, err)
			assert.Equal(t, tc.state, state)
			assert.Equal(t, 0, seenBeforeCommit)
			assert.Equal(t, tc.wantPending, m.PendingHalfMessages())
			if tc.wantDelivered {
				require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, 5*time.Millisecond)
				return
			}
			time.Sleep(30 * time.Millisecond)
			assert.Equal(t, 0, c.len())
		})
	}
}

func TestMemory_CheckHalfMessages(t *testing.T) {
	// Arrange
	m := NewMemory(WithDelayFunc(fastDelays), WithCheckGrace(0), WithMaxChecks(3))
	defer m.Close()
	var c collector
	startConsumer(t, m, "mxshop_order_settle", "order_settle", c.handler(ConsumeSuccess))

	answers := map[string]TransactionState{"sn-commit": Commit, "sn-rollback": Rollback, "sn-unknown": Unknown}
	var checks atomic.Int32
	p := m.TransactionProducer(func(_ context.Context, msg *Message) TransactionState {
		checks.Add(1)
		return answers[msg.Key]
	})
	for key := range answers {
		msg, _ := NewMessage("order_settle", key, map[string]string{"orderSn": key})
		_, err := p.SendInTransaction(context.Background(), msg, func(context.Context, *Message) TransactionState { return Unknown })
		require.NoError(t, err)
	}
	require.Equal(t, 3, m.PendingHalfMessages())

	// Act
	first := m.CheckHalfMessages(context.Background())
	second := m.CheckHalfMessages(context.Background())
	third := m.CheckHalfMessages(context.Background())

	// Assert
	assert.Equal(t, 2, first)
	assert.Equal(t, 0, second)
	assert.Equal(t, 1, third, "rolled back after the last check")
	assert.Equal(t, 0, m.PendingHalfMessages())
	assert.Equal(t, int32(5), checks.Load())
	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "sn-commit", c.at(0).Key)
}

func TestMemory_CheckRespectsGrace(t *testing.T) {
	m := NewMemory(WithCheckGrace(time.Hour))
	defer m.Close()
	p := m.TransactionProducer(func(context.Context, *Message) TransactionState { return Commit })
	msg, _ := NewMessage("order_settle", "sn-1", struct{}{})
	_, err := p.SendInTransaction(context.Background(), msg, func(context.Context, *Message) TransactionState { return Unknown })
	require.NoError(t, err)

	assert.Equal(t, 0, m.CheckHalfMessages(context.Background()))
	assert.Equal(t, 1, m.PendingHalfMessages())
}

func TestMemory_SendAfterClose(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())

	msg, _ := NewMessage("t", "k", struct{}{})
	assert.ErrorIs(t, m.Send(context.Background(), msg), ErrClosed)
}
