package broker

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	memoryQueueSize   = 1024
	memoryBacklogSize = 10000
)

type MemoryOption func(*Memory)

// WithDelayFunc replaces the delay table, mainly to shrink it in tests.
func WithDelayFunc(fn func(level int) time.Duration) MemoryOption {
	return func(m *Memory) { m.delay = fn }
}

// WithMaxReconsumeTimes sets how many redeliveries precede the dead letter topic.
func WithMaxReconsumeTimes(n int) MemoryOption {
	return func(m *Memory) { m.maxReconsume = n }
}

// WithCheckGrace sets how old a half message must be before it is checked.
func WithCheckGrace(d time.Duration) MemoryOption {
	return func(m *Memory) { m.checkGrace = d }
}

// WithMaxChecks bounds the checks of one half message.
func WithMaxChecks(n int) MemoryOption {
	return func(m *Memory) { m.maxChecks = n }
}

// WithMaxBacklog bounds how many messages a topic keeps before its first
// subscriber. The oldest are dropped first.
func WithMaxBacklog(n int) MemoryOption {
	return func(m *Memory) { m.maxBacklog = n }
}

// WithLogger sets the logger for dead letters and dropped messages.
func WithLogger(logger *zap.Logger) MemoryOption {
	return func(m *Memory) { m.logger = logger }
}

// Memory is an in-process broker. Every subscribed group gets its own copy
// of a message; messages published before any group subscribed to the
// topic are kept, up to a bound, and handed to the first subscriber when
// it starts.
type Memory struct {
	mu      sync.Mutex
	subs    map[string]map[string]*memSubscription
	backlog map[string][]*Message
	half    map[string]*halfMessage
	timers  map[*time.Timer]struct{}
	closed  bool

	delay        func(level int) time.Duration
	maxReconsume int
	checkGrace   time.Duration
	maxChecks    int
	maxBacklog   int
	logger       *zap.Logger
	now          func() time.Time
}

type memSubscription struct {
	group   string
	topic   string
	handler Handler
	queue   chan *Message
	// backlog is consumed before queue once the consumer starts.
	backlog []*Message
}

type halfMessage struct {
	msg     *Message
	checker Checker
	created time.Time
	checks  int
}

// NewMemory creates an empty broker using the standard delay table.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		subs:         make(map[string]map[string]*memSubscription),
		backlog:      make(map[string][]*Message),
		half:         make(map[string]*halfMessage),
		timers:       make(map[*time.Timer]struct{}),
		delay:        Delay,
		maxReconsume: DefaultMaxReconsumeTimes,
		checkGrace:   30 * time.Second,
		maxChecks:    DefaultMaxChecks,
		maxBacklog:   memoryBacklogSize,
		logger:       zap.NewNop(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Send(_ context.Context, msg *Message) error {
	out := msg.Clone()
	if out.ID == "" {
		out.ID = uuid.NewString()
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}

	Observe(out.Topic, "sent")
	if d := m.delay(out.DelayLevel); d > 0 {
		m.schedule(d, func() { m.dispatch(out) })
		return nil
	}
	m.dispatch(out)
	return nil
}

func (m *Memory) dispatch(msg *Message) {
	m.mu.Lock()
	groups := m.subs[msg.Topic]
	if len(groups) == 0 {
		backlog := append(m.backlog[msg.Topic], msg)
		if over := len(backlog) - m.maxBacklog; over > 0 {
			m.logger.Error("backlog full, dropping oldest messages",
				zap.String("topic", msg.Topic), zap.Int("dropped", over))
			Observe(msg.Topic, "dropped")
			backlog = slices.Delete(backlog, 0, over)
		}
		m.backlog[msg.Topic] = backlog
		m.mu.Unlock()
		return
	}
	targets := make([]*memSubscription, 0, len(groups))
	for _, s := range groups {
		targets = append(targets, s)
	}
	m.mu.Unlock()

	for _, s := range targets {
		s.queue <- msg.Clone()
	}
}

func (m *Memory) schedule(d time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		m.mu.Lock()
		delete(m.timers, t)
		closed := m.closed
		m.mu.Unlock()
		if !closed {
			fn()
		}
	})
	m.timers[t] = struct{}{}
}

// redeliver schedules msg again for the group that asked for it, or moves
// it to the group's dead letter topic once the reconsume budget is spent.
func (m *Memory) redeliver(s *memSubscription, msg *Message) {
	next := msg.Clone()
	next.ReconsumeTimes++
	next.DelayLevel = 0

	if next.ReconsumeTimes > m.maxReconsume {
		next.Properties["ORIGIN_TOPIC"] = next.Topic
		next.Topic = DLQTopic(s.group)
		Observe(msg.Topic, "dlq")
		m.logger.Error("message moved to dead letter topic",
			zap.String("topic", msg.Topic),
			zap.String("group", s.group),
			zap.String("msg_id", msg.ID),
			zap.Int("reconsume_times", msg.ReconsumeTimes),
		)
		m.dispatch(next)
		return
	}

	Observe(msg.Topic, "reconsume")
	m.schedule(m.delay(RedeliveryLevel(next.ReconsumeTimes)), func() {
		select {
		case s.queue <- next:
		default:
			m.logger.Error("redelivery dropped, queue full",
				zap.String("topic", s.topic), zap.String("group", s.group), zap.String("msg_id", next.ID))
		}
	})
}

// Close stops pending timers. Queued messages are dropped.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for t := range m.timers {
		t.Stop()
	}
	m.timers = map[*time.Timer]struct{}{}
	return nil
}

type memTxProducer struct {
	m       *Memory
	checker Checker
}

// TransactionProducer returns a producer whose half messages are checked
// with checker.
func (m *Memory) TransactionProducer(checker Checker) TransactionProducer {
	return &memTxProducer{m: m, checker: checker}
}

func (p *memTxProducer) SendInTransaction(ctx context.Context, msg *Message, exec LocalExecutor) (TransactionState, error) {
	half := msg.Clone()
	if half.ID == "" {
		half.ID = uuid.NewString()
	}

	p.m.mu.Lock()
	if p.m.closed {
		p.m.mu.Unlock()
		return Unknown, ErrClosed
	}
	p.m.half[half.ID] = &halfMessage{msg: half, checker: p.checker, created: p.m.now()}
	p.m.mu.Unlock()
	Observe(half.Topic, "half")

	state := exec(ctx, half.Clone())
	if err := p.m.resolveHalf(ctx, half.ID, state); err != nil {
		return state, err
	}
	return state, nil
}

func (m *Memory) resolveHalf(ctx context.Context, id string, state TransactionState) error {
	if state == Unknown {
		return nil
	}

	m.mu.Lock()
	h, ok := m.half[id]
	delete(m.half, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if state == Rollback {
		Observe(h.msg.Topic, "rollback")
		return nil
	}
	Observe(h.msg.Topic, "commit")
	if err := m.Send(ctx, h.msg); err != nil {
		return errors.Wrapf(err, "commit half message %s", id)
	}
	return nil
}

// CheckHalfMessages asks the checker about every unresolved half message
// older than the grace period. A message still unknown after the maximum
// number of checks is rolled back. It returns how many were resolved.
func (m *Memory) CheckHalfMessages(ctx context.Context) int {
	cutoff := m.now().Add(-m.checkGrace)

	m.mu.Lock()
	var due []*halfMessage
	for _, h := range m.half {
		if !h.created.After(cutoff) {
			h.checks++
			due = append(due, h)
		}
	}
	m.mu.Unlock()

	resolved := 0
	for _, h := range due {
		state := h.checker(ctx, h.msg.Clone())
		if state == Unknown && h.checks >= m.maxChecks {
			m.logger.Warn("half message unresolved after max checks, rolling back",
				zap.String("topic", h.msg.Topic), zap.String("key", h.msg.Key), zap.Int("checks", h.checks))
			state = Rollback
		}
		if state == Unknown {
			continue
		}
		if err := m.resolveHalf(ctx, h.msg.ID, state); err != nil {
			m.logger.Error("failed to resolve half message", zap.String("key", h.msg.Key), zap.Error(err))
			continue
		}
		resolved++
	}
	return resolved
}

// RunChecker calls CheckHalfMessages every interval until ctx is done.
func (m *Memory) RunChecker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHalfMessages(ctx)
		}
	}
}

// PendingHalfMessages returns how many half messages await a decision.
func (m *Memory) PendingHalfMessages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.half)
}

type MemoryConsumer struct {
	m     *Memory
	group string

	mu     sync.Mutex
	subs   []*memSubscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer returns a consumer for group. Subscribe, then Start.
func (m *Memory) NewConsumer(group string) *MemoryConsumer {
	return &MemoryConsumer{m: m, group: group}
}

func (c *MemoryConsumer) Subscribe(topic string, h Handler) error {
	s := &memSubscription{group: c.group, topic: topic, handler: h, queue: make(chan *Message, memoryQueueSize)}

	c.m.mu.Lock()
	groups, ok := c.m.subs[topic]
	if !ok {
		groups = make(map[string]*memSubscription)
		c.m.subs[topic] = groups
	}
	if _, dup := groups[c.group]; dup {
		c.m.mu.Unlock()
		return errors.Newf("broker: group %s already subscribed to %s", c.group, topic)
	}
	groups[c.group] = s
	s.backlog = c.m.backlog[topic]
	delete(c.m.backlog, topic)
	c.m.mu.Unlock()

	c.mu.Lock()
	c.subs = append(c.subs, s)
	c.mu.Unlock()
	return nil
}

func (c *MemoryConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errors.Newf("broker: consumer %s already started", c.group)
	}
	ctx, c.cancel = context.WithCancel(ctx)
	for _, s := range c.subs {
		backlog := s.backlog
		s.backlog = nil
		c.wg.Add(1)
		go c.run(ctx, s, backlog)
	}
	return nil
}

func (c *MemoryConsumer) run(ctx context.Context, s *memSubscription, backlog []*Message) {
	defer c.wg.Done()
	for _, msg := range backlog {
		if ctx.Err() != nil {
			return
		}
		c.consume(ctx, s, msg)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.queue:
			c.consume(ctx, s, msg)
		}
	}
}

func (c *MemoryConsumer) consume(ctx context.Context, s *memSubscription, msg *Message) {
	if c.handle(ctx, s, msg) == ReconsumeLater {
		c.m.redeliver(s, msg)
	}
}

func (c *MemoryConsumer) handle(ctx context.Context, s *memSubscription, msg *Message) (res ConsumeResult) {
	defer func() {
		if r := recover(); r != nil {
			c.m.logger.Error("consumer panic", zap.String("topic", s.topic), zap.Any("panic", r))
			res = ReconsumeLater
		}
	}()
	res = s.handler(ctx, msg)
	Observe(s.topic, "consumed")
	return res
}

func (c *MemoryConsumer) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	subs := c.subs
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.m.mu.Lock()
	for _, s := range subs {
		delete(c.m.subs[s.topic], c.group)
	}
	c.m.mu.Unlock()
	return nil
}
