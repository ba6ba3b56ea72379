package kafka

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/matheusmosca/mxshop-fulfillment/internal/broker"
)

const relayBatch = 100

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Option func(*Producer)

// WithChecker enables SendInTransaction; checker resolves half messages the
// executor left Unknown.
func WithChecker(checker broker.Checker) Option {
	return func(p *Producer) { p.checker = checker }
}

// WithCheckGrace sets how old a prepared message must be before it is checked.
func WithCheckGrace(d time.Duration) Option {
	return func(p *Producer) { p.checkGrace = d }
}

// WithMaxChecks bounds the checks of one prepared message.
func WithMaxChecks(n int) Option {
	return func(p *Producer) { p.maxChecks = n }
}

// WithLogger sets the producer logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Producer) { p.logger = logger }
}

// Producer writes plain messages straight to Kafka and parks delayed and
// half messages in the outbox. Run must be running for parked messages to
// be published.
type Producer struct {
	writer     messageWriter
	store      outboxStore
	checker    broker.Checker
	checkGrace time.Duration
	maxChecks  int
	logger     *zap.Logger
	now        func() time.Time
}

// NewProducer writes to the client brokers and keeps its outbox in db.
func NewProducer(client *Client, db *pgxpool.Pool, opts ...Option) *Producer {
	return newProducer(client.NewWriter(), newPGOutbox(db), opts...)
}

func newProducer(w messageWriter, store outboxStore, opts ...Option) *Producer {
	p := &Producer{
		writer:     w,
		store:      store,
		checkGrace: 30 * time.Second,
		maxChecks:  broker.DefaultMaxChecks,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Producer) Send(ctx context.Context, msg *broker.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	broker.Observe(msg.Topic, "sent")

	if d := broker.Delay(msg.DelayLevel); d > 0 {
		return p.store.Insert(ctx, outboxRecord{Msg: msg, State: stateReady, DeliverAt: p.now().Add(d)})
	}
	if err := p.writer.WriteMessages(ctx, toKafka(msg, p.now())); err != nil {
		return errors.Wrapf(err, "write %s message", msg.Topic)
	}
	return nil
}

// SendTx parks msg in the outbox using the caller's transaction. The relay
// publishes it once tx has committed and its delay has passed; a rolled
// back tx takes the message with it.
func (p *Producer) SendTx(ctx context.Context, tx pgx.Tx, msg *broker.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if err := insertRecord(ctx, tx, outboxRecord{Msg: msg, State: stateReady, DeliverAt: p.deliverAt(msg)}); err != nil {
		return errors.Wrapf(err, "park %s message", msg.Topic)
	}
	broker.Observe(msg.Topic, "sent")
	return nil
}

func (p *Producer) SendInTransaction(ctx context.Context, msg *broker.Message, exec broker.LocalExecutor) (broker.TransactionState, error) {
	if p.checker == nil {
		return broker.Unknown, errors.New("kafka: transactional send needs a checker")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	if err := p.store.Insert(ctx, outboxRecord{Msg: msg, State: statePrepared, DeliverAt: p.now()}); err != nil {
		return broker.Unknown, errors.Wrap(err, "send half message")
	}
	broker.Observe(msg.Topic, "half")

	state := exec(ctx, msg)
	if state == broker.Unknown {
		return state, nil
	}
	if err := p.store.Resolve(ctx, msg.ID, p.target(state), p.deliverAt(msg)); err != nil {
		// the check loop settles the message later
		p.logger.Warn("failed to resolve half message", zap.String("key", msg.Key), zap.Error(err))
		return state, nil
	}
	if state == broker.Commit {
		broker.Observe(msg.Topic, "commit")
	} else {
		broker.Observe(msg.Topic, "rollback")
	}
	return state, nil
}

func (p *Producer) target(state broker.TransactionState) recordState {
	if state == broker.Commit {
		return stateReady
	}
	return stateRolledBack
}

func (p *Producer) deliverAt(msg *broker.Message) time.Time {
	return p.now().Add(broker.Delay(msg.DelayLevel))
}

// Relay publishes every due message once and returns how many went out.
func (p *Producer) Relay(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := p.store.PublishDue(ctx, p.now(), relayBatch, func(ctx context.Context, msgs []*broker.Message) error {
			out := make([]kafka.Message, 0, len(msgs))
			for _, m := range msgs {
				out = append(out, toKafka(m, p.now()))
			}
			return p.writer.WriteMessages(ctx, out...)
		})
		total += n
		if err != nil {
			return total, errors.Wrap(err, "relay broker messages")
		}
		if n < relayBatch {
			return total, nil
		}
	}
}

// Check asks the checker about half messages older than the grace period.
func (p *Producer) Check(ctx context.Context) (int, error) {
	if p.checker == nil {
		return 0, nil
	}
	recs, err := p.store.DuePrepared(ctx, p.now().Add(-p.checkGrace), relayBatch)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, rec := range recs {
		state := p.checker(ctx, rec.Msg)
		if state == broker.Unknown && rec.Checks+1 >= p.maxChecks {
			p.logger.Warn("half message unresolved after max checks, rolling back",
				zap.String("topic", rec.Msg.Topic), zap.String("key", rec.Msg.Key), zap.Int("checks", rec.Checks+1))
			state = broker.Rollback
		}

		next := statePrepared
		if state != broker.Unknown {
			next = p.target(state)
			resolved++
		}
		if err := p.store.Checked(ctx, rec.Msg.ID, next, p.deliverAt(rec.Msg)); err != nil {
			return resolved, err
		}
	}
	return resolved, nil
}

// Run relays and checks on their intervals until ctx is done.
func (p *Producer) Run(ctx context.Context, relayInterval, checkInterval time.Duration) {
	relay := time.NewTicker(relayInterval)
	defer relay.Stop()
	check := time.NewTicker(checkInterval)
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-relay.C:
			if _, err := p.Relay(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("relay failed", zap.Error(err))
			}
		case <-check.C:
			if _, err := p.Check(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("half message check failed", zap.Error(err))
			}
		}
	}
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
