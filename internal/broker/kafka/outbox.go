package kafka

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matheusmosca/mxshop-fulfillment/internal/broker"
)

type recordState int16

const (
	statePrepared   recordState = 1
	stateReady      recordState = 2
	stateSent       recordState = 3
	stateRolledBack recordState = 4
)

type outboxRecord struct {
	Msg       *broker.Message
	State     recordState
	Checks    int
	DeliverAt time.Time
	CreatedAt time.Time
}

// outboxStore keeps messages that cannot go to Kafka yet: delayed ones and
// half messages waiting for a decision.
type outboxStore interface {
	Insert(ctx context.Context, rec outboxRecord) error
	// Resolve moves a prepared message to state. Messages already resolved
	// are left alone.
	Resolve(ctx context.Context, msgID string, state recordState, deliverAt time.Time) error
	// Checked counts one check and applies state like Resolve.
	Checked(ctx context.Context, msgID string, state recordState, deliverAt time.Time) error
	DuePrepared(ctx context.Context, createdBefore time.Time, limit int) ([]outboxRecord, error)
	// PublishDue locks up to limit ready messages whose time has come, hands
	// them to publish and marks them sent when publish succeeds.
	PublishDue(ctx context.Context, now time.Time, limit int, publish func(ctx context.Context, msgs []*broker.Message) error) (int, error)
}

type pgOutbox struct {
	db *pgxpool.Pool
}

func newPGOutbox(db *pgxpool.Pool) *pgOutbox {
	return &pgOutbox{db: db}
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *pgOutbox) Insert(ctx context.Context, rec outboxRecord) error {
	return insertRecord(ctx, s.db, rec)
}

func insertRecord(ctx context.Context, db execer, rec outboxRecord) error {
	props, err := json.Marshal(rec.Msg.Properties)
	if err != nil {
		return errors.Wrap(err, "encode properties")
	}

	_, err = db.Exec(ctx, `
		INSERT INTO broker_messages (msg_id, topic, msg_key, body, properties, reconsume_times, state, deliver_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.Msg.ID, rec.Msg.Topic, rec.Msg.Key, rec.Msg.Body, props, rec.Msg.ReconsumeTimes, rec.State, rec.DeliverAt)
	if err != nil {
		return errors.Wrapf(err, "insert broker message %s", rec.Msg.ID)
	}
	return nil
}

func (s *pgOutbox) Resolve(ctx context.Context, msgID string, state recordState, deliverAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE broker_messages
		SET state = $2, deliver_at = $3, updated_at = NOW()
		WHERE msg_id = $1 AND state = $4
	`, msgID, state, deliverAt, statePrepared)
	if err != nil {
		return errors.Wrapf(err, "resolve broker message %s", msgID)
	}
	return nil
}

func (s *pgOutbox) Checked(ctx context.Context, msgID string, state recordState, deliverAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE broker_messages
		SET state = $2, deliver_at = $3, checks = checks + 1, updated_at = NOW()
		WHERE msg_id = $1 AND state = $4
	`, msgID, state, deliverAt, statePrepared)
	if err != nil {
		return errors.Wrapf(err, "record check of broker message %s", msgID)
	}
	return nil
}

func (s *pgOutbox) DuePrepared(ctx context.Context, createdBefore time.Time, limit int) ([]outboxRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT msg_id, topic, msg_key, body, properties, reconsume_times, state, checks, deliver_at, created_at
		FROM broker_messages
		WHERE state = $1 AND created_at <= $2
		ORDER BY id
		LIMIT $3
	`, statePrepared, createdBefore, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query prepared broker messages")
	}
	return scanRecords(rows)
}

func (s *pgOutbox) PublishDue(ctx context.Context, now time.Time, limit int, publish func(ctx context.Context, msgs []*broker.Message) error) (int, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "begin relay transaction")
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT msg_id, topic, msg_key, body, properties, reconsume_times, state, checks, deliver_at, created_at
		FROM broker_messages
		WHERE state = $1 AND deliver_at <= $2
		ORDER BY deliver_at, id
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`, stateReady, now, limit)
	if err != nil {
		return 0, errors.Wrap(err, "query due broker messages")
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}

	msgs := make([]*broker.Message, 0, len(recs))
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		msgs = append(msgs, r.Msg)
		ids = append(ids, r.Msg.ID)
	}
	if err := publish(ctx, msgs); err != nil {
		return 0, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE broker_messages SET state = $1, updated_at = NOW() WHERE msg_id = ANY($2)
	`, stateSent, ids); err != nil {
		return 0, errors.Wrap(err, "mark broker messages sent")
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "commit relay transaction")
	}
	return len(recs), nil
}

func scanRecords(rows pgx.Rows) ([]outboxRecord, error) {
	defer rows.Close()

	var out []outboxRecord
	for rows.Next() {
		var (
			rec   outboxRecord
			msg   broker.Message
			props []byte
		)
		if err := rows.Scan(&msg.ID, &msg.Topic, &msg.Key, &msg.Body, &props, &msg.ReconsumeTimes,
			&rec.State, &rec.Checks, &rec.DeliverAt, &rec.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan broker message")
		}
		msg.Properties = map[string]string{}
		if len(props) > 0 {
			if err := json.Unmarshal(props, &msg.Properties); err != nil {
				return nil, errors.Wrapf(err, "decode properties of %s", msg.ID)
			}
		}
		rec.Msg = &msg
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "iterate broker messages")
}
