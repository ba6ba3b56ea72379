// Package dtm implements broker.TransactionProducer with DTM two-phase
// messages. The half message is a prepared DTM msg whose single branch is
// the consuming service's HTTP endpoint; DTM calls the query endpoint when
// the producer neither submits nor aborts.
package dtm

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dtm-labs/client/dtmcli"
	"github.com/dtm-labs/client/dtmcli/dtmimp"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/matheusmosca/mxshop-fulfillment/internal/broker"
	"github.com/matheusmosca/mxshop-fulfillment/internal/telemetry"
)

const (
	headerMsgID = "X-Msg-Id"
	headerKey   = "X-Msg-Key"
	decisionTTL = time.Hour
)

var ErrNoBranch = errors.New("dtm: no branch registered for topic")

type twoPhaseMsg interface {
	Prepare(queryPrepared string) error
	Submit() error
	Abort() error
}

// dtmMsg adds the abort call that dtmcli.Msg only makes from DoAndSubmit.
type dtmMsg struct {
	*dtmcli.Msg
}

func (m dtmMsg) Abort() error {
	return dtmimp.TransCallDtm(&m.TransBase, "abort")
}

type decision struct {
	state broker.TransactionState
	at    time.Time
}

// Producer sends half messages through DTM. A rollback is reported to DTM
// with abort; if that call fails the decision survives only in this
// process, and a query reaching a restarted or different replica falls
// back to the checker.
type Producer struct {
	server   string
	queryURL string
	branches map[string]string
	checker  broker.Checker
	logger   *zap.Logger
	newMsg   func(gid, branchURL string, payload json.RawMessage, headers map[string]string) twoPhaseMsg

	mu        sync.Mutex
	decisions map[string]decision
	now       func() time.Time
}

// NewProducer builds a producer against the DTM server. branches maps a
// topic to the URL DTM posts the message body to; queryURL is where DTM
// asks about undecided messages (see QueryHandler).
func NewProducer(server, queryURL string, branches map[string]string, checker broker.Checker, logger *zap.Logger) *Producer {
	p := &Producer{
		server:    server,
		queryURL:  queryURL,
		branches:  branches,
		checker:   checker,
		logger:    logger,
		decisions: map[string]decision{},
		now:       time.Now,
	}
	p.newMsg = func(gid, branchURL string, payload json.RawMessage, headers map[string]string) twoPhaseMsg {
		msg := dtmcli.NewMsg(p.server, gid).Add(branchURL, payload)
		msg.BranchHeaders = headers
		return dtmMsg{Msg: msg}
	}
	return p
}

// SendInTransaction uses the message key as the DTM gid, so the query
// callback can be answered from the key alone.
func (p *Producer) SendInTransaction(ctx context.Context, msg *broker.Message, exec broker.LocalExecutor) (broker.TransactionState, error) {
	branch, ok := p.branches[msg.Topic]
	if !ok {
		return broker.Unknown, errors.Wrapf(ErrNoBranch, "topic %s", msg.Topic)
	}
	gid := msg.Key
	if gid == "" {
		gid = msg.ID
	}

	headers := map[string]string{headerMsgID: msg.ID, headerKey: msg.Key}
	telemetry.Inject(ctx, headers)

	m := p.newMsg(gid, branch, json.RawMessage(msg.Body), headers)
	if err := m.Prepare(p.queryURL); err != nil {
		return broker.Unknown, errors.Wrapf(err, "prepare dtm msg %s", gid)
	}
	broker.Observe(msg.Topic, "half")

	state := exec(ctx, msg)
	switch state {
	case broker.Commit:
		p.remember(gid, state)
		if err := m.Submit(); err != nil {
			// DTM falls back to the query callback
			p.logger.Warn("dtm submit failed", zap.String("gid", gid), zap.Error(err))
		}
		broker.Observe(msg.Topic, "commit")
	case broker.Rollback:
		p.remember(gid, state)
		if err := m.Abort(); err != nil {
			// only this process remembers the rollback until DTM is told
			p.logger.Warn("dtm abort failed", zap.String("gid", gid), zap.Error(err))
		}
		broker.Observe(msg.Topic, "rollback")
	}
	return state, nil
}

func (p *Producer) remember(gid string, state broker.TransactionState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for k, d := range p.decisions {
		if now.Sub(d.at) > decisionTTL {
			delete(p.decisions, k)
		}
	}
	p.decisions[gid] = decision{state: state, at: now}
}

func (p *Producer) decided(gid string) (broker.TransactionState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.decisions[gid]
	return d.state, ok
}

// QueryHandler answers DTM's query-prepared call for ?gid=. Decisions made
// by this process win; otherwise the checker is asked.
func (p *Producer) QueryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		gid := c.Query("gid")
		if gid == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "gid is required"})
			return
		}

		state, ok := p.decided(gid)
		if !ok {
			state = p.checker(c.Request.Context(), &broker.Message{Key: gid, Properties: map[string]string{}})
		}

		switch state {
		case broker.Commit:
			c.JSON(http.StatusOK, gin.H{"dtm_result": dtmcli.ResultSuccess})
		case broker.Rollback:
			c.JSON(http.StatusConflict, gin.H{"dtm_result": dtmcli.ResultFailure})
		default:
			c.JSON(http.StatusTooEarly, gin.H{"dtm_result": dtmcli.ResultOngoing})
		}
	}
}

// BranchHandler adapts a broker handler to a DTM msg branch. Reconsume
// requests turn into a 500 so DTM retries the branch.
func BranchHandler(topic string, h broker.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		props := map[string]string{}
		for _, k := range []string{"traceparent", "tracestate"} {
			if v := c.GetHeader(k); v != "" {
				props[k] = v
			}
		}
		key := c.GetHeader(headerKey)
		if key == "" {
			key = c.Query("gid")
		}
		msg := &broker.Message{
			ID:         c.GetHeader(headerMsgID),
			Topic:      topic,
			Key:        key,
			Body:       body,
			Properties: props,
		}

		ctx := telemetry.Extract(c.Request.Context(), props)
		if h(ctx, msg) == broker.ReconsumeLater {
			broker.Observe(topic, "reconsume")
			c.JSON(http.StatusInternalServerError, gin.H{"dtm_result": dtmcli.ResultOngoing})
			return
		}
		broker.Observe(topic, "consumed")
		c.JSON(http.StatusOK, gin.H{"dtm_result": dtmcli.ResultSuccess})
	}
}
