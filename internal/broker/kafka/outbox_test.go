//go:build integration

package kafka

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheusmosca/mxshop-fulfillment/internal/broker"
	"github.com/matheusmosca/mxshop-fulfillment/internal/pgtest"
)

func TestProducer_SendTxFollowsTheTransaction(t *testing.T) {
	// Arrange
	pool := pgtest.Start(t, "broker.sql")
	w := &fakeWriter{}
	p := newProducer(w, newPGOutbox(pool))
	ctx := context.Background()

	committed, err := broker.NewMessage("order_reback", "sn-1", map[string]string{"orderSn": "sn-1"})
	require.NoError(t, err)
	rolledBack, err := broker.NewMessage("order_reback", "sn-2", map[string]string{"orderSn": "sn-2"})
	require.NoError(t, err)

	// Act
	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, p.SendTx(ctx, tx, committed))
	n, err := p.Relay(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing is relayed before commit")
	require.NoError(t, tx.Commit(ctx))

	tx, err = pool.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, p.SendTx(ctx, tx, rolledBack))
	require.NoError(t, tx.Rollback(ctx))

	n, err = p.Relay(ctx)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "sn-1", string(w.msgs[0].Key))
}
