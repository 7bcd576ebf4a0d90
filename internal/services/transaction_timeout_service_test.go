package services

import (
	"context"
	"testing"
	"time"

	"toll-backend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingTx(txID string, age time.Duration) *models.TollTransaction {
	return &models.TollTransaction{
		TxID:      txID,
		VehicleID: "KA-01-1234",
		Amount:    "0.0003",
		Status:    models.TransactionStatusPending,
		CreatedAt: time.Now().Add(-age),
	}
}

func TestTransactionTimeoutSweep(t *testing.T) {
	ctx := context.Background()

	t.Run("stale pending transactions fail", func(t *testing.T) {
		txs := newFakeTxRepo()
		require.NoError(t, txs.Create(ctx, pendingTx("stale-1", 10*time.Minute)))
		require.NoError(t, txs.Create(ctx, pendingTx("stale-2", 6*time.Minute)))

		sweep := NewTransactionTimeoutService(txs, nil, time.Second, 5*time.Minute)
		assert.Equal(t, 2, sweep.SweepOnce(ctx))

		for _, id := range []string{"stale-1", "stale-2"} {
			tx, err := txs.GetByID(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, models.TransactionStatusFailed, tx.Status)
		}
	})

	t.Run("recent pending transactions are untouched", func(t *testing.T) {
		txs := newFakeTxRepo()
		require.NoError(t, txs.Create(ctx, pendingTx("fresh", time.Minute)))

		sweep := NewTransactionTimeoutService(txs, nil, time.Second, 5*time.Minute)
		assert.Equal(t, 0, sweep.SweepOnce(ctx))

		tx, err := txs.GetByID(ctx, "fresh")
		require.NoError(t, err)
		assert.Equal(t, models.TransactionStatusPending, tx.Status)
	})

	t.Run("confirmed transactions never regress to failed", func(t *testing.T) {
		txs := newFakeTxRepo()
		old := pendingTx("settled", 10*time.Minute)
		old.Status = models.TransactionStatusConfirmed
		require.NoError(t, txs.Create(ctx, old))

		sweep := NewTransactionTimeoutService(txs, nil, time.Second, 5*time.Minute)
		assert.Equal(t, 0, sweep.SweepOnce(ctx))

		tx, err := txs.GetByID(ctx, "settled")
		require.NoError(t, err)
		assert.Equal(t, models.TransactionStatusConfirmed, tx.Status)
	})

	t.Run("sweep is idempotent", func(t *testing.T) {
		txs := newFakeTxRepo()
		require.NoError(t, txs.Create(ctx, pendingTx("stale", 10*time.Minute)))

		sweep := NewTransactionTimeoutService(txs, nil, time.Second, 5*time.Minute)
		assert.Equal(t, 1, sweep.SweepOnce(ctx))
		assert.Equal(t, 0, sweep.SweepOnce(ctx))
	})
}

func TestTransactionTimeoutStartStop(t *testing.T) {
	txs := newFakeTxRepo()
	require.NoError(t, txs.Create(context.Background(), pendingTx("stale", 10*time.Minute)))

	sweep := NewTransactionTimeoutService(txs, nil, 10*time.Millisecond, 5*time.Minute)
	sweep.Start()
	sweep.Start() // idempotent

	deadline := time.After(2 * time.Second)
	for {
		tx, err := txs.GetByID(context.Background(), "stale")
		require.NoError(t, err)
		if tx.Status == models.TransactionStatusFailed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("transaction was not failed before the deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}

	sweep.Stop()
	sweep.Stop() // idempotent
}
