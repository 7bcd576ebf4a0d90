package services

import (
	"context"
	"testing"
	"time"

	"toll-backend/internal/clients"
	"toll-backend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ingestorFixture struct {
	ledger   *clients.MockLedger
	vehicles *fakeVehicleRepo
	txs      *fakeTxRepo
	ingestor *LedgerEventIngestor
}

func newIngestorFixture() *ingestorFixture {
	ledger := clients.NewMockLedger(nil)
	vehicles := newFakeVehicleRepo()
	txs := newFakeTxRepo()
	return &ingestorFixture{
		ledger:   ledger,
		vehicles: vehicles,
		txs:      txs,
		ingestor: NewLedgerEventIngestor(ledger, vehicles, txs, nil, nil, 10*time.Millisecond),
	}
}

func registeredEvent(vehicleID string) clients.LedgerEvent {
	return clients.LedgerEvent{
		EventName:    clients.EventVehicleRegistered,
		UniqueID:     "0xaaa:0",
		TxHash:       "0xaaa",
		VehicleID:    vehicleID,
		OwnerAddress: "0x3333333333333333333333333333333333333333",
		BlockNumber:  10,
		Timestamp:    time.Now().UTC(),
	}
}

func paidEvent(txHash, vehicleID string) clients.LedgerEvent {
	return clients.LedgerEvent{
		EventName:    clients.EventTollPaid,
		UniqueID:     txHash + ":0",
		TxHash:       txHash,
		VehicleID:    vehicleID,
		PayerAddress: "0x4444444444444444444444444444444444444444",
		Amount:       "0.00045",
		BlockNumber:  11,
		Timestamp:    time.Now().UTC(),
	}
}

func TestPollOnceAppliesEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("vehicle registration lands in the mirror", func(t *testing.T) {
		f := newIngestorFixture()
		f.ingestor.PollOnce(ctx) // registers filters

		f.ledger.RecordEvent(registeredEvent("KA-01-1234"))
		f.ingestor.PollOnce(ctx)

		vehicle, err := f.vehicles.GetByID(ctx, "KA-01-1234")
		require.NoError(t, err)
		assert.True(t, vehicle.Active)
		assert.Equal(t, "0x3333333333333333333333333333333333333333", vehicle.OwnerAddress)
	})

	t.Run("replayed events leave the mirror unchanged", func(t *testing.T) {
		f := newIngestorFixture()
		f.ingestor.PollOnce(ctx)

		f.ledger.RecordEvent(paidEvent("0xbbb", "KA-01-1234"))
		f.ingestor.PollOnce(ctx)
		require.Equal(t, 1, f.txs.count())

		f.ledger.RecordEvent(paidEvent("0xbbb", "KA-01-1234"))
		f.ingestor.PollOnce(ctx)
		assert.Equal(t, 1, f.txs.count())
	})

	t.Run("toll paid confirms the matching pending row", func(t *testing.T) {
		f := newIngestorFixture()
		f.ingestor.PollOnce(ctx)

		// pending row written by the synchronous payment path
		require.NoError(t, f.txs.Create(ctx, &models.TollTransaction{
			TxID:         "api-initiated-1",
			VehicleID:    "KA-01-1234",
			Amount:       "0.00045",
			Status:       models.TransactionStatusPending,
			LedgerTxHash: "0xccc",
		}))

		f.ledger.RecordEvent(paidEvent("0xccc", "KA-01-1234"))
		f.ingestor.PollOnce(ctx)

		tx, err := f.txs.GetByID(ctx, "api-initiated-1")
		require.NoError(t, err)
		assert.Equal(t, models.TransactionStatusConfirmed, tx.Status)
		assert.Equal(t, uint64(11), tx.BlockNumber)
		// no duplicate row for the same payment
		assert.Equal(t, 1, f.txs.count())
	})

	t.Run("chain-only payment touches the vehicle's last toll", func(t *testing.T) {
		f := newIngestorFixture()
		f.ingestor.PollOnce(ctx)

		require.NoError(t, f.vehicles.Upsert(ctx, &models.Vehicle{
			VehicleID: "KA-01-1234",
			Active:    true,
		}))

		f.ledger.RecordEvent(paidEvent("0xddd", "KA-01-1234"))
		f.ingestor.PollOnce(ctx)

		vehicle, err := f.vehicles.GetByID(ctx, "KA-01-1234")
		require.NoError(t, err)
		assert.NotNil(t, vehicle.LastTollAt)
	})

	t.Run("blacklisting is last-write-wins", func(t *testing.T) {
		f := newIngestorFixture()
		f.ingestor.PollOnce(ctx)

		require.NoError(t, f.vehicles.Upsert(ctx, &models.Vehicle{
			VehicleID: "KA-01-1234",
			Active:    true,
		}))

		f.ledger.RecordEvent(clients.LedgerEvent{
			EventName:   clients.EventVehicleBlacklisted,
			UniqueID:    "0xeee:0",
			TxHash:      "0xeee",
			VehicleID:   "KA-01-1234",
			Blacklisted: true,
		})
		f.ledger.RecordEvent(clients.LedgerEvent{
			EventName:   clients.EventVehicleBlacklisted,
			UniqueID:    "0xeee:1",
			TxHash:      "0xeee",
			LogIndex:    1,
			VehicleID:   "KA-01-1234",
			Blacklisted: false,
		})
		f.ingestor.PollOnce(ctx)

		vehicle, err := f.vehicles.GetByID(ctx, "KA-01-1234")
		require.NoError(t, err)
		assert.False(t, vehicle.Blacklisted)
	})
}

func TestFilterExpiryRecovery(t *testing.T) {
	ctx := context.Background()
	f := newIngestorFixture()

	// first cycle registers filters 0x1..0x3 for the three event types
	f.ingestor.PollOnce(ctx)

	// the node expires every filter
	f.ledger.ExpireFilter("0x1")
	f.ledger.ExpireFilter("0x2")
	f.ledger.ExpireFilter("0x3")

	// this cycle observes filter-not-found and marks them stale; no events
	// are lost permanently because the next cycle re-registers
	f.ingestor.PollOnce(ctx)

	// fresh filters exist again; events flow
	f.ingestor.PollOnce(ctx)
	f.ledger.RecordEvent(registeredEvent("KA-09-9999"))
	f.ingestor.PollOnce(ctx)

	assert.Equal(t, 1, f.vehicles.count())
}

func TestIngestorStartStop(t *testing.T) {
	f := newIngestorFixture()

	f.ingestor.Start()
	// Start is idempotent
	f.ingestor.Start()

	f.ledger.RecordEvent(registeredEvent("KA-05-5555"))

	deadline := time.After(2 * time.Second)
	for f.vehicles.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("event was not applied before the deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}

	f.ingestor.Stop()
	// Stop is idempotent and a restart works
	f.ingestor.Stop()
	f.ingestor.Start()
	f.ingestor.Stop()
}
