package services

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"toll-backend/internal/clients"
	"toll-backend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUser = "0x2222222222222222222222222222222222222222"

func testSignature() []byte {
	return bytes.Repeat([]byte{0x5a}, 65)
}

type walletFixture struct {
	store    *clients.MockWalletStore
	ledger   *clients.MockLedger
	users    *fakeUserRepo
	vehicles *fakeVehicleRepo
	txs      *fakeTxRepo
	plazas   *fakePlazaRepo
	service  *WalletService
}

func newWalletFixture() *walletFixture {
	store := clients.NewMockWalletStore()
	ledger := clients.NewMockLedger(store)
	users := newFakeUserRepo()
	vehicles := newFakeVehicleRepo()
	txs := newFakeTxRepo()
	plazas := newFakePlazaRepo(testPlaza())

	rates := NewRateService(plazas)
	verifier := NewProofVerifier(ledger)
	service := NewWalletService(ledger, users, vehicles, txs, rates, verifier, store)

	return &walletFixture{
		store:    store,
		ledger:   ledger,
		users:    users,
		vehicles: vehicles,
		txs:      txs,
		plazas:   plazas,
		service:  service,
	}
}

func TestEnsureWallet(t *testing.T) {
	ctx := context.Background()

	t.Run("first call deploys, second resolves", func(t *testing.T) {
		f := newWalletFixture()

		first, err := f.service.EnsureWallet(ctx, testUser)
		require.NoError(t, err)
		assert.True(t, first.IsNew)
		assert.NotEmpty(t, first.WalletAddress)

		second, err := f.service.EnsureWallet(ctx, testUser)
		require.NoError(t, err)
		assert.False(t, second.IsNew)
		assert.Equal(t, first.WalletAddress, second.WalletAddress)
	})

	t.Run("concurrent calls converge on one wallet", func(t *testing.T) {
		f := newWalletFixture()

		const goroutines = 16
		results := make([]*EnsureWalletResult, goroutines)
		errs := make([]error, goroutines)
		var wg sync.WaitGroup
		for i := 0; i < goroutines; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = f.service.EnsureWallet(ctx, testUser)
			}(i)
		}
		wg.Wait()

		created := 0
		for i, result := range results {
			require.NoError(t, errs[i])
			assert.Equal(t, results[0].WalletAddress, result.WalletAddress)
			if result.IsNew {
				created++
			}
		}
		assert.Equal(t, 1, created)
		assert.Equal(t, 1, f.store.Len())
	})

	t.Run("ledger hit backfills the db mirror", func(t *testing.T) {
		f := newWalletFixture()

		// wallet exists on the ledger but the mirror has never seen it
		deployed, err := f.ledger.DeployWallet(ctx, testUser)
		require.NoError(t, err)

		result, err := f.service.EnsureWallet(ctx, testUser)
		require.NoError(t, err)
		assert.False(t, result.IsNew)
		assert.Equal(t, deployed, result.WalletAddress)

		bound, err := f.users.GetTopUpWallet(ctx, testUser)
		require.NoError(t, err)
		assert.Equal(t, deployed, bound)
	})

	t.Run("empty address is rejected", func(t *testing.T) {
		f := newWalletFixture()
		_, err := f.service.EnsureWallet(ctx, "  ")
		require.Error(t, err)
	})
}

func TestTopUpAndWithdraw(t *testing.T) {
	ctx := context.Background()

	t.Run("top up requires an existing wallet", func(t *testing.T) {
		f := newWalletFixture()
		_, err := f.service.TopUp(ctx, clients.WalletOperation{
			UserAddress: testUser,
			Amount:      "1",
			Nonce:       1,
			Signature:   testSignature(),
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrWalletNotFound)
	})

	t.Run("short signature is rejected before the ledger", func(t *testing.T) {
		f := newWalletFixture()
		_, err := f.service.TopUp(ctx, clients.WalletOperation{
			UserAddress: testUser,
			Amount:      "1",
			Nonce:       1,
			Signature:   []byte{1, 2, 3},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSignatureOrReplay)
	})

	t.Run("nonce reuse is rejected", func(t *testing.T) {
		f := newWalletFixture()
		_, err := f.service.EnsureWallet(ctx, testUser)
		require.NoError(t, err)

		op := clients.WalletOperation{
			UserAddress: testUser,
			Amount:      "1",
			Nonce:       7,
			Signature:   testSignature(),
		}
		_, err = f.service.TopUp(ctx, op)
		require.NoError(t, err)

		_, err = f.service.TopUp(ctx, op)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSignatureOrReplay)
	})

	t.Run("withdraw round-trips a top up", func(t *testing.T) {
		f := newWalletFixture()
		_, err := f.service.EnsureWallet(ctx, testUser)
		require.NoError(t, err)

		_, err = f.service.TopUp(ctx, clients.WalletOperation{
			UserAddress: testUser,
			Amount:      "2",
			Nonce:       1,
			Signature:   testSignature(),
		})
		require.NoError(t, err)

		result, err := f.service.Withdraw(ctx, clients.WalletOperation{
			UserAddress: testUser,
			Amount:      "2",
			Nonce:       2,
			Signature:   testSignature(),
		})
		require.NoError(t, err)
		assert.NotEmpty(t, result.LedgerTxHash)

		stats, err := f.service.WalletStats(ctx, testUser)
		require.NoError(t, err)
		assert.Equal(t, "0", stats.Balance)
	})

	t.Run("overdraw fails", func(t *testing.T) {
		f := newWalletFixture()
		_, err := f.service.EnsureWallet(ctx, testUser)
		require.NoError(t, err)

		_, err = f.service.Withdraw(ctx, clients.WalletOperation{
			UserAddress: testUser,
			Amount:      "5",
			Nonce:       1,
			Signature:   testSignature(),
		})
		require.Error(t, err)
	})
}

func preparePaidUser(t *testing.T, f *walletFixture) {
	t.Helper()
	ctx := context.Background()

	_, err := f.service.EnsureWallet(ctx, testUser)
	require.NoError(t, err)
	_, err = f.service.TopUp(ctx, clients.WalletOperation{
		UserAddress: testUser,
		Amount:      "1",
		Nonce:       1,
		Signature:   testSignature(),
	})
	require.NoError(t, err)

	require.NoError(t, f.vehicles.Upsert(ctx, &models.Vehicle{
		VehicleID:    "KA-01-1234",
		OwnerAddress: testUser,
		Category:     "car",
		Active:       true,
	}))
}

func TestPayToll(t *testing.T) {
	ctx := context.Background()

	payRequest := func(nonce uint64, discountCode string) PayTollRequest {
		return PayTollRequest{
			UserAddress:  testUser,
			VehicleID:    "KA-01-1234",
			PlazaID:      "plaza-default",
			DiscountCode: discountCode,
			Proof:        validProof(),
			PublicInputs: []string{"0x1a"},
			Nonce:        nonce,
			Signature:    testSignature(),
		}
	}

	t.Run("settles at the rate-engine amount and records a pending mirror row", func(t *testing.T) {
		f := newWalletFixture()
		preparePaidUser(t, f)

		result, err := f.service.PayToll(ctx, payRequest(2, ""))
		require.NoError(t, err)
		assert.NotEmpty(t, result.LedgerTxHash)
		assert.Equal(t, string(models.TransactionStatusPending), result.Status)

		tx, err := f.txs.GetByID(ctx, result.TxID)
		require.NoError(t, err)
		assert.Equal(t, "KA-01-1234", tx.VehicleID)
		assert.Equal(t, result.Amount, tx.Amount)
		assert.Equal(t, models.TransactionStatusPending, tx.Status)
	})

	t.Run("discount usage is consumed once on settlement", func(t *testing.T) {
		f := newWalletFixture()
		preparePaidUser(t, f)

		result, err := f.service.PayToll(ctx, payRequest(2, "SAVE10"))
		require.NoError(t, err)
		assert.NotEmpty(t, result.TxID)
		assert.Equal(t, 1, f.plazas.usage("SAVE10"))
	})

	t.Run("failed settlement leaves discount usage untouched", func(t *testing.T) {
		f := newWalletFixture()
		preparePaidUser(t, f)

		// nonce 1 was spent by the fixture top-up, so the ledger rejects
		_, err := f.service.PayToll(ctx, payRequest(1, "SAVE10"))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSignatureOrReplay)
		assert.Equal(t, 0, f.plazas.usage("SAVE10"))
	})

	t.Run("invalid proof is rejected before any ledger mutation", func(t *testing.T) {
		f := newWalletFixture()
		preparePaidUser(t, f)

		req := payRequest(2, "")
		req.Proof = nil
		_, err := f.service.PayToll(ctx, req)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidProofFormat)
		assert.Equal(t, 0, f.txs.count())
	})

	t.Run("unknown vehicle is rejected", func(t *testing.T) {
		f := newWalletFixture()
		preparePaidUser(t, f)

		req := payRequest(2, "")
		req.VehicleID = "XX-99-0000"
		_, err := f.service.PayToll(ctx, req)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrVehicleNotFound)
	})

	t.Run("blacklisted vehicle is rejected", func(t *testing.T) {
		f := newWalletFixture()
		preparePaidUser(t, f)
		require.NoError(t, f.vehicles.SetBlacklisted(ctx, "KA-01-1234", true))

		_, err := f.service.PayToll(ctx, payRequest(2, ""))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrVehicleNotEligible)
	})

	t.Run("wallet balance reflects the settled toll", func(t *testing.T) {
		f := newWalletFixture()
		preparePaidUser(t, f)

		result, err := f.service.PayToll(ctx, payRequest(2, ""))
		require.NoError(t, err)

		stats, err := f.service.WalletStats(ctx, testUser)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), stats.TollsPaid)
		assert.Equal(t, result.Amount, stats.TotalSpent)
	})
}

func TestOperationDigest(t *testing.T) {
	t.Run("deterministic and case-insensitive on address", func(t *testing.T) {
		a := OperationDigest("0xABCDEF0000000000000000000000000000000001", "0.0003", 1)
		b := OperationDigest("0xabcdef0000000000000000000000000000000001", "0.0003", 1)
		assert.Equal(t, a, b)
		assert.Len(t, a, 32)
	})

	t.Run("nonce changes the digest", func(t *testing.T) {
		a := OperationDigest(testUser, "0.0003", 1)
		b := OperationDigest(testUser, "0.0003", 2)
		assert.NotEqual(t, a, b)
	})
}
