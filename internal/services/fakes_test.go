package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"toll-backend/internal/models"
	"toll-backend/internal/repository"

	"gorm.io/gorm"
)

// In-memory repository fakes shared by the service tests.

type fakeUserRepo struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[string]*models.User)}
}

func (f *fakeUserRepo) GetByAddress(_ context.Context, walletAddress string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[walletAddress]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *user
	return &copied, nil
}

func (f *fakeUserRepo) EnsureExists(_ context.Context, walletAddress string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[walletAddress]; !ok {
		f.users[walletAddress] = &models.User{WalletAddress: walletAddress, Active: true}
	}
	return nil
}

func (f *fakeUserRepo) BindTopUpWallet(_ context.Context, walletAddress, topUpWallet string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	// uniqueness across users, mirroring the DB index
	for addr, u := range f.users {
		if addr != walletAddress && u.TopUpWallet != nil && *u.TopUpWallet == topUpWallet {
			return repository.ErrWalletConflict
		}
	}

	user, ok := f.users[walletAddress]
	if !ok {
		wallet := topUpWallet
		f.users[walletAddress] = &models.User{WalletAddress: walletAddress, TopUpWallet: &wallet, Active: true}
		return nil
	}
	if user.TopUpWallet != nil {
		if *user.TopUpWallet == topUpWallet {
			return nil
		}
		return repository.ErrWalletConflict
	}
	wallet := topUpWallet
	user.TopUpWallet = &wallet
	return nil
}

func (f *fakeUserRepo) GetTopUpWallet(_ context.Context, walletAddress string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[walletAddress]
	if !ok || user.TopUpWallet == nil {
		return "", nil
	}
	return *user.TopUpWallet, nil
}

func (f *fakeUserRepo) SetVerification(_ context.Context, walletAddress, verificationHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if user, ok := f.users[walletAddress]; ok {
		user.Verified = true
		user.VerificationHash = verificationHash
	}
	return nil
}

func (f *fakeUserRepo) AppendSessionToken(_ context.Context, walletAddress, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[walletAddress]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	var tokens []string
	if user.SessionTokens != "" {
		_ = json.Unmarshal([]byte(user.SessionTokens), &tokens)
	}
	tokens = append(tokens, token)
	if len(tokens) > 5 {
		tokens = tokens[len(tokens)-5:]
	}
	encoded, _ := json.Marshal(tokens)
	user.SessionTokens = string(encoded)
	return nil
}

type fakeVehicleRepo struct {
	mu       sync.Mutex
	vehicles map[string]*models.Vehicle
}

func newFakeVehicleRepo() *fakeVehicleRepo {
	return &fakeVehicleRepo{vehicles: make(map[string]*models.Vehicle)}
}

func (f *fakeVehicleRepo) Upsert(_ context.Context, vehicle *models.Vehicle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.vehicles[vehicle.VehicleID]; ok {
		existing.OwnerAddress = vehicle.OwnerAddress
		existing.Category = vehicle.Category
		existing.Active = vehicle.Active
		return nil
	}
	copied := *vehicle
	f.vehicles[vehicle.VehicleID] = &copied
	return nil
}

func (f *fakeVehicleRepo) GetByID(_ context.Context, vehicleID string) (*models.Vehicle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vehicle, ok := f.vehicles[vehicleID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *vehicle
	return &copied, nil
}

func (f *fakeVehicleRepo) SetBlacklisted(_ context.Context, vehicleID string, blacklisted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if vehicle, ok := f.vehicles[vehicleID]; ok {
		vehicle.Blacklisted = blacklisted
	}
	return nil
}

func (f *fakeVehicleRepo) TouchLastToll(_ context.Context, vehicleID string, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if vehicle, ok := f.vehicles[vehicleID]; ok {
		vehicle.LastTollAt = &ts
	}
	return nil
}

func (f *fakeVehicleRepo) Deactivate(_ context.Context, vehicleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	vehicle, ok := f.vehicles[vehicleID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	vehicle.Active = false
	return nil
}

func (f *fakeVehicleRepo) FindByOwner(_ context.Context, ownerAddress string) ([]*models.Vehicle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Vehicle
	for _, vehicle := range f.vehicles {
		if vehicle.OwnerAddress == ownerAddress {
			copied := *vehicle
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeVehicleRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.vehicles)
}

type fakeTxRepo struct {
	mu  sync.Mutex
	txs map[string]*models.TollTransaction
}

func newFakeTxRepo() *fakeTxRepo {
	return &fakeTxRepo{txs: make(map[string]*models.TollTransaction)}
}

func (f *fakeTxRepo) InsertIgnoreDuplicate(_ context.Context, tx *models.TollTransaction) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.txs[tx.TxID]; ok {
		return false, nil
	}
	copied := *tx
	f.txs[tx.TxID] = &copied
	return true, nil
}

func (f *fakeTxRepo) Create(_ context.Context, tx *models.TollTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *tx
	f.txs[tx.TxID] = &copied
	return nil
}

func (f *fakeTxRepo) GetByID(_ context.Context, txID string) (*models.TollTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[txID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *tx
	return &copied, nil
}

func (f *fakeTxRepo) UpdateStatus(_ context.Context, txID string, status models.TransactionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[txID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	tx.Status = status
	return nil
}

func (f *fakeTxRepo) ConfirmByLedgerTxHash(_ context.Context, ledgerTxHash string, blockNumber uint64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var confirmed int64
	for _, tx := range f.txs {
		if tx.LedgerTxHash == ledgerTxHash && tx.Status == models.TransactionStatusPending {
			tx.Status = models.TransactionStatusConfirmed
			tx.BlockNumber = blockNumber
			confirmed++
		}
	}
	return confirmed, nil
}

func (f *fakeTxRepo) FindByVehicle(_ context.Context, vehicleID string, _, _ int) ([]*models.TollTransaction, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.TollTransaction
	for _, tx := range f.txs {
		if tx.VehicleID == vehicleID {
			copied := *tx
			out = append(out, &copied)
		}
	}
	return out, int64(len(out)), nil
}

func (f *fakeTxRepo) FindPendingOlderThan(_ context.Context, cutoff time.Time) ([]*models.TollTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.TollTransaction
	for _, tx := range f.txs {
		if tx.Status == models.TransactionStatusPending && tx.CreatedAt.Before(cutoff) {
			copied := *tx
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeTxRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.txs)
}

type fakePlazaRepo struct {
	mu           sync.Mutex
	plaza        *models.TollPlaza
	consumeCalls int
}

func newFakePlazaRepo(plaza *models.TollPlaza) *fakePlazaRepo {
	return &fakePlazaRepo{plaza: plaza}
}

func (f *fakePlazaRepo) GetWithRates(_ context.Context, plazaID string) (*models.TollPlaza, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.plaza == nil || f.plaza.PlazaID != plazaID {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *f.plaza
	copied.Rates = append([]models.PlazaRate(nil), f.plaza.Rates...)
	copied.DiscountCodes = append([]models.DiscountCode(nil), f.plaza.DiscountCodes...)
	return &copied, nil
}

func (f *fakePlazaRepo) GetDiscountCode(_ context.Context, plazaID, code string) (*models.DiscountCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.plaza != nil && f.plaza.PlazaID == plazaID {
		for i := range f.plaza.DiscountCodes {
			if f.plaza.DiscountCodes[i].Code == code {
				copied := f.plaza.DiscountCodes[i]
				return &copied, nil
			}
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakePlazaRepo) ConsumeDiscountUsage(_ context.Context, plazaID, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumeCalls++
	if f.plaza != nil && f.plaza.PlazaID == plazaID {
		for i := range f.plaza.DiscountCodes {
			d := &f.plaza.DiscountCodes[i]
			if d.Code == code && d.CurrentUsage < d.MaxUsage {
				d.CurrentUsage++
				return nil
			}
		}
	}
	return repository.ErrDiscountExhausted
}

func (f *fakePlazaRepo) Save(_ context.Context, plaza *models.TollPlaza) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plaza = plaza
	return nil
}

func (f *fakePlazaRepo) usage(code string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.plaza.DiscountCodes {
		if f.plaza.DiscountCodes[i].Code == code {
			return f.plaza.DiscountCodes[i].CurrentUsage
		}
	}
	return -1
}
