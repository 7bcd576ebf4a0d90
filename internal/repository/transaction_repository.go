package repository

import (
	"context"
	"time"

	"toll-backend/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TransactionRepository defines the interface for toll transaction mirror
// access
type TransactionRepository interface {
	// InsertIgnoreDuplicate inserts a transaction keyed by its natural id and
	// reports whether a row was actually written. Replayed ledger events hit
	// the conflict path and are no-ops.
	InsertIgnoreDuplicate(ctx context.Context, tx *models.TollTransaction) (bool, error)
	Create(ctx context.Context, tx *models.TollTransaction) error
	GetByID(ctx context.Context, txID string) (*models.TollTransaction, error)
	UpdateStatus(ctx context.Context, txID string, status models.TransactionStatus) error
	ConfirmByLedgerTxHash(ctx context.Context, ledgerTxHash string, blockNumber uint64) (int64, error)
	FindByVehicle(ctx context.Context, vehicleID string, page, limit int) ([]*models.TollTransaction, int64, error)
	FindPendingOlderThan(ctx context.Context, cutoff time.Time) ([]*models.TollTransaction, error)
}

type transactionRepository struct {
	db *gorm.DB
}

// NewTransactionRepository creates a new TransactionRepository instance
func NewTransactionRepository(db *gorm.DB) TransactionRepository {
	return &transactionRepository{db: db}
}

func (r *transactionRepository) InsertIgnoreDuplicate(ctx context.Context, tx *models.TollTransaction) (bool, error) {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tx_id"}},
		DoNothing: true,
	}).Create(tx)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *transactionRepository) Create(ctx context.Context, tx *models.TollTransaction) error {
	return r.db.WithContext(ctx).Create(tx).Error
}

func (r *transactionRepository) GetByID(ctx context.Context, txID string) (*models.TollTransaction, error) {
	var tx models.TollTransaction
	err := r.db.WithContext(ctx).Where("tx_id = ?", txID).First(&tx).Error
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *transactionRepository) UpdateStatus(ctx context.Context, txID string, status models.TransactionStatus) error {
	return r.db.WithContext(ctx).Model(&models.TollTransaction{}).
		Where("tx_id = ?", txID).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
		}).Error
}

// ConfirmByLedgerTxHash transitions pending transactions carrying the given
// ledger tx hash to confirmed; returns the number of rows confirmed
func (r *transactionRepository) ConfirmByLedgerTxHash(ctx context.Context, ledgerTxHash string, blockNumber uint64) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.TollTransaction{}).
		Where("ledger_tx_hash = ? AND status = ?", ledgerTxHash, models.TransactionStatusPending).
		Updates(map[string]interface{}{
			"status":       models.TransactionStatusConfirmed,
			"block_number": blockNumber,
			"updated_at":   time.Now(),
		})
	return result.RowsAffected, result.Error
}

func (r *transactionRepository) FindByVehicle(ctx context.Context, vehicleID string, page, limit int) ([]*models.TollTransaction, int64, error) {
	var txs []*models.TollTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&models.TollTransaction{}).Where("vehicle_id = ?", vehicleID)
	query.Count(&total)

	offset := (page - 1) * limit
	err := query.Offset(offset).Limit(limit).Order("created_at DESC").Find(&txs).Error
	if err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

func (r *transactionRepository) FindPendingOlderThan(ctx context.Context, cutoff time.Time) ([]*models.TollTransaction, error) {
	var txs []*models.TollTransaction
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.TransactionStatusPending, cutoff).
		Find(&txs).Error
	if err != nil {
		return nil, err
	}
	return txs, nil
}
