package repository

import (
	"context"
	"errors"
	"time"

	"toll-backend/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// VehicleRepository defines the interface for vehicle mirror access.
// All writes are idempotent upserts keyed by vehicle id so interleaved
// ingestor/API writes converge.
type VehicleRepository interface {
	Upsert(ctx context.Context, vehicle *models.Vehicle) error
	GetByID(ctx context.Context, vehicleID string) (*models.Vehicle, error)
	SetBlacklisted(ctx context.Context, vehicleID string, blacklisted bool) error
	TouchLastToll(ctx context.Context, vehicleID string, ts time.Time) error
	Deactivate(ctx context.Context, vehicleID string) error
	FindByOwner(ctx context.Context, ownerAddress string) ([]*models.Vehicle, error)
}

type vehicleRepository struct {
	db *gorm.DB
}

// NewVehicleRepository creates a new VehicleRepository instance
func NewVehicleRepository(db *gorm.DB) VehicleRepository {
	return &vehicleRepository{db: db}
}

// Upsert creates the vehicle or refreshes its registration fields. Blacklist
// state is deliberately not touched here: it is owned by blacklist events.
func (r *vehicleRepository) Upsert(ctx context.Context, vehicle *models.Vehicle) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "vehicle_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"owner_address", "category", "active", "updated_at",
		}),
	}).Create(vehicle).Error
}

func (r *vehicleRepository) GetByID(ctx context.Context, vehicleID string) (*models.Vehicle, error) {
	var vehicle models.Vehicle
	err := r.db.WithContext(ctx).Where("vehicle_id = ?", vehicleID).First(&vehicle).Error
	if err != nil {
		return nil, err
	}
	return &vehicle, nil
}

// SetBlacklisted sets the flag unconditionally; event order decides the
// final value (last-write-wins).
func (r *vehicleRepository) SetBlacklisted(ctx context.Context, vehicleID string, blacklisted bool) error {
	return r.db.WithContext(ctx).Model(&models.Vehicle{}).
		Where("vehicle_id = ?", vehicleID).
		Updates(map[string]interface{}{
			"blacklisted": blacklisted,
			"updated_at":  time.Now(),
		}).Error
}

func (r *vehicleRepository) TouchLastToll(ctx context.Context, vehicleID string, ts time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Vehicle{}).
		Where("vehicle_id = ?", vehicleID).
		Updates(map[string]interface{}{
			"last_toll_at": &ts,
			"updated_at":   time.Now(),
		}).Error
}

// Deactivate soft-deactivates; vehicles are never hard-deleted
func (r *vehicleRepository) Deactivate(ctx context.Context, vehicleID string) error {
	result := r.db.WithContext(ctx).Model(&models.Vehicle{}).
		Where("vehicle_id = ?", vehicleID).
		Updates(map[string]interface{}{
			"active":     false,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *vehicleRepository) FindByOwner(ctx context.Context, ownerAddress string) ([]*models.Vehicle, error) {
	var vehicles []*models.Vehicle
	err := r.db.WithContext(ctx).
		Where("owner_address = ?", ownerAddress).
		Order("created_at DESC").
		Find(&vehicles).Error
	if err != nil {
		return nil, err
	}
	return vehicles, nil
}

// IsNotFound reports whether err is a record-not-found condition
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
