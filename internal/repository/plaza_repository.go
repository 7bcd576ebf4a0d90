package repository

import (
	"context"
	"errors"
	"time"

	"toll-backend/internal/models"

	"gorm.io/gorm"
)

// ErrDiscountExhausted is returned when a settle attempt finds no remaining
// usage on the code
var ErrDiscountExhausted = errors.New("discount code usage exhausted")

// PlazaRepository defines the interface for rate table access
type PlazaRepository interface {
	GetWithRates(ctx context.Context, plazaID string) (*models.TollPlaza, error)
	GetDiscountCode(ctx context.Context, plazaID, code string) (*models.DiscountCode, error)
	// ConsumeDiscountUsage increments the code's usage counter by exactly one,
	// guarded so current_usage can never exceed max_usage even under
	// concurrent settlements.
	ConsumeDiscountUsage(ctx context.Context, plazaID, code string) error
	Save(ctx context.Context, plaza *models.TollPlaza) error
}

type plazaRepository struct {
	db *gorm.DB
}

// NewPlazaRepository creates a new PlazaRepository instance
func NewPlazaRepository(db *gorm.DB) PlazaRepository {
	return &plazaRepository{db: db}
}

func (r *plazaRepository) GetWithRates(ctx context.Context, plazaID string) (*models.TollPlaza, error) {
	var plaza models.TollPlaza
	err := r.db.WithContext(ctx).
		Preload("Rates").
		Preload("DiscountCodes").
		Where("plaza_id = ?", plazaID).
		First(&plaza).Error
	if err != nil {
		return nil, err
	}
	return &plaza, nil
}

func (r *plazaRepository) GetDiscountCode(ctx context.Context, plazaID, code string) (*models.DiscountCode, error) {
	var discount models.DiscountCode
	err := r.db.WithContext(ctx).
		Where("plaza_id = ? AND code = ?", plazaID, code).
		First(&discount).Error
	if err != nil {
		return nil, err
	}
	return &discount, nil
}

func (r *plazaRepository) ConsumeDiscountUsage(ctx context.Context, plazaID, code string) error {
	result := r.db.WithContext(ctx).Model(&models.DiscountCode{}).
		Where("plaza_id = ? AND code = ? AND current_usage < max_usage", plazaID, code).
		Updates(map[string]interface{}{
			"current_usage": gorm.Expr("current_usage + 1"),
			"updated_at":    time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrDiscountExhausted
	}
	return nil
}

func (r *plazaRepository) Save(ctx context.Context, plaza *models.TollPlaza) error {
	return r.db.WithContext(ctx).Save(plaza).Error
}
