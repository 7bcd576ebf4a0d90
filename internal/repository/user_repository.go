package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"toll-backend/internal/models"

	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrWalletConflict is returned when binding a top-up wallet collides with
// the sparse unique index: either this user already has a different wallet or
// another user holds the address. Callers resolve it by re-reading.
var ErrWalletConflict = errors.New("top-up wallet binding conflict")

// maxSessionTokens bounds the stored session token list
const maxSessionTokens = 5

// UserRepository defines the interface for user mirror access
type UserRepository interface {
	GetByAddress(ctx context.Context, walletAddress string) (*models.User, error)
	EnsureExists(ctx context.Context, walletAddress string) error
	// BindTopUpWallet records the authoritative user→wallet link. Idempotent
	// for the same pair; conflicting bindings fail with ErrWalletConflict.
	BindTopUpWallet(ctx context.Context, walletAddress, topUpWallet string) error
	GetTopUpWallet(ctx context.Context, walletAddress string) (string, error)
	SetVerification(ctx context.Context, walletAddress, verificationHash string) error
	AppendSessionToken(ctx context.Context, walletAddress, token string) error
}

type userRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new UserRepository instance
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) GetByAddress(ctx context.Context, walletAddress string) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).Where("wallet_address = ?", walletAddress).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) EnsureExists(ctx context.Context, walletAddress string) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "wallet_address"}},
		DoNothing: true,
	}).Create(&models.User{WalletAddress: walletAddress, Active: true}).Error
}

func (r *userRepository) BindTopUpWallet(ctx context.Context, walletAddress, topUpWallet string) error {
	user, err := r.GetByAddress(ctx, walletAddress)
	if err != nil && !IsNotFound(err) {
		return err
	}

	if user != nil && user.TopUpWallet != nil {
		if *user.TopUpWallet == topUpWallet {
			return nil // already bound, idempotent
		}
		return ErrWalletConflict
	}

	if user == nil {
		err = r.db.WithContext(ctx).Create(&models.User{
			WalletAddress: walletAddress,
			TopUpWallet:   &topUpWallet,
			Active:        true,
		}).Error
	} else {
		err = r.db.WithContext(ctx).Model(&models.User{}).
			Where("wallet_address = ?", walletAddress).
			Updates(map[string]interface{}{
				"top_up_wallet": topUpWallet,
				"updated_at":    time.Now(),
			}).Error
	}

	if err != nil && isUniqueViolation(err) {
		// Lost a race: either a concurrent bind for the same user (fine if it
		// landed the same wallet) or the address belongs to someone else.
		existing, readErr := r.GetByAddress(ctx, walletAddress)
		if readErr == nil && existing.TopUpWallet != nil && *existing.TopUpWallet == topUpWallet {
			return nil
		}
		return ErrWalletConflict
	}
	return err
}

func (r *userRepository) GetTopUpWallet(ctx context.Context, walletAddress string) (string, error) {
	user, err := r.GetByAddress(ctx, walletAddress)
	if err != nil {
		if IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	if user.TopUpWallet == nil {
		return "", nil
	}
	return *user.TopUpWallet, nil
}

func (r *userRepository) SetVerification(ctx context.Context, walletAddress, verificationHash string) error {
	return r.db.WithContext(ctx).Model(&models.User{}).
		Where("wallet_address = ?", walletAddress).
		Updates(map[string]interface{}{
			"verified":          true,
			"verification_hash": verificationHash,
			"updated_at":        time.Now(),
		}).Error
}

// AppendSessionToken appends a token, keeping only the most recent
// maxSessionTokens entries
func (r *userRepository) AppendSessionToken(ctx context.Context, walletAddress, token string) error {
	user, err := r.GetByAddress(ctx, walletAddress)
	if err != nil {
		return err
	}

	var tokens []string
	if user.SessionTokens != "" {
		if err := json.Unmarshal([]byte(user.SessionTokens), &tokens); err != nil {
			tokens = nil // corrupted list resets
		}
	}
	tokens = append(tokens, token)
	if len(tokens) > maxSessionTokens {
		tokens = tokens[len(tokens)-maxSessionTokens:]
	}

	encoded, err := json.Marshal(tokens)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&models.User{}).
		Where("wallet_address = ?", walletAddress).
		Updates(map[string]interface{}{
			"session_tokens": string(encoded),
			"updated_at":     time.Now(),
		}).Error
}

// isUniqueViolation detects a postgres unique constraint violation (23505)
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && errors.Is(err, gorm.ErrDuplicatedKey)
}
