package models

import (
	"time"
)

// TransactionStatus toll transaction lifecycle status
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"   // payment initiated, awaiting ledger confirmation
	TransactionStatusConfirmed TransactionStatus = "confirmed" // TollPaid event observed on chain
	TransactionStatusFailed    TransactionStatus = "failed"    // ledger rejected or admin override
	TransactionStatusDisputed  TransactionStatus = "disputed"  // dispute workflow (handled outside this service)
)

// DiscountType discount code type
type DiscountType string

const (
	DiscountTypePercentage DiscountType = "percentage"
	DiscountTypeFixed      DiscountType = "fixed"
)

// VehicleCategory known vehicle categories; plazas may rate any subset
type VehicleCategory string

const (
	VehicleCategoryBike  VehicleCategory = "bike"
	VehicleCategoryCar   VehicleCategory = "car"
	VehicleCategoryBus   VehicleCategory = "bus"
	VehicleCategoryTruck VehicleCategory = "truck"
)

// Vehicle mirror record of a registered vehicle. Never hard-deleted,
// deactivation flips Active instead.
type Vehicle struct {
	VehicleID    string     `json:"vehicle_id" gorm:"primaryKey;size:64"`
	OwnerAddress string     `json:"owner_address" gorm:"size:42;index;not null"`
	Category     string     `json:"category" gorm:"size:16;default:'car'"`
	Active       bool       `json:"active" gorm:"default:true"`
	Blacklisted  bool       `json:"blacklisted" gorm:"default:false"`
	LastTollAt   *time.Time `json:"last_toll_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TollTransaction mirror record of a toll payment.
// TxID is the natural unique key: ledger-derived (txHash:logIndex) for chain
// events, UUID for API-initiated payments. Immutable once confirmed except
// for Status.
type TollTransaction struct {
	TxID         string            `json:"tx_id" gorm:"primaryKey;size:80"`
	VehicleID    string            `json:"vehicle_id" gorm:"size:64;index;not null"`
	PayerAddress string            `json:"payer_address" gorm:"size:42;index"`
	Amount       string            `json:"amount" gorm:"size:78;not null"` // decimal string, native units
	Currency     string            `json:"currency" gorm:"size:16;default:'ETH'"`
	ProofHash    string            `json:"proof_hash" gorm:"size:66"`
	Status       TransactionStatus `json:"status" gorm:"size:16;index;default:'pending'"`
	LedgerTxHash string            `json:"ledger_tx_hash" gorm:"size:66"`
	BlockNumber  uint64            `json:"block_number"`
	PaidAt       time.Time         `json:"paid_at"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// User application user keyed by wallet address.
// TopUpWallet is sparse-unique: at most one top-up wallet per user, and no
// two users may share one. The unique index is the last line of defense
// against concurrent wallet provisioning.
type User struct {
	WalletAddress    string    `json:"wallet_address" gorm:"primaryKey;size:42"`
	TopUpWallet      *string   `json:"topup_wallet" gorm:"size:42;uniqueIndex"`
	Verified         bool      `json:"verified" gorm:"default:false"`
	VerificationHash string    `json:"verification_hash" gorm:"size:66"`
	SessionTokens    string    `json:"session_tokens" gorm:"type:text"` // JSON array, bounded to last 5
	Active           bool      `json:"active" gorm:"default:true"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TollPlaza rate table header: peak window and multipliers shared by all
// categories of the plaza. Multipliers outside [0.5, 3.0] are rejected on
// save and clamped by the rate engine when read.
type TollPlaza struct {
	PlazaID           string         `json:"plaza_id" gorm:"primaryKey;size:64"`
	Name              string         `json:"name" gorm:"size:128"`
	Currency          string         `json:"currency" gorm:"size:16;default:'ETH'"`
	PeakStart         string         `json:"peak_start" gorm:"size:5"` // "HH:MM"
	PeakEnd           string         `json:"peak_end" gorm:"size:5"`
	PeakMultiplier    float64        `json:"peak_multiplier" gorm:"default:1.5"`
	OffPeakMultiplier float64        `json:"off_peak_multiplier" gorm:"default:1.0"`
	Rates             []PlazaRate    `json:"rates" gorm:"foreignKey:PlazaID;references:PlazaID"`
	DiscountCodes     []DiscountCode `json:"discount_codes" gorm:"foreignKey:PlazaID;references:PlazaID"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// PlazaRate per-category base rate of a plaza
type PlazaRate struct {
	ID              uint      `json:"id" gorm:"primaryKey"`
	PlazaID         string    `json:"plaza_id" gorm:"size:64;uniqueIndex:idx_plaza_category;not null"`
	VehicleCategory string    `json:"vehicle_category" gorm:"size:16;uniqueIndex:idx_plaza_category;not null"`
	BaseRate        string    `json:"base_rate" gorm:"size:78;not null"` // decimal string, non-negative
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// DiscountCode usage-capped discount code of a plaza.
// Invariant: CurrentUsage <= MaxUsage; enforced by the guarded settle update.
type DiscountCode struct {
	ID           uint         `json:"id" gorm:"primaryKey"`
	PlazaID      string       `json:"plaza_id" gorm:"size:64;uniqueIndex:idx_plaza_code;not null"`
	Code         string       `json:"code" gorm:"size:32;uniqueIndex:idx_plaza_code;not null"`
	Type         DiscountType `json:"type" gorm:"size:16;not null"`
	Value        string       `json:"value" gorm:"size:78;not null"` // percent for percentage, native units for fixed
	ValidFrom    time.Time    `json:"valid_from"`
	ValidTo      time.Time    `json:"valid_to"`
	MaxUsage     int          `json:"max_usage" gorm:"default:0"`
	CurrentUsage int          `json:"current_usage" gorm:"default:0"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// HasRemainingUsage reports whether the code can still be consumed
func (d *DiscountCode) HasRemainingUsage() bool {
	return d.CurrentUsage < d.MaxUsage
}

// IsValidAt reports whether ts falls inside the code's validity window
func (d *DiscountCode) IsValidAt(ts time.Time) bool {
	return !ts.Before(d.ValidFrom) && !ts.After(d.ValidTo)
}
