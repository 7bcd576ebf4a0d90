package clients

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Ledger event names emitted by the toll contract
const (
	EventVehicleRegistered  = "VehicleRegistered"
	EventTollPaid           = "TollPaid"
	EventVehicleBlacklisted = "VehicleBlacklisted"
)

// LedgerEvent is a contract event normalized for mirror application.
// UniqueID is ledger-derived (txHash:logIndex) and stable across replays, so
// downstream writes keyed on it are idempotent under at-least-once delivery.
type LedgerEvent struct {
	EventName   string    `json:"event_name"`
	UniqueID    string    `json:"unique_id"`
	TxHash      string    `json:"tx_hash"`
	LogIndex    uint      `json:"log_index"`
	BlockNumber uint64    `json:"block_number"`
	Timestamp   time.Time `json:"timestamp"`

	// Event payload
	VehicleID    string `json:"vehicle_id,omitempty"`
	OwnerAddress string `json:"owner_address,omitempty"`
	PayerAddress string `json:"payer_address,omitempty"`
	Amount       string `json:"amount,omitempty"` // native units, decimal string
	Blacklisted  bool   `json:"blacklisted,omitempty"`
}

// WalletOperation is a signature-authorized mutation of a top-up wallet.
// The signature covers the deterministic message (userAddress, amount, nonce);
// nonce reuse is rejected by the ledger.
type WalletOperation struct {
	UserAddress string
	Amount      string // native units, decimal string
	Nonce       uint64
	Signature   []byte
}

// TollPayment is a wallet operation that settles a toll
type TollPayment struct {
	WalletOperation
	VehicleID string
	ProofHash string
}

// WalletStats balance and counters of a top-up wallet
type WalletStats struct {
	WalletAddress string `json:"wallet_address"`
	Balance       string `json:"balance"`
	TollsPaid     uint64 `json:"tolls_paid"`
	TotalSpent    string `json:"total_spent"`
}

// LedgerClient is the blockchain backend consumed by the application core.
// All calls are bounded by the configured ledger timeout and may fail
// transiently.
type LedgerClient interface {
	// Event filters. GetFilterChanges returns only events observed since the
	// previous call for the same filter; an expired filter fails with a
	// filter-not-found error (see IsFilterNotFound) and must be recreated.
	NewEventFilter(ctx context.Context, eventName string) (string, error)
	GetFilterChanges(ctx context.Context, filterID string) ([]LedgerEvent, error)
	UninstallFilter(ctx context.Context, filterID string) error

	// Top-up wallet factory
	GetWallet(ctx context.Context, userAddress string) (string, error) // "" when none exists
	DeployWallet(ctx context.Context, userAddress string) (string, error)
	WalletStats(ctx context.Context, walletAddress string) (*WalletStats, error)

	// Signature-authorized wallet operations; return the ledger tx hash
	TopUp(ctx context.Context, op WalletOperation) (string, error)
	Withdraw(ctx context.Context, op WalletOperation) (string, error)
	PayToll(ctx context.Context, payment TollPayment) (string, error)

	// Credential proof verification
	VerifyProof(ctx context.Context, proof []byte, publicInputs []string) (bool, error)
}

// ErrFilterNotFound is returned when a filter has expired on the ledger side.
// The ingestor treats it as self-healing: drop and recreate next cycle.
var ErrFilterNotFound = errors.New("filter not found")

// IsFilterNotFound reports whether err indicates an expired/unknown filter,
// either ours or the error string geth and friends return for eth_getFilterChanges
func IsFilterNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrFilterNotFound) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "filter not found")
}

// IsSignatureOrReplayError reports whether err is the ledger rejecting a bad
// signature or a reused nonce. These are never retried.
func IsSignatureOrReplayError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "invalid signature") ||
		strings.Contains(msg, "nonce already used") ||
		strings.Contains(msg, "replay")
}
