package services

import "errors"

// Error taxonomy surfaced by the application core. Structural errors are
// returned immediately and never retried; transient ledger errors are a
// single failed response to synchronous callers (who retry client-side) and
// a next-cycle retry inside the ingestor.
var (
	ErrInvalidProofFormat         = errors.New("invalid proof format")
	ErrProofVerificationFailed    = errors.New("proof verification failed")
	ErrUnsupportedVehicleCategory = errors.New("unsupported vehicle category")
	ErrWalletNotFound             = errors.New("top-up wallet not found")
	ErrSignatureOrReplay          = errors.New("signature rejected or nonce already used")
	ErrLedgerUnavailable          = errors.New("ledger unavailable")
	ErrVehicleNotFound            = errors.New("vehicle not found")
	ErrVehicleNotEligible         = errors.New("vehicle inactive or blacklisted")
)
