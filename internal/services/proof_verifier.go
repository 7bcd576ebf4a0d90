package services

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"

	"toll-backend/internal/clients"
	"toll-backend/internal/metrics"
	"toll-backend/internal/utils"

	"github.com/ethereum/go-ethereum/crypto"
)

// maxProofBytes bounds the structural size check; anything larger is
// rejected before the ledger is consulted
const maxProofBytes = 8192

// ProofResult is the outcome of a credential proof verification. The
// identity hash is a stable pseudonym: the same public inputs always derive
// the same hash, and the hash never reveals the underlying credential.
type ProofResult struct {
	IsValid      bool   `json:"is_valid"`
	IdentityHash string `json:"identity_hash,omitempty"`
}

// ProofVerifier validates anonymous-credential proofs: cheap structural
// checks first, then the ledger's verification entry point
type ProofVerifier struct {
	ledger clients.LedgerClient
}

// NewProofVerifier creates a proof verifier backed by the given ledger
func NewProofVerifier(ledger clients.LedgerClient) *ProofVerifier {
	return &ProofVerifier{ledger: ledger}
}

// VerifyProof checks a proof against the claimed address. Structural
// failures return ErrInvalidProofFormat without any ledger call; a
// chain-side rejection returns ErrProofVerificationFailed.
func (v *ProofVerifier) VerifyProof(ctx context.Context, proof []byte, publicInputs []string, claimedAddress string) (*ProofResult, error) {
	if err := validateProofShape(proof, publicInputs, claimedAddress); err != nil {
		metrics.ProofVerifications.WithLabelValues("invalid_format").Inc()
		return &ProofResult{IsValid: false}, err
	}

	valid, err := v.ledger.VerifyProof(ctx, proof, publicInputs)
	if err != nil {
		metrics.ProofVerifications.WithLabelValues("ledger_error").Inc()
		return &ProofResult{IsValid: false}, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	if !valid {
		metrics.ProofVerifications.WithLabelValues("rejected").Inc()
		log.Printf("❌ [Proof] Ledger rejected proof for %s", claimedAddress)
		return &ProofResult{IsValid: false}, ErrProofVerificationFailed
	}

	metrics.ProofVerifications.WithLabelValues("valid").Inc()
	return &ProofResult{
		IsValid:      true,
		IdentityHash: DeriveIdentityHash(publicInputs),
	}, nil
}

// validateProofShape performs the cheap local checks: proof present and
// bounded, public inputs non-empty with no zero/overflow values, address
// well-formed
func validateProofShape(proof []byte, publicInputs []string, claimedAddress string) error {
	if len(proof) == 0 {
		return fmt.Errorf("%w: proof is empty", ErrInvalidProofFormat)
	}
	if len(proof) > maxProofBytes {
		return fmt.Errorf("%w: proof exceeds %d bytes", ErrInvalidProofFormat, maxProofBytes)
	}
	if len(publicInputs) == 0 {
		return fmt.Errorf("%w: public inputs are empty", ErrInvalidProofFormat)
	}
	for i, in := range publicInputs {
		value, err := clients.ParsePublicInput(in)
		if err != nil {
			return fmt.Errorf("%w: public input %d is not a number", ErrInvalidProofFormat, i)
		}
		if value.Sign() == 0 {
			return fmt.Errorf("%w: public input %d is zero", ErrInvalidProofFormat, i)
		}
		if value.BitLen() > 256 {
			return fmt.Errorf("%w: public input %d overflows 256 bits", ErrInvalidProofFormat, i)
		}
	}
	if !utils.IsEvmAddress(claimedAddress) {
		return fmt.Errorf("%w: claimed address %q is malformed", ErrInvalidProofFormat, claimedAddress)
	}
	return nil
}

// DeriveIdentityHash derives the stable pseudonymous identity hash from the
// proof's public inputs. Deterministic by construction and one-way: keccak256
// over the length-prefixed canonical inputs.
func DeriveIdentityHash(publicInputs []string) string {
	payload := make([]byte, 0, 64)
	for _, in := range publicInputs {
		value, err := clients.ParsePublicInput(in)
		if err != nil {
			continue
		}
		canonical := value.Text(16)
		payload = append(payload, byte(len(canonical)))
		payload = append(payload, []byte(canonical)...)
	}
	return "0x" + hex.EncodeToString(crypto.Keccak256(payload))
}
