package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"toll-backend/internal/clients"
	"toll-backend/internal/metrics"
	"toll-backend/internal/models"
	"toll-backend/internal/repository"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// WalletResolver is one tier of the wallet lookup chain. Tiers are tried in
// order; the first to report existence wins.
type WalletResolver interface {
	Name() string
	TryResolve(ctx context.Context, userAddress string) (string, bool, error)
}

// dbResolver resolves from the DB mirror, authoritative once populated.
type dbResolver struct {
	users repository.UserRepository
}

func (r *dbResolver) Name() string { return "db" }

func (r *dbResolver) TryResolve(ctx context.Context, userAddress string) (string, bool, error) {
	wallet, err := r.users.GetTopUpWallet(ctx, userAddress)
	if err != nil {
		return "", false, err
	}
	return wallet, wallet != "", nil
}

// ledgerResolver resolves from the wallet factory contract, the source of
// truth.
type ledgerResolver struct {
	ledger clients.LedgerClient
}

func (r *ledgerResolver) Name() string { return "ledger" }

func (r *ledgerResolver) TryResolve(ctx context.Context, userAddress string) (string, bool, error) {
	wallet, err := r.ledger.GetWallet(ctx, userAddress)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return wallet, wallet != "", nil
}

// mockResolver resolves from the in-memory mock store; only wired into the
// chain when the deployment runs without a real ledger
type mockResolver struct {
	store *clients.MockWalletStore
}

func (r *mockResolver) Name() string { return "mock" }

func (r *mockResolver) TryResolve(_ context.Context, userAddress string) (string, bool, error) {
	wallet, ok := r.store.Get(userAddress)
	return wallet, ok, nil
}

// EnsureWalletResult reports the provisioned wallet and whether this call
// deployed it
type EnsureWalletResult struct {
	WalletAddress string `json:"wallet_address"`
	IsNew         bool   `json:"is_new"`
}

// WalletOperationResult is the outcome of a signature-authorized operation
type WalletOperationResult struct {
	TxID         string `json:"tx_id,omitempty"`
	LedgerTxHash string `json:"ledger_tx_hash"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency,omitempty"`
	Status       string `json:"status,omitempty"`
}

// PayTollRequest carries everything a toll settlement needs. The settled
// amount comes from the rate engine, never from the client.
type PayTollRequest struct {
	UserAddress  string
	VehicleID    string
	PlazaID      string
	DiscountCode string
	Proof        []byte
	PublicInputs []string
	Nonce        uint64
	Signature    []byte
}

// WalletService provisions per-user top-up wallets across the three-tier
// lookup (DB mirror → ledger factory → mock store) and performs
// signature-authorized wallet operations
type WalletService struct {
	ledger    clients.LedgerClient
	users     repository.UserRepository
	vehicles  repository.VehicleRepository
	txs       repository.TransactionRepository
	rates     *RateService
	verifier  *ProofVerifier
	resolvers []WalletResolver

	userLocks sync.Map // user address -> *sync.Mutex
}

// NewWalletService wires the provisioning service. mockStore is nil except
// in mock deployments; passing it appends the mock tier to the resolver
// chain.
func NewWalletService(
	ledger clients.LedgerClient,
	users repository.UserRepository,
	vehicles repository.VehicleRepository,
	txs repository.TransactionRepository,
	rates *RateService,
	verifier *ProofVerifier,
	mockStore *clients.MockWalletStore,
) *WalletService {
	resolvers := []WalletResolver{
		&dbResolver{users: users},
		&ledgerResolver{ledger: ledger},
	}
	if mockStore != nil {
		resolvers = append(resolvers, &mockResolver{store: mockStore})
	}

	return &WalletService{
		ledger:    ledger,
		users:     users,
		vehicles:  vehicles,
		txs:       txs,
		rates:     rates,
		verifier:  verifier,
		resolvers: resolvers,
	}
}

// lockUser serializes wallet provisioning per user address
func (s *WalletService) lockUser(userAddress string) func() {
	value, _ := s.userLocks.LoadOrStore(userAddress, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// resolve walks the tiers and returns the first hit plus the tier name
func (s *WalletService) resolve(ctx context.Context, userAddress string) (string, string, error) {
	var lastErr error
	for _, resolver := range s.resolvers {
		wallet, found, err := resolver.TryResolve(ctx, userAddress)
		if err != nil {
			// a failing tier doesn't hide a later hit
			log.Printf("⚠️ [Wallet] Resolver %s failed for %s: %v", resolver.Name(), userAddress, err)
			lastErr = err
			continue
		}
		if found {
			metrics.WalletResolutions.WithLabelValues(resolver.Name()).Inc()
			return wallet, resolver.Name(), nil
		}
	}
	return "", "", lastErr
}

// EnsureWallet resolves the user's top-up wallet, creating it idempotently
// when absent. Concurrent calls for the same user converge on one wallet:
// the per-user mutex serializes deployment and the DB unique index is the
// last line of defense.
func (s *WalletService) EnsureWallet(ctx context.Context, userAddress string) (*EnsureWalletResult, error) {
	userAddress = normalizeUser(userAddress)
	if userAddress == "" {
		return nil, fmt.Errorf("user address is required")
	}

	unlock := s.lockUser(userAddress)
	defer unlock()

	wallet, tier, err := s.resolve(ctx, userAddress)
	if err != nil && wallet == "" {
		// every tier errored; creation would race an unknown ledger state
		return nil, err
	}

	if wallet != "" {
		// self-healing cache: a ledger or mock hit the DB doesn't know about
		// yet is written back so the next lookup is a cheap DB hit
		if tier != "db" {
			if err := s.users.BindTopUpWallet(ctx, userAddress, wallet); err != nil {
				log.Printf("⚠️ [Wallet] DB backfill failed for %s → %s: %v", userAddress, wallet, err)
			} else {
				log.Printf("🔄 [Wallet] Backfilled DB mirror from %s tier: %s → %s", tier, userAddress, wallet)
			}
		}
		return &EnsureWalletResult{WalletAddress: wallet, IsNew: false}, nil
	}

	// No tier knows this user: deploy
	deployed, err := s.ledger.DeployWallet(ctx, userAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: wallet deployment failed: %v", ErrLedgerUnavailable, err)
	}
	deployed = strings.ToLower(deployed)

	if err := s.users.BindTopUpWallet(ctx, userAddress, deployed); err != nil {
		if err == repository.ErrWalletConflict {
			// concurrent caller won the race; treat as success-with-existing
			existing, readErr := s.users.GetTopUpWallet(ctx, userAddress)
			if readErr == nil && existing != "" {
				return &EnsureWalletResult{WalletAddress: existing, IsNew: false}, nil
			}
		}
		return nil, fmt.Errorf("failed to record wallet binding: %w", err)
	}

	metrics.WalletsCreated.Inc()
	log.Printf("✅ [Wallet] Deployed top-up wallet for %s: %s", userAddress, deployed)
	return &EnsureWalletResult{WalletAddress: deployed, IsNew: true}, nil
}

// requireWallet resolves without creating
func (s *WalletService) requireWallet(ctx context.Context, userAddress string) (string, error) {
	wallet, _, err := s.resolve(ctx, userAddress)
	if err != nil && wallet == "" {
		return "", err
	}
	if wallet == "" {
		return "", ErrWalletNotFound
	}
	return wallet, nil
}

// checkOperation rejects unsigned mutations before the ledger is consulted
func checkOperation(op clients.WalletOperation) error {
	if len(op.Signature) != 65 {
		return fmt.Errorf("%w: signature must be 65 bytes", ErrSignatureOrReplay)
	}
	if op.Amount == "" {
		return fmt.Errorf("amount is required")
	}
	return nil
}

// mapLedgerError classifies a ledger-call failure for synchronous callers
func mapLedgerError(err error) error {
	if clients.IsSignatureOrReplayError(err) {
		return fmt.Errorf("%w: %v", ErrSignatureOrReplay, err)
	}
	return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
}

// TopUp credits the user's top-up wallet. The signature covers
// (userAddress, amount, nonce); replays are rejected by the ledger.
func (s *WalletService) TopUp(ctx context.Context, op clients.WalletOperation) (*WalletOperationResult, error) {
	op.UserAddress = normalizeUser(op.UserAddress)
	if err := checkOperation(op); err != nil {
		metrics.WalletOperations.WithLabelValues("topup", "rejected").Inc()
		return nil, err
	}
	if _, err := s.requireWallet(ctx, op.UserAddress); err != nil {
		metrics.WalletOperations.WithLabelValues("topup", "rejected").Inc()
		return nil, err
	}

	txHash, err := s.ledger.TopUp(ctx, op)
	if err != nil {
		metrics.WalletOperations.WithLabelValues("topup", "failed").Inc()
		return nil, mapLedgerError(err)
	}

	metrics.WalletOperations.WithLabelValues("topup", "ok").Inc()
	return &WalletOperationResult{LedgerTxHash: txHash, Amount: op.Amount}, nil
}

// Withdraw debits the user's top-up wallet back to their own account
func (s *WalletService) Withdraw(ctx context.Context, op clients.WalletOperation) (*WalletOperationResult, error) {
	op.UserAddress = normalizeUser(op.UserAddress)
	if err := checkOperation(op); err != nil {
		metrics.WalletOperations.WithLabelValues("withdraw", "rejected").Inc()
		return nil, err
	}
	if _, err := s.requireWallet(ctx, op.UserAddress); err != nil {
		metrics.WalletOperations.WithLabelValues("withdraw", "rejected").Inc()
		return nil, err
	}

	txHash, err := s.ledger.Withdraw(ctx, op)
	if err != nil {
		metrics.WalletOperations.WithLabelValues("withdraw", "failed").Inc()
		return nil, mapLedgerError(err)
	}

	metrics.WalletOperations.WithLabelValues("withdraw", "ok").Inc()
	return &WalletOperationResult{LedgerTxHash: txHash, Amount: op.Amount}, nil
}

// PayToll settles a toll from the user's top-up wallet: valid proof, active
// non-blacklisted vehicle, rate-engine amount, signature-authorized ledger
// call, then a pending mirror transaction awaiting chain confirmation.
func (s *WalletService) PayToll(ctx context.Context, req PayTollRequest) (*WalletOperationResult, error) {
	req.UserAddress = normalizeUser(req.UserAddress)

	proofResult, err := s.verifier.VerifyProof(ctx, req.Proof, req.PublicInputs, req.UserAddress)
	if err != nil {
		metrics.WalletOperations.WithLabelValues("paytoll", "rejected").Inc()
		return nil, err
	}

	vehicle, err := s.vehicles.GetByID(ctx, req.VehicleID)
	if err != nil {
		metrics.WalletOperations.WithLabelValues("paytoll", "rejected").Inc()
		if repository.IsNotFound(err) {
			return nil, ErrVehicleNotFound
		}
		return nil, err
	}
	if !vehicle.Active || vehicle.Blacklisted {
		metrics.WalletOperations.WithLabelValues("paytoll", "rejected").Inc()
		return nil, ErrVehicleNotEligible
	}

	now := time.Now()
	quote, err := s.rates.QuoteToll(ctx, req.PlazaID, vehicle.Category, now, req.DiscountCode)
	if err != nil {
		metrics.WalletOperations.WithLabelValues("paytoll", "rejected").Inc()
		return nil, err
	}

	op := clients.WalletOperation{
		UserAddress: req.UserAddress,
		Amount:      quote.FinalRate.String(),
		Nonce:       req.Nonce,
		Signature:   req.Signature,
	}
	if err := checkOperation(op); err != nil {
		metrics.WalletOperations.WithLabelValues("paytoll", "rejected").Inc()
		return nil, err
	}
	if _, err := s.requireWallet(ctx, req.UserAddress); err != nil {
		metrics.WalletOperations.WithLabelValues("paytoll", "rejected").Inc()
		return nil, err
	}

	txHash, err := s.ledger.PayToll(ctx, clients.TollPayment{
		WalletOperation: op,
		VehicleID:       req.VehicleID,
		ProofHash:       proofResult.IdentityHash,
	})
	if err != nil {
		metrics.WalletOperations.WithLabelValues("paytoll", "failed").Inc()
		return nil, mapLedgerError(err)
	}

	// usage is consumed only now that the payment settled; quotes never
	// touch the counter
	if quote.DiscountCode != "" {
		s.rates.SettleDiscount(ctx, req.PlazaID, quote.DiscountCode)
	}

	// remember the latest proof-verified identity on the user record
	if err := s.users.SetVerification(ctx, req.UserAddress, proofResult.IdentityHash); err != nil {
		log.Printf("⚠️ [Wallet] Failed to record verification hash for %s: %v", req.UserAddress, err)
	}

	tx := &models.TollTransaction{
		TxID:         uuid.New().String(),
		VehicleID:    req.VehicleID,
		PayerAddress: req.UserAddress,
		Amount:       quote.FinalRate.String(),
		Currency:     quote.Currency,
		ProofHash:    proofResult.IdentityHash,
		Status:       models.TransactionStatusPending,
		LedgerTxHash: txHash,
		PaidAt:       now,
	}
	if err := s.txs.Create(ctx, tx); err != nil {
		// the ledger accepted the payment; the mirror catches up when the
		// TollPaid event arrives
		log.Printf("⚠️ [Wallet] Failed to record pending toll transaction %s: %v", tx.TxID, err)
	}

	metrics.WalletOperations.WithLabelValues("paytoll", "ok").Inc()
	return &WalletOperationResult{
		TxID:         tx.TxID,
		LedgerTxHash: txHash,
		Amount:       tx.Amount,
		Currency:     tx.Currency,
		Status:       string(models.TransactionStatusPending),
	}, nil
}

// WalletStats reads balance and counters for the user's wallet
func (s *WalletService) WalletStats(ctx context.Context, userAddress string) (*clients.WalletStats, error) {
	wallet, err := s.requireWallet(ctx, normalizeUser(userAddress))
	if err != nil {
		return nil, err
	}
	stats, err := s.ledger.WalletStats(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return stats, nil
}

// OperationDigest is the deterministic message wallets sign for a mutation:
// keccak256 over the canonical (userAddress, amount, nonce) tuple
func OperationDigest(userAddress, amount string, nonce uint64) []byte {
	message := fmt.Sprintf("toll-wallet-op:%s:%s:%d", normalizeUser(userAddress), amount, nonce)
	return crypto.Keccak256([]byte(message))
}

func normalizeUser(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
