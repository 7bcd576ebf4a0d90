package clients

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// MockWalletStore is the process-lifetime mapping from user address to a
// synthesized wallet address, used when running without a real chain. It is
// owned state injected at construction, never a package-level map, so tests
// can run parallel instances. Volatile by contract: cleared on restart,
// callers reconcile through the usual resolution tiers.
type MockWalletStore struct {
	mu      sync.RWMutex
	wallets map[string]string // user address -> wallet address
}

// NewMockWalletStore creates an empty store
func NewMockWalletStore() *MockWalletStore {
	return &MockWalletStore{wallets: make(map[string]string)}
}

// Get returns the synthesized wallet for a user, if any
func (s *MockWalletStore) Get(userAddress string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wallet, ok := s.wallets[strings.ToLower(userAddress)]
	return wallet, ok
}

// GetOrCreate returns the existing wallet or synthesizes a deterministic one.
// The same user always maps to the same address within and across process
// lifetimes, which keeps restart reconciliation trivial.
func (s *MockWalletStore) GetOrCreate(userAddress string) (string, bool) {
	key := strings.ToLower(userAddress)

	s.mu.Lock()
	defer s.mu.Unlock()
	if wallet, ok := s.wallets[key]; ok {
		return wallet, false
	}
	wallet := synthesizeWalletAddress(key)
	s.wallets[key] = wallet
	return wallet, true
}

// Len reports the number of provisioned mock wallets
func (s *MockWalletStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.wallets)
}

// synthesizeWalletAddress derives a stable pseudo wallet address for a user
func synthesizeWalletAddress(userAddress string) string {
	digest := crypto.Keccak256([]byte("topup-wallet:" + userAddress))
	return "0x" + hex.EncodeToString(digest[12:])
}

type mockFilter struct {
	eventName string
	pending   []LedgerEvent
}

// MockLedger is an in-memory LedgerClient for test and mock-mode
// deployments. It shares its wallet mapping with an injected MockWalletStore
// so the provisioning service's mock tier observes the same state.
type MockLedger struct {
	mu      sync.Mutex
	store   *MockWalletStore
	filters map[string]*mockFilter
	seq     int

	balances   map[string]decimal.Decimal // wallet -> balance
	tollsPaid  map[string]uint64
	totalSpent map[string]decimal.Decimal
	usedNonces map[string]map[uint64]bool // user -> nonce set

	// FailProofs forces VerifyProof to report invalid; used to exercise the
	// rejection path without a real verifier
	FailProofs bool
}

// NewMockLedger creates a mock ledger backed by the given wallet store
func NewMockLedger(store *MockWalletStore) *MockLedger {
	if store == nil {
		store = NewMockWalletStore()
	}
	return &MockLedger{
		store:      store,
		filters:    make(map[string]*mockFilter),
		balances:   make(map[string]decimal.Decimal),
		tollsPaid:  make(map[string]uint64),
		totalSpent: make(map[string]decimal.Decimal),
		usedNonces: make(map[string]map[uint64]bool),
	}
}

// Store exposes the shared wallet store
func (m *MockLedger) Store() *MockWalletStore {
	return m.store
}

// RecordEvent queues an event on every filter registered for its type.
// Deployments without a chain call this from the API write path so the
// ingestor observes the same event flow as in production.
func (m *MockLedger) RecordEvent(event LedgerEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	for _, f := range m.filters {
		if f.eventName == event.EventName {
			f.pending = append(f.pending, event)
		}
	}
}

// ExpireFilter drops a filter, simulating node-side filter expiry
func (m *MockLedger) ExpireFilter(filterID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.filters, filterID)
}

func (m *MockLedger) NewEventFilter(_ context.Context, eventName string) (string, error) {
	if _, err := eventTopic(eventName); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	filterID := fmt.Sprintf("0x%x", m.seq)
	m.filters[filterID] = &mockFilter{eventName: eventName}
	return filterID, nil
}

func (m *MockLedger) GetFilterChanges(_ context.Context, filterID string) ([]LedgerEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.filters[filterID]
	if !ok {
		return nil, ErrFilterNotFound
	}
	events := f.pending
	f.pending = nil
	return events, nil
}

func (m *MockLedger) UninstallFilter(_ context.Context, filterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.filters, filterID)
	return nil
}

func (m *MockLedger) GetWallet(_ context.Context, userAddress string) (string, error) {
	wallet, ok := m.store.Get(userAddress)
	if !ok {
		return "", nil
	}
	return wallet, nil
}

func (m *MockLedger) DeployWallet(_ context.Context, userAddress string) (string, error) {
	wallet, created := m.store.GetOrCreate(userAddress)
	if created {
		log.Printf("🧪 [MockLedger] Synthesized wallet %s for %s", wallet, userAddress)
	}
	return wallet, nil
}

func (m *MockLedger) WalletStats(_ context.Context, walletAddress string) (*WalletStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(walletAddress)
	return &WalletStats{
		WalletAddress: key,
		Balance:       m.balances[key].String(),
		TollsPaid:     m.tollsPaid[key],
		TotalSpent:    m.totalSpent[key].String(),
	}, nil
}

// authorize enforces the mock's replay protection: a well-formed signature
// and a never-before-seen nonce per user
func (m *MockLedger) authorize(op WalletOperation) error {
	if len(op.Signature) != 65 {
		return fmt.Errorf("invalid signature length %d", len(op.Signature))
	}
	user := strings.ToLower(op.UserAddress)
	if m.usedNonces[user] == nil {
		m.usedNonces[user] = make(map[uint64]bool)
	}
	if m.usedNonces[user][op.Nonce] {
		return fmt.Errorf("nonce already used: %d", op.Nonce)
	}
	m.usedNonces[user][op.Nonce] = true
	return nil
}

func (m *MockLedger) walletFor(userAddress string) (string, error) {
	wallet, ok := m.store.Get(userAddress)
	if !ok {
		return "", fmt.Errorf("no wallet deployed for %s", userAddress)
	}
	return wallet, nil
}

func (m *MockLedger) fakeTxHash(kind string, op WalletOperation) string {
	digest := crypto.Keccak256([]byte(fmt.Sprintf("%s:%s:%s:%d", kind, strings.ToLower(op.UserAddress), op.Amount, op.Nonce)))
	return "0x" + hex.EncodeToString(digest)
}

func (m *MockLedger) TopUp(_ context.Context, op WalletOperation) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.authorize(op); err != nil {
		return "", err
	}
	wallet, err := m.walletFor(op.UserAddress)
	if err != nil {
		return "", err
	}
	amount, err := decimal.NewFromString(op.Amount)
	if err != nil {
		return "", fmt.Errorf("invalid amount %q: %w", op.Amount, err)
	}
	m.balances[wallet] = m.balances[wallet].Add(amount)
	return m.fakeTxHash("topup", op), nil
}

func (m *MockLedger) Withdraw(_ context.Context, op WalletOperation) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.authorize(op); err != nil {
		return "", err
	}
	wallet, err := m.walletFor(op.UserAddress)
	if err != nil {
		return "", err
	}
	amount, err := decimal.NewFromString(op.Amount)
	if err != nil {
		return "", fmt.Errorf("invalid amount %q: %w", op.Amount, err)
	}
	if m.balances[wallet].LessThan(amount) {
		return "", fmt.Errorf("insufficient balance: have %s, want %s", m.balances[wallet], amount)
	}
	m.balances[wallet] = m.balances[wallet].Sub(amount)
	return m.fakeTxHash("withdraw", op), nil
}

func (m *MockLedger) PayToll(_ context.Context, payment TollPayment) (string, error) {
	m.mu.Lock()

	if err := m.authorize(payment.WalletOperation); err != nil {
		m.mu.Unlock()
		return "", err
	}
	wallet, err := m.walletFor(payment.UserAddress)
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	amount, err := decimal.NewFromString(payment.Amount)
	if err != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("invalid amount %q: %w", payment.Amount, err)
	}
	if m.balances[wallet].LessThan(amount) {
		m.mu.Unlock()
		return "", fmt.Errorf("insufficient balance: have %s, want %s", m.balances[wallet], amount)
	}

	m.balances[wallet] = m.balances[wallet].Sub(amount)
	m.tollsPaid[wallet]++
	m.totalSpent[wallet] = m.totalSpent[wallet].Add(amount)
	txHash := m.fakeTxHash("paytoll", payment.WalletOperation)
	m.mu.Unlock()

	// Emit the chain event the ingestor would observe on a real ledger
	m.RecordEvent(LedgerEvent{
		EventName:    EventTollPaid,
		UniqueID:     txHash + ":0",
		TxHash:       txHash,
		LogIndex:     0,
		VehicleID:    payment.VehicleID,
		PayerAddress: strings.ToLower(payment.UserAddress),
		Amount:       payment.Amount,
	})
	return txHash, nil
}

// VerifyProof is a deterministic stand-in for the chain verifier: the same
// inputs always yield the same digest-derived answer
func (m *MockLedger) VerifyProof(_ context.Context, proof []byte, publicInputs []string) (bool, error) {
	if m.FailProofs {
		return false, nil
	}
	payload := append([]byte{}, proof...)
	for _, in := range publicInputs {
		payload = append(payload, []byte(in)...)
	}
	digest := crypto.Keccak256(payload)
	// reject only the degenerate all-zero digest
	for _, b := range digest {
		if b != 0 {
			return true, nil
		}
	}
	return false, nil
}
