package services

import (
	"context"
	"log"
	"sync"
	"time"

	"toll-backend/internal/metrics"
	"toll-backend/internal/models"
	"toll-backend/internal/repository"
)

// TransactionTimeoutService fails pending mirror transactions whose TollPaid
// confirmation never arrived. A payment the ledger accepted is confirmed by
// the ingestor well inside the timeout; a pending row older than that is a
// dropped or reorged ledger tx and stays pending forever without this sweep.
type TransactionTimeoutService struct {
	txs  repository.TransactionRepository
	push *PushService // optional

	checkInterval time.Duration
	timeout       time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewTransactionTimeoutService creates the sweep. push may be nil.
func NewTransactionTimeoutService(txs repository.TransactionRepository, push *PushService, checkInterval, timeout time.Duration) *TransactionTimeoutService {
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &TransactionTimeoutService{
		txs:           txs,
		push:          push,
		checkInterval: checkInterval,
		timeout:       timeout,
	}
}

// Start launches the sweep loop
func (s *TransactionTimeoutService) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	log.Printf("🚀 Starting transaction timeout sweep (interval %s, timeout %s)...", s.checkInterval, s.timeout)
	go s.sweepLoop()
}

// Stop signals the loop to exit and waits for an in-flight sweep to finish
func (s *TransactionTimeoutService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	log.Printf("🛑 Transaction timeout sweep stopped")
}

func (s *TransactionTimeoutService) sweepLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SweepOnce(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// SweepOnce fails every pending transaction older than the timeout. Returns
// the number of transactions failed. The status update is keyed per
// transaction, so a confirmation racing the sweep loses at most that row and
// the ingestor's guarded confirm simply matches zero rows afterwards.
func (s *TransactionTimeoutService) SweepOnce(ctx context.Context) int {
	cutoff := time.Now().Add(-s.timeout)
	stale, err := s.txs.FindPendingOlderThan(ctx, cutoff)
	if err != nil {
		log.Printf("❌ [TxTimeout] Failed to query pending transactions: %v", err)
		return 0
	}
	if len(stale) == 0 {
		return 0
	}

	failed := 0
	for _, tx := range stale {
		if err := s.txs.UpdateStatus(ctx, tx.TxID, models.TransactionStatusFailed); err != nil {
			log.Printf("❌ [TxTimeout] Failed to fail transaction %s: %v", tx.TxID, err)
			continue
		}
		log.Printf("⏰ [TxTimeout] Transaction %s pending since %s, marked failed", tx.TxID, tx.CreatedAt.Format(time.RFC3339))
		metrics.TransactionsTimedOut.Inc()
		failed++

		if s.push != nil {
			s.push.Broadcast("toll_failed", map[string]interface{}{
				"tx_id":      tx.TxID,
				"vehicle_id": tx.VehicleID,
				"reason":     "confirmation timeout",
			})
		}
	}
	return failed
}
