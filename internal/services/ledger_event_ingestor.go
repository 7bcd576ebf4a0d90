package services

import (
	"context"
	"log"
	"sync"
	"time"

	"toll-backend/internal/clients"
	"toll-backend/internal/events"
	"toll-backend/internal/metrics"
	"toll-backend/internal/models"
	"toll-backend/internal/repository"
)

// filterState is the per-event-type filter lifecycle: a stale filter has no
// ledger-side registration and is recreated on the next cycle
type filterState int

const (
	filterStale filterState = iota
	filterActive
)

// eventFilter is the owned state of one event type's filter
type eventFilter struct {
	eventName string
	filterID  string
	state     filterState
}

// LedgerEventIngestor polls the ledger for contract events and applies them
// to the local mirror. Runs as one background loop: a fixed-interval ticker,
// one filter per event type, idempotent mirror writes. At-least-once
// delivery is assumed; replays converge because every write is an upsert or
// insert-ignore keyed by a natural id.
type LedgerEventIngestor struct {
	ledger    clients.LedgerClient
	vehicles  repository.VehicleRepository
	txs       repository.TransactionRepository
	publisher *events.Publisher // optional
	push      *PushService      // optional

	pollInterval time.Duration
	filters      []*eventFilter

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewLedgerEventIngestor creates an ingestor for the three toll contract
// event types. publisher and push may be nil.
func NewLedgerEventIngestor(
	ledger clients.LedgerClient,
	vehicles repository.VehicleRepository,
	txs repository.TransactionRepository,
	publisher *events.Publisher,
	push *PushService,
	pollInterval time.Duration,
) *LedgerEventIngestor {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &LedgerEventIngestor{
		ledger:    ledger,
		vehicles:  vehicles,
		txs:       txs,
		publisher: publisher,
		push:      push,

		pollInterval: pollInterval,
		filters: []*eventFilter{
			{eventName: clients.EventVehicleRegistered},
			{eventName: clients.EventTollPaid},
			{eventName: clients.EventVehicleBlacklisted},
		},
	}
}

// Start registers the event filters and launches the poll loop. Restart
// after Stop is supported; the previous ticker never leaks because the loop
// owns it.
func (s *LedgerEventIngestor) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	log.Printf("🚀 Starting ledger event ingestor (interval %s)...", s.pollInterval)
	s.ensureFilters(context.Background())

	go s.pollLoop()
	metrics.IngestorRunning.Set(1)
}

// Stop signals the loop to exit and waits for an in-flight poll to finish.
// No new poll starts after Stop returns.
func (s *LedgerEventIngestor) Stop() {
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

	// release ledger-side filter registrations; a later Start re-creates them
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, f := range s.filters {
		if f.state != filterActive {
			continue
		}
		if err := s.ledger.UninstallFilter(ctx, f.filterID); err != nil {
			log.Printf("⚠️ [Ingestor] Failed to uninstall filter for %s: %v", f.eventName, err)
		}
		f.state = filterStale
		f.filterID = ""
	}

	metrics.IngestorRunning.Set(0)
	log.Printf("🛑 Ledger event ingestor stopped")
}

func (s *LedgerEventIngestor) pollLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.PollOnce(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// ensureFilters registers a ledger filter for every stale event type.
// Failures leave the filter stale; the next cycle tries again.
func (s *LedgerEventIngestor) ensureFilters(ctx context.Context) {
	for _, f := range s.filters {
		if f.state == filterActive {
			continue
		}
		filterID, err := s.ledger.NewEventFilter(ctx, f.eventName)
		if err != nil {
			log.Printf("⚠️ [Ingestor] Failed to create filter for %s: %v", f.eventName, err)
			metrics.PollErrors.WithLabelValues(f.eventName).Inc()
			continue
		}
		f.filterID = filterID
		f.state = filterActive
		log.Printf("📋 [Ingestor] Filter registered for %s: %s", f.eventName, filterID)
	}
}

// PollOnce runs one poll cycle: recreate stale filters, drain each active
// filter, apply every event. An expired filter is dropped and recreated next
// cycle instead of aborting the poll; other query errors are logged and the
// events retried by the node on the next eth_getFilterChanges.
func (s *LedgerEventIngestor) PollOnce(ctx context.Context) {
	metrics.PollCycles.Inc()
	s.ensureFilters(ctx)

	for _, f := range s.filters {
		if f.state != filterActive {
			continue
		}

		changes, err := s.ledger.GetFilterChanges(ctx, f.filterID)
		if err != nil {
			if clients.IsFilterNotFound(err) {
				// self-healing: the node expired the filter; recreate next cycle
				log.Printf("🔄 [Ingestor] Filter for %s expired, will recreate", f.eventName)
				f.state = filterStale
				f.filterID = ""
				metrics.FilterRecreations.WithLabelValues(f.eventName).Inc()
			} else {
				log.Printf("⚠️ [Ingestor] Filter query for %s failed: %v", f.eventName, err)
				metrics.PollErrors.WithLabelValues(f.eventName).Inc()
			}
			continue
		}

		for i := range changes {
			s.applyEvent(ctx, &changes[i])
		}
	}
}

// applyEvent applies one normalized event to the mirror. Idempotent by
// construction: replays of the same event leave the mirror unchanged.
func (s *LedgerEventIngestor) applyEvent(ctx context.Context, event *clients.LedgerEvent) {
	var err error
	switch event.EventName {
	case clients.EventVehicleRegistered:
		err = s.applyVehicleRegistered(ctx, event)
	case clients.EventTollPaid:
		err = s.applyTollPaid(ctx, event)
	case clients.EventVehicleBlacklisted:
		err = s.applyVehicleBlacklisted(ctx, event)
	default:
		log.Printf("⚠️ [Ingestor] Unknown event type %q, skipping", event.EventName)
		return
	}

	if err != nil {
		// retried on the next delivery of the same event
		log.Printf("❌ [Ingestor] Failed to apply %s %s: %v", event.EventName, event.UniqueID, err)
		metrics.EventApplyErrors.WithLabelValues(event.EventName).Inc()
		return
	}

	metrics.EventsApplied.WithLabelValues(event.EventName).Inc()
	if s.publisher != nil {
		s.publisher.PublishLedgerEvent(event)
	}
}

func (s *LedgerEventIngestor) applyVehicleRegistered(ctx context.Context, event *clients.LedgerEvent) error {
	vehicle := &models.Vehicle{
		VehicleID:    event.VehicleID,
		OwnerAddress: event.OwnerAddress,
		Category:     string(models.VehicleCategoryCar),
		Active:       true,
	}
	if err := s.vehicles.Upsert(ctx, vehicle); err != nil {
		return err
	}
	log.Printf("📥 [Ingestor] Vehicle registered: %s (owner %s)", event.VehicleID, event.OwnerAddress)
	return nil
}

func (s *LedgerEventIngestor) applyTollPaid(ctx context.Context, event *clients.LedgerEvent) error {
	// A payment initiated through this service already has a pending mirror
	// row carrying the ledger tx hash; confirm it. Payments observed only on
	// chain get a new row keyed by the ledger-derived id, so replays no-op.
	confirmed, err := s.txs.ConfirmByLedgerTxHash(ctx, event.TxHash, event.BlockNumber)
	if err != nil {
		return err
	}

	if confirmed == 0 {
		inserted, err := s.txs.InsertIgnoreDuplicate(ctx, &models.TollTransaction{
			TxID:         event.UniqueID,
			VehicleID:    event.VehicleID,
			PayerAddress: event.PayerAddress,
			Amount:       event.Amount,
			Status:       models.TransactionStatusConfirmed,
			LedgerTxHash: event.TxHash,
			BlockNumber:  event.BlockNumber,
			PaidAt:       event.Timestamp,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return nil // replay
		}
	}

	if err := s.vehicles.TouchLastToll(ctx, event.VehicleID, event.Timestamp); err != nil {
		log.Printf("⚠️ [Ingestor] Failed to touch last toll for %s: %v", event.VehicleID, err)
	}

	log.Printf("💰 [Ingestor] Toll paid: vehicle=%s payer=%s amount=%s", event.VehicleID, event.PayerAddress, event.Amount)
	if s.push != nil {
		s.push.Broadcast("toll_paid", event)
	}
	return nil
}

func (s *LedgerEventIngestor) applyVehicleBlacklisted(ctx context.Context, event *clients.LedgerEvent) error {
	// unconditional set: event order decides, last write wins
	if err := s.vehicles.SetBlacklisted(ctx, event.VehicleID, event.Blacklisted); err != nil {
		return err
	}
	log.Printf("🚫 [Ingestor] Vehicle %s blacklisted=%v", event.VehicleID, event.Blacklisted)
	if s.push != nil {
		s.push.Broadcast("vehicle_blacklisted", event)
	}
	return nil
}
