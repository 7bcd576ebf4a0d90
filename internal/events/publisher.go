package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"toll-backend/internal/clients"
	"toll-backend/internal/config"

	"github.com/nats-io/nats.go"
)

// Subjects published after mirror application
const (
	SubjectVehicleRegistered  = "toll.vehicle.registered"
	SubjectVehicleBlacklisted = "toll.vehicle.blacklisted"
	SubjectPaymentConfirmed   = "toll.payment.confirmed"
)

// Publisher fans normalized ledger events out over NATS once they have been
// applied to the mirror. Publishing is best-effort: a NATS outage never
// blocks or fails mirror writes.
type Publisher struct {
	conn   *nats.Conn
	prefix string
}

// NewPublisher connects to NATS using the configured reconnect policy
func NewPublisher(cfg *config.NATSConfig) (*Publisher, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("NATS not configured")
	}

	reconnectWait := 2 * time.Second
	if cfg.ReconnectWait > 0 {
		reconnectWait = time.Duration(cfg.ReconnectWait) * time.Second
	}
	maxReconnects := 60
	if cfg.MaxReconnects > 0 {
		maxReconnects = cfg.MaxReconnects
	}

	conn, err := nats.Connect(cfg.URL,
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("⚠️ [NATS] Disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("🔌 [NATS] Reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	log.Printf("✅ [NATS] Connected: %s", cfg.URL)
	return &Publisher{conn: conn, prefix: cfg.SubjectPrefix}, nil
}

// PublishLedgerEvent maps an applied ledger event to its subject and
// publishes it
func (p *Publisher) PublishLedgerEvent(event *clients.LedgerEvent) {
	if p == nil || p.conn == nil {
		return
	}

	var subject string
	switch event.EventName {
	case clients.EventVehicleRegistered:
		subject = SubjectVehicleRegistered
	case clients.EventTollPaid:
		subject = SubjectPaymentConfirmed
	case clients.EventVehicleBlacklisted:
		subject = SubjectVehicleBlacklisted
	default:
		return
	}
	if p.prefix != "" {
		subject = p.prefix + "." + subject
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("⚠️ [NATS] Failed to marshal event %s: %v", event.UniqueID, err)
		return
	}
	if err := p.conn.Publish(subject, payload); err != nil {
		log.Printf("⚠️ [NATS] Failed to publish %s: %v", subject, err)
	}
}

// Close drains and closes the connection
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		log.Printf("⚠️ [NATS] Drain failed: %v", err)
	}
}
