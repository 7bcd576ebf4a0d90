package services

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origin policy is enforced upstream by the router's CORS handling
	CheckOrigin: func(r *http.Request) bool { return true },
}

// PushMessage is the envelope broadcast to websocket subscribers
type PushMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// PushService broadcasts transaction and vehicle updates to connected
// websocket clients. Connection set is owned instance state, guarded by one
// mutex; a slow or dead client is dropped, never awaited.
type PushService struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]bool
}

// NewPushService creates an empty hub
func NewPushService() *PushService {
	return &PushService{conns: make(map[*websocket.Conn]bool)}
}

// HandleConnection upgrades an HTTP request and registers the client
func (s *PushService) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("⚠️ [Push] WebSocket upgrade failed: %v", err)
		return
	}

	s.mu.Lock()
	s.conns[conn] = true
	count := len(s.conns)
	s.mu.Unlock()
	log.Printf("🔌 [Push] Client connected (%d active)", count)

	// reader goroutine only detects close; inbound messages are ignored
	go func() {
		defer s.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *PushService) drop(conn *websocket.Conn) {
	s.mu.Lock()
	if _, ok := s.conns[conn]; ok {
		delete(s.conns, conn)
		conn.Close()
	}
	s.mu.Unlock()
}

// Broadcast sends a typed payload to every connected client
func (s *PushService) Broadcast(messageType string, data interface{}) {
	payload, err := json.Marshal(PushMessage{
		Type:      messageType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		log.Printf("⚠️ [Push] Failed to marshal %s message: %v", messageType, err)
		return
	}

	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			s.drop(conn)
		}
	}
}

// CloseAll disconnects every client; used at shutdown
func (s *PushService) CloseAll() {
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
		delete(s.conns, conn)
	}
	s.mu.Unlock()
}
