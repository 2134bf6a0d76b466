/**
 * @description
 * Live-update websocket endpoint. Clients send JSON actions —
 * subscribe/unsubscribe to a payment id and fetch_payment for a snapshot —
 * and receive {status, message|data} replies plus pushed transition deltas.
 * On subscribe the current payment snapshot is sent immediately, so a
 * reconnecting client resyncs from ledger state rather than missed events.
 *
 * @dependencies
 * - github.com/gorilla/websocket: Connection upgrade and framing.
 * - internal/notify: The session hub transitions fan out through.
 */

package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/anypay/settlement-engine/internal/ledger"
	"github.com/anypay/settlement-engine/internal/notify"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Merchant dashboards connect from their own origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SocketHandler serves the live-update channel.
type SocketHandler struct {
	hub    *notify.Hub
	ledger *ledger.Ledger
}

// NewSocketHandler creates the websocket handler.
func NewSocketHandler(hub *notify.Hub, l *ledger.Ledger) *SocketHandler {
	return &SocketHandler{hub: hub, ledger: l}
}

type socketMessage struct {
	Action  string `json:"action"`
	SubType string `json:"type,omitempty"`
	ID      string `json:"id,omitempty"`
}

// ServeHTTP upgrades the connection and runs the session loops.
func (s *SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	session := notify.NewSession()
	s.hub.Register(session)
	log.Printf("ws: session %s connected from %s", session.ID, r.RemoteAddr)

	// Writer: forward hub pushes and replies to the socket.
	go func() {
		for payload := range session.Out {
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Printf("ws: session %s write failed: %v", session.ID, err)
				conn.Close()
				return
			}
		}
		conn.Close()
	}()

	// Reader: handle actions until the client disconnects.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var msg socketMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.reply(session, "error", "Invalid message format")
			continue
		}
		s.handleMessage(r, session, msg)
	}

	s.hub.Unregister(session)
	log.Printf("ws: session %s closed", session.ID)
}

func (s *SocketHandler) handleMessage(r *http.Request, session *notify.Session, msg socketMessage) {
	switch msg.Action {
	case "subscribe":
		paymentID, err := uuid.Parse(msg.ID)
		if err != nil {
			s.reply(session, "error", "Invalid payment id")
			return
		}
		s.hub.Subscribe(session, paymentID)
		s.reply(session, "success", "Subscribed to payment "+msg.ID)
		s.sendSnapshot(r, session, paymentID)
	case "unsubscribe":
		paymentID, err := uuid.Parse(msg.ID)
		if err != nil {
			s.reply(session, "error", "Invalid payment id")
			return
		}
		s.hub.Unsubscribe(session, paymentID)
		s.reply(session, "success", "Unsubscribed from payment "+msg.ID)
	case "fetch_payment":
		paymentID, err := uuid.Parse(msg.ID)
		if err != nil {
			s.reply(session, "error", "Invalid payment id")
			return
		}
		s.sendSnapshot(r, session, paymentID)
	default:
		s.reply(session, "error", "Unknown action")
	}
}

func (s *SocketHandler) sendSnapshot(r *http.Request, session *notify.Session, paymentID uuid.UUID) {
	p, err := s.ledger.Get(r.Context(), paymentID)
	if err != nil {
		s.reply(session, "error", "Payment not found")
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"status": "success",
		"data":   p.Public(),
	})
	if err != nil {
		return
	}
	if !session.Send(payload) {
		log.Printf("ws: session %s unreachable or buffer full, dropping snapshot", session.ID)
	}
}

func (s *SocketHandler) reply(session *notify.Session, status, message string) {
	payload, err := json.Marshal(map[string]string{
		"status":  status,
		"message": message,
	})
	if err != nil {
		return
	}
	if !session.Send(payload) {
		log.Printf("ws: session %s unreachable or buffer full, dropping reply", session.ID)
	}
}
