/**
 * @description
 * Live-update hub for socket subscribers. Sessions subscribe to payment
 * ids; the hub pushes a current snapshot on subscribe and state-transition
 * deltas afterwards. Delivery is best effort with no retry: a reconnecting
 * socket resyncs from the ledger's current state, not from missed events.
 */

package notify

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/anypay/settlement-engine/internal/domain"
)

// Session is one connected socket client. Out is drained by the transport
// layer; a full buffer drops the payload rather than blocking the sender.
type Session struct {
	ID  uuid.UUID
	Out chan []byte

	// mu guards closed so that Send and close never race on Out. Without it
	// a broadcast racing a disconnect would send on a closed channel.
	mu     sync.Mutex
	closed bool
}

// NewSession creates a session with a buffered outbound queue.
func NewSession() *Session {
	return &Session{ID: uuid.New(), Out: make(chan []byte, 32)}
}

// Send queues a payload without blocking. It reports false when the buffer
// is full or the session is already closed.
func (s *Session) Send(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.Out <- payload:
		return true
	default:
		return false
	}
}

// close shuts the outbound channel exactly once; Send calls after it return
// false instead of panicking.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.Out)
}

// Hub tracks sessions and their payment subscriptions.
type Hub struct {
	mu sync.RWMutex
	// subscriptions: payment id -> session id -> session
	subscriptions map[uuid.UUID]map[uuid.UUID]*Session
	sessions      map[uuid.UUID]*Session
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uuid.UUID]map[uuid.UUID]*Session),
		sessions:      make(map[uuid.UUID]*Session),
	}
}

// Register adds a session to the hub.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID] = s
}

// Unregister removes a session and all its subscriptions.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s.ID)
	for paymentID, subs := range h.subscriptions {
		delete(subs, s.ID)
		if len(subs) == 0 {
			delete(h.subscriptions, paymentID)
		}
	}
	s.close()
}

// Subscribe attaches a session to a payment id.
func (h *Hub) Subscribe(s *Session, paymentID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subscriptions[paymentID]
	if !ok {
		subs = make(map[uuid.UUID]*Session)
		h.subscriptions[paymentID] = subs
	}
	subs[s.ID] = s
}

// Unsubscribe detaches a session from a payment id.
func (h *Hub) Unsubscribe(s *Session, paymentID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subscriptions[paymentID]; ok {
		delete(subs, s.ID)
		if len(subs) == 0 {
			delete(h.subscriptions, paymentID)
		}
	}
}

// Broadcast pushes a transition delta to every subscriber of the payment.
func (h *Hub) Broadcast(ev domain.TransitionEvent) {
	payload, err := json.Marshal(map[string]interface{}{
		"type": "payment_transition",
		"data": ev,
	})
	if err != nil {
		log.Printf("hub: failed to encode transition for payment %s: %v", ev.PaymentID, err)
		return
	}

	h.mu.RLock()
	subs := h.subscriptions[ev.PaymentID]
	sessions := make([]*Session, 0, len(subs))
	for _, s := range subs {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		if !s.Send(payload) {
			log.Printf("hub: session %s unreachable or buffer full, dropping delta", s.ID)
		}
	}
}

// SubscriberCount reports how many sessions watch a payment.
func (h *Hub) SubscriberCount(paymentID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions[paymentID])
}
