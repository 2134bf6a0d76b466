/**
 * @description
 * Bus message payloads exchanged between the server, the wallet authority,
 * and the confirmation trackers, plus the merchant-facing webhook body.
 *
 * @notes
 * - Every message carries a deduplication key. The bus delivers at least
 *   once; consumers acknowledge duplicates without reapplying them.
 * - Wallet commands are request/reply with a correlation id. Replies travel
 *   on the same topic exchange under wallet.* routing keys.
 */

package domain

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Exchange is the single topic exchange all engine processes share.
const Exchange = "settlement.events"

// Routing keys for wallet authority commands and replies.
const (
	RouteDeriveCommand = "wallet.derive"
	RouteDeriveReply   = "wallet.derived"
	RouteSignCommand   = "wallet.sign"
	RouteSignReply     = "wallet.signed"
)

// DeriveCommand asks the wallet authority for a fresh address on a rail.
type DeriveCommand struct {
	RequestID uuid.UUID `json:"request_id"`
	Rail      string    `json:"rail"`
	// IndexHint is advisory only; the authority allocates strictly
	// increasing indices regardless.
	IndexHint uint32    `json:"index_hint,omitempty"`
	PaymentID uuid.UUID `json:"payment_id"`
}

// DedupKey implements the bus idempotency contract for commands.
func (c DeriveCommand) DedupKey() string { return "derive:" + c.RequestID.String() }

// DeriveReply carries the opaque handle and the derived address back to the
// requester. Err is set instead when derivation failed.
type DeriveReply struct {
	RequestID uuid.UUID `json:"request_id"`
	Handle    string    `json:"handle,omitempty"`
	Address   string    `json:"address,omitempty"`
	Err       string    `json:"error,omitempty"`
}

// TxShape describes an outbound transaction to be signed, without any key
// material. Each adapter interprets the shape for its rail.
type TxShape struct {
	Rail        string          `json:"rail"`
	Destination string          `json:"destination"`
	Amount      decimal.Decimal `json:"amount"`
	Fee         decimal.Decimal `json:"fee"`
	// Nonce is the account nonce on account rails and the ledger sequence on
	// consensus-ledger rails; unused for UTXO rails.
	Nonce uint64 `json:"nonce,omitempty"`
	// Inputs lists the previous outputs a UTXO rail spends. The server
	// assembles them from adapter queries; the authority only signs.
	Inputs []TxInput `json:"inputs,omitempty"`
}

// TxInput is one previous output spent by a UTXO transaction shape.
type TxInput struct {
	TxID     string          `json:"tx_id"`
	Vout     uint32          `json:"vout"`
	Amount   decimal.Decimal `json:"amount"`
	PkScript []byte          `json:"pk_script"`
}

// SignCommand asks the wallet authority to sign a transaction with the key
// behind a previously issued handle.
type SignCommand struct {
	RequestID uuid.UUID `json:"request_id"`
	Handle    string    `json:"handle"`
	Shape     TxShape   `json:"shape"`
}

func (c SignCommand) DedupKey() string { return "sign:" + c.RequestID.String() }

// SignedTx is a rail-opaque signed transaction. TxID is stable across
// broadcast retries, which is what makes a timed-out broadcast safe to
// resend without re-signing.
type SignedTx struct {
	Rail string `json:"rail"`
	TxID string `json:"tx_id"`
	Raw  []byte `json:"raw"`
}

// SignReply answers a SignCommand.
type SignReply struct {
	RequestID uuid.UUID `json:"request_id"`
	Signed    *SignedTx `json:"signed,omitempty"`
	Err       string    `json:"error,omitempty"`
}

// TransitionEvent announces a payment state transition on the bus. The
// notification dispatcher and the live socket hub both consume it; its JSON
// shape doubles as the merchant webhook body.
type TransitionEvent struct {
	PaymentID       uuid.UUID       `json:"paymentId"`
	MerchantID      uuid.UUID       `json:"-"`
	State           PaymentState    `json:"state"`
	PriorState      PaymentState    `json:"-"`
	ObservedAmount  decimal.Decimal `json:"observedAmount"`
	RequestedAmount decimal.Decimal `json:"requestedAmount"`
	Currency        string          `json:"currency"`
	Timestamp       time.Time       `json:"timestamp"`
}

// DedupKey keys transition events by payment, resulting state, and transition
// time. A broker redelivery carries the same timestamp and is suppressed; a
// payment legitimately re-entering a state (a reorg can send it through
// Confirming twice) is a new event with a new timestamp and is notified.
func (t TransitionEvent) DedupKey() string {
	return "transition:" + t.PaymentID.String() + ":" + string(t.State) + ":" + strconv.FormatInt(t.Timestamp.UnixNano(), 10)
}

// RoutingKey publishes transitions under payment.<state>.
func (t TransitionEvent) RoutingKey() string { return "payment." + string(t.State) }

// ParkedNotification is a webhook delivery that exhausted its retries and
// waits for manual or automatic replay.
type ParkedNotification struct {
	ID         uuid.UUID       `json:"id"`
	MerchantID uuid.UUID       `json:"merchant_id"`
	PaymentID  uuid.UUID       `json:"payment_id"`
	Event      TransitionEvent `json:"event"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error"`
	ParkedAt   time.Time       `json:"parked_at"`
	ReplayedAt *time.Time      `json:"replayed_at,omitempty"`
}
