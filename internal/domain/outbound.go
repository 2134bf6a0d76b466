/**
 * @description
 * Outbound transaction requests: payouts and sweeps the ledger asks the
 * wallet authority to sign and a chain adapter to broadcast.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OutboundState is the lifecycle of an outbound transaction request.
type OutboundState string

const (
	OutboundRequested OutboundState = "requested"
	OutboundSigned    OutboundState = "signed"
	OutboundBroadcast OutboundState = "broadcast"
	OutboundConfirmed OutboundState = "confirmed"
	OutboundRejected  OutboundState = "rejected"
)

// OutboundTransaction is owned by the ledger and executed by the wallet
// authority plus a chain adapter. How multiple partially-settled payments
// batch into one sweep is an open extension point; today each request
// references the payments it settles and is swept individually.
type OutboundTransaction struct {
	ID          uuid.UUID       `json:"id"`
	Rail        string          `json:"rail"`
	Destination string          `json:"destination"`
	Amount      decimal.Decimal `json:"amount"`
	PaymentIDs  []uuid.UUID     `json:"payment_ids"`
	State       OutboundState   `json:"state"`
	TxID        string          `json:"tx_id,omitempty"`
	SignedRaw   []byte          `json:"-"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
