/**
 * @description
 * Address allocation records. Owned exclusively by the wallet authority;
 * everything else references an allocation through its opaque handle.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// AddressAllocation maps an opaque handle to a (rail, derivation index)
// pair. Indices are allocated strictly increasing per rail and never
// recycled, so no address ever serves two payments.
type AddressAllocation struct {
	Handle    string    `json:"handle"`
	Rail      string    `json:"rail"`
	Index     uint32    `json:"index"`
	Address   string    `json:"address"`
	PaymentID uuid.UUID `json:"payment_id"`
	CreatedAt time.Time `json:"created_at"`
}
