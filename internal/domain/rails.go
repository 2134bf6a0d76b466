/**
 * @description
 * Rail and currency registry. A rail is a settlement network with its own
 * confirmation semantics; a currency maps onto exactly one rail with a
 * rail-relative default confirmation depth. The ledger never branches on
 * rail identity, only on what the adapter for the rail reports.
 */

package domain

import "fmt"

// Rail identifiers. One chain adapter implementation exists per rail.
const (
	RailBitcoin  = "bitcoin"
	RailEthereum = "ethereum"
	RailXRPL     = "xrpl"
)

// CurrencySpec binds a currency code to its rail and default confirmation
// depth. Depths are rail-relative: UTXO rails count per-transaction
// confirmations, account rails count block-height deltas, and consensus
// ledgers cap at 1 (validated means final).
type CurrencySpec struct {
	Code         string
	Rail         string
	DefaultDepth int
	// Decimals is the exponent between the rail's smallest unit and one
	// whole unit (8 for satoshi, 18 for wei, 6 for drops).
	Decimals int32
}

var currencies = map[string]CurrencySpec{
	"BTC": {Code: "BTC", Rail: RailBitcoin, DefaultDepth: 2, Decimals: 8},
	"ETH": {Code: "ETH", Rail: RailEthereum, DefaultDepth: 12, Decimals: 18},
	"XRP": {Code: "XRP", Rail: RailXRPL, DefaultDepth: 1, Decimals: 6},
}

// LookupCurrency resolves a currency code to its spec.
func LookupCurrency(code string) (CurrencySpec, error) {
	spec, ok := currencies[code]
	if !ok {
		return CurrencySpec{}, fmt.Errorf("%w: unsupported currency %q", ErrValidation, code)
	}
	return spec, nil
}

// MaxDepthForRail caps a requested confirmation depth at what the rail can
// meaningfully report. Consensus ledgers reach finality in one validation.
func MaxDepthForRail(rail string) int {
	if rail == RailXRPL {
		return 1
	}
	return 100
}

// Rails lists every rail with at least one registered currency.
func Rails() []string {
	seen := map[string]bool{}
	var out []string
	for _, spec := range currencies {
		if !seen[spec.Rail] {
			seen[spec.Rail] = true
			out = append(out, spec.Rail)
		}
	}
	return out
}
