package chain

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// NetworkParams maps a configured bitcoin network name to its chain
// parameters. The same parameters drive key derivation and address encoding
// in the wallet authority.
func NetworkParams(name string) (*chaincfg.Params, error) {
	switch name {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unknown bitcoin network %q", name)
	}
}
