/**
 * @description
 * Per-rail address encoding for keys derived by the wallet authority.
 *
 * @notes
 * - The XRPL classic address alphabet is a permutation of the bitcoin
 *   base58 alphabet, so encoding reuses btcutil's encoder with a character
 *   remap instead of a second base58 implementation.
 */

package wallet

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/ripemd160"

	"github.com/anypay/settlement-engine/internal/domain"
)

const (
	btcAlphabet    = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
	rippleAlphabet = "rpshnaf39wBUDNEGHJKLM4PQRST7VWXYZ2bcdeCg65jkm8oFqi1tuvAxyz"
)

var btcToRipple = func() map[rune]rune {
	m := make(map[rune]rune, len(btcAlphabet))
	for i, c := range btcAlphabet {
		m[c] = rune(rippleAlphabet[i])
	}
	return m
}()

// encodeAddress renders a derived public key as the rail's receiving
// address format.
func encodeAddress(rail string, pub *btcec.PublicKey, params *chaincfg.Params) (string, error) {
	switch rail {
	case domain.RailBitcoin:
		witness, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), params)
		if err != nil {
			return "", err
		}
		return witness.EncodeAddress(), nil
	case domain.RailEthereum:
		return ethcrypto.PubkeyToAddress(*pub.ToECDSA()).Hex(), nil
	case domain.RailXRPL:
		return encodeXRPLAddress(pub), nil
	default:
		return "", fmt.Errorf("no address encoder for rail %q", rail)
	}
}

// encodeXRPLAddress builds a classic address: type byte 0x00, RIPEMD160 of
// SHA256 of the compressed public key, 4-byte double-SHA256 checksum, base58
// in the ripple alphabet.
func encodeXRPLAddress(pub *btcec.PublicKey) string {
	sha := sha256.Sum256(pub.SerializeCompressed())
	ripe := ripemd160.New()
	ripe.Write(sha[:])
	payload := append([]byte{0x00}, ripe.Sum(nil)...)

	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	full := append(payload, second[:4]...)

	encoded := base58.Encode(full)
	out := make([]rune, 0, len(encoded))
	for _, c := range encoded {
		out = append(out, btcToRipple[c])
	}
	return string(out)
}
