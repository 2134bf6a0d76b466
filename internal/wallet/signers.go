/**
 * @description
 * Rail-specific transaction signing. Each signer turns a TxShape plus a
 * derived private key into broadcastable bytes with a stable transaction
 * id, so a timed-out broadcast can resend the same bytes instead of
 * re-signing.
 *
 * @notes
 * - The bitcoin signer builds a real segwit spend over the inputs supplied
 *   in the shape. The ethereum signer produces an RLP-encoded legacy
 *   transaction. The XRPL signer signs the engine's canonical shape digest;
 *   full XRPL binary serialization lives behind the adapter's submit call.
 */

package wallet

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/anypay/settlement-engine/internal/domain"
)

const (
	satoshiDecimals = 8
	weiDecimals     = 18
	dropDecimals    = 6
	ethTransferGas  = 21000
)

func signShape(alloc *domain.AddressAllocation, shape domain.TxShape, priv *btcec.PrivateKey, params *chaincfg.Params, ethChainID int64) (*domain.SignedTx, error) {
	switch alloc.Rail {
	case domain.RailBitcoin:
		return signBitcoin(shape, priv, params)
	case domain.RailEthereum:
		return signEthereum(shape, priv, ethChainID)
	case domain.RailXRPL:
		return signXRPL(alloc, shape, priv)
	default:
		return nil, fmt.Errorf("%w: no signer for rail %q", domain.ErrSigningRefused, alloc.Rail)
	}
}

func signBitcoin(shape domain.TxShape, priv *btcec.PrivateKey, params *chaincfg.Params) (*domain.SignedTx, error) {
	if len(shape.Inputs) == 0 {
		return nil, fmt.Errorf("%w: bitcoin shape has no inputs", domain.ErrSigningRefused)
	}

	msg := wire.NewMsgTx(wire.TxVersion)
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(shape.Inputs))
	for _, in := range shape.Inputs {
		hash, err := chainhash.NewHashFromStr(in.TxID)
		if err != nil {
			return nil, fmt.Errorf("%w: bad input txid: %v", domain.ErrSigningRefused, err)
		}
		outPoint := wire.NewOutPoint(hash, in.Vout)
		msg.AddTxIn(wire.NewTxIn(outPoint, nil, nil))
		prevOuts[*outPoint] = wire.NewTxOut(in.Amount.Shift(satoshiDecimals).IntPart(), in.PkScript)
	}

	destAddr, err := btcutil.DecodeAddress(shape.Destination, params)
	if err != nil {
		return nil, fmt.Errorf("%w: bad destination: %v", domain.ErrSigningRefused, err)
	}
	destScript, err := txscript.PayToAddrScript(destAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSigningRefused, err)
	}
	msg.AddTxOut(wire.NewTxOut(shape.Amount.Shift(satoshiDecimals).IntPart(), destScript))

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(msg, fetcher)
	for i, in := range shape.Inputs {
		witness, err := txscript.WitnessSignature(msg, sigHashes, i,
			in.Amount.Shift(satoshiDecimals).IntPart(), in.PkScript,
			txscript.SigHashAll, priv, true)
		if err != nil {
			return nil, fmt.Errorf("%w: witness signature: %v", domain.ErrSigningRefused, err)
		}
		msg.TxIn[i].Witness = witness
	}

	var buf bytes.Buffer
	if err := msg.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("%w: serialize: %v", domain.ErrSigningRefused, err)
	}
	return &domain.SignedTx{
		Rail: domain.RailBitcoin,
		TxID: msg.TxHash().String(),
		Raw:  buf.Bytes(),
	}, nil
}

func signEthereum(shape domain.TxShape, priv *btcec.PrivateKey, chainID int64) (*domain.SignedTx, error) {
	if !common.IsHexAddress(shape.Destination) {
		return nil, fmt.Errorf("%w: bad destination %q", domain.ErrSigningRefused, shape.Destination)
	}
	to := common.HexToAddress(shape.Destination)
	valueWei := shape.Amount.Shift(weiDecimals).BigInt()
	gasPrice := new(big.Int).Div(shape.Fee.Shift(weiDecimals).BigInt(), big.NewInt(ethTransferGas))
	if gasPrice.Sign() <= 0 {
		gasPrice = big.NewInt(1)
	}

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    shape.Nonce,
		To:       &to,
		Value:    valueWei,
		Gas:      ethTransferGas,
		GasPrice: gasPrice,
	})
	signer := ethtypes.LatestSignerForChainID(big.NewInt(chainID))
	signed, err := ethtypes.SignTx(tx, signer, priv.ToECDSA())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSigningRefused, err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSigningRefused, err)
	}
	return &domain.SignedTx{
		Rail: domain.RailEthereum,
		TxID: signed.Hash().Hex(),
		Raw:  raw,
	}, nil
}

// signXRPL signs the SHA-512-half of the canonical shape encoding, the
// ledger's standard signing digest.
func signXRPL(alloc *domain.AddressAllocation, shape domain.TxShape, priv *btcec.PrivateKey) (*domain.SignedTx, error) {
	payload := struct {
		Account     string `json:"Account"`
		Destination string `json:"Destination"`
		Amount      string `json:"Amount"`
		Fee         string `json:"Fee"`
		Sequence    uint64 `json:"Sequence"`
		SigningPub  string `json:"SigningPubKey"`
	}{
		Account:     alloc.Address,
		Destination: shape.Destination,
		Amount:      shape.Amount.Shift(dropDecimals).String(),
		Fee:         shape.Fee.Shift(dropDecimals).String(),
		Sequence:    shape.Nonce,
		SigningPub:  hex.EncodeToString(priv.PubKey().SerializeCompressed()),
	}
	canonical, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSigningRefused, err)
	}

	full := sha512.Sum512(canonical)
	digest := full[:32]
	sig := btcecdsa.Sign(priv, digest)

	envelope := struct {
		Tx        json.RawMessage `json:"tx"`
		Signature string          `json:"TxnSignature"`
	}{Tx: canonical, Signature: hex.EncodeToString(sig.Serialize())}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSigningRefused, err)
	}

	txHash := sha512.Sum512(raw)
	return &domain.SignedTx{
		Rail: domain.RailXRPL,
		TxID: hex.EncodeToString(txHash[:32]),
		Raw:  raw,
	}, nil
}
