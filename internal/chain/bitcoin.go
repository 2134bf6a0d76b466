/**
 * @description
 * Bitcoin (UTXO) chain adapter backed by a btcd-compatible JSON-RPC node
 * with the address index enabled. Confirmation depth is per transaction, as
 * reported by the node.
 *
 * @dependencies
 * - github.com/btcsuite/btcd/rpcclient: JSON-RPC client.
 * - github.com/btcsuite/btcd/btcutil: Address parsing and amount units.
 */

package chain

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"

	"github.com/anypay/settlement-engine/internal/domain"
)

const (
	// btcFeeConfTarget is the confirmation target passed to the node's smart
	// fee estimator.
	btcFeeConfTarget = 2
	// btcAssumedTxVBytes sizes a simple one-in two-out segwit spend for fee
	// estimation.
	btcAssumedTxVBytes = 141
	btcSearchPageSize  = 100
)

// BitcoinAdapter implements Adapter for the Bitcoin rail.
type BitcoinAdapter struct {
	client *rpcclient.Client
	params *chaincfg.Params
}

// NewBitcoinAdapter connects to a btcd-compatible node over HTTP POST mode.
func NewBitcoinAdapter(host, user, pass string, params *chaincfg.Params) (*BitcoinAdapter, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         host,
		User:         user,
		Pass:         pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, adapterErr(err)
	}
	return &BitcoinAdapter{client: client, params: params}, nil
}

func (a *BitcoinAdapter) Rail() string { return domain.RailBitcoin }

// FinalityDepth mirrors the common six-block convention.
func (a *BitcoinAdapter) FinalityDepth() int { return 6 }

func (a *BitcoinAdapter) TipHeight(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	height, err := a.client.GetBlockCount()
	if err != nil {
		return 0, adapterErr(err)
	}
	return height, nil
}

func (a *BitcoinAdapter) BlockRefAt(ctx context.Context, height int64) (domain.BlockRef, error) {
	if err := ctx.Err(); err != nil {
		return domain.BlockRef{}, err
	}
	hash, err := a.client.GetBlockHash(height)
	if err != nil {
		return domain.BlockRef{}, adapterErr(err)
	}
	return domain.BlockRef{Height: height, Hash: hash.String()}, nil
}

// QueryIncoming lists confirmed and mempool transactions paying the address,
// filtered to blocks at or above sinceHeight.
func (a *BitcoinAdapter) QueryIncoming(ctx context.Context, address string, sinceHeight int64) ([]Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr, err := btcutil.DecodeAddress(address, a.params)
	if err != nil {
		return nil, adapterErr(err)
	}

	var out []Observation
	skip := 0
	for {
		results, err := a.client.SearchRawTransactionsVerbose(addr, skip, btcSearchPageSize, true, false, nil)
		if err != nil {
			// An empty result set surfaces as a "no information" RPC error
			// on some nodes; treat a first empty page as no activity.
			if skip == 0 {
				return nil, nil
			}
			return nil, adapterErr(err)
		}
		for _, res := range results {
			obs, ok, err := a.observationFrom(res, address, sinceHeight)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, obs)
			}
		}
		if len(results) < btcSearchPageSize {
			return out, nil
		}
		skip += len(results)
	}
}

func (a *BitcoinAdapter) observationFrom(res *btcjson.SearchRawTransactionsResult, address string, sinceHeight int64) (Observation, bool, error) {
	paid := decimal.Zero
	matched := false
	var voutIndex uint32
	for _, vout := range res.Vout {
		for _, outAddr := range vout.ScriptPubKey.Addresses {
			if outAddr == address {
				if !matched {
					// The first output paying the address is the one a sweep
					// will spend. More than one output to the same address in
					// one transaction is pathological; the extras still count
					// toward the amount.
					voutIndex = vout.N
					matched = true
				}
				paid = paid.Add(decimal.NewFromFloat(vout.Value))
			}
		}
	}
	if !paid.IsPositive() {
		return Observation{}, false, nil
	}

	obs := Observation{
		TxID:          res.Txid,
		Amount:        paid,
		Vout:          voutIndex,
		Confirmations: int(res.Confirmations),
	}
	if res.BlockHash != "" {
		hash, err := chainhash.NewHashFromStr(res.BlockHash)
		if err != nil {
			return Observation{}, false, adapterErr(err)
		}
		header, err := a.client.GetBlockHeaderVerbose(hash)
		if err != nil {
			return Observation{}, false, adapterErr(err)
		}
		if int64(header.Height) < sinceHeight {
			return Observation{}, false, nil
		}
		obs.Block = domain.BlockRef{Height: int64(header.Height), Hash: res.BlockHash}
	}
	return obs, true, nil
}

// Broadcast submits raw signed transaction bytes. The node rejects an
// already-known transaction id without side effects, which is what makes a
// retried broadcast safe.
func (a *BitcoinAdapter) Broadcast(ctx context.Context, tx domain.SignedTx) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var msg wire.MsgTx
	if err := msg.Deserialize(bytes.NewReader(tx.Raw)); err != nil {
		return "", fmt.Errorf("%w: undecodable transaction: %v", domain.ErrChainAdapter, err)
	}
	hash, err := a.client.SendRawTransaction(&msg, false)
	if err != nil {
		return "", adapterErr(err)
	}
	return hash.String(), nil
}

func (a *BitcoinAdapter) ConfirmationsOf(ctx context.Context, txID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	hash, err := chainhash.NewHashFromStr(txID)
	if err != nil {
		return 0, adapterErr(err)
	}
	res, err := a.client.GetRawTransactionVerbose(hash)
	if err != nil {
		return 0, ErrTxNotFound
	}
	return int(res.Confirmations), nil
}

// EstimateFee asks the node's smart fee estimator and sizes a standard
// spend.
func (a *BitcoinAdapter) EstimateFee(ctx context.Context, shape domain.TxShape) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	mode := btcjson.EstimateModeConservative
	res, err := a.client.EstimateSmartFee(btcFeeConfTarget, &mode)
	if err != nil {
		return decimal.Zero, adapterErr(err)
	}
	if res.FeeRate == nil {
		return decimal.Zero, fmt.Errorf("%w: node returned no fee rate", domain.ErrChainAdapter)
	}
	// FeeRate is BTC per kilobyte.
	perKB := decimal.NewFromFloat(*res.FeeRate)
	fee := perKB.Mul(decimal.NewFromInt(btcAssumedTxVBytes)).Div(decimal.NewFromInt(1000))
	return fee, nil
}

// Shutdown closes the RPC client.
func (a *BitcoinAdapter) Shutdown() {
	a.client.Shutdown()
}
