/**
 * @description
 * Ethereum (account-based) chain adapter on go-ethereum's ethclient.
 * Confirmation depth is a block-height delta: tip height minus inclusion
 * height plus one.
 *
 * @dependencies
 * - github.com/ethereum/go-ethereum/ethclient: RPC client.
 *
 * @notes
 * - QueryIncoming scans block bodies for value transfers to the watched
 *   address. Contract-internal transfers are out of scope for the native
 *   currency rail.
 */

package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/anypay/settlement-engine/internal/domain"
)

const (
	weiDecimals = 18
	// ethScanBatch caps the number of blocks one QueryIncoming call walks,
	// keeping each poll finite.
	ethScanBatch = 50
	// ethTransferGas is the intrinsic gas of a plain value transfer.
	ethTransferGas = 21000
)

// EthereumAdapter implements Adapter for the Ethereum rail.
type EthereumAdapter struct {
	client *ethclient.Client
}

// NewEthereumAdapter dials an Ethereum JSON-RPC endpoint.
func NewEthereumAdapter(ctx context.Context, rawURL string) (*EthereumAdapter, error) {
	client, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, adapterErr(err)
	}
	return &EthereumAdapter{client: client}, nil
}

func (a *EthereumAdapter) Rail() string { return domain.RailEthereum }

// FinalityDepth reflects the depth at which reorgs are practically unheard
// of post-merge.
func (a *EthereumAdapter) FinalityDepth() int { return 32 }

func (a *EthereumAdapter) TipHeight(ctx context.Context) (int64, error) {
	n, err := a.client.BlockNumber(ctx)
	if err != nil {
		return 0, adapterErr(err)
	}
	return int64(n), nil
}

func (a *EthereumAdapter) BlockRefAt(ctx context.Context, height int64) (domain.BlockRef, error) {
	header, err := a.client.HeaderByNumber(ctx, big.NewInt(height))
	if err != nil {
		return domain.BlockRef{}, adapterErr(err)
	}
	return domain.BlockRef{Height: height, Hash: header.Hash().Hex()}, nil
}

// QueryIncoming walks blocks from sinceHeight toward the tip looking for
// value transfers to the address.
func (a *EthereumAdapter) QueryIncoming(ctx context.Context, address string, sinceHeight int64) ([]Observation, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("%w: invalid address %q", domain.ErrChainAdapter, address)
	}
	target := common.HexToAddress(address)

	tip, err := a.TipHeight(ctx)
	if err != nil {
		return nil, err
	}
	if sinceHeight <= 0 {
		sinceHeight = tip
	}
	end := tip
	if end-sinceHeight >= ethScanBatch {
		end = sinceHeight + ethScanBatch - 1
	}

	var out []Observation
	for h := sinceHeight; h <= end; h++ {
		block, err := a.client.BlockByNumber(ctx, big.NewInt(h))
		if err != nil {
			return nil, adapterErr(err)
		}
		for _, tx := range block.Transactions() {
			to := tx.To()
			if to == nil || *to != target || tx.Value().Sign() <= 0 {
				continue
			}
			out = append(out, Observation{
				TxID:          tx.Hash().Hex(),
				Amount:        decimal.NewFromBigInt(tx.Value(), -weiDecimals),
				Block:         domain.BlockRef{Height: h, Hash: block.Hash().Hex()},
				Confirmations: int(tip - h + 1),
			})
		}
	}
	return out, nil
}

// Broadcast submits RLP-encoded signed bytes. Nodes reject a known
// transaction hash idempotently.
func (a *EthereumAdapter) Broadcast(ctx context.Context, tx domain.SignedTx) (string, error) {
	var parsed types.Transaction
	if err := parsed.UnmarshalBinary(tx.Raw); err != nil {
		return "", fmt.Errorf("%w: undecodable transaction: %v", domain.ErrChainAdapter, err)
	}
	if err := a.client.SendTransaction(ctx, &parsed); err != nil {
		// A resubmitted transaction is already in the pool or mined; treat
		// it as success since the hash is identical.
		if strings.Contains(strings.ToLower(err.Error()), "already known") {
			return parsed.Hash().Hex(), nil
		}
		return "", adapterErr(err)
	}
	return parsed.Hash().Hex(), nil
}

func (a *EthereumAdapter) ConfirmationsOf(ctx context.Context, txID string) (int, error) {
	receipt, err := a.client.TransactionReceipt(ctx, common.HexToHash(txID))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return 0, ErrTxNotFound
		}
		return 0, adapterErr(err)
	}
	tip, err := a.TipHeight(ctx)
	if err != nil {
		return 0, err
	}
	return int(tip - receipt.BlockNumber.Int64() + 1), nil
}

// EstimateFee prices a plain transfer at the suggested gas price.
func (a *EthereumAdapter) EstimateFee(ctx context.Context, shape domain.TxShape) (decimal.Decimal, error) {
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return decimal.Zero, adapterErr(err)
	}
	wei := new(big.Int).Mul(gasPrice, big.NewInt(ethTransferGas))
	return decimal.NewFromBigInt(wei, -weiDecimals), nil
}

// Close releases the underlying RPC connection.
func (a *EthereumAdapter) Close() {
	a.client.Close()
}
