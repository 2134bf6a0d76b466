/**
 * @description
 * XRP Ledger (consensus-ledger) chain adapter over the XRPL JSON-RPC HTTP
 * API. A transaction in a validated ledger is final, so confirmation depth
 * caps at 1: the adapter reports 1 for validated transactions and 0
 * otherwise.
 *
 * @notes
 * - Amounts on the wire are integer drops (1 XRP = 1,000,000 drops).
 */

package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/anypay/settlement-engine/internal/domain"
)

const dropDecimals = 6

// XRPLAdapter implements Adapter for the XRP Ledger rail.
type XRPLAdapter struct {
	endpoint string
	client   *http.Client
}

// NewXRPLAdapter creates an adapter for an XRPL JSON-RPC endpoint.
func NewXRPLAdapter(endpoint string) *XRPLAdapter {
	return &XRPLAdapter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (a *XRPLAdapter) Rail() string { return domain.RailXRPL }

// FinalityDepth is 1: validated means final.
func (a *XRPLAdapter) FinalityDepth() int { return 1 }

type xrplRequest struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

func (a *XRPLAdapter) call(ctx context.Context, method string, params interface{}, result interface{}) error {
	body, err := json.Marshal(xrplRequest{Method: method, Params: []interface{}{params}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return adapterErr(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: xrpl rpc status %d", domain.ErrChainAdapter, resp.StatusCode)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return adapterErr(err)
	}
	return json.Unmarshal(envelope.Result, result)
}

type xrplLedgerResult struct {
	Status      string `json:"status"`
	LedgerIndex int64  `json:"ledger_index"`
	LedgerHash  string `json:"ledger_hash"`
	Ledger      struct {
		LedgerHash string `json:"ledger_hash"`
	} `json:"ledger"`
}

func (a *XRPLAdapter) TipHeight(ctx context.Context) (int64, error) {
	var res xrplLedgerResult
	err := a.call(ctx, "ledger", map[string]interface{}{"ledger_index": "validated"}, &res)
	if err != nil {
		return 0, err
	}
	if res.Status == "error" {
		return 0, fmt.Errorf("%w: xrpl ledger query failed", domain.ErrChainAdapter)
	}
	return res.LedgerIndex, nil
}

func (a *XRPLAdapter) BlockRefAt(ctx context.Context, height int64) (domain.BlockRef, error) {
	var res xrplLedgerResult
	err := a.call(ctx, "ledger", map[string]interface{}{"ledger_index": height}, &res)
	if err != nil {
		return domain.BlockRef{}, err
	}
	hash := res.LedgerHash
	if hash == "" {
		hash = res.Ledger.LedgerHash
	}
	if hash == "" {
		return domain.BlockRef{}, fmt.Errorf("%w: ledger %d not found", domain.ErrChainAdapter, height)
	}
	return domain.BlockRef{Height: height, Hash: hash}, nil
}

type xrplAccountTxResult struct {
	Status       string `json:"status"`
	Transactions []struct {
		Validated bool `json:"validated"`
		Tx        struct {
			Hash            string      `json:"hash"`
			TransactionType string      `json:"TransactionType"`
			Destination     string      `json:"Destination"`
			LedgerIndex     int64       `json:"ledger_index"`
			Amount          interface{} `json:"Amount"`
		} `json:"tx"`
		Meta struct {
			DeliveredAmount interface{} `json:"delivered_amount"`
			Result          string      `json:"TransactionResult"`
		} `json:"meta"`
	} `json:"transactions"`
}

// QueryIncoming lists validated payments to the address at or above the
// given ledger index.
func (a *XRPLAdapter) QueryIncoming(ctx context.Context, address string, sinceHeight int64) ([]Observation, error) {
	var res xrplAccountTxResult
	err := a.call(ctx, "account_tx", map[string]interface{}{
		"account":          address,
		"ledger_index_min": sinceHeight,
		"ledger_index_max": -1,
		"forward":          true,
	}, &res)
	if err != nil {
		return nil, err
	}
	if res.Status == "error" {
		// An unfunded account has no transaction history yet.
		return nil, nil
	}

	var out []Observation
	for _, entry := range res.Transactions {
		if !entry.Validated || entry.Tx.TransactionType != "Payment" || entry.Tx.Destination != address {
			continue
		}
		if entry.Meta.Result != "" && entry.Meta.Result != "tesSUCCESS" {
			continue
		}
		amount, ok := dropsToDecimal(entry.Meta.DeliveredAmount)
		if !ok {
			// Issued-currency payments carry object amounts; only native XRP
			// settles this rail.
			continue
		}
		ref, err := a.BlockRefAt(ctx, entry.Tx.LedgerIndex)
		if err != nil {
			return nil, err
		}
		out = append(out, Observation{
			TxID:          entry.Tx.Hash,
			Amount:        amount,
			Block:         ref,
			Confirmations: 1,
		})
	}
	return out, nil
}

func dropsToDecimal(v interface{}) (decimal.Decimal, bool) {
	s, ok := v.(string)
	if !ok {
		return decimal.Zero, false
	}
	drops, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return drops.Shift(-dropDecimals), true
}

type xrplSubmitResult struct {
	Status          string `json:"status"`
	EngineResult    string `json:"engine_result"`
	TxJSON          struct {
		Hash string `json:"hash"`
	} `json:"tx_json"`
}

// Broadcast submits a signed transaction blob. Resubmitting the same blob
// yields tefPAST_SEQ/tefALREADY for an applied transaction, which is treated
// as success.
func (a *XRPLAdapter) Broadcast(ctx context.Context, tx domain.SignedTx) (string, error) {
	var res xrplSubmitResult
	err := a.call(ctx, "submit", map[string]interface{}{
		"tx_blob": hex.EncodeToString(tx.Raw),
	}, &res)
	if err != nil {
		return "", err
	}
	switch res.EngineResult {
	case "tesSUCCESS", "terQUEUED", "tefALREADY", "tefPAST_SEQ":
		if res.TxJSON.Hash != "" {
			return res.TxJSON.Hash, nil
		}
		return tx.TxID, nil
	default:
		return "", fmt.Errorf("%w: submit rejected: %s", domain.ErrChainAdapter, res.EngineResult)
	}
}

type xrplTxResult struct {
	Status    string `json:"status"`
	Validated bool   `json:"validated"`
	ErrorCode string `json:"error"`
}

func (a *XRPLAdapter) ConfirmationsOf(ctx context.Context, txID string) (int, error) {
	var res xrplTxResult
	err := a.call(ctx, "tx", map[string]interface{}{"transaction": txID}, &res)
	if err != nil {
		return 0, err
	}
	if res.ErrorCode == "txnNotFound" || res.Status == "error" {
		return 0, ErrTxNotFound
	}
	if res.Validated {
		return 1, nil
	}
	return 0, nil
}

type xrplFeeResult struct {
	Drops struct {
		OpenLedgerFee string `json:"open_ledger_fee"`
		BaseFee       string `json:"base_fee"`
	} `json:"drops"`
}

// EstimateFee reports the open-ledger fee, falling back to the base fee.
func (a *XRPLAdapter) EstimateFee(ctx context.Context, shape domain.TxShape) (decimal.Decimal, error) {
	var res xrplFeeResult
	if err := a.call(ctx, "fee", map[string]interface{}{}, &res); err != nil {
		return decimal.Zero, err
	}
	if fee, ok := dropsToDecimal(res.Drops.OpenLedgerFee); ok {
		return fee, nil
	}
	if fee, ok := dropsToDecimal(res.Drops.BaseFee); ok {
		return fee, nil
	}
	return decimal.Zero, fmt.Errorf("%w: fee query returned no usable fee", domain.ErrChainAdapter)
}
