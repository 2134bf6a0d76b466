package chain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/anypay/settlement-engine/internal/domain"
)

// fakeXRPL serves canned JSON-RPC responses keyed by method name.
func fakeXRPL(t *testing.T, responses map[string]interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		result, ok := responses[req.Method]
		if !ok {
			t.Errorf("unexpected rpc method %q", req.Method)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"result": result})
	}))
}

func TestXRPLAdapter_TipHeight(t *testing.T) {
	server := fakeXRPL(t, map[string]interface{}{
		"ledger": map[string]interface{}{
			"status":       "success",
			"ledger_index": int64(80000123),
			"ledger_hash":  "ABCDEF",
		},
	})
	defer server.Close()

	a := NewXRPLAdapter(server.URL)
	tip, err := a.TipHeight(context.Background())
	if err != nil {
		t.Fatalf("tip height: %v", err)
	}
	if tip != 80000123 {
		t.Fatalf("tip = %d, want 80000123", tip)
	}
}

func TestXRPLAdapter_QueryIncomingFiltersNonPayments(t *testing.T) {
	const address = "rReceiverAddress"
	server := fakeXRPL(t, map[string]interface{}{
		"account_tx": map[string]interface{}{
			"status": "success",
			"transactions": []map[string]interface{}{
				{
					"validated": true,
					"tx": map[string]interface{}{
						"hash":            "TX1",
						"TransactionType": "Payment",
						"Destination":     address,
						"ledger_index":    int64(100),
						"Amount":          "25000000",
					},
					"meta": map[string]interface{}{
						"delivered_amount":  "25000000",
						"TransactionResult": "tesSUCCESS",
					},
				},
				{
					// Unvalidated payments are ignored.
					"validated": false,
					"tx": map[string]interface{}{
						"hash":            "TX2",
						"TransactionType": "Payment",
						"Destination":     address,
						"ledger_index":    int64(101),
					},
					"meta": map[string]interface{}{"delivered_amount": "1000000"},
				},
				{
					// Trust-line operations are not deposits.
					"validated": true,
					"tx": map[string]interface{}{
						"hash":            "TX3",
						"TransactionType": "TrustSet",
						"Destination":     address,
						"ledger_index":    int64(102),
					},
					"meta": map[string]interface{}{},
				},
				{
					// Issued-currency amounts arrive as objects; only native
					// XRP settles this rail.
					"validated": true,
					"tx": map[string]interface{}{
						"hash":            "TX4",
						"TransactionType": "Payment",
						"Destination":     address,
						"ledger_index":    int64(103),
					},
					"meta": map[string]interface{}{
						"delivered_amount": map[string]interface{}{
							"currency": "USD", "value": "10",
						},
						"TransactionResult": "tesSUCCESS",
					},
				},
			},
		},
		"ledger": map[string]interface{}{
			"status":       "success",
			"ledger_index": int64(100),
			"ledger_hash":  "LEDGERHASH100",
		},
	})
	defer server.Close()

	a := NewXRPLAdapter(server.URL)
	obs, err := a.QueryIncoming(context.Background(), address, 90)
	if err != nil {
		t.Fatalf("query incoming: %v", err)
	}
	if len(obs) != 1 {
		t.Fatalf("observations = %d, want 1", len(obs))
	}
	if obs[0].TxID != "TX1" {
		t.Fatalf("txid = %s, want TX1", obs[0].TxID)
	}
	if !obs[0].Amount.Equal(decimal.RequireFromString("25")) {
		t.Fatalf("amount = %s, want 25", obs[0].Amount)
	}
	if obs[0].Confirmations != 1 {
		t.Fatalf("validated payment must report exactly 1 confirmation, got %d", obs[0].Confirmations)
	}
}

func TestXRPLAdapter_QueryIncomingUnfundedAccount(t *testing.T) {
	server := fakeXRPL(t, map[string]interface{}{
		"account_tx": map[string]interface{}{"status": "error", "error": "actNotFound"},
	})
	defer server.Close()

	a := NewXRPLAdapter(server.URL)
	obs, err := a.QueryIncoming(context.Background(), "rFreshAddress", 0)
	if err != nil {
		t.Fatalf("unfunded account must not error: %v", err)
	}
	if len(obs) != 0 {
		t.Fatalf("observations = %d, want 0", len(obs))
	}
}

func TestXRPLAdapter_ConfirmationsOf(t *testing.T) {
	server := fakeXRPL(t, map[string]interface{}{
		"tx": map[string]interface{}{"status": "success", "validated": true},
	})
	defer server.Close()

	a := NewXRPLAdapter(server.URL)
	confs, err := a.ConfirmationsOf(context.Background(), "TX1")
	if err != nil {
		t.Fatalf("confirmations: %v", err)
	}
	if confs != 1 {
		t.Fatalf("confs = %d, want 1", confs)
	}
}

func TestXRPLAdapter_ConfirmationsOfUnknownTx(t *testing.T) {
	server := fakeXRPL(t, map[string]interface{}{
		"tx": map[string]interface{}{"status": "error", "error": "txnNotFound"},
	})
	defer server.Close()

	a := NewXRPLAdapter(server.URL)
	_, err := a.ConfirmationsOf(context.Background(), "MISSING")
	if !errors.Is(err, ErrTxNotFound) {
		t.Fatalf("expected ErrTxNotFound, got %v", err)
	}
}

func TestXRPLAdapter_BroadcastTreatsAppliedAsSuccess(t *testing.T) {
	server := fakeXRPL(t, map[string]interface{}{
		"submit": map[string]interface{}{
			"status":        "success",
			"engine_result": "tefPAST_SEQ",
		},
	})
	defer server.Close()

	a := NewXRPLAdapter(server.URL)
	txID, err := a.Broadcast(context.Background(), domain.SignedTx{
		Rail: domain.RailXRPL,
		TxID: "STABLETXID",
		Raw:  []byte("blob"),
	})
	if err != nil {
		t.Fatalf("resubmission of an applied tx must succeed: %v", err)
	}
	if txID != "STABLETXID" {
		t.Fatalf("txid = %s, want the signer's stable id", txID)
	}
}

func TestXRPLAdapter_BroadcastRejection(t *testing.T) {
	server := fakeXRPL(t, map[string]interface{}{
		"submit": map[string]interface{}{
			"status":        "success",
			"engine_result": "temBAD_FEE",
		},
	})
	defer server.Close()

	a := NewXRPLAdapter(server.URL)
	_, err := a.Broadcast(context.Background(), domain.SignedTx{Rail: domain.RailXRPL, Raw: []byte("blob")})
	if !errors.Is(err, domain.ErrChainAdapter) {
		t.Fatalf("expected ErrChainAdapter, got %v", err)
	}
}

func TestXRPLAdapter_EstimateFeeFallsBackToBaseFee(t *testing.T) {
	server := fakeXRPL(t, map[string]interface{}{
		"fee": map[string]interface{}{
			"drops": map[string]interface{}{"base_fee": "10"},
		},
	})
	defer server.Close()

	a := NewXRPLAdapter(server.URL)
	fee, err := a.EstimateFee(context.Background(), domain.TxShape{Rail: domain.RailXRPL})
	if err != nil {
		t.Fatalf("estimate fee: %v", err)
	}
	if !fee.Equal(decimal.RequireFromString("0.00001")) {
		t.Fatalf("fee = %s, want 0.00001", fee)
	}
}
