package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestTransitionEvent_DedupKeySeparatesStateReentries(t *testing.T) {
	paymentID := uuid.New()
	base := TransitionEvent{
		PaymentID:       paymentID,
		State:           StateConfirming,
		ObservedAmount:  decimal.RequireFromString("1.0"),
		RequestedAmount: decimal.RequireFromString("1.0"),
		Currency:        "BTC",
		Timestamp:       time.Now().UTC(),
	}

	// A broker redelivery is the identical payload and must collapse to one
	// notification.
	redelivered := base
	if base.DedupKey() != redelivered.DedupKey() {
		t.Fatal("redelivered event must keep the same dedup key")
	}

	// A rollback can send a payment through the same state twice. The second
	// pass is a distinct transition and must be notified.
	reentry := base
	reentry.Timestamp = base.Timestamp.Add(90 * time.Second)
	if base.DedupKey() == reentry.DedupKey() {
		t.Fatal("a later re-entry into the same state must carry a new dedup key")
	}

	other := base
	other.PaymentID = uuid.New()
	if base.DedupKey() == other.DedupKey() {
		t.Fatal("dedup keys must be scoped per payment")
	}
}

func TestChainEvent_DedupKeySeparatesRollbackFromDeposit(t *testing.T) {
	ev := ChainEvent{
		Rail:     RailBitcoin,
		Address:  "bc1qaddr",
		TxID:     "tx1",
		Amount:   decimal.RequireFromString("0.5"),
		Sequence: 7,
	}
	deposit := ev.DedupKey()
	ev.Rollback = true
	if deposit == ev.DedupKey() {
		t.Fatal("a rollback of a transaction must not dedup against its deposit")
	}
}
