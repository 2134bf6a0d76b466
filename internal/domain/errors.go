/**
 * @description
 * Sentinel errors for the settlement engine. Callers classify failures with
 * errors.Is and decide between synchronous rejection, bounded retry, and
 * operator escalation.
 */

package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation rejects malformed terms synchronously. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrAllocation means the wallet authority could not derive an address
	// (unreachable or namespace exhausted). Retryable with backoff.
	ErrAllocation = errors.New("allocation error")

	// ErrChainAdapter wraps RPC and network failures from a chain adapter.
	// Retryable; never mutates payment state.
	ErrChainAdapter = errors.New("chain adapter error")

	// ErrReorgAnomaly is raised when a rollback would touch a Confirmed or
	// Settled payment. Surfaced for operator reconciliation, never applied
	// silently.
	ErrReorgAnomaly = errors.New("reorg anomaly")

	// ErrSettledRollbackAnomaly is the terminal-state variant of
	// ErrReorgAnomaly: chain evidence contradicts an already settled payment.
	// It wraps ErrReorgAnomaly, so callers escalating on any reorg anomaly
	// match it with a single errors.Is.
	ErrSettledRollbackAnomaly = fmt.Errorf("%w: rollback against settled payment", ErrReorgAnomaly)

	// ErrDeliveryFailed marks a notification that exhausted its retries and
	// was parked for replay.
	ErrDeliveryFailed = errors.New("notification delivery failed")

	// ErrUnknownHandle is returned by the wallet authority for a derivation
	// handle it never issued. Fatal to the requesting operation.
	ErrUnknownHandle = errors.New("unknown derivation handle")

	// ErrSigningRefused is a wallet authority integrity refusal. Logged,
	// never retried blindly.
	ErrSigningRefused = errors.New("signing refused")

	// ErrTerminalState rejects mutations of settled/expired/failed payments.
	ErrTerminalState = errors.New("payment is in a terminal state")

	// ErrNotFound is the generic missing-record error for payments,
	// merchants, and allocations.
	ErrNotFound = errors.New("not found")

	// ErrStaleWrite means a payment update lost a version race with a
	// concurrent writer. The caller re-reads and reapplies.
	ErrStaleWrite = errors.New("stale write: payment was modified concurrently")

	// ErrIdempotencyConflict means an idempotency key was reused with
	// different terms.
	ErrIdempotencyConflict = errors.New("idempotency key reused with different terms")

	// ErrCancelNotAllowed rejects cancellation of a payment that already has
	// an allocated address.
	ErrCancelNotAllowed = errors.New("payment can only be cancelled before allocation")
)
