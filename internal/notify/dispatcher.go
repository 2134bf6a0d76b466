/**
 * @description
 * Webhook delivery for payment lifecycle transitions. Each delivery is
 * signed with the merchant's webhook secret (HMAC-SHA256 over the exact
 * body) and retried with exponential backoff; an exhausted delivery is
 * parked for replay and never affects settlement correctness.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha256: Signature header the merchant can verify.
 * - internal/store: Merchant settings and parked deliveries.
 */

package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/anypay/settlement-engine/internal/domain"
	"github.com/anypay/settlement-engine/internal/store"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Settlement-Signature"

// Dispatcher delivers transition webhooks.
type Dispatcher struct {
	repo        store.Repository
	client      *http.Client
	maxAttempts int
	baseDelay   time.Duration
}

// NewDispatcher builds a dispatcher with bounded retry.
func NewDispatcher(repo store.Repository, maxAttempts int, baseDelay time.Duration) *Dispatcher {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	return &Dispatcher{
		repo:        repo,
		client:      &http.Client{Timeout: 10 * time.Second},
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
	}
}

// Notify delivers one transition to the merchant's webhook endpoint,
// retrying with exponential backoff. On exhaustion the delivery is parked
// and ErrDeliveryFailed returned.
func (d *Dispatcher) Notify(ctx context.Context, ev domain.TransitionEvent) error {
	merchant, err := d.repo.GetMerchant(ctx, ev.MerchantID)
	if err != nil {
		return fmt.Errorf("load merchant %s: %w", ev.MerchantID, err)
	}
	if merchant.WebhookURL == "" {
		return nil
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := d.baseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if lastErr = d.deliver(ctx, merchant, body); lastErr == nil {
			return nil
		}
		log.Printf("notify: delivery attempt %d/%d for payment %s failed: %v",
			attempt+1, d.maxAttempts, ev.PaymentID, lastErr)
	}

	parked := &domain.ParkedNotification{
		ID:         uuid.New(),
		MerchantID: ev.MerchantID,
		PaymentID:  ev.PaymentID,
		Event:      ev,
		Attempts:   d.maxAttempts,
		LastError:  lastErr.Error(),
		ParkedAt:   time.Now().UTC(),
	}
	if err := d.repo.ParkNotification(ctx, parked); err != nil {
		log.Printf("notify: failed to park delivery for payment %s: %v", ev.PaymentID, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrDeliveryFailed, lastErr)
}

func (d *Dispatcher) deliver(ctx context.Context, merchant *domain.Merchant, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, merchant.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(merchant.WebhookSecret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Replay re-delivers a parked notification once and marks it replayed on
// success.
func (d *Dispatcher) Replay(ctx context.Context, id uuid.UUID) error {
	parked, err := d.repo.GetParkedNotification(ctx, id)
	if err != nil {
		return err
	}
	merchant, err := d.repo.GetMerchant(ctx, parked.MerchantID)
	if err != nil {
		return err
	}
	body, err := json.Marshal(parked.Event)
	if err != nil {
		return err
	}
	if err := d.deliver(ctx, merchant, body); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDeliveryFailed, err)
	}
	return d.repo.MarkNotificationReplayed(ctx, id)
}

// Sign computes the hex HMAC-SHA256 a merchant recomputes to authenticate a
// webhook body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
