// Package psp implements the thin external-collaborator contract for the
// payment processor webhook. Subscription billing
// itself (checkout, invoicing for the PSP's own subscription product,
// card retries) is out of core scope; only the HMAC-signed
// status-mutation contract lives here.
package psp

import (
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"usagemeter/internal/platform/logging"
)

// SubscriptionStatus mirrors the PSP's subscription lifecycle states.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "ACTIVE"
	SubscriptionCanceled SubscriptionStatus = "CANCELED"
	SubscriptionPastDue  SubscriptionStatus = "PAST_DUE"
	SubscriptionTrialing SubscriptionStatus = "TRIALING"
	SubscriptionUnpaid   SubscriptionStatus = "UNPAID"
)

// timestampTolerance bounds how stale a signed webhook timestamp may be
// before it is rejected, mirroring the 5-minute Stripe tolerance.
const timestampTolerance = 5 * time.Minute

// ErrInvalidSignature is returned when no provided signature matches.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// ErrStaleTimestamp is returned when the signed timestamp is outside the
// tolerance window.
var ErrStaleTimestamp = errors.New("webhook timestamp outside tolerance")

// Event is the minimal subscription-status mutation this core cares
// about; everything else in the PSP's payload is the dashboard/CLI's
// concern, not the core's.
type Event struct {
	SubscriptionID string
	OrganizationID string
	Status         SubscriptionStatus
}

// Handler verifies and applies PSP subscription webhooks.
type Handler struct {
	db     *sql.DB
	secret string
	logger logging.Logger
}

// New constructs a Handler with the configured webhook secret.
func New(db *sql.DB, secret string, logger logging.Logger) *Handler {
	return &Handler{db: db, secret: secret, logger: logger}
}

// VerifySignature checks an HMAC-SHA256 signature over "timestamp.payload":
// constant time comparison, bounded timestamp tolerance, comma-separated
// candidate signatures.
func (h *Handler) VerifySignature(payload []byte, timestamp, signature string) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("parse timestamp: %w", err)
	}
	if abs(time.Now().Unix()-ts) > int64(timestampTolerance.Seconds()) {
		return ErrStaleTimestamp
	}

	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write([]byte(timestamp + "." + string(payload)))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range strings.Split(signature, ",") {
		if hmac.Equal([]byte(expected), []byte(strings.TrimSpace(sig))) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// ApplySubscriptionStatus persists the PSP's subscription status change.
// Subscriptions are an external-collaborator concept; the core only
// tracks the status column referenced by dashboard/billing UIs.
func (h *Handler) ApplySubscriptionStatus(event Event) error {
	_, err := h.db.Exec(`
		UPDATE organizations SET subscription_status = $1, updated_at = now()
		WHERE id = $2
	`, event.Status, event.OrganizationID)
	if err != nil {
		return fmt.Errorf("apply subscription status: %w", err)
	}
	if h.logger != nil {
		h.logger.WithFields(logging.Fields{
			"organization_id": event.OrganizationID,
			"subscription_id": event.SubscriptionID,
			"status":          event.Status,
		}).Info("subscription status updated from PSP webhook")
	}
	return nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
