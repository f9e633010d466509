package domain

import (
	"encoding/json"
	"time"
)

// PaymentEvent is a verified, normalised payment notification
type PaymentEvent struct {
	EventID    string          `json:"event_id"`
	EventName  string          `json:"event_name"`
	VariantID  string          `json:"variant_id"`
	PayerEmail string          `json:"payer_email"`
	Raw        json.RawMessage `json:"-"`
}

// BillingEvent is the audit record of a processed payment notification, unique by EventID
type BillingEvent struct {
	ID          string          `json:"id" db:"id"`
	EventID     string          `json:"event_id" db:"event_id"`
	EventType   string          `json:"event_type" db:"event_type"`
	SubmitterID string          `json:"submitter_id" db:"submitter_id"`
	Credits     int64           `json:"credits" db:"credits"`
	Payload     json.RawMessage `json:"payload,omitempty" db:"payload"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// GrantOutcome is the business result of a payment event
type GrantOutcome struct {
	Granted bool   `json:"granted"`
	Reason  string `json:"reason,omitempty"`
	Balance *int64 `json:"balance,omitempty"`
}

// Grant outcome reasons
const (
	ReasonApplied        = "credits_applied"
	ReasonDuplicateEvent = "duplicate_event"
	ReasonVariantIgnored = "variant_ignored"
)
