package domain

import "time"

// EntryKind is the kind of ledger mutation recorded for a unique key
type EntryKind string

const (
	EntryReserve EntryKind = "reserve"
	EntryDebit   EntryKind = "debit"
	EntryRefund  EntryKind = "refund"
	EntryGrant   EntryKind = "grant"
	EntryRelease EntryKind = "release"
)

// LedgerAccount holds a submitter's credit balance. Balance never drops below zero.
type LedgerAccount struct {
	SubmitterID string    `json:"submitter_id" db:"submitter_id"`
	Balance     int64     `json:"balance" db:"balance"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// LedgerEntry records one applied mutation, unique per (SubmitterID, UniqueKey, Kind)
type LedgerEntry struct {
	ID           string    `json:"id" db:"id"`
	SubmitterID  string    `json:"submitter_id" db:"submitter_id"`
	UniqueKey    string    `json:"unique_key" db:"unique_key"`
	Kind         EntryKind `json:"kind" db:"kind"`
	Amount       int64     `json:"amount" db:"amount"`
	BalanceAfter int64     `json:"balance_after" db:"balance_after"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// ReservationStatus tracks an outstanding hold
type ReservationStatus string

const (
	ReservationHeld     ReservationStatus = "held"
	ReservationConsumed ReservationStatus = "consumed"
	ReservationReleased ReservationStatus = "released"
)

// Reservation is an optimistic hold against future use
type Reservation struct {
	SubmitterID string            `json:"submitter_id" db:"submitter_id"`
	UniqueKey   string            `json:"unique_key" db:"unique_key"`
	Amount      int64             `json:"amount" db:"amount"`
	Status      ReservationStatus `json:"status" db:"status"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
}

// LedgerResult is returned by every ledger operation. Applied is false for replays.
type LedgerResult struct {
	Balance int64 `json:"balance"`
	Applied bool  `json:"applied"`
}
