package dto

import (
	"time"

	"github.com/cuongbtq/listing-pipeline/internal/domain"
)

// LedgerRequest is the body of the named ledger operations. Amount is ignored by release.
type LedgerRequest struct {
	UserID    string `json:"user_id"`
	UniqueKey string `json:"unique_key"`
	Amount    int64  `json:"amount"`
}

// CreditDebitRequest is the action-style ledger call; Amount defaults to 1
type CreditDebitRequest struct {
	Action    string `json:"action"`
	UserID    string `json:"user_id"`
	UniqueKey string `json:"unique_key"`
	Amount    *int64 `json:"amount"`
}

type LedgerResponse struct {
	Balance int64 `json:"balance"`
	Applied bool  `json:"applied"`
}

type BalanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

type EntryDTO struct {
	ID           string `json:"id"`
	UniqueKey    string `json:"unique_key"`
	Kind         string `json:"kind"`
	Amount       int64  `json:"amount"`
	BalanceAfter int64  `json:"balance_after"`
	CreatedAt    string `json:"created_at"`
}

type ListEntriesResponse struct {
	UserID  string     `json:"user_id"`
	Entries []EntryDTO `json:"entries"`
}

func NewEntryDTO(e domain.LedgerEntry) EntryDTO {
	return EntryDTO{
		ID:           e.ID,
		UniqueKey:    e.UniqueKey,
		Kind:         string(e.Kind),
		Amount:       e.Amount,
		BalanceAfter: e.BalanceAfter,
		CreatedAt:    e.CreatedAt.Format(time.RFC3339),
	}
}

type UpsertProfileRequest struct {
	Email string `json:"email" binding:"required"`
}

// WebhookResponse acknowledges receipt separately from whether credits were applied
type WebhookResponse struct {
	Received bool   `json:"received"`
	Granted  bool   `json:"granted"`
	Reason   string `json:"reason,omitempty"`
	Balance  *int64 `json:"balance,omitempty"`
}
