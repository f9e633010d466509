package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cuongbtq/listing-pipeline/internal/api/dto"
	"github.com/cuongbtq/listing-pipeline/internal/domain"
	"github.com/gin-gonic/gin"
)

// CreditHandler exposes the ledger as named atomic operations
type CreditHandler struct {
	logger *slog.Logger
	ledger CreditLedger
	store  Store
}

func NewCreditHandler(deps *Dependencies) *CreditHandler {
	return &CreditHandler{
		logger: deps.Logger,
		ledger: deps.Ledger,
		store:  deps.Store,
	}
}

type ledgerOp func(ctx context.Context, submitterID, uniqueKey string, amount int64) (domain.LedgerResult, error)

func (h *CreditHandler) Reserve(c *gin.Context) { h.apply(c, "reserve", h.ledger.Reserve) }
func (h *CreditHandler) Debit(c *gin.Context)   { h.apply(c, "debit", h.ledger.Debit) }
func (h *CreditHandler) Refund(c *gin.Context)  { h.apply(c, "refund", h.ledger.Refund) }
func (h *CreditHandler) Grant(c *gin.Context)   { h.apply(c, "grant", h.ledger.Grant) }

func (h *CreditHandler) Release(c *gin.Context) {
	h.apply(c, "release", func(ctx context.Context, submitterID, uniqueKey string, _ int64) (domain.LedgerResult, error) {
		return h.ledger.Release(ctx, submitterID, uniqueKey)
	})
}

func (h *CreditHandler) apply(c *gin.Context, op string, fn ledgerOp) {
	var req dto.LedgerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, op, domain.NewValidationError("body", err.Error()))
		return
	}

	result, err := fn(c.Request.Context(), req.UserID, req.UniqueKey, req.Amount)
	if err != nil {
		respondError(c, h.logger, op, err)
		return
	}

	c.JSON(http.StatusOK, dto.LedgerResponse{Balance: result.Balance, Applied: result.Applied})
}

// CreditDebit handles POST /api/v1/credit-debit
// action "refund" refunds; "reserve" and "debit" charge. Amount defaults to 1.
func (h *CreditHandler) CreditDebit(c *gin.Context) {
	var req dto.CreditDebitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, "credit_debit", domain.NewValidationError("body", err.Error()))
		return
	}

	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.UniqueKey) == "" {
		respondError(c, h.logger, "credit_debit", domain.NewValidationError("user_id", "user_id and unique_key required"))
		return
	}

	amount := int64(1)
	if req.Amount != nil {
		amount = *req.Amount
	}

	var fn ledgerOp
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "refund":
		fn = h.ledger.Refund
	case "reserve", "debit", "":
		fn = h.ledger.Debit
	default:
		respondError(c, h.logger, "credit_debit", domain.NewValidationError("action", "must be reserve, debit or refund"))
		return
	}

	result, err := fn(c.Request.Context(), req.UserID, req.UniqueKey, amount)
	if err != nil {
		respondError(c, h.logger, "credit_debit", err)
		return
	}

	c.JSON(http.StatusOK, dto.LedgerResponse{Balance: result.Balance, Applied: result.Applied})
}

// Balance handles GET /api/v1/credits/:user_id
func (h *CreditHandler) Balance(c *gin.Context) {
	userID := c.Param("user_id")
	balance, err := h.ledger.Balance(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, "balance", err)
		return
	}
	c.JSON(http.StatusOK, dto.BalanceResponse{UserID: userID, Balance: balance})
}

// Entries handles GET /api/v1/credits/:user_id/entries
func (h *CreditHandler) Entries(c *gin.Context) {
	userID := c.Param("user_id")
	entries, err := h.store.ListEntries(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, "entries", domain.NewUpstreamError(err))
		return
	}

	resp := dto.ListEntriesResponse{UserID: userID, Entries: make([]dto.EntryDTO, len(entries))}
	for i, e := range entries {
		resp.Entries[i] = dto.NewEntryDTO(e)
	}
	c.JSON(http.StatusOK, resp)
}

// UpsertProfile handles PUT /api/v1/profiles/:user_id
func (h *CreditHandler) UpsertProfile(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))

	var req dto.UpsertProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, "upsert_profile", domain.NewValidationError("email", err.Error()))
		return
	}
	email := strings.TrimSpace(req.Email)
	if userID == "" || !strings.Contains(email, "@") {
		respondError(c, h.logger, "upsert_profile", domain.NewValidationError("email", "must be an email address"))
		return
	}

	if err := h.store.UpsertProfile(c.Request.Context(), userID, email); err != nil {
		respondError(c, h.logger, "upsert_profile", domain.NewUpstreamError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"user_id": userID, "email": strings.ToLower(email)})
}
