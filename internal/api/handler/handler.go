package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/listing-pipeline/internal/admission"
	"github.com/cuongbtq/listing-pipeline/internal/domain"
	"github.com/gin-gonic/gin"
)

// Store is the read and bookkeeping surface the HTTP layer needs from persistence
type Store interface {
	Ping(ctx context.Context) error
	CreateBatch(ctx context.Context, batch *domain.Batch) (*domain.Batch, error)
	GetBatch(ctx context.Context, batchID string) (*domain.Batch, error)
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error)
	ListEntries(ctx context.Context, submitterID string) ([]domain.LedgerEntry, error)
	UpsertProfile(ctx context.Context, submitterID, email string) error
}

// Admitter turns a parsed payload into queued jobs
type Admitter interface {
	Admit(ctx context.Context, batchID, submitterID string, src admission.RowSource, jobCap int) (*admission.Result, error)
}

// PayloadFetcher downloads a tabular payload by URL
type PayloadFetcher interface {
	Fetch(ctx context.Context, fileURL string) ([]byte, error)
}

// CreditLedger is the ledger RPC surface
type CreditLedger interface {
	Reserve(ctx context.Context, submitterID, uniqueKey string, amount int64) (domain.LedgerResult, error)
	Debit(ctx context.Context, submitterID, uniqueKey string, amount int64) (domain.LedgerResult, error)
	Refund(ctx context.Context, submitterID, uniqueKey string, amount int64) (domain.LedgerResult, error)
	Grant(ctx context.Context, submitterID, uniqueKey string, amount int64) (domain.LedgerResult, error)
	Release(ctx context.Context, submitterID, uniqueKey string) (domain.LedgerResult, error)
	Balance(ctx context.Context, submitterID string) (int64, error)
}

// EventGranter applies a verified payment event
type EventGranter interface {
	HandleEvent(ctx context.Context, event domain.PaymentEvent) (*domain.GrantOutcome, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger        *slog.Logger
	ServiceName   string
	Store         Store
	Admission     Admitter
	Fetcher       PayloadFetcher
	Ledger        CreditLedger
	Granter       EventGranter
	SigningSecret []byte
	// JobCap bounds the jobs one dispatch may create
	JobCap int
	// MaxPayloadBytes bounds inline CSV and webhook bodies
	MaxPayloadBytes int64
	// MetricsHandler serves /metrics when set
	MetricsHandler http.Handler
}

// HealthHandler reports liveness and store reachability
type HealthHandler struct {
	logger  *slog.Logger
	service string
	store   Store
}

func NewHealthHandler(deps *Dependencies) *HealthHandler {
	return &HealthHandler{logger: deps.Logger, service: deps.ServiceName, store: deps.Store}
}

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		h.logger.Error("Health check failed", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"service": h.service,
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": h.service,
	})
}
