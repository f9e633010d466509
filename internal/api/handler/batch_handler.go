package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/listing-pipeline/internal/api/dto"
	"github.com/cuongbtq/listing-pipeline/internal/domain"
	"github.com/cuongbtq/listing-pipeline/internal/ingest"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// BatchHandler creates batches and admits their payloads
type BatchHandler struct {
	logger          *slog.Logger
	store           Store
	admission       Admitter
	fetcher         PayloadFetcher
	jobCap          int
	maxPayloadBytes int64
}

func NewBatchHandler(deps *Dependencies) *BatchHandler {
	return &BatchHandler{
		logger:          deps.Logger,
		store:           deps.Store,
		admission:       deps.Admission,
		fetcher:         deps.Fetcher,
		jobCap:          deps.JobCap,
		maxPayloadBytes: deps.MaxPayloadBytes,
	}
}

// CreateBatch handles POST /api/v1/batches
// Creating a batch whose id already exists returns the stored batch.
func (h *BatchHandler) CreateBatch(c *gin.Context) {
	var req dto.CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, "create_batch", domain.NewValidationError("body", err.Error()))
		return
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		respondError(c, h.logger, "create_batch", domain.NewValidationError("user_id", "is required"))
		return
	}

	batchID := strings.TrimSpace(req.BatchID)
	if batchID == "" {
		batchID = uuid.New().String()
	}

	now := time.Now().UTC()
	batch, err := h.store.CreateBatch(c.Request.Context(), &domain.Batch{
		ID:          batchID,
		SubmitterID: userID,
		Status:      domain.BatchStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		respondError(c, h.logger, "create_batch", err)
		return
	}

	c.JSON(http.StatusCreated, dto.NewBatchDTO(batch))
}

// GetBatch handles GET /api/v1/batches/:batch_id
func (h *BatchHandler) GetBatch(c *gin.Context) {
	batch, err := h.store.GetBatch(c.Request.Context(), c.Param("batch_id"))
	if err != nil {
		respondError(c, h.logger, "get_batch", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewBatchDTO(batch))
}

// Dispatch handles POST /api/v1/batches/dispatch
func (h *BatchHandler) Dispatch(c *gin.Context) {
	if h.maxPayloadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxPayloadBytes)
	}

	var req dto.DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, "dispatch", domain.NewValidationError("body", err.Error()))
		return
	}

	raw, err := h.payload(c, &req)
	if err != nil {
		respondError(c, h.logger, "dispatch", err)
		return
	}

	sheet, err := ingest.Parse(raw)
	if err != nil {
		respondError(c, h.logger, "dispatch", err)
		return
	}

	result, err := h.admission.Admit(c.Request.Context(), req.BatchID, req.UserID, sheet, h.jobCap)
	if err != nil {
		respondError(c, h.logger, "dispatch", err)
		return
	}

	jobIDs := make([]string, len(result.Jobs))
	for i, job := range result.Jobs {
		jobIDs[i] = job.ID
	}

	c.JSON(http.StatusOK, dto.DispatchResponse{
		BatchID: result.BatchID,
		Queued:  result.Stats.Queued,
		Skipped: result.Stats.Skipped,
		Total:   result.Stats.Total,
		JobIDs:  jobIDs,
	})
}

func (h *BatchHandler) payload(c *gin.Context, req *dto.DispatchRequest) ([]byte, error) {
	fileURL := strings.TrimSpace(req.FileURL)
	switch {
	case fileURL != "" && req.CSV != "":
		return nil, domain.NewValidationError("file_url", "provide either file_url or csv, not both")
	case req.CSV != "":
		return []byte(req.CSV), nil
	case fileURL == "":
		return nil, domain.NewValidationError("file_url", "is required")
	case h.fetcher == nil:
		return nil, domain.NewValidationError("file_url", "payload download is disabled")
	}

	h.logger.Info("Fetching batch payload",
		slog.String("batch_id", req.BatchID),
		slog.String("file_url", fileURL),
	)
	return h.fetcher.Fetch(c.Request.Context(), fileURL)
}
