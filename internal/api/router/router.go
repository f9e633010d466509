package router

import (
	"github.com/cuongbtq/listing-pipeline/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	healthHandler := handler.NewHealthHandler(deps)
	r.GET("/health", healthHandler.Health)

	if deps.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	jobHandler := handler.NewJobHandler(deps)
	batchHandler := handler.NewBatchHandler(deps)
	creditHandler := handler.NewCreditHandler(deps)
	webhookHandler := handler.NewWebhookHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		batches := v1.Group("/batches")
		{
			batches.POST("", batchHandler.CreateBatch)
			batches.POST("/dispatch", batchHandler.Dispatch)
			batches.GET("/:batch_id", batchHandler.GetBatch)
		}

		jobs := v1.Group("/jobs")
		{
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/:job_id", jobHandler.GetJob)
		}

		credits := v1.Group("/credits")
		{
			credits.POST("/reserve", creditHandler.Reserve)
			credits.POST("/debit", creditHandler.Debit)
			credits.POST("/refund", creditHandler.Refund)
			credits.POST("/grant", creditHandler.Grant)
			credits.POST("/release", creditHandler.Release)
			credits.GET("/:user_id", creditHandler.Balance)
			credits.GET("/:user_id/entries", creditHandler.Entries)
		}

		// Action-style ledger call: {action, user_id, unique_key, amount?}
		v1.POST("/credit-debit", creditHandler.CreditDebit)

		v1.PUT("/profiles/:user_id", creditHandler.UpsertProfile)

		v1.POST("/webhooks/payments", webhookHandler.Payments)
	}

	return r
}
