package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuongbtq/listing-pipeline/internal/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	// Each collector owns its registry, so building two must not panic
	assert.NotPanics(t, func() {
		NewCollector()
		NewCollector()
	})
}

func TestRecordAdmission(t *testing.T) {
	c := NewCollector()

	c.RecordAdmission(domain.NewBatchStats(5, 3))
	c.RecordAdmission(domain.NewBatchStats(2, 2))

	assert.Equal(t, float64(2), testutil.ToFloat64(c.batches))
	assert.Equal(t, float64(7), testutil.ToFloat64(c.rowsSeen))
	assert.Equal(t, float64(5), testutil.ToFloat64(c.jobsAdmitted))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.jobsSkipped))
}

func TestRecordLedgerOp(t *testing.T) {
	c := NewCollector()

	c.RecordLedgerOp(domain.EntryDebit, "applied")
	c.RecordLedgerOp(domain.EntryDebit, "replay")
	c.RecordLedgerOp(domain.EntryDebit, "replay")

	assert.Equal(t, float64(1), testutil.ToFloat64(c.ledgerOps.WithLabelValues("debit", "applied")))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.ledgerOps.WithLabelValues("debit", "replay")))
}

func TestJobLifecycle(t *testing.T) {
	c := NewCollector()

	c.JobStarted()
	c.JobStarted()
	assert.Equal(t, float64(2), testutil.ToFloat64(c.jobsInFlight))

	c.JobFinished("done", 150*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(c.jobsInFlight))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.jobsProcessed.WithLabelValues("done")))

	c.RecordRecovered(0)
	c.RecordRecovered(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(c.jobsRecovered))
}

func TestHandler(t *testing.T) {
	c := NewCollector()
	c.RecordPaymentEvent(domain.ReasonApplied)
	c.RecordPublishFailure()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `listing_pipeline_billing_events_total{reason="credits_applied"} 1`)
	assert.Contains(t, body, "listing_pipeline_queue_publish_failures_total 1")
}
