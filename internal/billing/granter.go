// Package billing maps verified payment notifications to idempotent ledger grants.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/listing-pipeline/internal/domain"
	"go.jetify.com/typeid/v2"
)

// CreditLedger is the subset of the ledger used to fulfil purchases
type CreditLedger interface {
	Grant(ctx context.Context, submitterID, uniqueKey string, amount int64) (domain.LedgerResult, error)
}

// IdentityResolver maps a payer to a submitter account
type IdentityResolver interface {
	// SubmitterByEmail returns domain.ErrAccountNotFound when no submitter matches
	SubmitterByEmail(ctx context.Context, email string) (string, error)
}

// EventStore persists the audit trail of processed events
type EventStore interface {
	// RecordBillingEvent inserts event unless its EventID already exists and
	// reports whether a row was written.
	RecordBillingEvent(ctx context.Context, event *domain.BillingEvent) (bool, error)
	// GetBillingEvent returns nil when eventID has no record
	GetBillingEvent(ctx context.Context, eventID string) (*domain.BillingEvent, error)
}

// Recorder receives billing metrics
type Recorder interface {
	RecordPaymentEvent(reason string)
}

// VariantCredits maps a product variant id to the credits it buys
type VariantCredits map[string]int64

// Config holds granter dependencies
type Config struct {
	Logger   *slog.Logger
	Ledger   CreditLedger
	Identity IdentityResolver
	Events   EventStore
	Variants VariantCredits
	Metrics  Recorder
}

// Granter applies payment events to the ledger
type Granter struct {
	logger   *slog.Logger
	ledger   CreditLedger
	identity IdentityResolver
	events   EventStore
	variants VariantCredits
	metrics  Recorder
	now      func() time.Time
}

// NewGranter creates a new Granter
func NewGranter(cfg *Config) *Granter {
	variants := make(VariantCredits, len(cfg.Variants))
	for id, credits := range cfg.Variants {
		if id = strings.TrimSpace(id); id != "" && credits > 0 {
			variants[id] = credits
		}
	}

	return &Granter{
		logger:   cfg.Logger,
		ledger:   cfg.Ledger,
		identity: cfg.Identity,
		events:   cfg.Events,
		variants: variants,
		metrics:  cfg.Metrics,
		now:      time.Now,
	}
}

// HandleEvent grants the credits bought by event. The first delivery binds the
// event id to a submitter in the audit trail; every later delivery replays the
// grant against that binding, so an event credits one account at most once even
// if the payer's email is re-linked in between.
func (g *Granter) HandleEvent(ctx context.Context, event domain.PaymentEvent) (*domain.GrantOutcome, error) {
	event.EventID = strings.TrimSpace(event.EventID)
	if event.EventID == "" {
		return nil, domain.NewValidationError("event_id", "is required")
	}

	credits, ok := g.variants[strings.TrimSpace(event.VariantID)]
	if !ok {
		g.logger.Info("Payment event variant ignored",
			slog.String("event_id", event.EventID),
			slog.String("variant_id", event.VariantID),
		)
		g.observe(domain.ReasonVariantIgnored)
		return &domain.GrantOutcome{Granted: false, Reason: domain.ReasonVariantIgnored}, nil
	}

	record, err := g.bind(ctx, event, credits)
	if err != nil {
		return nil, err
	}

	result, err := g.ledger.Grant(ctx, record.SubmitterID, record.EventID, record.Credits)
	if err != nil {
		return nil, fmt.Errorf("failed to grant credits: %w", err)
	}

	reason := domain.ReasonApplied
	if !result.Applied {
		reason = domain.ReasonDuplicateEvent
	}
	g.observe(reason)

	g.logger.Info("Payment event processed",
		slog.String("event_id", record.EventID),
		slog.String("event_name", event.EventName),
		slog.String("submitter_id", record.SubmitterID),
		slog.Int64("credits", record.Credits),
		slog.Bool("granted", result.Applied),
	)

	balance := result.Balance
	return &domain.GrantOutcome{
		Granted: result.Applied,
		Reason:  reason,
		Balance: &balance,
	}, nil
}

// bind returns the audit record of event, writing it on first delivery. When a
// concurrent delivery wins the insert, its record is returned instead.
func (g *Granter) bind(ctx context.Context, event domain.PaymentEvent, credits int64) (*domain.BillingEvent, error) {
	existing, err := g.events.GetBillingEvent(ctx, event.EventID)
	if err != nil {
		return nil, domain.NewUpstreamError(fmt.Errorf("failed to load billing event: %w", err))
	}
	if existing != nil {
		return existing, nil
	}

	email := strings.ToLower(strings.TrimSpace(event.PayerEmail))
	if email == "" {
		return nil, domain.NewValidationError("payer_email", "is required")
	}

	submitterID, err := g.identity.SubmitterByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			g.logger.Warn("Payment event payer has no account",
				slog.String("event_id", event.EventID),
			)
			return nil, fmt.Errorf("payer of event %s: %w", event.EventID, domain.ErrAccountNotFound)
		}
		return nil, domain.NewUpstreamError(fmt.Errorf("failed to resolve payer: %w", err))
	}

	auditID, err := typeid.Generate("bevt")
	if err != nil {
		return nil, fmt.Errorf("failed to generate billing event id: %w", err)
	}

	record := &domain.BillingEvent{
		ID:          auditID.String(),
		EventID:     event.EventID,
		EventType:   event.EventName,
		SubmitterID: submitterID,
		Credits:     credits,
		Payload:     event.Raw,
		CreatedAt:   g.now().UTC(),
	}
	written, err := g.events.RecordBillingEvent(ctx, record)
	if err != nil {
		return nil, domain.NewUpstreamError(fmt.Errorf("failed to record billing event: %w", err))
	}
	if written {
		return record, nil
	}

	winner, err := g.events.GetBillingEvent(ctx, event.EventID)
	if err != nil {
		return nil, domain.NewUpstreamError(fmt.Errorf("failed to load billing event: %w", err))
	}
	if winner == nil {
		return nil, domain.NewUpstreamError(fmt.Errorf("billing event %s vanished after conflict", event.EventID))
	}
	return winner, nil
}

func (g *Granter) observe(reason string) {
	if g.metrics != nil {
		g.metrics.RecordPaymentEvent(reason)
	}
}
