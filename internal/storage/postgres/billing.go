package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/cuongbtq/listing-pipeline/internal/domain"
)

// RecordBillingEvent inserts the audit row, ignoring a conflicting event_id
func (s *Store) RecordBillingEvent(ctx context.Context, event *domain.BillingEvent) (bool, error) {
	query := `
		INSERT INTO billing_events (id, event_id, event_type, submitter_id, credits, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING
	`

	var payload sql.NullString
	if len(event.Payload) > 0 {
		payload = sql.NullString{String: string(event.Payload), Valid: true}
	}

	result, err := s.db.ExecContext(ctx, query,
		event.ID, event.EventID, event.EventType, event.SubmitterID, event.Credits, payload, event.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record billing event: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

// GetBillingEvent returns the audit record of eventID, or nil when absent
func (s *Store) GetBillingEvent(ctx context.Context, eventID string) (*domain.BillingEvent, error) {
	var event domain.BillingEvent
	query := `
		SELECT id, event_id, event_type, submitter_id, credits, COALESCE(payload::text, '') AS payload, created_at
		FROM billing_events
		WHERE event_id = $1
	`
	if err := s.db.GetContext(ctx, &event, query, eventID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get billing event: %w", err)
	}
	return &event, nil
}

// SubmitterByEmail resolves a payer email to a submitter id
func (s *Store) SubmitterByEmail(ctx context.Context, email string) (string, error) {
	var submitterID string
	err := s.db.GetContext(ctx, &submitterID,
		`SELECT submitter_id FROM profiles WHERE email = $1`, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrAccountNotFound
		}
		return "", fmt.Errorf("failed to look up profile: %w", err)
	}
	return submitterID, nil
}

// UpsertProfile links email to submitterID
func (s *Store) UpsertProfile(ctx context.Context, submitterID, email string) error {
	query := `
		INSERT INTO profiles (email, submitter_id) VALUES ($1, $2)
		ON CONFLICT (email) DO UPDATE SET submitter_id = EXCLUDED.submitter_id
	`
	if _, err := s.db.ExecContext(ctx, query, normalizeEmail(email), submitterID); err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
