package boltstore

import (
	"context"
	"strings"

	bolt "github.com/boltdb/bolt"
	"github.com/cuongbtq/listing-pipeline/internal/domain"
)

// RecordBillingEvent stores event unless its event id was already recorded
func (s *Store) RecordBillingEvent(ctx context.Context, event *domain.BillingEvent) (bool, error) {
	written := false
	err := s.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBilling)
		if b.Get([]byte(event.EventID)) != nil {
			return nil
		}
		written = true
		return putJSON(b, []byte(event.EventID), event)
	})
	if err != nil {
		return false, err
	}
	return written, nil
}

// GetBillingEvent returns the audit record of eventID, or nil when absent
func (s *Store) GetBillingEvent(ctx context.Context, eventID string) (*domain.BillingEvent, error) {
	var event domain.BillingEvent
	var found bool
	err := s.view(ctx, func(tx *bolt.Tx) error {
		var err error
		found, err = getJSON(tx.Bucket(bucketBilling), []byte(eventID), &event)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &event, nil
}

// SubmitterByEmail resolves a payer email to a submitter id
func (s *Store) SubmitterByEmail(ctx context.Context, email string) (string, error) {
	var submitterID string
	err := s.view(ctx, func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketProfiles).Get([]byte(normalizeEmail(email)))
		if v == nil {
			return domain.ErrAccountNotFound
		}
		submitterID = string(v)
		return nil
	})
	if err != nil {
		return "", err
	}
	return submitterID, nil
}

// UpsertProfile links email to submitterID
func (s *Store) UpsertProfile(ctx context.Context, submitterID, email string) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProfiles).Put([]byte(normalizeEmail(email)), []byte(submitterID))
	})
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
