// Package postgres is the production store. Jobs, batches, the credit ledger
// and billing events share one database so admission and ledger mutations
// commit atomically.
package postgres

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/listing-pipeline/shared/postgresql"
	"github.com/jmoiron/sqlx"
)

// Store handles all database operations of the pipeline
type Store struct {
	client *postgresql.Client
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store on top of client
func NewStore(client *postgresql.Client, logger *slog.Logger) *Store {
	return &Store{
		client: client,
		db:     client.GetDB(),
		logger: logger,
	}
}

// Ping checks that the database answers queries
func (s *Store) Ping(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}
