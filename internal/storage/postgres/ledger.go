package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/listing-pipeline/internal/domain"
	"github.com/cuongbtq/listing-pipeline/internal/ledger"
	"github.com/jmoiron/sqlx"
)

// Atomically runs fn in a transaction. The account row is locked with
// SELECT ... FOR UPDATE on first access, serialising every operation on the
// same submitter until commit.
func (s *Store) Atomically(ctx context.Context, submitterID string, fn func(tx ledger.Tx) error) error {
	return s.client.WithTx(ctx, func(tx *sqlx.Tx) error {
		return fn(&ledgerTx{
			ctx:         ctx,
			tx:          tx,
			submitterID: submitterID,
			now:         time.Now().UTC(),
		})
	})
}

func (s *Store) Balance(ctx context.Context, submitterID string) (int64, error) {
	var balance int64
	err := s.db.GetContext(ctx, &balance, `SELECT balance FROM ledger_accounts WHERE submitter_id = $1`, submitterID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrAccountNotFound
		}
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

// ListEntries returns the ledger history of submitterID, oldest first
func (s *Store) ListEntries(ctx context.Context, submitterID string) ([]domain.LedgerEntry, error) {
	query := `
		SELECT id, submitter_id, unique_key, kind, amount, balance_after, created_at
		FROM ledger_entries
		WHERE submitter_id = $1
		ORDER BY created_at, id
	`
	entries := []domain.LedgerEntry{}
	if err := s.db.SelectContext(ctx, &entries, query, submitterID); err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return entries, nil
}

type ledgerTx struct {
	ctx         context.Context
	tx          *sqlx.Tx
	submitterID string
	now         time.Time
}

func (t *ledgerTx) Account() (*domain.LedgerAccount, error) {
	var acct domain.LedgerAccount
	query := `SELECT submitter_id, balance, updated_at FROM ledger_accounts WHERE submitter_id = $1 FOR UPDATE`
	if err := t.tx.GetContext(t.ctx, &acct, query, t.submitterID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}
	return &acct, nil
}

func (t *ledgerTx) EnsureAccount() (*domain.LedgerAccount, error) {
	query := `
		INSERT INTO ledger_accounts (submitter_id, balance, updated_at)
		VALUES ($1, 0, $2)
		ON CONFLICT (submitter_id) DO NOTHING
	`
	if _, err := t.tx.ExecContext(t.ctx, query, t.submitterID, t.now); err != nil {
		return nil, fmt.Errorf("failed to open account: %w", err)
	}
	return t.Account()
}

func (t *ledgerTx) SetBalance(balance int64) error {
	if balance < 0 {
		return fmt.Errorf("%w: balance would become %d", domain.ErrInsufficientCredit, balance)
	}
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE ledger_accounts SET balance = $1, updated_at = $2 WHERE submitter_id = $3`,
		balance, t.now, t.submitterID,
	)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

func (t *ledgerTx) Entry(uniqueKey string, kind domain.EntryKind) (*domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	query := `
		SELECT id, submitter_id, unique_key, kind, amount, balance_after, created_at
		FROM ledger_entries
		WHERE submitter_id = $1 AND unique_key = $2 AND kind = $3
	`
	if err := t.tx.GetContext(t.ctx, &entry, query, t.submitterID, uniqueKey, kind); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read ledger entry: %w", err)
	}
	return &entry, nil
}

func (t *ledgerTx) InsertEntry(entry *domain.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries (id, submitter_id, unique_key, kind, amount, balance_after, created_at)
		VALUES (:id, :submitter_id, :unique_key, :kind, :amount, :balance_after, :created_at)
	`
	if _, err := t.tx.NamedExecContext(t.ctx, query, entry); err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

func (t *ledgerTx) Reservation(uniqueKey string) (*domain.Reservation, error) {
	var r domain.Reservation
	query := `
		SELECT submitter_id, unique_key, amount, status, created_at, updated_at
		FROM credit_reservations
		WHERE submitter_id = $1 AND unique_key = $2
	`
	if err := t.tx.GetContext(t.ctx, &r, query, t.submitterID, uniqueKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read reservation: %w", err)
	}
	return &r, nil
}

func (t *ledgerTx) HeldTotal() (int64, error) {
	var total int64
	query := `SELECT COALESCE(SUM(amount), 0) FROM credit_reservations WHERE submitter_id = $1 AND status = $2`
	if err := t.tx.GetContext(t.ctx, &total, query, t.submitterID, domain.ReservationHeld); err != nil {
		return 0, fmt.Errorf("failed to sum reservations: %w", err)
	}
	return total, nil
}

func (t *ledgerTx) PutReservation(r *domain.Reservation) error {
	query := `
		INSERT INTO credit_reservations (submitter_id, unique_key, amount, status, created_at, updated_at)
		VALUES (:submitter_id, :unique_key, :amount, :status, :created_at, :updated_at)
		ON CONFLICT (submitter_id, unique_key)
		DO UPDATE SET amount = EXCLUDED.amount, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
	`
	if _, err := t.tx.NamedExecContext(t.ctx, query, r); err != nil {
		return fmt.Errorf("failed to write reservation: %w", err)
	}
	return nil
}
