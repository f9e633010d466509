// Package ledger implements the credit balance state machine. Every operation
// is idempotent on (submitter_id, unique_key) and runs as one atomic unit
// inside the store; no balance is ever cached between calls.
package ledger

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

// Tx is the view of one locked account inside an atomic store unit
type Tx interface {
	// Account returns the locked account or domain.ErrAccountNotFound
	Account() (*domain.LedgerAccount, error)
	// EnsureAccount returns the locked account, creating it with a zero balance
	EnsureAccount() (*domain.LedgerAccount, error)
	// SetBalance writes the account balance
	SetBalance(balance int64) error
	// Entry returns the entry for (uniqueKey, kind) or nil when absent
	Entry(uniqueKey string, kind domain.EntryKind) (*domain.LedgerEntry, error)
	// InsertEntry records an applied mutation
	InsertEntry(entry *domain.LedgerEntry) error
	// Reservation returns the reservation for uniqueKey or nil when absent
	Reservation(uniqueKey string) (*domain.Reservation, error)
	// HeldTotal sums the amounts of reservations still held on the account
	HeldTotal() (int64, error)
	// PutReservation inserts or replaces a reservation
	PutReservation(r *domain.Reservation) error
}

// Store provides read-check-write atomicity per account
type Store interface {
	// Atomically runs fn against submitterID's account. fn's changes are
	// committed only if it returns nil.
	Atomically(ctx context.Context, submitterID string, fn func(tx Tx) error) error
	// Balance reads the current balance
	Balance(ctx context.Context, submitterID string) (int64, error)
}

// Recorder receives ledger metrics
type Recorder interface {
	RecordLedgerOp(kind domain.EntryKind, outcome string)
}

// Metric outcomes
const (
	OutcomeApplied = "applied"
	OutcomeReplay  = "replay"
	OutcomeFailed  = "failed"
)

// Ledger exposes the credit operations
type Ledger struct {
	store   Store
	logger  *slog.Logger
	metrics Recorder
	now     func() time.Time
}

// New creates a Ledger over store
func New(store Store, logger *slog.Logger, metrics Recorder) *Ledger {
	return &Ledger{
		store:   store,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Reserve holds amount for uniqueKey if the available balance (balance minus
// outstanding holds) covers it. A key that is already reserved or debited is a replay.
func (l *Ledger) Reserve(ctx context.Context, submitterID, uniqueKey string, amount int64) (domain.LedgerResult, error) {
	return l.run(ctx, domain.EntryReserve, submitterID, uniqueKey, amount, func(tx Tx, now time.Time) (domain.LedgerResult, error) {
		acct, err := tx.Account()
		if err != nil {
			return domain.LedgerResult{}, err
		}

		existing, err := tx.Reservation(uniqueKey)
		if err != nil {
			return domain.LedgerResult{}, err
		}
		if existing != nil {
			return domain.LedgerResult{Balance: acct.Balance}, nil
		}
		debit, err := tx.Entry(uniqueKey, domain.EntryDebit)
		if err != nil {
			return domain.LedgerResult{}, err
		}
		if debit != nil {
			return domain.LedgerResult{Balance: acct.Balance}, nil
		}

		held, err := tx.HeldTotal()
		if err != nil {
			return domain.LedgerResult{}, err
		}
		if acct.Balance-held < amount {
			return domain.LedgerResult{}, fmt.Errorf("%w: available %d, requested %d", domain.ErrInsufficientCredit, acct.Balance-held, amount)
		}

		if err := tx.PutReservation(&domain.Reservation{
			SubmitterID: submitterID,
			UniqueKey:   uniqueKey,
			Amount:      amount,
			Status:      domain.ReservationHeld,
			CreatedAt:   now,
			UpdatedAt:   now,
		}); err != nil {
			return domain.LedgerResult{}, err
		}
		if err := l.record(tx, submitterID, uniqueKey, domain.EntryReserve, amount, acct.Balance, now); err != nil {
			return domain.LedgerResult{}, err
		}

		return domain.LedgerResult{Balance: acct.Balance, Applied: true}, nil
	})
}

// Debit charges amount once per uniqueKey and consumes any hold under the same key.
// Credit held by other keys is not available to it.
func (l *Ledger) Debit(ctx context.Context, submitterID, uniqueKey string, amount int64) (domain.LedgerResult, error) {
	return l.run(ctx, domain.EntryDebit, submitterID, uniqueKey, amount, func(tx Tx, now time.Time) (domain.LedgerResult, error) {
		acct, err := tx.Account()
		if err != nil {
			return domain.LedgerResult{}, err
		}

		existing, err := tx.Entry(uniqueKey, domain.EntryDebit)
		if err != nil {
			return domain.LedgerResult{}, err
		}
		if existing != nil {
			return domain.LedgerResult{Balance: acct.Balance}, nil
		}

		// Credit held for other keys is not spendable here; this key's own hold is.
		held, err := tx.HeldTotal()
		if err != nil {
			return domain.LedgerResult{}, err
		}
		own, err := tx.Reservation(uniqueKey)
		if err != nil {
			return domain.LedgerResult{}, err
		}
		if own != nil && own.Status == domain.ReservationHeld {
			held -= own.Amount
		}
		if available := acct.Balance - held; available < amount {
			return domain.LedgerResult{}, fmt.Errorf("%w: available %d, requested %d", domain.ErrInsufficientCredit, available, amount)
		}

		balance := acct.Balance - amount
		if err := tx.SetBalance(balance); err != nil {
			return domain.LedgerResult{}, err
		}
		if err := l.settleReservation(tx, uniqueKey, domain.ReservationConsumed, now); err != nil {
			return domain.LedgerResult{}, err
		}
		if err := l.record(tx, submitterID, uniqueKey, domain.EntryDebit, amount, balance, now); err != nil {
			return domain.LedgerResult{}, err
		}

		return domain.LedgerResult{Balance: balance, Applied: true}, nil
	})
}

// Refund reverses the debit recorded under uniqueKey, once. The refunded amount
// is the debited amount so the pre-debit balance is restored exactly.
func (l *Ledger) Refund(ctx context.Context, submitterID, uniqueKey string, amount int64) (domain.LedgerResult, error) {
	return l.run(ctx, domain.EntryRefund, submitterID, uniqueKey, amount, func(tx Tx, now time.Time) (domain.LedgerResult, error) {
		acct, err := tx.Account()
		if err != nil {
			return domain.LedgerResult{}, err
		}

		refunded, err := tx.Entry(uniqueKey, domain.EntryRefund)
		if err != nil {
			return domain.LedgerResult{}, err
		}
		if refunded != nil {
			return domain.LedgerResult{Balance: acct.Balance}, nil
		}

		debit, err := tx.Entry(uniqueKey, domain.EntryDebit)
		if err != nil {
			return domain.LedgerResult{}, err
		}
		if debit == nil {
			return domain.LedgerResult{Balance: acct.Balance}, nil
		}

		if debit.Amount != amount {
			l.logger.Warn("Refund amount differs from debit, refunding debited amount",
				slog.String("submitter_id", submitterID),
				slog.String("unique_key", uniqueKey),
				slog.Int64("requested", amount),
				slog.Int64("debited", debit.Amount),
			)
		}

		balance := acct.Balance + debit.Amount
		if err := tx.SetBalance(balance); err != nil {
			return domain.LedgerResult{}, err
		}
		if err := l.record(tx, submitterID, uniqueKey, domain.EntryRefund, debit.Amount, balance, now); err != nil {
			return domain.LedgerResult{}, err
		}

		return domain.LedgerResult{Balance: balance, Applied: true}, nil
	})
}

// Grant adds amount once per uniqueKey, opening the account if needed.
func (l *Ledger) Grant(ctx context.Context, submitterID, uniqueKey string, amount int64) (domain.LedgerResult, error) {
	return l.run(ctx, domain.EntryGrant, submitterID, uniqueKey, amount, func(tx Tx, now time.Time) (domain.LedgerResult, error) {
		acct, err := tx.EnsureAccount()
		if err != nil {
			return domain.LedgerResult{}, err
		}

		existing, err := tx.Entry(uniqueKey, domain.EntryGrant)
		if err != nil {
			return domain.LedgerResult{}, err
		}
		if existing != nil {
			return domain.LedgerResult{Balance: acct.Balance}, nil
		}

		balance := acct.Balance + amount
		if err := tx.SetBalance(balance); err != nil {
			return domain.LedgerResult{}, err
		}
		if err := l.record(tx, submitterID, uniqueKey, domain.EntryGrant, amount, balance, now); err != nil {
			return domain.LedgerResult{}, err
		}

		return domain.LedgerResult{Balance: balance, Applied: true}, nil
	})
}

// Release frees a held reservation without charging. Releasing a key that is
// not held is a no-op.
func (l *Ledger) Release(ctx context.Context, submitterID, uniqueKey string) (domain.LedgerResult, error) {
	return l.run(ctx, domain.EntryRelease, submitterID, uniqueKey, 0, func(tx Tx, now time.Time) (domain.LedgerResult, error) {
		acct, err := tx.Account()
		if err != nil {
			return domain.LedgerResult{}, err
		}

		res, err := tx.Reservation(uniqueKey)
		if err != nil {
			return domain.LedgerResult{}, err
		}
		if res == nil || res.Status != domain.ReservationHeld {
			return domain.LedgerResult{Balance: acct.Balance}, nil
		}

		if err := l.settleReservation(tx, uniqueKey, domain.ReservationReleased, now); err != nil {
			return domain.LedgerResult{}, err
		}
		if err := l.record(tx, submitterID, uniqueKey, domain.EntryRelease, res.Amount, acct.Balance, now); err != nil {
			return domain.LedgerResult{}, err
		}

		return domain.LedgerResult{Balance: acct.Balance, Applied: true}, nil
	})
}

// Balance returns the current balance of submitterID
func (l *Ledger) Balance(ctx context.Context, submitterID string) (int64, error) {
	if strings.TrimSpace(submitterID) == "" {
		return 0, domain.NewValidationError("user_id", "is required")
	}
	balance, err := l.store.Balance(ctx, submitterID)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return 0, err
		}
		return 0, domain.NewUpstreamError(fmt.Errorf("failed to read balance: %w", err))
	}
	return balance, nil
}

type opFunc func(tx Tx, now time.Time) (domain.LedgerResult, error)

func (l *Ledger) run(ctx context.Context, kind domain.EntryKind, submitterID, uniqueKey string, amount int64, op opFunc) (domain.LedgerResult, error) {
	if err := validate(kind, submitterID, uniqueKey, amount); err != nil {
		return domain.LedgerResult{}, err
	}

	var result domain.LedgerResult
	err := l.store.Atomically(ctx, submitterID, func(tx Tx) error {
		var opErr error
		result, opErr = op(tx, l.now().UTC())
		return opErr
	})

	if err != nil {
		l.observe(kind, OutcomeFailed)
		l.logger.Warn("Ledger operation failed",
			slog.String("op", string(kind)),
			slog.String("submitter_id", submitterID),
			slog.String("unique_key", uniqueKey),
			slog.Int64("amount", amount),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, domain.ErrInsufficientCredit) || errors.Is(err, domain.ErrAccountNotFound) {
			return domain.LedgerResult{}, err
		}
		return domain.LedgerResult{}, domain.NewUpstreamError(fmt.Errorf("ledger %s failed: %w", kind, err))
	}

	outcome := OutcomeReplay
	if result.Applied {
		outcome = OutcomeApplied
	}
	l.observe(kind, outcome)

	l.logger.Info("Ledger operation",
		slog.String("op", string(kind)),
		slog.String("submitter_id", submitterID),
		slog.String("unique_key", uniqueKey),
		slog.Int64("amount", amount),
		slog.Int64("balance", result.Balance),
		slog.Bool("applied", result.Applied),
	)

	return result, nil
}

func (l *Ledger) observe(kind domain.EntryKind, outcome string) {
	if l.metrics != nil {
		l.metrics.RecordLedgerOp(kind, outcome)
	}
}

func (l *Ledger) settleReservation(tx Tx, uniqueKey string, status domain.ReservationStatus, now time.Time) error {
	res, err := tx.Reservation(uniqueKey)
	if err != nil {
		return err
	}
	if res == nil || res.Status != domain.ReservationHeld {
		return nil
	}
	res.Status = status
	res.UpdatedAt = now
	return tx.PutReservation(res)
}

func (l *Ledger) record(tx Tx, submitterID, uniqueKey string, kind domain.EntryKind, amount, balanceAfter int64, now time.Time) error {
	id, err := typeid.Generate("led")
	if err != nil {
		return fmt.Errorf("failed to generate ledger entry id: %w", err)
	}
	return tx.InsertEntry(&domain.LedgerEntry{
		ID:           id.String(),
		SubmitterID:  submitterID,
		UniqueKey:    uniqueKey,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		CreatedAt:    now,
	})
}

func validate(kind domain.EntryKind, submitterID, uniqueKey string, amount int64) error {
	if strings.TrimSpace(submitterID) == "" {
		return domain.NewValidationError("user_id", "is required")
	}
	if strings.TrimSpace(uniqueKey) == "" {
		return domain.NewValidationError("unique_key", "is required")
	}
	if kind != domain.EntryRelease && amount <= 0 {
		return domain.NewValidationError("amount", "must be greater than 0")
	}
	return nil
}
