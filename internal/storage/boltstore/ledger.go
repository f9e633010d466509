package boltstore

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/cuongbtq/listing-pipeline/internal/domain"
	"github.com/cuongbtq/listing-pipeline/internal/ledger"
)

// Atomically runs fn inside one read-write transaction scoped to submitterID
func (s *Store) Atomically(ctx context.Context, submitterID string, fn func(tx ledger.Tx) error) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		return fn(&ledgerTx{
			tx:          tx,
			submitterID: submitterID,
			now:         s.now(),
		})
	})
}

func (s *Store) Balance(ctx context.Context, submitterID string) (int64, error) {
	var acct domain.LedgerAccount
	err := s.view(ctx, func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket(bucketAccounts), []byte(submitterID), &acct)
		if err != nil {
			return err
		}
		if !found {
			return domain.ErrAccountNotFound
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// ListEntries returns the ledger history of submitterID, oldest first
func (s *Store) ListEntries(ctx context.Context, submitterID string) ([]domain.LedgerEntry, error) {
	entries := []domain.LedgerEntry{}
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return scanPrefix(tx.Bucket(bucketEntries), submitterID, func(v []byte) error {
			var e domain.LedgerEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// Entries are keyed by unique key; order them the way the SQL store does
	slices.SortFunc(entries, func(a, b domain.LedgerEntry) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return entries, nil
}

type ledgerTx struct {
	tx          *bolt.Tx
	submitterID string
	now         time.Time
}

func (t *ledgerTx) Account() (*domain.LedgerAccount, error) {
	var acct domain.LedgerAccount
	found, err := getJSON(t.tx.Bucket(bucketAccounts), []byte(t.submitterID), &acct)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, domain.ErrAccountNotFound
	}
	return &acct, nil
}

func (t *ledgerTx) EnsureAccount() (*domain.LedgerAccount, error) {
	acct, err := t.Account()
	if err == nil || !errors.Is(err, domain.ErrAccountNotFound) {
		return acct, err
	}

	acct = &domain.LedgerAccount{
		SubmitterID: t.submitterID,
		Balance:     0,
		UpdatedAt:   t.now,
	}
	if err := putJSON(t.tx.Bucket(bucketAccounts), []byte(t.submitterID), acct); err != nil {
		return nil, err
	}
	return acct, nil
}

func (t *ledgerTx) SetBalance(balance int64) error {
	if balance < 0 {
		return fmt.Errorf("%w: balance would become %d", domain.ErrInsufficientCredit, balance)
	}
	acct, err := t.Account()
	if err != nil {
		return err
	}
	acct.Balance = balance
	acct.UpdatedAt = t.now
	return putJSON(t.tx.Bucket(bucketAccounts), []byte(t.submitterID), acct)
}

func (t *ledgerTx) Entry(uniqueKey string, kind domain.EntryKind) (*domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	found, err := getJSON(t.tx.Bucket(bucketEntries), compositeKey(t.submitterID, uniqueKey, string(kind)), &entry)
	if err != nil || !found {
		return nil, err
	}
	return &entry, nil
}

func (t *ledgerTx) InsertEntry(entry *domain.LedgerEntry) error {
	b := t.tx.Bucket(bucketEntries)
	key := compositeKey(entry.SubmitterID, entry.UniqueKey, string(entry.Kind))
	if b.Get(key) != nil {
		return fmt.Errorf("ledger entry %s/%s already recorded", entry.UniqueKey, entry.Kind)
	}
	return putJSON(b, key, entry)
}

func (t *ledgerTx) Reservation(uniqueKey string) (*domain.Reservation, error) {
	var r domain.Reservation
	found, err := getJSON(t.tx.Bucket(bucketReservations), compositeKey(t.submitterID, uniqueKey), &r)
	if err != nil || !found {
		return nil, err
	}
	return &r, nil
}

func (t *ledgerTx) HeldTotal() (int64, error) {
	var total int64
	err := scanPrefix(t.tx.Bucket(bucketReservations), t.submitterID, func(v []byte) error {
		var r domain.Reservation
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		if r.Status == domain.ReservationHeld {
			total += r.Amount
		}
		return nil
	})
	return total, err
}

func (t *ledgerTx) PutReservation(r *domain.Reservation) error {
	return putJSON(t.tx.Bucket(bucketReservations), compositeKey(r.SubmitterID, r.UniqueKey), r)
}

// scanPrefix visits every value whose key starts with submitterID and a NUL separator
func scanPrefix(b *bolt.Bucket, submitterID string, fn func(v []byte) error) error {
	prefix := append([]byte(submitterID), 0)
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}
