// Package boltstore is a single-file embedded store for jobs, batches, the
// credit ledger and billing events. Every write runs inside one bolt
// read-write transaction, and bolt allows only one of those at a time, so each
// method is atomic with respect to every other.
package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	bolt "github.com/boltdb/bolt"
)

var (
	bucketJobs         = []byte("jobs")
	bucketJobKeys      = []byte("job_keys")
	bucketBatches      = []byte("batches")
	bucketAccounts     = []byte("ledger_accounts")
	bucketEntries      = []byte("ledger_entries")
	bucketReservations = []byte("credit_reservations")
	bucketBilling      = []byte("billing_events")
	bucketProfiles     = []byte("profiles")
)

var allBuckets = [][]byte{
	bucketJobs,
	bucketJobKeys,
	bucketBatches,
	bucketAccounts,
	bucketEntries,
	bucketReservations,
	bucketBilling,
	bucketProfiles,
}

// Store wraps a bolt database
type Store struct {
	db     *bolt.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (or creates) the database at path and ensures every bucket exists
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Opened embedded store", slog.String("path", path))

	return &Store{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the database file lock
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is still open
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketJobs) == nil {
			return fmt.Errorf("bucket %s missing", bucketJobs)
		}
		return nil
	})
}

// update runs fn in a read-write transaction unless ctx is already done
func (s *Store) update(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

func (s *Store) view(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

// compositeKey joins parts with NUL, which cannot occur in ids, keys or kinds
func compositeKey(parts ...string) []byte {
	var buf bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			buf.WriteByte(0)
		}
		buf.WriteString(p)
	}
	return buf.Bytes()
}

func getJSON(b *bolt.Bucket, key []byte, dest any) (bool, error) {
	raw := b.Get(key)
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func putJSON(b *bolt.Bucket, key []byte, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return b.Put(key, data)
}
