package ledger_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cuongbtq/listing-pipeline/internal/domain"
	"github.com/cuongbtq/listing-pipeline/internal/ledger"
	"github.com/cuongbtq/listing-pipeline/internal/storage/boltstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	ops map[string]int
}

func (r *recorder) RecordLedgerOp(kind domain.EntryKind, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[string(kind)+"/"+outcome]++
}

func newLedger(t *testing.T) (*ledger.Ledger, *boltstore.Store, *recorder) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := boltstore.Open(filepath.Join(t.TempDir(), "ledger.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rec := &recorder{ops: map[string]int{}}
	return ledger.New(store, logger, rec), store, rec
}

func funded(t *testing.T, amount int64) (*ledger.Ledger, *boltstore.Store, *recorder) {
	t.Helper()
	l, store, rec := newLedger(t)
	_, err := l.Grant(context.Background(), "user-1", "purchase-1", amount)
	require.NoError(t, err)
	return l, store, rec
}

func TestDebitThenRefundRestoresBalance(t *testing.T) {
	l, _, _ := funded(t, 10)
	ctx := context.Background()

	res, err := l.Debit(ctx, "user-1", "job-a", 3)
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerResult{Balance: 7, Applied: true}, res)

	res, err = l.Refund(ctx, "user-1", "job-a", 3)
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerResult{Balance: 10, Applied: true}, res)

	res, err = l.Refund(ctx, "user-1", "job-a", 3)
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerResult{Balance: 10, Applied: false}, res)
}

func TestDebitIsIdempotent(t *testing.T) {
	l, _, rec := funded(t, 5)
	ctx := context.Background()

	first, err := l.Debit(ctx, "user-1", "job-a", 2)
	require.NoError(t, err)
	second, err := l.Debit(ctx, "user-1", "job-a", 2)
	require.NoError(t, err)

	assert.Equal(t, int64(3), first.Balance)
	assert.Equal(t, int64(3), second.Balance)
	assert.False(t, second.Applied)
	assert.Equal(t, 1, rec.ops["debit/applied"])
	assert.Equal(t, 1, rec.ops["debit/replay"])
}

func TestConcurrentDebitsWithSameKeyChargeOnce(t *testing.T) {
	l, _, _ := funded(t, 100)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Debit(ctx, "user-1", "job-a", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	balance, err := l.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(99), balance)
}

func TestRefundWithoutDebitIsNoop(t *testing.T) {
	l, _, _ := funded(t, 4)

	res, err := l.Refund(context.Background(), "user-1", "never-debited", 2)
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerResult{Balance: 4, Applied: false}, res)
}

func TestRefundUsesDebitedAmount(t *testing.T) {
	l, _, _ := funded(t, 10)
	ctx := context.Background()

	_, err := l.Debit(ctx, "user-1", "job-a", 2)
	require.NoError(t, err)

	res, err := l.Refund(ctx, "user-1", "job-a", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Balance)
}

func TestReserveBeyondBalance(t *testing.T) {
	l, _, _ := funded(t, 2)
	ctx := context.Background()

	_, err := l.Reserve(ctx, "user-1", "job-a", 3)
	assert.ErrorIs(t, err, domain.ErrInsufficientCredit)

	balance, err := l.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), balance)
}

func TestReserveCountsOutstandingHolds(t *testing.T) {
	l, _, _ := funded(t, 3)
	ctx := context.Background()

	res, err := l.Reserve(ctx, "user-1", "job-a", 2)
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerResult{Balance: 3, Applied: true}, res)

	// Replay does not hold twice
	res, err = l.Reserve(ctx, "user-1", "job-a", 2)
	require.NoError(t, err)
	assert.False(t, res.Applied)

	_, err = l.Reserve(ctx, "user-1", "job-b", 2)
	assert.ErrorIs(t, err, domain.ErrInsufficientCredit)

	// Debiting the held key consumes the hold
	_, err = l.Debit(ctx, "user-1", "job-a", 2)
	require.NoError(t, err)
	_, err = l.Reserve(ctx, "user-1", "job-b", 1)
	require.NoError(t, err)

	// A debited key cannot be reserved again
	res, err = l.Reserve(ctx, "user-1", "job-a", 1)
	require.NoError(t, err)
	assert.False(t, res.Applied)
}

func TestDebitCannotSpendOtherKeysHold(t *testing.T) {
	l, _, _ := funded(t, 1)
	ctx := context.Background()

	_, err := l.Reserve(ctx, "user-1", "job-a", 1)
	require.NoError(t, err)

	_, err = l.Debit(ctx, "user-1", "job-b", 1)
	assert.ErrorIs(t, err, domain.ErrInsufficientCredit)

	res, err := l.Debit(ctx, "user-1", "job-a", 1)
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerResult{Balance: 0, Applied: true}, res)
}

func TestDebitSpendsOwnHoldPlusFreeCredit(t *testing.T) {
	l, _, _ := funded(t, 5)
	ctx := context.Background()

	_, err := l.Reserve(ctx, "user-1", "job-a", 2)
	require.NoError(t, err)
	_, err = l.Reserve(ctx, "user-1", "job-b", 2)
	require.NoError(t, err)

	// job-a may use its own hold and the one free credit, not job-b's hold
	_, err = l.Debit(ctx, "user-1", "job-a", 4)
	assert.ErrorIs(t, err, domain.ErrInsufficientCredit)

	res, err := l.Debit(ctx, "user-1", "job-a", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Balance)

	res, err = l.Debit(ctx, "user-1", "job-b", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Balance)
}

func TestReleaseFreesHold(t *testing.T) {
	l, _, _ := funded(t, 1)
	ctx := context.Background()

	_, err := l.Reserve(ctx, "user-1", "job-a", 1)
	require.NoError(t, err)

	res, err := l.Release(ctx, "user-1", "job-a")
	require.NoError(t, err)
	assert.True(t, res.Applied)

	res, err = l.Release(ctx, "user-1", "job-a")
	require.NoError(t, err)
	assert.False(t, res.Applied)

	_, err = l.Reserve(ctx, "user-1", "job-b", 1)
	assert.NoError(t, err)
}

func TestGrantOncePerKey(t *testing.T) {
	l, store, _ := newLedger(t)
	ctx := context.Background()

	res, err := l.Grant(ctx, "user-2", "evt-1", 50)
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerResult{Balance: 50, Applied: true}, res)

	res, err = l.Grant(ctx, "user-2", "evt-1", 50)
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerResult{Balance: 50, Applied: false}, res)

	entries, err := store.ListEntries(ctx, "user-2")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.EntryGrant, entries[0].Kind)
	assert.Contains(t, entries[0].ID, "led_")
}

func TestUnknownAccount(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()

	_, err := l.Debit(ctx, "ghost", "job-a", 1)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	_, err = l.Reserve(ctx, "ghost", "job-a", 1)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	_, err = l.Balance(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestValidation(t *testing.T) {
	l, _, _ := funded(t, 1)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"missing user", func() error { _, err := l.Debit(ctx, "", "k", 1); return err }},
		{"missing key", func() error { _, err := l.Debit(ctx, "user-1", " ", 1); return err }},
		{"zero amount", func() error { _, err := l.Grant(ctx, "user-1", "k", 0); return err }},
		{"negative amount", func() error { _, err := l.Reserve(ctx, "user-1", "k", -1); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), domain.ErrValidation)
		})
	}
}
