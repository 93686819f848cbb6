package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/internal/metastore/memstore"
	"github.com/cuemby/strata/internal/types"
)

func TestAcquireConflictThenSucceedsAfterRelease(t *testing.T) {
	store := memstore.New(nil)
	m := New(store, time.Second)
	ctx := context.Background()

	l1, err := m.Acquire(ctx, "/a.txt", types.LeaseOpWrite, time.Minute, "client-1")
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "/a.txt", types.LeaseOpWrite, time.Minute, "client-2")
	assert.ErrorContains(t, err, "Conflict")

	m.Release(ctx, l1.LeaseID)

	_, err = m.Acquire(ctx, "/a.txt", types.LeaseOpWrite, time.Minute, "client-2")
	assert.NoError(t, err)
}

func TestAcquireSucceedsAfterExpiry(t *testing.T) {
	store := memstore.New(nil)
	m := New(store, time.Second)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "/a.txt", types.LeaseOpWrite, time.Millisecond, "client-1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = m.Acquire(ctx, "/a.txt", types.LeaseOpWrite, time.Minute, "client-2")
	assert.NoError(t, err)
}

func TestWithLeaseReleasesOnPanic(t *testing.T) {
	store := memstore.New(nil)
	m := New(store, time.Second)
	ctx := context.Background()

	func() {
		defer func() { recover() }()
		_ = m.WithLease(ctx, "/a.txt", types.LeaseOpWrite, time.Minute, "client-1", func(leaseID string) error {
			panic("boom")
		})
	}()

	_, err := m.Acquire(ctx, "/a.txt", types.LeaseOpWrite, time.Minute, "client-2")
	assert.NoError(t, err)
}

func TestWithLeaseReleasesOnError(t *testing.T) {
	store := memstore.New(nil)
	m := New(store, time.Second)
	ctx := context.Background()

	wantErr := errors.New("boom")
	err := m.WithLease(ctx, "/a.txt", types.LeaseOpWrite, time.Minute, "client-1", func(leaseID string) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	_, err = m.Acquire(ctx, "/a.txt", types.LeaseOpWrite, time.Minute, "client-2")
	assert.NoError(t, err)
}

func TestSweepLoopRemovesExpiredLeases(t *testing.T) {
	store := memstore.New(nil)
	m := New(store, 20*time.Millisecond)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "/a.txt", types.LeaseOpWrite, time.Millisecond, "client-1")
	require.NoError(t, err)

	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool {
		leases, _ := store.ListLeases(ctx)
		return len(leases) == 0
	}, time.Second, 10*time.Millisecond)
}
