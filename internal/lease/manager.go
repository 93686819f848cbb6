// Package lease implements the Lease Manager (spec §4.E): an advisory,
// per-path exclusive claim guarding mutating Metadata Service operations,
// backed by the metastore and swept periodically the way the teacher's
// worker health monitor runs its own ticker loop.
package lease

import (
	"context"
	"time"

	"github.com/cuemby/strata/internal/errs"
	"github.com/cuemby/strata/internal/log"
	"github.com/cuemby/strata/internal/metastore"
	"github.com/cuemby/strata/internal/metrics"
	"github.com/cuemby/strata/internal/types"
)

// DefaultTTL is used when a caller does not specify one.
const DefaultTTL = 30 * time.Second

// Manager wraps a metastore.Store's lease operations with TTL defaults and
// a periodic expired-lease sweep.
type Manager struct {
	store  metastore.Store
	minTTL time.Duration
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Manager. minTTL is the smallest TTL any caller is expected
// to request; the sweep interval is derived from it per spec §4.E ("interval
// ≤ min TTL / 2").
func New(store metastore.Store, minTTL time.Duration) *Manager {
	if minTTL <= 0 {
		minTTL = DefaultTTL
	}
	return &Manager{
		store:  store,
		minTTL: minTTL,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Acquire creates a new held lease for path, failing with Conflict if one
// is already held and unexpired. Expired leases are garbage collected
// here before the attempt (every expired lease row, not only path's), per
// spec §4.E's acquire transition.
func (m *Manager) Acquire(ctx context.Context, path string, op types.LeaseOp, ttl time.Duration, clientID string) (*types.Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if existing, err := m.store.GetLease(ctx, path); err == nil && !existing.Expired(time.Now()) {
		metrics.LeaseConflictsTotal.Inc()
		return nil, errs.Conflictf("path %s already has a held lease", path)
	}
	// GetLease never returns an expired lease, so expired rows are
	// collected with a sweep rather than through the lookup above.
	if _, err := m.store.SweepExpiredLeases(ctx, time.Now()); err != nil {
		log.WithComponent("lease").Warn().Err(err).Str("path", path).Msg("failed to sweep expired leases before acquire")
	}

	lease := &types.Lease{
		LeaseID:   types.NewID(),
		Path:      path,
		Operation: op,
		ExpiresAt: time.Now().Add(ttl),
		ClientID:  clientID,
	}
	if err := m.store.AcquireLease(ctx, lease); err != nil {
		if errs.KindOf(err) == errs.Conflict {
			metrics.LeaseConflictsTotal.Inc()
		}
		return nil, err
	}
	return lease, nil
}

// Release frees leaseID. It is a no-op (not an error) if the lease is
// already gone, matching callers that release unconditionally on every
// exit path (success, failure, or panic) per spec §4.E.
func (m *Manager) Release(ctx context.Context, leaseID string) {
	if leaseID == "" {
		return
	}
	if err := m.store.ReleaseLease(ctx, leaseID); err != nil && errs.KindOf(err) != errs.NotFound {
		log.WithComponent("lease").Warn().Err(err).Str("lease_id", leaseID).Msg("failed to release lease")
	}
}

// Renew extends leaseID's expiry by ttl from now, failing if it is not
// currently held.
func (m *Manager) Renew(ctx context.Context, leaseID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return m.store.RenewLease(ctx, leaseID, time.Now().Add(ttl))
}

// WithLease acquires a lease on path, runs fn, and releases the lease on
// every return path — including a panic, which it re-raises after
// releasing, matching spec §4.E's "release on all exits" requirement.
func (m *Manager) WithLease(ctx context.Context, path string, op types.LeaseOp, ttl time.Duration, clientID string, fn func(leaseID string) error) error {
	lease, err := m.Acquire(ctx, path, op, ttl, clientID)
	if err != nil {
		return err
	}
	defer m.Release(ctx, lease.LeaseID)

	defer func() {
		if r := recover(); r != nil {
			m.Release(ctx, lease.LeaseID)
			panic(r)
		}
	}()

	return fn(lease.LeaseID)
}

// Start launches the periodic expired-lease sweep.
func (m *Manager) Start() {
	go m.run()
}

// Stop requests the sweep loop exit and blocks up to 5s for it to do so.
func (m *Manager) Stop() {
	close(m.stopCh)
	select {
	case <-m.doneCh:
	case <-time.After(5 * time.Second):
		log.WithComponent("lease").Warn().Msg("sweep loop did not stop within 5s")
	}
}

func (m *Manager) run() {
	defer close(m.doneCh)

	interval := m.minTTL / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n, err := m.store.SweepExpiredLeases(ctx, time.Now())
	if err != nil {
		log.WithComponent("lease").Error().Err(err).Msg("expired lease sweep failed")
		return
	}
	if n > 0 {
		log.WithComponent("lease").Debug().Int("count", n).Msg("swept expired leases")
	}
}
