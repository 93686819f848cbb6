// Package memstore is an in-memory metastore.Store, used by unit tests for
// the coordinator, reconciler, lease manager and metadata API handlers so
// they don't need a real database. It is not a production backend.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/strata/internal/errs"
	"github.com/cuemby/strata/internal/events"
	"github.com/cuemby/strata/internal/metastore"
	"github.com/cuemby/strata/internal/types"
)

// Store implements metastore.Store entirely in memory under a single mutex.
type Store struct {
	mu sync.Mutex

	files    map[string]*types.File // fileID -> file
	pathToID map[string]string      // active (non-deleted) path -> fileID

	nodes map[string]*types.Node // nodeID -> node

	leases       map[string]*types.Lease // leaseID -> lease
	pathToLeaseID map[string]string      // path -> leaseID, for currently held leases

	broker *events.Broker
}

// New creates an empty store. broker may be nil (events are dropped).
func New(broker *events.Broker) *Store {
	return &Store{
		files:         make(map[string]*types.File),
		pathToID:      make(map[string]string),
		nodes:         make(map[string]*types.Node),
		leases:        make(map[string]*types.Lease),
		pathToLeaseID: make(map[string]string),
		broker:        broker,
	}
}

func (s *Store) publish(typ events.Type, msg string, meta map[string]string) {
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: typ, Message: msg, Metadata: meta})
	}
}

func cloneFile(f *types.File) *types.File {
	cp := *f
	cp.Chunks = append([]types.ChunkEntry(nil), f.Chunks...)
	for i := range cp.Chunks {
		cp.Chunks[i].Replicas = append([]types.Replica(nil), f.Chunks[i].Replicas...)
	}
	return &cp
}

func (s *Store) CreateFilePlanned(ctx context.Context, file *types.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.pathToID[file.Path]; ok {
		if existing, ok := s.files[existingID]; ok && !existing.IsDeleted {
			return errs.Conflictf("file already exists at path %s", file.Path)
		}
	}

	s.files[file.FileID] = cloneFile(file)
	s.pathToID[file.Path] = file.FileID
	return nil
}

func (s *Store) GetFile(ctx context.Context, path string) (*types.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.pathToID[path]
	if !ok {
		return nil, errs.NotFoundf("file at path %s", path)
	}
	f, ok := s.files[id]
	if !ok || f.IsDeleted {
		return nil, errs.NotFoundf("file at path %s", path)
	}
	return cloneFile(f), nil
}

func (s *Store) GetFileByID(ctx context.Context, fileID string) (*types.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[fileID]
	if !ok {
		return nil, errs.NotFoundf("file %s", fileID)
	}
	return cloneFile(f), nil
}

func (s *Store) MutateFile(ctx context.Context, fileID string, fn func(*types.File) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[fileID]
	if !ok {
		return errs.NotFoundf("file %s", fileID)
	}
	working := cloneFile(f)
	if err := fn(working); err != nil {
		return err
	}
	s.files[fileID] = working
	return nil
}

func (s *Store) DeleteFile(ctx context.Context, path string, permanent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.pathToID[path]
	if !ok {
		return errs.NotFoundf("file at path %s", path)
	}
	f, ok := s.files[id]
	if !ok {
		return errs.NotFoundf("file at path %s", path)
	}

	if permanent {
		delete(s.files, id)
	} else {
		now := time.Now()
		f.IsDeleted = true
		f.DeletedAt = &now
	}
	delete(s.pathToID, path)
	return nil
}

func (s *Store) ListFiles(ctx context.Context, prefix string, limit, offset int) ([]*types.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []*types.File
	for _, f := range s.files {
		if f.IsDeleted || !strings.HasPrefix(f.Path, prefix) {
			continue
		}
		matches = append(matches, cloneFile(f))
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Path < matches[j].Path })

	if offset >= len(matches) {
		return []*types.File{}, nil
	}
	end := len(matches)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return matches[offset:end], nil
}

func (s *Store) UpsertNode(ctx context.Context, node *types.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *node
	s.nodes[node.NodeID] = &cp
	return nil
}

func (s *Store) GetNode(ctx context.Context, nodeID string) (*types.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, errs.NotFoundf("node %s", nodeID)
	}
	cp := *n
	return &cp, nil
}

func (s *Store) ListNodes(ctx context.Context) ([]*types.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (s *Store) ListActiveNodes(ctx context.Context) ([]*types.Node, error) {
	all, _ := s.ListNodes(ctx)
	var active []*types.Node
	for _, n := range all {
		if n.State == types.NodeActive {
			active = append(active, n)
		}
	}
	return active, nil
}

// ApplyHeartbeat implements spec §4.C's heartbeat-as-source-of-truth sync.
func (s *Store) ApplyHeartbeat(ctx context.Context, report metastore.HeartbeatReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := report.ReceivedAt
	if now.IsZero() {
		now = time.Now()
	}

	wasInactive := false
	node, ok := s.nodes[report.NodeID]
	if !ok {
		node = &types.Node{NodeID: report.NodeID}
		s.nodes[report.NodeID] = node
	} else if node.State == types.NodeInactive {
		wasInactive = true
	}
	node.FreeSpace = report.FreeSpace
	node.TotalSpace = report.TotalSpace
	node.ChunkCount = len(report.ChunkIDs)
	node.LastHeartbeat = now
	node.State = types.NodeActive
	node.OverlayAddress = report.OverlayAddress
	if report.URL != "" {
		host, port := splitHostPort(report.URL)
		if host != "" {
			node.Host = host
		}
		if port != 0 {
			node.Port = port
		}
	}

	if wasInactive {
		s.publish(events.NodeBecameActive, "node resumed heartbeating", map[string]string{"node_id": report.NodeID})
	}

	held := make(map[string]struct{}, len(report.ChunkIDs))
	for _, id := range report.ChunkIDs {
		held[id] = struct{}{}
	}

	nodeURL := node.PublicURL()

	for _, f := range s.files {
		if f.IsDeleted {
			continue
		}
		for ci := range f.Chunks {
			chunk := &f.Chunks[ci]
			_, isHeld := held[chunk.ChunkID]

			kept := make([]types.Replica, 0, len(chunk.Replicas))
			hadReplica := false
			for _, r := range chunk.Replicas {
				if r.NodeID != report.NodeID {
					kept = append(kept, r)
					continue
				}
				hadReplica = true
				if isHeld {
					r.URL = nodeURL
					r.LastHeartbeat = &now
					r.State = types.ReplicaCommitted
					kept = append(kept, r)
				} else {
					s.publish(events.ReplicaLost, "heartbeat no longer reports this chunk", map[string]string{
						"node_id":  report.NodeID,
						"chunk_id": chunk.ChunkID,
						"file_id":  f.FileID,
					})
				}
			}
			if isHeld && !hadReplica {
				kept = append(kept, types.Replica{
					NodeID:        report.NodeID,
					URL:           nodeURL,
					State:         types.ReplicaCommitted,
					LastHeartbeat: &now,
				})
			}
			chunk.Replicas = kept
		}
	}
	return nil
}

func splitHostPort(u string) (string, int) {
	s := strings.TrimPrefix(u, "http://")
	s = strings.TrimPrefix(s, "https://")
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return s, 0
	}
	host := s[:idx]
	portStr := s[idx+1:]
	port := 0
	for _, c := range portStr {
		if c < '0' || c > '9' {
			return host, 0
		}
		port = port*10 + int(c-'0')
	}
	return host, port
}

func (s *Store) SweepStaleNodes(ctx context.Context, staleAfter time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, n := range s.nodes {
		if n.State != types.NodeActive {
			continue
		}
		if now.Sub(n.LastHeartbeat) > staleAfter {
			n.State = types.NodeInactive
			s.publish(events.NodeWentInactive, "no heartbeat within staleness window", map[string]string{"node_id": id})
		}
	}
	return nil
}

func (s *Store) AcquireLease(ctx context.Context, lease *types.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.pathToLeaseID[lease.Path]; ok {
		if existing, ok := s.leases[existingID]; ok && !existing.Expired(time.Now()) {
			return errs.Conflictf("lease already held on path %s", lease.Path)
		}
	}
	cp := *lease
	s.leases[lease.LeaseID] = &cp
	s.pathToLeaseID[lease.Path] = lease.LeaseID
	return nil
}

func (s *Store) ReleaseLease(ctx context.Context, leaseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[leaseID]
	if !ok {
		return errs.NotFoundf("lease %s", leaseID)
	}
	delete(s.leases, leaseID)
	if s.pathToLeaseID[l.Path] == leaseID {
		delete(s.pathToLeaseID, l.Path)
	}
	return nil
}

func (s *Store) RenewLease(ctx context.Context, leaseID string, newExpiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[leaseID]
	if !ok || l.Expired(time.Now()) {
		return errs.NotFoundf("lease %s", leaseID)
	}
	l.ExpiresAt = newExpiry
	return nil
}

func (s *Store) GetLease(ctx context.Context, path string) (*types.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.pathToLeaseID[path]
	if !ok {
		return nil, errs.NotFoundf("lease on path %s", path)
	}
	l, ok := s.leases[id]
	if !ok || l.Expired(time.Now()) {
		return nil, errs.NotFoundf("lease on path %s", path)
	}
	cp := *l
	return &cp, nil
}

func (s *Store) ListLeases(ctx context.Context) ([]*types.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.Lease, 0, len(s.leases))
	for _, l := range s.leases {
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LeaseID < out[j].LeaseID })
	return out, nil
}

func (s *Store) SweepExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, l := range s.leases {
		if l.Expired(now) {
			delete(s.leases, id)
			if s.pathToLeaseID[l.Path] == id {
				delete(s.pathToLeaseID, l.Path)
			}
			n++
		}
	}
	return n, nil
}

func (s *Store) Stats(ctx context.Context) (metastore.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	activeIDs := make(map[string]bool, len(s.nodes))
	for id, n := range s.nodes {
		if n.State == types.NodeActive {
			activeIDs[id] = true
		}
	}

	var st metastore.Stats
	for _, f := range s.files {
		if f.IsDeleted {
			continue
		}
		st.TotalFiles++
		st.TotalBytes += f.Size
		for ci := range f.Chunks {
			st.TotalChunks++
			if len(f.Chunks[ci].HealthyReplicas(activeIDs)) == 0 {
				st.UnderReplicated++
			}
		}
	}
	for _, n := range s.nodes {
		if n.State == types.NodeActive {
			st.ActiveNodes++
		}
		st.TotalFreeSpace += n.FreeSpace
		st.TotalSpaceOnDisk += n.TotalSpace
	}
	return st, nil
}

func (s *Store) Close() error { return nil }
