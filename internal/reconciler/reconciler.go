// Package reconciler implements the Replica Reconciler (spec §4.F): a
// periodic loop restoring each chunk's healthy replica count to the
// configured replication factor, grounded directly on the teacher's
// pkg/reconciler ticker-driven reconcile loop.
package reconciler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/strata/internal/events"
	"github.com/cuemby/strata/internal/log"
	"github.com/cuemby/strata/internal/metastore"
	"github.com/cuemby/strata/internal/metrics"
	"github.com/cuemby/strata/internal/nodeclient"
	"github.com/cuemby/strata/internal/types"
)

// DefaultInterval is the loop period spec §4.F specifies.
const DefaultInterval = 30 * time.Second

const repairTimeout = 60 * time.Second

// ChunkTransfer pulls a chunk's bytes from source and pushes them to
// target without a replicate_to tail, satisfied by internal/nodeclient.
type ChunkTransfer interface {
	GetChunk(ctx context.Context, nodeAddr, chunkID string) ([]byte, string, error)
	PutChunk(ctx context.Context, nodeAddr, chunkID string, data []byte, replicateTo []string) (nodeclient.StoreResponse, error)
}

// Config controls rebalancing and replication targets.
type Config struct {
	ReplicationFactor int
	Interval          time.Duration
	EnableRebalancing bool
	MaxRebalanceTasks int // per cycle cap, spec §4.F "cap priority-2 tasks per cycle"
	PageSize          int
}

// Reconciler runs the periodic repair loop.
type Reconciler struct {
	cfg      Config
	store    metastore.Store
	transfer ChunkTransfer
	broker   *events.Broker

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Reconciler.
func New(cfg Config, store metastore.Store, transfer ChunkTransfer, broker *events.Broker) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 3
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	if cfg.MaxRebalanceTasks <= 0 {
		cfg.MaxRebalanceTasks = 20
	}
	return &Reconciler{
		cfg:      cfg,
		store:    store,
		transfer: transfer,
		broker:   broker,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the reconciliation loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop requests the loop exit, blocking up to 5s.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	select {
	case <-r.doneCh:
	case <-time.After(5 * time.Second):
		log.WithComponent("reconciler").Warn().Msg("reconciler did not stop within 5s")
	}
}

func (r *Reconciler) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.runCycle()
		case <-r.stopCh:
			return
		}
	}
}

// RunCycle executes one full reconciliation pass; exported for tests that
// want a synchronous, deterministic single iteration.
func (r *Reconciler) RunCycle(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runCycleLocked(ctx)
}

func (r *Reconciler) runCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Interval)
	defer cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runCycleLocked(ctx)
}

func (r *Reconciler) runCycleLocked(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	activeNodes, err := r.store.ListActiveNodes(ctx)
	if err != nil {
		log.WithComponent("reconciler").Error().Err(err).Msg("failed to list active nodes")
		return
	}
	activeIDs := make(map[string]bool, len(activeNodes))
	nodeByID := make(map[string]*types.Node, len(activeNodes))
	for _, n := range activeNodes {
		activeIDs[n.NodeID] = true
		nodeByID[n.NodeID] = n
	}

	var underReplicated int64
	rebalanceBudget := r.cfg.MaxRebalanceTasks

	offset := 0
	for {
		files, err := r.store.ListFiles(ctx, "", r.cfg.PageSize, offset)
		if err != nil {
			log.WithComponent("reconciler").Error().Err(err).Msg("failed to page files")
			break
		}
		if len(files) == 0 {
			break
		}

		for _, f := range files {
			for ci := range f.Chunks {
				chunk := &f.Chunks[ci]
				healthy := chunk.HealthyReplicas(activeIDs)

				if len(healthy) < r.cfg.ReplicationFactor {
					underReplicated++
					r.repairChunk(ctx, f.FileID, chunk, healthy, activeNodes, nodeByID)
					continue
				}

				if r.cfg.EnableRebalancing && rebalanceBudget > 0 && needsRebalance(chunk, healthy, activeNodes) {
					rebalanceBudget--
					r.publish(events.UnderReplicated, "chunk flagged for rebalance", map[string]string{
						"file_id": f.FileID, "chunk_id": chunk.ChunkID,
					})
				}
			}
		}

		offset += len(files)
		if len(files) < r.cfg.PageSize {
			break
		}
	}

	metrics.UnderReplicatedChunks.Set(float64(underReplicated))
}

// repairChunk pulls the chunk from its first healthy replica and pushes it
// to enough new targets to restore the replication factor, per spec §4.F's
// repair execution steps. It never writes Replica rows itself.
func (r *Reconciler) repairChunk(ctx context.Context, fileID string, chunk *types.ChunkEntry, healthy []types.Replica, activeNodes []*types.Node, nodeByID map[string]*types.Node) {
	if len(healthy) == 0 {
		log.WithComponent("reconciler").Warn().Str("file_id", fileID).Str("chunk_id", chunk.ChunkID).Msg("chunk has no healthy replicas; cannot repair")
		return
	}

	sort.Slice(healthy, func(i, j int) bool { return healthy[i].NodeID < healthy[j].NodeID })
	source := healthy[0]

	holders := make(map[string]bool, len(healthy))
	for _, h := range healthy {
		holders[h.NodeID] = true
	}

	need := r.cfg.ReplicationFactor - len(healthy)
	targets := candidateTargets(activeNodes, holders, need)
	if len(targets) == 0 {
		log.WithComponent("reconciler").Warn().Str("file_id", fileID).Str("chunk_id", chunk.ChunkID).Msg("no candidate targets available for repair")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, repairTimeout)
	defer cancel()

	data, _, err := r.transfer.GetChunk(ctx, source.URL, chunk.ChunkID)
	if err != nil {
		log.WithComponent("reconciler").Warn().Err(err).Str("chunk_id", chunk.ChunkID).Str("source", source.URL).Msg("repair pull failed")
		metrics.RepairAttemptsTotal.WithLabelValues("pull_failed").Inc()
		return
	}

	for _, target := range targets {
		if _, err := r.transfer.PutChunk(ctx, target.PublicURL(), chunk.ChunkID, data, nil); err != nil {
			log.WithComponent("reconciler").Warn().Err(err).Str("chunk_id", chunk.ChunkID).Str("target", target.NodeID).Msg("repair push failed")
			metrics.RepairAttemptsTotal.WithLabelValues("push_failed").Inc()
			continue
		}
		metrics.RepairAttemptsTotal.WithLabelValues("ok").Inc()
		r.publish(events.ReplicaRepaired, "repair push succeeded; awaiting next heartbeat to confirm", map[string]string{
			"file_id": fileID, "chunk_id": chunk.ChunkID, "node_id": target.NodeID,
		})
	}
}

// candidateTargets returns up to need active nodes not already holding the
// chunk, sorted by descending free space (spec §4.F step 2).
func candidateTargets(activeNodes []*types.Node, holders map[string]bool, need int) []*types.Node {
	var candidates []*types.Node
	for _, n := range activeNodes {
		if !holders[n.NodeID] {
			candidates = append(candidates, n)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].FreeSpace > candidates[j].FreeSpace })
	if need < len(candidates) {
		candidates = candidates[:need]
	}
	return candidates
}

// needsRebalance applies the hybrid criterion from spec §4.F: a weighted
// sum of the variance, load and rack signals.
func needsRebalance(chunk *types.ChunkEntry, healthy []types.Replica, activeNodes []*types.Node) bool {
	if len(activeNodes) == 0 {
		return false
	}

	holderSet := make(map[string]bool, len(healthy))
	for _, h := range healthy {
		holderSet[h.NodeID] = true
	}

	chunkCounts := make(map[string]int, len(activeNodes))
	var total, n float64
	for _, node := range activeNodes {
		chunkCounts[node.NodeID] = node.ChunkCount
		total += float64(node.ChunkCount)
		n++
	}
	if n == 0 {
		return false
	}
	mean := total / n
	var variance float64
	for _, c := range chunkCounts {
		d := float64(c) - mean
		variance += d * d
	}
	variance /= n
	normalizedVariance := 0.0
	if mean > 0 {
		normalizedVariance = variance / (mean * mean)
	}

	varianceSignal := 0.0
	if normalizedVariance > 0.1 {
		for nodeID := range chunkCounts {
			if holderSet[nodeID] {
				continue
			}
			for holderID := range holderSet {
				if chunkCounts[holderID]-chunkCounts[nodeID] > 2 {
					varianceSignal = 1.0
					break
				}
			}
		}
	}

	loadSignal := 0.0
	maxHolderScore, minNonHolderScore := -1.0, -1.0
	for _, node := range activeNodes {
		usage := 0.0
		if node.TotalSpace > 0 {
			usage = 1 - float64(node.FreeSpace)/float64(node.TotalSpace)
		}
		score := float64(node.ChunkCount)/100 + usage
		if holderSet[node.NodeID] {
			if score > maxHolderScore {
				maxHolderScore = score
			}
		} else if minNonHolderScore < 0 || score < minNonHolderScore {
			minNonHolderScore = score
		}
	}
	if maxHolderScore >= 0 && minNonHolderScore >= 0 && maxHolderScore-minNonHolderScore > 0.5 {
		loadSignal = 1.0
	}

	rackSignal := 0.0
	rackCounts := make(map[string]int)
	hasEmptyRack := false
	rackHasMultiple := false
	for _, node := range activeNodes {
		if holderSet[node.NodeID] {
			rackCounts[node.Rack]++
		} else if _, ok := rackCounts[node.Rack]; !ok {
			rackCounts[node.Rack] = 0
		}
	}
	for _, count := range rackCounts {
		if count == 0 {
			hasEmptyRack = true
		}
		if count > 1 {
			rackHasMultiple = true
		}
	}
	if hasEmptyRack && rackHasMultiple {
		rackSignal = 1.0
	}

	hybrid := 2*varianceSignal + 3*loadSignal + 4*rackSignal
	return hybrid >= 3
}

func (r *Reconciler) publish(typ events.Type, msg string, meta map[string]string) {
	if r.broker != nil {
		r.broker.Publish(&events.Event{Type: typ, Message: msg, Metadata: meta})
	}
}
