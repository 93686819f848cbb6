// Package heartbeat implements the storage node's periodic heartbeat
// reporter (spec §4.B): it is the sole source of truth for which node
// holds which chunks, so its ticker loop is kept simple and unconditional —
// grounded in the teacher's pkg/worker/health_monitor.go monitorLoop.
package heartbeat

import (
	"context"
	"time"

	"github.com/cuemby/strata/internal/log"
	"github.com/cuemby/strata/internal/metrics"
	"github.com/cuemby/strata/internal/nodeclient"
)

const (
	// DefaultInterval is the steady-state send period (spec §4.B).
	DefaultInterval = 10 * time.Second
	// MaxBackoff caps the exponential backoff applied after consecutive
	// transport failures.
	MaxBackoff = 60 * time.Second

	sendTimeout = 10 * time.Second
)

// Inventory reports the set of chunk ids currently held. Satisfied by
// internal/chunkstore.Store; free/total space comes from a separate
// SpaceProbe, composed in cmd/storage-node.
type Inventory interface {
	Inventory(ctx context.Context) ([]string, error)
}

// SpaceProbe reports free and total space for the chunk store's filesystem.
type SpaceProbe func() (free, total int64, err error)

// Reporter periodically POSTs this node's chunk inventory and capacity to
// the metadata service.
type Reporter struct {
	nodeID         string
	selfURL        string
	overlayAddress string
	metadataAddr   string
	interval       time.Duration

	store  Inventory
	space  SpaceProbe
	client *nodeclient.Client

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Reporter. metadataAddr is host:port of the metadata
// service's HTTP API.
func New(nodeID, selfURL, overlayAddress, metadataAddr string, store Inventory, space SpaceProbe, client *nodeclient.Client) *Reporter {
	return &Reporter{
		nodeID:         nodeID,
		selfURL:        selfURL,
		overlayAddress: overlayAddress,
		metadataAddr:   metadataAddr,
		interval:       DefaultInterval,
		store:          store,
		space:          space,
		client:         client,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Start launches the reporting loop in its own goroutine.
func (r *Reporter) Start() {
	go r.run()
}

// Stop requests the loop exit and blocks up to 5s for it to do so
// cooperatively, per spec §4.B's bounded-shutdown note.
func (r *Reporter) Stop() {
	close(r.stopCh)
	select {
	case <-r.doneCh:
	case <-time.After(5 * time.Second):
		log.WithComponent("heartbeat").Warn().Msg("reporter did not stop within 5s")
	}
}

func (r *Reporter) run() {
	defer close(r.doneCh)

	backoff := time.Duration(0)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Send one immediately so a freshly started node registers without
	// waiting a full interval.
	r.sendOnce(&backoff)

	for {
		wait := r.interval
		if backoff > 0 {
			wait = backoff
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			r.sendOnce(&backoff)
		case <-r.stopCh:
			timer.Stop()
			return
		}
	}
}

func (r *Reporter) sendOnce(backoff *time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	ids, err := r.store.Inventory(ctx)
	if err != nil {
		log.WithComponent("heartbeat").Error().Err(err).Msg("failed to read local inventory")
		r.bumpBackoff(backoff)
		metrics.HeartbeatSendFailuresTotal.Inc()
		return
	}

	free, total, err := r.space()
	if err != nil {
		log.WithComponent("heartbeat").Error().Err(err).Msg("failed to probe disk space")
		free, total = 0, 0
	}

	req := nodeclient.HeartbeatRequest{
		NodeID:         r.nodeID,
		URL:            r.selfURL,
		FreeSpace:      free,
		TotalSpace:     total,
		ChunkIDs:       ids,
		OverlayAddress: r.overlayAddress,
	}

	if _, err := r.client.PostHeartbeat(ctx, r.metadataAddr, req); err != nil {
		log.WithComponent("heartbeat").Warn().Err(err).Msg("heartbeat send failed")
		r.bumpBackoff(backoff)
		metrics.HeartbeatSendFailuresTotal.Inc()
		return
	}

	*backoff = 0
	metrics.HeartbeatsSentTotal.Inc()
}

func (r *Reporter) bumpBackoff(backoff *time.Duration) {
	if *backoff == 0 {
		*backoff = r.interval
	}
	*backoff *= 2
	if *backoff > MaxBackoff {
		*backoff = MaxBackoff
	}
}
