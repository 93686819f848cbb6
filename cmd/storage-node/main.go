package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/strata/internal/chunkstore"
	"github.com/cuemby/strata/internal/cliutil"
	"github.com/cuemby/strata/internal/health"
	"github.com/cuemby/strata/internal/heartbeat"
	"github.com/cuemby/strata/internal/log"
	"github.com/cuemby/strata/internal/nodeapi"
	"github.com/cuemby/strata/internal/nodeclient"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "storage-node",
	Short:   "Strata storage node: chunk persistence and replication",
	Version: Version,
	RunE:    runServer,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("storage-node version %s\nCommit: %s\n", Version, Commit))

	f := rootCmd.Flags()
	f.String("node-id", cliutil.EnvOr("STRATA_NODE_ID", ""), "unique node id (required)")
	f.String("listen-addr", cliutil.EnvOr("STRATA_LISTEN_ADDR", "0.0.0.0:9000"), "HTTP listen address")
	f.String("public-url", cliutil.EnvOr("STRATA_PUBLIC_URL", ""), "address other nodes and the metadata service use to reach this node (defaults to listen-addr)")
	f.String("overlay-address", cliutil.EnvOr("STRATA_OVERLAY_ADDRESS", ""), "optional overlay-network address advertised in heartbeats")
	f.String("data-dir", cliutil.EnvOr("STRATA_DATA_DIR", "./strata-chunks"), "directory chunk files are stored under")
	f.String("metadata-addr", cliutil.EnvOr("STRATA_METADATA_ADDR", "127.0.0.1:8080"), "metadata service HTTP address")
	f.Bool("inventory-cache", cliutil.EnvOrBool("STRATA_INVENTORY_CACHE", true), "cache the chunk inventory in a local bbolt database between heartbeats")
	f.Duration("scrub-interval", cliutil.EnvOrDuration("STRATA_SCRUB_INTERVAL", 0), "periodic integrity scrub interval (0 disables)")
	f.String("log-level", cliutil.EnvOr("STRATA_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	f.Bool("log-json", cliutil.EnvOrBool("STRATA_LOG_JSON", false), "emit logs as JSON")
}

func runServer(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	nodeID, _ := f.GetString("node-id")
	listenAddr, _ := f.GetString("listen-addr")
	publicURL, _ := f.GetString("public-url")
	overlayAddress, _ := f.GetString("overlay-address")
	dataDir, _ := f.GetString("data-dir")
	metadataAddr, _ := f.GetString("metadata-addr")
	inventoryCache, _ := f.GetBool("inventory-cache")
	scrubInterval, _ := f.GetDuration("scrub-interval")
	logLevel, _ := f.GetString("log-level")
	logJSON, _ := f.GetBool("log-json")

	if nodeID == "" {
		return fmt.Errorf("--node-id is required")
	}
	if publicURL == "" {
		publicURL = listenAddr
	}

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	logger := log.WithComponent("storage-node")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	client := nodeclient.New()
	store, err := chunkstore.New(nodeID, dataDir, client)
	if err != nil {
		return fmt.Errorf("open chunk store: %w", err)
	}
	if inventoryCache {
		if err := store.EnableCache(); err != nil {
			return fmt.Errorf("enable inventory cache: %w", err)
		}
		defer store.CloseCache()
	}

	if scrubInterval > 0 {
		go runScrubLoop(store, scrubInterval)
	}

	reporter := heartbeat.New(nodeID, publicURL, overlayAddress, metadataAddr, store, diskSpaceProbe(dataDir), client)
	reporter.Start()
	defer reporter.Stop()

	server := nodeapi.NewServer(nodeapi.Config{
		Store:  store,
		NodeID: nodeID,
		Checkers: map[string]health.Checker{
			"disk": &health.FuncChecker{Fn: func(ctx context.Context) error {
				_, err := store.Inventory(ctx)
				return err
			}},
		},
	})

	httpServer := &http.Server{Addr: listenAddr, Handler: server.Handler()}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", listenAddr).Str("node_id", nodeID).Msg("storage node listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("http server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown did not complete cleanly")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

// runScrubLoop periodically verifies every held chunk's checksum, logging
// (never repairing) mismatches; repair is the reconciler's job once the
// next heartbeat stops reporting the corrupted chunk as held.
func runScrubLoop(store *chunkstore.Store, interval time.Duration) {
	logger := log.WithComponent("scrub")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		err := store.Scrub(ctx, func(chunkID string, err error) {
			logger.Warn().Str("chunk_id", chunkID).Err(err).Msg("scrub found a bad chunk")
		})
		cancel()
		if err != nil {
			logger.Warn().Err(err).Msg("scrub cycle failed")
		}
	}
}

// diskSpaceProbe returns a heartbeat.SpaceProbe reporting free/total bytes
// for the filesystem backing dir.
func diskSpaceProbe(dir string) heartbeat.SpaceProbe {
	return func() (free, total int64, err error) {
		var stat syscall.Statfs_t
		if err := syscall.Statfs(dir, &stat); err != nil {
			return 0, 0, err
		}
		free = int64(stat.Bavail) * int64(stat.Bsize)
		total = int64(stat.Blocks) * int64(stat.Bsize)
		return free, total, nil
	}
}
