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

	"github.com/cuemby/strata/internal/cliutil"
	"github.com/cuemby/strata/internal/coordinator"
	"github.com/cuemby/strata/internal/events"
	"github.com/cuemby/strata/internal/health"
	"github.com/cuemby/strata/internal/lease"
	"github.com/cuemby/strata/internal/log"
	"github.com/cuemby/strata/internal/metaapi"
	"github.com/cuemby/strata/internal/metastore"
	"github.com/cuemby/strata/internal/metastore/postgres"
	"github.com/cuemby/strata/internal/metastore/sqlite"
	"github.com/cuemby/strata/internal/nodeclient"
	"github.com/cuemby/strata/internal/reconciler"
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
	Use:     "metadata-server",
	Short:   "Strata metadata service: single-writer file and node catalog",
	Version: Version,
	RunE:    runServer,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("metadata-server version %s\nCommit: %s\n", Version, Commit))

	f := rootCmd.Flags()
	f.String("listen-addr", cliutil.EnvOr("STRATA_LISTEN_ADDR", "0.0.0.0:8080"), "HTTP listen address")
	f.String("backend", cliutil.EnvOr("STRATA_METASTORE_BACKEND", "sqlite"), "metadata store backend: sqlite|postgres")
	f.String("db-path", cliutil.EnvOr("STRATA_DB_PATH", "./strata-metadata.db"), "sqlite database path (backend=sqlite)")
	f.String("postgres-dsn", cliutil.EnvOr("STRATA_POSTGRES_DSN", ""), "postgres connection string (backend=postgres)")
	f.Int64("chunk-size", cliutil.EnvOrInt64("STRATA_CHUNK_SIZE", 64<<20), "default chunk size in bytes")
	f.Int("replication-factor", cliutil.EnvOrInt("STRATA_REPLICATION_FACTOR", 3), "replication factor")
	f.Duration("node-timeout", cliutil.EnvOrDuration("STRATA_NODE_TIMEOUT", 60*time.Second), "inactive-node threshold")
	f.Duration("lease-ttl", cliutil.EnvOrDuration("STRATA_LEASE_TTL", 300*time.Second), "default lease TTL")
	f.Duration("reconcile-interval", cliutil.EnvOrDuration("STRATA_RECONCILE_INTERVAL", reconciler.DefaultInterval), "reconciler cycle interval")
	f.Bool("enable-rebalancing", cliutil.EnvOrBool("STRATA_ENABLE_REBALANCING", false), "enable the reconciler's priority-2 rebalance check (publishes an event per flagged chunk; moves no data)")
	f.String("bootstrap-token", cliutil.EnvOr("STRATA_BOOTSTRAP_TOKEN", ""), "shared token required of POST /api/v1/nodes/register")
	f.String("log-level", cliutil.EnvOr("STRATA_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	f.Bool("log-json", cliutil.EnvOrBool("STRATA_LOG_JSON", false), "emit logs as JSON")
}

func runServer(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	listenAddr, _ := f.GetString("listen-addr")
	backend, _ := f.GetString("backend")
	dbPath, _ := f.GetString("db-path")
	postgresDSN, _ := f.GetString("postgres-dsn")
	chunkSize, _ := f.GetInt64("chunk-size")
	replicationFactor, _ := f.GetInt("replication-factor")
	nodeTimeout, _ := f.GetDuration("node-timeout")
	leaseTTL, _ := f.GetDuration("lease-ttl")
	reconcileInterval, _ := f.GetDuration("reconcile-interval")
	enableRebalancing, _ := f.GetBool("enable-rebalancing")
	bootstrapToken, _ := f.GetString("bootstrap-token")
	logLevel, _ := f.GetString("log-level")
	logJSON, _ := f.GetBool("log-json")

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	logger := log.WithComponent("metadata-server")

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	store, err := openStore(backend, dbPath, postgresDSN, broker)
	if err != nil {
		return fmt.Errorf("open metastore: %w", err)
	}
	defer store.Close()

	leases := lease.New(store, leaseTTL)
	leases.Start()
	defer leases.Stop()

	coord := coordinator.New(store, leases, coordinator.Config{
		ReplicationFactor: replicationFactor,
		DefaultChunkSize:  chunkSize,
		DefaultLeaseTTL:   leaseTTL,
	})

	client := nodeclient.New()
	recon := reconciler.New(reconciler.Config{
		ReplicationFactor: replicationFactor,
		Interval:          reconcileInterval,
		EnableRebalancing: enableRebalancing,
		PageSize:          200,
	}, store, client, broker)
	recon.Start()
	defer recon.Stop()

	go staleNodeSweeper(store, nodeTimeout)

	server := metaapi.NewServer(metaapi.Config{
		Store:          store,
		Coordinator:    coord,
		Leases:         leases,
		Client:         client,
		BootstrapToken: bootstrapToken,
		Checkers: map[string]health.Checker{
			"store": &health.FuncChecker{Fn: func(ctx context.Context) error {
				_, err := store.Stats(ctx)
				return err
			}},
		},
	})

	httpServer := &http.Server{Addr: listenAddr, Handler: server.Handler()}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", listenAddr).Msg("metadata service listening")
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

func openStore(backend, dbPath, postgresDSN string, broker *events.Broker) (metastore.Store, error) {
	switch backend {
	case "postgres":
		return postgres.Open(postgresDSN, broker)
	case "sqlite", "":
		return sqlite.Open(dbPath, broker)
	default:
		return nil, fmt.Errorf("unknown metastore backend %q", backend)
	}
}

func staleNodeSweeper(store metastore.Store, timeout time.Duration) {
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()
	for range ticker.C {
		if err := store.SweepStaleNodes(context.Background(), timeout); err != nil {
			log.WithComponent("metadata-server").Warn().Err(err).Msg("stale node sweep failed")
		}
	}
}
