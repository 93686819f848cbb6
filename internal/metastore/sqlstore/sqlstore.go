// Package sqlstore is the shared SQL-backed metastore.Store implementation
// behind both the sqlite and postgres backends (spec §4.C: "the metadata
// store's persistence mechanism is swappable"). It is grounded the way
// storj-storj's metabase layer pairs one SQL implementation with a
// dialect-specific driver and DSN: the driver is the only thing that
// differs between internal/metastore/sqlite and internal/metastore/postgres.
//
// File chunk/replica data is stored as a JSON column rather than normalized
// across child tables. The metadata service is a single-writer process
// (spec §1 Non-goals), so the usual argument for normalizing nested data —
// concurrent partial updates from many writers — does not apply here; a
// single JSON blob per file keeps MutateFile's read-modify-write atomic
// within one row update, matching spec §4.C's "atomic read-modify-write of
// a single file row" requirement directly instead of working around
// multi-table transactions to get the same guarantee.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/strata/internal/errs"
	"github.com/cuemby/strata/internal/events"
	"github.com/cuemby/strata/internal/metastore"
	"github.com/cuemby/strata/internal/types"
)

// Dialect captures the handful of SQL differences between sqlite and
// postgres that this package needs: placeholder syntax and the
// upsert/"insert or replace" clause.
type Dialect struct {
	Name string
	// Placeholder returns the ith (1-based) bind parameter marker.
	Placeholder func(i int) string
	// UpsertNodeSuffix is appended to an INSERT ... to turn it into an
	// upsert keyed on node_id.
	UpsertNodeSuffix string
	// LockPathStmt, if non-empty, is a one-parameter statement taking a
	// lease path that AcquireLease runs inside its transaction before the
	// conflict check, serializing concurrent acquires on the same path.
	// sqlite leaves this empty: sqlite.Open already serializes every
	// statement onto one connection (SetMaxOpenConns(1)), so the
	// check-then-insert below can never interleave across connections.
	// Postgres has no such single-connection guarantee and needs an
	// explicit lock.
	LockPathStmt string
}

var SQLite = Dialect{
	Name:             "sqlite",
	Placeholder:      func(i int) string { return "?" },
	UpsertNodeSuffix: onConflictNode("excluded"),
}

var Postgres = Dialect{
	Name:             "postgres",
	Placeholder:      func(i int) string { return fmt.Sprintf("$%d", i) },
	UpsertNodeSuffix: onConflictNode("EXCLUDED"),
	// pg_advisory_xact_lock blocks other transactions taking the same key
	// until this transaction commits or rolls back, so two concurrent
	// AcquireLease calls on the same path serialize instead of both
	// passing the conflict check under READ COMMITTED.
	LockPathStmt: "SELECT pg_advisory_xact_lock(hashtext($1))",
}

func onConflictNode(alias string) string {
	return fmt.Sprintf(`ON CONFLICT (node_id) DO UPDATE SET
		host = %s.host, port = %s.port, rack = %s.rack,
		free_space = %s.free_space, total_space = %s.total_space,
		chunk_count = %s.chunk_count, last_heartbeat = %s.last_heartbeat,
		state = %s.state, overlay_address = %s.overlay_address`,
		alias, alias, alias, alias, alias, alias, alias, alias, alias)
}

// Store is the shared implementation. Construct it via sqlite.Open or
// postgres.Open, never directly.
type Store struct {
	db      *sql.DB
	dialect Dialect
	broker  *events.Broker
}

// Open wraps an already-connected *sql.DB (driver-specific set up by the
// caller) and ensures the schema exists.
func Open(db *sql.DB, dialect Dialect, broker *events.Broker) (*Store, error) {
	s := &Store{db: db, dialect: dialect, broker: broker}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS files (
			file_id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			size BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			modified_at TIMESTAMP NOT NULL,
			is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
			deleted_at TIMESTAMP,
			chunks_json TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS files_path_idx ON files (path)`,
		`CREATE TABLE IF NOT EXISTS nodes (
			node_id TEXT PRIMARY KEY,
			host TEXT NOT NULL DEFAULT '',
			port INTEGER NOT NULL DEFAULT 0,
			rack TEXT NOT NULL DEFAULT '',
			free_space BIGINT NOT NULL DEFAULT 0,
			total_space BIGINT NOT NULL DEFAULT 0,
			chunk_count INTEGER NOT NULL DEFAULT 0,
			last_heartbeat TIMESTAMP,
			state TEXT NOT NULL DEFAULT 'inactive',
			overlay_address TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS nodes_last_heartbeat_idx ON nodes (last_heartbeat)`,
		`CREATE TABLE IF NOT EXISTS leases (
			lease_id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			operation TEXT NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			client_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS leases_path_idx ON leases (path)`,
		`CREATE INDEX IF NOT EXISTS leases_expires_at_idx ON leases (expires_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errs.WrapMetadataFailure(err, "apply schema")
		}
	}
	return nil
}

func (s *Store) publish(typ events.Type, msg string, meta map[string]string) {
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: typ, Message: msg, Metadata: meta})
	}
}

func (s *Store) ph(i int) string { return s.dialect.Placeholder(i) }

// row-level (de)serialization

func encodeFile(f *types.File) (string, error) {
	b, err := json.Marshal(f.Chunks)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func scanFile(row interface{ Scan(...any) error }) (*types.File, error) {
	var f types.File
	var chunksJSON string
	var deletedAt sql.NullTime
	if err := row.Scan(&f.FileID, &f.Path, &f.Size, &f.CreatedAt, &f.ModifiedAt, &f.IsDeleted, &deletedAt, &chunksJSON); err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		f.DeletedAt = &t
	}
	if err := json.Unmarshal([]byte(chunksJSON), &f.Chunks); err != nil {
		return nil, err
	}
	return &f, nil
}

const fileColumns = "file_id, path, size, created_at, modified_at, is_deleted, deleted_at, chunks_json"

func (s *Store) CreateFilePlanned(ctx context.Context, file *types.File) error {
	chunksJSON, err := encodeFile(file)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.WrapMetadataFailure(err, "begin transaction")
	}
	defer tx.Rollback()

	var existingID string
	var isDeleted bool
	row := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT file_id, is_deleted FROM files WHERE path = %s ORDER BY created_at DESC LIMIT 1", s.ph(1)), file.Path)
	switch scanErr := row.Scan(&existingID, &isDeleted); scanErr {
	case nil:
		if !isDeleted {
			return errs.Conflictf("file already exists at path %s", file.Path)
		}
	case sql.ErrNoRows:
		// no existing row, fall through to insert
	default:
		return errs.WrapMetadataFailure(scanErr, "check existing file at %s", file.Path)
	}

	insert := fmt.Sprintf(
		"INSERT INTO files (%s) VALUES (%s, %s, %s, %s, %s, %s, %s, %s)",
		fileColumns, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8))
	if _, err := tx.ExecContext(ctx, insert, file.FileID, file.Path, file.Size, file.CreatedAt, file.ModifiedAt, file.IsDeleted, nullTime(file.DeletedAt), chunksJSON); err != nil {
		return errs.WrapMetadataFailure(err, "insert file %s", file.FileID)
	}
	return tx.Commit()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (s *Store) GetFile(ctx context.Context, path string) (*types.File, error) {
	q := fmt.Sprintf("SELECT %s FROM files WHERE path = %s AND is_deleted = FALSE ORDER BY created_at DESC LIMIT 1", fileColumns, s.ph(1))
	row := s.db.QueryRowContext(ctx, q, path)
	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFoundf("file at path %s", path)
	}
	if err != nil {
		return nil, errs.WrapMetadataFailure(err, "get file at %s", path)
	}
	return f, nil
}

func (s *Store) GetFileByID(ctx context.Context, fileID string) (*types.File, error) {
	q := fmt.Sprintf("SELECT %s FROM files WHERE file_id = %s", fileColumns, s.ph(1))
	row := s.db.QueryRowContext(ctx, q, fileID)
	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFoundf("file %s", fileID)
	}
	if err != nil {
		return nil, errs.WrapMetadataFailure(err, "get file %s", fileID)
	}
	return f, nil
}

func (s *Store) MutateFile(ctx context.Context, fileID string, fn func(*types.File) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.WrapMetadataFailure(err, "begin transaction")
	}
	defer tx.Rollback()

	q := fmt.Sprintf("SELECT %s FROM files WHERE file_id = %s", fileColumns, s.ph(1))
	f, err := scanFile(tx.QueryRowContext(ctx, q, fileID))
	if err == sql.ErrNoRows {
		return errs.NotFoundf("file %s", fileID)
	}
	if err != nil {
		return errs.WrapMetadataFailure(err, "read file %s for mutation", fileID)
	}

	if err := fn(f); err != nil {
		return err
	}

	chunksJSON, err := encodeFile(f)
	if err != nil {
		return err
	}
	update := fmt.Sprintf(
		"UPDATE files SET path=%s, size=%s, created_at=%s, modified_at=%s, is_deleted=%s, deleted_at=%s, chunks_json=%s WHERE file_id=%s",
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8))
	if _, err := tx.ExecContext(ctx, update, f.Path, f.Size, f.CreatedAt, f.ModifiedAt, f.IsDeleted, nullTime(f.DeletedAt), chunksJSON, fileID); err != nil {
		return errs.WrapMetadataFailure(err, "persist mutated file %s", fileID)
	}
	return tx.Commit()
}

func (s *Store) DeleteFile(ctx context.Context, path string, permanent bool) error {
	if permanent {
		res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM files WHERE path = %s", s.ph(1)), path)
		if err != nil {
			return errs.WrapMetadataFailure(err, "permanently delete file at %s", path)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errs.NotFoundf("file at path %s", path)
		}
		return nil
	}

	now := time.Now()
	q := fmt.Sprintf("UPDATE files SET is_deleted = TRUE, deleted_at = %s WHERE path = %s AND is_deleted = FALSE", s.ph(1), s.ph(2))
	res, err := s.db.ExecContext(ctx, q, now, path)
	if err != nil {
		return errs.WrapMetadataFailure(err, "tombstone file at %s", path)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFoundf("file at path %s", path)
	}
	return nil
}

func (s *Store) ListFiles(ctx context.Context, prefix string, limit, offset int) ([]*types.File, error) {
	if limit <= 0 {
		limit = 1000
	}
	q := fmt.Sprintf(
		"SELECT %s FROM files WHERE is_deleted = FALSE AND path LIKE %s ORDER BY path LIMIT %s OFFSET %s",
		fileColumns, s.ph(1), s.ph(2), s.ph(3))
	rows, err := s.db.QueryContext(ctx, q, escapeLikePrefix(prefix)+"%", limit, offset)
	if err != nil {
		return nil, errs.WrapMetadataFailure(err, "list files with prefix %s", prefix)
	}
	defer rows.Close()

	var out []*types.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, errs.WrapMetadataFailure(err, "scan file row")
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func escapeLikePrefix(p string) string {
	r := strings.NewReplacer("%", "\\%", "_", "\\_")
	return r.Replace(p)
}

func (s *Store) UpsertNode(ctx context.Context, node *types.Node) error {
	q := fmt.Sprintf(
		`INSERT INTO nodes (node_id, host, port, rack, free_space, total_space, chunk_count, last_heartbeat, state, overlay_address)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s) %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10), s.dialect.UpsertNodeSuffix)
	_, err := s.db.ExecContext(ctx, q,
		node.NodeID, node.Host, node.Port, node.Rack, node.FreeSpace, node.TotalSpace,
		node.ChunkCount, node.LastHeartbeat, string(node.State), node.OverlayAddress)
	if err != nil {
		return errs.WrapMetadataFailure(err, "upsert node %s", node.NodeID)
	}
	return nil
}

const nodeColumns = "node_id, host, port, rack, free_space, total_space, chunk_count, last_heartbeat, state, overlay_address"

func scanNode(row interface{ Scan(...any) error }) (*types.Node, error) {
	var n types.Node
	var state string
	var lastHeartbeat sql.NullTime
	if err := row.Scan(&n.NodeID, &n.Host, &n.Port, &n.Rack, &n.FreeSpace, &n.TotalSpace, &n.ChunkCount, &lastHeartbeat, &state, &n.OverlayAddress); err != nil {
		return nil, err
	}
	n.State = types.NodeState(state)
	if lastHeartbeat.Valid {
		n.LastHeartbeat = lastHeartbeat.Time
	}
	return &n, nil
}

func (s *Store) GetNode(ctx context.Context, nodeID string) (*types.Node, error) {
	q := fmt.Sprintf("SELECT %s FROM nodes WHERE node_id = %s", nodeColumns, s.ph(1))
	n, err := scanNode(s.db.QueryRowContext(ctx, q, nodeID))
	if err == sql.ErrNoRows {
		return nil, errs.NotFoundf("node %s", nodeID)
	}
	if err != nil {
		return nil, errs.WrapMetadataFailure(err, "get node %s", nodeID)
	}
	return n, nil
}

func (s *Store) ListNodes(ctx context.Context) ([]*types.Node, error) {
	return s.queryNodes(ctx, fmt.Sprintf("SELECT %s FROM nodes ORDER BY node_id", nodeColumns))
}

func (s *Store) ListActiveNodes(ctx context.Context) ([]*types.Node, error) {
	q := fmt.Sprintf("SELECT %s FROM nodes WHERE state = %s ORDER BY node_id", nodeColumns, s.ph(1))
	return s.queryNodes(ctx, q, string(types.NodeActive))
}

func (s *Store) queryNodes(ctx context.Context, q string, args ...any) ([]*types.Node, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errs.WrapMetadataFailure(err, "list nodes")
	}
	defer rows.Close()
	var out []*types.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, errs.WrapMetadataFailure(err, "scan node row")
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ApplyHeartbeat implements spec §4.C. It runs as a single transaction:
// upsert the node row, then reconcile every non-deleted file's replica
// list against the reported chunk id set.
func (s *Store) ApplyHeartbeat(ctx context.Context, report metastore.HeartbeatReport) error {
	now := report.ReceivedAt
	if now.IsZero() {
		now = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.WrapMetadataFailure(err, "begin transaction")
	}
	defer tx.Rollback()

	var wasInactive bool
	var prevState string
	row := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT state FROM nodes WHERE node_id = %s", s.ph(1)), report.NodeID)
	switch err := row.Scan(&prevState); err {
	case nil:
		wasInactive = types.NodeState(prevState) == types.NodeInactive
	case sql.ErrNoRows:
		// new node; insert below
	default:
		return errs.WrapMetadataFailure(err, "read node %s state", report.NodeID)
	}

	host, port := "", 0
	if report.URL != "" {
		host, port = splitHostPort(report.URL)
	}
	upsert := fmt.Sprintf(
		`INSERT INTO nodes (node_id, host, port, free_space, total_space, chunk_count, last_heartbeat, state, overlay_address)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s) %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.dialect.UpsertNodeSuffix)
	if _, err := tx.ExecContext(ctx, upsert, report.NodeID, host, port, report.FreeSpace, report.TotalSpace,
		len(report.ChunkIDs), now, string(types.NodeActive), report.OverlayAddress); err != nil {
		return errs.WrapMetadataFailure(err, "upsert node %s from heartbeat", report.NodeID)
	}

	rows, err := tx.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM files WHERE is_deleted = FALSE", fileColumns))
	if err != nil {
		return errs.WrapMetadataFailure(err, "scan files for heartbeat reconciliation")
	}
	var allFiles []*types.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			rows.Close()
			return errs.WrapMetadataFailure(err, "scan file row during reconciliation")
		}
		allFiles = append(allFiles, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errs.WrapMetadataFailure(err, "iterate files during reconciliation")
	}

	held := make(map[string]struct{}, len(report.ChunkIDs))
	for _, id := range report.ChunkIDs {
		held[id] = struct{}{}
	}
	nodeURL := (&types.Node{Host: host, Port: port, OverlayAddress: report.OverlayAddress}).PublicURL()

	var lostEvents []map[string]string
	var toUpdate []*types.File
	for _, f := range allFiles {
		fileTouched := false
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
					fileTouched = true
					lostEvents = append(lostEvents, map[string]string{
						"node_id": report.NodeID, "chunk_id": chunk.ChunkID, "file_id": f.FileID,
					})
				}
			}
			if isHeld && !hadReplica {
				fileTouched = true
				kept = append(kept, types.Replica{
					NodeID:        report.NodeID,
					URL:           nodeURL,
					State:         types.ReplicaCommitted,
					LastHeartbeat: &now,
				})
			}
			chunk.Replicas = kept
		}
		if fileTouched {
			toUpdate = append(toUpdate, f)
		}
	}

	for _, f := range toUpdate {
		chunksJSON, err := encodeFile(f)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE files SET chunks_json = %s WHERE file_id = %s", s.ph(1), s.ph(2)), chunksJSON, f.FileID); err != nil {
			return errs.WrapMetadataFailure(err, "persist reconciled replicas for file %s", f.FileID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.WrapMetadataFailure(err, "commit heartbeat reconciliation")
	}

	if wasInactive {
		s.publish(events.NodeBecameActive, "node resumed heartbeating", map[string]string{"node_id": report.NodeID})
	}
	for _, meta := range lostEvents {
		s.publish(events.ReplicaLost, "heartbeat no longer reports this chunk", meta)
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
	port := 0
	for _, c := range s[idx+1:] {
		if c < '0' || c > '9' {
			return host, 0
		}
		port = port*10 + int(c-'0')
	}
	return host, port
}

func (s *Store) SweepStaleNodes(ctx context.Context, staleAfter time.Duration) error {
	cutoff := time.Now().Add(-staleAfter)
	q := fmt.Sprintf("SELECT node_id FROM nodes WHERE state = %s AND last_heartbeat < %s", s.ph(1), s.ph(2))
	rows, err := s.db.QueryContext(ctx, q, string(types.NodeActive), cutoff)
	if err != nil {
		return errs.WrapMetadataFailure(err, "find stale nodes")
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return errs.WrapMetadataFailure(err, "scan stale node id")
		}
		stale = append(stale, id)
	}
	rows.Close()

	for _, id := range stale {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("UPDATE nodes SET state = %s WHERE node_id = %s", s.ph(1), s.ph(2)), string(types.NodeInactive), id); err != nil {
			return errs.WrapMetadataFailure(err, "mark node %s inactive", id)
		}
		s.publish(events.NodeWentInactive, "no heartbeat within staleness window", map[string]string{"node_id": id})
	}
	return nil
}

func (s *Store) AcquireLease(ctx context.Context, lease *types.Lease) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.WrapMetadataFailure(err, "begin transaction")
	}
	defer tx.Rollback()

	if s.dialect.LockPathStmt != "" {
		if _, err := tx.ExecContext(ctx, s.dialect.LockPathStmt, lease.Path); err != nil {
			return errs.WrapMetadataFailure(err, "lock path %s", lease.Path)
		}
	}

	q := fmt.Sprintf("SELECT lease_id, expires_at FROM leases WHERE path = %s", s.ph(1))
	rows, err := tx.QueryContext(ctx, q, lease.Path)
	if err != nil {
		return errs.WrapMetadataFailure(err, "check existing lease on %s", lease.Path)
	}
	var conflicting []string
	now := time.Now()
	for rows.Next() {
		var id string
		var expires time.Time
		if err := rows.Scan(&id, &expires); err != nil {
			rows.Close()
			return err
		}
		if expires.After(now) {
			conflicting = append(conflicting, id)
		}
	}
	rows.Close()
	if len(conflicting) > 0 {
		return errs.Conflictf("lease already held on path %s", lease.Path)
	}

	insert := fmt.Sprintf("INSERT INTO leases (lease_id, path, operation, expires_at, client_id) VALUES (%s, %s, %s, %s, %s)",
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	if _, err := tx.ExecContext(ctx, insert, lease.LeaseID, lease.Path, string(lease.Operation), lease.ExpiresAt, lease.ClientID); err != nil {
		return errs.WrapMetadataFailure(err, "insert lease for %s", lease.Path)
	}
	return tx.Commit()
}

func (s *Store) ReleaseLease(ctx context.Context, leaseID string) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM leases WHERE lease_id = %s", s.ph(1)), leaseID)
	if err != nil {
		return errs.WrapMetadataFailure(err, "release lease %s", leaseID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFoundf("lease %s", leaseID)
	}
	return nil
}

func (s *Store) RenewLease(ctx context.Context, leaseID string, newExpiry time.Time) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("UPDATE leases SET expires_at = %s WHERE lease_id = %s AND expires_at > %s", s.ph(1), s.ph(2), s.ph(3)), newExpiry, leaseID, time.Now())
	if err != nil {
		return errs.WrapMetadataFailure(err, "renew lease %s", leaseID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFoundf("lease %s", leaseID)
	}
	return nil
}

func (s *Store) GetLease(ctx context.Context, path string) (*types.Lease, error) {
	q := fmt.Sprintf("SELECT lease_id, path, operation, expires_at, client_id FROM leases WHERE path = %s AND expires_at > %s", s.ph(1), s.ph(2))
	row := s.db.QueryRowContext(ctx, q, path, time.Now())
	var l types.Lease
	var op string
	if err := row.Scan(&l.LeaseID, &l.Path, &op, &l.ExpiresAt, &l.ClientID); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NotFoundf("lease on path %s", path)
		}
		return nil, errs.WrapMetadataFailure(err, "get lease on %s", path)
	}
	l.Operation = types.LeaseOp(op)
	return &l, nil
}

func (s *Store) ListLeases(ctx context.Context) ([]*types.Lease, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT lease_id, path, operation, expires_at, client_id FROM leases ORDER BY lease_id")
	if err != nil {
		return nil, errs.WrapMetadataFailure(err, "list leases")
	}
	defer rows.Close()
	var out []*types.Lease
	for rows.Next() {
		var l types.Lease
		var op string
		if err := rows.Scan(&l.LeaseID, &l.Path, &op, &l.ExpiresAt, &l.ClientID); err != nil {
			return nil, err
		}
		l.Operation = types.LeaseOp(op)
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *Store) SweepExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM leases WHERE expires_at <= %s", s.ph(1)), now)
	if err != nil {
		return 0, errs.WrapMetadataFailure(err, "sweep expired leases")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) Stats(ctx context.Context) (metastore.Stats, error) {
	var st metastore.Stats

	row := s.db.QueryRowContext(ctx, "SELECT COUNT(*), COALESCE(SUM(size), 0) FROM files WHERE is_deleted = FALSE")
	if err := row.Scan(&st.TotalFiles, &st.TotalBytes); err != nil {
		return st, errs.WrapMetadataFailure(err, "aggregate file stats")
	}

	row = s.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COUNT(*), COALESCE(SUM(free_space), 0), COALESCE(SUM(total_space), 0) FROM nodes WHERE state = %s", s.ph(1)),
		string(types.NodeActive))
	if err := row.Scan(&st.ActiveNodes, &st.TotalFreeSpace, &st.TotalSpaceOnDisk); err != nil {
		return st, errs.WrapMetadataFailure(err, "aggregate node stats")
	}

	activeIDs, err := s.activeNodeIDSet(ctx)
	if err != nil {
		return st, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT chunks_json FROM files WHERE is_deleted = FALSE")
	if err != nil {
		return st, errs.WrapMetadataFailure(err, "scan files for chunk stats")
	}
	defer rows.Close()
	for rows.Next() {
		var chunksJSON string
		if err := rows.Scan(&chunksJSON); err != nil {
			return st, err
		}
		var chunks []types.ChunkEntry
		if err := json.Unmarshal([]byte(chunksJSON), &chunks); err != nil {
			return st, err
		}
		for i := range chunks {
			st.TotalChunks++
			if len(chunks[i].HealthyReplicas(activeIDs)) == 0 {
				st.UnderReplicated++
			}
		}
	}
	return st, rows.Err()
}

func (s *Store) activeNodeIDSet(ctx context.Context) (map[string]bool, error) {
	nodes, err := s.ListActiveNodes(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		out[n.NodeID] = true
	}
	return out, nil
}

func (s *Store) Close() error { return s.db.Close() }
