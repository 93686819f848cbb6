// Package sqlite is the sqlite-backed metastore.Store, intended for
// single-node deployments and local development (spec §4.C: "a small
// deployment may run the metadata store on the same disk as the process").
package sqlite

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cuemby/strata/internal/errs"
	"github.com/cuemby/strata/internal/events"
	"github.com/cuemby/strata/internal/metastore/sqlstore"
)

// Open opens (creating if absent) a sqlite database at path and returns a
// ready-to-use metastore.Store.
func Open(path string, broker *events.Broker) (*sqlstore.Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, errs.WrapMetadataFailure(err, "open sqlite database %s", path)
	}
	// sqlite3 has no real concurrent-writer story; a single connection
	// avoids "database is locked" errors, which matches the single-writer
	// metadata service this store always runs inside of.
	db.SetMaxOpenConns(1)

	store, err := sqlstore.Open(db, sqlstore.SQLite, broker)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}
