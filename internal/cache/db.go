// Package cache implements C4 of the diamond search core: the persistent,
// content-addressed store mapping (object signature, filter signature,
// consumed-input-attribute signatures) to (score, produced-attribute
// signatures, optional produced-attribute values) (spec.md §4.4).
//
// Two SQLite databases back the store: ocache.db holds the cache/
// input_attrs/output_attrs tables and the transient current_attrs/
// temp_iattrs/temp_oattrs tables; oattr.db, attached as schema "oattr",
// holds large output attribute values keyed by signature (spec.md §6).
package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"go.uber.org/zap"
)

// schemaVersion is the current PRAGMA user_version. Versions above this are
// refused (spec.md §4.4).
const schemaVersion = 2

// estimatedAttrReadBW is the assumed attribute-blob read bandwidth in
// bytes/sec, used by ExecEnd's store-or-don't decision (spec.md §4.4).
const estimatedAttrReadBW = 1_048_576

// ErrUnsupportedSchema is returned by Open when the on-disk user_version is
// newer than this package understands.
var ErrUnsupportedSchema = errors.New("cache: unsupported schema version")

// DB is a single-writer handle onto the cache. All mutation is guarded by
// mu, matching the process-wide mutex discipline of spec.md §5: concurrent
// filter executions against the same search state are not permitted, and
// the transient temp_* tables require a single connection per evaluation.
type DB struct {
	mu   sync.Mutex
	conn *sql.DB
	log  *zap.SugaredLogger

	stmts statements
}

type statements struct {
	lookup       *sql.Stmt
	combine      *sql.Stmt
	resetCurrent *sql.Stmt
	seedCurrent  *sql.Stmt
	addInitial   *sql.Stmt
	iattrUpsert  *sql.Stmt
	oattrUpsert  *sql.Stmt
	insertCache  *sql.Stmt
	insertIAttr  *sql.Stmt
	insertOAttr  *sql.Stmt
	insertBlob   *sql.Stmt
	readOAttrs   *sql.Stmt
	clearIAttrs  *sql.Stmt
	clearOAttrs  *sql.Stmt
	countIAttrs  *sql.Stmt
	countOAttrs  *sql.Stmt
}

// Open opens (creating if absent) ocache.db and oattr.db under dir,
// migrates the schema if needed, and prepares the core's statement set.
func Open(dir string, log *zap.SugaredLogger) (*DB, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	ocachePath := filepath.Join(dir, "ocache.db")
	oattrPath := filepath.Join(dir, "oattr.db")

	conn, err := sql.Open("sqlite", ocachePath)
	if err != nil {
		return nil, fmt.Errorf("cache: open ocache.db: %w", err)
	}
	conn.SetMaxOpenConns(1) // a single connection keeps temp tables coherent

	for _, pragma := range []string{
		"PRAGMA synchronous = OFF",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 1024",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("cache: %s: %w", pragma, err)
		}
	}

	if _, err := conn.Exec(fmt.Sprintf("ATTACH DATABASE '%s' AS oattr", strings.ReplaceAll(oattrPath, "'", "''"))); err != nil {
		conn.Close()
		return nil, fmt.Errorf("cache: attach oattr.db: %w", err)
	}

	d := &DB{conn: conn, log: log}

	if err := d.withRetry(func() error { return d.migrate() }); err != nil {
		conn.Close()
		return nil, err
	}
	if err := d.withRetry(func() error { return d.createSchema() }); err != nil {
		conn.Close()
		return nil, err
	}
	if err := d.prepare(); err != nil {
		conn.Close()
		return nil, err
	}
	return d, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// withRetry runs fn under mu, retrying while sqlite reports the database as
// busy, with exponential backoff capped at 1024ms. Per spec.md §4.4 the
// busy-handler never gives up; modernc.org/sqlite exposes no busy_handler
// callback the way cgo bindings do, so this loop plays that role instead
// (see DESIGN.md).
func (d *DB) withRetry(fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	backoff := time.Millisecond
	for {
		err := fn()
		if err == nil || !isBusy(err) {
			return err
		}
		time.Sleep(backoff)
		if backoff < 1024*time.Millisecond {
			backoff *= 2
			if backoff > 1024*time.Millisecond {
				backoff = 1024 * time.Millisecond
			}
		}
	}
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
