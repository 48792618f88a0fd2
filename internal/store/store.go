package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"github.com/arkilian/cachestress/internal/config"
	harnesserrors "github.com/arkilian/cachestress/internal/errors"
)

// Record is one row of the cache: a text key and an opaque payload.
type Record struct {
	Key     string
	Payload []byte
}

// Conn is the subset of *sql.Conn and *sql.DB used by store statements.
// Task loops pass a leased *sql.Conn; verification helpers pass a *sql.DB.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store owns the two database handles over the cache file.
type Store struct {
	path    string
	writeDB *sql.DB // Writer connections
	readDB  *sql.DB // Reader connections (query_only)
}

// connector opens connections through a driver carrying a ConnectHook, so
// every connection a pool creates gets the same pragmas.
type connector struct {
	driver *sqlite3.SQLiteDriver
	dsn    string
}

func (c *connector) Connect(context.Context) (driver.Conn, error) {
	return c.driver.Open(c.dsn)
}

func (c *connector) Driver() driver.Driver {
	return c.driver
}

// Bootstrap deletes any previous cache file at cfg.Path, creates a fresh one,
// applies the schema and verifies WAL mode. writerConns and readerConns size
// the two handles. Every error is a setup error.
func Bootstrap(ctx context.Context, cfg config.StoreConfig, writerConns, readerConns int) (*Store, error) {
	if err := removeExisting(cfg.Path); err != nil {
		return nil, err
	}

	log.WithField("path", cfg.Path).Info("creating database")

	hook := connectHook(cfg)
	writeDB := sql.OpenDB(&connector{
		driver: &sqlite3.SQLiteDriver{ConnectHook: hook},
		dsn:    writerDSN(cfg),
	})
	writeDB.SetMaxOpenConns(writerConns)
	writeDB.SetMaxIdleConns(writerConns)

	s := &Store{path: cfg.Path, writeDB: writeDB}

	if err := s.initSchema(ctx); err != nil {
		writeDB.Close()
		return nil, err
	}
	if err := s.verifyJournalMode(ctx); err != nil {
		writeDB.Close()
		return nil, err
	}

	// The reader handle is opened only once the file and its WAL exist.
	readDB := sql.OpenDB(&connector{
		driver: &sqlite3.SQLiteDriver{ConnectHook: hook},
		dsn:    readerDSN(cfg),
	})
	readDB.SetMaxOpenConns(readerConns)
	readDB.SetMaxIdleConns(readerConns)
	if err := readDB.PingContext(ctx); err != nil {
		readDB.Close()
		writeDB.Close()
		return nil, harnesserrors.NewSetupError(harnesserrors.CodeOpenFailed, "store: failed to open read database", err)
	}
	s.readDB = readDB

	return s, nil
}

// removeExisting deletes the cache file and its WAL siblings.
func removeExisting(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		err := os.Remove(p)
		switch {
		case err == nil:
			log.WithField("path", p).Info("removed old database file")
		case errors.Is(err, fs.ErrNotExist):
		default:
			return harnesserrors.NewSetupError(harnesserrors.CodeRemoveFailed,
				fmt.Sprintf("store: failed to remove %s", p), err)
		}
	}
	return nil
}

// writerDSN enables WAL and the busy timeout on writer connections.
func writerDSN(cfg config.StoreConfig) string {
	v := url.Values{}
	v.Set("_journal_mode", "WAL")
	v.Set("_busy_timeout", strconv.FormatInt(cfg.BusyTimeout.Milliseconds(), 10))
	return "file:" + cfg.Path + "?" + v.Encode()
}

// readerDSN leaves the (persistent) journal mode alone and forbids writes.
func readerDSN(cfg config.StoreConfig) string {
	v := url.Values{}
	v.Set("_busy_timeout", strconv.FormatInt(cfg.BusyTimeout.Milliseconds(), 10))
	v.Set("_query_only", "true")
	return "file:" + cfg.Path + "?" + v.Encode()
}

// connectHook returns the per-connection pragmas that the DSN cannot express.
func connectHook(cfg config.StoreConfig) func(*sqlite3.SQLiteConn) error {
	pragmas := PragmaStatements(cfg)
	return func(conn *sqlite3.SQLiteConn) error {
		for _, p := range pragmas {
			if _, err := conn.Exec(p, nil); err != nil {
				return fmt.Errorf("store: failed to apply %q: %w", p, err)
			}
		}
		return nil
	}
}

// PragmaStatements lists the connection pragmas applied after open.
func PragmaStatements(cfg config.StoreConfig) []string {
	stmts := []string{
		fmt.Sprintf("PRAGMA journal_size_limit = %d", cfg.JournalSizeLimit),
		fmt.Sprintf("PRAGMA wal_autocheckpoint = %d", cfg.WALAutoCheckpoint),
	}
	if cfg.SoftHeapLimit > 0 {
		stmts = append(stmts, fmt.Sprintf("PRAGMA soft_heap_limit = %d", cfg.SoftHeapLimit))
	}
	return stmts
}

// initSchema creates the table and index.
func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range AllSchemaSQL() {
		if _, err := s.writeDB.ExecContext(ctx, stmt); err != nil {
			return harnesserrors.NewSetupError(harnesserrors.CodeSchemaFailed,
				"store: failed to execute schema statement", err)
		}
	}
	return nil
}

// verifyJournalMode fails if the engine refused WAL mode (e.g. on a
// filesystem without shared memory support).
func (s *Store) verifyJournalMode(ctx context.Context) error {
	mode, err := s.JournalMode(ctx)
	if err != nil {
		return harnesserrors.NewSetupError(harnesserrors.CodePragmaRejected, "store: failed to read journal_mode", err)
	}
	if mode != "wal" {
		return harnesserrors.NewSetupError(harnesserrors.CodePragmaRejected,
			fmt.Sprintf("store: journal_mode is %q, want wal", mode), nil)
	}
	return nil
}

// Path returns the cache file path.
func (s *Store) Path() string { return s.path }

// WriteDB returns the handle backing the writer pool.
func (s *Store) WriteDB() *sql.DB { return s.writeDB }

// ReadDB returns the handle backing the reader pool.
func (s *Store) ReadDB() *sql.DB { return s.readDB }

// Insert appends rec as a new row.
func Insert(ctx context.Context, conn Conn, rec Record) error {
	_, err := conn.ExecContext(ctx, InsertSQL, rec.Key, rec.Payload)
	return harnesserrors.ClassifyStatement("insert", err)
}

// Lookup returns the most recently inserted record for key. The boolean is
// false, with a nil error, when no record exists.
func Lookup(ctx context.Context, conn Conn, key string) (Record, bool, error) {
	var rec Record
	err := conn.QueryRowContext(ctx, LookupLatestSQL, key).Scan(&rec.Key, &rec.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, harnesserrors.ClassifyStatement("lookup", err)
	}
	return rec, true, nil
}

// LookupAll returns every record for key in insertion order.
func LookupAll(ctx context.Context, conn Conn, key string) ([]Record, error) {
	rows, err := conn.QueryContext(ctx, LookupAllSQL, key)
	if err != nil {
		return nil, harnesserrors.ClassifyStatement("lookup", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Key, &rec.Payload); err != nil {
			return nil, harnesserrors.ClassifyStatement("lookup", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, harnesserrors.ClassifyStatement("lookup", err)
	}
	return out, nil
}

// Count returns the total number of records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.readDB.QueryRowContext(ctx, CountSQL).Scan(&n); err != nil {
		return 0, harnesserrors.ClassifyStatement("count", err)
	}
	return n, nil
}

// Keys returns every key in insertion order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.readDB.QueryContext(ctx, KeysSQL)
	if err != nil {
		return nil, harnesserrors.ClassifyStatement("keys", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, harnesserrors.ClassifyStatement("keys", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, harnesserrors.ClassifyStatement("keys", err)
	}
	return keys, nil
}

// ScanSizes reads every row and returns a histogram of payload lengths.
func (s *Store) ScanSizes(ctx context.Context) (map[int64]int64, error) {
	rows, err := s.readDB.QueryContext(ctx, ScanSQL)
	if err != nil {
		return nil, harnesserrors.ClassifyStatement("scan", err)
	}
	defer rows.Close()

	sizes := make(map[int64]int64)
	for rows.Next() {
		var key string
		var size int64
		if err := rows.Scan(&key, &size); err != nil {
			return nil, harnesserrors.ClassifyStatement("scan", err)
		}
		sizes[size]++
	}
	if err := rows.Err(); err != nil {
		return nil, harnesserrors.ClassifyStatement("scan", err)
	}
	return sizes, nil
}

// IntegrityCheck runs PRAGMA integrity_check and fails unless it reports ok.
func (s *Store) IntegrityCheck(ctx context.Context) error {
	rows, err := s.readDB.QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		return harnesserrors.ClassifyStatement("integrity check", err)
	}
	defer rows.Close()

	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return harnesserrors.ClassifyStatement("integrity check", err)
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		return harnesserrors.ClassifyStatement("integrity check", err)
	}
	if len(problems) > 0 {
		return harnesserrors.Wrap(harnesserrors.ErrCategoryStore, harnesserrors.CodeCorruption,
			"store: integrity check failed", errors.New(strings.Join(problems, "; ")))
	}
	return nil
}

// Checkpoint folds the WAL back into the main file and truncates it.
func (s *Store) Checkpoint(ctx context.Context) error {
	_, err := s.writeDB.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return harnesserrors.ClassifyStatement("checkpoint", err)
}

// JournalMode reports the journal mode of a writer connection.
func (s *Store) JournalMode(ctx context.Context) (string, error) {
	var mode string
	if err := s.writeDB.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		return "", err
	}
	return strings.ToLower(mode), nil
}

// Close closes the read handle first, then the write handle.
func (s *Store) Close() error {
	var readErr error
	if s.readDB != nil {
		readErr = s.readDB.Close()
	}
	if err := s.writeDB.Close(); err != nil {
		return err
	}
	return readErr
}
