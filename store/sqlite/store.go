// Package sqlite provides the SQLite implementation of the sync state
// store: the durable mapping between local layers and remote MapHub
// maps with the baselines recorded at the last successful sync.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	stdSync "sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/goccy/go-json"

	"github.com/maphub/layersync"
	syncErrors "github.com/maphub/layersync/errors"
	"github.com/maphub/layersync/logging"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// Operation constants for consistent error reporting
const (
	opGet    = "sqlite.Get"
	opUpsert = "sqlite.Upsert"
	opDelete = "sqlite.Delete"
	opList   = "sqlite.List"
)

var (
	// ErrAlreadyPaired is returned when a layer or map that is already
	// part of one pairing is inserted into another. Pairings are
	// strictly 1:1.
	ErrAlreadyPaired = errors.New("entity is already paired")

	// ErrStoreClosed is returned on any call after Close.
	ErrStoreClosed = errors.New("store is closed")
)

// Config holds configuration options for the Store.
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better
	// concurrency. Enabled by default; appends "?_journal_mode=WAL"
	// to DataSourceName.
	EnableWAL bool

	// Connection pool settings.
	MaxOpenConns    int           // Default: 10
	MaxIdleConns    int           // Default: 2
	ConnMaxLifetime time.Duration // Default: 1h
	ConnMaxIdleTime time.Duration // Default: 5m
}

func (c *Config) setDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 2
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL {
		if !strings.Contains(c.DataSourceName, "_journal_mode=") {
			c.DataSourceName += "?_journal_mode=WAL"
		}
	}
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// DefaultPath resolves the per-project database location under the
// user's XDG data directory, so each project carries its own sync
// mappings.
func DefaultPath(projectID string) (string, error) {
	if projectID == "" {
		return "", fmt.Errorf("project id is required")
	}
	return xdg.DataFile(filepath.Join("maphub-layersync", projectID, "sync.db"))
}

// recordDetail is the forward-compatible JSON tail of a row. Unknown
// fields written by newer versions are ignored on read.
type recordDetail struct {
	LastError string `json:"last_error,omitempty"`
}

// Store implements layersync.Store on SQLite.
type Store struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool

	// pairLocks serializes writes per pair so two concurrent runs
	// cannot race on the same record. Reads stay concurrent.
	pairLocks stdSync.Map // local layer id -> *stdSync.Mutex
}

// Compile-time check that Store satisfies the layersync.Store interface
var _ layersync.Store = (*Store)(nil)

// New creates a Store from a Config.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	config.setDefaults()

	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := logging.WithComponent(logging.Component("sqlite-store"))

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	store := &Store{db: db}

	if err := store.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}

	logger.Info("sync state store opened",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)
	return store, nil
}

// Open is a convenience constructor with default configuration.
func Open(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

func (s *Store) setupSchema() error {
	query := `
    CREATE TABLE IF NOT EXISTS sync_records (
        local_layer_id       TEXT PRIMARY KEY,
        remote_map_id        TEXT NOT NULL UNIQUE,
        baseline_fingerprint TEXT NOT NULL,
        baseline_revision    INTEGER NOT NULL,
        last_direction       TEXT NOT NULL DEFAULT '',
        last_synced_at       TIMESTAMP,
        status               TEXT NOT NULL,
        detail               TEXT NOT NULL DEFAULT '{}'
    );
    CREATE INDEX IF NOT EXISTS idx_sync_records_map ON sync_records (remote_map_id);
    `
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) pairLock(localLayerID string) *stdSync.Mutex {
	lock, _ := s.pairLocks.LoadOrStore(localLayerID, &stdSync.Mutex{})
	return lock.(*stdSync.Mutex)
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Get returns the record for a local layer id, or nil when unpaired.
func (s *Store) Get(ctx context.Context, localLayerID string) (*layersync.SyncRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, syncErrors.NewStoreError(opGet, err)
	}
	return s.getWhere(ctx, "local_layer_id = ?", localLayerID)
}

// GetByMapID returns the record for a remote map id, or nil.
func (s *Store) GetByMapID(ctx context.Context, remoteMapID string) (*layersync.SyncRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, syncErrors.NewStoreError(opGet, err)
	}
	return s.getWhere(ctx, "remote_map_id = ?", remoteMapID)
}

func (s *Store) getWhere(ctx context.Context, where string, arg string) (*layersync.SyncRecord, error) {
	query := `SELECT local_layer_id, remote_map_id, baseline_fingerprint, baseline_revision,
	                 last_direction, last_synced_at, status, detail
	          FROM sync_records WHERE ` + where

	row := s.db.QueryRowContext(ctx, query, arg)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, syncErrors.NewStoreError(opGet, err)
	}
	return rec, nil
}

// Upsert atomically creates or updates a record. The 1:1 pairing
// invariant is enforced inside the transaction: a layer already paired
// with a different map, or a map already paired with a different
// layer, fails with ErrAlreadyPaired.
func (s *Store) Upsert(ctx context.Context, record *layersync.SyncRecord) error {
	if record == nil || record.LocalLayerID == "" || record.RemoteMapID == "" {
		return syncErrors.NewValidationError(opUpsert, fmt.Errorf("record requires both pair ids"))
	}

	if err := s.checkOpen(); err != nil {
		return syncErrors.NewStoreError(opUpsert, err)
	}

	lock := s.pairLock(record.LocalLayerID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.NewStoreError(opUpsert, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	// A map may only be re-upserted against the layer it is already
	// paired with.
	var pairedLayer string
	err = tx.QueryRowContext(ctx,
		`SELECT local_layer_id FROM sync_records WHERE remote_map_id = ?`,
		record.RemoteMapID).Scan(&pairedLayer)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return syncErrors.NewStoreError(opUpsert, err)
	}
	if err == nil && pairedLayer != record.LocalLayerID {
		err = ErrAlreadyPaired
		return syncErrors.NewValidationError(opUpsert,
			fmt.Errorf("map %s: %w (to layer %s)", record.RemoteMapID, ErrAlreadyPaired, pairedLayer))
	}

	// And a layer may only be re-upserted against its own map.
	var pairedMap string
	err = tx.QueryRowContext(ctx,
		`SELECT remote_map_id FROM sync_records WHERE local_layer_id = ?`,
		record.LocalLayerID).Scan(&pairedMap)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return syncErrors.NewStoreError(opUpsert, err)
	}
	if err == nil && pairedMap != record.RemoteMapID {
		err = ErrAlreadyPaired
		return syncErrors.NewValidationError(opUpsert,
			fmt.Errorf("layer %s: %w (to map %s)", record.LocalLayerID, ErrAlreadyPaired, pairedMap))
	}
	err = nil

	detail, err := json.Marshal(recordDetail{LastError: record.LastError})
	if err != nil {
		return syncErrors.NewStoreError(opUpsert, err)
	}

	var syncedAt interface{}
	if !record.LastSyncedAt.IsZero() {
		syncedAt = record.LastSyncedAt.UTC()
	}

	_, err = tx.ExecContext(ctx, `
	    INSERT INTO sync_records
	        (local_layer_id, remote_map_id, baseline_fingerprint, baseline_revision,
	         last_direction, last_synced_at, status, detail)
	    VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	    ON CONFLICT(local_layer_id) DO UPDATE SET
	        remote_map_id        = excluded.remote_map_id,
	        baseline_fingerprint = excluded.baseline_fingerprint,
	        baseline_revision    = excluded.baseline_revision,
	        last_direction       = excluded.last_direction,
	        last_synced_at       = excluded.last_synced_at,
	        status               = excluded.status,
	        detail               = excluded.detail`,
		record.LocalLayerID, record.RemoteMapID,
		record.BaselineFingerprint, record.BaselineRevision,
		string(record.LastDirection), syncedAt,
		string(record.Status), string(detail))
	if err != nil {
		return syncErrors.NewStoreError(opUpsert, err)
	}

	if err = tx.Commit(); err != nil {
		return syncErrors.NewStoreError(opUpsert, err)
	}

	return nil
}

// Delete removes the record pairing the given local layer id. Deleting
// an unpaired layer is a no-op.
func (s *Store) Delete(ctx context.Context, localLayerID string) error {
	if err := s.checkOpen(); err != nil {
		return syncErrors.NewStoreError(opDelete, err)
	}

	lock := s.pairLock(localLayerID)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_records WHERE local_layer_id = ?`, localLayerID)
	if err != nil {
		return syncErrors.NewStoreError(opDelete, err)
	}
	return nil
}

// List returns all records ordered by layer id.
func (s *Store) List(ctx context.Context) ([]*layersync.SyncRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, syncErrors.NewStoreError(opList, err)
	}

	rows, err := s.db.QueryContext(ctx, `
	    SELECT local_layer_id, remote_map_id, baseline_fingerprint, baseline_revision,
	           last_direction, last_synced_at, status, detail
	    FROM sync_records ORDER BY local_layer_id ASC`)
	if err != nil {
		return nil, syncErrors.NewStoreError(opList, err)
	}
	defer rows.Close()

	var records []*layersync.SyncRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, syncErrors.NewStoreError(opList, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.NewStoreError(opList, err)
	}
	return records, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// Stats returns database statistics for monitoring.
func (s *Store) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return sql.DBStats{}
	}
	return s.db.Stats()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*layersync.SyncRecord, error) {
	var rec layersync.SyncRecord
	var direction, status, detail string
	var syncedAt sql.NullTime

	if err := row.Scan(&rec.LocalLayerID, &rec.RemoteMapID,
		&rec.BaselineFingerprint, &rec.BaselineRevision,
		&direction, &syncedAt, &status, &detail); err != nil {
		return nil, err
	}

	rec.LastDirection = layersync.Direction(direction)
	rec.Status = layersync.Status(status)
	if syncedAt.Valid {
		rec.LastSyncedAt = syncedAt.Time
	}

	var d recordDetail
	// Unknown detail fields from newer versions are ignored here.
	if err := json.Unmarshal([]byte(detail), &d); err == nil {
		rec.LastError = d.LastError
	}

	return &rec, nil
}
