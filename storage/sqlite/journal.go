// Package sqlite provides a SQLite event journal for the sync engine. Every
// event published on the bus can be appended and read back for diagnostics.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
	"github.com/c0deZ3R0/storefront-sync/events"
	"github.com/c0deZ3R0/storefront-sync/logging"
	"github.com/c0deZ3R0/storefront-sync/storage"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

const component = "storage/sqlite"

// Custom errors for better error handling
var (
	ErrJournalClosed    = storage.ErrJournalClosed
	ErrInvalidTableName = errors.New("table name must contain only letters, digits and underscores")
)

// Config holds configuration options for the Journal.
type Config struct {
	// DataSourceName is the go-sqlite3 connection string, e.g. "file:journal.db".
	DataSourceName string

	// EnableWAL appends _journal_mode=WAL to the connection string.
	EnableWAL bool

	// BusyTimeout is how long a writer waits for a locked database.
	BusyTimeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// TableName defaults to "sync_events".
	TableName string

	// Codecs decode stored payloads. Defaults to events.DefaultRegistry.
	Codecs *events.Registry

	// Connection pool settings. Defaults: MaxOpen=4, MaxIdle=2, Lifetime=1h, IdleTime=5m
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.TableName == "" {
		c.TableName = "sync_events"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Codecs == nil {
		c.Codecs = events.DefaultRegistry
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 4
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
	// An in-memory database exists per connection.
	if strings.Contains(c.DataSourceName, ":memory:") || strings.Contains(c.DataSourceName, "mode=memory") {
		c.MaxOpenConns = 1
		c.MaxIdleConns = 1
		c.ConnMaxLifetime = 0
		c.ConnMaxIdleTime = 0
	}
}

func (c *Config) dsn() string {
	var params []string
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		params = append(params, "_journal_mode=WAL")
	}
	if c.BusyTimeout > 0 && !strings.Contains(c.DataSourceName, "_busy_timeout=") {
		params = append(params, fmt.Sprintf("_busy_timeout=%d", c.BusyTimeout.Milliseconds()))
	}
	if len(params) == 0 {
		return c.DataSourceName
	}
	sep := "?"
	if strings.Contains(c.DataSourceName, "?") {
		sep = "&"
	}
	return c.DataSourceName + sep + strings.Join(params, "&")
}

// DefaultConfig returns a Config with WAL enabled.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

var _ storage.Journal = (*Journal)(nil)

// Journal appends events to a SQLite table.
type Journal struct {
	db        *sql.DB
	mu        stdSync.RWMutex
	closed    bool
	logger    *slog.Logger
	tableName string
	codecs    *events.Registry
}

// NewWithDataSource is a convenience constructor
func NewWithDataSource(dataSourceName string) (*Journal, error) {
	return New(DefaultConfig(dataSourceName))
}

// New opens the database and creates the journal table if needed.
func New(config *Config) (*Journal, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()

	if config.DataSourceName == "" {
		return nil, syncErrors.NewValidationError(syncErrors.OpJournal, errors.New("DataSourceName is required"))
	}
	if !storage.ValidIdentifier(config.TableName) {
		return nil, syncErrors.NewValidationError(syncErrors.OpJournal, ErrInvalidTableName)
	}

	logger := config.Logger.With("component", logging.Component(component))
	logger.Info("Opening SQLite journal",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, syncErrors.NewStorageError(syncErrors.OpJournal, fmt.Errorf("failed to connect to sqlite database: %w", err))
	}

	j := &Journal{
		db:        db,
		logger:    logger,
		tableName: config.TableName,
		codecs:    config.Codecs,
	}
	if err := j.setupSchema(); err != nil {
		db.Close()
		return nil, syncErrors.NewStorageError(syncErrors.OpJournal, fmt.Errorf("failed to setup database schema: %w", err))
	}

	logger.Info("SQLite journal initialized", slog.String("table_name", config.TableName))
	return j, nil
}

func (j *Journal) setupSchema() error {
	query := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %[1]s (
        seq         INTEGER PRIMARY KEY AUTOINCREMENT,
        kind        TEXT NOT NULL,
        entity_key  TEXT NOT NULL DEFAULT '',
        data        TEXT,
        error       TEXT NOT NULL DEFAULT '',
        created_at  INTEGER NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_%[1]s_key ON %[1]s (entity_key);
    CREATE INDEX IF NOT EXISTS idx_%[1]s_created_at ON %[1]s (created_at);
    `, j.tableName)
	_, err := j.db.Exec(query)
	return err
}

func (j *Journal) checkOpen() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrJournalClosed
	}
	return nil
}

// Append writes one event.
func (j *Journal) Append(ctx context.Context, ev events.Event) error {
	return j.AppendBatch(ctx, []events.Event{ev})
}

// AppendBatch writes events in a single transaction.
func (j *Journal) AppendBatch(ctx context.Context, evs []events.Event) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := j.checkOpen(); err != nil {
		return err
	}
	if len(evs) == 0 {
		return nil
	}

	rows := make([]storage.Row, 0, len(evs))
	for _, ev := range evs {
		row, err := storage.EncodeRow(j.codecs, ev)
		if err != nil {
			return syncErrors.WrapOpComponentKind(err, syncErrors.OpJournal, component, syncErrors.KindInvalid)
		}
		rows = append(rows, row)
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpJournal, component)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (kind, entity_key, data, error, created_at) VALUES (?, ?, ?, ?, ?)`, j.tableName))
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpJournal, component)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err = stmt.ExecContext(ctx, row.Kind, row.Key, row.Data, row.Error, row.At); err != nil {
			return syncErrors.WrapOpComponent(err, syncErrors.OpJournal, component)
		}
	}

	if err = tx.Commit(); err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpJournal, component)
	}
	return nil
}

// Attach subscribes the journal to bus.
func (j *Journal) Attach(bus *events.Bus) (detach func()) {
	return storage.Attach(j, bus, j.logger)
}

// Recent returns up to limit of the newest records, oldest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]storage.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT seq, kind, entity_key, data, error, created_at FROM (
        SELECT * FROM %s ORDER BY seq DESC LIMIT ?
    ) ORDER BY seq ASC`, j.tableName)
	return j.query(ctx, query, limit)
}

// Since returns up to limit records with a sequence number above seq.
func (j *Journal) Since(ctx context.Context, seq int64, limit int) ([]storage.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT seq, kind, entity_key, data, error, created_at FROM %s
        WHERE seq > ? ORDER BY seq ASC LIMIT ?`, j.tableName)
	return j.query(ctx, query, seq, limit)
}

// ByKey returns up to limit of the newest records for a cache key, oldest first.
func (j *Journal) ByKey(ctx context.Context, key string, limit int) ([]storage.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT seq, kind, entity_key, data, error, created_at FROM (
        SELECT * FROM %s WHERE entity_key = ? ORDER BY seq DESC LIMIT ?
    ) ORDER BY seq ASC`, j.tableName)
	return j.query(ctx, query, key, limit)
}

// LatestSeq returns the highest sequence number, or 0 for an empty journal.
func (j *Journal) LatestSeq(ctx context.Context) (int64, error) {
	if err := j.checkOpen(); err != nil {
		return 0, err
	}
	var seq sql.NullInt64
	if err := j.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT MAX(seq) FROM %s`, j.tableName)).Scan(&seq); err != nil {
		return 0, syncErrors.WrapOpComponent(err, syncErrors.OpJournal, component)
	}
	return seq.Int64, nil
}

// Prune deletes records older than before and reports how many were removed.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	if err := j.checkOpen(); err != nil {
		return 0, err
	}
	res, err := j.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE created_at < ?`, j.tableName), before.UnixMilli())
	if err != nil {
		return 0, syncErrors.WrapOpComponent(err, syncErrors.OpJournal, component)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		j.logger.Info("Pruned journal", slog.Int64("removed", n), slog.Time("before", before))
	}
	return n, nil
}

// Stats returns database statistics for monitoring
func (j *Journal) Stats() sql.DBStats {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return sql.DBStats{}
	}
	return j.db.Stats()
}

// Close closes the database connection.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}

func (j *Journal) query(ctx context.Context, query string, args ...any) ([]storage.Record, error) {
	if err := j.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, syncErrors.OpJournal, component)
	}
	defer rows.Close()
	return j.scanRecords(rows)
}

func (j *Journal) scanRecords(rows *sql.Rows) ([]storage.Record, error) {
	var records []storage.Record
	for rows.Next() {
		var (
			seq       int64
			kind, key string
			data      sql.NullString
			errText   string
			at        int64
		)
		if err := rows.Scan(&seq, &kind, &key, &data, &errText, &at); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		records = append(records, storage.DecodeRecord(j.codecs, j.logger, seq, kind, key, data, errText, at))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}
