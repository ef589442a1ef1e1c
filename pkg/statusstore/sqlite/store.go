package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/corvidae/magpie/pkg/statusstore/record"
	sqlitecfg "github.com/corvidae/magpie/pkg/statusstore/sqlite/config"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store persists download records in a single sqlite file, one row per
// record. Every Upsert is an immediate INSERT OR REPLACE, so a crash loses
// at most the in-flight row.
type Store struct {
	cfg sqlitecfg.Config
	log log.Logger
	db  *sqlx.DB

	// set when the previous database file was unreadable and moved aside
	recovered bool
}

type corruptError struct {
	cause error
}

func (e *corruptError) Error() string {
	return "sqlite status store: persisted data could not be read: " + e.cause.Error()
}

func (e *corruptError) CorruptStore() bool { return true }

func NewStore(ctx context.Context, cfg sqlitecfg.Config, logger log.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite status store: path is required")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, errors.Wrap(err, "sqlite status store create data dir")
	}

	s := &Store{cfg: cfg, log: logger}

	db, err := open(cfg.Path)
	if err != nil {
		// An unreadable database file is recoverable: the downloaded files
		// on disk are still the ground truth. Move it aside and start over.
		level.Warn(logger).Log("msg", "status store database unreadable, starting from empty", "err", err)

		backup := fmt.Sprintf("%s.corrupt.%d", cfg.Path, time.Now().Unix())
		if mvErr := os.Rename(cfg.Path, backup); mvErr != nil {
			return nil, errors.Wrap(mvErr, "sqlite status store move corrupt database aside")
		}

		db, err = open(cfg.Path)
		if err != nil {
			return nil, errors.Wrap(err, "sqlite status store reopen after recovery")
		}
		s.recovered = true
	}

	s.db = db
	return s, nil
}

func open(path string) (*sqlx.DB, error) {
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	if err := runMigrations(sqlDB); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "run migrations")
	}

	db := sqlx.NewDb(sqlDB, "sqlite3")
	// sqlite has no write concurrency
	db.SetMaxOpenConns(1)
	return db, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return errors.Wrap(err, "create migration driver")
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "create migration source")
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return errors.Wrap(err, "create migrator")
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "apply migrations")
	}

	return nil
}

type recordRow struct {
	RowID       string `db:"row_id"`
	DisplayName string `db:"display_name"`
	URL         string `db:"url"`
	Fingerprint string `db:"fingerprint"`
	Status      string `db:"status"`
	LocalPath   string `db:"local_path"`
	Attempts    int    `db:"attempts"`
	LastError   string `db:"last_error"`
	RemoteID    string `db:"remote_id"`
	Position    int    `db:"position"`
	UpdatedAt   int64  `db:"updated_at"`
}

const selectColumns = `row_id, display_name, url, fingerprint, status, local_path, attempts, last_error, remote_id, position, updated_at`

func (s *Store) Load(ctx context.Context) (map[string]*record.Record, error) {
	recs := make(map[string]*record.Record)
	if s.recovered {
		s.recovered = false
		return recs, &corruptError{cause: errors.New("previous database file moved aside")}
	}

	rows, err := s.db.QueryxContext(ctx, `SELECT `+selectColumns+` FROM download_records`)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite status store load records")
	}
	defer rows.Close()

	for rows.Next() {
		var row recordRow
		if err := rows.StructScan(&row); err != nil {
			// one bad record must not prevent loading the rest
			level.Warn(s.log).Log("msg", "dropping unreadable status record", "err", err)
			continue
		}
		rec := rowToRecord(&row)
		recs[rec.RowID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite status store iterate records")
	}

	return recs, nil
}

func (s *Store) Get(ctx context.Context, rowID string) (*record.Record, bool, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row, `SELECT `+selectColumns+` FROM download_records WHERE row_id = ?`, rowID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "sqlite status store get record")
	}

	return rowToRecord(&row), true, nil
}

func (s *Store) Upsert(ctx context.Context, rec *record.Record) error {
	q := `INSERT OR REPLACE INTO download_records
	(row_id, display_name, url, fingerprint, status, local_path, attempts, last_error, remote_id, position, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, q,
		rec.RowID, rec.DisplayName, rec.URL, rec.Fingerprint, rec.Status,
		rec.LocalPath, rec.Attempts, rec.LastError, rec.RemoteID, rec.Position,
		rec.UpdatedAt.Unix())
	if err != nil {
		return errors.Wrap(err, "sqlite status store upsert record")
	}

	return nil
}

func (s *Store) Snapshot(ctx context.Context) ([]*record.Record, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT `+selectColumns+` FROM download_records ORDER BY position ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite status store snapshot")
	}
	defer rows.Close()

	recs := make([]*record.Record, 0)
	for rows.Next() {
		var row recordRow
		if err := rows.StructScan(&row); err != nil {
			level.Warn(s.log).Log("msg", "dropping unreadable status record", "err", err)
			continue
		}
		recs = append(recs, rowToRecord(&row))
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite status store iterate snapshot")
	}

	return recs, nil
}

func (s *Store) Dispose(ctx context.Context) error {
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "sqlite status store close database")
	}

	return nil
}

func rowToRecord(row *recordRow) *record.Record {
	return &record.Record{
		RowID:       row.RowID,
		DisplayName: row.DisplayName,
		URL:         row.URL,
		Fingerprint: row.Fingerprint,
		Status:      row.Status,
		LocalPath:   row.LocalPath,
		Attempts:    row.Attempts,
		LastError:   row.LastError,
		RemoteID:    row.RemoteID,
		Position:    row.Position,
		UpdatedAt:   time.Unix(row.UpdatedAt, 0).UTC(),
	}
}
