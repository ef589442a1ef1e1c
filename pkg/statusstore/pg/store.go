package pg

import (
	"context"
	"time"

	pgcfg "github.com/corvidae/magpie/pkg/statusstore/pg/config"
	"github.com/corvidae/magpie/pkg/statusstore/record"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// Store keeps download records in postgres. Useful when several hosts take
// turns running the batch against a shared store; the schema mirrors the
// sqlite backend.
type Store struct {
	cfg  pgcfg.Config
	log  log.Logger
	conn *pgx.Conn
}

func NewStore(ctx context.Context, cfg pgcfg.Config, log log.Logger) (*Store, error) {
	conn, err := pgx.Connect(ctx, cfg.Conn)
	if err != nil {
		return nil, errors.Wrap(err, "pg status store init conn")
	}

	q := `create table if not exists public.download_records
	(row_id text primary key, display_name text not null default '', url text not null default '',
	fingerprint text not null default '', status text not null, local_path text not null default '',
	attempts integer not null default 0, last_error text not null default '',
	remote_id text not null default '', position integer not null default 0, updated_at bigint not null);`
	if _, err := conn.Exec(ctx, q); err != nil {
		return nil, errors.Wrap(err, "pg status store init records table")
	}

	return &Store{
		cfg:  cfg,
		log:  log,
		conn: conn,
	}, nil
}

const selectColumns = `row_id, display_name, url, fingerprint, status, local_path, attempts, last_error, remote_id, position, updated_at`

func (s *Store) Load(ctx context.Context) (map[string]*record.Record, error) {
	rows, err := s.conn.Query(ctx, "select "+selectColumns+" from download_records;")
	if err != nil {
		return nil, errors.Wrap(err, "pg status store load records")
	}
	defer rows.Close()

	recs := make(map[string]*record.Record)
	for rows.Next() {
		rec := record.Record{}
		if err := scanRecordFromRows(rows, &rec); err != nil {
			level.Warn(s.log).Log("msg", "dropping unreadable status record", "err", err)
			continue
		}
		recs[rec.RowID] = &rec
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "pg status store iterate records")
	}

	return recs, nil
}

func (s *Store) Get(ctx context.Context, rowID string) (*record.Record, bool, error) {
	rows, err := s.conn.Query(ctx, "select "+selectColumns+" from download_records where row_id = $1;", rowID)
	if err != nil {
		return nil, false, errors.Wrap(err, "pg status store get record")
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, false, rows.Err()
	}

	rec := record.Record{}
	if err := scanRecordFromRows(rows, &rec); err != nil {
		return nil, false, errors.Wrap(err, "pg status store scan record")
	}

	return &rec, true, nil
}

func (s *Store) Upsert(ctx context.Context, rec *record.Record) error {
	q := `insert into download_records
	(row_id, display_name, url, fingerprint, status, local_path, attempts, last_error, remote_id, position, updated_at)
	values($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	on conflict (row_id) do update set
	display_name = $2, url = $3, fingerprint = $4, status = $5, local_path = $6,
	attempts = $7, last_error = $8, remote_id = $9, position = $10, updated_at = $11;`

	_, err := s.conn.Exec(ctx, q,
		rec.RowID, rec.DisplayName, rec.URL, rec.Fingerprint, rec.Status,
		rec.LocalPath, rec.Attempts, rec.LastError, rec.RemoteID, rec.Position,
		rec.UpdatedAt.Unix())
	if err != nil {
		return errors.Wrap(err, "pg status store upsert record")
	}

	return nil
}

func (s *Store) Snapshot(ctx context.Context) ([]*record.Record, error) {
	rows, err := s.conn.Query(ctx, "select "+selectColumns+" from download_records order by position asc;")
	if err != nil {
		return nil, errors.Wrap(err, "pg status store snapshot")
	}
	defer rows.Close()

	recs := make([]*record.Record, 0)
	for rows.Next() {
		rec := record.Record{}
		if err := scanRecordFromRows(rows, &rec); err != nil {
			level.Warn(s.log).Log("msg", "dropping unreadable status record", "err", err)
			continue
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "pg status store iterate snapshot")
	}

	return recs, nil
}

func (s *Store) Dispose(ctx context.Context) error {
	if err := s.conn.Close(ctx); err != nil {
		return errors.Wrap(err, "pg status store close connection")
	}

	return nil
}

func scanRecordFromRows(rows pgx.Rows, rec *record.Record) error {
	var updatedAt int64
	if err := rows.Scan(&rec.RowID, &rec.DisplayName, &rec.URL, &rec.Fingerprint, &rec.Status,
		&rec.LocalPath, &rec.Attempts, &rec.LastError, &rec.RemoteID, &rec.Position, &updatedAt); err != nil {
		return err
	}

	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return nil
}
