package client

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"crmsync/internal/domain/entity"
	"crmsync/internal/domain/outbox"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	entity_type   TEXT     NOT NULL,
	id            TEXT     NOT NULL,
	data          TEXT     NOT NULL,
	version       INTEGER  NOT NULL DEFAULT 0,
	last_modified DATETIME NOT NULL,
	deleted       BOOLEAN  NOT NULL DEFAULT 0,
	dirty         BOOLEAN  NOT NULL DEFAULT 0,
	PRIMARY KEY (entity_type, id)
);

CREATE TABLE IF NOT EXISTS outbox (
	seq             INTEGER  PRIMARY KEY AUTOINCREMENT,
	id              TEXT     NOT NULL UNIQUE,
	entity_type     TEXT     NOT NULL,
	entity_id       TEXT     NOT NULL,
	operation       TEXT     NOT NULL,
	payload         TEXT,
	base_version    INTEGER,
	client_modified DATETIME,
	status          TEXT     NOT NULL DEFAULT 'PENDING',
	retry_count     INTEGER  NOT NULL DEFAULT 0,
	error_message   TEXT     NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status);
CREATE INDEX IF NOT EXISTS idx_outbox_entity ON outbox(entity_type, entity_id);

CREATE TABLE IF NOT EXISTS sync_state (
	id                INTEGER PRIMARY KEY CHECK (id = 1),
	last_sync_at      DATETIME,
	last_full_sync_at DATETIME,
	sync_token        TEXT NOT NULL DEFAULT '',
	last_error        TEXT NOT NULL DEFAULT ''
);
`

const changeColumns = `id, entity_type, entity_id, operation, payload, base_version, client_modified,
	status, retry_count, error_message, created_at, updated_at`

// unsent covers every state that still owes the server a delivery.
const unsent = `('PENDING', 'PROCESSING', 'ERROR')`

// SQLiteStorage keeps the local mirror and the local outbox in one file so
// a mutation and its outbox row commit together.
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init tables: %w", err)
	}

	return &SQLiteStorage{db: db, now: time.Now}, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Mutate stores a local mutation and queues it for delivery atomically.
func (s *SQLiteStorage) Mutate(ctx context.Context, rec Record, ch *Change) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		rec.Dirty = true
		if err := upsertRecord(ctx, tx, rec); err != nil {
			return err
		}
		return s.insertChange(ctx, tx, ch)
	})
}

// ApplyRemote stores the server copy of a record as clean.
func (s *SQLiteStorage) ApplyRemote(ctx context.Context, rec Record) error {
	rec.Dirty = false
	return upsertRecord(ctx, s.db, rec)
}

// Settle replaces a conflicting record. Every undelivered change for it is
// dropped; replacement, when set, is queued in their place and keeps the
// record dirty.
func (s *SQLiteStorage) Settle(ctx context.Context, rec Record, replacement *Change) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM outbox WHERE entity_type = ? AND entity_id = ? AND status IN `+unsent,
			string(rec.Type), rec.ID); err != nil {
			return fmt.Errorf("drop superseded changes: %w", err)
		}
		rec.Dirty = replacement != nil
		if err := upsertRecord(ctx, tx, rec); err != nil {
			return err
		}
		if replacement == nil {
			return nil
		}
		return s.insertChange(ctx, tx, replacement)
	})
}

func (s *SQLiteStorage) GetRecord(ctx context.Context, typ entity.Type, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_type, id, data, version, last_modified, deleted, dirty
		FROM records WHERE entity_type = ? AND id = ?`, string(typ), id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// ListRecords returns live records of typ, or of every type when typ is empty.
func (s *SQLiteStorage) ListRecords(ctx context.Context, typ entity.Type, withDeleted bool) ([]Record, error) {
	query := `SELECT entity_type, id, data, version, last_modified, deleted, dirty FROM records WHERE 1=1`
	var args []any
	if typ != "" {
		query += ` AND entity_type = ?`
		args = append(args, string(typ))
	}
	if !withDeleted {
		query += ` AND deleted = 0`
	}
	query += ` ORDER BY last_modified DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// PendingChanges returns PENDING changes in the order they were made.
func (s *SQLiteStorage) PendingChanges(ctx context.Context) ([]Change, error) {
	return s.ListChanges(ctx, outbox.StatusPending)
}

func (s *SQLiteStorage) ListChanges(ctx context.Context, status outbox.Status) ([]Change, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+changeColumns+` FROM outbox WHERE status = ? ORDER BY seq`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		ch, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		out = append(out, *ch)
	}
	return out, rows.Err()
}

// MarkSent confirms a change and records the server version on the local
// copy. The copy stays dirty while other changes for it are undelivered.
func (s *SQLiteStorage) MarkSent(ctx context.Context, ch Change, version int) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE outbox SET status = 'SENT', error_message = '', updated_at = ? WHERE id = ?`,
			s.now().UTC(), ch.ID)
		if err != nil {
			return fmt.Errorf("mark change sent: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return outbox.ErrNotFound
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE records SET
				version = MAX(version, ?),
				dirty = EXISTS (SELECT 1 FROM outbox
				                WHERE entity_type = records.entity_type AND entity_id = records.id
				                  AND status IN `+unsent+`)
			WHERE entity_type = ? AND id = ?`,
			version, string(ch.EntityType), ch.EntityID)
		if err != nil {
			return fmt.Errorf("update record version: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStorage) MarkFailed(ctx context.Context, id string, status outbox.Status, retryCount int, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, retry_count = ?, error_message = ?, updated_at = ?
		WHERE id = ?`,
		string(status), retryCount, message, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark change failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return outbox.ErrNotFound
	}
	return nil
}

func (s *SQLiteStorage) CountChanges(ctx context.Context) (map[outbox.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, count(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count changes: %w", err)
	}
	defer rows.Close()

	out := make(map[outbox.Status]int, len(outbox.Statuses))
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan change count: %w", err)
		}
		out[outbox.Status(status)] = n
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) PurgeSent(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE status = 'SENT' AND updated_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge sent changes: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStorage) LoadState(ctx context.Context) (SyncState, error) {
	var (
		st             SyncState
		lastSync, full sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sync_at, last_full_sync_at, sync_token, last_error FROM sync_state WHERE id = 1`).
		Scan(&lastSync, &full, &st.SyncToken, &st.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncState{}, nil
	}
	if err != nil {
		return SyncState{}, fmt.Errorf("load sync state: %w", err)
	}
	st.LastSyncAt = lastSync.Time
	st.LastFullSyncAt = full.Time
	return st, nil
}

func (s *SQLiteStorage) SaveState(ctx context.Context, st SyncState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (id, last_sync_at, last_full_sync_at, sync_token, last_error)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			last_full_sync_at = excluded.last_full_sync_at,
			sync_token = excluded.sync_token,
			last_error = excluded.last_error`,
		nullTime(st.LastSyncAt), nullTime(st.LastFullSyncAt), st.SyncToken, st.LastError)
	if err != nil {
		return fmt.Errorf("save sync state: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertRecord(ctx context.Context, db execer, rec Record) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO records (entity_type, id, data, version, last_modified, deleted, dirty)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, id) DO UPDATE SET
			data = excluded.data,
			version = excluded.version,
			last_modified = excluded.last_modified,
			deleted = excluded.deleted,
			dirty = excluded.dirty`,
		string(rec.Type), rec.ID, string(rec.Data), rec.Version, rec.LastModified.UTC(), rec.Deleted, rec.Dirty)
	if err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) insertChange(ctx context.Context, tx *sql.Tx, ch *Change) error {
	now := s.now().UTC()
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = now
	}
	ch.UpdatedAt = now
	if ch.Status == "" {
		ch.Status = outbox.StatusPending
	}

	var payload sql.NullString
	if len(ch.Payload) > 0 {
		payload = sql.NullString{String: string(ch.Payload), Valid: true}
	}
	var modified sql.NullTime
	if ch.ClientModified != nil {
		modified = sql.NullTime{Time: ch.ClientModified.UTC(), Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (id, entity_type, entity_id, operation, payload, base_version, client_modified,
		                    status, retry_count, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ch.ID, string(ch.EntityType), ch.EntityID, string(ch.Operation), payload, ch.BaseVersion, modified,
		string(ch.Status), ch.RetryCount, ch.ErrorMessage, ch.CreatedAt, ch.UpdatedAt)
	if err != nil {
		return fmt.Errorf("queue change: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec       Record
		typ, data string
	)
	if err := row.Scan(&typ, &rec.ID, &data, &rec.Version, &rec.LastModified, &rec.Deleted, &rec.Dirty); err != nil {
		return nil, err
	}
	rec.Type = entity.Type(typ)
	rec.Data = []byte(data)
	return &rec, nil
}

func scanChange(row rowScanner) (*Change, error) {
	var (
		ch              Change
		typ, op, status string
		payload         sql.NullString
		baseVersion     sql.NullInt64
		clientModified  sql.NullTime
	)
	err := row.Scan(&ch.ID, &typ, &ch.EntityID, &op, &payload, &baseVersion, &clientModified,
		&status, &ch.RetryCount, &ch.ErrorMessage, &ch.CreatedAt, &ch.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ch.EntityType = entity.Type(typ)
	ch.Operation = outbox.Operation(op)
	ch.Status = outbox.Status(status)
	if payload.Valid {
		ch.Payload = []byte(payload.String)
	}
	if baseVersion.Valid {
		v := int(baseVersion.Int64)
		ch.BaseVersion = &v
	}
	if clientModified.Valid {
		t := clientModified.Time
		ch.ClientModified = &t
	}
	return &ch, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}
