package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/exp/slog"

	"crmsync/internal/domain/entity"
	"crmsync/internal/domain/ledger"
	"crmsync/internal/domain/outbox"
	"crmsync/internal/domain/sync"
)

const entityColumns = `id, user_id, entity_type, data, version, last_modified, deleted, created_at`

// SyncRepository stores entities, the change ledger, sync cursors and
// devices. Every method that touches more than one table runs in a single
// transaction.
type SyncRepository struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewSyncRepository(pool *pgxpool.Pool, log *slog.Logger) *SyncRepository {
	return &SyncRepository{
		pool: pool,
		log:  log.With("component", "sync_repository"),
	}
}

func (r *SyncRepository) Snapshot(ctx context.Context, userID int, types []entity.Type, now time.Time, update sync.CursorUpdate) ([]entity.Entity, error) {
	var out []entity.Entity
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := lockCursor(ctx, tx, userID); err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `
			SELECT `+entityColumns+`
			FROM entities
			WHERE user_id = $1 AND NOT deleted
			  AND (cardinality($2::text[]) = 0 OR entity_type = ANY($2::text[]))
			ORDER BY id`,
			userID, typeFilter(types))
		if err != nil {
			return fmt.Errorf("select entities: %w", err)
		}
		out, err = scanEntities(rows)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE change_ledger SET processed = true
			WHERE user_id = $1 AND NOT processed AND change_timestamp <= $3
			  AND (cardinality($2::text[]) = 0 OR entity_type = ANY($2::text[]))`,
			userID, typeFilter(types), now)
		if err != nil {
			return fmt.Errorf("consume ledger: %w", err)
		}

		_, err = saveCursor(ctx, tx, userID, update)
		return err
	})
	if err != nil {
		r.log.Error("snapshot failed", "user_id", userID, "error", err)
		return nil, err
	}
	return out, nil
}

func (r *SyncRepository) ConsumeChanges(ctx context.Context, q sync.ChangeQuery, update sync.CursorUpdate) ([]entity.Entity, error) {
	var out []entity.Entity
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		cur, err := lockCursor(ctx, tx, q.UserID)
		if err != nil {
			return err
		}
		since := cur.LastSyncAt
		if q.Since != nil {
			since = *q.Since
		}

		rows, err := tx.Query(ctx, `
			WITH consumed AS (
				UPDATE change_ledger SET processed = true
				WHERE user_id = $1 AND NOT processed AND change_timestamp > $2
				  AND (cardinality($3::text[]) = 0 OR entity_type = ANY($3::text[]))
				RETURNING id, entity_id
			), firsts AS (
				SELECT entity_id, min(id) AS first_id FROM consumed GROUP BY entity_id
			)
			SELECT e.id, e.user_id, e.entity_type, e.data, e.version, e.last_modified, e.deleted, e.created_at
			FROM entities e
			JOIN firsts f ON f.entity_id = e.id
			WHERE e.user_id = $1
			ORDER BY f.first_id`,
			q.UserID, since, typeFilter(q.Types))
		if err != nil {
			return fmt.Errorf("consume ledger: %w", err)
		}
		out, err = scanEntities(rows)
		if err != nil {
			return err
		}

		_, err = saveCursor(ctx, tx, q.UserID, update)
		return err
	})
	if err != nil {
		r.log.Error("consume changes failed", "user_id", q.UserID, "error", err)
		return nil, err
	}
	return out, nil
}

func (r *SyncRepository) ApplyMutation(ctx context.Context, m sync.Mutation, decide sync.Decider) (*entity.Entity, error) {
	var written *entity.Entity
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		// Serializes writers of the same id even when the row does not exist yet.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`, m.UserID, m.EntityID); err != nil {
			return fmt.Errorf("lock entity: %w", err)
		}

		if m.OutboxID != "" {
			var status string
			err := tx.QueryRow(ctx, `SELECT status FROM outbox WHERE id = $1 FOR UPDATE`, m.OutboxID).Scan(&status)
			switch {
			case errors.Is(err, pgx.ErrNoRows):
			case err != nil:
				return fmt.Errorf("lock outbox item: %w", err)
			case status == string(outbox.StatusSent):
				return outbox.ErrAlreadyApplied
			}
		}

		current, err := scanEntity(tx.QueryRow(ctx,
			`SELECT `+entityColumns+` FROM entities WHERE user_id = $1 AND id = $2 FOR UPDATE`,
			m.UserID, m.EntityID))
		if errors.Is(err, pgx.ErrNoRows) {
			current, err = nil, nil
		}
		if err != nil {
			return fmt.Errorf("select entity: %w", err)
		}

		next, err := decide(current)
		if err != nil {
			return err
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO entities (user_id, id, entity_type, data, version, last_modified, deleted)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (user_id, id) DO UPDATE SET
				entity_type = EXCLUDED.entity_type,
				data = EXCLUDED.data,
				version = EXCLUDED.version,
				last_modified = EXCLUDED.last_modified,
				deleted = EXCLUDED.deleted
			RETURNING created_at`,
			m.UserID, next.ID, string(next.Type), []byte(next.Data), next.Version, next.LastModified, next.Deleted,
		).Scan(&next.CreatedAt)
		if err != nil {
			return fmt.Errorf("upsert entity: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO change_ledger (user_id, entity_type, entity_id, operation)
			VALUES ($1, $2, $3, $4)`,
			m.UserID, string(next.Type), next.ID, string(ledger.OperationFor(current, next)))
		if err != nil {
			return fmt.Errorf("append ledger: %w", err)
		}

		if m.OutboxID != "" {
			_, err = tx.Exec(ctx, `
				UPDATE outbox SET status = 'SENT', error_message = '', processed_at = now(), updated_at = now()
				WHERE id = $1 AND status <> 'SENT'`, m.OutboxID)
			if err != nil {
				return fmt.Errorf("mark outbox sent: %w", err)
			}
		}

		next.UserID = m.UserID
		written = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return written, nil
}

func (r *SyncRepository) GetEntity(ctx context.Context, userID int, id string) (*entity.Entity, error) {
	e, err := scanEntity(r.pool.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE user_id = $1 AND id = $2`, userID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

func (r *SyncRepository) GetEntities(ctx context.Context, userID int, ids []string) ([]entity.Entity, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE user_id = $1 AND id = ANY($2::text[]) ORDER BY id`,
		userID, ids)
	if err != nil {
		return nil, fmt.Errorf("get entities: %w", err)
	}
	return scanEntities(rows)
}

func (r *SyncRepository) GetCursor(ctx context.Context, userID int) (*sync.Cursor, error) {
	cur, err := scanCursor(r.pool.QueryRow(ctx, cursorSelect+` WHERE user_id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &sync.Cursor{UserID: userID}, nil
		}
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	return cur, nil
}

func (r *SyncRepository) UpdateCursor(ctx context.Context, userID int, update sync.CursorUpdate) (*sync.Cursor, error) {
	var out *sync.Cursor
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := lockCursor(ctx, tx, userID); err != nil {
			return err
		}
		var err error
		out, err = saveCursor(ctx, tx, userID, update)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *SyncRepository) UpsertDevice(ctx context.Context, d *sync.Device) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO devices (user_id, device_id, platform, name, app_version, push_token, last_active_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, device_id) DO UPDATE SET
			platform = EXCLUDED.platform,
			name = EXCLUDED.name,
			app_version = EXCLUDED.app_version,
			push_token = EXCLUDED.push_token,
			last_active_at = EXCLUDED.last_active_at
		RETURNING created_at`,
		d.UserID, d.DeviceID, d.Platform, d.Name, d.AppVersion, d.PushToken, d.LastActiveAt,
	).Scan(&d.CreatedAt)
	if err != nil {
		r.log.Error("failed to upsert device", "user_id", d.UserID, "device_id", d.DeviceID, "error", err)
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

func (r *SyncRepository) TouchDevice(ctx context.Context, userID int, deviceID string, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE devices SET last_active_at = $3 WHERE user_id = $1 AND device_id = $2`,
		userID, deviceID, at)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

func (r *SyncRepository) ListDevices(ctx context.Context, userID int) ([]sync.Device, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, device_id, platform, name, app_version, push_token, last_active_at, created_at
		FROM devices WHERE user_id = $1 ORDER BY device_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []sync.Device
	for rows.Next() {
		var d sync.Device
		if err := rows.Scan(&d.UserID, &d.DeviceID, &d.Platform, &d.Name, &d.AppVersion,
			&d.PushToken, &d.LastActiveAt, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

const cursorSelect = `
	SELECT user_id, last_sync_at, last_full_sync_at, sync_token, pending_changes_count,
	       is_syncing, last_error, updated_at
	FROM sync_cursors`

// lockCursor creates the cursor row on first use and locks it for the
// rest of the transaction.
func lockCursor(ctx context.Context, tx pgx.Tx, userID int) (*sync.Cursor, error) {
	if _, err := tx.Exec(ctx,
		`INSERT INTO sync_cursors (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return nil, fmt.Errorf("create cursor: %w", err)
	}
	cur, err := scanCursor(tx.QueryRow(ctx, cursorSelect+` WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, fmt.Errorf("lock cursor: %w", err)
	}
	return cur, nil
}

// saveCursor reads the locked cursor, computes totals, applies update and
// writes the result back.
func saveCursor(ctx context.Context, tx pgx.Tx, userID int, update sync.CursorUpdate) (*sync.Cursor, error) {
	cur, err := scanCursor(tx.QueryRow(ctx, cursorSelect+` WHERE user_id = $1`, userID))
	if err != nil {
		return nil, fmt.Errorf("read cursor: %w", err)
	}

	var totals sync.Totals
	err = tx.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE entity_type = 'contact'),
			count(*) FILTER (WHERE entity_type = 'deal'),
			count(*) FILTER (WHERE entity_type = 'task'),
			(SELECT count(*) FROM change_ledger WHERE user_id = $1 AND NOT processed)
		FROM entities WHERE user_id = $1 AND NOT deleted`, userID,
	).Scan(&totals.Contacts, &totals.Deals, &totals.Tasks, &totals.Pending)
	if err != nil {
		return nil, fmt.Errorf("count totals: %w", err)
	}

	if err := update(cur, totals); err != nil {
		return nil, err
	}

	err = tx.QueryRow(ctx, `
		UPDATE sync_cursors SET
			last_sync_at = $2,
			last_full_sync_at = $3,
			sync_token = $4,
			pending_changes_count = $5,
			is_syncing = $6,
			last_error = $7,
			updated_at = now()
		WHERE user_id = $1
		RETURNING updated_at`,
		userID, nullTime(cur.LastSyncAt), nullTime(cur.LastFullSyncAt), cur.SyncToken,
		cur.PendingChangesCount, cur.IsSyncing, cur.LastError,
	).Scan(&cur.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update cursor: %w", err)
	}
	return cur, nil
}

func scanCursor(row scanner) (*sync.Cursor, error) {
	var (
		cur                sync.Cursor
		lastSync, lastFull *time.Time
	)
	err := row.Scan(&cur.UserID, &lastSync, &lastFull, &cur.SyncToken, &cur.PendingChangesCount,
		&cur.IsSyncing, &cur.LastError, &cur.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastSync != nil {
		cur.LastSyncAt = *lastSync
	}
	if lastFull != nil {
		cur.LastFullSyncAt = *lastFull
	}
	return &cur, nil
}

func scanEntity(row scanner) (*entity.Entity, error) {
	var (
		e    entity.Entity
		typ  string
		data []byte
	)
	err := row.Scan(&e.ID, &e.UserID, &typ, &data, &e.Version, &e.LastModified, &e.Deleted, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Type = entity.Type(typ)
	e.Data = data
	return &e, nil
}

func scanEntities(rows pgx.Rows) ([]entity.Entity, error) {
	defer rows.Close()

	var out []entity.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
