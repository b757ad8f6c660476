package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/exp/slog"

	"crmsync/internal/domain/entity"
	"crmsync/internal/domain/outbox"
)

const outboxColumns = `id, user_id, entity_type, entity_id, operation, payload, base_version,
	client_modified, batch_id, status, retry_count, error_message, created_at, updated_at, processed_at`

type OutboxRepository struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewOutboxRepository(pool *pgxpool.Pool, log *slog.Logger) *OutboxRepository {
	return &OutboxRepository{
		pool: pool,
		log:  log.With("component", "outbox_repository"),
	}
}

// Enqueue inserts items in one round trip and fills their timestamps.
func (r *OutboxRepository) Enqueue(ctx context.Context, items []*outbox.Item) error {
	if len(items) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, it := range items {
		var payload []byte
		if len(it.Payload) > 0 {
			payload = it.Payload
		}
		batch.Queue(`
			INSERT INTO outbox (id, user_id, entity_type, entity_id, operation, payload, base_version,
			                    client_modified, batch_id, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING created_at, updated_at`,
			it.ID, it.UserID, string(it.EntityType), it.EntityID, string(it.Operation), payload,
			it.BaseVersion, it.ClientModified, it.BatchID, string(it.Status),
		).QueryRow(func(row pgx.Row) error {
			return row.Scan(&it.CreatedAt, &it.UpdatedAt)
		})
	}

	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		r.log.Error("failed to enqueue outbox items", "count", len(items), "error", err)
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	return nil
}

func (r *OutboxRepository) Get(ctx context.Context, userID int, id string) (*outbox.Item, error) {
	it, err := scanItem(r.pool.QueryRow(ctx,
		`SELECT `+outboxColumns+` FROM outbox WHERE id = $1 AND user_id = $2`, id, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, outbox.ErrNotFound
		}
		return nil, fmt.Errorf("get outbox item: %w", err)
	}
	return it, nil
}

func (r *OutboxRepository) ListByStatus(ctx context.Context, userID int, status outbox.Status, limit int) ([]outbox.Item, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+outboxColumns+` FROM outbox WHERE user_id = $1 AND status = $2 ORDER BY created_at LIMIT $3`,
		userID, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	return scanItems(rows)
}

func (r *OutboxRepository) CountByStatus(ctx context.Context, userID int) (map[outbox.Status]int, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT status, count(*) FROM outbox WHERE user_id = $1 GROUP BY status`, userID)
	if err != nil {
		return nil, fmt.Errorf("count outbox: %w", err)
	}
	defer rows.Close()

	out := make(map[outbox.Status]int, len(outbox.Statuses))
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan outbox count: %w", err)
		}
		out[outbox.Status(status)] = n
	}
	return out, rows.Err()
}

// ClaimEligible applies the backoff schedule in SQL. SKIP LOCKED keeps
// concurrent claimers from picking the same rows.
func (r *OutboxRepository) ClaimEligible(ctx context.Context, limit int, staleAfter time.Duration) ([]outbox.Item, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE outbox o SET status = 'PROCESSING', updated_at = now()
		FROM (
			SELECT id FROM outbox
			WHERE (status = 'PENDING' AND (
			           retry_count = 0
			           OR updated_at <= now() - make_interval(secs => LEAST(power(2, retry_count), $3::float8))))
			   OR (status = 'PROCESSING' AND updated_at <= now() - make_interval(secs => $2::float8))
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		) claimed
		WHERE o.id = claimed.id
		RETURNING o.id, o.user_id, o.entity_type, o.entity_id, o.operation, o.payload, o.base_version,
		          o.client_modified, o.batch_id, o.status, o.retry_count, o.error_message,
		          o.created_at, o.updated_at, o.processed_at`,
		limit, staleAfter.Seconds(), outbox.MaxDelay.Seconds())
	if err != nil {
		r.log.Error("failed to claim outbox items", "error", err)
		return nil, fmt.Errorf("claim outbox: %w", err)
	}

	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

// MarkFailed never touches a SENT item; a late failure report for an item
// that was applied meanwhile gets ErrAlreadyApplied.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id string, status outbox.Status, retryCount int, message string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox SET status = $2, retry_count = $3, error_message = $4, updated_at = now()
		WHERE id = $1 AND status <> 'SENT'`,
		id, string(status), retryCount, message)
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = r.pool.QueryRow(ctx, `SELECT status FROM outbox WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return outbox.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	return outbox.ErrAlreadyApplied
}

func (r *OutboxRepository) PurgeSent(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM outbox WHERE status = 'SENT' AND processed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanItem(row scanner) (*outbox.Item, error) {
	var (
		it              outbox.Item
		typ, op, status string
		payload         []byte
	)
	err := row.Scan(&it.ID, &it.UserID, &typ, &it.EntityID, &op, &payload, &it.BaseVersion,
		&it.ClientModified, &it.BatchID, &status, &it.RetryCount, &it.ErrorMessage,
		&it.CreatedAt, &it.UpdatedAt, &it.ProcessedAt)
	if err != nil {
		return nil, err
	}
	it.EntityType = entity.Type(typ)
	it.Operation = outbox.Operation(op)
	it.Status = outbox.Status(status)
	it.Payload = payload
	return &it, nil
}

func scanItems(rows pgx.Rows) ([]outbox.Item, error) {
	defer rows.Close()

	var out []outbox.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox item: %w", err)
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}
