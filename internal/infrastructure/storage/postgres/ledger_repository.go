package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/exp/slog"

	"crmsync/internal/domain/entity"
	"crmsync/internal/domain/ledger"
)

type LedgerRepository struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewLedgerRepository(pool *pgxpool.Pool, log *slog.Logger) *LedgerRepository {
	return &LedgerRepository{
		pool: pool,
		log:  log.With("component", "ledger_repository"),
	}
}

func (r *LedgerRepository) Append(ctx context.Context, e *ledger.Entry) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO change_ledger (user_id, entity_type, entity_id, operation)
		VALUES ($1, $2, $3, $4)
		RETURNING id, change_timestamp`,
		e.UserID, string(e.EntityType), e.EntityID, string(e.Operation),
	).Scan(&e.ID, &e.ChangeTimestamp)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

func (r *LedgerRepository) List(ctx context.Context, q ledger.Query) ([]ledger.Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, entity_type, entity_id, operation, change_timestamp, processed
		FROM change_ledger
		WHERE user_id = $1 AND NOT processed AND change_timestamp > $2
		  AND (cardinality($3::text[]) = 0 OR entity_type = ANY($3::text[]))
		ORDER BY id`,
		q.UserID, q.Since, typeFilter(q.Types))
	if err != nil {
		r.log.Error("failed to list ledger", "user_id", q.UserID, "error", err)
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var (
			e       ledger.Entry
			typ, op string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &typ, &e.EntityID, &op, &e.ChangeTimestamp, &e.Processed); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.EntityType = entity.Type(typ)
		e.Operation = ledger.Operation(op)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *LedgerRepository) CountPending(ctx context.Context, userID int) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM change_ledger WHERE user_id = $1 AND NOT processed`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

func (r *LedgerRepository) PurgeProcessed(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM change_ledger WHERE processed AND change_timestamp < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge ledger: %w", err)
	}
	return tag.RowsAffected(), nil
}
