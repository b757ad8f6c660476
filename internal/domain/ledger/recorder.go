package ledger

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/exp/slog"

	"crmsync/internal/domain/entity"
)

// Recorder appends entries on a best-effort basis. It is used to re-announce
// the current server copy of an entity after a rejected mutation, so the
// next pull of the affected client carries it. A lost entry only delays
// that until the entity changes again.
type Recorder struct {
	repo Appender
	log  *slog.Logger
	now  func() time.Time
}

func NewRecorder(repo Appender, log *slog.Logger) *Recorder {
	return &Recorder{
		repo: repo,
		log:  log.With(slog.String("component", "ledger_recorder")),
		now:  time.Now,
	}
}

// Record never fails the caller. Errors and panics are logged.
func (r *Recorder) Record(ctx context.Context, userID int, typ entity.Type, entityID string, op Operation) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("ledger append panicked",
				slog.String("entity_type", string(typ)),
				slog.String("entity_id", entityID),
				slog.String("panic", fmt.Sprint(p)),
			)
		}
	}()

	e := &Entry{
		UserID:          userID,
		EntityType:      typ,
		EntityID:        entityID,
		Operation:       op,
		ChangeTimestamp: r.now().UTC(),
	}
	if err := r.repo.Append(ctx, e); err != nil {
		r.log.Warn("ledger append failed",
			slog.String("entity_type", string(typ)),
			slog.String("entity_id", entityID),
			slog.String("operation", string(op)),
			slog.String("error", err.Error()),
		)
	}
}
