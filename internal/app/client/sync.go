package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"crmsync/internal/domain/conflict"
	"crmsync/internal/domain/entity"
	"crmsync/internal/domain/outbox"
	"crmsync/internal/domain/sync"
)

const (
	// syncOverlap widens every incremental pull so that entries stamped by
	// a database clock slightly behind the server clock are not skipped.
	syncOverlap   = time.Minute
	sentRetention = 7 * 24 * time.Hour
)

// Store is the local persistence the sync loop works on.
type Store interface {
	Mutate(ctx context.Context, rec Record, ch *Change) error
	ApplyRemote(ctx context.Context, rec Record) error
	Settle(ctx context.Context, rec Record, replacement *Change) error
	GetRecord(ctx context.Context, typ entity.Type, id string) (*Record, error)
	PendingChanges(ctx context.Context) ([]Change, error)
	MarkSent(ctx context.Context, ch Change, version int) error
	MarkFailed(ctx context.Context, id string, status outbox.Status, retryCount int, message string) error
	PurgeSent(ctx context.Context, before time.Time) (int64, error)
	LoadState(ctx context.Context) (SyncState, error)
	SaveState(ctx context.Context, st SyncState) error
}

// Remote is the part of the server API the sync loop calls.
type Remote interface {
	Push(ctx context.Context, req sync.PushRequest) (*sync.PushResponse, error)
	Pull(ctx context.Context, since time.Time, deviceID string) (*sync.PullResponse, error)
	Initial(ctx context.Context) (*sync.PullResponse, error)
}

// SyncService pushes the local outbox and pulls server changes. Only one
// run is active at a time; a concurrent call returns ErrSyncInProgress.
type SyncService struct {
	store     Store
	remote    Remote
	offline   *OfflineManager
	policy    outbox.Policy
	strategy  conflict.Strategy
	deviceID  string
	batchSize int
	interval  time.Duration
	running   atomic.Bool
	log       *slog.Logger
	now       func() time.Time
}

type SyncOption func(*SyncService)

// WithOfflineManager lets network failures mark the client offline and
// reconnects trigger a sync.
func WithOfflineManager(m *OfflineManager) SyncOption {
	return func(s *SyncService) { s.offline = m }
}

func WithStrategy(st conflict.Strategy) SyncOption {
	return func(s *SyncService) { s.strategy = st }
}

func WithInterval(d time.Duration) SyncOption {
	return func(s *SyncService) { s.interval = d }
}

func NewSyncService(store Store, remote Remote, deviceID string, log *slog.Logger, opts ...SyncOption) *SyncService {
	s := &SyncService{
		store:     store,
		remote:    remote,
		policy:    outbox.DefaultPolicy(),
		strategy:  conflict.StrategyAuto,
		deviceID:  deviceID,
		batchSize: sync.MaxBatchSize,
		interval:  15 * time.Minute,
		log:       log.With(slog.String("component", "sync_service")),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync pushes pending changes, then pulls what changed on the server.
func (s *SyncService) Sync(ctx context.Context) (*SyncResult, error) {
	return s.run(ctx, false)
}

// FullSync pushes pending changes, then replaces the local view with the
// full server snapshot.
func (s *SyncService) FullSync(ctx context.Context) (*SyncResult, error) {
	return s.run(ctx, true)
}

func (s *SyncService) run(ctx context.Context, full bool) (*SyncResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer s.running.Store(false)

	start := s.now()
	res := &SyncResult{Full: full}

	err := s.push(ctx, res)
	if err == nil {
		err = s.pull(ctx, res, full)
	}
	res.Duration = s.now().Sub(start)

	if err != nil {
		if IsNetworkError(err) && s.offline != nil {
			s.offline.MarkOffline()
		}
		s.saveError(ctx, err)
		s.log.Warn("sync failed", slog.String("error", err.Error()), slog.Int("pushed", res.Pushed))
		return res, err
	}

	if _, err := s.store.PurgeSent(ctx, s.now().Add(-sentRetention)); err != nil {
		s.log.Warn("purge sent changes", slog.String("error", err.Error()))
	}

	s.log.Info("sync finished",
		slog.Int("pushed", res.Pushed),
		slog.Int("failed", res.Failed),
		slog.Int("pulled", res.Pulled),
		slog.Int("conflicts", res.Conflicts),
		slog.Duration("duration", res.Duration),
	)
	return res, nil
}

// push sends every eligible change in batches of at most batchSize, all
// under one batch id. A temporary failure stops the push; the remaining
// changes wait for the next run.
func (s *SyncService) push(ctx context.Context, res *SyncResult) error {
	pending, err := s.store.PendingChanges(ctx)
	if err != nil {
		return err
	}

	now := s.now()
	eligible := pending[:0]
	for _, ch := range pending {
		if s.policy.Eligible(ch.item(), now) {
			eligible = append(eligible, ch)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	batchID := uuid.NewString()
	for start := 0; start < len(eligible); start += s.batchSize {
		end := min(start+s.batchSize, len(eligible))
		chunk := eligible[start:end]

		req := sync.PushRequest{
			Changes:   make([]sync.PushChange, 0, len(chunk)),
			BatchID:   batchID,
			LastBatch: end == len(eligible),
		}
		for _, ch := range chunk {
			req.Changes = append(req.Changes, pushChange(ch))
		}

		resp, err := s.remote.Push(ctx, req)
		res.Batches++
		if err != nil {
			s.failAll(ctx, chunk, err, res)
			if IsTemporary(err) {
				return fmt.Errorf("push batch: %w", err)
			}
			continue
		}
		s.settle(ctx, chunk, resp, res)
	}
	return nil
}

func (s *SyncService) failAll(ctx context.Context, chunk []Change, cause error, res *SyncResult) {
	if !IsTemporary(cause) {
		cause = outbox.Permanent(cause)
	}
	for _, ch := range chunk {
		s.fail(ctx, ch, cause, res)
	}
}

func (s *SyncService) fail(ctx context.Context, ch Change, cause error, res *SyncResult) {
	status, retries := s.policy.Fail(ch.item(), cause)
	if err := s.store.MarkFailed(ctx, ch.ID, status, retries, cause.Error()); err != nil {
		s.log.Error("mark change failed", slog.String("change_id", ch.ID), slog.String("error", err.Error()))
	}
	res.Failed++
	res.Errors = append(res.Errors, fmt.Sprintf("%s %s: %s", ch.EntityType, ch.EntityID, cause))
	if status == outbox.StatusError {
		s.log.Error("change gave up",
			slog.String("change_id", ch.ID),
			slog.String("entity_type", string(ch.EntityType)),
			slog.String("entity_id", ch.EntityID),
			slog.Int("retry_count", retries),
		)
	}
}

// settle applies per-item results. Results come back in request order.
func (s *SyncService) settle(ctx context.Context, chunk []Change, resp *sync.PushResponse, res *SyncResult) {
	for i, ch := range chunk {
		if i >= len(resp.Results) {
			s.fail(ctx, ch, errors.New("missing result for change"), res)
			continue
		}
		r := resp.Results[i]

		switch {
		case r.Status == sync.ResultSent:
			if err := s.store.MarkSent(ctx, ch, r.Version); err != nil {
				s.log.Error("mark change sent", slog.String("change_id", ch.ID), slog.String("error", err.Error()))
				continue
			}
			res.Pushed++
		case r.Conflict:
			// the server re-announces the winning copy; the next pull settles it
			s.fail(ctx, ch, outbox.Permanent(fmt.Errorf("conflict: server has version %d", r.Version)), res)
		default:
			s.fail(ctx, ch, errors.New(r.Error), res)
		}
	}
}

func (s *SyncService) pull(ctx context.Context, res *SyncResult, full bool) error {
	st, err := s.store.LoadState(ctx)
	if err != nil {
		return err
	}

	full = full || st.LastSyncAt.IsZero()
	res.Full = full

	var resp *sync.PullResponse
	if full {
		resp, err = s.remote.Initial(ctx)
	} else {
		resp, err = s.remote.Pull(ctx, st.LastSyncAt.Add(-syncOverlap), s.deviceID)
	}
	if err != nil {
		return fmt.Errorf("pull: %w", err)
	}

	for _, c := range resp.Changes {
		if err := s.applyChange(ctx, c, res); err != nil {
			return err
		}
		res.Pulled++
	}

	st.LastSyncAt = resp.LastSyncAt
	if full {
		st.LastFullSyncAt = resp.LastSyncAt
	}
	st.SyncToken = resp.SyncToken
	st.LastError = ""
	return s.store.SaveState(ctx, st)
}

// applyChange upserts a server record. A local copy with undelivered
// changes is a conflict and goes through the configured strategy.
func (s *SyncService) applyChange(ctx context.Context, c sync.Change, res *SyncResult) error {
	remote := recordFrom(c)

	local, err := s.store.GetRecord(ctx, c.Entity, c.ID)
	if errors.Is(err, ErrRecordNotFound) {
		return s.store.ApplyRemote(ctx, remote)
	}
	if err != nil {
		return err
	}
	if !local.Dirty {
		return s.store.ApplyRemote(ctx, remote)
	}

	res.Conflicts++
	return s.resolve(ctx, *local, remote)
}

func (s *SyncService) resolve(ctx context.Context, local, remote Record) error {
	strategy := s.strategy
	if strategy == conflict.StrategyMerge && (local.Deleted || remote.Deleted) {
		strategy = conflict.StrategyAuto
	}

	data := local.Data
	if local.Deleted && len(data) == 0 {
		data = remote.Data
	}

	resolution, err := conflict.Apply(strategy,
		conflict.Record{Stamp: conflict.Stamp{Version: remote.Version, LastModified: remote.LastModified}, Data: remote.Data},
		conflict.Record{Stamp: conflict.Stamp{Version: local.Version, LastModified: local.LastModified}, Data: data},
	)
	if err != nil {
		s.log.Warn("conflict resolution failed, keeping server copy",
			slog.String("entity_id", local.ID), slog.String("error", err.Error()))
		resolution.Winner = conflict.WinnerServer
	}

	s.log.Info("conflict resolved",
		slog.String("entity_type", string(local.Type)),
		slog.String("entity_id", local.ID),
		slog.String("winner", string(resolution.Winner)),
	)

	if resolution.Winner == conflict.WinnerServer {
		return s.store.Settle(ctx, remote, nil)
	}

	// the replacement must outrank the server copy on the next push
	now := s.now().UTC()
	version := remote.Version + 1
	rec := Record{
		ID:           local.ID,
		Type:         local.Type,
		Data:         resolution.Data,
		Version:      version,
		LastModified: now,
		Deleted:      local.Deleted,
	}
	ch := &Change{
		ID:             uuid.NewString(),
		EntityType:     local.Type,
		EntityID:       local.ID,
		Operation:      outbox.OpUpdate,
		Payload:        resolution.Data,
		BaseVersion:    &version,
		ClientModified: &now,
	}
	if local.Deleted {
		ch.Operation = outbox.OpDelete
		ch.Payload = nil
	}
	return s.store.Settle(ctx, rec, ch)
}

// StartAutoSync syncs at once, then every interval and on every reconnect,
// until ctx is done.
func (s *SyncService) StartAutoSync(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var reconnected <-chan struct{}
	if s.offline != nil {
		reconnected = s.offline.Reconnected()
	}

	s.syncLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("auto sync stopped")
			return
		case <-ticker.C:
			s.syncLogged(ctx)
		case <-reconnected:
			s.log.Info("reconnected, syncing")
			s.syncLogged(ctx)
		}
	}
}

func (s *SyncService) syncLogged(ctx context.Context) {
	if s.offline != nil && !s.offline.IsOnline() {
		s.log.Debug("offline, sync skipped")
		return
	}
	if _, err := s.Sync(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) && ctx.Err() == nil {
		s.log.Warn("auto sync", slog.String("error", err.Error()))
	}
}

func (s *SyncService) saveError(ctx context.Context, cause error) {
	st, err := s.store.LoadState(ctx)
	if err != nil {
		return
	}
	st.LastError = cause.Error()
	if err := s.store.SaveState(ctx, st); err != nil {
		s.log.Warn("save sync state", slog.String("error", err.Error()))
	}
}

func pushChange(ch Change) sync.PushChange {
	return sync.PushChange{
		EntityID:     ch.EntityID,
		EntityType:   ch.EntityType,
		Operation:    ch.Operation,
		Payload:      ch.Payload,
		Version:      ch.BaseVersion,
		LastModified: ch.ClientModified,
	}
}

func recordFrom(c sync.Change) Record {
	return Record{
		ID:           c.ID,
		Type:         c.Entity,
		Data:         c.Data,
		Version:      c.Metadata.Version,
		LastModified: c.Metadata.LastModified,
		Deleted:      c.Metadata.Deleted,
	}
}
