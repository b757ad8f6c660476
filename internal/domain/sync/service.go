package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"crmsync/internal/domain/conflict"
	"crmsync/internal/domain/entity"
	"crmsync/internal/domain/ledger"
	"crmsync/internal/domain/outbox"
)

// Servicer is the sync protocol as seen by the HTTP layer.
type Servicer interface {
	Initial(ctx context.Context, userID int, types []entity.Type) (*PullResponse, error)
	Incremental(ctx context.Context, userID int, since *time.Time, types []entity.Type) (*PullResponse, error)
	Pull(ctx context.Context, userID int, req PullRequest) (*PullResponse, error)
	Changes(ctx context.Context, userID int, since *time.Time, types []entity.Type, full bool) (*ChangesResponse, error)
	Push(ctx context.Context, userID int, req PushRequest) (*PushResponse, error)
	Outgoing(ctx context.Context, userID int, changes []PushChange) (*PushResponse, error)
	ResolveConflict(ctx context.Context, userID int, req ResolveRequest) (*ResolveResponse, error)
	RegisterDevice(ctx context.Context, userID int, req RegisterDeviceRequest) (*Device, error)
	ListDevices(ctx context.Context, userID int) ([]Device, error)
	Status(ctx context.Context, userID int) (*StatusResponse, error)
	ListOutbox(ctx context.Context, userID int, status outbox.Status) ([]outbox.Item, error)
	ValidateSyncToken(ctx context.Context, userID int, token string) (bool, error)
}

// Recorder re-announces an entity on the ledger without failing the caller.
type Recorder interface {
	Record(ctx context.Context, userID int, typ entity.Type, entityID string, op ledger.Operation)
}

type Service struct {
	repo     Repository
	outbox   outbox.Repository
	ledger   ledger.Repository
	recorder Recorder
	log      *slog.Logger
	config   ServiceConfig
	now      func() time.Time
}

func NewService(
	repo Repository,
	outboxRepo outbox.Repository,
	ledgerRepo ledger.Repository,
	recorder Recorder,
	log *slog.Logger,
	config *ServiceConfig,
) *Service {
	cfg := DefaultServiceConfig()
	if config != nil {
		cfg = *config
	}

	return &Service{
		repo:     repo,
		outbox:   outboxRepo,
		ledger:   ledgerRepo,
		recorder: recorder,
		log:      log.With(slog.String("component", "sync_service")),
		config:   cfg,
		now:      time.Now,
	}
}

// Initial returns the full current snapshot and resets the cursor. A
// snapshot limited to some types leaves the cursor where it was, so changes
// to the other types stay reachable by the next default pull.
func (s *Service) Initial(ctx context.Context, userID int, types []entity.Type) (*PullResponse, error) {
	now := s.now().UTC()
	var token string
	var lastSync time.Time

	ents, err := s.repo.Snapshot(ctx, userID, types, now, func(cur *Cursor, totals Totals) error {
		t, err := MintToken(userID, now, totals, now)
		if err != nil {
			return err
		}
		if len(types) == 0 {
			cur.LastSyncAt = now
			cur.LastFullSyncAt = now
		}
		cur.SyncToken = t
		cur.PendingChangesCount = totals.Pending
		token, lastSync = t, cur.LastSyncAt
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("initial snapshot: %w", err)
	}

	s.log.Debug("initial sync", slog.Int("user_id", userID), slog.Int("records", len(ents)))

	return &PullResponse{
		Changes:    changesFrom(ents),
		SyncToken:  token,
		LastSyncAt: lastSync,
		ServerTime: now,
		Full:       true,
	}, nil
}

// Incremental is Pull without device bookkeeping.
func (s *Service) Incremental(ctx context.Context, userID int, since *time.Time, types []entity.Type) (*PullResponse, error) {
	return s.Pull(ctx, userID, PullRequest{Since: since, Types: types})
}

// Pull consumes unprocessed ledger entries newer than since and returns the
// current snapshot of every entity they touch. A second pull with nothing
// new in between returns no changes. Only an unfiltered pull advances
// LastSyncAt.
func (s *Service) Pull(ctx context.Context, userID int, req PullRequest) (*PullResponse, error) {
	now := s.now().UTC()
	var token string
	var lastSync time.Time

	ents, err := s.repo.ConsumeChanges(ctx, ChangeQuery{UserID: userID, Since: req.Since, Types: req.Types},
		func(cur *Cursor, totals Totals) error {
			t, err := MintToken(userID, now, totals, now)
			if err != nil {
				return err
			}
			if len(req.Types) == 0 {
				cur.LastSyncAt = now
			}
			cur.SyncToken = t
			cur.PendingChangesCount = totals.Pending
			token, lastSync = t, cur.LastSyncAt
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("consume changes: %w", err)
	}

	if req.DeviceID != "" {
		if err := s.repo.TouchDevice(ctx, userID, req.DeviceID, now); err != nil {
			s.log.Warn("touch device", slog.String("device_id", req.DeviceID), slog.String("error", err.Error()))
		}
	}

	s.log.Debug("pull", slog.Int("user_id", userID), slog.Int("changes", len(ents)))

	return &PullResponse{
		Changes:    changesFrom(ents),
		SyncToken:  token,
		LastSyncAt: lastSync,
		ServerTime: now,
	}, nil
}

// Changes lists pending ledger entries, or their resolved snapshots with
// full, without marking anything processed.
func (s *Service) Changes(ctx context.Context, userID int, since *time.Time, types []entity.Type, full bool) (*ChangesResponse, error) {
	q := ledger.Query{UserID: userID, Types: types}
	if since != nil {
		q.Since = *since
	} else {
		cur, err := s.repo.GetCursor(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("get cursor: %w", err)
		}
		q.Since = cur.LastSyncAt
	}

	entries, err := s.ledger.List(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	if !full {
		return &ChangesResponse{Entries: entries}, nil
	}

	seen := make(map[string]struct{}, len(entries))
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.EntityID]; ok {
			continue
		}
		seen[e.EntityID] = struct{}{}
		ids = append(ids, e.EntityID)
	}

	ents, err := s.repo.GetEntities(ctx, userID, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve entities: %w", err)
	}
	return &ChangesResponse{Changes: changesFrom(ents), Full: true}, nil
}

// Push validates the batch as a whole, then enqueues and applies every item
// independently. Per-item failures never fail the batch.
//
// Items are enqueued already PROCESSING: the background processor only
// picks them up once they are stale, which happens when this request dies
// between enqueue and apply.
func (s *Service) Push(ctx context.Context, userID int, req PushRequest) (*PushResponse, error) {
	if err := s.checkLimits(req.Changes); err != nil {
		return nil, err
	}

	results, items := s.prepare(userID, req.BatchID, req.Changes, outbox.StatusProcessing)
	if err := s.outbox.Enqueue(ctx, items); err != nil {
		return nil, fmt.Errorf("enqueue changes: %w", err)
	}

	if _, err := s.repo.UpdateCursor(ctx, userID, func(cur *Cursor, _ Totals) error {
		cur.IsSyncing = true
		return nil
	}); err != nil {
		s.log.Warn("mark cursor syncing", slog.Int("user_id", userID), slog.String("error", err.Error()))
	}

	resp := &PushResponse{Results: results, BatchID: req.BatchID, LastBatch: req.LastBatch}
	var lastErr string
	for i := range resp.Results {
		res := &resp.Results[i]
		if res.Status == ResultError {
			lastErr = res.Error
			continue
		}
		s.applyItem(ctx, *itemFor(items, res.OutboxID), res)
		if res.Status == ResultError {
			lastErr = res.Error
		}
	}

	for _, res := range resp.Results {
		if res.Status == ResultSent {
			resp.Processed++
		} else {
			resp.Failed++
		}
	}

	finished := req.LastBatch || req.BatchID == ""
	if _, err := s.repo.UpdateCursor(ctx, userID, func(cur *Cursor, totals Totals) error {
		cur.PendingChangesCount = totals.Pending
		cur.LastError = lastErr
		if finished {
			cur.IsSyncing = false
		}
		return nil
	}); err != nil {
		s.log.Error("update cursor after push", slog.Int("user_id", userID), slog.String("error", err.Error()))
	}

	s.log.Info("push",
		slog.Int("user_id", userID),
		slog.String("batch_id", req.BatchID),
		slog.Bool("last_batch", req.LastBatch),
		slog.Int("processed", resp.Processed),
		slog.Int("failed", resp.Failed),
	)
	return resp, nil
}

// Outgoing only enqueues. The background processor applies the items. The
// batch limits of Push apply here too.
func (s *Service) Outgoing(ctx context.Context, userID int, changes []PushChange) (*PushResponse, error) {
	if err := s.checkLimits(changes); err != nil {
		return nil, err
	}

	results, items := s.prepare(userID, "", changes, outbox.StatusPending)
	if err := s.outbox.Enqueue(ctx, items); err != nil {
		return nil, fmt.Errorf("enqueue changes: %w", err)
	}

	resp := &PushResponse{Results: results}
	for i := range resp.Results {
		if resp.Results[i].Status == ResultError {
			resp.Failed++
			continue
		}
		resp.Results[i].Status = ResultPending
	}
	return resp, nil
}

// Apply implements outbox.Applier. An item that is already SENT counts as
// applied.
func (s *Service) Apply(ctx context.Context, it outbox.Item) error {
	_, err := s.apply(ctx, it)
	if errors.Is(err, outbox.ErrAlreadyApplied) {
		s.log.Debug("outbox item already applied", slog.String("id", it.ID))
		return nil
	}
	return err
}

// Abandon is called for items that ended in ERROR. The current server copy
// is re-announced so the client that sent the item converges on its next pull.
func (s *Service) Abandon(ctx context.Context, it outbox.Item) {
	s.recorder.Record(ctx, it.UserID, it.EntityType, it.EntityID, ledger.OpUpdate)
}

// ResolveConflict settles a conflicting record with the given strategy.
// When the server copy wins nothing is written.
func (s *Service) ResolveConflict(ctx context.Context, userID int, req ResolveRequest) (*ResolveResponse, error) {
	strategy, err := conflict.ParseStrategy(string(req.Strategy))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStrategy, err)
	}

	cur, err := s.repo.GetEntity(ctx, userID, req.EntityID)
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	if cur == nil || cur.Type != req.EntityType {
		return nil, ErrEntityNotFound
	}

	server := conflict.Record{
		Stamp: conflict.Stamp{Version: cur.Version, LastModified: cur.LastModified},
		Data:  cur.Data,
	}
	local := conflict.Record{Data: req.ClientData}
	if req.ClientVersion != nil {
		local.Version = *req.ClientVersion
	}
	if req.ClientLastModified != nil {
		local.LastModified = *req.ClientLastModified
	}

	res, err := conflict.Apply(strategy, server, local)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", entity.ErrValidation, err)
	}
	if res.Winner == conflict.WinnerServer {
		return &ResolveResponse{Resolution: res.Winner, Strategy: strategy, Record: ChangeFrom(*cur)}, nil
	}

	data, err := entity.Normalize(cur.Type, res.Data)
	if err != nil {
		return nil, err
	}

	written, err := s.repo.ApplyMutation(ctx, Mutation{UserID: userID, EntityID: cur.ID, EntityType: cur.Type},
		func(current *entity.Entity) (*entity.Entity, error) {
			if current == nil {
				return nil, ErrEntityNotFound
			}
			next := *current
			next.Data = data
			next.Deleted = false
			next.Touch(s.now().UTC())
			return &next, nil
		})
	if err != nil {
		return nil, fmt.Errorf("write resolution: %w", err)
	}

	s.log.Info("conflict resolved",
		slog.Int("user_id", userID),
		slog.String("entity_id", cur.ID),
		slog.String("strategy", string(strategy)),
		slog.String("winner", string(res.Winner)),
		slog.Int("version", written.Version),
	)
	return &ResolveResponse{Resolution: res.Winner, Strategy: strategy, Record: ChangeFrom(*written)}, nil
}

func (s *Service) RegisterDevice(ctx context.Context, userID int, req RegisterDeviceRequest) (*Device, error) {
	if req.DeviceID == "" {
		return nil, ErrDeviceRequired
	}

	now := s.now().UTC()
	d := &Device{
		UserID:       userID,
		DeviceID:     req.DeviceID,
		Platform:     req.Platform,
		Name:         req.Name,
		AppVersion:   req.AppVersion,
		PushToken:    req.PushToken,
		LastActiveAt: now,
		CreatedAt:    now,
	}
	if err := s.repo.UpsertDevice(ctx, d); err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}
	return d, nil
}

func (s *Service) ListDevices(ctx context.Context, userID int) ([]Device, error) {
	return s.repo.ListDevices(ctx, userID)
}

// Status reports the cursor and outbox counts so stuck ERROR items are visible.
func (s *Service) Status(ctx context.Context, userID int) (*StatusResponse, error) {
	cur, err := s.repo.GetCursor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}

	pending, err := s.ledger.CountPending(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("count pending changes: %w", err)
	}
	cur.PendingChangesCount = pending

	counts, err := s.outbox.CountByStatus(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("count outbox: %w", err)
	}

	devices, err := s.repo.ListDevices(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	return &StatusResponse{Cursor: *cur, Outbox: counts, Devices: len(devices)}, nil
}

func (s *Service) ListOutbox(ctx context.Context, userID int, status outbox.Status) ([]outbox.Item, error) {
	return s.outbox.ListByStatus(ctx, userID, status, s.config.OutboxListLimit)
}

// ValidateSyncToken compares token with the last one issued to the user.
func (s *Service) ValidateSyncToken(ctx context.Context, userID int, token string) (bool, error) {
	cur, err := s.repo.GetCursor(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("get cursor: %w", err)
	}
	return token != "" && token == cur.SyncToken, nil
}

func (s *Service) checkLimits(changes []PushChange) error {
	if len(changes) > s.config.MaxBatchSize {
		return ErrBatchTooLarge
	}
	raw, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}
	if len(raw) > s.config.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	return nil
}

// prepare turns changes into items in the given status. Changes that are
// malformed get an error result and no item.
func (s *Service) prepare(userID int, batchID string, changes []PushChange, status outbox.Status) ([]PushResult, []*outbox.Item) {
	now := s.now().UTC()
	results := make([]PushResult, 0, len(changes))
	items := make([]*outbox.Item, 0, len(changes))

	for _, ch := range changes {
		if ch.EntityID == "" && ch.Operation == outbox.OpCreate {
			ch.EntityID = uuid.NewString()
		}
		if err := validateChange(ch); err != nil {
			results = append(results, PushResult{EntityID: ch.EntityID, Status: ResultError, Error: err.Error()})
			continue
		}

		it := &outbox.Item{
			ID:             uuid.NewString(),
			UserID:         userID,
			EntityType:     ch.EntityType,
			EntityID:       ch.EntityID,
			Operation:      ch.Operation,
			Payload:        ch.Payload,
			BaseVersion:    ch.Version,
			ClientModified: ch.LastModified,
			BatchID:        batchID,
			Status:         status,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		items = append(items, it)
		results = append(results, PushResult{EntityID: it.EntityID, OutboxID: it.ID})
	}
	return results, items
}

func validateChange(ch PushChange) error {
	if !ch.EntityType.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidChange, entity.ErrUnknownType)
	}
	if !ch.Operation.Valid() {
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidChange, ch.Operation)
	}
	if ch.EntityID == "" {
		return fmt.Errorf("%w: entityId is required", ErrInvalidChange)
	}
	if ch.Operation != outbox.OpDelete && len(ch.Payload) == 0 {
		return fmt.Errorf("%w: payload is required for %s", ErrInvalidChange, ch.Operation)
	}
	return nil
}

func itemFor(items []*outbox.Item, id string) *outbox.Item {
	for _, it := range items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

// applyItem applies one pushed item and fills in its result. A failure marks
// the item ERROR; conflicts re-announce the server copy.
func (s *Service) applyItem(ctx context.Context, it outbox.Item, res *PushResult) {
	ent, err := s.apply(ctx, it)
	if err == nil {
		res.Status = ResultSent
		res.Version = ent.Version
		return
	}
	if errors.Is(err, outbox.ErrAlreadyApplied) {
		res.Status = ResultSent
		if cur, gerr := s.repo.GetEntity(ctx, it.UserID, it.EntityID); gerr == nil && cur != nil {
			res.Version = cur.Version
		}
		return
	}

	res.Status = ResultError
	res.Error = err.Error()

	if merr := s.outbox.MarkFailed(ctx, it.ID, outbox.StatusError, it.RetryCount+1, err.Error()); merr != nil {
		s.log.Error("mark pushed item failed", slog.String("id", it.ID), slog.String("error", merr.Error()))
	}

	var ce *ConflictError
	if errors.As(err, &ce) {
		res.Conflict = true
		res.Version = ce.ServerVersion
		s.recorder.Record(ctx, it.UserID, it.EntityType, it.EntityID, ledger.OpUpdate)
	}
}

func (s *Service) apply(ctx context.Context, it outbox.Item) (*entity.Entity, error) {
	m := Mutation{UserID: it.UserID, EntityID: it.EntityID, EntityType: it.EntityType, OutboxID: it.ID}
	return s.repo.ApplyMutation(ctx, m, func(current *entity.Entity) (*entity.Entity, error) {
		return decide(it, current, s.now().UTC())
	})
}

// decide computes the entity state a mutation produces. Errors it returns
// cannot be fixed by retrying and are marked permanent.
//
// CREATE of an existing id updates it and UPDATE of a missing id creates it,
// so replays are harmless. DELETE leaves a tombstone.
func decide(it outbox.Item, current *entity.Entity, now time.Time) (*entity.Entity, error) {
	if current != nil && current.Type != it.EntityType {
		return nil, outbox.Permanent(fmt.Errorf("%w: %s is a %s", ErrTypeMismatch, it.EntityID, current.Type))
	}

	if it.Operation == outbox.OpDelete {
		if current == nil || current.Deleted {
			return nil, outbox.Permanent(ErrEntityNotFound)
		}
		if err := checkStamp(it, current); err != nil {
			return nil, err
		}
		next := *current
		next.Deleted = true
		next.Touch(now)
		return &next, nil
	}

	data, err := entity.Normalize(it.EntityType, it.Payload)
	if err != nil {
		return nil, outbox.Permanent(err)
	}

	if current == nil {
		return &entity.Entity{
			ID:           it.EntityID,
			UserID:       it.UserID,
			Type:         it.EntityType,
			Data:         data,
			Version:      1,
			LastModified: now,
			CreatedAt:    now,
		}, nil
	}

	if err := checkStamp(it, current); err != nil {
		return nil, err
	}
	next := *current
	next.Data = data
	next.Deleted = false
	next.Touch(now)
	return &next, nil
}

// checkStamp rejects a conditional write whose stamp loses to the server copy.
func checkStamp(it outbox.Item, current *entity.Entity) error {
	if it.BaseVersion == nil {
		return nil
	}

	local := conflict.Stamp{Version: *it.BaseVersion}
	if it.ClientModified != nil {
		local.LastModified = *it.ClientModified
	}
	server := conflict.Stamp{Version: current.Version, LastModified: current.LastModified}

	if conflict.Resolve(server, local) == conflict.WinnerServer {
		return outbox.Permanent(&ConflictError{
			EntityID:       current.ID,
			ServerVersion:  current.Version,
			ServerModified: current.LastModified,
		})
	}
	return nil
}
