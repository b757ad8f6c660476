package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"crmsync/internal/app/client/config"
	"crmsync/internal/domain/entity"
	"crmsync/internal/domain/outbox"
	"crmsync/internal/domain/sync"
)

const Version = "1.0.0"

// App is the offline-first client: every mutation lands in the local store
// and its outbox first, the sync loop delivers it later.
type App struct {
	config  *config.Config
	log     *slog.Logger
	http    *httpClient
	storage *SQLiteStorage
	offline *OfflineManager
	sync    *SyncService
	now     func() time.Time
}

func New(cfg *config.Config, log *slog.Logger) (*App, error) {
	storage, err := NewSQLiteStorage(cfg.DataPath)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	httpCl := NewHTTPClient(cfg, log)
	offline := NewOfflineManager(httpCl, cfg.HealthInterval, log)

	app := &App{
		config:  cfg,
		log:     log,
		http:    httpCl,
		storage: storage,
		offline: offline,
		sync: NewSyncService(storage, httpCl, cfg.DeviceID, log,
			WithOfflineManager(offline),
			WithStrategy(cfg.ConflictStrategy),
			WithInterval(cfg.SyncInterval),
		),
		now: time.Now,
	}

	if token, err := app.loadToken(); err == nil && token != "" {
		httpCl.SetToken(token)
		log.Debug("session token loaded")
	}

	return app, nil
}

func (a *App) Close() error {
	return a.storage.Close()
}

func (a *App) Config() *config.Config {
	return a.config
}

func (a *App) IsAuthenticated() bool {
	return a.http.token != ""
}

// Register creates the account and keeps the returned session.
func (a *App) Register(ctx context.Context, login, password string) error {
	token, err := a.http.Register(ctx, login, password)
	if err != nil {
		return err
	}
	return a.saveToken(token)
}

func (a *App) Login(ctx context.Context, login, password string) error {
	token, err := a.http.Login(ctx, login, password)
	if err != nil {
		return err
	}
	return a.saveToken(token)
}

func (a *App) Logout() error {
	a.http.SetToken("")
	if err := os.Remove(a.config.TokenPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove token: %w", err)
	}
	return nil
}

// RegisterDevice announces this installation under the configured device id.
func (a *App) RegisterDevice(ctx context.Context, name string) (*sync.Device, error) {
	if err := a.requireLogin(); err != nil {
		return nil, err
	}
	if name == "" {
		name, _ = os.Hostname()
	}
	return a.http.RegisterDevice(ctx, sync.RegisterDeviceRequest{
		DeviceID:   a.config.DeviceID,
		Platform:   runtime.GOOS,
		Name:       name,
		AppVersion: Version,
	})
}

// Create stores a new record locally and queues it.
func (a *App) Create(ctx context.Context, typ entity.Type, data json.RawMessage) (*Record, error) {
	normalized, err := validatePayload(typ, data)
	if err != nil {
		return nil, err
	}

	now := a.now().UTC()
	rec := Record{
		ID:           uuid.NewString(),
		Type:         typ,
		Data:         normalized,
		Version:      1,
		LastModified: now,
	}
	if err := a.storage.Mutate(ctx, rec, a.change(rec, outbox.OpCreate)); err != nil {
		return nil, err
	}
	rec.Dirty = true
	return &rec, nil
}

// Update replaces the data of a live record.
func (a *App) Update(ctx context.Context, typ entity.Type, id string, data json.RawMessage) (*Record, error) {
	rec, err := a.storage.GetRecord(ctx, typ, id)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, ErrRecordDeleted
	}

	normalized, err := validatePayload(typ, data)
	if err != nil {
		return nil, err
	}

	rec.Data = normalized
	a.touch(rec)
	if err := a.storage.Mutate(ctx, *rec, a.change(*rec, outbox.OpUpdate)); err != nil {
		return nil, err
	}
	rec.Dirty = true
	return rec, nil
}

// Delete leaves a local tombstone and queues the delete.
func (a *App) Delete(ctx context.Context, typ entity.Type, id string) error {
	rec, err := a.storage.GetRecord(ctx, typ, id)
	if err != nil {
		return err
	}
	if rec.Deleted {
		return ErrRecordDeleted
	}

	rec.Deleted = true
	a.touch(rec)
	ch := a.change(*rec, outbox.OpDelete)
	ch.Payload = nil
	return a.storage.Mutate(ctx, *rec, ch)
}

func (a *App) Get(ctx context.Context, typ entity.Type, id string) (*Record, error) {
	rec, err := a.storage.GetRecord(ctx, typ, id)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

func (a *App) List(ctx context.Context, typ entity.Type) ([]Record, error) {
	return a.storage.ListRecords(ctx, typ, false)
}

func (a *App) Sync(ctx context.Context, full bool) (*SyncResult, error) {
	if err := a.requireLogin(); err != nil {
		return nil, err
	}
	if full {
		return a.sync.FullSync(ctx)
	}
	return a.sync.Sync(ctx)
}

// Status is the local sync picture plus the server cursor when reachable.
type Status struct {
	State       SyncState             `json:"state"`
	Outbox      map[outbox.Status]int `json:"outbox"`
	Online      bool                  `json:"online"`
	DeviceID    string                `json:"deviceId"`
	Server      *sync.StatusResponse  `json:"server,omitempty"`
	ServerError string                `json:"serverError,omitempty"`
}

func (a *App) Status(ctx context.Context) (*Status, error) {
	st, err := a.storage.LoadState(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := a.storage.CountChanges(ctx)
	if err != nil {
		return nil, err
	}

	out := &Status{State: st, Outbox: counts, DeviceID: a.config.DeviceID}
	if a.IsAuthenticated() {
		srv, err := a.http.Status(ctx)
		if err != nil {
			out.ServerError = err.Error()
		} else {
			out.Server = srv
		}
	}
	out.Online = out.Server != nil || a.offline.Check(ctx)
	return out, nil
}

// Outbox lists local changes in status.
func (a *App) Outbox(ctx context.Context, status outbox.Status) ([]Change, error) {
	return a.storage.ListChanges(ctx, status)
}

// ServerOutbox lists the server-side items of this user in status.
func (a *App) ServerOutbox(ctx context.Context, status outbox.Status) ([]outbox.Item, error) {
	if err := a.requireLogin(); err != nil {
		return nil, err
	}
	return a.http.ServerOutbox(ctx, status)
}

// RunDaemon keeps the connectivity watcher and the auto sync running until
// ctx is done.
func (a *App) RunDaemon(ctx context.Context) error {
	if err := a.requireLogin(); err != nil {
		return err
	}

	a.log.Info("daemon started",
		slog.String("server", a.config.BaseURL()),
		slog.Duration("interval", a.config.SyncInterval),
		slog.String("device_id", a.config.DeviceID),
	)

	var wg gosync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.offline.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.sync.StartAutoSync(ctx)
	}()
	wg.Wait()

	a.log.Info("daemon stopped")
	return nil
}

func (a *App) touch(rec *Record) {
	now := a.now().UTC()
	if now.Before(rec.LastModified) {
		now = rec.LastModified
	}
	rec.Version++
	rec.LastModified = now
}

// change builds the outbox row for a mutation. The stamp is the new local
// version so that consecutive local edits outrank each other on the server.
func (a *App) change(rec Record, op outbox.Operation) *Change {
	version := rec.Version
	modified := rec.LastModified
	return &Change{
		ID:             uuid.NewString(),
		EntityType:     rec.Type,
		EntityID:       rec.ID,
		Operation:      op,
		Payload:        rec.Data,
		BaseVersion:    &version,
		ClientModified: &modified,
	}
}

func (a *App) requireLogin() error {
	if !a.IsAuthenticated() {
		return ErrNotLoggedIn
	}
	return nil
}

func (a *App) loadToken() (string, error) {
	data, err := os.ReadFile(a.config.TokenPath)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (a *App) saveToken(token string) error {
	if err := os.WriteFile(a.config.TokenPath, []byte(token), 0o600); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	a.http.SetToken(token)
	return nil
}

func validatePayload(typ entity.Type, data json.RawMessage) (json.RawMessage, error) {
	if len(data) > sync.MaxPayloadBytes {
		return nil, sync.ErrPayloadTooLarge
	}
	return entity.Normalize(typ, data)
}
