package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/exp/slog"

	"crmsync/internal/app/server/config"
	"crmsync/internal/domain/entity"
	"crmsync/internal/domain/ledger"
	"crmsync/internal/domain/outbox"
	"crmsync/internal/domain/session"
	"crmsync/internal/domain/sync"
	"crmsync/internal/domain/user"
)

// startPostgres runs a disposable database and applies the real migrations.
func startPostgres(t *testing.T) *Storage {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "crm",
				"POSTGRES_PASSWORD": "crm",
				"POSTGRES_DB":       "crm",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.DB.DatabaseURI = fmt.Sprintf("postgres://crm:crm@%s:%s/crm?sslmode=disable", host, port.Port())
	cfg.DB.Migrations = "../../../../migrations"

	st, err := New(ctx, cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func createUser(t *testing.T, st *Storage, login string) int {
	t.Helper()
	id, err := NewUserRepository(st.Pool(), slog.Default()).Create(context.Background(), login, "hash")
	require.NoError(t, err)
	return id
}

func intPtr(v int) *int { return &v }

func TestStorage_Integration(t *testing.T) {
	st := startPostgres(t)
	log := slog.Default()

	t.Run("users", func(t *testing.T) {
		repo := NewUserRepository(st.Pool(), log)
		ctx := context.Background()

		id := createUser(t, st, "alice")
		_, err := repo.Create(ctx, "alice", "other")
		assert.ErrorIs(t, err, user.ErrAlreadyExists)

		u, err := repo.FindByLogin(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, id, u.ID)
		assert.Nil(t, u.LastLoginAt)

		_, err = repo.Create(ctx, "ALICE", "other")
		assert.ErrorIs(t, err, user.ErrAlreadyExists, "logins are unique regardless of case")

		require.NoError(t, repo.TouchLogin(ctx, id, time.Now()))
		u, err = repo.FindByLogin(ctx, "Alice")
		require.NoError(t, err)
		assert.NotNil(t, u.LastLoginAt)

		_, err = repo.FindByLogin(ctx, "nobody")
		assert.ErrorIs(t, err, user.ErrNotFound)
	})

	t.Run("sessions", func(t *testing.T) {
		repo := NewSessionRepository(st.Pool(), log)
		svc := session.NewService(repo, time.Hour, log)
		ctx := context.Background()
		uid := createUser(t, st, "bob")

		issued, err := svc.Create(ctx, uid)
		require.NoError(t, err)
		got, err := svc.Validate(ctx, issued.Token)
		require.NoError(t, err)
		assert.Equal(t, uid, got)

		_, err = svc.Validate(ctx, "forged")
		assert.ErrorIs(t, err, session.ErrInvalidSession)

		n, err := svc.Purge(ctx, time.Now().Add(2*time.Hour))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))
	})

	t.Run("push then pull", func(t *testing.T) {
		ctx := context.Background()
		uid := createUser(t, st, "carol")
		syncRepo := NewSyncRepository(st.Pool(), log)
		ledgerRepo := NewLedgerRepository(st.Pool(), log)
		outboxRepo := NewOutboxRepository(st.Pool(), log)
		svc := sync.NewService(syncRepo, outboxRepo, ledgerRepo, ledger.NewRecorder(ledgerRepo, log), log, nil)

		since := time.Now().Add(-time.Minute)
		resp, err := svc.Push(ctx, uid, sync.PushRequest{Changes: []sync.PushChange{
			{EntityID: "c-1", EntityType: entity.TypeContact, Operation: outbox.OpCreate, Payload: json.RawMessage(`{"name":"Ivan"}`)},
			{EntityID: "t-1", EntityType: entity.TypeTask, Operation: outbox.OpCreate, Payload: json.RawMessage(`{"title":"call"}`)},
		}})
		require.NoError(t, err)
		require.Len(t, resp.Results, 2)
		for _, r := range resp.Results {
			assert.Equal(t, sync.ResultSent, r.Status, r.Error)
		}

		counts, err := outboxRepo.CountByStatus(ctx, uid)
		require.NoError(t, err)
		assert.Equal(t, 2, counts[outbox.StatusSent])

		pending, err := ledgerRepo.CountPending(ctx, uid)
		require.NoError(t, err)
		assert.Equal(t, 2, pending)

		pull, err := svc.Pull(ctx, uid, sync.PullRequest{Since: &since})
		require.NoError(t, err)
		require.Len(t, pull.Changes, 2)
		assert.Equal(t, "c-1", pull.Changes[0].ID)
		assert.JSONEq(t, `{"name":"Ivan"}`, string(pull.Changes[0].Data))

		again, err := svc.Pull(ctx, uid, sync.PullRequest{Since: &since})
		require.NoError(t, err)
		assert.Empty(t, again.Changes)

		ok, err := svc.ValidateSyncToken(ctx, uid, pull.SyncToken)
		require.NoError(t, err)
		assert.False(t, ok, "a later pull mints a new token")
		ok, err = svc.ValidateSyncToken(ctx, uid, again.SyncToken)
		require.NoError(t, err)
		assert.True(t, ok)

		initial, err := svc.Initial(ctx, uid, []entity.Type{entity.TypeTask})
		require.NoError(t, err)
		require.Len(t, initial.Changes, 1)
		assert.Equal(t, "t-1", initial.Changes[0].ID)
	})

	t.Run("sent items apply once", func(t *testing.T) {
		ctx := context.Background()
		uid := createUser(t, st, "erin")
		syncRepo := NewSyncRepository(st.Pool(), log)
		ledgerRepo := NewLedgerRepository(st.Pool(), log)
		outboxRepo := NewOutboxRepository(st.Pool(), log)
		svc := sync.NewService(syncRepo, outboxRepo, ledgerRepo, ledger.NewRecorder(ledgerRepo, log), log, nil)

		resp, err := svc.Push(ctx, uid, sync.PushRequest{Changes: []sync.PushChange{
			{EntityID: "c-9", EntityType: entity.TypeContact, Operation: outbox.OpCreate,
				Payload: json.RawMessage(`{"name":"Ivan"}`), Version: intPtr(1)},
		}})
		require.NoError(t, err)
		require.Equal(t, sync.ResultSent, resp.Results[0].Status, resp.Results[0].Error)

		claimed, err := outboxRepo.ClaimEligible(ctx, 10, time.Minute)
		require.NoError(t, err)
		for _, it := range claimed {
			assert.NotEqual(t, uid, it.UserID, "pushed items are never claimable")
		}

		sent, err := outboxRepo.ListByStatus(ctx, uid, outbox.StatusSent, 10)
		require.NoError(t, err)
		require.Len(t, sent, 1)

		require.NoError(t, svc.Apply(ctx, sent[0]))
		e, err := syncRepo.GetEntity(ctx, uid, "c-9")
		require.NoError(t, err)
		assert.Equal(t, 1, e.Version)

		pending, err := ledgerRepo.CountPending(ctx, uid)
		require.NoError(t, err)
		assert.Equal(t, 1, pending)

		err = outboxRepo.MarkFailed(ctx, sent[0].ID, outbox.StatusError, 1, "late")
		assert.ErrorIs(t, err, outbox.ErrAlreadyApplied)
		got, err := outboxRepo.Get(ctx, uid, sent[0].ID)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusSent, got.Status)

		// a filtered pull leaves the cursor where it was
		_, err = svc.Incremental(ctx, uid, nil, []entity.Type{entity.TypeDeal})
		require.NoError(t, err)
		pull, err := svc.Incremental(ctx, uid, nil, nil)
		require.NoError(t, err)
		require.Len(t, pull.Changes, 1)
		assert.Equal(t, "c-9", pull.Changes[0].ID)
	})

	t.Run("outbox claim and backoff", func(t *testing.T) {
		ctx := context.Background()
		uid := createUser(t, st, "dave")
		repo := NewOutboxRepository(st.Pool(), log)

		first := &outbox.Item{ID: uuid.NewString(), UserID: uid, EntityType: entity.TypeDeal, EntityID: "d-1",
			Operation: outbox.OpCreate, Payload: json.RawMessage(`{"title":"x","amount":1}`), Status: outbox.StatusPending}
		second := &outbox.Item{ID: uuid.NewString(), UserID: uid, EntityType: entity.TypeDeal, EntityID: "d-2",
			Operation: outbox.OpDelete, Status: outbox.StatusPending}
		require.NoError(t, repo.Enqueue(ctx, []*outbox.Item{first}))
		require.NoError(t, repo.Enqueue(ctx, []*outbox.Item{second}))
		assert.False(t, first.CreatedAt.IsZero())

		claimed, err := repo.ClaimEligible(ctx, 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		assert.Equal(t, first.ID, claimed[0].ID)
		assert.Equal(t, outbox.StatusProcessing, claimed[0].Status)

		again, err := repo.ClaimEligible(ctx, 10, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, again, "claimed items are not handed out twice")

		require.NoError(t, repo.MarkFailed(ctx, first.ID, outbox.StatusPending, 1, "timeout"))
		backoff, err := repo.ClaimEligible(ctx, 10, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, backoff, "retry waits for its delay")

		got, err := repo.Get(ctx, uid, first.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.RetryCount)
		assert.Equal(t, "timeout", got.ErrorMessage)

		assert.ErrorIs(t, repo.MarkFailed(ctx, "missing", outbox.StatusError, 1, "x"), outbox.ErrNotFound)
	})

	t.Run("lease", func(t *testing.T) {
		ctx := context.Background()
		leases := NewLeaseRepository(st.Pool(), log)

		ok, err := leases.TryAcquire(ctx, "outbox", "a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = leases.TryAcquire(ctx, "outbox", "b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = leases.TryAcquire(ctx, "outbox", "a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "the holder may renew")

		require.NoError(t, leases.Release(ctx, "outbox", "a"))
		ok, err = leases.TryAcquire(ctx, "outbox", "b", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}
