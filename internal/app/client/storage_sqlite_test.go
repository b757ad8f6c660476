package client

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmsync/internal/domain/entity"
	"crmsync/internal/domain/outbox"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	st, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "data.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func contact(id string, version int, name string) Record {
	return Record{
		ID:           id,
		Type:         entity.TypeContact,
		Data:         json.RawMessage(`{"name":"` + name + `"}`),
		Version:      version,
		LastModified: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func changeFor(rec Record, id string, op outbox.Operation) *Change {
	v := rec.Version
	return &Change{ID: id, EntityType: rec.Type, EntityID: rec.ID, Operation: op, Payload: rec.Data, BaseVersion: &v}
}

func TestSQLiteStorage_MutateQueuesChange(t *testing.T) {
	st := newTestStorage(t)
	ctx := context.Background()

	rec := contact("c-1", 1, "Ivan")
	require.NoError(t, st.Mutate(ctx, rec, changeFor(rec, "ch-1", outbox.OpCreate)))

	got, err := st.GetRecord(ctx, entity.TypeContact, "c-1")
	require.NoError(t, err)
	assert.True(t, got.Dirty)
	assert.JSONEq(t, `{"name":"Ivan"}`, string(got.Data))
	assert.True(t, rec.LastModified.Equal(got.LastModified))

	pending, err := st.PendingChanges(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ch-1", pending[0].ID)
	assert.Equal(t, outbox.StatusPending, pending[0].Status)
	require.NotNil(t, pending[0].BaseVersion)
	assert.Equal(t, 1, *pending[0].BaseVersion)
}

func TestSQLiteStorage_MutateIsAtomic(t *testing.T) {
	st := newTestStorage(t)
	ctx := context.Background()

	rec := contact("c-1", 1, "Ivan")
	require.NoError(t, st.Mutate(ctx, rec, changeFor(rec, "ch-1", outbox.OpCreate)))

	changed := contact("c-1", 2, "Petr")
	err := st.Mutate(ctx, changed, changeFor(changed, "ch-1", outbox.OpUpdate))
	require.Error(t, err, "duplicate change id")

	got, err := st.GetRecord(ctx, entity.TypeContact, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version, "record write rolled back with the outbox insert")
}

func TestSQLiteStorage_MarkSent(t *testing.T) {
	st := newTestStorage(t)
	ctx := context.Background()

	rec := contact("c-1", 1, "Ivan")
	first := changeFor(rec, "ch-1", outbox.OpCreate)
	require.NoError(t, st.Mutate(ctx, rec, first))
	rec2 := contact("c-1", 2, "Petr")
	second := changeFor(rec2, "ch-2", outbox.OpUpdate)
	require.NoError(t, st.Mutate(ctx, rec2, second))

	require.NoError(t, st.MarkSent(ctx, *first, 1))
	got, err := st.GetRecord(ctx, entity.TypeContact, "c-1")
	require.NoError(t, err)
	assert.True(t, got.Dirty, "second change is still undelivered")
	assert.Equal(t, 2, got.Version, "version never moves backwards")

	require.NoError(t, st.MarkSent(ctx, *second, 2))
	got, err = st.GetRecord(ctx, entity.TypeContact, "c-1")
	require.NoError(t, err)
	assert.False(t, got.Dirty)

	counts, err := st.CountChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[outbox.StatusSent])

	assert.ErrorIs(t, st.MarkSent(ctx, Change{ID: "missing"}, 1), outbox.ErrNotFound)
}

func TestSQLiteStorage_MarkFailed(t *testing.T) {
	st := newTestStorage(t)
	ctx := context.Background()

	rec := contact("c-1", 1, "Ivan")
	require.NoError(t, st.Mutate(ctx, rec, changeFor(rec, "ch-1", outbox.OpCreate)))

	require.NoError(t, st.MarkFailed(ctx, "ch-1", outbox.StatusError, 10, "gave up"))

	failed, err := st.ListChanges(ctx, outbox.StatusError)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 10, failed[0].RetryCount)
	assert.Equal(t, "gave up", failed[0].ErrorMessage)

	pending, err := st.PendingChanges(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.ErrorIs(t, st.MarkFailed(ctx, "missing", outbox.StatusError, 1, "x"), outbox.ErrNotFound)
}

func TestSQLiteStorage_Settle(t *testing.T) {
	st := newTestStorage(t)
	ctx := context.Background()

	local := contact("c-1", 2, "Local")
	require.NoError(t, st.Mutate(ctx, local, changeFor(local, "ch-1", outbox.OpUpdate)))
	require.NoError(t, st.MarkFailed(ctx, "ch-1", outbox.StatusError, 1, "conflict"))

	t.Run("server wins drops local changes", func(t *testing.T) {
		server := contact("c-1", 5, "Server")
		require.NoError(t, st.Settle(ctx, server, nil))

		got, err := st.GetRecord(ctx, entity.TypeContact, "c-1")
		require.NoError(t, err)
		assert.False(t, got.Dirty)
		assert.Equal(t, 5, got.Version)

		failed, err := st.ListChanges(ctx, outbox.StatusError)
		require.NoError(t, err)
		assert.Empty(t, failed)
	})

	t.Run("replacement is queued", func(t *testing.T) {
		merged := contact("c-1", 6, "Merged")
		require.NoError(t, st.Settle(ctx, merged, changeFor(merged, "ch-2", outbox.OpUpdate)))

		got, err := st.GetRecord(ctx, entity.TypeContact, "c-1")
		require.NoError(t, err)
		assert.True(t, got.Dirty)

		pending, err := st.PendingChanges(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "ch-2", pending[0].ID)
	})
}

func TestSQLiteStorage_ListRecords(t *testing.T) {
	st := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, st.ApplyRemote(ctx, contact("c-1", 1, "A")))
	gone := contact("c-2", 2, "B")
	gone.Deleted = true
	require.NoError(t, st.ApplyRemote(ctx, gone))
	require.NoError(t, st.ApplyRemote(ctx, Record{
		ID: "t-1", Type: entity.TypeTask, Data: json.RawMessage(`{"title":"call"}`), Version: 1, LastModified: time.Now(),
	}))

	contacts, err := st.ListRecords(ctx, entity.TypeContact, false)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "c-1", contacts[0].ID)

	all, err := st.ListRecords(ctx, "", true)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = st.GetRecord(ctx, entity.TypeDeal, "c-1")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestSQLiteStorage_State(t *testing.T) {
	st := newTestStorage(t)
	ctx := context.Background()

	empty, err := st.LoadState(ctx)
	require.NoError(t, err)
	assert.True(t, empty.LastSyncAt.IsZero())

	at := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	require.NoError(t, st.SaveState(ctx, SyncState{LastSyncAt: at, SyncToken: "tok"}))
	require.NoError(t, st.SaveState(ctx, SyncState{LastSyncAt: at, SyncToken: "tok2", LastError: "boom"}))

	got, err := st.LoadState(ctx)
	require.NoError(t, err)
	assert.True(t, at.Equal(got.LastSyncAt))
	assert.True(t, got.LastFullSyncAt.IsZero())
	assert.Equal(t, "tok2", got.SyncToken)
	assert.Equal(t, "boom", got.LastError)
}

func TestSQLiteStorage_PurgeSent(t *testing.T) {
	st := newTestStorage(t)
	ctx := context.Background()

	rec := contact("c-1", 1, "Ivan")
	ch := changeFor(rec, "ch-1", outbox.OpCreate)
	require.NoError(t, st.Mutate(ctx, rec, ch))
	require.NoError(t, st.MarkSent(ctx, *ch, 1))

	n, err := st.PurgeSent(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = st.PurgeSent(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
