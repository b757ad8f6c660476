package sync

import (
	"context"
	"fmt"
	"sort"
	gosync "sync"
	"time"

	"crmsync/internal/domain/entity"
	"crmsync/internal/domain/ledger"
	"crmsync/internal/domain/outbox"
)

type testClock struct {
	mu  gosync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memStore implements Repository, ledger.Repository and outbox.Repository
// over maps, with the same transactional semantics as the postgres store.
type memStore struct {
	mu       gosync.Mutex
	clock    *testClock
	entities map[string]entity.Entity
	entries  []ledger.Entry
	cursors  map[int]Cursor
	devices  map[int]map[string]Device
	items    map[string]*outbox.Item
}

func newMemStore(c *testClock) *memStore {
	return &memStore{
		clock:    c,
		entities: map[string]entity.Entity{},
		cursors:  map[int]Cursor{},
		devices:  map[int]map[string]Device{},
		items:    map[string]*outbox.Item{},
	}
}

func entityKey(userID int, id string) string {
	return fmt.Sprintf("%d/%s", userID, id)
}

func hasType(types []entity.Type, t entity.Type) bool {
	if len(types) == 0 {
		return true
	}
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func (m *memStore) totals(userID int) Totals {
	var t Totals
	for _, e := range m.entities {
		if e.UserID != userID || e.Deleted {
			continue
		}
		switch e.Type {
		case entity.TypeContact:
			t.Contacts++
		case entity.TypeDeal:
			t.Deals++
		case entity.TypeTask:
			t.Tasks++
		}
	}
	for _, e := range m.entries {
		if e.UserID == userID && !e.Processed {
			t.Pending++
		}
	}
	return t
}

func (m *memStore) cursor(userID int) Cursor {
	cur, ok := m.cursors[userID]
	if !ok {
		cur = Cursor{UserID: userID}
	}
	return cur
}

func (m *memStore) saveCursor(userID int, update CursorUpdate) (Cursor, error) {
	cur := m.cursor(userID)
	if err := update(&cur, m.totals(userID)); err != nil {
		return cur, err
	}
	cur.UpdatedAt = m.clock.Now()
	m.cursors[userID] = cur
	return cur, nil
}

func (m *memStore) Snapshot(_ context.Context, userID int, types []entity.Type, now time.Time, update CursorUpdate) ([]entity.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []entity.Entity
	for _, e := range m.entities {
		if e.UserID == userID && !e.Deleted && hasType(types, e.Type) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	for i := range m.entries {
		e := &m.entries[i]
		if e.UserID == userID && hasType(types, e.EntityType) && !e.ChangeTimestamp.After(now) {
			e.Processed = true
		}
	}

	if _, err := m.saveCursor(userID, update); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *memStore) ConsumeChanges(_ context.Context, q ChangeQuery, update CursorUpdate) ([]entity.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	since := m.cursor(q.UserID).LastSyncAt
	if q.Since != nil {
		since = *q.Since
	}

	seen := map[string]bool{}
	var ids []string
	for i := range m.entries {
		e := &m.entries[i]
		if e.UserID != q.UserID || e.Processed || !e.ChangeTimestamp.After(since) || !hasType(q.Types, e.EntityType) {
			continue
		}
		e.Processed = true
		if !seen[e.EntityID] {
			seen[e.EntityID] = true
			ids = append(ids, e.EntityID)
		}
	}

	var out []entity.Entity
	for _, id := range ids {
		if e, ok := m.entities[entityKey(q.UserID, id)]; ok {
			out = append(out, e)
		}
	}

	if _, err := m.saveCursor(q.UserID, update); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *memStore) ApplyMutation(_ context.Context, mu Mutation, decide Decider) (*entity.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if it, ok := m.items[mu.OutboxID]; ok && it.Status == outbox.StatusSent {
		return nil, outbox.ErrAlreadyApplied
	}

	var current *entity.Entity
	if e, ok := m.entities[entityKey(mu.UserID, mu.EntityID)]; ok {
		current = &e
	}

	next, err := decide(current)
	if err != nil {
		return nil, err
	}

	m.entities[entityKey(mu.UserID, next.ID)] = *next
	m.entries = append(m.entries, ledger.Entry{
		ID:              int64(len(m.entries) + 1),
		UserID:          mu.UserID,
		EntityType:      next.Type,
		EntityID:        next.ID,
		Operation:       ledger.OperationFor(current, next),
		ChangeTimestamp: m.clock.Now(),
	})

	if mu.OutboxID != "" {
		if it, ok := m.items[mu.OutboxID]; ok {
			now := m.clock.Now()
			it.Status = outbox.StatusSent
			it.ProcessedAt = &now
			it.UpdatedAt = now
		}
	}

	out := *next
	return &out, nil
}

func (m *memStore) GetEntity(_ context.Context, userID int, id string) (*entity.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entities[entityKey(userID, id)]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *memStore) GetEntities(_ context.Context, userID int, ids []string) ([]entity.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []entity.Entity
	for _, id := range ids {
		if e, ok := m.entities[entityKey(userID, id)]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) GetCursor(_ context.Context, userID int) (*Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.cursor(userID)
	return &cur, nil
}

func (m *memStore) UpdateCursor(_ context.Context, userID int, update CursorUpdate) (*Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.saveCursor(userID, update)
	if err != nil {
		return nil, err
	}
	return &cur, nil
}

func (m *memStore) UpsertDevice(_ context.Context, d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.devices[d.UserID] == nil {
		m.devices[d.UserID] = map[string]Device{}
	}
	if prev, ok := m.devices[d.UserID][d.DeviceID]; ok {
		d.CreatedAt = prev.CreatedAt
	}
	m.devices[d.UserID][d.DeviceID] = *d
	return nil
}

func (m *memStore) TouchDevice(_ context.Context, userID int, deviceID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.devices[userID][deviceID]; ok {
		d.LastActiveAt = at
		m.devices[userID][deviceID] = d
	}
	return nil
}

func (m *memStore) ListDevices(_ context.Context, userID int) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Device
	for _, d := range m.devices[userID] {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

// ledger.Repository

func (m *memStore) Append(_ context.Context, e *ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.ID = int64(len(m.entries) + 1)
	e.ChangeTimestamp = m.clock.Now()
	m.entries = append(m.entries, *e)
	return nil
}

func (m *memStore) List(_ context.Context, q ledger.Query) ([]ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ledger.Entry
	for _, e := range m.entries {
		if e.UserID == q.UserID && !e.Processed && e.ChangeTimestamp.After(q.Since) && hasType(q.Types, e.EntityType) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) CountPending(_ context.Context, userID int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totals(userID).Pending, nil
}

func (m *memStore) PurgeProcessed(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.entries[:0]
	var n int64
	for _, e := range m.entries {
		if e.Processed && e.ChangeTimestamp.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return n, nil
}

// outbox.Repository

func (m *memStore) Enqueue(_ context.Context, items []*outbox.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, it := range items {
		cp := *it
		m.items[it.ID] = &cp
	}
	return nil
}

func (m *memStore) Get(_ context.Context, userID int, id string) (*outbox.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[id]
	if !ok || it.UserID != userID {
		return nil, outbox.ErrNotFound
	}
	cp := *it
	return &cp, nil
}

func (m *memStore) ClaimEligible(_ context.Context, limit int, staleAfter time.Duration) ([]outbox.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	policy := outbox.DefaultPolicy()
	var out []outbox.Item
	for _, it := range m.items {
		stale := it.Status == outbox.StatusProcessing && now.Sub(it.UpdatedAt) >= staleAfter
		if stale || policy.Eligible(*it, now) {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		m.items[out[i].ID].Status = outbox.StatusProcessing
		m.items[out[i].ID].UpdatedAt = now
		out[i].Status = outbox.StatusProcessing
	}
	return out, nil
}

func (m *memStore) MarkFailed(_ context.Context, id string, status outbox.Status, retryCount int, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[id]
	if !ok {
		return outbox.ErrNotFound
	}
	if it.Status == outbox.StatusSent {
		return outbox.ErrAlreadyApplied
	}
	it.Status, it.RetryCount, it.ErrorMessage = status, retryCount, message
	it.UpdatedAt = m.clock.Now()
	return nil
}

func (m *memStore) PurgeSent(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, it := range m.items {
		if it.Status == outbox.StatusSent && it.ProcessedAt != nil && it.ProcessedAt.Before(before) {
			delete(m.items, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) ListByStatus(_ context.Context, userID int, status outbox.Status, limit int) ([]outbox.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []outbox.Item
	for _, it := range m.items {
		if it.UserID == userID && it.Status == status {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) CountByStatus(_ context.Context, userID int) (map[outbox.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := map[outbox.Status]int{}
	for _, it := range m.items {
		if it.UserID == userID {
			out[it.Status]++
		}
	}
	return out, nil
}

func (m *memStore) itemsByStatus(status outbox.Status) []outbox.Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []outbox.Item
	for _, it := range m.items {
		if it.Status == status {
			out = append(out, *it)
		}
	}
	return out
}

// hookedOutbox wraps the store's outbox so tests can fail Enqueue or run
// code right after the items become visible to other claimers.
type hookedOutbox struct {
	*memStore
	enqueueErr   error
	afterEnqueue func(items []*outbox.Item)
}

func (h *hookedOutbox) Enqueue(ctx context.Context, items []*outbox.Item) error {
	if h.enqueueErr != nil {
		return h.enqueueErr
	}
	if err := h.memStore.Enqueue(ctx, items); err != nil {
		return err
	}
	if h.afterEnqueue != nil {
		h.afterEnqueue(items)
	}
	return nil
}
