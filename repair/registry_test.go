package repair

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamgarcia4/goLearning/antientropy/dht"
	"github.com/adamgarcia4/goLearning/antientropy/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRegistry_RegisterStampsRepairedAt(t *testing.T) {
	h := newHarness(t)
	clock := newFakeClock()
	registry := NewParentSessionRegistry(RegistryConfig{Logger: zerolog.Nop(), Now: clock.Now})

	id := uuid.New()
	ranges := []dht.Range{dht.NewRange(0, 100)}
	session, err := registry.Register(id, []*storage.Table{h.table(t, usersRef)}, ranges)
	require.NoError(t, err)

	assert.Equal(t, id, session.ID)
	assert.Equal(t, clock.Now().UnixMilli(), session.RepairedAt)
	assert.Equal(t, []storage.TableRef{usersRef}, session.TableRefs())
	assert.Equal(t, ranges, session.Ranges)

	got, ok := registry.Lookup(id)
	require.True(t, ok)
	assert.Same(t, session, got)
	assert.Equal(t, 1, registry.Len())
}

func TestRegistry_RegisterSameSessionIsIdempotent(t *testing.T) {
	h := newHarness(t)
	clock := newFakeClock()
	registry := NewParentSessionRegistry(RegistryConfig{Logger: zerolog.Nop(), Now: clock.Now})

	id := uuid.New()
	users, events := h.table(t, usersRef), h.table(t, eventsRef)
	ranges := []dht.Range{dht.NewRange(0, 100), dht.NewRange(100, 200)}

	first, err := registry.Register(id, []*storage.Table{users, events}, ranges)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	// Same tables and ranges in another order.
	second, err := registry.Register(id, []*storage.Table{events, users}, []dht.Range{ranges[1], ranges[0]})
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, first.RepairedAt, second.RepairedAt)
	assert.Equal(t, 1, registry.Len())
}

func TestRegistry_RegisterConflict(t *testing.T) {
	h := newHarness(t)
	registry := NewParentSessionRegistry(RegistryConfig{Logger: zerolog.Nop()})

	id := uuid.New()
	ranges := []dht.Range{dht.NewRange(0, 100)}
	first, err := registry.Register(id, []*storage.Table{h.table(t, usersRef)}, ranges)
	require.NoError(t, err)

	_, err = registry.Register(id, []*storage.Table{h.table(t, eventsRef)}, ranges)
	assert.ErrorIs(t, err, ErrParentSessionConflict)

	_, err = registry.Register(id, []*storage.Table{h.table(t, usersRef)}, []dht.Range{dht.NewRange(0, 50)})
	assert.ErrorIs(t, err, ErrParentSessionConflict)

	got, ok := registry.Lookup(id)
	require.True(t, ok)
	assert.Same(t, first, got)
}

func TestRegistry_Remove(t *testing.T) {
	registry := NewParentSessionRegistry(RegistryConfig{Logger: zerolog.Nop()})
	id := uuid.New()
	_, err := registry.Register(id, nil, nil)
	require.NoError(t, err)

	removed, ok := registry.Remove(id)
	require.True(t, ok)
	assert.Equal(t, id, removed.ID)

	_, ok = registry.Remove(id)
	assert.False(t, ok)
	_, ok = registry.Lookup(id)
	assert.False(t, ok)
	assert.Equal(t, 0, registry.Len())
}

func TestRegistry_ListOldestFirst(t *testing.T) {
	clock := newFakeClock()
	registry := NewParentSessionRegistry(RegistryConfig{Logger: zerolog.Nop(), Now: clock.Now})

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		id := uuid.New()
		ids = append(ids, id)
		_, err := registry.Register(id, nil, nil)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	sessions := registry.List()
	require.Len(t, sessions, 3)
	for i, s := range sessions {
		assert.Equal(t, ids[i], s.ID)
	}
}

func TestRegistry_ExpireEvictsAbandonedSessions(t *testing.T) {
	clock := newFakeClock()
	registry := NewParentSessionRegistry(RegistryConfig{TTL: time.Hour, Logger: zerolog.Nop(), Now: clock.Now})

	old := uuid.New()
	_, err := registry.Register(old, nil, nil)
	require.NoError(t, err)

	clock.Advance(45 * time.Minute)
	fresh := uuid.New()
	_, err = registry.Register(fresh, nil, nil)
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	expired := registry.Expire(clock.Now())
	assert.Equal(t, []uuid.UUID{old}, expired)

	_, ok := registry.Lookup(old)
	assert.False(t, ok)
	_, ok = registry.Lookup(fresh)
	assert.True(t, ok)

	assert.Empty(t, registry.Expire(clock.Now()))
}

func TestRegistry_RunEviction(t *testing.T) {
	clock := newFakeClock()
	registry := NewParentSessionRegistry(RegistryConfig{TTL: time.Hour, Logger: zerolog.Nop(), Now: clock.Now})

	_, err := registry.Register(uuid.New(), nil, nil)
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		registry.RunEviction(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return registry.Len() == 0 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("eviction loop did not stop")
	}
}
