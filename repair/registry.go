package repair

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adamgarcia4/goLearning/antientropy/dht"
	"github.com/adamgarcia4/goLearning/antientropy/metrics"
	"github.com/adamgarcia4/goLearning/antientropy/storage"
)

// DefaultSessionTTL bounds how long an abandoned parent session stays registered.
const DefaultSessionTTL = 24 * time.Hour

// ParentRepairSession is the umbrella registration for the tables and ranges
// prepared together for one repair. RepairedAt (unix millis) is the watermark
// stamped on data this session repairs.
type ParentRepairSession struct {
	ID         uuid.UUID
	Tables     []*storage.Table
	Ranges     []dht.Range
	StartedAt  time.Time
	RepairedAt int64
}

// TableRefs lists the session's tables by name.
func (s *ParentRepairSession) TableRefs() []storage.TableRef {
	refs := make([]storage.TableRef, 0, len(s.Tables))
	for _, t := range s.Tables {
		refs = append(refs, t.Ref())
	}
	return refs
}

// sameAs reports whether a registration for tables/ranges repeats this session.
func (s *ParentRepairSession) sameAs(tables []*storage.Table, ranges []dht.Range) bool {
	if len(s.Tables) != len(tables) || len(s.Ranges) != len(ranges) {
		return false
	}

	refs := make(map[storage.TableRef]int, len(tables))
	for _, t := range s.Tables {
		refs[t.Ref()]++
	}
	for _, t := range tables {
		refs[t.Ref()]--
	}
	for _, n := range refs {
		if n != 0 {
			return false
		}
	}

	rs := make(map[dht.Range]int, len(ranges))
	for _, r := range s.Ranges {
		rs[r]++
	}
	for _, r := range ranges {
		rs[r]--
	}
	for _, n := range rs {
		if n != 0 {
			return false
		}
	}
	return true
}

type RegistryConfig struct {
	TTL     time.Duration
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time // for tests
}

// ParentSessionRegistry maps parent session ids to their sessions. It is the
// only state shared between concurrently handled repair messages.
type ParentSessionRegistry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*ParentRepairSession

	ttl     time.Duration
	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewParentSessionRegistry(config RegistryConfig) *ParentSessionRegistry {
	if config.TTL == 0 {
		config.TTL = DefaultSessionTTL
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &ParentSessionRegistry{
		sessions: make(map[uuid.UUID]*ParentRepairSession),
		ttl:      config.TTL,
		now:      config.Now,
		logger:   config.Logger.With().Str("component", "parent-sessions").Logger(),
		metrics:  config.Metrics,
	}
}

// Register records a parent session. Registering the same tables and ranges
// again under a live id returns the existing session; anything else under
// that id fails with ErrParentSessionConflict.
func (r *ParentSessionRegistry) Register(id uuid.UUID, tables []*storage.Table, ranges []dht.Range) (*ParentRepairSession, error) {
	now := r.now()
	session := &ParentRepairSession{
		ID:         id,
		Tables:     append([]*storage.Table(nil), tables...),
		Ranges:     append([]dht.Range(nil), ranges...),
		StartedAt:  now,
		RepairedAt: now.UnixMilli(),
	}

	r.mu.Lock()
	existing, ok := r.sessions[id]
	switch {
	case ok && existing.sameAs(tables, ranges):
		r.mu.Unlock()
		r.logger.Debug().Str("parent_session", id.String()).Msg("Parent session already registered")
		return existing, nil
	case ok:
		r.mu.Unlock()
		return nil, ErrParentSessionConflict
	}
	r.sessions[id] = session
	n := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SetParentSessions(n)
	r.logger.Info().
		Str("parent_session", id.String()).
		Int("tables", len(tables)).
		Int("ranges", len(ranges)).
		Msg("Registered parent repair session")
	return session, nil
}

func (r *ParentSessionRegistry) Lookup(id uuid.UUID) (*ParentRepairSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *ParentSessionRegistry) Remove(id uuid.UUID) (*ParentRepairSession, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	n := len(r.sessions)
	r.mu.Unlock()

	if ok {
		r.metrics.SetParentSessions(n)
	}
	return s, ok
}

func (r *ParentSessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns the registered sessions, oldest first.
func (r *ParentSessionRegistry) List() []*ParentRepairSession {
	r.mu.RLock()
	out := make([]*ParentRepairSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Expire removes sessions registered more than the TTL before now and returns their ids.
func (r *ParentSessionRegistry) Expire(now time.Time) []uuid.UUID {
	cutoff := now.Add(-r.ttl)

	r.mu.Lock()
	var expired []uuid.UUID
	for id, s := range r.sessions {
		if s.StartedAt.Before(cutoff) {
			expired = append(expired, id)
			delete(r.sessions, id)
		}
	}
	n := len(r.sessions)
	r.mu.Unlock()

	if len(expired) > 0 {
		r.metrics.SetParentSessions(n)
		for _, id := range expired {
			r.logger.Warn().Str("parent_session", id.String()).Dur("ttl", r.ttl).Msg("Evicted abandoned parent repair session")
		}
	}
	return expired
}

// RunEviction expires sessions every interval until ctx is done.
func (r *ParentSessionRegistry) RunEviction(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Expire(r.now())
		}
	}
}
