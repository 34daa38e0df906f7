package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/auditrt/internal/domain"
	"github.com/Strob0t/auditrt/internal/domain/execution"
	"github.com/Strob0t/auditrt/internal/port/cache"
	"github.com/Strob0t/auditrt/internal/port/eventstore"
)

const (
	snapshotKeyPrefix  = "exec:"
	defaultSnapshotTTL = 24 * time.Hour
)

// ContextManager owns the execution contexts of live sessions and persists
// them as snapshots in a cache.
type ContextManager struct {
	cache   cache.Cache
	events  eventstore.Store
	ttl     time.Duration
	ctxOpts []execution.Option
	log     *slog.Logger

	mu       sync.Mutex
	contexts map[string]*execution.Context
}

// ContextManagerOption configures a ContextManager.
type ContextManagerOption func(*ContextManager)

// WithSnapshotCache sets the snapshot cache and entry TTL.
func WithSnapshotCache(c cache.Cache, ttl time.Duration) ContextManagerOption {
	return func(m *ContextManager) {
		m.cache = c
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithRebuildStore sets the event log used to rebuild contexts that have
// no snapshot.
func WithRebuildStore(s eventstore.Store) ContextManagerOption {
	return func(m *ContextManager) { m.events = s }
}

// WithContextOptions sets options applied to every created or restored context.
func WithContextOptions(opts ...execution.Option) ContextManagerOption {
	return func(m *ContextManager) { m.ctxOpts = append(m.ctxOpts, opts...) }
}

// WithContextLogger sets the logger.
func WithContextLogger(l *slog.Logger) ContextManagerOption {
	return func(m *ContextManager) { m.log = l }
}

// NewContextManager creates an empty ContextManager.
func NewContextManager(opts ...ContextManagerOption) *ContextManager {
	m := &ContextManager{
		ttl:      defaultSnapshotTTL,
		log:      slog.Default(),
		contexts: make(map[string]*execution.Context),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func snapshotKey(id string) string { return snapshotKeyPrefix + id }

// Create registers a new context for sessionID.
func (m *ContextManager) Create(sessionID string, opts ...execution.Option) (*execution.Context, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("create context: session id is required: %w", domain.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contexts[sessionID]; ok {
		return nil, fmt.Errorf("create context %s: %w", sessionID, domain.ErrConflict)
	}
	c := execution.New(sessionID, append(append([]execution.Option{}, m.ctxOpts...), opts...)...)
	m.contexts[sessionID] = c
	return c, nil
}

// Get returns the live context of sessionID.
func (m *ContextManager) Get(sessionID string) (*execution.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contexts[sessionID]
	if !ok {
		return nil, fmt.Errorf("context %s: %w", sessionID, domain.ErrNotFound)
	}
	return c, nil
}

// List returns the ids of all live contexts.
func (m *ContextManager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.contexts))
	for id := range m.contexts {
		ids = append(ids, id)
	}
	return ids
}

// Delete drops the live context and its snapshot.
func (m *ContextManager) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.contexts, sessionID)
	m.mu.Unlock()
	if m.cache == nil {
		return nil
	}
	if err := m.cache.Delete(ctx, snapshotKey(sessionID)); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", sessionID, err)
	}
	return nil
}

// Save writes a snapshot of the live context of sessionID to the cache.
func (m *ContextManager) Save(ctx context.Context, sessionID string) error {
	c, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	if m.cache == nil {
		return nil
	}
	data, err := json.Marshal(c.Snapshot())
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", sessionID, err)
	}
	if err := m.cache.Set(ctx, snapshotKey(sessionID), data, m.ttl); err != nil {
		return fmt.Errorf("save snapshot %s: %w", sessionID, err)
	}
	return nil
}

// Load returns the context of sessionID: the live one if present, else a
// restored snapshot, else one rebuilt by replaying the event log.
func (m *ContextManager) Load(ctx context.Context, sessionID string) (*execution.Context, error) {
	if c, err := m.Get(sessionID); err == nil {
		return c, nil
	}

	c, err := m.restore(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		c, err = m.rebuild(ctx, sessionID)
		if err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if live, ok := m.contexts[sessionID]; ok {
		return live, nil
	}
	m.contexts[sessionID] = c
	return c, nil
}

func (m *ContextManager) restore(ctx context.Context, sessionID string) (*execution.Context, error) {
	if m.cache == nil {
		return nil, nil
	}
	data, ok, err := m.cache.Get(ctx, snapshotKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", sessionID, err)
	}
	if !ok {
		return nil, nil
	}
	var snap execution.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		m.log.Warn("discarding corrupt snapshot", "session_id", sessionID, "error", err)
		return nil, nil
	}
	return execution.Restore(snap, m.ctxOpts...), nil
}

func (m *ContextManager) rebuild(ctx context.Context, sessionID string) (*execution.Context, error) {
	if m.events == nil {
		return nil, fmt.Errorf("context %s: %w", sessionID, domain.ErrNotFound)
	}
	evs, err := m.events.Query(ctx, sessionID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("rebuild context %s: %w", sessionID, err)
	}
	if len(evs) == 0 {
		return nil, fmt.Errorf("context %s: %w", sessionID, domain.ErrNotFound)
	}
	c := execution.New(sessionID, m.ctxOpts...)
	for _, ev := range evs {
		if err := c.Apply(ev); err != nil {
			m.log.Debug("skipping event during rebuild", "session_id", sessionID, "sequence", ev.Sequence, "error", err)
		}
	}
	return c, nil
}

// Track applies every event of sessionID from the pipeline to its context
// until ctx is done or the context reaches a terminal state. It returns once
// the subscription is established; the returned channel is closed when
// tracking ends.
func (m *ContextManager) Track(ctx context.Context, p *EventPipeline, sessionID string) (<-chan struct{}, error) {
	c, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	ctx, stop := context.WithCancel(ctx)
	sub, err := p.Subscribe(ctx, sessionID, 0)
	if err != nil {
		stop()
		return nil, fmt.Errorf("track %s: %w", sessionID, err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer stop()
		for ev := range sub.C {
			if err := c.Apply(ev); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
				m.log.Debug("apply event failed", "session_id", sessionID, "sequence", ev.Sequence, "error", err)
			}
			if c.State().Terminal() {
				stop()
			}
		}
		if err := sub.Err(); err != nil {
			m.log.Warn("context tracking stopped", "session_id", sessionID, "error", err)
		}
	}()
	return done, nil
}

// Cleanup snapshots and drops every context in a terminal state. It returns
// the number of contexts removed.
func (m *ContextManager) Cleanup(ctx context.Context) int {
	m.mu.Lock()
	var done []string
	for id, c := range m.contexts {
		if c.State().Terminal() {
			done = append(done, id)
		}
	}
	m.mu.Unlock()

	for _, id := range done {
		m.Release(ctx, id)
	}
	return len(done)
}

// Release snapshots the live context of sessionID and drops it from memory.
// A later Load restores it from the snapshot or the event log.
func (m *ContextManager) Release(ctx context.Context, sessionID string) {
	if err := m.Save(ctx, sessionID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		m.log.Warn("snapshot before release failed", "session_id", sessionID, "error", err)
	}
	m.mu.Lock()
	delete(m.contexts, sessionID)
	m.mu.Unlock()
}
