package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/Strob0t/auditrt/internal/config"
	"github.com/Strob0t/auditrt/internal/domain"
	"github.com/Strob0t/auditrt/internal/domain/event"
	"github.com/Strob0t/auditrt/internal/port/broadcast"
	"github.com/Strob0t/auditrt/internal/port/eventstore"
)

// Event pipeline errors.
var (
	ErrPipelineClosed     = errors.New("event pipeline closed")
	ErrSubscriberOverflow = errors.New("subscriber queue full")
	ErrPersistQueueFull   = errors.New("persist queue full")
	ErrReplayGap          = errors.New("replay range not available")
)

const defaultReplayLimit = 1000

// idempotencyNamespace is the UUIDv5 namespace for ids derived from
// idempotency keys.
var idempotencyNamespace = uuid.MustParse("6f0d9a4e-2c31-5b8e-9d47-a1c3e5f70b26")

// EventEmitter is the write side of the event pipeline.
type EventEmitter interface {
	Emit(ctx context.Context, sessionID string, ev event.AuditEvent) (int64, error)
}

// EventPipeline sequences, batches, throttles and deduplicates audit events
// per session, fans them out to subscribers and persists them asynchronously.
type EventPipeline struct {
	cfg   config.Events
	store eventstore.Store
	bcast broadcast.Broadcaster
	log   *slog.Logger
	now   func() time.Time

	mu       sync.Mutex
	sessions map[string]*eventSession
	closed   bool

	retired  *lru.Cache[string, int64] // last sequence of released sessions
	persistQ chan persistItem
	errs     chan error
	wg       sync.WaitGroup

	stats pipelineCounters
}

var _ EventEmitter = (*EventPipeline)(nil)

type pipelineCounters struct {
	emitted            atomic.Int64
	deduplicated       atomic.Int64
	throttled          atomic.Int64
	subscribersDropped atomic.Int64
	persisted          atomic.Int64
	persistFailed      atomic.Int64
}

// PipelineStats is a point-in-time view of pipeline counters.
type PipelineStats struct {
	Emitted            int64 `json:"emitted"`
	Deduplicated       int64 `json:"deduplicated"`
	Throttled          int64 `json:"throttled"`
	SubscribersDropped int64 `json:"subscribers_dropped"`
	Persisted          int64 `json:"persisted"`
	PersistFailed      int64 `json:"persist_failed"`
	Sessions           int   `json:"sessions"`
	Subscribers        int   `json:"subscribers"`
}

// PipelineOption configures an EventPipeline.
type PipelineOption func(*EventPipeline)

// WithEventStore sets the durable event log. Without one, replay is limited
// to the in-memory cache.
func WithEventStore(s eventstore.Store) PipelineOption {
	return func(p *EventPipeline) { p.store = s }
}

// WithBroadcaster fans sequenced events out to other processes.
func WithBroadcaster(b broadcast.Broadcaster) PipelineOption {
	return func(p *EventPipeline) { p.bcast = b }
}

// WithPipelineLogger sets the logger.
func WithPipelineLogger(l *slog.Logger) PipelineOption {
	return func(p *EventPipeline) { p.log = l }
}

// WithPipelineClock overrides the time source used for timestamps and
// throttling.
func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *EventPipeline) { p.now = now }
}

// WithPipelineErrorBuffer sets the capacity of the Errors channel.
func WithPipelineErrorBuffer(n int) PipelineOption {
	return func(p *EventPipeline) { p.errs = make(chan error, max(n, 1)) }
}

// NewEventPipeline creates a pipeline and starts its persistence workers.
func NewEventPipeline(cfg config.Events, opts ...PipelineOption) *EventPipeline {
	cfg.BatchMaxSize = max(cfg.BatchMaxSize, 1)
	cfg.CacheSize = max(cfg.CacheSize, 1)
	cfg.DedupSize = max(cfg.DedupSize, 1)
	cfg.SubscriberBuffer = max(cfg.SubscriberBuffer, 1)
	cfg.PersistQueue = max(cfg.PersistQueue, 1)
	cfg.PersistWorkers = max(cfg.PersistWorkers, 1)
	cfg.RetiredSessions = max(cfg.RetiredSessions, 1)
	if cfg.BatchMaxWait <= 0 {
		cfg.BatchMaxWait = 100 * time.Millisecond
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}

	retired, _ := lru.New[string, int64](cfg.RetiredSessions)
	p := &EventPipeline{
		cfg:      cfg,
		log:      slog.Default(),
		now:      time.Now,
		sessions: make(map[string]*eventSession),
		retired:  retired,
		persistQ: make(chan persistItem, cfg.PersistQueue),
		errs:     make(chan error, 64),
	}
	for _, o := range opts {
		o(p)
	}
	for range cfg.PersistWorkers {
		p.wg.Add(1)
		go p.persistWorker()
	}
	return p
}

// eventSession is the per-session state. All fields are guarded by mu.
type eventSession struct {
	id       string
	loadOnce sync.Once

	mu        sync.Mutex
	closed    bool
	seq       int64 // last assigned
	delivered int64 // last delivered to subscribers
	persisted int64 // every event up to here has finished its persist attempt
	finished  map[int64]struct{}
	cache     []event.AuditEvent
	seen      *lru.Cache[string, struct{}]
	limiters  map[event.Type]*rate.Limiter
	batch     []event.AuditEvent
	batchGen  uint64
	timer     *time.Timer
	subs      map[*Subscription]struct{}
}

func (p *EventPipeline) newSession(id string) *eventSession {
	seen, _ := lru.New[string, struct{}](p.cfg.DedupSize)
	return &eventSession{
		id:       id,
		seen:     seen,
		finished: make(map[int64]struct{}),
		limiters: make(map[event.Type]*rate.Limiter),
		subs:     make(map[*Subscription]struct{}),
	}
}

// persistItem is one queued persist attempt.
type persistItem struct {
	ev      event.AuditEvent
	session *eventSession
}

// session returns the locked state for id, creating it and resuming its
// sequence counter on first use.
func (p *EventPipeline) session(ctx context.Context, id string) (*eventSession, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPipelineClosed
		}
		s, ok := p.sessions[id]
		if !ok {
			s = p.newSession(id)
			p.sessions[id] = s
		}
		p.mu.Unlock()

		s.loadOnce.Do(func() { p.resume(ctx, s) })

		s.mu.Lock()
		if !s.closed {
			return s, nil
		}
		// Cleaned up between lookup and lock; look again.
		s.mu.Unlock()
	}
}

// resume continues the sequence of a session from the larger of the last
// sequence it had when released and the store's latest sequence.
func (p *EventPipeline) resume(ctx context.Context, s *eventSession) {
	seq, _ := p.retired.Get(s.id)
	if p.store != nil {
		ctx, cancel := context.WithTimeout(ctx, p.cfg.PersistTimeout)
		latest, err := p.store.LatestSequence(ctx, s.id)
		cancel()
		if err != nil {
			p.log.Warn("resume sequence failed", "session_id", s.id, "error", err)
			p.report(fmt.Errorf("resume sequence %s: %w", s.id, err))
		}
		seq = max(seq, latest)
	}
	s.mu.Lock()
	if seq > s.seq {
		s.seq = seq
		s.delivered = seq
		s.persisted = seq
	}
	s.mu.Unlock()
}

// Emit assigns the next sequence number of sessionID to ev and routes it.
// It returns 0 without error when ev is a duplicate or was throttled.
// Caller-supplied sequence numbers are ignored.
func (p *EventPipeline) Emit(ctx context.Context, sessionID string, ev event.AuditEvent) (int64, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("emit: session id is required: %w", domain.ErrValidation)
	}
	if ev.Type == "" {
		return 0, fmt.Errorf("emit: event type is required: %w", domain.ErrValidation)
	}
	if ev.Type == event.TypeHeartbeat {
		p.Heartbeat(sessionID)
		return 0, nil
	}

	ev.SessionID = sessionID
	ev.Message = event.Sanitize(ev.Message)
	if ev.ID == "" {
		if ev.IdempotencyKey != "" {
			ev.ID = uuid.NewSHA1(idempotencyNamespace, []byte(sessionID+":"+ev.IdempotencyKey)).String()
		} else {
			ev.ID = uuid.NewString()
		}
	}
	now := p.now()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}

	s, err := p.session(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	if s.seen.Contains(ev.ID) {
		p.stats.deduplicated.Add(1)
		return 0, nil
	}
	if ev.Type.Throttled() && !p.allow(s, ev.Type, now) {
		p.stats.throttled.Add(1)
		return 0, nil
	}
	s.seen.Add(ev.ID, struct{}{})

	s.seq++
	ev.Sequence = s.seq
	p.stats.emitted.Add(1)

	if ev.Type.Batched() {
		s.batch = append(s.batch, ev)
		switch {
		case len(s.batch) >= p.cfg.BatchMaxSize:
			p.flushLocked(s)
		case s.timer == nil:
			gen := s.batchGen
			s.timer = time.AfterFunc(p.cfg.BatchMaxWait, func() { p.flushTimer(s, gen) })
		}
		return ev.Sequence, nil
	}

	p.flushLocked(s)
	p.deliverLocked(s, ev)
	return ev.Sequence, nil
}

func (p *EventPipeline) allow(s *eventSession, t event.Type, now time.Time) bool {
	if p.cfg.ThrottleInterval <= 0 {
		return true
	}
	l, ok := s.limiters[t]
	if !ok {
		l = rate.NewLimiter(rate.Every(p.cfg.ThrottleInterval), 1)
		s.limiters[t] = l
	}
	return l.AllowN(now, 1)
}

func (p *EventPipeline) flushTimer(s *eventSession, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.batchGen != gen {
		return
	}
	p.flushLocked(s)
}

func (p *EventPipeline) flushLocked(s *eventSession) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.batchGen++
	if len(s.batch) == 0 {
		return
	}
	batch := s.batch
	s.batch = nil
	for _, ev := range batch {
		p.deliverLocked(s, ev)
	}
}

func (p *EventPipeline) deliverLocked(s *eventSession, ev event.AuditEvent) {
	s.delivered = ev.Sequence
	s.cache = append(s.cache, ev)
	p.trimLocked(s)

	for sub := range s.subs {
		select {
		case sub.live <- ev:
		default:
			p.dropLocked(s, sub, ErrSubscriberOverflow)
		}
	}

	if p.store == nil && p.bcast == nil {
		return
	}
	select {
	case p.persistQ <- persistItem{ev: ev, session: s}:
	default:
		p.stats.persistFailed.Add(1)
		p.log.Warn("persist queue full, event not persisted", "session_id", s.id, "sequence", ev.Sequence)
		p.report(fmt.Errorf("persist %s/%d: %w", s.id, ev.Sequence, ErrPersistQueueFull))
		p.persistedLocked(s, ev.Sequence)
	}
}

// trimLocked bounds the cache to CacheSize. With an event store, an event
// leaves the cache only after its persist attempt has finished, so every
// sequence is always readable from the cache or the store.
func (p *EventPipeline) trimLocked(s *eventSession) {
	drop := 0
	for len(s.cache)-drop > p.cfg.CacheSize {
		if p.store != nil && s.cache[drop].Sequence > s.persisted {
			break
		}
		drop++
	}
	if drop > 0 {
		s.cache = slices.Delete(s.cache, 0, drop)
	}
}

// persistedLocked records that the persist attempt of seq is over and
// advances the contiguous watermark.
func (p *EventPipeline) persistedLocked(s *eventSession, seq int64) {
	if seq <= s.persisted {
		return
	}
	s.finished[seq] = struct{}{}
	for {
		if _, ok := s.finished[s.persisted+1]; !ok {
			break
		}
		delete(s.finished, s.persisted+1)
		s.persisted++
	}
	p.trimLocked(s)
}

func (p *EventPipeline) dropLocked(s *eventSession, sub *Subscription, reason error) {
	if _, ok := s.subs[sub]; !ok {
		return
	}
	delete(s.subs, sub)
	sub.err = reason
	close(sub.live)
	if errors.Is(reason, ErrSubscriberOverflow) {
		p.stats.subscribersDropped.Add(1)
		p.log.Warn("subscriber dropped", "session_id", s.id, "reason", reason)
	}
}

func (p *EventPipeline) persistWorker() {
	defer p.wg.Done()
	for item := range p.persistQ {
		ev := item.ev
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PersistTimeout)
		if p.store != nil {
			if err := p.store.Save(ctx, &ev); err != nil {
				p.stats.persistFailed.Add(1)
				p.log.Warn("persist event failed", "session_id", ev.SessionID, "sequence", ev.Sequence, "error", err)
				p.report(fmt.Errorf("persist %s/%d: %w", ev.SessionID, ev.Sequence, err))
			} else {
				p.stats.persisted.Add(1)
			}
		}
		s := item.session
		s.mu.Lock()
		p.persistedLocked(s, ev.Sequence)
		s.mu.Unlock()
		if p.bcast != nil {
			if err := p.bcast.Broadcast(ctx, &ev); err != nil {
				p.log.Debug("broadcast event failed", "session_id", ev.SessionID, "sequence", ev.Sequence, "error", err)
				p.report(fmt.Errorf("broadcast %s/%d: %w", ev.SessionID, ev.Sequence, err))
			}
		}
		cancel()
	}
}

func (p *EventPipeline) report(err error) {
	select {
	case p.errs <- err:
	default:
	}
}

// Errors returns background failures (persistence, broadcast, sequence
// resume). The channel is bounded; errors beyond its capacity are dropped.
func (p *EventPipeline) Errors() <-chan error {
	return p.errs
}

// Subscription is a live stream of one session's events. C yields replayed
// events first, then live ones, and is closed when the subscription ends.
type Subscription struct {
	C <-chan event.AuditEvent

	sessionID string
	out       chan event.AuditEvent
	live      chan event.AuditEvent
	done      chan struct{}
	doneOnce  sync.Once
	err       error // set before live is closed

	pipeline *EventPipeline
	session  *eventSession
}

// SessionID returns the subscribed session.
func (sub *Subscription) SessionID() string { return sub.sessionID }

// Err returns the reason the pipeline ended the subscription, if any. Valid
// once C is closed.
func (sub *Subscription) Err() error { return sub.err }

// Close ends the subscription. Safe to call more than once.
func (sub *Subscription) Close() {
	sub.finish()
	s := sub.session
	s.mu.Lock()
	sub.pipeline.dropLocked(s, sub, nil)
	s.mu.Unlock()
}

func (sub *Subscription) finish() {
	sub.doneOnce.Do(func() { close(sub.done) })
}

// fail ends the subscription with err before anything was sent.
func (sub *Subscription) fail(err error) {
	s := sub.session
	s.mu.Lock()
	sub.pipeline.dropLocked(s, sub, err)
	s.mu.Unlock()
	sub.finish()
	close(sub.out)
}

func (sub *Subscription) forward(replay []event.AuditEvent, last int64) {
	defer sub.finish()
	defer close(sub.out)

	send := func(ev event.AuditEvent) bool {
		select {
		case sub.out <- ev:
			return true
		case <-sub.done:
			return false
		}
	}
	for _, ev := range replay {
		if ev.Sequence <= last {
			continue
		}
		if !send(ev) {
			return
		}
		last = ev.Sequence
	}
	for ev := range sub.live {
		if ev.Sequence != 0 && ev.Sequence <= last {
			continue
		}
		if !send(ev) {
			return
		}
		if ev.Sequence != 0 {
			last = ev.Sequence
		}
	}
}

// Subscribe streams every event of sessionID with sequence > after: first
// from the event log and the in-memory cache, then live. The subscription
// ends when ctx is done, Close is called, or its queue overflows. When part
// of the range cannot be read back, the stream is closed before sending
// anything and Err reports the cause.
func (p *EventPipeline) Subscribe(ctx context.Context, sessionID string, after int64) (*Subscription, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("subscribe: session id is required: %w", domain.ErrValidation)
	}
	s, err := p.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var cached []event.AuditEvent
	for _, ev := range s.cache {
		if ev.Sequence > after {
			cached = append(cached, ev)
		}
	}
	storeUpTo := s.delivered
	if len(s.cache) > 0 {
		storeUpTo = s.cache[0].Sequence - 1
	}

	out := make(chan event.AuditEvent)
	sub := &Subscription{
		C:         out,
		sessionID: sessionID,
		out:       out,
		live:      make(chan event.AuditEvent, p.cfg.SubscriberBuffer),
		done:      make(chan struct{}),
		pipeline:  p,
		session:   s,
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	go func() {
		var replay []event.AuditEvent
		if storeUpTo > after {
			evs, err := p.backfill(ctx, sessionID, after, storeUpTo)
			if err != nil {
				p.log.Warn("replay from event log failed", "session_id", sessionID, "after", after, "error", err)
				p.report(err)
				sub.fail(err)
				return
			}
			replay = evs
		}
		replay = append(replay, cached...)
		sub.forward(replay, after)
	}()

	return sub, nil
}

// backfill reads (after, upTo] from the event log. It fails unless every
// sequence of the range is present.
func (p *EventPipeline) backfill(ctx context.Context, sessionID string, after, upTo int64) ([]event.AuditEvent, error) {
	if p.store == nil {
		return nil, fmt.Errorf("replay %s: (%d, %d] not cached: %w", sessionID, after, upTo, ErrReplayGap)
	}
	evs, err := p.store.Query(ctx, sessionID, after, int(upTo-after))
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", sessionID, err)
	}
	out := make([]event.AuditEvent, 0, upTo-after)
	next := after + 1
	for _, ev := range evs {
		if ev.Sequence > upTo {
			break
		}
		if ev.Sequence != next {
			break
		}
		out = append(out, ev)
		next++
	}
	if next <= upTo {
		return nil, fmt.Errorf("replay %s: sequence %d missing from event log: %w", sessionID, next, ErrReplayGap)
	}
	return out, nil
}

func contiguous(events []event.AuditEvent, after int64) error {
	for i, ev := range events {
		if want := after + 1 + int64(i); ev.Sequence != want {
			return fmt.Errorf("sequence %d missing: %w", want, ErrReplayGap)
		}
	}
	return nil
}

// Heartbeat sends an unsequenced heartbeat to the live subscribers of
// sessionID. It is neither cached nor persisted.
func (p *EventPipeline) Heartbeat(sessionID string) {
	p.mu.Lock()
	s, ok := p.sessions[sessionID]
	p.mu.Unlock()
	if !ok {
		return
	}
	hb := event.AuditEvent{SessionID: sessionID, Type: event.TypeHeartbeat, Timestamp: p.now()}

	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		select {
		case sub.live <- hb:
		default:
			p.dropLocked(s, sub, ErrSubscriberOverflow)
		}
	}
}

// Replay returns up to limit events of sessionID with sequence > after, in
// order, merged from the in-memory cache and the event log. Pending batched
// events are not included until flushed. Without a type filter, a hole in
// the returned range fails with ErrReplayGap.
func (p *EventPipeline) Replay(ctx context.Context, sessionID string, after int64, limit int, types ...event.Type) (event.ReplayResult, error) {
	if limit <= 0 {
		limit = defaultReplayLimit
	}

	// The cache is read before the store: an event evicted in between has
	// already been through its persist attempt.
	bySeq := make(map[int64]event.AuditEvent)
	p.mu.Lock()
	s, ok := p.sessions[sessionID]
	p.mu.Unlock()
	if ok {
		s.mu.Lock()
		for _, ev := range s.cache {
			if ev.Sequence > after && (len(types) == 0 || slices.Contains(types, ev.Type)) {
				bySeq[ev.Sequence] = ev
			}
		}
		s.mu.Unlock()
	}

	if p.store != nil {
		evs, err := p.store.Query(ctx, sessionID, after, limit, types...)
		if err != nil {
			return event.ReplayResult{}, fmt.Errorf("replay %s: %w", sessionID, err)
		}
		for _, ev := range evs {
			if _, cached := bySeq[ev.Sequence]; !cached {
				bySeq[ev.Sequence] = ev
			}
		}
	}

	events := make([]event.AuditEvent, 0, len(bySeq))
	for _, ev := range bySeq {
		events = append(events, ev)
	}
	slices.SortFunc(events, func(a, b event.AuditEvent) int {
		switch {
		case a.Sequence < b.Sequence:
			return -1
		case a.Sequence > b.Sequence:
			return 1
		}
		return 0
	})
	if len(events) > limit {
		events = events[:limit]
	}
	if len(types) == 0 {
		if err := contiguous(events, after); err != nil {
			return event.ReplayResult{}, fmt.Errorf("replay %s: %w", sessionID, err)
		}
	}
	return event.NewReplayResult(sessionID, events, limit), nil
}

// LastSequence returns the last sequence assigned in sessionID, 0 if the
// session is unknown to the pipeline.
func (p *EventPipeline) LastSequence(sessionID string) int64 {
	p.mu.Lock()
	s, ok := p.sessions[sessionID]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Flush delivers the pending batch of sessionID immediately.
func (p *EventPipeline) Flush(sessionID string) {
	p.mu.Lock()
	s, ok := p.sessions[sessionID]
	p.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	if !s.closed {
		p.flushLocked(s)
	}
	s.mu.Unlock()
}

// CleanupSession flushes and drops the state of sessionID and closes its
// subscriber streams. Persisted events are kept, and the session's last
// sequence is remembered so a later emit continues after it.
func (p *EventPipeline) CleanupSession(sessionID string) {
	p.mu.Lock()
	s, ok := p.sessions[sessionID]
	p.mu.Unlock()
	if !ok {
		return
	}
	seq := p.closeSession(s)

	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.retired.Peek(sessionID); !ok || seq > prev {
		p.retired.Add(sessionID, seq)
	}
	if p.sessions[sessionID] == s {
		delete(p.sessions, sessionID)
	}
}

// closeSession flushes s, ends its subscriptions and returns its last
// sequence.
func (p *EventPipeline) closeSession(s *eventSession) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.seq
	}
	p.flushLocked(s)
	for sub := range s.subs {
		p.dropLocked(s, sub, nil)
	}
	s.closed = true
	return s.seq
}

// Stats returns the pipeline counters.
func (p *EventPipeline) Stats() PipelineStats {
	st := PipelineStats{
		Emitted:            p.stats.emitted.Load(),
		Deduplicated:       p.stats.deduplicated.Load(),
		Throttled:          p.stats.throttled.Load(),
		SubscribersDropped: p.stats.subscribersDropped.Load(),
		Persisted:          p.stats.persisted.Load(),
		PersistFailed:      p.stats.persistFailed.Load(),
	}
	p.mu.Lock()
	sessions := make([]*eventSession, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()
	st.Sessions = len(sessions)
	for _, s := range sessions {
		s.mu.Lock()
		st.Subscribers += len(s.subs)
		s.mu.Unlock()
	}
	return st
}

// Close flushes every session, ends all subscriptions and waits for queued
// events to be persisted or ctx to be done.
func (p *EventPipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sessions := make([]*eventSession, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	for _, s := range sessions {
		p.closeSession(s)
	}
	close(p.persistQ)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close event pipeline: %w", ctx.Err())
	}
}
