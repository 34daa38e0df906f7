package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/auditrt/internal/adapter/memory"
	"github.com/Strob0t/auditrt/internal/config"
	"github.com/Strob0t/auditrt/internal/domain"
	"github.com/Strob0t/auditrt/internal/domain/event"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEventsConfig() config.Events {
	cfg := config.Defaults().Events
	cfg.BatchMaxWait = 20 * time.Millisecond
	return cfg
}

func newTestPipeline(t *testing.T, cfg config.Events, opts ...PipelineOption) *EventPipeline {
	t.Helper()
	opts = append([]PipelineOption{WithPipelineLogger(quietLogger())}, opts...)
	p := NewEventPipeline(cfg, opts...)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

// recv reads n events from sub or fails after a deadline.
func recv(t *testing.T, sub *Subscription, n int) []event.AuditEvent {
	t.Helper()
	out := make([]event.AuditEvent, 0, n)
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				t.Fatalf("subscription closed after %d of %d events (err=%v)", len(out), n, sub.Err())
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func seqs(evs []event.AuditEvent) []int64 {
	out := make([]int64, len(evs))
	for i, e := range evs {
		out[i] = e.Sequence
	}
	return out
}

func emit(t *testing.T, p *EventPipeline, session string, typ event.Type, msg string) int64 {
	t.Helper()
	seq, err := p.Emit(context.Background(), session, event.AuditEvent{Type: typ, Message: msg, Source: "test"})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	return seq
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEmitAssignsGaplessSequences(t *testing.T) {
	p := newTestPipeline(t, testEventsConfig())
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		seq, err := p.Emit(ctx, "s1", event.AuditEvent{Type: event.TypeInfo, Sequence: 99})
		if err != nil {
			t.Fatal(err)
		}
		if seq != int64(i) {
			t.Fatalf("emit %d: got sequence %d", i, seq)
		}
	}
	if seq := emit(t, p, "s2", event.TypeInfo, "other"); seq != 1 {
		t.Fatalf("sessions must have independent counters, got %d", seq)
	}
	if p.LastSequence("s1") != 5 {
		t.Fatalf("LastSequence = %d", p.LastSequence("s1"))
	}
}

func TestEmitValidation(t *testing.T) {
	p := newTestPipeline(t, testEventsConfig())
	if _, err := p.Emit(context.Background(), "", event.AuditEvent{Type: event.TypeInfo}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for empty session, got %v", err)
	}
	if _, err := p.Emit(context.Background(), "s1", event.AuditEvent{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for empty type, got %v", err)
	}
}

func TestEmitDeduplicates(t *testing.T) {
	p := newTestPipeline(t, testEventsConfig())
	ctx := context.Background()

	ev := event.AuditEvent{ID: "finding-1", Type: event.TypeFindingNew}
	if seq, _ := p.Emit(ctx, "s1", ev); seq != 1 {
		t.Fatalf("first emit: got %d", seq)
	}
	if seq, _ := p.Emit(ctx, "s1", ev); seq != 0 {
		t.Fatalf("duplicate should be a no-op, got %d", seq)
	}

	keyed := event.AuditEvent{IdempotencyKey: "tool-call-7", Type: event.TypeToolCall}
	first, _ := p.Emit(ctx, "s1", keyed)
	second, _ := p.Emit(ctx, "s1", keyed)
	if first != 2 || second != 0 {
		t.Fatalf("idempotency key dedup: got %d then %d", first, second)
	}
	// The same key in another session is a different event.
	if seq, _ := p.Emit(ctx, "s2", keyed); seq != 1 {
		t.Fatalf("key must be scoped per session, got %d", seq)
	}

	res, err := p.Replay(ctx, "s1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.EventCount != 2 || p.Stats().Deduplicated != 2 {
		t.Fatalf("expected 2 events and 2 duplicates, got %d and %d", res.EventCount, p.Stats().Deduplicated)
	}
}

func TestEmitThrottlesHighFrequencyTypes(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	p := newTestPipeline(t, testEventsConfig(), WithPipelineClock(clock))

	if seq := emit(t, p, "s1", event.TypeThinkingToken, "a"); seq != 1 {
		t.Fatalf("first token: got %d", seq)
	}
	if seq := emit(t, p, "s1", event.TypeThinkingToken, "b"); seq != 0 {
		t.Fatalf("second token inside the interval should be dropped, got %d", seq)
	}
	// Unthrottled types are unaffected and the stream stays gapless.
	if seq := emit(t, p, "s1", event.TypeInfo, "c"); seq != 2 {
		t.Fatalf("info: got %d", seq)
	}
	advance(60 * time.Millisecond)
	if seq := emit(t, p, "s1", event.TypeThinkingToken, "d"); seq != 3 {
		t.Fatalf("token after the interval: got %d", seq)
	}
	if p.Stats().Throttled != 1 {
		t.Fatalf("expected 1 throttled event, got %d", p.Stats().Throttled)
	}
}

func TestBatchFlushesOnSize(t *testing.T) {
	cfg := testEventsConfig()
	cfg.BatchMaxSize = 3
	cfg.BatchMaxWait = time.Hour
	cfg.ThrottleInterval = 0
	p := newTestPipeline(t, cfg)

	sub, err := p.Subscribe(context.Background(), "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	emit(t, p, "s1", event.TypeThinking, "1")
	emit(t, p, "s1", event.TypeThinking, "2")

	select {
	case ev := <-sub.C:
		t.Fatalf("batch delivered early: %+v", ev)
	case <-time.After(30 * time.Millisecond):
	}

	emit(t, p, "s1", event.TypeThinking, "3")
	got := recv(t, sub, 3)
	if fmt.Sprint(seqs(got)) != "[1 2 3]" {
		t.Fatalf("got %v", seqs(got))
	}
}

func TestBatchFlushesAfterWait(t *testing.T) {
	cfg := testEventsConfig()
	cfg.ThrottleInterval = 0
	p := newTestPipeline(t, cfg)

	sub, err := p.Subscribe(context.Background(), "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	start := time.Now()
	emit(t, p, "s1", event.TypeLLMThought, "slow")
	got := recv(t, sub, 1)
	if got[0].Sequence != 1 {
		t.Fatalf("got %v", seqs(got))
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Fatalf("batched event delivered after %v, expected to wait for the flush", elapsed)
	}
}

func TestNonBatchedEventFlushesPendingBatch(t *testing.T) {
	cfg := testEventsConfig()
	cfg.BatchMaxWait = time.Hour
	cfg.ThrottleInterval = 0
	p := newTestPipeline(t, cfg)

	sub, err := p.Subscribe(context.Background(), "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	emit(t, p, "s1", event.TypeThinking, "t1")
	emit(t, p, "s1", event.TypeThinking, "t2")
	emit(t, p, "s1", event.TypeToolCall, "call")

	got := recv(t, sub, 3)
	if fmt.Sprint(seqs(got)) != "[1 2 3]" || got[2].Type != event.TypeToolCall {
		t.Fatalf("delivery order must equal sequence order, got %v", seqs(got))
	}
}

func TestSubscribeReplaysFromCacheThenLive(t *testing.T) {
	p := newTestPipeline(t, testEventsConfig())
	for i := range 5 {
		emit(t, p, "s1", event.TypeInfo, fmt.Sprint(i))
	}

	sub, err := p.Subscribe(context.Background(), "s1", 2)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	emit(t, p, "s1", event.TypeInfo, "live")
	got := recv(t, sub, 4)
	if fmt.Sprint(seqs(got)) != "[3 4 5 6]" {
		t.Fatalf("got %v", seqs(got))
	}
	if got[3].Message != "live" {
		t.Fatalf("expected live event last, got %q", got[3].Message)
	}
}

func TestSubscribeReplaysFromStoreBeyondCache(t *testing.T) {
	store := memory.NewEventStore()
	cfg := testEventsConfig()
	cfg.CacheSize = 2
	p := newTestPipeline(t, cfg, WithEventStore(store))

	for i := range 6 {
		emit(t, p, "s1", event.TypeInfo, fmt.Sprint(i))
	}
	waitFor(t, func() bool { return store.Len() == 6 })

	sub, err := p.Subscribe(context.Background(), "s1", 1)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	emit(t, p, "s1", event.TypeInfo, "live")

	got := recv(t, sub, 6)
	if fmt.Sprint(seqs(got)) != "[2 3 4 5 6 7]" {
		t.Fatalf("expected gapless replay across store and cache, got %v", seqs(got))
	}
}

func TestSequenceResumesFromStore(t *testing.T) {
	store := memory.NewEventStore()
	ctx := context.Background()
	for i := int64(1); i <= 7; i++ {
		_ = store.Save(ctx, &event.AuditEvent{ID: fmt.Sprint(i), SessionID: "s1", Sequence: i, Type: event.TypeInfo})
	}

	p := newTestPipeline(t, testEventsConfig(), WithEventStore(store))
	if seq := emit(t, p, "s1", event.TypeInfo, "after restart"); seq != 8 {
		t.Fatalf("expected sequence to resume at 8, got %d", seq)
	}

	sub, err := p.Subscribe(ctx, "s1", 5)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	got := recv(t, sub, 3)
	if fmt.Sprint(seqs(got)) != "[6 7 8]" {
		t.Fatalf("got %v", seqs(got))
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	cfg := testEventsConfig()
	cfg.SubscriberBuffer = 1
	p := newTestPipeline(t, cfg)

	slow, err := p.Subscribe(context.Background(), "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	fast, err := p.Subscribe(context.Background(), "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer fast.Close()

	for i := range 4 {
		emit(t, p, "s1", event.TypeInfo, fmt.Sprint(i))
		recv(t, fast, 1)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-slow.C:
			if !ok {
				if !errors.Is(slow.Err(), ErrSubscriberOverflow) {
					t.Fatalf("expected overflow, got %v", slow.Err())
				}
				if p.Stats().SubscribersDropped != 1 {
					t.Fatalf("expected 1 dropped subscriber, got %d", p.Stats().SubscribersDropped)
				}
				return
			}
		case <-deadline:
			t.Fatal("slow subscriber was never dropped")
		}
	}
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	p := newTestPipeline(t, testEventsConfig())
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := p.Subscribe(ctx, "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatal("unexpected event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed after context cancel")
	}
	waitFor(t, func() bool { return p.Stats().Subscribers == 0 })
	if sub.Err() != nil {
		t.Fatalf("a caller-ended subscription has no error, got %v", sub.Err())
	}
}

func TestHeartbeatIsNotSequenced(t *testing.T) {
	p := newTestPipeline(t, testEventsConfig())
	sub, err := p.Subscribe(context.Background(), "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	p.Heartbeat("s1")
	emit(t, p, "s1", event.TypeInfo, "x")

	got := recv(t, sub, 2)
	if got[0].Type != event.TypeHeartbeat || got[0].Sequence != 0 {
		t.Fatalf("expected unsequenced heartbeat, got %+v", got[0])
	}
	if got[1].Sequence != 1 {
		t.Fatalf("heartbeat must not consume a sequence, got %d", got[1].Sequence)
	}
	res, _ := p.Replay(context.Background(), "s1", 0, 0)
	if res.EventCount != 1 {
		t.Fatalf("heartbeats must not be cached, got %d events", res.EventCount)
	}
}

func TestReplayLimitAndTypes(t *testing.T) {
	store := memory.NewEventStore()
	cfg := testEventsConfig()
	cfg.CacheSize = 3
	p := newTestPipeline(t, cfg, WithEventStore(store))

	types := []event.Type{event.TypeInfo, event.TypeToolCall, event.TypeInfo, event.TypeError, event.TypeToolCall, event.TypeInfo}
	for _, typ := range types {
		emit(t, p, "s1", typ, "")
	}
	waitFor(t, func() bool { return store.Len() == len(types) })

	res, err := p.Replay(context.Background(), "s1", 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(seqs(res.Events)) != "[2 3 4]" || !res.HasMore || res.LastSequence != 4 {
		t.Fatalf("unexpected page %+v", res)
	}

	res, err = p.Replay(context.Background(), "s1", 0, 0, event.TypeToolCall)
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(seqs(res.Events)) != "[2 5]" || res.HasMore {
		t.Fatalf("unexpected filtered result %+v", res)
	}

	res, _ = p.Replay(context.Background(), "unknown", 0, 10)
	if res.EventCount != 0 || res.Events == nil {
		t.Fatalf("unknown sessions return an empty page, got %+v", res)
	}
}

type failingStore struct {
	*memory.EventStore
	err error
}

func (f *failingStore) Save(context.Context, *event.AuditEvent) error { return f.err }

func TestPersistFailureDoesNotBlockEmit(t *testing.T) {
	store := &failingStore{EventStore: memory.NewEventStore(), err: errors.New("db down")}
	p := newTestPipeline(t, testEventsConfig(), WithEventStore(store))

	sub, err := p.Subscribe(context.Background(), "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	if seq := emit(t, p, "s1", event.TypeInfo, "x"); seq != 1 {
		t.Fatalf("got %d", seq)
	}
	recv(t, sub, 1)

	select {
	case err := <-p.Errors():
		if err == nil || !errors.Is(err, store.err) {
			t.Fatalf("expected persist error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("persist failure was not reported")
	}
}

func TestPersistQueueFullIsReported(t *testing.T) {
	block := make(chan struct{})
	store := &blockingStore{EventStore: memory.NewEventStore(), release: block}
	cfg := testEventsConfig()
	cfg.PersistQueue = 1
	cfg.PersistWorkers = 1
	p := NewEventPipeline(cfg, WithEventStore(store), WithPipelineLogger(quietLogger()))
	defer func() {
		close(block)
		_ = p.Close(context.Background())
	}()

	for range 4 {
		emit(t, p, "s1", event.TypeInfo, "x")
	}
	found := false
	for !found {
		select {
		case err := <-p.Errors():
			found = errors.Is(err, ErrPersistQueueFull)
		case <-time.After(2 * time.Second):
			t.Fatal("queue overflow was not reported")
		}
	}
}

type blockingStore struct {
	*memory.EventStore
	release chan struct{}
}

func (b *blockingStore) Save(ctx context.Context, _ *event.AuditEvent) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

type recordingBroadcaster struct {
	mu  sync.Mutex
	evs []event.AuditEvent
}

func (r *recordingBroadcaster) Broadcast(_ context.Context, ev *event.AuditEvent) error {
	r.mu.Lock()
	r.evs = append(r.evs, *ev)
	r.mu.Unlock()
	return nil
}

func (r *recordingBroadcaster) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.evs)
}

func TestBroadcasterReceivesSequencedEvents(t *testing.T) {
	b := &recordingBroadcaster{}
	p := newTestPipeline(t, testEventsConfig(), WithBroadcaster(b))
	emit(t, p, "s1", event.TypeInfo, "a")
	emit(t, p, "s1", event.TypeInfo, "b")
	waitFor(t, func() bool { return b.count() == 2 })
}

func TestCleanupSessionClosesSubscribers(t *testing.T) {
	p := newTestPipeline(t, testEventsConfig())
	emit(t, p, "s1", event.TypeInfo, "a")
	sub, err := p.Subscribe(context.Background(), "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	recv(t, sub, 1)

	p.CleanupSession("s1")
	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatal("unexpected event after cleanup")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed by cleanup")
	}
	if p.LastSequence("s1") != 0 {
		t.Fatal("session state should be dropped")
	}
}

func TestCloseRejectsEmits(t *testing.T) {
	p := NewEventPipeline(testEventsConfig(), WithPipelineLogger(quietLogger()))
	sub, err := p.Subscribe(context.Background(), "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	emit(t, p, "s1", event.TypeThinking, "pending")

	if err := p.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	// The pending batch is flushed before subscribers are closed.
	got := recv(t, sub, 1)
	if got[0].Sequence != 1 {
		t.Fatalf("got %v", seqs(got))
	}
	if _, err := p.Emit(context.Background(), "s1", event.AuditEvent{Type: event.TypeInfo}); !errors.Is(err, ErrPipelineClosed) {
		t.Fatalf("expected ErrPipelineClosed, got %v", err)
	}
	if _, err := p.Subscribe(context.Background(), "s1", 0); !errors.Is(err, ErrPipelineClosed) {
		t.Fatalf("expected ErrPipelineClosed, got %v", err)
	}
}

func TestConcurrentEmitsAreGapless(t *testing.T) {
	cfg := testEventsConfig()
	cfg.SubscriberBuffer = 1024
	p := newTestPipeline(t, cfg)

	sub, err := p.Subscribe(context.Background(), "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				typ := event.TypeInfo
				if i%3 == 0 {
					typ = event.TypeToolCall
				}
				if _, err := p.Emit(context.Background(), "s1", event.AuditEvent{Type: typ, Message: fmt.Sprintf("%d-%d", w, i)}); err != nil {
					t.Error(err)
				}
			}
		}()
	}

	got := recv(t, sub, writers*perWriter)
	wg.Wait()
	for i, ev := range got {
		if ev.Sequence != int64(i+1) {
			t.Fatalf("position %d has sequence %d", i, ev.Sequence)
		}
	}
}

func TestMessageIsSanitized(t *testing.T) {
	p := newTestPipeline(t, testEventsConfig())
	emit(t, p, "s1", event.TypeInfo, "ok\x00\x1b[31m\nnext")
	res, _ := p.Replay(context.Background(), "s1", 0, 0)
	if res.Events[0].Message != "ok[31m\nnext" {
		t.Fatalf("got %q", res.Events[0].Message)
	}
}

type queryFailingStore struct {
	*memory.EventStore
	err error
}

func (q *queryFailingStore) Query(context.Context, string, int64, int, ...event.Type) ([]event.AuditEvent, error) {
	return nil, q.err
}

func cacheLen(p *EventPipeline, sessionID string) int {
	p.mu.Lock()
	s, ok := p.sessions[sessionID]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

// expectClosed asserts that sub ends without delivering anything and
// returns its error.
func expectClosed(t *testing.T, sub *Subscription) error {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		if ok {
			t.Fatalf("expected a closed stream, got sequence %d", ev.Sequence)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription was not closed")
	}
	return sub.Err()
}

func TestCacheKeepsEventsUntilPersisted(t *testing.T) {
	block := make(chan struct{})
	store := &blockingStore{EventStore: memory.NewEventStore(), release: block}
	cfg := testEventsConfig()
	cfg.CacheSize = 2
	p := NewEventPipeline(cfg, WithEventStore(store), WithPipelineLogger(quietLogger()))
	defer func() {
		close(block)
		_ = p.Close(context.Background())
	}()

	for i := range 5 {
		emit(t, p, "s1", event.TypeInfo, fmt.Sprint(i))
	}

	sub, err := p.Subscribe(context.Background(), "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	if got := recv(t, sub, 5); fmt.Sprint(seqs(got)) != "[1 2 3 4 5]" {
		t.Fatalf("expected unpersisted events from the cache, got %v", seqs(got))
	}

	res, err := p.Replay(context.Background(), "s1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(seqs(res.Events)) != "[1 2 3 4 5]" {
		t.Fatalf("replay got %v", seqs(res.Events))
	}
}

func TestCacheShrinksOncePersisted(t *testing.T) {
	store := memory.NewEventStore()
	cfg := testEventsConfig()
	cfg.CacheSize = 2
	p := newTestPipeline(t, cfg, WithEventStore(store))

	for i := range 5 {
		emit(t, p, "s1", event.TypeInfo, fmt.Sprint(i))
	}
	waitFor(t, func() bool { return cacheLen(p, "s1") == 2 })
	if store.Len() != 5 {
		t.Fatalf("store has %d events, want 5", store.Len())
	}
}

func TestSubscribeFailsWhenBackfillQueryFails(t *testing.T) {
	store := &queryFailingStore{EventStore: memory.NewEventStore(), err: errors.New("db down")}
	cfg := testEventsConfig()
	cfg.CacheSize = 2
	p := newTestPipeline(t, cfg, WithEventStore(store))

	for i := range 5 {
		emit(t, p, "s1", event.TypeInfo, fmt.Sprint(i))
	}
	waitFor(t, func() bool { return cacheLen(p, "s1") == 2 })

	sub, err := p.Subscribe(context.Background(), "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := expectClosed(t, sub); !errors.Is(err, store.err) {
		t.Fatalf("expected the query error, got %v", err)
	}

	// The cached tail is still served.
	tail, err := p.Subscribe(context.Background(), "s1", 3)
	if err != nil {
		t.Fatal(err)
	}
	defer tail.Close()
	if got := recv(t, tail, 2); fmt.Sprint(seqs(got)) != "[4 5]" {
		t.Fatalf("got %v", seqs(got))
	}
}

func TestSubscribeFailsOnMissingStoredEvents(t *testing.T) {
	store := &failingStore{EventStore: memory.NewEventStore(), err: errors.New("disk full")}
	cfg := testEventsConfig()
	cfg.CacheSize = 2
	p := newTestPipeline(t, cfg, WithEventStore(store))

	for i := range 5 {
		emit(t, p, "s1", event.TypeInfo, fmt.Sprint(i))
	}
	waitFor(t, func() bool { return cacheLen(p, "s1") == 2 })

	sub, err := p.Subscribe(context.Background(), "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := expectClosed(t, sub); !errors.Is(err, ErrReplayGap) {
		t.Fatalf("expected ErrReplayGap, got %v", err)
	}
	if _, err := p.Replay(context.Background(), "s1", 0, 10); !errors.Is(err, ErrReplayGap) {
		t.Fatalf("replay: expected ErrReplayGap, got %v", err)
	}
}

func TestSubscribeWithoutStoreBeyondCache(t *testing.T) {
	cfg := testEventsConfig()
	cfg.CacheSize = 2
	p := newTestPipeline(t, cfg)
	for i := range 5 {
		emit(t, p, "s1", event.TypeInfo, fmt.Sprint(i))
	}

	sub, err := p.Subscribe(context.Background(), "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := expectClosed(t, sub); !errors.Is(err, ErrReplayGap) {
		t.Fatalf("expected ErrReplayGap, got %v", err)
	}
}

func TestEmitAfterCleanupContinuesSequence(t *testing.T) {
	tests := []struct {
		name  string
		store func(block chan struct{}) PipelineOption
	}{
		{name: "no store", store: func(chan struct{}) PipelineOption { return func(*EventPipeline) {} }},
		{name: "lagging store", store: func(block chan struct{}) PipelineOption {
			return WithEventStore(&blockingStore{EventStore: memory.NewEventStore(), release: block})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block := make(chan struct{})
			p := NewEventPipeline(testEventsConfig(), tt.store(block), WithPipelineLogger(quietLogger()))
			defer func() {
				close(block)
				_ = p.Close(context.Background())
			}()

			for range 3 {
				emit(t, p, "s1", event.TypeInfo, "before")
			}
			p.CleanupSession("s1")
			if seq := emit(t, p, "s1", event.TypeInfo, "after"); seq != 4 {
				t.Fatalf("sequence after cleanup = %d, want 4", seq)
			}
		})
	}
}
