package presence

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeStore struct {
	mu       sync.Mutex
	online   int64
	active   int64
	err      error
	refreshN int
	cleanupN int

	inFlight int32 // concurrent ReadCounts callers, for the serialization test
	maxSeen  int32
}

func (f *fakeStore) set(online, active int64) {
	f.mu.Lock()
	f.online, f.active = online, active
	f.mu.Unlock()
}

func (f *fakeStore) ReadCounts(_ context.Context, _ string) (int64, int64, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	for {
		max := atomic.LoadInt32(&f.maxSeen)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxSeen, max, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	atomic.AddInt32(&f.inFlight, -1)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, 0, f.err
	}
	return f.online, f.active, nil
}

func (f *fakeStore) RefreshAggregate(_ context.Context, _, _ string) error {
	f.mu.Lock()
	f.refreshN++
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) CleanupAggregate(_ context.Context, _ string) error {
	f.mu.Lock()
	f.cleanupN++
	f.mu.Unlock()
	return nil
}

type fakeCalls struct {
	mu sync.Mutex
	in map[string]bool
}

func (f *fakeCalls) InAnyCall(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.in[userID]
}

type fakeEmit struct {
	mu   sync.Mutex
	sent []Status
}

func (f *fakeEmit) BroadcastPresence(_ context.Context, _ string, status Status) {
	f.mu.Lock()
	f.sent = append(f.sent, status)
	f.mu.Unlock()
}

func (f *fakeEmit) all() []Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Status, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakePersist struct {
	mu   sync.Mutex
	last Status
	n    int
}

func (f *fakePersist) Persist(_ context.Context, _ string, status Status) {
	f.mu.Lock()
	f.last, f.n = status, f.n+1
	f.mu.Unlock()
}

func newTestAgg() (*Aggregator, *fakeStore, *fakeCalls, *fakeEmit, *fakePersist) {
	store := &fakeStore{}
	calls := &fakeCalls{in: make(map[string]bool)}
	emit := &fakeEmit{}
	persist := &fakePersist{}
	return NewAggregator(store, calls, emit, persist), store, calls, emit, persist
}

func TestRecomputeBroadcastsOnChange(t *testing.T) {
	agg, store, _, emit, persist := newTestAgg()
	ctx := context.Background()

	store.set(1, 1)
	agg.RecomputeAndBroadcast(ctx, "u1", RecomputeOptions{})
	if got := emit.all(); len(got) != 1 || got[0] != StatusOnline {
		t.Fatalf("broadcasts = %v, want [ONLINE]", got)
	}
	if persist.last != StatusOnline {
		t.Fatalf("persisted %s", persist.last)
	}
	if store.refreshN != 1 {
		t.Fatalf("refreshN = %d", store.refreshN)
	}
}

func TestRedundantRecomputesEmitOnce(t *testing.T) {
	agg, store, _, emit, _ := newTestAgg()
	ctx := context.Background()

	store.set(2, 1)
	for i := 0; i < 5; i++ {
		agg.RecomputeAndBroadcast(ctx, "u1", RecomputeOptions{})
	}
	if got := emit.all(); len(got) != 1 {
		t.Fatalf("duplicate suppression failed: %v", got)
	}
}

func TestPartialDisconnectNeverBroadcastsOffline(t *testing.T) {
	agg, store, _, emit, _ := newTestAgg()
	ctx := context.Background()

	// two connections, both active
	store.set(2, 2)
	agg.RecomputeAndBroadcast(ctx, "u1", RecomputeOptions{})
	// one drops; the survivor keeps the user online
	store.set(1, 1)
	agg.RecomputeAndBroadcast(ctx, "u1", RecomputeOptions{AllowOfflineCleanup: true})

	for _, s := range emit.all() {
		if s == StatusOffline {
			t.Fatal("broadcast OFFLINE on partial disconnect")
		}
	}
	if store.cleanupN != 0 {
		t.Fatal("cleanup ran while still online")
	}
}

func TestOfflineCleanupGatedByFlag(t *testing.T) {
	agg, store, _, emit, _ := newTestAgg()
	ctx := context.Background()

	store.set(1, 0)
	agg.RecomputeAndBroadcast(ctx, "u1", RecomputeOptions{})
	store.set(0, 0)

	// transient zero-read path: no cleanup allowed
	agg.RecomputeAndBroadcast(ctx, "u1", RecomputeOptions{})
	if store.cleanupN != 0 {
		t.Fatal("cleanup ran without AllowOfflineCleanup")
	}
	// genuine disconnect path
	agg.RecomputeAndBroadcast(ctx, "u1", RecomputeOptions{AllowOfflineCleanup: true})
	if store.cleanupN != 1 {
		t.Fatalf("cleanupN = %d, want 1", store.cleanupN)
	}

	got := emit.all()
	if len(got) != 2 || got[0] != StatusBackground || got[1] != StatusOffline {
		t.Fatalf("broadcasts = %v, want [BACKGROUND OFFLINE]", got)
	}
}

func TestOfflineClearsMemoSoReconnectReannounces(t *testing.T) {
	agg, store, _, emit, _ := newTestAgg()
	ctx := context.Background()

	store.set(1, 1)
	agg.RecomputeAndBroadcast(ctx, "u1", RecomputeOptions{})
	store.set(0, 0)
	agg.RecomputeAndBroadcast(ctx, "u1", RecomputeOptions{AllowOfflineCleanup: true})
	// reconnect at the very same status must be announced again
	store.set(1, 1)
	agg.RecomputeAndBroadcast(ctx, "u1", RecomputeOptions{})

	got := emit.all()
	want := []Status{StatusOnline, StatusOffline, StatusOnline}
	if len(got) != len(want) {
		t.Fatalf("broadcasts = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("broadcasts = %v, want %v", got, want)
		}
	}
}

func TestNeverAnnouncedUserStaysSilentWhenOffline(t *testing.T) {
	agg, store, _, emit, _ := newTestAgg()
	ctx := context.Background()

	store.set(0, 0)
	agg.RecomputeAndBroadcast(ctx, "u1", RecomputeOptions{AllowOfflineCleanup: true})
	agg.RecomputeAndBroadcast(ctx, "u1", RecomputeOptions{AllowOfflineCleanup: true})
	if got := emit.all(); len(got) != 0 {
		t.Fatalf("broadcasts = %v, want none", got)
	}
}

func TestCountsUnavailableSkipsEverything(t *testing.T) {
	agg, store, _, emit, persist := newTestAgg()
	ctx := context.Background()

	store.mu.Lock()
	store.err = context.DeadlineExceeded
	store.mu.Unlock()
	agg.RecomputeAndBroadcast(ctx, "u1", RecomputeOptions{AllowOfflineCleanup: true})

	if len(emit.all()) != 0 || persist.n != 0 || store.cleanupN != 0 {
		t.Fatal("unavailable counts must be a full no-op")
	}
}

func TestCallOverrideProducesInCall(t *testing.T) {
	agg, store, calls, emit, persist := newTestAgg()
	ctx := context.Background()

	store.set(1, 0)
	calls.mu.Lock()
	calls.in["u1"] = true
	calls.mu.Unlock()
	agg.RecomputeAndBroadcast(ctx, "u1", RecomputeOptions{})

	if got := emit.all(); len(got) != 1 || got[0] != StatusInCall {
		t.Fatalf("broadcasts = %v, want [IN_CALL]", got)
	}
	// durable storage only sees the base status
	if persist.last != StatusBackground {
		t.Fatalf("persisted %s, want BACKGROUND", persist.last)
	}

	calls.mu.Lock()
	calls.in["u1"] = false
	calls.mu.Unlock()
	agg.RecomputeAndBroadcast(ctx, "u1", RecomputeOptions{})
	got := emit.all()
	if got[len(got)-1] != StatusBackground {
		t.Fatalf("after call ends: %v", got)
	}
}

func TestSameUserRecomputesAreSerialized(t *testing.T) {
	agg, store, _, _, _ := newTestAgg()
	ctx := context.Background()
	store.set(1, 1)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agg.RecomputeAndBroadcast(ctx, "u1", RecomputeOptions{})
		}()
	}
	wg.Wait()

	if max := atomic.LoadInt32(&store.maxSeen); max != 1 {
		t.Fatalf("same-user recomputes overlapped: max concurrent = %d", max)
	}
}

func TestDifferentUsersRunConcurrently(t *testing.T) {
	agg, store, _, _, _ := newTestAgg()
	ctx := context.Background()
	store.set(1, 1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		id := string(rune('a' + i))
		go func() {
			defer wg.Done()
			agg.RecomputeAndBroadcast(ctx, id, RecomputeOptions{})
		}()
	}
	wg.Wait()
	// smoke check only: no deadlock, every lane drained
	agg.mu.Lock()
	left := len(agg.lanes)
	agg.mu.Unlock()
	if left != 0 {
		t.Fatalf("lanes leaked: %d", left)
	}
}
