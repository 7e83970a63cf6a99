package presence

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeWriter struct {
	mu     sync.Mutex
	writes []struct {
		status   string
		lastSeen *time.Time
	}
	err error
}

func (f *fakeWriter) WriteStatus(_ context.Context, _ string, status string, lastSeen *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, struct {
		status   string
		lastSeen *time.Time
	}{status, lastSeen})
	return f.err
}

func (f *fakeWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

type tick struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tick) clock() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *tick) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestPersister() (*StatusPersister, *fakeWriter, *tick) {
	w := &fakeWriter{}
	clk := &tick{now: time.Unix(1700000000, 0)}
	p := NewStatusPersister(w, PersistConfig{MinInterval: 2 * time.Minute, Clock: clk.clock})
	return p, w, clk
}

func TestPersistSkipsUnchanged(t *testing.T) {
	p, w, _ := newTestPersister()
	ctx := context.Background()

	p.Persist(ctx, "u1", StatusOnline)
	p.Persist(ctx, "u1", StatusOnline)
	p.Persist(ctx, "u1", StatusOnline)
	if w.count() != 1 {
		t.Fatalf("writes = %d, want 1", w.count())
	}
}

func TestPersistThrottlesForegroundFlapping(t *testing.T) {
	p, w, clk := newTestPersister()
	ctx := context.Background()

	p.Persist(ctx, "u1", StatusOnline) // first observation writes
	clk.advance(10 * time.Second)
	p.Persist(ctx, "u1", StatusBackground) // inside window: coalesced
	clk.advance(10 * time.Second)
	p.Persist(ctx, "u1", StatusOnline) // still inside: coalesced
	if w.count() != 1 {
		t.Fatalf("writes = %d, want 1 (flaps coalesced)", w.count())
	}

	clk.advance(3 * time.Minute)
	p.Persist(ctx, "u1", StatusBackground) // window elapsed
	if w.count() != 2 {
		t.Fatalf("writes = %d, want 2", w.count())
	}
}

func TestPersistFlushesThrottledTransitionAfterWindow(t *testing.T) {
	// Backgrounds once inside the window, then stays backgrounded: the
	// suppressed transition must still land once the window elapses.
	p, w, clk := newTestPersister()
	ctx := context.Background()

	p.Persist(ctx, "u1", StatusOnline)
	clk.advance(10 * time.Second)
	p.Persist(ctx, "u1", StatusBackground) // coalesced
	if w.count() != 1 {
		t.Fatalf("writes = %d, want 1", w.count())
	}

	clk.advance(3 * time.Minute)
	p.Persist(ctx, "u1", StatusBackground) // same value again, window elapsed
	if w.count() != 2 {
		t.Fatalf("writes = %d, want 2 (throttled transition flushed)", w.count())
	}
	w.mu.Lock()
	got := w.writes[1].status
	w.mu.Unlock()
	if got != "BACKGROUND" {
		t.Fatalf("status = %s", got)
	}
}

func TestPersistOfflineIsImmediateAndStampsLastSeen(t *testing.T) {
	p, w, clk := newTestPersister()
	ctx := context.Background()

	p.Persist(ctx, "u1", StatusOnline)
	clk.advance(time.Second)
	p.Persist(ctx, "u1", StatusOffline) // never throttled

	if w.count() != 2 {
		t.Fatalf("writes = %d, want 2", w.count())
	}
	w.mu.Lock()
	last := w.writes[1]
	w.mu.Unlock()
	if last.status != "OFFLINE" {
		t.Fatalf("status = %s", last.status)
	}
	if last.lastSeen == nil || !last.lastSeen.Equal(clk.clock()) {
		t.Fatalf("lastSeen = %v", last.lastSeen)
	}
}

func TestPersistReconnectFromOfflineIsImmediate(t *testing.T) {
	p, w, clk := newTestPersister()
	ctx := context.Background()

	p.Persist(ctx, "u1", StatusOnline)
	p.Persist(ctx, "u1", StatusOffline)
	clk.advance(time.Second) // far inside the throttle window
	p.Persist(ctx, "u1", StatusBackground)

	if w.count() != 3 {
		t.Fatalf("writes = %d, want 3 (reconnect writes through)", w.count())
	}
	w.mu.Lock()
	if w.writes[2].lastSeen != nil {
		t.Fatal("lastSeen stamped on a non-offline write")
	}
	w.mu.Unlock()
}

func TestPersistSwallowsWriterFailure(t *testing.T) {
	p, w, _ := newTestPersister()
	w.err = context.DeadlineExceeded
	// must not panic or propagate
	p.Persist(context.Background(), "u1", StatusOnline)
	if w.count() != 1 {
		t.Fatalf("writes = %d", w.count())
	}
}
