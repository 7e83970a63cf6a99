package chat

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"RTProject/service/call"
	"RTProject/service/presence"
	"RTProject/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// seqStore 记录调用顺序的在线证据存储。removed 在 RemovePresence
// 时关闭，测试用它等连接收尾跑完。
type seqStore struct {
	mu      sync.Mutex
	ops     []string
	removed chan struct{}
}

func newSeqStore() *seqStore {
	return &seqStore{removed: make(chan struct{})}
}

func (s *seqStore) record(op string) {
	s.mu.Lock()
	s.ops = append(s.ops, op)
	s.mu.Unlock()
}

func (s *seqStore) opsSnapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

func (s *seqStore) AddPresence(ctx context.Context, userID, connID string) error {
	s.record("add")
	return nil
}

func (s *seqStore) RefreshPresence(ctx context.Context, userID, connID string) error {
	s.record("refresh")
	return nil
}

func (s *seqStore) SetActive(ctx context.Context, userID, connID string, active bool) error {
	s.record("setactive")
	return nil
}

func (s *seqStore) RemovePresence(ctx context.Context, userID, connID string) (int64, int64, error) {
	s.record("remove")
	close(s.removed)
	return 0, 0, nil
}

func (s *seqStore) ReadCounts(ctx context.Context, userID string) (int64, int64, error) {
	return 0, 0, nil
}

func (s *seqStore) RefreshAggregate(ctx context.Context, userID, status string) error { return nil }
func (s *seqStore) CleanupAggregate(ctx context.Context, userID string) error         { return nil }

type noopPublisher struct{}

func (noopPublisher) Publish(ctx context.Context, room, event string, data any) error { return nil }

type noopPersister struct{}

func (noopPersister) Persist(ctx context.Context, userID string, status presence.Status) {}

func TestDisconnectStopsHeartbeatBeforeRemovingPresence(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := newSeqStore()
	opts := security.DefaultOptions([]byte("test-secret"))
	srv := NewServer(ServerConf{
		InstanceID:     "t1",
		JWT:            opts,
		PingInterval:   time.Hour,
		HeartbeatEvery: 2 * time.Millisecond,
	}, store, call.NewTracker(call.NewRegistry(), nil), nil, nil, noopPersister{}, noopPublisher{})
	defer srv.Close()

	r := gin.New()
	r.GET("/ws", srv.HandleWS)
	ts := httptest.NewServer(r)
	defer ts.Close()

	token, _, err := security.Generate(opts, "u1", "")
	if err != nil {
		t.Fatal(err)
	}
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	// 让心跳续期跑起来几轮再断开
	time.Sleep(20 * time.Millisecond)
	_ = ws.Close()

	select {
	case <-store.removed:
	case <-time.After(2 * time.Second):
		t.Fatal("RemovePresence never called after client close")
	}
	// 收尾后再留一个窗口：若写协程没先停，此时还会有续期落进来
	time.Sleep(30 * time.Millisecond)

	ops := store.opsSnapshot()
	removedAt := -1
	for i, op := range ops {
		if op == "remove" {
			removedAt = i
		}
	}
	if removedAt < 0 {
		t.Fatalf("ops = %v", ops)
	}
	for _, op := range ops[removedAt+1:] {
		if op == "refresh" {
			t.Fatalf("presence refreshed after removal, ops = %v", ops)
		}
	}
}
