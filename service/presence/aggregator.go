package presence

import (
	"context"
	"sync"

	"RTProject/logger"
)

// Store 聚合器需要的存储能力（service/storage.PresenceStore 实现）。
type Store interface {
	ReadCounts(ctx context.Context, userID string) (online int64, active int64, err error)
	RefreshAggregate(ctx context.Context, userID, status string) error
	CleanupAggregate(ctx context.Context, userID string) error
}

// Broadcaster 把生效状态广播给所有实例的连接。
type Broadcaster interface {
	BroadcastPresence(ctx context.Context, userID string, status Status)
}

// Persister 状态落库（带节流，见 StatusPersister）。
type Persister interface {
	Persist(ctx context.Context, userID string, status Status)
}

// RecomputeOptions AllowOfflineCleanup 只有真正由断开触发的重算才置 true：
// 写竞态下的瞬时零读不允许删便捷键。
type RecomputeOptions struct {
	AllowOfflineCleanup bool
}

// Aggregator ===== 状态聚合器 =====
//
// 所有影响状态的事件（连接、断开、活动上报、通话加退）都汇到
// RecomputeAndBroadcast 这一个入口。同一用户的重算严格按到达顺序
// 串行排队，不同用户完全并发。
type Aggregator struct {
	store   Store
	calls   CallOverride
	emit    Broadcaster
	persist Persister

	mu    sync.Mutex
	lanes map[string]chan struct{} // userID -> 队尾完成信号
	last  map[string]Status        // userID -> 上次广播值（去重备忘）
}

func NewAggregator(store Store, calls CallOverride, emit Broadcaster, persist Persister) *Aggregator {
	return &Aggregator{
		store:   store,
		calls:   calls,
		emit:    emit,
		persist: persist,
		lanes:   make(map[string]chan struct{}),
		last:    make(map[string]Status),
	}
}

// RecomputeAndBroadcast 重算该用户的生效状态并在变化时广播。
// 可以高频冗余调用；同用户并发调用按 FIFO 排队执行，返回时本次已处理完。
func (a *Aggregator) RecomputeAndBroadcast(ctx context.Context, userID string, opts RecomputeOptions) {
	turn := make(chan struct{})
	a.mu.Lock()
	prev := a.lanes[userID]
	a.lanes[userID] = turn
	a.mu.Unlock()

	if prev != nil {
		<-prev
	}
	defer func() {
		close(turn)
		a.mu.Lock()
		if a.lanes[userID] == turn {
			delete(a.lanes, userID)
		}
		a.mu.Unlock()
	}()

	a.recompute(ctx, userID, opts)
}

func (a *Aggregator) recompute(ctx context.Context, userID string, opts RecomputeOptions) {
	online, active, err := a.store.ReadCounts(ctx, userID)
	if err != nil {
		// 计数不可得按"未知"处理：跳过本轮，绝不误报 OFFLINE
		logger.Warnf("presence: counts unavailable for %s, skip recompute: %v", userID, err)
		return
	}

	base := BaseStatus(online, active)
	effective := ComputeEffective(base, a.calls.InAnyCall(userID))

	a.mu.Lock()
	prev, announced := a.last[userID]
	changed := !announced || prev != effective
	if effective == StatusOffline {
		// 清掉备忘：之后重连即使同状态也会重新广播
		delete(a.last, userID)
		// 从未广播过的用户不需要补一条 OFFLINE
		changed = announced
	} else if changed {
		a.last[userID] = effective
	}
	a.mu.Unlock()

	if changed {
		a.emit.BroadcastPresence(ctx, userID, effective)
	}

	if online > 0 {
		if err := a.store.RefreshAggregate(ctx, userID, string(effective)); err != nil {
			logger.Warnf("presence: refresh aggregate for %s: %v", userID, err)
		}
	} else if opts.AllowOfflineCleanup {
		if err := a.store.CleanupAggregate(ctx, userID); err != nil {
			logger.Warnf("presence: cleanup aggregate for %s: %v", userID, err)
		}
	}

	// 落库用基础状态，IN_CALL 是纯广播层的叠加
	a.persist.Persist(ctx, userID, base)
}

// LastBroadcast 测试与诊断用：该用户最近一次广播的状态。
func (a *Aggregator) LastBroadcast(userID string) (Status, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.last[userID]
	return s, ok
}
