package presence

import (
	"context"
	"sync"
	"time"

	"RTProject/logger"
)

// StatusWriter 持久层写入（service/userstate 实现）。
type StatusWriter interface {
	// WriteStatus lastSeen 仅在转入 OFFLINE 时非 nil。
	WriteStatus(ctx context.Context, userID, status string, lastSeen *time.Time) error
}

// PersistConfig 写合并策略配置
type PersistConfig struct {
	MinInterval time.Duration // ONLINE/BACKGROUND 间翻转的最小写间隔
	Clock       func() time.Time
}

func (c *PersistConfig) norm() {
	if c.MinInterval <= 0 {
		c.MinInterval = 2 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// StatusPersister ===== 落库节流 =====
//
// 进出 OFFLINE 立即写；ONLINE/BACKGROUND 之间的翻转每用户最多
// MinInterval 写一次，压住频繁切前后台用户产生的库写入。
// 写失败只记日志，从不向调用方抛出。
type StatusPersister struct {
	writer StatusWriter
	conf   PersistConfig

	mu        sync.Mutex
	written   map[string]Status    // 上次落库的状态
	lastWrite map[string]time.Time // 上次真正落库的时间
}

func NewStatusPersister(writer StatusWriter, conf PersistConfig) *StatusPersister {
	conf.norm()
	return &StatusPersister{
		writer:    writer,
		conf:      conf,
		written:   make(map[string]Status),
		lastWrite: make(map[string]time.Time),
	}
}

func (p *StatusPersister) Persist(ctx context.Context, userID string, status Status) {
	now := p.conf.Clock()

	p.mu.Lock()
	// 去重看"已落库的值"而不是"上次观察值"：节流压掉的翻转在窗口
	// 过后还能由下一次 Persist 补写，不会永久丢掉。
	prev, seen := p.written[userID]
	if seen && prev == status {
		p.mu.Unlock()
		return
	}

	// 进出 OFFLINE 不节流；其余翻转按最小间隔合并
	immediate := status == StatusOffline || (seen && prev == StatusOffline) || !seen
	if !immediate && now.Sub(p.lastWrite[userID]) < p.conf.MinInterval {
		p.mu.Unlock()
		return
	}
	p.written[userID] = status
	p.lastWrite[userID] = now
	p.mu.Unlock()

	var lastSeen *time.Time
	if status == StatusOffline {
		t := now
		lastSeen = &t
	}
	if err := p.writer.WriteStatus(ctx, userID, string(status), lastSeen); err != nil {
		logger.Errorf("presence: persist status %s for %s: %v", status, userID, err)
	}
}
