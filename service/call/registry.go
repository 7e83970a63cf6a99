package call

import (
	"sync"
	"time"
)

// Info 一通进行中的通话：起始时间 + 按用户分组的连接集合。
// 用户"在通话中"当且仅当其连接集合非空；映射整体变空即通话终止
// （没有单独的终止标志，表项消失就是终态）。
type Info struct {
	StartedAt    time.Time
	Participants map[string]map[string]struct{} // userID -> connID set
}

func newInfo(startedAt time.Time) *Info {
	return &Info{StartedAt: startedAt, Participants: make(map[string]map[string]struct{})}
}

func (i *Info) add(userID, connID string) {
	set, ok := i.Participants[userID]
	if !ok {
		set = make(map[string]struct{})
		i.Participants[userID] = set
	}
	set[connID] = struct{}{}
}

// remove 去掉一条连接；用户最后一条连接移除时删掉用户项。
// 返回映射是否因此变空。
func (i *Info) remove(userID, connID string) bool {
	if set, ok := i.Participants[userID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(i.Participants, userID)
		}
	}
	return len(i.Participants) == 0
}

func (i *Info) userIDs() []string {
	out := make([]string, 0, len(i.Participants))
	for id := range i.Participants {
		out = append(out, id)
	}
	return out
}

// Invite 一次响铃中的邀请。
type Invite struct {
	InviterID string
	Accepted  bool
	Video     bool
	StartedAt time.Time
}

// Registry ===== 本实例通话表 =====
//
// 群聊和 1:1 各一张独立表，外加响铃邀请表；按会话 ID 键控。
// 只对本实例持有的连接负责，不跨实例共享（见 Tracker 注释）。
// 所有变更都是锁内同步完成，参与者集合不会被观察到半更新状态。
type Registry struct {
	mu      sync.Mutex
	group   map[string]*Info
	direct  map[string]*Info
	invites map[string]*Invite
}

func NewRegistry() *Registry {
	return &Registry{
		group:   make(map[string]*Info),
		direct:  make(map[string]*Info),
		invites: make(map[string]*Invite),
	}
}

func (r *Registry) table(isGroup bool) map[string]*Info {
	if isGroup {
		return r.group
	}
	return r.direct
}

// lookup 两张表都查（调用方通常知道类型，但 Disconnect 不知道）。
func (r *Registry) lookup(convID string) (*Info, bool) {
	if info, ok := r.group[convID]; ok {
		return info, true
	}
	info, ok := r.direct[convID]
	return info, ok
}

// InAnyCall 该用户在本实例任一通话中是否还有连接。
// presence.CallOverride 的实现。
func (r *Registry) InAnyCall(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, info := range r.group {
		if len(info.Participants[userID]) > 0 {
			return true
		}
	}
	for _, info := range r.direct {
		if len(info.Participants[userID]) > 0 {
			return true
		}
	}
	return false
}
