package call

import (
	"fmt"
	"time"
)

// Tracker ===== 通话状态机 =====
//
// 每会话的状态走 NONE → RINGING → ACTIVE → ENDED（群聊可直接 join
// 跳过 RINGING）。迁移函数锁内同步改表、返回效果列表，I/O 全部
// 留给调用方派发，状态机本身可脱离网络单测。
//
// 参与者表只覆盖本实例持有的连接；跨实例可见性靠房间广播，
// IN_CALL 覆盖判断因此是实例局部的（接受的取舍，不是缺陷）。
type Tracker struct {
	reg   *Registry
	clock func() time.Time
}

func NewTracker(reg *Registry, clock func() time.Time) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{reg: reg, clock: clock}
}

func (t *Tracker) Registry() *Registry { return t.reg }

// FormatDuration 通话时长显示：有小时位 "h:mm:ss"，否则 "m:ss"。
// 向下取整到秒。
func FormatDuration(d time.Duration) string {
	total := int64(d / time.Second)
	if total < 0 {
		total = 0
	}
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// snapshotLocked 调用方须持有 reg.mu。
func (t *Tracker) snapshotLocked(convID string, info *Info) StatusSnapshot {
	if info == nil {
		return StatusSnapshot{ConversationID: convID, Active: false}
	}
	now := t.clock()
	return StatusSnapshot{
		ConversationID: convID,
		Active:         true,
		StartedAt:      info.StartedAt,
		ElapsedMs:      now.Sub(info.StartedAt).Milliseconds(),
		Participants:   info.userIDs(),
	}
}

func statusEffect(snap StatusSnapshot) Effect {
	return BroadcastRoom{Room: snap.ConversationID, Event: EventStatus, Data: snap}
}

func systemMessage(convID, senderID, text, kind string, video bool, extra map[string]any) SystemMessage {
	meta := map[string]any{"kind": kind, "video": video}
	for k, v := range extra {
		meta[k] = v
	}
	return SystemMessage{ConversationID: convID, SenderID: senderID, Text: text, Meta: meta}
}

// Invite 发起呼叫。会话维度幂等：已有未应答邀请时只刷新
// startedAt/video，不重复落消息。
func (t *Tracker) Invite(convID, inviterID, inviterConnID string, isGroup, video bool) []Effect {
	now := t.clock()
	t.reg.mu.Lock()

	inv, exists := t.reg.invites[convID]
	if exists && !inv.Accepted {
		inv.StartedAt = now
		inv.Video = video
		snap := StatusSnapshot{}
		if isGroup {
			snap = t.snapshotLocked(convID, t.reg.group[convID])
		}
		t.reg.mu.Unlock()
		effs := []Effect{BroadcastRoom{Room: convID, Event: EventIncoming, Data: IncomingPayload{
			ConversationID: convID, InviterID: inviterID, Video: video, StartedAt: now,
		}}}
		if isGroup && snap.Active {
			effs = append(effs, statusEffect(snap))
		}
		return effs
	}

	t.reg.invites[convID] = &Invite{InviterID: inviterID, Video: video, StartedAt: now}

	var effs []Effect
	if isGroup {
		info, ok := t.reg.group[convID]
		if !ok {
			info = newInfo(now)
			t.reg.group[convID] = info
		}
		info.add(inviterID, inviterConnID)
		snap := t.snapshotLocked(convID, info)
		t.reg.mu.Unlock()
		// 群聊呼叫落"通话开始"系统消息；1:1 只响铃不进聊天记录
		effs = append(effs,
			systemMessage(convID, inviterID, "Call started", "call_started", video, nil),
			statusEffect(snap),
			Recompute{UserID: inviterID},
		)
	} else {
		t.reg.mu.Unlock()
	}

	effs = append(effs, BroadcastRoom{Room: convID, Event: EventIncoming, Data: IncomingPayload{
		ConversationID: convID, InviterID: inviterID, Video: video, StartedAt: now,
	}})
	return effs
}

// Accept 接听。1:1 在此刻才建 CallInfo（沿用邀请的 startedAt），
// 并把双方当前在本实例的全部连接一次放进参与表（多标签页/多设备
// 尽力覆盖，不是严格单连接模型）。
func (t *Tracker) Accept(convID, accepterID string, isGroup, video bool, inviterConns, accepterConns []string) []Effect {
	t.reg.mu.Lock()

	inv, ok := t.reg.invites[convID]
	if !ok {
		t.reg.mu.Unlock()
		return nil
	}
	inv.Accepted = true
	inviterID := inv.InviterID

	var effs []Effect
	if !isGroup {
		info, exists := t.reg.direct[convID]
		if !exists {
			info = newInfo(inv.StartedAt)
			t.reg.direct[convID] = info
		}
		for _, c := range inviterConns {
			info.add(inviterID, c)
		}
		for _, c := range accepterConns {
			info.add(accepterID, c)
		}
	}
	var snap StatusSnapshot
	if isGroup {
		snap = t.snapshotLocked(convID, t.reg.group[convID])
	}
	t.reg.mu.Unlock()

	effs = append(effs,
		BroadcastRoom{Room: convID, Event: EventAccepted, Data: AnswerPayload{ConversationID: convID, UserID: accepterID}},
		// 接听者其它设备收到后停止响铃
		EmitUser{UserID: accepterID, Event: EventAccepted, Data: AnswerPayload{ConversationID: convID, UserID: accepterID}},
		Recompute{UserID: inviterID},
		Recompute{UserID: accepterID},
	)
	if isGroup && snap.Active {
		effs = append(effs, statusEffect(snap))
	}
	return effs
}

// Decline 拒接。从未接听的邀请落"未接来电"（发起者预建回执）；
// 已接听过的群聊落时长消息。
func (t *Tracker) Decline(convID, declinerID string, isGroup bool) []Effect {
	now := t.clock()
	t.reg.mu.Lock()

	inv, hadInvite := t.reg.invites[convID]
	delete(t.reg.invites, convID)

	table := t.reg.table(isGroup)
	info, hadCall := table[convID]
	delete(table, convID)

	var participants []string
	startedAt := now
	if hadCall {
		participants = info.userIDs()
		startedAt = info.StartedAt
	} else if hadInvite {
		startedAt = inv.StartedAt
	}
	t.reg.mu.Unlock()

	effs := []Effect{
		BroadcastRoom{Room: convID, Event: EventDeclined, Data: AnswerPayload{ConversationID: convID, UserID: declinerID}},
	}
	if hadInvite && !inv.Accepted {
		msg := systemMessage(convID, inv.InviterID, "Missed call", "call_missed", inv.Video, nil)
		msg.ReceiptUserID = inv.InviterID
		effs = append(effs, msg)
	} else if hadInvite && inv.Accepted && isGroup {
		dur := FormatDuration(now.Sub(startedAt))
		effs = append(effs, systemMessage(convID, inv.InviterID, "Call ended ("+dur+")", "call_ended", inv.Video,
			map[string]any{"duration": dur}))
	}
	if isGroup {
		effs = append(effs, statusEffect(StatusSnapshot{ConversationID: convID, Active: false}))
	}
	effs = append(effs, Recompute{UserID: declinerID})
	if hadInvite {
		effs = append(effs, Recompute{UserID: inv.InviterID})
	}
	for _, u := range participants {
		if (hadInvite && u == inv.InviterID) || u == declinerID {
			continue
		}
		effs = append(effs, Recompute{UserID: u})
	}
	return effs
}

// End 挂断（接听后由任一方发起）。时长取 CallInfo.StartedAt，
// 没有表项时退回邀请的 startedAt。
func (t *Tracker) End(convID, enderID string, isGroup bool) []Effect {
	now := t.clock()
	t.reg.mu.Lock()

	inv, hadInvite := t.reg.invites[convID]
	delete(t.reg.invites, convID)

	table := t.reg.table(isGroup)
	info, hadCall := table[convID]
	delete(table, convID)

	startedAt := now
	var participants []string
	if hadCall {
		startedAt = info.StartedAt
		participants = info.userIDs()
	} else if hadInvite {
		startedAt = inv.StartedAt
	}
	t.reg.mu.Unlock()

	if !hadInvite && !hadCall {
		return nil
	}
	dur := FormatDuration(now.Sub(startedAt))

	effs := []Effect{
		BroadcastRoom{Room: convID, Event: EventEnded, Data: EndedPayload{ConversationID: convID, UserID: enderID, Duration: dur}},
	}
	switch {
	case hadInvite && !inv.Accepted:
		msg := systemMessage(convID, inv.InviterID, "Missed call", "call_missed", inv.Video, nil)
		msg.ReceiptUserID = inv.InviterID
		effs = append(effs, msg)
	case isGroup:
		sender := enderID
		video := false
		if hadInvite {
			sender = inv.InviterID
			video = inv.Video
		}
		effs = append(effs, systemMessage(convID, sender, "Call ended ("+dur+")", "call_ended", video,
			map[string]any{"duration": dur}))
	default:
		// 已接听的 1:1 挂断也落时长消息，发送者是挂断方
		video := false
		if hadInvite {
			video = inv.Video
		}
		effs = append(effs, systemMessage(convID, enderID, "Call ended ("+dur+")", "call_ended", video,
			map[string]any{"duration": dur}))
	}
	if isGroup {
		effs = append(effs, statusEffect(StatusSnapshot{ConversationID: convID, Active: false}))
	}

	seen := map[string]bool{enderID: true}
	effs = append(effs, Recompute{UserID: enderID})
	if hadInvite && !seen[inv.InviterID] {
		seen[inv.InviterID] = true
		effs = append(effs, Recompute{UserID: inv.InviterID})
	}
	for _, u := range participants {
		if !seen[u] {
			seen[u] = true
			effs = append(effs, Recompute{UserID: u})
		}
	}
	return effs
}

// RoomJoin 进入通话房间。首个加入者建表项；群聊无在先邀请时由
// 这里补"通话开始"消息（有邀请时消息已在 Invite 落过，防重复）。
// 1:1 里非发起者加入视同接听。
func (t *Tracker) RoomJoin(convID, userID, connID string, isGroup, video bool) []Effect {
	now := t.clock()
	t.reg.mu.Lock()

	inv, hadInvite := t.reg.invites[convID]
	table := t.reg.table(isGroup)
	info, exists := table[convID]
	if !exists {
		startedAt := now
		if hadInvite {
			startedAt = inv.StartedAt
		}
		info = newInfo(startedAt)
		table[convID] = info
	}
	info.add(userID, connID)

	implicitAccept := hadInvite && !inv.Accepted && userID != inv.InviterID
	if implicitAccept {
		inv.Accepted = true
	}
	snap := t.snapshotLocked(convID, info)
	t.reg.mu.Unlock()

	var effs []Effect
	if isGroup && !exists && !hadInvite {
		effs = append(effs, systemMessage(convID, userID, "Call started", "call_started", video, nil))
	}
	if implicitAccept {
		effs = append(effs,
			BroadcastRoom{Room: convID, Event: EventAccepted, Data: AnswerPayload{ConversationID: convID, UserID: userID}},
			EmitUser{UserID: userID, Event: EventAccepted, Data: AnswerPayload{ConversationID: convID, UserID: userID}},
		)
	}
	if isGroup {
		effs = append(effs, statusEffect(snap))
	}
	effs = append(effs, Recompute{UserID: userID})
	return effs
}

// RoomLeave 离开通话房间。整表变空即通话结束：群聊落时长消息并
// 广播 active:false；1:1 只清状态。
func (t *Tracker) RoomLeave(convID, userID, connID string, isGroup bool) []Effect {
	return t.leave(convID, userID, connID, isGroup)
}

func (t *Tracker) leave(convID, userID, connID string, isGroup bool) []Effect {
	now := t.clock()
	t.reg.mu.Lock()

	table := t.reg.table(isGroup)
	info, ok := table[convID]
	if !ok {
		t.reg.mu.Unlock()
		return nil
	}
	ended := info.remove(userID, connID)

	var effs []Effect
	if ended {
		delete(table, convID)
		inv, hadInvite := t.reg.invites[convID]
		delete(t.reg.invites, convID)
		startedAt := info.StartedAt
		t.reg.mu.Unlock()

		dur := FormatDuration(now.Sub(startedAt))
		effs = append(effs, BroadcastRoom{Room: convID, Event: EventEnded,
			Data: EndedPayload{ConversationID: convID, UserID: userID, Duration: dur}})
		if isGroup {
			sender := userID
			video := false
			if hadInvite {
				sender = inv.InviterID
				video = inv.Video
			}
			effs = append(effs,
				systemMessage(convID, sender, "Call ended ("+dur+")", "call_ended", video,
					map[string]any{"duration": dur}),
				statusEffect(StatusSnapshot{ConversationID: convID, Active: false}),
			)
		}
	} else {
		snap := t.snapshotLocked(convID, info)
		t.reg.mu.Unlock()
		if isGroup {
			effs = append(effs, statusEffect(snap))
		}
	}
	effs = append(effs, Recompute{UserID: userID})
	return effs
}

// Disconnect 连接级清理：把这条连接从它参与的所有通话里摘掉。
// 调用方随后自行走 allowOfflineCleanup=true 的状态重算。
func (t *Tracker) Disconnect(userID, connID string) []Effect {
	t.reg.mu.Lock()
	var groupIDs, directIDs []string
	for id, info := range t.reg.group {
		if _, ok := info.Participants[userID][connID]; ok {
			groupIDs = append(groupIDs, id)
		}
	}
	for id, info := range t.reg.direct {
		if _, ok := info.Participants[userID][connID]; ok {
			directIDs = append(directIDs, id)
		}
	}
	t.reg.mu.Unlock()

	var effs []Effect
	for _, id := range groupIDs {
		effs = append(effs, t.leave(id, userID, connID, true)...)
	}
	for _, id := range directIDs {
		effs = append(effs, t.leave(id, userID, connID, false)...)
	}
	return effs
}

// StatusFor 单会话的当前状态快照（call.status.request 按需查询用）。
func (t *Tracker) StatusFor(convID string) StatusSnapshot {
	t.reg.mu.Lock()
	info, _ := t.reg.lookup(convID)
	snap := t.snapshotLocked(convID, info)
	t.reg.mu.Unlock()
	return snap
}

// ActiveGroupSnapshots 周期性状态推送用：全部活跃群聊通话的快照。
func (t *Tracker) ActiveGroupSnapshots() []StatusSnapshot {
	t.reg.mu.Lock()
	defer t.reg.mu.Unlock()
	out := make([]StatusSnapshot, 0, len(t.reg.group))
	for id, info := range t.reg.group {
		out = append(out, t.snapshotLocked(id, info))
	}
	return out
}

// PendingInvite 未应答邀请（新连接上线时补发响铃）。
type PendingInvite struct {
	ConversationID string
	InviterID      string
	Video          bool
	StartedAt      time.Time
}

// InviterOf 该会话当前邀请的发起者（接听时需要放宽发起者的连接）。
func (t *Tracker) InviterOf(convID string) (string, bool) {
	t.reg.mu.Lock()
	defer t.reg.mu.Unlock()
	inv, ok := t.reg.invites[convID]
	if !ok {
		return "", false
	}
	return inv.InviterID, true
}

func (t *Tracker) PendingInvites() []PendingInvite {
	t.reg.mu.Lock()
	defer t.reg.mu.Unlock()
	var out []PendingInvite
	for id, inv := range t.reg.invites {
		if !inv.Accepted {
			out = append(out, PendingInvite{
				ConversationID: id, InviterID: inv.InviterID, Video: inv.Video, StartedAt: inv.StartedAt,
			})
		}
	}
	return out
}
