package chat

import (
	"context"
	"encoding/json"

	"RTProject/logger"
	"RTProject/service/call"
	"RTProject/service/directory"
	"RTProject/service/presence"
)

// 入站事件注册。畸形载荷与越权会话一律静默丢弃（该通道上
// 不向客户端回错误事件），只记日志。
func (s *Server) registerHandlers() {
	s.disp.Register(EvPresenceState, handlePresenceState)
	s.disp.Register(EvPresenceFocus, handlePresenceFocus)
	s.disp.Register(EvCallInvite, handleCallInvite)
	s.disp.Register(EvCallAccept, handleCallAccept)
	s.disp.Register(EvCallDecline, handleCallDecline)
	s.disp.Register(EvCallEnd, handleCallEnd)
	s.disp.Register(EvCallRoomJoin, handleCallRoomJoin)
	s.disp.Register(EvCallRoomLeave, handleCallRoomLeave)
	s.disp.Register(EvCallStatusRequest, handleCallStatusRequest)
	s.disp.Register(EvConversationJoin, handleConversationJoin)
	s.disp.Register(EvConversationLeave, handleConversationLeave)
}

// conversationFor 载荷里的会话解析 + 成员校验；失败返回 nil（丢弃）。
func conversationFor(ctx context.Context, s *Server, c *Client, convID string) *directory.Conversation {
	if convID == "" {
		return nil
	}
	conv, err := s.dir.Conversation(ctx, convID)
	if err != nil {
		logger.Warnf("gateway: conversation %s: %v", convID, err)
		return nil
	}
	if !conv.HasParticipant(c.UserID) {
		logger.Warnf("gateway: user %s not in conversation %s", c.UserID, convID)
		return nil
	}
	return conv
}

// ===== 活动上报 =====

func handlePresenceState(ctx *Context, c *Client, data json.RawMessage) error {
	var p presence.StatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	s := ctx.S
	act, err := presence.Normalize(p, s.mgr.Conf().Clock())
	if err != nil {
		// 拒收：不改状态
		logger.Debugf("gateway: drop activity from %s: %v", c.ConnID, err)
		return nil
	}
	s.applyActivity(c, act)
	return nil
}

func handlePresenceFocus(ctx *Context, c *Client, data json.RawMessage) error {
	var p FocusPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	s := ctx.S
	s.applyActivity(c, presence.NormalizeLegacyFocus(p.Focused, s.mgr.Conf().Clock()))
	return nil
}

func (s *Server) applyActivity(c *Client, act presence.Activity) {
	bg := context.Background()
	if err := s.store.SetActive(bg, c.UserID, c.ConnID, act.Active); err != nil {
		// 尽力而为：存储抖动不阻塞后续重算
		logger.Warnf("gateway: set active user=%s conn=%s: %v", c.UserID, c.ConnID, err)
	}
	go s.agg.RecomputeAndBroadcast(bg, c.UserID, presence.RecomputeOptions{})
}

// ===== 通话信令 =====

func handleCallInvite(ctx *Context, c *Client, data json.RawMessage) error {
	var p CallPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	s, bg := ctx.S, context.Background()
	conv := conversationFor(bg, s, c, p.ConversationID)
	if conv == nil {
		return nil
	}
	s.mgr.JoinRoom(c.ConnID, conv.ID)
	s.Apply(bg, s.tracker.Invite(conv.ID, c.UserID, c.ConnID, conv.IsGroup, p.Video))
	return nil
}

func handleCallAccept(ctx *Context, c *Client, data json.RawMessage) error {
	var p CallPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	s, bg := ctx.S, context.Background()
	conv := conversationFor(bg, s, c, p.ConversationID)
	if conv == nil {
		return nil
	}
	inviterID, ok := s.tracker.InviterOf(conv.ID)
	if !ok {
		return nil
	}
	s.mgr.JoinRoom(c.ConnID, conv.ID)
	effs := s.tracker.Accept(conv.ID, c.UserID, conv.IsGroup, p.Video,
		s.mgr.UserConnIDs(inviterID), s.mgr.UserConnIDs(c.UserID))
	s.Apply(bg, effs)
	return nil
}

func handleCallDecline(ctx *Context, c *Client, data json.RawMessage) error {
	var p CallPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	s, bg := ctx.S, context.Background()
	conv := conversationFor(bg, s, c, p.ConversationID)
	if conv == nil {
		return nil
	}
	s.Apply(bg, s.tracker.Decline(conv.ID, c.UserID, conv.IsGroup))
	return nil
}

func handleCallEnd(ctx *Context, c *Client, data json.RawMessage) error {
	var p CallPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	s, bg := ctx.S, context.Background()
	conv := conversationFor(bg, s, c, p.ConversationID)
	if conv == nil {
		return nil
	}
	s.Apply(bg, s.tracker.End(conv.ID, c.UserID, conv.IsGroup))
	return nil
}

func handleCallRoomJoin(ctx *Context, c *Client, data json.RawMessage) error {
	var p CallPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	s, bg := ctx.S, context.Background()
	conv := conversationFor(bg, s, c, p.ConversationID)
	if conv == nil {
		return nil
	}
	s.mgr.JoinRoom(c.ConnID, conv.ID)
	s.Apply(bg, s.tracker.RoomJoin(conv.ID, c.UserID, c.ConnID, conv.IsGroup, p.Video))
	return nil
}

func handleCallRoomLeave(ctx *Context, c *Client, data json.RawMessage) error {
	var p CallPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	s, bg := ctx.S, context.Background()
	conv := conversationFor(bg, s, c, p.ConversationID)
	if conv == nil {
		return nil
	}
	s.Apply(bg, s.tracker.RoomLeave(conv.ID, c.UserID, c.ConnID, conv.IsGroup))
	return nil
}

// 按需查询一批会话的通话状态，只回给发问的连接。
func handleCallStatusRequest(ctx *Context, c *Client, data json.RawMessage) error {
	var p StatusRequestPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	s := ctx.S
	statuses := make(map[string]call.StatusSnapshot, len(p.ConversationIDs))
	for _, id := range p.ConversationIDs {
		statuses[id] = s.tracker.StatusFor(id)
	}
	s.sendTo(c, call.EventStatusBulk, map[string]any{"statuses": statuses})
	return nil
}

// ===== 房间 =====

func handleConversationJoin(ctx *Context, c *Client, data json.RawMessage) error {
	var p ConversationJoinPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	s, bg := ctx.S, context.Background()
	if conv := conversationFor(bg, s, c, p.ConversationID); conv != nil {
		s.mgr.JoinRoom(c.ConnID, conv.ID)
	}
	return nil
}

func handleConversationLeave(ctx *Context, c *Client, data json.RawMessage) error {
	var p ConversationJoinPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.ConversationID != "" {
		ctx.S.mgr.LeaveRoom(c.ConnID, p.ConversationID)
	}
	return nil
}
