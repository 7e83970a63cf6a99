package chat

import (
	"context"
	"encoding/json"
	"time"

	"RTProject/logger"
	"RTProject/service/bus"
	"RTProject/service/call"
	"RTProject/service/directory"
	"RTProject/service/msgstore"
	"RTProject/service/presence"
	"RTProject/tools/errs"
	"RTProject/tools/security"
)

// ===== 配置 =====

type ServerConf struct {
	InstanceID      string
	JWT             security.Options
	PingInterval    time.Duration // 25s
	HeartbeatEvery  time.Duration // 27s，presence TTL 续期
	CallStatusEvery time.Duration // 1s，群聊通话状态推送
	WriteWait       time.Duration
	FanoutWorkers   int
	FanoutQueue     int
}

func (c *ServerConf) norm() {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 27 * time.Second
	}
	if c.CallStatusEvery <= 0 {
		c.CallStatusEvery = time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	if c.FanoutQueue <= 0 {
		c.FanoutQueue = 1024
	}
}

// PresenceStore 网关侧需要的在线证据操作（聚合器的读操作之上再加
// 连接级注册/续期/摘除）。*storage.PresenceStore 是生产实现。
type PresenceStore interface {
	presence.Store
	AddPresence(ctx context.Context, userID, connID string) error
	RefreshPresence(ctx context.Context, userID, connID string) error
	SetActive(ctx context.Context, userID, connID string, active bool) error
	RemovePresence(ctx context.Context, userID, connID string) (online int64, active int64, err error)
}

// Publisher 跨实例发布（bus.Bus 的生产实现）。
type Publisher interface {
	Publish(ctx context.Context, room, event string, data any) error
}

// Server ===== 网关装配 =====
//
// 连接层 + 状态聚合 + 通话状态机的装配点，同时是通话效果的派发器
// 和 presence.Broadcaster 的实现。
type Server struct {
	conf    ServerConf
	mgr     *ConnManager
	fan     *Fanout
	bus     Publisher
	store   PresenceStore
	tracker *call.Tracker
	agg     *presence.Aggregator
	dir     directory.Directory
	msgs    msgstore.Store
	disp    *Dispatcher
}

func NewServer(conf ServerConf, store PresenceStore, tracker *call.Tracker,
	dir directory.Directory, msgs msgstore.Store, persist presence.Persister, b Publisher) *Server {
	conf.norm()
	s := &Server{
		conf:    conf,
		mgr:     NewConnManager(ManagerConf{}),
		fan:     NewFanout(conf.FanoutWorkers, conf.FanoutQueue),
		bus:     b,
		store:   store,
		tracker: tracker,
		dir:     dir,
		msgs:    msgs,
		disp:    NewDispatcher(),
	}
	s.agg = presence.NewAggregator(store, tracker.Registry(), s, persist)
	s.registerHandlers()
	return s
}

func (s *Server) ConnMgr() *ConnManager            { return s.mgr }
func (s *Server) Disp() *Dispatcher                { return s.disp }
func (s *Server) Tracker() *call.Tracker           { return s.tracker }
func (s *Server) Aggregator() *presence.Aggregator { return s.agg }

// ===== 广播 =====

// deliverLocal 在本实例把一帧发给房间成员；room 为 "*" 时发给全部连接。
func (s *Server) deliverLocal(room, event string, data any) {
	payload, err := BuildFrame(event, data)
	if err != nil {
		logger.Errorf("gateway: build frame %s: %v", event, err)
		return
	}
	var conns []*Client
	if room == bus.RoomAll {
		conns = s.mgr.AllClients()
	} else {
		conns = s.mgr.RoomMembers(room)
	}
	s.fan.Broadcast(conns, payload)
}

// DeliverRemote 总线/中继回调：远端实例发布的事件落到本地连接。
func (s *Server) DeliverRemote(room, event string, data json.RawMessage) {
	s.deliverLocal(room, event, data)
}

// EmitRoom 本地投递 + 跨实例发布。
func (s *Server) EmitRoom(ctx context.Context, room, event string, data any) {
	s.deliverLocal(room, event, data)
	if err := s.bus.Publish(ctx, room, event, data); err != nil {
		logger.Warnf("gateway: publish %s to %s: %v", event, room, err)
	}
}

// EmitUser 投递到某用户的全部设备（所有实例）。
func (s *Server) EmitUser(ctx context.Context, userID, event string, data any) {
	s.EmitRoom(ctx, "user:"+userID, event, data)
}

// BroadcastPresence presence.Broadcaster 的实现：状态更新发给所有连接。
func (s *Server) BroadcastPresence(ctx context.Context, userID string, status presence.Status) {
	s.EmitRoom(ctx, bus.RoomAll, EvPresenceUpdate, PresenceUpdate{UserID: userID, Status: string(status)})
}

// sendTo 只发给单条连接（按需查询的应答）。
func (s *Server) sendTo(c *Client, event string, data any) {
	payload, err := BuildFrame(event, data)
	if err != nil {
		logger.Errorf("gateway: build frame %s: %v", event, err)
		return
	}
	select {
	case c.Send <- payload:
	default:
		logger.Warnf("gateway: send queue full conn=%s event=%s", c.ConnID, event)
	}
}

// ===== 通话效果派发 =====

// Apply 执行状态机迁移产出的效果。落消息失败只记日志（尽力而为，
// 不保证送达），状态重算走聚合器的串行通道。
func (s *Server) Apply(ctx context.Context, effs []call.Effect) {
	for _, e := range effs {
		switch eff := e.(type) {
		case call.BroadcastRoom:
			s.EmitRoom(ctx, eff.Room, eff.Event, eff.Data)
		case call.EmitUser:
			s.EmitUser(ctx, eff.UserID, eff.Event, eff.Data)
		case call.SystemMessage:
			s.applySystemMessage(ctx, eff)
		case call.Recompute:
			uid := eff.UserID
			go s.agg.RecomputeAndBroadcast(ctx, uid, presence.RecomputeOptions{})
		}
	}
}

func (s *Server) applySystemMessage(ctx context.Context, eff call.SystemMessage) {
	id, err := s.msgs.CreateSystemMessage(ctx, eff.ConversationID, eff.SenderID, eff.Text, eff.Meta)
	if err != nil {
		logger.Errorf("gateway: system message for %s: %v", eff.ConversationID, err)
		return
	}
	if eff.ReceiptUserID != "" {
		if err := s.msgs.CreateReadReceipt(ctx, id, eff.ReceiptUserID); err != nil && !errs.ErrRecordIsExist.Is(err) {
			logger.Warnf("gateway: receipt for message %s: %v", id, err)
		}
	}
	s.EmitRoom(ctx, eff.ConversationID, EvMessageNew, map[string]any{
		"conversation_id": eff.ConversationID,
		"message_id":      id,
		"sender_id":       eff.SenderID,
		"type":            "system",
		"text":            eff.Text,
		"meta":            eff.Meta,
	})
	s.notifyParticipants(ctx, eff.ConversationID, eff.SenderID, id)
}

// notifyParticipants 给没把会话房间打开的成员推一条轻量通知
// （未接来电得在会话列表里露头）。查目录失败就算了。
func (s *Server) notifyParticipants(ctx context.Context, convID, senderID, messageID string) {
	conv, err := s.dir.Conversation(ctx, convID)
	if err != nil {
		logger.Warnf("gateway: notify participants of %s: %v", convID, err)
		return
	}
	senderName, err := s.dir.DisplayName(ctx, senderID)
	if err != nil {
		senderName = senderID
	}
	for _, uid := range conv.ParticipantIDs {
		if uid == senderID {
			continue
		}
		s.EmitUser(ctx, uid, EvMessageNotify, map[string]any{
			"conversation_id": convID,
			"message_id":      messageID,
			"sender_id":       senderID,
			"sender_name":     senderName,
		})
	}
}

// ===== 周期任务 =====

// RunStatusTicker 每秒推送活跃群聊通话快照，让客户端的计时显示
// 不依赖本地定时器。ctx 结束即停。
func (s *Server) RunStatusTicker(ctx context.Context) {
	ticker := time.NewTicker(s.conf.CallStatusEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, snap := range s.tracker.ActiveGroupSnapshots() {
				s.EmitRoom(ctx, snap.ConversationID, call.EventStatus, snap)
			}
		}
	}
}

func (s *Server) Close() {
	s.mgr.Close()
	s.fan.Close()
}
