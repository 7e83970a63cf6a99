package call

import "time"

// 客户端事件名
const (
	EventIncoming   = "call.incoming"
	EventAccepted   = "call.accepted"
	EventDeclined   = "call.declined"
	EventEnded      = "call.ended"
	EventStatus     = "call.status"
	EventStatusBulk = "call.status.bulk"
)

// Effect 状态迁移产生的待执行动作。迁移函数本身不做 I/O，
// 由连接层的 applier 统一派发（广播、落消息、触发状态重算）。
type Effect interface{ isEffect() }

// BroadcastRoom 向某房间（所有实例）广播一条事件。
type BroadcastRoom struct {
	Room  string
	Event string
	Data  any
}

// EmitUser 向某用户的全部设备广播一条事件。
type EmitUser struct {
	UserID string
	Event  string
	Data   any
}

// SystemMessage 落一条系统消息；ReceiptUserID 非空时为该用户
// 预建已读回执（未接来电通知不该对发起者自己显示未读）。
type SystemMessage struct {
	ConversationID string
	SenderID       string
	Text           string
	Meta           map[string]any
	ReceiptUserID  string
}

// Recompute 触发该用户的生效状态重算。
type Recompute struct {
	UserID string
}

func (BroadcastRoom) isEffect() {}
func (EmitUser) isEffect()      {}
func (SystemMessage) isEffect() {}
func (Recompute) isEffect()     {}

// StatusSnapshot call.status 载荷。非活跃时只有前两个字段有意义。
type StatusSnapshot struct {
	ConversationID string    `json:"conversation_id"`
	Active         bool      `json:"active"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	ElapsedMs      int64     `json:"elapsed_ms,omitempty"`
	Participants   []string  `json:"participants,omitempty"`
}

// IncomingPayload call.incoming 载荷。
type IncomingPayload struct {
	ConversationID string    `json:"conversation_id"`
	InviterID      string    `json:"inviter_id"`
	Video          bool      `json:"video"`
	StartedAt      time.Time `json:"started_at"`
}

// AnswerPayload call.accepted / call.declined 载荷。
type AnswerPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// EndedPayload call.ended 载荷。
type EndedPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Duration       string `json:"duration"`
}
