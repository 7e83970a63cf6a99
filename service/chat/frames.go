package chat

import (
	"encoding/json"

	"RTProject/tools/errs"
)

// ===== 事件名 =====

// 入站
const (
	EvPresenceState     = "presence.state"
	EvPresenceFocus     = "presence.focus"
	EvCallInvite        = "call.invite"
	EvCallAccept        = "call.accept"
	EvCallDecline       = "call.decline"
	EvCallEnd           = "call.end"
	EvCallRoomJoin      = "call.room.join"
	EvCallRoomLeave     = "call.room.leave"
	EvCallStatusRequest = "call.status.request"
	EvConversationJoin  = "conversation.join"
	EvConversationLeave = "conversation.leave"
)

// 出站
const (
	EvPresenceUpdate = "presence.update"
	EvMessageNew     = "message.new"
	EvMessageNotify  = "message.notify"
)

// Frame 线上帧：{"event":"...","data":{...}}
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

var ErrBadFrame = errs.NewCodeError(1200, "malformed frame")

func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, ErrBadFrame.WithDetail(err.Error())
	}
	if f.Event == "" {
		return nil, ErrBadFrame.WithDetail("missing event")
	}
	return &f, nil
}

// BuildFrame 编码一帧出站数据。
func BuildFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Frame{Event: event, Data: raw})
}

// ===== 载荷 =====

type FocusPayload struct {
	Focused bool `json:"focused"`
}

type CallPayload struct {
	ConversationID string `json:"conversation_id"`
	Video          bool   `json:"video"`
}

type StatusRequestPayload struct {
	ConversationIDs []string `json:"conversation_ids"`
}

type ConversationJoinPayload struct {
	ConversationID string `json:"conversation_id"`
}

type PresenceUpdate struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}
