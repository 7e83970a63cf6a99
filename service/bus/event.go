package bus

import "encoding/json"

// RoomAll 投递到本实例全部连接（presence.update 用）。
const RoomAll = "*"

// Envelope 跨实例事件信封。Origin 为发布方实例 ID，订阅方据此跳过自己发的。
type Envelope struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
