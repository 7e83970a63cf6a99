package bus

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"RTProject/logger"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// SubjectMessageUpdate 上游消息服务发布消息变更（编辑/撤回/回执）的主题。
const SubjectMessageUpdate = "realtime.message.update"

// EventMessageUpdate 推给客户端的事件名。
const EventMessageUpdate = "message.update"

// RelayConfig NATS 中继配置
type RelayConfig struct {
	Servers       []string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
	Queue         string // 留空则每个实例都收一份（需要：各实例投递各自本地连接）
}

func (c *RelayConfig) norm() {
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 500 * time.Millisecond
	}
	if c.Timeout == 0 {
		c.Timeout = 3 * time.Second
	}
	if c.Name == "" {
		c.Name = "rt-relay"
	}
}

// messageUpdate 上游 payload，conversation_id 决定投递房间。
type messageUpdate struct {
	ConversationID string `json:"conversation_id"`
}

// Relay ===== 上游消息变更中继 =====
//
// 每个实例独立订阅（无队列组），把变更投到本实例的会话房间成员。
type Relay struct {
	conf RelayConfig

	mu  sync.Mutex
	nc  *nats.Conn
	sub *nats.Subscription
}

func NewRelay(conf RelayConfig) *Relay {
	conf.norm()
	return &Relay{conf: conf}
}

// Start 连接并订阅。deliver 与 Bus 的投递回调同型。
func (r *Relay) Start(deliver DeliverFunc) error {
	if len(r.conf.Servers) == 0 {
		return errors.New("relay: nats servers missing")
	}
	opts := []nats.Option{
		nats.Name(r.conf.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(r.conf.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(r.conf.Timeout),
	}
	nc, err := nats.Connect(strings.Join(r.conf.Servers, ","), opts...)
	if err != nil {
		return errors.Wrap(err, "relay connect")
	}

	handler := func(msg *nats.Msg) {
		var upd messageUpdate
		if err := json.Unmarshal(msg.Data, &upd); err != nil || upd.ConversationID == "" {
			logger.Warnf("relay: drop malformed update: %v", err)
			return
		}
		deliver(upd.ConversationID, EventMessageUpdate, json.RawMessage(msg.Data))
	}

	var sub *nats.Subscription
	if r.conf.Queue != "" {
		sub, err = nc.QueueSubscribe(SubjectMessageUpdate, r.conf.Queue, handler)
	} else {
		sub, err = nc.Subscribe(SubjectMessageUpdate, handler)
	}
	if err != nil {
		_ = nc.Drain()
		return errors.Wrap(err, "relay subscribe")
	}

	r.mu.Lock()
	r.nc, r.sub = nc, sub
	r.mu.Unlock()
	logger.Infof("relay: subscribed subject=%s", SubjectMessageUpdate)
	return nil
}

// Close 优雅关闭
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		_ = r.sub.Drain()
		r.sub = nil
	}
	if r.nc != nil {
		err := r.nc.Drain()
		r.nc = nil
		return err
	}
	return nil
}
