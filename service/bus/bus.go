package bus

import (
	"context"
	"encoding/json"
	"sync"

	"RTProject/logger"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const channel = "rt:events"

// DeliverFunc 把一条远端事件交给本实例的连接层投递。
type DeliverFunc func(room, event string, data json.RawMessage)

// Bus ===== 跨实例事件总线 =====
//
// Redis pub/sub 单频道广播；每个实例既发布也订阅，
// 收到自己 Origin 的信封直接丢弃（本地投递已在发布前完成）。
type Bus struct {
	origin string
	rdb    redis.UniversalClient

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

func NewBus(origin string, rdb redis.UniversalClient) *Bus {
	return &Bus{origin: origin, rdb: rdb}
}

func (b *Bus) Origin() string { return b.origin }

// Publish 向所有实例（含自己,自己侧会被 Origin 过滤）广播一条事件。
// data 必须可 JSON 序列化。
func (b *Bus) Publish(ctx context.Context, room, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "bus marshal data")
	}
	env := &Envelope{Origin: b.origin, Room: room, Event: event, Data: raw}
	payload, err := env.Encode()
	if err != nil {
		return errors.Wrap(err, "bus encode envelope")
	}
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return errors.Wrap(err, "bus publish")
	}
	return nil
}

// Start 启动订阅循环。deliver 在订阅 goroutine 内被串行调用。
func (b *Bus) Start(ctx context.Context, deliver DeliverFunc) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	ctx, b.cancel = context.WithCancel(ctx)
	b.started = true
	b.mu.Unlock()

	sub := b.rdb.Subscribe(ctx, channel)
	go func() {
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				env, err := DecodeEnvelope([]byte(msg.Payload))
				if err != nil {
					logger.Errorf("bus: bad envelope: %v", err)
					continue
				}
				if env.Origin == b.origin {
					continue
				}
				deliver(env.Room, env.Event, env.Data)
			}
		}
	}()
	logger.Infof("bus: subscribed channel=%s origin=%s", channel, b.origin)
}

func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
	b.started = false
}
